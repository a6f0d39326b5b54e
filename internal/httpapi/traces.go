package httpapi

import (
	"sync"
	"time"

	"github.com/haasonsaas/storyforge/internal/agentruntime"
)

// traceTTL bounds how long a completed run's trace stays queryable,
// mirroring activeagents' TTL-eviction idiom so this store never grows
// unbounded without a caller ever fetching a trace.
const traceTTL = 30 * time.Minute

// TraceStore holds the call-tree trace of agent invocations made through
// this HTTP surface, keyed by root run id, so GET
// /stories/{sid}/agent-traces/{runId} has something to serve. Invocations
// made by the librarian scheduler are not recorded here: they are reported
// instead over the librarian stream's own event buffer.
type TraceStore struct {
	mu      sync.Mutex
	entries map[string]traceEntry
}

type traceEntry struct {
	storyID   string
	trace     []agentruntime.TraceEntry
	expiresAt time.Time
}

// NewTraceStore builds an empty TraceStore.
func NewTraceStore() *TraceStore {
	return &TraceStore{entries: make(map[string]traceEntry)}
}

// Record stores the trace for a completed top-level invocation.
func (t *TraceStore) Record(storyID string, res *agentruntime.Result) {
	if t == nil || res == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictLocked()
	t.entries[res.RunID] = traceEntry{
		storyID:   storyID,
		trace:     res.Trace,
		expiresAt: time.Now().Add(traceTTL),
	}
}

// Get returns the trace for runId if it was recorded for storyID and has
// not expired.
func (t *TraceStore) Get(storyID, runID string) ([]agentruntime.TraceEntry, bool) {
	if t == nil {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[runID]
	if !ok || e.storyID != storyID || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.trace, true
}

func (t *TraceStore) evictLocked() {
	now := time.Now()
	for id, e := range t.entries {
		if now.After(e.expiresAt) {
			delete(t.entries, id)
		}
	}
}
