// Package activeagents implements the active-agent registry (component J):
// an in-memory, TTL-backed map of currently-running agent invocations, so a
// UI can show "what's running right now" for a story without polling the
// trace log.
package activeagents

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is the safety timer that removes an entry if Unregister is
// never called (e.g. the process invoking the agent crashed), grounded on
// the donor subagent registry's ArchiveAfterMs/sweep pattern.
const DefaultTTL = 10 * time.Minute

// Entry is one currently-running agent invocation.
type Entry struct {
	ID        string    `json:"id"`
	StoryID   string    `json:"storyId"`
	AgentName string    `json:"agentName"`
	StartedAt time.Time `json:"startedAt"`
}

// Listener receives register/unregister deltas, used by the optional
// websocket push surface (internal/httpapi).
type Listener func(event string, entry Entry)

// Registry tracks active agent invocations with a per-entry safety timer.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]*registered
	ttl       time.Duration
	listeners []Listener
}

type registered struct {
	entry Entry
	timer *time.Timer
}

// New builds a Registry with the given safety TTL (DefaultTTL if zero).
func New(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{entries: make(map[string]*registered), ttl: ttl}
}

// Subscribe adds a listener notified of every register/unregister. Returns
// an unsubscribe function.
func (r *Registry) Subscribe(l Listener) func() {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	idx := len(r.listeners) - 1
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if idx < len(r.listeners) {
			r.listeners[idx] = nil
		}
	}
}

// Register records a new active invocation and returns its id. The entry is
// automatically removed after the registry's TTL if Unregister is not
// called first.
func (r *Registry) Register(storyID, agentName string) string {
	id := uuid.NewString()
	entry := Entry{ID: id, StoryID: storyID, AgentName: agentName, StartedAt: time.Now()}

	r.mu.Lock()
	rec := &registered{entry: entry}
	rec.timer = time.AfterFunc(r.ttl, func() { r.Unregister(id) })
	r.entries[id] = rec
	r.mu.Unlock()

	r.notify("register", entry)
	return id
}

// Unregister removes an entry before its TTL fires. Safe to call more than
// once or with an unknown id.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	rec, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec.timer.Stop()
	delete(r.entries, id)
	r.mu.Unlock()

	r.notify("unregister", rec.entry)
}

// List returns current entries, optionally filtered by storyID (empty
// string returns all).
func (r *Registry) List(storyID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.entries))
	for _, rec := range r.entries {
		if storyID != "" && rec.entry.StoryID != storyID {
			continue
		}
		out = append(out, rec.entry)
	}
	return out
}

func (r *Registry) notify(event string, entry Entry) {
	r.mu.Lock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, l := range listeners {
		if l != nil {
			l(event, entry)
		}
	}
}
