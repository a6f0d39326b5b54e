// Package agentruntime implements the agent registry and runner (component
// F): named, schema-validated agents invoked under cycle/depth/call/timeout
// discipline, producing a precise trace of every invocation in a call tree.
package agentruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/storyforge/internal/apierrors"
)

// RunFunc is the body of an AgentDefinition. It receives the InvocationContext
// for this call (exposing nested invokeAgent for sub-calls) and the
// already-schema-validated input, and returns the agent's raw output.
type RunFunc func(ctx context.Context, ic *InvocationContext, input json.RawMessage) (json.RawMessage, error)

// AgentDefinition is a named, schema-validated task that may call other
// registered agents, matching §4.F's {name, inputSchema, outputSchema?,
// allowedCalls?, run} shape.
type AgentDefinition struct {
	Name         string
	InputSchema  *jsonschema.Schema
	OutputSchema *jsonschema.Schema // nil means output is not validated
	AllowedCalls []string           // nil means no restriction
	Run          RunFunc
}

// Registry holds named agent definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]AgentDefinition
}

// NewRegistry builds an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]AgentDefinition)}
}

// Register adds or replaces an agent definition.
func (r *Registry) Register(def AgentDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
}

// Names returns the registered agent names, for manifest/listing endpoints.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	return names
}

func (r *Registry) get(name string) (AgentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// TraceEntry is the persisted record of one invocation within a call tree,
// matching the AgentTraceEntry data-model shape.
type TraceEntry struct {
	RunID       string    `json:"runId"`
	ParentRunID string    `json:"parentRunId,omitempty"`
	RootRunID   string    `json:"rootRunId"`
	AgentName   string    `json:"agentName"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	DurationMs  int64     `json:"durationMs"`
	Status      string    `json:"status"` // "success" | "error"
	Error       string    `json:"error,omitempty"`
}

// Options configures a top-level invokeAgent call. Zero values fall back to
// the §4.F defaults (maxDepth 3, maxCalls 20, timeoutMs 120000).
type Options struct {
	MaxDepth  int
	MaxCalls  int
	TimeoutMs int64
}

func (o Options) withDefaults() Options {
	if o.MaxDepth <= 0 {
		o.MaxDepth = 3
	}
	if o.MaxCalls <= 0 {
		o.MaxCalls = 20
	}
	if o.TimeoutMs <= 0 {
		o.TimeoutMs = 120000
	}
	return o
}

// runtime is the shared state threaded through every invocation in one call
// tree, reused by nested invokeAgent calls so cycle/depth/call limits are
// enforced against the whole tree, not just the immediate caller.
type runtime struct {
	mu        sync.Mutex
	registry  *Registry
	dataDir   string
	storyID   string
	rootRunID string
	trace     []TraceEntry
	stack     []string // agent names currently on the call stack, for cycle detection
	callCount int
	options   Options
}

// InvocationContext is what a running agent sees: ambient call-scoped data
// plus a nested invokeAgent bound to the same runtime.
type InvocationContext struct {
	DataDir     string
	StoryID     string
	RunID       string
	ParentRunID string
	RootRunID   string
	Depth       int

	rt *runtime
}

// InvokeAgent invokes a nested agent from within a running agent, reusing
// this call tree's runtime so cycle/depth/call-count limits apply across the
// whole tree.
func (ic *InvocationContext) InvokeAgent(ctx context.Context, agentName string, input json.RawMessage) (*Result, error) {
	return ic.rt.invoke(ctx, agentName, input, ic.RunID, ic.Depth)
}

// Result is what a successful top-level or nested invocation returns.
type Result struct {
	RunID  string
	Output json.RawMessage
	Trace  []TraceEntry
}

// InvokeError wraps a failed top-level invocation together with the trace
// recorded up to the point of failure (including the failing entry itself,
// e.g. the cycle/depth/timeout rejection), so a caller can still export it
// via GET /stories/{sid}/agent-traces/{runId} instead of losing it the
// moment the call errors. RunID is the root run id assigned to this call
// tree; it is empty only when the failure happened before any run started
// (e.g. an unknown top-level agent name), in which case Trace is also empty.
type InvokeError struct {
	Err   error
	Trace []TraceEntry
	RunID string
}

func (e *InvokeError) Error() string { return e.Err.Error() }
func (e *InvokeError) Unwrap() error { return e.Err }

// InvokeAgent creates a fresh call tree and invokes agentName at its root,
// matching §4.F's invokeAgent({dataDir, storyId, agentName, input, options}).
func InvokeAgent(ctx context.Context, reg *Registry, dataDir, storyID, agentName string, input json.RawMessage, opts Options) (*Result, error) {
	rt := &runtime{registry: reg, dataDir: dataDir, storyID: storyID, options: opts.withDefaults()}
	res, err := rt.invoke(ctx, agentName, input, "", 0)
	trace := rt.snapshotTrace()
	if err != nil {
		return nil, &InvokeError{Err: err, Trace: trace, RunID: rt.rootRunID}
	}
	res.Trace = trace
	return res, nil
}

func (rt *runtime) snapshotTrace() []TraceEntry {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]TraceEntry, len(rt.trace))
	copy(out, rt.trace)
	return out
}

// invoke performs one call within rt's tree: limit enforcement, input
// validation, timeout racing, output validation, and trace recording — the
// seven steps of §4.F, minus the dataDir/storyId/caller plumbing which the
// caller's InvocationContext already carries.
func (rt *runtime) invoke(ctx context.Context, agentName string, input json.RawMessage, parentRunID string, depth int) (*Result, error) {
	def, ok := rt.registry.get(agentName)
	if !ok {
		return nil, apierrors.New(apierrors.KindNotFound, fmt.Sprintf("unknown agent %q", agentName))
	}

	rt.mu.Lock()
	if rt.rootRunID == "" {
		rt.rootRunID = uuid.NewString()
	}
	rootRunID := rt.rootRunID
	if rt.callCount >= rt.options.MaxCalls {
		rt.mu.Unlock()
		return nil, apierrors.New(apierrors.KindAgentCallLimit, fmt.Sprintf("call limit %d exceeded", rt.options.MaxCalls))
	}
	if depth > rt.options.MaxDepth {
		rt.mu.Unlock()
		return nil, apierrors.New(apierrors.KindAgentDepthExceeded, fmt.Sprintf("depth %d exceeds max %d", depth, rt.options.MaxDepth))
	}
	for _, name := range rt.stack {
		if name == agentName {
			rt.mu.Unlock()
			now := time.Now()
			rt.recordTrace(agentName, uuid.NewString(), parentRunID, rootRunID, now, now, apierrors.KindAgentCycle)
			return nil, apierrors.New(apierrors.KindAgentCycle, fmt.Sprintf("agent %q already on call stack", agentName))
		}
	}
	if len(rt.stack) > 0 {
		parentDef, ok := rt.registry.get(rt.stack[len(rt.stack)-1])
		if ok && parentDef.AllowedCalls != nil && !contains(parentDef.AllowedCalls, agentName) {
			rt.mu.Unlock()
			return nil, apierrors.New(apierrors.KindValidation, fmt.Sprintf("agent %q is not in caller's allowedCalls", agentName))
		}
	}
	rt.callCount++
	rt.stack = append(rt.stack, agentName)
	rt.mu.Unlock()

	runID := uuid.NewString()
	startedAt := time.Now()

	defer func() {
		rt.mu.Lock()
		rt.stack = rt.stack[:len(rt.stack)-1]
		rt.mu.Unlock()
	}()

	if def.InputSchema != nil {
		if err := validateAgainst(def.InputSchema, input); err != nil {
			rt.recordTrace(agentName, runID, parentRunID, rootRunID, startedAt, time.Now(), apierrors.KindValidation)
			return nil, apierrors.Wrap(apierrors.KindValidation, err)
		}
	}

	ic := &InvocationContext{
		DataDir: rt.dataDir, StoryID: rt.storyID,
		RunID: runID, ParentRunID: parentRunID, RootRunID: rootRunID, Depth: depth + 1,
		rt: rt,
	}

	output, runErr := rt.raceTimeout(ctx, def, ic, input)
	finishedAt := time.Now()

	if runErr != nil {
		kind := apierrors.KindOf(runErr)
		if kind == "" {
			kind = apierrors.KindInternal
		}
		rt.recordTrace(agentName, runID, parentRunID, rootRunID, startedAt, finishedAt, kind)
		return nil, runErr
	}

	if def.OutputSchema != nil {
		if err := validateAgainst(def.OutputSchema, output); err != nil {
			rt.recordTrace(agentName, runID, parentRunID, rootRunID, startedAt, finishedAt, apierrors.KindValidation)
			return nil, apierrors.Wrap(apierrors.KindValidation, err)
		}
	}

	rt.recordSuccess(agentName, runID, parentRunID, rootRunID, startedAt, finishedAt)
	return &Result{RunID: runID, Output: output}, nil
}

func (rt *runtime) raceTimeout(ctx context.Context, def AgentDefinition, ic *InvocationContext, input json.RawMessage) (json.RawMessage, error) {
	timeout := time.Duration(rt.options.TimeoutMs) * time.Millisecond
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: apierrors.New(apierrors.KindInternal, fmt.Sprintf("agent %q panicked: %v", def.Name, r))}
			}
		}()
		out, err := def.Run(runCtx, ic, input)
		done <- outcome{output: out, err: err}
	}()

	select {
	case o := <-done:
		return o.output, o.err
	case <-runCtx.Done():
		return nil, apierrors.New(apierrors.KindAgentTimeout, fmt.Sprintf("agent %q exceeded %dms", def.Name, rt.options.TimeoutMs))
	}
}

func (rt *runtime) recordSuccess(agentName, runID, parentRunID, rootRunID string, startedAt, finishedAt time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.trace = append(rt.trace, TraceEntry{
		RunID: runID, ParentRunID: parentRunID, RootRunID: rootRunID, AgentName: agentName,
		StartedAt: startedAt, FinishedAt: finishedAt, DurationMs: finishedAt.Sub(startedAt).Milliseconds(),
		Status: "success",
	})
}

func (rt *runtime) recordTrace(agentName, runID, parentRunID, rootRunID string, startedAt, finishedAt time.Time, kind apierrors.Kind) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.trace = append(rt.trace, TraceEntry{
		RunID: runID, ParentRunID: parentRunID, RootRunID: rootRunID, AgentName: agentName,
		StartedAt: startedAt, FinishedAt: finishedAt, DurationMs: finishedAt.Sub(startedAt).Milliseconds(),
		Status: "error", Error: string(kind),
	})
}

func validateAgainst(schema *jsonschema.Schema, data json.RawMessage) error {
	var v any
	if len(data) == 0 {
		v = map[string]any{}
	} else if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return schema.Validate(v)
}

// CompileSchema compiles a raw JSON Schema document for use as an
// AgentDefinition's InputSchema/OutputSchema.
func CompileSchema(name, schemaJSON string) (*jsonschema.Schema, error) {
	return jsonschema.CompileString(name, schemaJSON)
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
