// Package librarian implements the librarian scheduler (component I): a
// per-story debounced trigger that runs an analyzer agent over freshly
// written prose and folds its findings back into the story's rolling
// summary and knowledge base.
package librarian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/storyforge/internal/agentruntime"
	"github.com/haasonsaas/storyforge/internal/fragments"
)

// RunStatus is a story's current librarian state.
type RunStatus string

const (
	StatusIdle      RunStatus = "idle"
	StatusScheduled RunStatus = "scheduled"
	StatusRunning   RunStatus = "running"
	StatusError     RunStatus = "error"
)

// DefaultDebounce is §4.I's DEBOUNCE_MS.
const DefaultDebounce = 2 * time.Second

// DefaultAgentName is the registered agentruntime.AgentDefinition invoked on
// every debounced trigger.
const DefaultAgentName = "analyzeProse"

// KnowledgeSuggestion is one candidate knowledge-fragment the analyzer
// proposes.
type KnowledgeSuggestion struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Content     string `json:"content"`
}

// AnalysisResult is the analyzer agent's structured output.
type AnalysisResult struct {
	SummaryUpdate        string                `json:"summaryUpdate"`
	Mentions             []string              `json:"mentions,omitempty"`
	Contradictions       []string              `json:"contradictions,omitempty"`
	KnowledgeSuggestions []KnowledgeSuggestion `json:"knowledgeSuggestions,omitempty"`
	TimelineEvents       []string              `json:"timelineEvents,omitempty"`
}

// StoryResources resolves the per-story persistence this scheduler needs,
// kept as a narrow interface so librarian does not own story lifecycle.
type StoryResources interface {
	FragmentStore(storyID string) (*fragments.Store, error)
	Meta(storyID string) (*fragments.MetaStore, error)
	ListStoryIDs() []string
}

// Config configures a Scheduler.
type Config struct {
	Resources    StoryResources
	Agents       *agentruntime.Registry
	AgentName    string // defaults to DefaultAgentName
	AgentOptions agentruntime.Options
	DebounceMs   int // defaults to DefaultDebounce

	// SweepSchedule, when non-empty, is a cron expression
	// (librarian.sweep_cron) that re-triggers analysis for stories whose
	// summary has gone stale, independent of prose-driven debounce
	// triggers. Disabled by default.
	SweepSchedule   string
	StalenessWindow time.Duration

	Logger *slog.Logger
}

// Scheduler implements §4.I: per-story debounce, AnalysisBuffer lifecycle,
// and result integration.
type Scheduler struct {
	mu              sync.Mutex
	resources       StoryResources
	agents          *agentruntime.Registry
	agentName       string
	agentOptions    agentruntime.Options
	debounce        time.Duration
	stalenessWindow time.Duration
	logger          *slog.Logger

	timers    map[string]*time.Timer
	pending   map[string]*fragments.Fragment
	status    map[string]RunStatus
	lastError map[string]string
	buffers   map[string]*AnalysisBuffer
	applied   map[string][]KnowledgeSuggestion

	cron *cron.Cron
}

// New builds a Scheduler from cfg.
func New(cfg Config) *Scheduler {
	debounce := DefaultDebounce
	if cfg.DebounceMs > 0 {
		debounce = time.Duration(cfg.DebounceMs) * time.Millisecond
	}
	agentName := cfg.AgentName
	if agentName == "" {
		agentName = DefaultAgentName
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		resources:       cfg.Resources,
		agents:          cfg.Agents,
		agentName:       agentName,
		agentOptions:    cfg.AgentOptions,
		debounce:        debounce,
		stalenessWindow: cfg.StalenessWindow,
		logger:          logger,
		timers:          make(map[string]*time.Timer),
		pending:         make(map[string]*fragments.Fragment),
		status:          make(map[string]RunStatus),
		lastError:       make(map[string]string),
		buffers:         make(map[string]*AnalysisBuffer),
		applied:         make(map[string][]KnowledgeSuggestion),
	}

	if cfg.SweepSchedule != "" {
		s.cron = cron.New()
		_, err := s.cron.AddFunc(cfg.SweepSchedule, s.sweep)
		if err != nil {
			logger.Warn("invalid librarian sweep schedule, sweep disabled", "schedule", cfg.SweepSchedule, "error", err)
			s.cron = nil
		} else {
			s.cron.Start()
		}
	}

	return s
}

// Stop cancels all pending timers and the sweep cron, if running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[string]*time.Timer)
	s.mu.Unlock()

	if s.cron != nil {
		s.cron.Stop()
	}
}

// Trigger implements pipeline.Librarian: cancel any pending timer for the
// story, remember the pending fragment, and (re)start the debounce timer.
func (s *Scheduler) Trigger(storyID string, fragment *fragments.Fragment) {
	s.mu.Lock()
	if t, ok := s.timers[storyID]; ok {
		t.Stop()
	}
	s.pending[storyID] = fragment
	s.status[storyID] = StatusScheduled
	s.timers[storyID] = time.AfterFunc(s.debounce, func() { s.fire(storyID) })
	s.mu.Unlock()
}

// Status returns a story's current librarian run status and, if the last
// run failed, its error message.
func (s *Scheduler) Status(storyID string) (RunStatus, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.status[storyID]
	if !ok {
		status = StatusIdle
	}
	return status, s.lastError[storyID]
}

// Buffer returns the live AnalysisBuffer for storyID, if any librarian run
// has started for it.
func (s *Scheduler) Buffer(storyID string) (*AnalysisBuffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.buffers[storyID]
	return buf, ok
}

// PendingSuggestions returns the unapplied knowledge suggestions from the
// most recent analysis, for a UI to review when autoApplyLibrarian is off.
func (s *Scheduler) PendingSuggestions(storyID string) []KnowledgeSuggestion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]KnowledgeSuggestion(nil), s.applied[storyID]...)
}

func (s *Scheduler) fire(storyID string) {
	s.mu.Lock()
	frag := s.pending[storyID]
	delete(s.pending, storyID)
	delete(s.timers, storyID)
	s.status[storyID] = StatusRunning
	prior := s.buffers[storyID]
	buf := newAnalysisBuffer()
	s.buffers[storyID] = buf
	s.mu.Unlock()

	if prior != nil {
		prior.Finish(errors.New("superseded by new analysis"))
	}

	err := s.runAnalysis(storyID, frag, buf)

	s.mu.Lock()
	if err != nil {
		s.status[storyID] = StatusError
		s.lastError[storyID] = err.Error()
	} else {
		s.status[storyID] = StatusIdle
		delete(s.lastError, storyID)
	}
	s.mu.Unlock()

	buf.Finish(err)
}

func (s *Scheduler) runAnalysis(storyID string, frag *fragments.Fragment, buf *AnalysisBuffer) error {
	if s.agents == nil {
		return fmt.Errorf("librarian: no agent registry configured")
	}

	input := struct {
		FragmentID string `json:"fragmentId,omitempty"`
		Content    string `json:"content,omitempty"`
	}{}
	if frag != nil {
		input.FragmentID = frag.ID
		input.Content = frag.Content
	}
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("librarian: encode analyzer input: %w", err)
	}

	ctx := contextWithBuffer(context.Background(), buf)
	res, err := agentruntime.InvokeAgent(ctx, s.agents, "", storyID, s.agentName, inputJSON, s.agentOptions)
	if err != nil {
		return err
	}

	var analysis AnalysisResult
	if err := json.Unmarshal(res.Output, &analysis); err != nil {
		return fmt.Errorf("librarian: decode analyzer output: %w", err)
	}

	return s.integrate(storyID, analysis)
}

// integrate implements §4.I's result-integration step: fold summaryUpdate
// into the rolling summary, and either auto-apply knowledge suggestions or
// hold them for UI review.
func (s *Scheduler) integrate(storyID string, analysis AnalysisResult) error {
	if s.resources == nil {
		return fmt.Errorf("librarian: no story resources configured")
	}

	meta, err := s.resources.Meta(storyID)
	if err != nil {
		return fmt.Errorf("librarian: resolve story meta: %w", err)
	}
	if analysis.SummaryUpdate != "" {
		if _, err := meta.AppendSummary(analysis.SummaryUpdate); err != nil {
			return fmt.Errorf("librarian: append summary: %w", err)
		}
	}

	if len(analysis.KnowledgeSuggestions) == 0 {
		return nil
	}

	if !meta.Get().AutoApplyLibrarian {
		s.mu.Lock()
		s.applied[storyID] = analysis.KnowledgeSuggestions
		s.mu.Unlock()
		return nil
	}

	store, err := s.resources.FragmentStore(storyID)
	if err != nil {
		return fmt.Errorf("librarian: resolve fragment store: %w", err)
	}
	for _, sug := range analysis.KnowledgeSuggestions {
		if _, err := store.Create(fragments.Fragment{
			Type: "knowledge", Name: sug.Name, Description: sug.Description, Content: sug.Content,
		}); err != nil {
			s.logger.Warn("librarian: failed to apply knowledge suggestion", "story", storyID, "name", sug.Name, "error", err)
		}
	}
	s.mu.Lock()
	delete(s.applied, storyID)
	s.mu.Unlock()
	return nil
}

// sweep re-triggers analysis for every story whose summary has not been
// updated within the configured staleness window, a belt-and-suspenders
// pass independent of the debounced prose-driven path.
func (s *Scheduler) sweep() {
	if s.resources == nil || s.stalenessWindow <= 0 {
		return
	}
	for _, storyID := range s.resources.ListStoryIDs() {
		meta, err := s.resources.Meta(storyID)
		if err != nil {
			continue
		}
		if time.Since(meta.Get().UpdatedAt) >= s.stalenessWindow {
			s.Trigger(storyID, nil)
		}
	}
}
