// Package pipeline implements the generation pipeline (component H): it
// assembles context, resolves instructions, runs the writer agent's
// tool-calling loop against an LLM provider, streams NDJSON to the caller,
// and persists the result.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/storyforge/internal/agent"
	"github.com/haasonsaas/storyforge/internal/apierrors"
	"github.com/haasonsaas/storyforge/internal/blocks"
	"github.com/haasonsaas/storyforge/internal/contextbuilder"
	"github.com/haasonsaas/storyforge/internal/eventstream"
	"github.com/haasonsaas/storyforge/internal/fragments"
	"github.com/haasonsaas/storyforge/internal/fragmenttools"
	"github.com/haasonsaas/storyforge/internal/instructions"
	"github.com/haasonsaas/storyforge/internal/observability"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Mode selects how the generated text is applied to the story.
type Mode string

const (
	ModeGenerate   Mode = "generate"   // append new prose
	ModeRegenerate Mode = "regenerate" // replace a target fragment's content
	ModeRefine     Mode = "refine"     // rewrite a target fragment under instructions
)

// Librarian is the subset of the librarian scheduler (component I) the
// pipeline depends on, kept as a narrow interface so this package does not
// import the scheduler package directly.
type Librarian interface {
	Trigger(storyID string, fragment *fragments.Fragment)
}

// DefaultMaxSteps is the story-settings default for stopWhen = stepCountIs(maxSteps).
const DefaultMaxSteps = 10

// Request describes one generate/regenerate/refine invocation.
type Request struct {
	Mode                Mode
	Story               *contextbuilder.Story
	AuthorInput         string
	TargetFragmentID    string // required for regenerate/refine
	RefineInstructions  string // used for refine
	Limit               contextbuilder.Limit
	BlockConfig         blocks.Config
	ScriptContextExtras blocks.ScriptContext
	ModelID             string
	MaxSteps            int
	SaveResult          bool
}

// Result is the pipeline's final, non-streamed outcome: what the NDJSON
// stream resolved to, plus what was persisted.
type Result struct {
	Outcome    eventstream.Outcome
	FragmentID string
	Log        *fragments.GenerationLog
}

// Pipeline wires together the context builder, block engine, instruction
// registry, tool registry, LLM provider, and persistence layers.
type Pipeline struct {
	Store        *fragments.Store
	Logs         *fragments.LogStore
	Builder      *contextbuilder.Builder
	BlockEngine  *blocks.Engine
	Instructions *instructions.Registry
	Provider     agent.LLMProvider
	Librarian    Librarian

	// Tracer and Metrics are optional; both are safely nil-checked so the
	// pipeline works without an observability stack wired up (tests, local
	// dev), but a configured caller gets a span per generation and
	// provider-call counters/durations for free.
	Tracer  *observability.Tracer
	Metrics *observability.Metrics
}

// Run executes steps 1-9 of §4.H. It returns immediately with the NDJSON
// line channel; the final Result (including persistence) arrives on the
// returned result channel once the model finishes and post-processing
// completes.
func (p *Pipeline) Run(ctx context.Context, req Request) (<-chan []byte, <-chan Result, error) {
	if p.Tracer != nil {
		var span trace.Span
		ctx, span = p.Tracer.Start(ctx, "pipeline.Run")
		span.SetAttributes(attribute.String("mode", string(req.Mode)), attribute.String("model", req.ModelID))
		defer span.End()
	}

	if req.Mode != ModeGenerate && req.TargetFragmentID == "" {
		return nil, nil, apierrors.New(apierrors.KindValidation, "regenerate/refine require a targetFragmentId")
	}
	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	opts := contextbuilder.Options{}
	if req.Mode != ModeGenerate {
		opts.ProseBeforeFragmentID = req.TargetFragmentID
		opts.SummaryBeforeFragmentID = req.TargetFragmentID
	}
	state, err := p.Builder.Build(req.Story, req.AuthorInput, req.Limit, opts)
	if err != nil {
		return nil, nil, apierrors.Wrap(apierrors.KindStorage, err)
	}

	defaults := defaultBlocks(state, req)
	scriptCtx := buildScriptContext(state, req)
	resolved := p.BlockEngine.Apply(ctx, defaults, req.BlockConfig, scriptCtx)
	systemMsg, userMsg := concatenateByRole(resolved)

	system, err := p.Instructions.Resolve(string(req.Mode), req.ModelID)
	if err != nil {
		return nil, nil, err
	}
	if systemMsg != "" {
		system = system + "\n\n" + systemMsg
	}

	toolReg := agent.NewToolRegistry()
	fragmenttools.Register(toolReg, p.Store, true)

	lines, outcomeCh := p.runWriterLoop(ctx, req, system, userMsg, toolReg, maxSteps)

	resultCh := make(chan Result, 1)
	go func() {
		outcome := <-outcomeCh
		resultCh <- p.finalize(ctx, req, outcome)
	}()

	return lines, resultCh, nil
}

func (p *Pipeline) finalize(ctx context.Context, req Request, outcome eventstream.Outcome) Result {
	result := Result{Outcome: outcome}
	if outcome.Err != nil {
		p.saveLog(req, outcome, "")
		return result
	}

	var fragmentID string
	var frag *fragments.Fragment
	if req.SaveResult {
		var err error
		switch req.Mode {
		case ModeGenerate:
			frag, err = p.Store.Create(fragments.Fragment{Type: "prose", Name: "prose", Content: outcome.Completion.Text})
		case ModeRegenerate, ModeRefine:
			content := outcome.Completion.Text
			frag, err = p.Store.Update(req.TargetFragmentID, fragments.Patch{Content: &content})
		}
		if err != nil {
			result.Outcome.Err = apierrors.Wrap(apierrors.KindStorage, err)
			p.saveLog(req, outcome, "")
			return result
		}
		if frag != nil {
			fragmentID = frag.ID
		}
	}
	result.FragmentID = fragmentID
	result.Log = p.saveLog(req, outcome, fragmentID)

	if frag != nil && p.Librarian != nil {
		p.Librarian.Trigger(req.Story.ID, frag)
	}
	return result
}

func (p *Pipeline) saveLog(req Request, outcome eventstream.Outcome, fragmentID string) *fragments.GenerationLog {
	if p.Logs == nil {
		return nil
	}
	log := fragments.GenerationLog{
		Model:         req.ModelID,
		GeneratedText: outcome.Completion.Text,
		Reasoning:     outcome.Completion.Reasoning,
		FragmentID:    fragmentID,
		StepCount:     outcome.Completion.StepCount,
		FinishReason:  outcome.Completion.FinishReason,
		StepsExceeded: outcome.Completion.FinishReason == "max_steps",
	}
	for _, tc := range outcome.Completion.ToolCalls {
		log.ToolCalls = append(log.ToolCalls, fragments.ToolCallRecord{
			ToolName: tc.ToolName, Args: tc.Args, Result: tc.Result,
		})
	}
	saved, err := p.Logs.Save(log)
	if err != nil {
		return nil
	}
	return saved
}

// defaultBlocks builds the six builtin block producers named in §4.H step 2:
// story header, summary, sticky, shortlists, prose, author input.
func defaultBlocks(state *contextbuilder.State, req Request) []blocks.Block {
	var b []blocks.Block
	order := 0
	next := func() int { o := order; order++; return o }

	header := fmt.Sprintf("Story: %s", state.Story.Name)
	if state.Story.Description != "" {
		header += "\n" + state.Story.Description
	}
	b = append(b, blocks.Block{ID: "story-header", Role: blocks.RoleSystem, Content: header, Order: next(), Source: blocks.SourceBuiltin})

	if state.Story.Summary != "" {
		b = append(b, blocks.Block{ID: "summary", Role: blocks.RoleSystem, Content: state.Story.Summary, Order: next(), Source: blocks.SourceBuiltin})
	}

	if sticky := stickyBlockContent(state); sticky != "" {
		b = append(b, blocks.Block{ID: "sticky", Role: blocks.RoleSystem, Content: sticky, Order: next(), Source: blocks.SourceBuiltin})
	}

	if shortlist := shortlistBlockContent(state); shortlist != "" {
		b = append(b, blocks.Block{ID: "shortlists", Role: blocks.RoleSystem, Content: shortlist, Order: next(), Source: blocks.SourceBuiltin})
	}

	if len(state.ProseFragments) > 0 {
		var prose strings.Builder
		for i, f := range state.ProseFragments {
			if i > 0 {
				prose.WriteString("\n\n")
			}
			prose.WriteString(f.Content)
		}
		b = append(b, blocks.Block{ID: "prose", Role: blocks.RoleUser, Content: prose.String(), Order: next(), Source: blocks.SourceBuiltin})
	}

	authorInput := state.AuthorInput
	if req.Mode == ModeRefine && req.RefineInstructions != "" {
		authorInput = req.RefineInstructions
	}
	if authorInput != "" {
		b = append(b, blocks.Block{ID: "author-input", Role: blocks.RoleUser, Content: authorInput, Order: next(), Source: blocks.SourceBuiltin})
	}

	return b
}

func stickyBlockContent(state *contextbuilder.State) string {
	var parts []string
	for _, f := range state.StickyCharacters {
		parts = append(parts, f.Content)
	}
	for _, f := range state.StickyGuidelines {
		parts = append(parts, f.Content)
	}
	for _, f := range state.StickyKnowledge {
		parts = append(parts, f.Content)
	}
	return strings.Join(parts, "\n\n")
}

func shortlistBlockContent(state *contextbuilder.State) string {
	var lines []string
	for _, e := range state.CharacterShortlist {
		lines = append(lines, e.String())
	}
	for _, e := range state.GuidelineShortlist {
		lines = append(lines, e.String())
	}
	for _, e := range state.KnowledgeShortlist {
		lines = append(lines, e.String())
	}
	return strings.Join(lines, "\n")
}

func buildScriptContext(state *contextbuilder.State, req Request) blocks.ScriptContext {
	sc := req.ScriptContextExtras
	sc.Story = state.Story
	sc.ProseFragments = state.ProseFragments
	sc.StickyCharacters = state.StickyCharacters
	sc.StickyGuidelines = state.StickyGuidelines
	sc.StickyKnowledge = state.StickyKnowledge
	sc.CharacterShortlist = state.CharacterShortlist
	sc.GuidelineShortlist = state.GuidelineShortlist
	sc.KnowledgeShortlist = state.KnowledgeShortlist
	sc.NewProse = state.AuthorInput
	return sc
}

// concatenateByRole implements §4.H step 3: resolved blocks are already
// role/order sorted by the Block Engine; concatenate into the two messages
// sent to the model.
func concatenateByRole(resolved []blocks.Block) (system, user string) {
	var sys, usr strings.Builder
	for _, b := range resolved {
		target := &usr
		if b.Role == blocks.RoleSystem {
			target = &sys
		}
		if target.Len() > 0 {
			target.WriteString("\n\n")
		}
		target.WriteString(b.Content)
	}
	return sys.String(), usr.String()
}
