// Package eventstream implements the event-stream adapter (component G):
// it turns an asynchronous sequence of model "parts" into the NDJSON line
// grammar served over HTTP, plus a single resolved outcome once the model
// finishes (or the stream aborts).
package eventstream

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/haasonsaas/storyforge/internal/apierrors"
)

// PartType distinguishes the kinds of part a model stream may emit.
type PartType string

const (
	PartText       PartType = "text-delta"
	PartReasoning  PartType = "reasoning-delta"
	PartToolCall   PartType = "tool-call"
	PartToolResult PartType = "tool-result"
	PartFinish     PartType = "finish"
	// partError is not part of the wire grammar; it's how an upstream
	// provider signals failure through the same channel, mirroring
	// agent.CompletionChunk's Error field.
	partError PartType = "error"
)

// Part is one item from the model's asynchronous part stream.
type Part struct {
	Type         PartType
	Text         string          // text-delta, reasoning-delta
	ID           string          // tool-call, tool-result
	ToolName     string          // tool-call, tool-result
	Args         json.RawMessage // tool-call
	Result       string          // tool-result
	FinishReason string          // finish
	Err          error           // upstream failure
}

// ErrPart builds a Part that reports an upstream failure.
func ErrPart(err error) Part { return Part{Type: partError, Err: err} }

// ToolCallRecord is one entry of the completion's toolCalls list. Args is
// carried on the tool-call event, not the tool-result; it is stored empty
// here by design (§4.G) and must be merged by id downstream via
// MergeToolCalls.
type ToolCallRecord struct {
	ID       string          `json:"id"`
	ToolName string          `json:"toolName"`
	Args     json.RawMessage `json:"args"`
	Result   string          `json:"result"`
}

// Completion is the resolved value of the adapter's completionFuture.
type Completion struct {
	Text         string
	Reasoning    string
	ToolCalls    []ToolCallRecord
	StepCount    int
	FinishReason string
}

// Outcome is sent exactly once on the done channel returned by Adapt: either
// a resolved Completion, or the error that aborted the stream.
type Outcome struct {
	Completion Completion
	Err        error
}

// DefaultChannelCapacity is the NDJSON line channel's high-water mark.
const DefaultChannelCapacity = 64

type line struct {
	Type         string          `json:"type"`
	Text         string          `json:"text,omitempty"`
	ID           string          `json:"id,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	Result       string          `json:"result,omitempty"`
	FinishReason string          `json:"finishReason,omitempty"`
	StepCount    int             `json:"stepCount,omitempty"`
}

// Adapt consumes parts and returns the NDJSON line channel (each line
// already newline-terminated, ready to write verbatim to an HTTP response)
// and a channel that receives exactly one Outcome once parts closes, the
// model reports an upstream error, or the stream aborts under backpressure.
//
// Backpressure: lines is bounded to DefaultChannelCapacity. When a send
// would block, a reasoning-delta line is silently dropped (reasoning is
// best-effort context, never required for correctness); any other part
// type aborts the stream with apierrors.KindStreamAborted.
func Adapt(ctx context.Context, parts <-chan Part) (<-chan []byte, <-chan Outcome) {
	lines := make(chan []byte, DefaultChannelCapacity)
	done := make(chan Outcome, 1)

	go func() {
		defer close(lines)

		var fullText, fullReasoning strings.Builder
		var toolCalls []ToolCallRecord
		stepCount := 0
		finishReason := ""

		abort := func(err error) {
			done <- Outcome{Err: err}
		}

		emit := func(v line) bool {
			payload, err := json.Marshal(v)
			if err != nil {
				return false
			}
			payload = append(payload, '\n')
			select {
			case lines <- payload:
				return true
			default:
				return false
			}
		}

		for {
			select {
			case <-ctx.Done():
				abort(apierrors.New(apierrors.KindStreamAborted, "context cancelled"))
				return
			case part, ok := <-parts:
				if !ok {
					emit(line{Type: "finish", FinishReason: finishReason, StepCount: stepCount})
					done <- Outcome{Completion: Completion{
						Text: fullText.String(), Reasoning: fullReasoning.String(),
						ToolCalls: toolCalls, StepCount: stepCount, FinishReason: finishReason,
					}}
					return
				}

				switch part.Type {
				case partError:
					abort(part.Err)
					return
				case PartText:
					fullText.WriteString(part.Text)
					if !emit(line{Type: "text", Text: part.Text}) {
						abort(apierrors.New(apierrors.KindStreamAborted, "client too slow"))
						return
					}
				case PartReasoning:
					fullReasoning.WriteString(part.Text)
					emit(line{Type: "reasoning", Text: part.Text}) // dropped silently if full
				case PartToolCall:
					if !emit(line{Type: "tool-call", ID: part.ID, ToolName: part.ToolName, Args: part.Args}) {
						abort(apierrors.New(apierrors.KindStreamAborted, "client too slow"))
						return
					}
				case PartToolResult:
					toolCalls = append(toolCalls, ToolCallRecord{
						ID: part.ID, ToolName: part.ToolName, Args: json.RawMessage(`{}`), Result: part.Result,
					})
					if !emit(line{Type: "tool-result", ID: part.ID, ToolName: part.ToolName, Result: part.Result}) {
						abort(apierrors.New(apierrors.KindStreamAborted, "client too slow"))
						return
					}
				case PartFinish:
					stepCount++
					finishReason = part.FinishReason
				}
			}
		}
	}()

	return lines, done
}

// MergeToolCalls pairs each ToolCallRecord's empty Args with the args
// carried on its originating tool-call line, keyed by id. Downstream
// consumers (the generation pipeline persisting a GenerationLog) call this
// once the completion is resolved; argsByID is built by the HTTP layer or
// test harness from the tool-call lines it observed.
func MergeToolCalls(calls []ToolCallRecord, argsByID map[string]json.RawMessage) []ToolCallRecord {
	merged := make([]ToolCallRecord, len(calls))
	for i, c := range calls {
		if args, ok := argsByID[c.ID]; ok {
			c.Args = args
		}
		merged[i] = c
	}
	return merged
}
