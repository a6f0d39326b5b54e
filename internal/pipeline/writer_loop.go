package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/haasonsaas/storyforge/internal/agent"
	"github.com/haasonsaas/storyforge/internal/eventstream"
	"github.com/haasonsaas/storyforge/pkg/models"

	"go.opentelemetry.io/otel/trace"
)

// recordLLMCall reports one provider call's duration and outcome, when a
// Metrics collector is wired; it's a no-op otherwise (tests, local dev).
func (p *Pipeline) recordLLMCall(modelID string, d time.Duration, status string) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.LLMRequestDuration.WithLabelValues("storyforge", modelID).Observe(d.Seconds())
	p.Metrics.LLMRequestCounter.WithLabelValues("storyforge", modelID, status).Inc()
}

// runWriterLoop instantiates the writer agent (§4.H step 5): a tool-calling
// loop over Provider bounded by stopWhen = stepCountIs(maxSteps), with every
// model/tool event translated through the event-stream adapter (G).
func (p *Pipeline) runWriterLoop(ctx context.Context, req Request, system, userMsg string, toolReg *agent.ToolRegistry, maxSteps int) (<-chan []byte, <-chan eventstream.Outcome) {
	parts := make(chan eventstream.Part, eventstream.DefaultChannelCapacity)
	lines, outcomeCh := eventstream.Adapt(ctx, parts)

	go func() {
		defer close(parts)

		if p.Provider == nil {
			parts <- eventstream.ErrPart(agent.ErrNoProvider)
			return
		}

		messages := []agent.CompletionMessage{{Role: "user", Content: userMsg}}
		tools := toolReg.AsLLMTools()

		for step := 1; step <= maxSteps; step++ {
			stepCtx := ctx
			if p.Tracer != nil {
				var span trace.Span
				stepCtx, span = p.Tracer.TraceLLMRequest(ctx, "pipeline", req.ModelID)
				defer span.End()
			}

			callStart := time.Now()
			chunks, err := p.Provider.Complete(stepCtx, &agent.CompletionRequest{
				Model:     req.ModelID,
				System:    system,
				Messages:  messages,
				Tools:     tools,
				MaxTokens: 4096,
			})
			if err != nil {
				p.recordLLMCall(req.ModelID, time.Since(callStart), "error")
				parts <- eventstream.ErrPart(err)
				return
			}

			var assistantText strings.Builder
			var pendingCalls []models.ToolCall
			for chunk := range chunks {
				if chunk.Error != nil {
					p.recordLLMCall(req.ModelID, time.Since(callStart), "error")
					parts <- eventstream.ErrPart(chunk.Error)
					return
				}
				if chunk.Text != "" {
					assistantText.WriteString(chunk.Text)
					parts <- eventstream.Part{Type: eventstream.PartText, Text: chunk.Text}
				}
				if chunk.Thinking != "" {
					parts <- eventstream.Part{Type: eventstream.PartReasoning, Text: chunk.Thinking}
				}
				if chunk.ToolCall != nil {
					pendingCalls = append(pendingCalls, *chunk.ToolCall)
					parts <- eventstream.Part{Type: eventstream.PartToolCall, ID: chunk.ToolCall.ID, ToolName: chunk.ToolCall.Name, Args: chunk.ToolCall.Input}
				}
			}
			p.recordLLMCall(req.ModelID, time.Since(callStart), "success")

			if len(pendingCalls) == 0 {
				parts <- eventstream.Part{Type: eventstream.PartFinish, FinishReason: "stop"}
				return
			}

			messages = append(messages, agent.CompletionMessage{
				Role: "assistant", Content: assistantText.String(), ToolCalls: pendingCalls,
			})

			var toolResults []models.ToolResult
			for _, call := range pendingCalls {
				res, err := toolReg.Execute(ctx, call.Name, call.Input)
				if err != nil {
					res = &agent.ToolResult{Content: err.Error(), IsError: true}
				}
				parts <- eventstream.Part{Type: eventstream.PartToolResult, ID: call.ID, ToolName: call.Name, Result: res.Content}
				toolResults = append(toolResults, models.ToolResult{ToolCallID: call.ID, Content: res.Content, IsError: res.IsError})
			}
			messages = append(messages, agent.CompletionMessage{Role: "tool", ToolResults: toolResults})

			if step == maxSteps {
				parts <- eventstream.Part{Type: eventstream.PartFinish, FinishReason: "max_steps"}
				return
			}
			parts <- eventstream.Part{Type: eventstream.PartFinish, FinishReason: "tool_calls"}
		}
	}()

	return lines, outcomeCh
}
