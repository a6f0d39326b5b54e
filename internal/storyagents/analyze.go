package storyagents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/storyforge/internal/agent"
	"github.com/haasonsaas/storyforge/internal/agentruntime"
	"github.com/haasonsaas/storyforge/internal/librarian"
)

const analyzeInputSchema = `{
  "type": "object",
  "properties": {
    "fragmentId": {"type": "string"},
    "content": {"type": "string"}
  }
}`

const analyzeSystemPrompt = `You are a continuity editor for a collaborative story. Given a newly ` +
	`written piece of prose, produce a JSON object with these fields:
  summaryUpdate: a short addition to the story's rolling summary (empty string if nothing new).
  mentions: character/place names newly mentioned (array of strings, may be empty).
  contradictions: continuity issues you notice versus established facts (array of strings, may be empty).
  knowledgeSuggestions: new facts worth remembering as knowledge fragments, each
    {"name": "...", "description": "...", "content": "..."} (array, may be empty).
  timelineEvents: notable plot events in this prose (array of strings, may be empty).
Respond with only the JSON object, no commentary.`

// analyzeInput mirrors the analyzeInputSchema shape.
type analyzeInput struct {
	FragmentID string `json:"fragmentId"`
	Content    string `json:"content"`
}

// NewAnalyzeProse builds the librarian.DefaultAgentName agent definition:
// a single-shot completion that reports StreamEvents via librarian.PushEvent
// as it works, and returns a librarian.AnalysisResult as its output.
func NewAnalyzeProse(provider agent.LLMProvider, modelID string) agentruntime.AgentDefinition {
	schema, err := agentruntime.CompileSchema("analyzeProse-input", analyzeInputSchema)
	if err != nil {
		panic(fmt.Sprintf("storyagents: invalid analyzeProse schema: %v", err))
	}

	return agentruntime.AgentDefinition{
		Name:        librarian.DefaultAgentName,
		InputSchema: schema,
		Run: func(ctx context.Context, ic *agentruntime.InvocationContext, input json.RawMessage) (json.RawMessage, error) {
			var in analyzeInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, fmt.Errorf("decode analyzeProse input: %w", err)
			}

			librarian.PushEvent(ctx, librarian.StreamEvent{Type: librarian.EventReasoning, Text: "reviewing new prose for continuity"})

			text, err := collectText(ctx, provider, &agent.CompletionRequest{
				Model:     modelID,
				System:    analyzeSystemPrompt,
				Messages:  []agent.CompletionMessage{{Role: "user", Content: in.Content}},
				MaxTokens: 2048,
			})
			if err != nil {
				librarian.PushEvent(ctx, librarian.StreamEvent{Type: librarian.EventError, Error: err.Error()})
				return nil, err
			}

			obj, err := extractJSONObject(text)
			if err != nil {
				librarian.PushEvent(ctx, librarian.StreamEvent{Type: librarian.EventError, Error: err.Error()})
				return nil, err
			}

			var result librarian.AnalysisResult
			if err := json.Unmarshal([]byte(obj), &result); err != nil {
				librarian.PushEvent(ctx, librarian.StreamEvent{Type: librarian.EventError, Error: err.Error()})
				return nil, fmt.Errorf("decode analyzer output: %w", err)
			}

			librarian.PushEvent(ctx, librarian.StreamEvent{Type: librarian.EventText, Text: result.SummaryUpdate})
			librarian.PushEvent(ctx, librarian.StreamEvent{Type: librarian.EventFinish})
			return []byte(obj), nil
		},
	}
}
