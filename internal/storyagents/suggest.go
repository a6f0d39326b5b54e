package storyagents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/storyforge/internal/agent"
	"github.com/haasonsaas/storyforge/internal/agentruntime"
)

const suggestDirectionsInputSchema = `{
  "type": "object",
  "required": ["count"],
  "properties": {
    "count": {"type": "integer", "minimum": 1},
    "summary": {"type": "string"},
    "story": {"type": "object"}
  }
}`

const suggestDirectionsSystemPrompt = `You are a collaborative-fiction writing partner. Given a story's ` +
	`current summary, propose narrative directions the author could take next. Respond with only a JSON ` +
	`object {"suggestions": [{"pacing": "...", "title": "...", "description": "...", "instruction": "..."}]} ` +
	`containing exactly the requested number of suggestions. "pacing" is one of "slow-burn", "escalating", ` +
	`or "twist". "instruction" is a one-sentence directive suitable for feeding straight into a prose ` +
	`generator.`

// AgentName is the registered name the suggest-directions HTTP handler
// invokes.
const AgentName = "suggestDirections"

type suggestDirectionsInput struct {
	Count   int             `json:"count"`
	Summary string          `json:"summary"`
	Story   json.RawMessage `json:"story"`
}

// NewSuggestDirections builds the suggestDirections agent definition: a
// single-shot completion that proposes narrative directions for the
// author to choose between.
func NewSuggestDirections(provider agent.LLMProvider, modelID string) agentruntime.AgentDefinition {
	schema, err := agentruntime.CompileSchema("suggestDirections-input", suggestDirectionsInputSchema)
	if err != nil {
		panic(fmt.Sprintf("storyagents: invalid suggestDirections schema: %v", err))
	}

	return agentruntime.AgentDefinition{
		Name:        AgentName,
		InputSchema: schema,
		Run: func(ctx context.Context, ic *agentruntime.InvocationContext, input json.RawMessage) (json.RawMessage, error) {
			var in suggestDirectionsInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, fmt.Errorf("decode suggestDirections input: %w", err)
			}

			prompt := fmt.Sprintf("Story summary:\n%s\n\nPropose exactly %d directions.", in.Summary, in.Count)
			text, err := collectText(ctx, provider, &agent.CompletionRequest{
				Model:     modelID,
				System:    suggestDirectionsSystemPrompt,
				Messages:  []agent.CompletionMessage{{Role: "user", Content: prompt}},
				MaxTokens: 1536,
			})
			if err != nil {
				return nil, err
			}

			obj, err := extractJSONObject(text)
			if err != nil {
				return nil, err
			}
			return []byte(obj), nil
		},
	}
}
