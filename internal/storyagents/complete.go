// Package storyagents implements the two built-in agentruntime.AgentDefinitions
// this server registers at startup: analyzeProse (the librarian scheduler's
// analyzer) and suggestDirections (the suggest-directions endpoint). Both
// are single-shot, tool-free completions against the configured LLM
// provider, distinct from the generation pipeline's tool-calling writer
// loop.
package storyagents

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/storyforge/internal/agent"
)

// collectText drains a non-tool completion stream into its full text,
// mirroring the writer loop's chunk-accumulation idiom without the
// tool-call bookkeeping this package's agents don't need.
func collectText(ctx context.Context, provider agent.LLMProvider, req *agent.CompletionRequest) (string, error) {
	chunks, err := provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	var text strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
		}
	}
	return text.String(), nil
}

// extractJSONObject trims any leading/trailing prose a model wraps around a
// JSON object (code fences, "Here is the analysis:" preambles) by slicing
// from the first '{' to the matching last '}'.
func extractJSONObject(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return "", fmt.Errorf("storyagents: no JSON object found in model output")
	}
	return text[start : end+1], nil
}
