package storyagents

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/storyforge/internal/agent"
	"github.com/haasonsaas/storyforge/internal/librarian"
)

// fakeProvider returns one canned, tool-free completion and then stops.
type fakeProvider struct {
	text string
}

func (p *fakeProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, 2)
	ch <- &agent.CompletionChunk{Text: p.text}
	ch <- &agent.CompletionChunk{Done: true}
	close(ch)
	return ch, nil
}
func (p *fakeProvider) Name() string          { return "fake" }
func (p *fakeProvider) Models() []agent.Model { return []agent.Model{{ID: "fake-1", Name: "Fake"}} }
func (p *fakeProvider) SupportsTools() bool   { return true }

func TestExtractJSONObjectStripsSurroundingProse(t *testing.T) {
	text := "Sure, here is the analysis:\n```json\n{\"summaryUpdate\": \"ok\"}\n```\nLet me know if you need more."
	obj, err := extractJSONObject(text)
	if err != nil {
		t.Fatalf("extractJSONObject: %v", err)
	}
	if obj != `{"summaryUpdate": "ok"}` {
		t.Fatalf("obj = %q", obj)
	}
}

func TestExtractJSONObjectErrorsWithoutBraces(t *testing.T) {
	if _, err := extractJSONObject("no json here"); err == nil {
		t.Fatal("expected error for text with no JSON object")
	}
}

func TestNewAnalyzeProseReturnsAnalysisResult(t *testing.T) {
	provider := &fakeProvider{text: `{"summaryUpdate": "A storm arrives.", "mentions": ["Captain Reyes"], ` +
		`"contradictions": [], "knowledgeSuggestions": [], "timelineEvents": ["storm makes landfall"]}`}
	def := NewAnalyzeProse(provider, "fake-1")
	if def.Name != librarian.DefaultAgentName {
		t.Fatalf("agent name = %q, want %q", def.Name, librarian.DefaultAgentName)
	}

	input, err := json.Marshal(analyzeInput{FragmentID: "pr-1", Content: "The storm made landfall near dawn."})
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}

	out, err := def.Run(context.Background(), nil, input)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var result librarian.AnalysisResult
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if result.SummaryUpdate != "A storm arrives." {
		t.Fatalf("summaryUpdate = %q", result.SummaryUpdate)
	}
	if len(result.Mentions) != 1 || result.Mentions[0] != "Captain Reyes" {
		t.Fatalf("mentions = %v", result.Mentions)
	}
}

func TestNewAnalyzeProseErrorsOnMalformedOutput(t *testing.T) {
	provider := &fakeProvider{text: "I cannot comply with that request."}
	def := NewAnalyzeProse(provider, "fake-1")

	input, _ := json.Marshal(analyzeInput{Content: "text"})
	if _, err := def.Run(context.Background(), nil, input); err == nil {
		t.Fatal("expected error when model output has no JSON object")
	}
}

func TestNewSuggestDirectionsReturnsSuggestions(t *testing.T) {
	provider := &fakeProvider{text: `{"suggestions": [{"pacing": "escalating", "title": "The Siege", ` +
		`"description": "Raise the stakes.", "instruction": "Write the siege beginning."}]}`}
	def := NewSuggestDirections(provider, "fake-1")
	if def.Name != AgentName {
		t.Fatalf("agent name = %q, want %q", def.Name, AgentName)
	}

	input, err := json.Marshal(suggestDirectionsInput{Count: 1, Summary: "A war is brewing."})
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}

	out, err := def.Run(context.Background(), nil, input)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var decoded struct {
		Suggestions []struct {
			Pacing string `json:"pacing"`
			Title  string `json:"title"`
		} `json:"suggestions"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if len(decoded.Suggestions) != 1 || decoded.Suggestions[0].Title != "The Siege" {
		t.Fatalf("suggestions = %+v", decoded.Suggestions)
	}
}
