// Package fragmenttools implements the tool registry (component E): the set
// of agent.Tool implementations that let the generation pipeline and
// librarian agents read and, where permitted, mutate a story's fragment
// store.
package fragmenttools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/storyforge/internal/agent"
	"github.com/haasonsaas/storyforge/internal/fragments"
)

// MaxResultChars bounds the size of any single tool result handed back to
// the model, mirroring internal/agent/tool_result_guard.go's
// ToolResultGuard.Apply trailing-truncation-with-suffix behavior.
const MaxResultChars = 12000

const excerptRadius = 80

const truncateSuffix = "\n...[truncated]"

func guard(content string) string {
	if len(content) <= MaxResultChars {
		return content
	}
	return content[:MaxResultChars] + truncateSuffix
}

// fragmentTypes enumerates the built-in types that get get{Type}/list{Type}s
// aliases. Story owners may also create fragments of other types, which
// remain reachable only through the generic tools.
var fragmentTypes = []string{"prose", "character", "guideline", "knowledge"}

// Register adds every fragment tool to reg. Write tools (create/update/edit/
// delete) are omitted entirely when readOnly is true, so a readOnly agent
// definition never even sees them offered to the model.
func Register(reg *agent.ToolRegistry, store *fragments.Store, readOnly bool) {
	reg.Register(&getFragmentTool{store: store})
	reg.Register(&listFragmentsTool{store: store})
	reg.Register(&searchFragmentsTool{store: store})
	reg.Register(&listFragmentTypesTool{store: store})
	for _, t := range fragmentTypes {
		reg.Register(&getTypedFragmentTool{store: store, fragType: t})
		reg.Register(&listTypedFragmentsTool{store: store, fragType: t})
	}

	if readOnly {
		return
	}
	reg.Register(&createFragmentTool{store: store})
	reg.Register(&updateFragmentTool{store: store})
	reg.Register(&editFragmentTool{store: store})
	reg.Register(&editProseTool{store: store})
	reg.Register(&deleteFragmentTool{store: store})
}

func errResult(format string, args ...any) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: fmt.Sprintf(format, args...), IsError: true}, nil
}

func jsonResult(v any) (*agent.ToolResult, error) {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errResult("marshal result: %v", err)
	}
	return &agent.ToolResult{Content: guard(string(payload))}, nil
}

// --- getFragment ---

type getFragmentTool struct{ store *fragments.Store }

func (t *getFragmentTool) Name() string        { return "getFragment" }
func (t *getFragmentTool) Description() string { return "Fetches a single fragment by its id, including its full content." }
func (t *getFragmentTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {"id": {"type": "string", "description": "Fragment id"}},
  "required": ["id"]
}`)
}

func (t *getFragmentTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return errResult("invalid parameters: %v", err)
	}
	f, err := t.store.Get(in.ID)
	if err != nil {
		return errResult("get fragment: %v", err)
	}
	if f == nil {
		return errResult("no fragment with id %q", in.ID)
	}
	return jsonResult(f)
}

// --- listFragments ---

type listFragmentsTool struct{ store *fragments.Store }

func (t *listFragmentsTool) Name() string { return "listFragments" }
func (t *listFragmentsTool) Description() string {
	return "Lists fragment summaries, optionally filtered by type, excluding archived fragments unless requested."
}
func (t *listFragmentsTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "type": {"type": "string", "description": "Filter to this fragment type; omit for all types"},
    "includeArchived": {"type": "boolean", "description": "Include archived fragments (default false)"}
  }
}`)
}

func (t *listFragmentsTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		Type            string `json:"type"`
		IncludeArchived bool   `json:"includeArchived"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &in); err != nil {
			return errResult("invalid parameters: %v", err)
		}
	}
	return jsonResult(t.store.ListSummaries(in.Type, in.IncludeArchived))
}

// --- searchFragments ---

type searchFragmentsTool struct{ store *fragments.Store }

func (t *searchFragmentsTool) Name() string { return "searchFragments" }
func (t *searchFragmentsTool) Description() string {
	return "Searches fragment content for a case-insensitive substring, returning matches with a short surrounding excerpt."
}
func (t *searchFragmentsTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "Substring to search for"},
    "type": {"type": "string", "description": "Restrict search to this fragment type"}
  },
  "required": ["query"]
}`)
}

type searchHit struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Excerpt string `json:"excerpt"`
}

func (t *searchFragmentsTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		Query string `json:"query"`
		Type  string `json:"type"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return errResult("invalid parameters: %v", err)
	}
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return errResult("query is required")
	}

	lowerQuery := strings.ToLower(query)
	var hits []searchHit
	for _, f := range t.store.List(in.Type, false) {
		lower := strings.ToLower(f.Content)
		idx := strings.Index(lower, lowerQuery)
		if idx < 0 {
			continue
		}
		hits = append(hits, searchHit{
			ID: f.ID, Type: f.Type, Name: f.Name,
			Excerpt: excerptAround(f.Content, idx, len(query)),
		})
	}
	return jsonResult(hits)
}

// excerptAround returns the substring within excerptRadius characters on
// either side of the match at [idx, idx+matchLen), with ellipses marking
// elided content at either end.
func excerptAround(content string, idx, matchLen int) string {
	start := idx - excerptRadius
	prefix := ""
	if start < 0 {
		start = 0
	} else {
		prefix = "…"
	}
	end := idx + matchLen + excerptRadius
	suffix := ""
	if end > len(content) {
		end = len(content)
	} else {
		suffix = "…"
	}
	return prefix + content[start:end] + suffix
}

// --- listFragmentTypes ---

type listFragmentTypesTool struct{ store *fragments.Store }

func (t *listFragmentTypesTool) Name() string        { return "listFragmentTypes" }
func (t *listFragmentTypesTool) Description() string { return "Lists the distinct fragment types currently present in the story." }
func (t *listFragmentTypesTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *listFragmentTypesTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	seen := map[string]bool{}
	for _, s := range t.store.ListSummaries("", true) {
		seen[s.Type] = true
	}
	types := make([]string, 0, len(seen))
	for ty := range seen {
		types = append(types, ty)
	}
	sort.Strings(types)
	return jsonResult(types)
}

// --- per-type aliases: get{Type} / list{Type}s ---

type getTypedFragmentTool struct {
	store    *fragments.Store
	fragType string
}

func (t *getTypedFragmentTool) Name() string {
	return "get" + capitalize(t.fragType)
}
func (t *getTypedFragmentTool) Description() string {
	return fmt.Sprintf("Fetches a single %s fragment by its id.", t.fragType)
}
func (t *getTypedFragmentTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {"id": {"type": "string"}},
  "required": ["id"]
}`)
}

func (t *getTypedFragmentTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return errResult("invalid parameters: %v", err)
	}
	f, err := t.store.Get(in.ID)
	if err != nil {
		return errResult("get fragment: %v", err)
	}
	if f == nil || f.Type != t.fragType {
		return errResult("no %s fragment with id %q", t.fragType, in.ID)
	}
	return jsonResult(f)
}

type listTypedFragmentsTool struct {
	store    *fragments.Store
	fragType string
}

func (t *listTypedFragmentsTool) Name() string {
	return "list" + capitalize(t.fragType) + "s"
}
func (t *listTypedFragmentsTool) Description() string {
	return fmt.Sprintf("Lists %s fragment summaries.", t.fragType)
}
func (t *listTypedFragmentsTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {"includeArchived": {"type": "boolean"}}
}`)
}

func (t *listTypedFragmentsTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		IncludeArchived bool `json:"includeArchived"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &in); err != nil {
			return errResult("invalid parameters: %v", err)
		}
	}
	return jsonResult(t.store.ListSummaries(t.fragType, in.IncludeArchived))
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// --- createFragment ---

type createFragmentTool struct{ store *fragments.Store }

func (t *createFragmentTool) Name() string        { return "createFragment" }
func (t *createFragmentTool) Description() string { return "Creates a new fragment of the given type." }
func (t *createFragmentTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "type": {"type": "string"},
    "name": {"type": "string"},
    "description": {"type": "string"},
    "content": {"type": "string"},
    "sticky": {"type": "boolean"},
    "tags": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["type", "name", "content"]
}`)
}

func (t *createFragmentTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		Type        string   `json:"type"`
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Content     string   `json:"content"`
		Sticky      bool     `json:"sticky"`
		Tags        []string `json:"tags"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return errResult("invalid parameters: %v", err)
	}
	if strings.TrimSpace(in.Type) == "" || strings.TrimSpace(in.Name) == "" {
		return errResult("type and name are required")
	}
	f, err := t.store.Create(fragments.Fragment{
		Type: in.Type, Name: in.Name, Description: in.Description,
		Content: in.Content, Sticky: in.Sticky, Tags: in.Tags,
	})
	if err != nil {
		return errResult("create fragment: %v", err)
	}
	return jsonResult(f)
}

// --- updateFragment ---

type updateFragmentTool struct{ store *fragments.Store }

func (t *updateFragmentTool) Name() string        { return "updateFragment" }
func (t *updateFragmentTool) Description() string { return "Replaces one or more fields of an existing fragment." }
func (t *updateFragmentTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string"},
    "description": {"type": "string"},
    "content": {"type": "string"},
    "sticky": {"type": "boolean"},
    "tags": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["id"]
}`)
}

func (t *updateFragmentTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		ID          string    `json:"id"`
		Name        *string   `json:"name"`
		Description *string   `json:"description"`
		Content     *string   `json:"content"`
		Sticky      *bool     `json:"sticky"`
		Tags        *[]string `json:"tags"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return errResult("invalid parameters: %v", err)
	}
	var tags []string
	if in.Tags != nil {
		tags = *in.Tags
	}
	f, err := t.store.Update(in.ID, fragments.Patch{
		Name: in.Name, Description: in.Description, Content: in.Content,
		Sticky: in.Sticky, Tags: tags,
	})
	if err != nil {
		return errResult("update fragment: %v", err)
	}
	return jsonResult(f)
}

// --- editFragment ---

type editFragmentTool struct{ store *fragments.Store }

func (t *editFragmentTool) Name() string { return "editFragment" }
func (t *editFragmentTool) Description() string {
	return "Replaces the first occurrence of a literal string within a fragment's content."
}
func (t *editFragmentTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "id": {"type": "string"},
    "find": {"type": "string"},
    "replace": {"type": "string"}
  },
  "required": ["id", "find", "replace"]
}`)
}

func (t *editFragmentTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		ID      string `json:"id"`
		Find    string `json:"find"`
		Replace string `json:"replace"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return errResult("invalid parameters: %v", err)
	}
	f, err := t.store.Get(in.ID)
	if err != nil {
		return errResult("get fragment: %v", err)
	}
	if f == nil {
		return errResult("no fragment with id %q", in.ID)
	}
	if !strings.Contains(f.Content, in.Find) {
		return errResult("find string not present in fragment %q", in.ID)
	}
	updated := strings.Replace(f.Content, in.Find, in.Replace, 1)
	out, err := t.store.Update(in.ID, fragments.Patch{Content: &updated})
	if err != nil {
		return errResult("update fragment: %v", err)
	}
	return jsonResult(out)
}

// --- editProse ---

type editProseTool struct{ store *fragments.Store }

func (t *editProseTool) Name() string { return "editProse" }
func (t *editProseTool) Description() string {
	return "Replaces the first occurrence of a literal string across all active (non-archived) prose fragments, failing if the string is not found anywhere."
}
func (t *editProseTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "find": {"type": "string"},
    "replace": {"type": "string"}
  },
  "required": ["find", "replace"]
}`)
}

func (t *editProseTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		Find    string `json:"find"`
		Replace string `json:"replace"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return errResult("invalid parameters: %v", err)
	}
	if in.Find == "" {
		return errResult("find is required")
	}
	for _, f := range t.store.List("prose", false) {
		if !strings.Contains(f.Content, in.Find) {
			continue
		}
		updated := strings.Replace(f.Content, in.Find, in.Replace, 1)
		out, err := t.store.Update(f.ID, fragments.Patch{Content: &updated})
		if err != nil {
			return errResult("update fragment: %v", err)
		}
		return jsonResult(out)
	}
	return errResult("find string %q not present in any active prose fragment", in.Find)
}

// --- deleteFragment ---

type deleteFragmentTool struct{ store *fragments.Store }

func (t *deleteFragmentTool) Name() string        { return "deleteFragment" }
func (t *deleteFragmentTool) Description() string { return "Permanently deletes a fragment by id." }
func (t *deleteFragmentTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {"id": {"type": "string"}},
  "required": ["id"]
}`)
}

func (t *deleteFragmentTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return errResult("invalid parameters: %v", err)
	}
	if err := t.store.Delete(in.ID); err != nil {
		return errResult("delete fragment: %v", err)
	}
	return &agent.ToolResult{Content: fmt.Sprintf("deleted %s", in.ID)}, nil
}
