// Package contextbuilder implements the context builder (component D):
// given a story's fragments, produce a bounded ContextState ready for block
// assembly.
package contextbuilder

import (
	"fmt"
	"sort"

	"github.com/haasonsaas/storyforge/internal/fragments"
)

// LimitMode selects how the prose window is budgeted.
type LimitMode string

const (
	LimitFragments  LimitMode = "fragments"
	LimitTokens     LimitMode = "tokens"
	LimitCharacters LimitMode = "characters"
)

// Limit is a story's context-window budget.
type Limit struct {
	Mode  LimitMode
	Value int
}

// Options narrows the fragments considered, used by regenerate/refine to
// look strictly before a target fragment.
type Options struct {
	ProseBeforeFragmentID   string
	SummaryBeforeFragmentID string
}

// ShortlistEntry is a one-line reference to a non-sticky fragment.
type ShortlistEntry struct {
	ID          string
	Name        string
	Description string
}

func (s ShortlistEntry) String() string {
	return fmt.Sprintf("%s: %s — %s", s.ID, s.Name, s.Description)
}

// State is the transient per-request context produced by Build.
type State struct {
	Story              *Story
	ProseFragments     []*fragments.Fragment
	StickyCharacters   []*fragments.Fragment
	StickyGuidelines   []*fragments.Fragment
	StickyKnowledge    []*fragments.Fragment
	CharacterShortlist []ShortlistEntry
	GuidelineShortlist []ShortlistEntry
	KnowledgeShortlist []ShortlistEntry
	AuthorInput        string
}

// Story is the subset of story metadata the builder needs.
type Story struct {
	ID          string
	Name        string
	Description string
	Summary     string
}

// Builder assembles a State from a fragment Store and a Story.
type Builder struct {
	store *fragments.Store
}

// New wraps a fragment store for context assembly.
func New(store *fragments.Store) *Builder {
	return &Builder{store: store}
}

// Build implements §4.D's algorithm: partition by type, window prose by
// limit, split sticky vs shortlist for the other three types.
func (b *Builder) Build(story *Story, authorInput string, limit Limit, opts Options) (*State, error) {
	all := b.store.List("", false)

	var prose, characters, guidelines, knowledge []*fragments.Fragment
	for _, f := range all {
		switch f.Type {
		case "prose":
			prose = append(prose, f)
		case "character":
			characters = append(characters, f)
		case "guideline":
			guidelines = append(guidelines, f)
		case "knowledge":
			knowledge = append(knowledge, f)
		}
	}

	sort.Slice(prose, func(i, j int) bool { return prose[i].CreatedAt.Before(prose[j].CreatedAt) })
	if opts.ProseBeforeFragmentID != "" {
		prose = proseBefore(prose, opts.ProseBeforeFragmentID)
	}
	windowed := windowProse(prose, limit)

	state := &State{Story: story, ProseFragments: windowed, AuthorInput: authorInput}
	state.StickyCharacters, state.CharacterShortlist = splitSticky(characters)
	state.StickyGuidelines, state.GuidelineShortlist = splitSticky(guidelines)
	state.StickyKnowledge, state.KnowledgeShortlist = splitSticky(knowledge)

	if opts.SummaryBeforeFragmentID != "" {
		// Summary is gated: callers building context strictly before a
		// fragment omit summary content produced after it. Since the
		// rolling summary has no per-fragment provenance, the gate simply
		// suppresses it for regenerate/refine of early fragments.
		state.Story = &Story{ID: story.ID, Name: story.Name, Description: story.Description}
	}

	return state, nil
}

func proseBefore(prose []*fragments.Fragment, targetID string) []*fragments.Fragment {
	idx := -1
	for i, f := range prose {
		if f.ID == targetID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return prose
	}
	return prose[:idx]
}

// windowProse scans the prose chain backward from the end, including
// fragments until the budget is exceeded, always including at least one
// when prose is non-empty.
func windowProse(prose []*fragments.Fragment, limit Limit) []*fragments.Fragment {
	if len(prose) == 0 {
		return nil
	}

	var budget, used int
	switch limit.Mode {
	case LimitTokens:
		budget = limit.Value
	case LimitCharacters:
		budget = limit.Value
	default:
		budget = limit.Value
	}

	var included []*fragments.Fragment
	for i := len(prose) - 1; i >= 0; i-- {
		f := prose[i]
		cost := fragmentCost(f, limit.Mode)
		if len(included) > 0 && used+cost > budget {
			break
		}
		included = append([]*fragments.Fragment{f}, included...)
		used += cost
	}
	if len(included) == 0 {
		included = []*fragments.Fragment{prose[len(prose)-1]}
	}
	return included
}

func fragmentCost(f *fragments.Fragment, mode LimitMode) int {
	switch mode {
	case LimitTokens:
		return (len(f.Content) + 3) / 4
	case LimitCharacters:
		return len(f.Content)
	default:
		return 1
	}
}

func splitSticky(items []*fragments.Fragment) ([]*fragments.Fragment, []ShortlistEntry) {
	var sticky []*fragments.Fragment
	var shortlist []ShortlistEntry
	for _, f := range items {
		if f.Sticky {
			sticky = append(sticky, f)
		} else {
			shortlist = append(shortlist, ShortlistEntry{ID: f.ID, Name: f.Name, Description: f.Description})
		}
	}
	return sticky, shortlist
}
