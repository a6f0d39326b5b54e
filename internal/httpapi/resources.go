// Package httpapi implements the HTTP surface (component K): manual
// net/http + http.ServeMux route registration for the streaming and JSON
// endpoints, matching the donor's internal/web wiring rather than a
// third-party router.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/haasonsaas/storyforge/internal/agent"
	"github.com/haasonsaas/storyforge/internal/blocks"
	"github.com/haasonsaas/storyforge/internal/contextbuilder"
	"github.com/haasonsaas/storyforge/internal/fragments"
	"github.com/haasonsaas/storyforge/internal/instructions"
	"github.com/haasonsaas/storyforge/internal/librarian"
	"github.com/haasonsaas/storyforge/internal/observability"
	"github.com/haasonsaas/storyforge/internal/pipeline"
)

// StoryConfig is the slice of content/meta.json story settings (§6) the
// HTTP surface needs beyond the rolling summary already in StoryMeta.
type StoryConfig struct {
	ContextLimit       contextbuilder.Limit
	MaxSteps           int
	OutputFormat       string
	AutoApplyLibrarian bool
}

// Resources lazily resolves and wires the per-story pipeline and stores
// this server depends on, and doubles as librarian.StoryResources.
type Resources interface {
	Pipeline(storyID string) (*pipeline.Pipeline, error)
	FragmentStore(storyID string) (*fragments.Store, error)
	LogStore(storyID string) (*fragments.LogStore, error)
	Meta(storyID string) (*fragments.MetaStore, error)
	ListStoryIDs() []string
}

// DirResources implements Resources over the persisted per-story directory
// layout from §3's Data Model: stories/{sid}/{meta.json,content/...}.
type DirResources struct {
	RootDir      string
	Provider     agent.LLMProvider
	Instructions *instructions.Registry // process-wide, shared across stories
	BlockEngine  *blocks.Engine         // process-wide, shared across stories
	Librarian    pipeline.Librarian
	Tracer       *observability.Tracer // nil disables span emission
	Metrics      *observability.Metrics
	Logger       *slog.Logger

	mu      sync.Mutex
	stores  map[string]*fragments.Store
	logs    map[string]*fragments.LogStore
	metas   map[string]*fragments.MetaStore
	builder map[string]*contextbuilder.Builder
}

// NewDirResources builds a DirResources rooted at rootDir.
func NewDirResources(rootDir string, provider agent.LLMProvider, instr *instructions.Registry, be *blocks.Engine, lib pipeline.Librarian, logger *slog.Logger) *DirResources {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirResources{
		RootDir:      rootDir,
		Provider:     provider,
		Instructions: instr,
		BlockEngine:  be,
		Librarian:    lib,
		Logger:       logger,
		stores:       make(map[string]*fragments.Store),
		logs:         make(map[string]*fragments.LogStore),
		metas:        make(map[string]*fragments.MetaStore),
		builder:      make(map[string]*contextbuilder.Builder),
	}
}

func (d *DirResources) storyDir(storyID string) string {
	return filepath.Join(d.RootDir, storyID)
}

// FragmentStore implements Resources and librarian.StoryResources.
func (d *DirResources) FragmentStore(storyID string) (*fragments.Store, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.stores[storyID]; ok {
		return s, nil
	}
	s, err := fragments.Open(filepath.Join(d.storyDir(storyID), "content", "fragments"), d.Logger)
	if err != nil {
		return nil, err
	}
	d.stores[storyID] = s
	return s, nil
}

// LogStore lazily opens a story's generation-log store.
func (d *DirResources) LogStore(storyID string) (*fragments.LogStore, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.logs[storyID]; ok {
		return l, nil
	}
	l, err := fragments.OpenLogStore(filepath.Join(d.storyDir(storyID), "content", "generation-logs"), d.Logger)
	if err != nil {
		return nil, err
	}
	d.logs[storyID] = l
	return l, nil
}

// Meta implements Resources and librarian.StoryResources.
func (d *DirResources) Meta(storyID string) (*fragments.MetaStore, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.metas[storyID]; ok {
		return m, nil
	}
	m, err := fragments.OpenMetaStore(d.storyDir(storyID), storyID, storyID)
	if err != nil {
		return nil, err
	}
	d.metas[storyID] = m
	return m, nil
}

func (d *DirResources) contextBuilder(storyID string) (*contextbuilder.Builder, error) {
	d.mu.Lock()
	if b, ok := d.builder[storyID]; ok {
		d.mu.Unlock()
		return b, nil
	}
	d.mu.Unlock()

	store, err := d.FragmentStore(storyID)
	if err != nil {
		return nil, err
	}
	b := contextbuilder.New(store)

	d.mu.Lock()
	d.builder[storyID] = b
	d.mu.Unlock()
	return b, nil
}

// blockConfig reads a story's persisted content/block-config.json,
// returning a zero Config if it does not exist yet.
func (d *DirResources) blockConfig(storyID string) blocks.Config {
	path := filepath.Join(d.storyDir(storyID), "content", "block-config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return blocks.Config{}
	}
	var cfg blocks.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		d.Logger.Warn("ignoring malformed block-config.json", "story", storyID, "error", err)
		return blocks.Config{}
	}
	return cfg
}

// Pipeline wires a fresh *pipeline.Pipeline for storyID from this story's
// stores and the process-wide instruction registry, block engine, and
// provider.
func (d *DirResources) Pipeline(storyID string) (*pipeline.Pipeline, error) {
	store, err := d.FragmentStore(storyID)
	if err != nil {
		return nil, err
	}
	logs, err := d.LogStore(storyID)
	if err != nil {
		return nil, err
	}
	builder, err := d.contextBuilder(storyID)
	if err != nil {
		return nil, err
	}
	return &pipeline.Pipeline{
		Store:        store,
		Logs:         logs,
		Builder:      builder,
		BlockEngine:  d.BlockEngine,
		Instructions: d.Instructions,
		Provider:     d.Provider,
		Librarian:    d.Librarian,
		Tracer:       d.Tracer,
		Metrics:      d.Metrics,
	}, nil
}

// ListStoryIDs lists every story directory under RootDir that has a
// meta.json, implementing librarian.StoryResources for the staleness sweep.
func (d *DirResources) ListStoryIDs() []string {
	entries, err := os.ReadDir(d.RootDir)
	if err != nil {
		return nil
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(d.RootDir, e.Name(), "meta.json")); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids
}

var _ librarian.StoryResources = (*DirResources)(nil)

func storyMetaToContextStory(meta fragments.StoryMeta) *contextbuilder.Story {
	return &contextbuilder.Story{
		ID:          meta.ID,
		Name:        meta.Name,
		Description: meta.Description,
		Summary:     meta.Summary,
	}
}

func contextLimitFromMeta(meta fragments.StoryMeta) contextbuilder.Limit {
	mode := contextbuilder.LimitMode(meta.ContextLimitMode)
	if mode == "" {
		mode = contextbuilder.LimitFragments
	}
	value := meta.ContextLimitValue
	if value <= 0 {
		value = 20
	}
	return contextbuilder.Limit{Mode: mode, Value: value}
}

// ensureStoryDir creates the directory tree for a never-before-seen story.
func ensureStoryDir(root, storyID string) error {
	return os.MkdirAll(filepath.Join(root, storyID, "content"), 0o755)
}

func unknownStoryError(storyID string) error {
	return fmt.Errorf("story %q not found", storyID)
}
