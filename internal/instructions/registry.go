// Package instructions implements the named-default / model-matched-override
// instruction text registry (component B).
package instructions

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/haasonsaas/storyforge/internal/apierrors"
)

// OverrideSet is one instruction-sets/*.json document.
type OverrideSet struct {
	Name         string            `json:"name"`
	ModelMatch   string            `json:"modelMatch"`
	Priority     int               `json:"priority"`
	Instructions map[string]string `json:"instructions"`

	matcher func(model string) bool
}

// Registry resolves instruction keys to text, optionally overridden per
// model by priority-ordered OverrideSets loaded from a directory.
type Registry struct {
	mu        sync.RWMutex
	defaults  map[string]string
	overrides []OverrideSet
	dir       string
	logger    *slog.Logger
}

// New builds a registry over the given defaults. Call LoadOverrides to pull
// in an instruction-sets/ directory.
func New(defaults map[string]string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	cp := make(map[string]string, len(defaults))
	for k, v := range defaults {
		cp[k] = v
	}
	return &Registry{defaults: cp, logger: logger}
}

// LoadOverrides (re)loads instruction-set JSON5 documents from dir, sorted
// ascending by Priority. Malformed files are logged and skipped; a missing
// directory is not an error (no overrides configured).
func (r *Registry) LoadOverrides(dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dir = dir
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.overrides = nil
			return nil
		}
		return fmt.Errorf("read instruction-sets directory: %w", err)
	}

	var sets []OverrideSet
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("skipping unreadable instruction set", "file", e.Name(), "error", err)
			continue
		}
		var set OverrideSet
		if err := json5.Unmarshal(data, &set); err != nil {
			r.logger.Warn("skipping malformed instruction set", "file", e.Name(), "error", err)
			continue
		}
		if set.Priority == 0 {
			set.Priority = 100
		}
		matcher, err := compileMatch(set.ModelMatch)
		if err != nil {
			r.logger.Warn("skipping instruction set with invalid modelMatch", "file", e.Name(), "error", err)
			continue
		}
		set.matcher = matcher
		sets = append(sets, set)
	}

	sort.SliceStable(sets, func(i, j int) bool { return sets[i].Priority < sets[j].Priority })
	r.overrides = sets
	return nil
}

// Reload re-scans the previously configured directory.
func (r *Registry) Reload() error {
	r.mu.RLock()
	dir := r.dir
	r.mu.RUnlock()
	if dir == "" {
		return nil
	}
	return r.LoadOverrides(dir)
}

// compileMatch turns a modelMatch spec into a predicate: either an exact
// string match or, when delimited with slashes, a regex (optionally with an
// "i" flag), e.g. "/foo-.*/i".
func compileMatch(spec string) (func(string) bool, error) {
	if spec == "" {
		return func(string) bool { return true }, nil
	}
	if strings.HasPrefix(spec, "/") {
		lastSlash := strings.LastIndex(spec, "/")
		if lastSlash <= 0 {
			return nil, fmt.Errorf("malformed regex modelMatch: %q", spec)
		}
		pattern := spec[1:lastSlash]
		flags := spec[lastSlash+1:]
		if strings.Contains(flags, "i") {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		return re.MatchString, nil
	}
	return func(model string) bool { return model == spec }, nil
}

// Resolve returns the effective instruction text for key given modelID, the
// first matching override (ascending priority) winning, the default
// otherwise. Returns apierrors.KindUnknownInstruction if key is undefined
// everywhere.
func (r *Registry) Resolve(key, modelID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, set := range r.overrides {
		text, ok := set.Instructions[key]
		if !ok {
			continue
		}
		if set.matcher != nil && set.matcher(modelID) {
			return text, nil
		}
	}
	if text, ok := r.defaults[key]; ok {
		return text, nil
	}
	return "", apierrors.New(apierrors.KindUnknownInstruction, "unknown instruction key: "+key)
}

// Clear resets the registry to have no overrides (test helper, per the
// "process-wide singletons must expose Clear()" requirement).
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides = nil
	r.dir = ""
}
