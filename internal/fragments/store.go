package fragments

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/storyforge/internal/apierrors"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Store persists fragments for one story directory on disk, one JSON file
// per fragment plus a summary _index.json, mirroring the donor's
// artifact-repository persistence idiom: in-memory map guarded by a mutex,
// mirrored to disk with write-to-temp-then-rename.
type Store struct {
	mu      sync.RWMutex
	dir     string
	index   map[string]*Fragment
	logger  *slog.Logger
}

// Open loads (or initializes) the fragment store rooted at dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("fragment store directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create fragment directory: %w", err)
	}
	s := &Store{dir: dir, index: make(map[string]*Fragment), logger: logger}
	if err := s.reindex(); err != nil {
		return nil, err
	}
	return s, nil
}

// reindex rebuilds the in-memory map from the directory contents. Called at
// Open and whenever the summary index is found missing or unreadable.
func (s *Store) reindex() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read fragment directory: %w", err)
	}
	index := make(map[string]*Fragment)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || e.Name() == "_index.json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable fragment file", "file", e.Name(), "error", err)
			continue
		}
		var f Fragment
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("skipping unparseable fragment file", "file", e.Name(), "error", err)
			continue
		}
		index[f.ID] = &f
	}
	s.index = index
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// atomicWrite writes data to a temp file in dir then renames it over path,
// the tmp-then-rename idiom used throughout this codebase for durable state.
func atomicWrite(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp-%d-%s", path, time.Now().UnixNano(), randSuffix())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func randSuffix() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<32))
	if err != nil {
		return "0"
	}
	return fmt.Sprintf("%x", n.Int64())
}

func (s *Store) writeLocked(f *Fragment) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := atomicWrite(s.path(f.ID), data); err != nil {
		return apierrors.Wrap(apierrors.KindStorage, err)
	}
	s.index[f.ID] = f
	return s.writeSummaryIndexLocked()
}

func (s *Store) writeSummaryIndexLocked() error {
	summaries := make([]Summary, 0, len(s.index))
	for _, f := range s.index {
		summaries = append(summaries, f.summary())
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt) })
	data, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return err
	}
	if err := atomicWrite(filepath.Join(s.dir, "_index.json"), data); err != nil {
		return apierrors.Wrap(apierrors.KindStorage, err)
	}
	return nil
}

// newID generates a fresh `{prefix}-{alnum}` fragment id, retrying on the
// rare in-store collision.
func (s *Store) newID(fragType string) string {
	prefix := TypePrefix(fragType)
	for {
		n := 4 + int(mustRandN(5))
		suffix := make([]byte, n)
		for i := range suffix {
			suffix[i] = idAlphabet[mustRandN(int64(len(idAlphabet)))]
		}
		id := fmt.Sprintf("%s-%s", prefix, suffix)
		if _, exists := s.index[id]; !exists {
			return id
		}
	}
}

func mustRandN(n int64) int64 {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return 0
	}
	return v.Int64()
}

// Create persists a new fragment and returns it with id/version/timestamps
// assigned.
func (s *Store) Create(f Fragment) (*Fragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	f.ID = s.newID(f.Type)
	f.Version = 1
	f.Versions = []Snapshot{}
	f.CreatedAt = now
	f.UpdatedAt = now
	if f.Placement == "" {
		f.Placement = PlacementUser
	}
	if f.Tags == nil {
		f.Tags = []string{}
	}

	if err := s.writeLocked(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Get returns the fragment with id, or (nil, nil) if absent or unparseable.
func (s *Store) Get(id string) (*Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.index[id]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

// Patch describes an in-place mutation request for Update/UpdateVersioned.
type Patch struct {
	Name        *string
	Description *string
	Content     *string
	Sticky      *bool
	Placement   *Placement
	Order       *int
	Tags        []string
	Meta        map[string]any
	// ExpectedVersion, if non-zero, enforces optimistic-concurrency control:
	// the update fails with apierrors.KindConflict if the stored version
	// does not match.
	ExpectedVersion int
}

// Update applies patch fields without recording a version snapshot (for
// fields outside name/description/content, e.g. sticky/order/tags).
func (s *Store) Update(id string, patch Patch) (*Fragment, error) {
	return s.apply(id, patch, false)
}

// UpdateVersioned applies patch and, if name/description/content changed,
// appends a snapshot of the pre-change state and increments Version.
func (s *Store) UpdateVersioned(id string, patch Patch) (*Fragment, error) {
	return s.apply(id, patch, true)
}

func (s *Store) apply(id string, patch Patch, versioned bool) (*Fragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.index[id]
	if !ok {
		return nil, apierrors.New(apierrors.KindNotFound, "fragment not found: "+id)
	}
	if patch.ExpectedVersion != 0 && patch.ExpectedVersion != f.Version {
		return nil, apierrors.New(apierrors.KindConflict,
			fmt.Sprintf("fragment %s version mismatch: expected %d, have %d", id, patch.ExpectedVersion, f.Version))
	}

	cp := *f
	contentChanged := false
	if patch.Name != nil && *patch.Name != cp.Name {
		contentChanged = true
		cp.Name = *patch.Name
	}
	if patch.Description != nil && *patch.Description != cp.Description {
		contentChanged = true
		cp.Description = *patch.Description
	}
	if patch.Content != nil && *patch.Content != cp.Content {
		contentChanged = true
		cp.Content = *patch.Content
	}
	if patch.Sticky != nil {
		cp.Sticky = *patch.Sticky
	}
	if patch.Placement != nil {
		cp.Placement = *patch.Placement
	}
	if patch.Order != nil {
		cp.Order = *patch.Order
	}
	if patch.Tags != nil {
		cp.Tags = patch.Tags
	}
	if patch.Meta != nil {
		cp.Meta = patch.Meta
	}

	if versioned && contentChanged {
		cp.Versions = append(cp.Versions, Snapshot{
			Version: f.Version, Name: f.Name, Description: f.Description,
			Content: f.Content, SavedAt: time.Now(),
		})
		cp.Version = f.Version + 1
	}
	cp.UpdatedAt = time.Now()

	if err := s.writeLocked(&cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Archive marks a fragment archived, excluding it from default listings.
func (s *Store) Archive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.index[id]
	if !ok {
		return apierrors.New(apierrors.KindNotFound, "fragment not found: "+id)
	}
	cp := *f
	cp.Archived = true
	cp.UpdatedAt = time.Now()
	return s.writeLocked(&cp)
}

// Restore clears the archived flag.
func (s *Store) Restore(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.index[id]
	if !ok {
		return apierrors.New(apierrors.KindNotFound, "fragment not found: "+id)
	}
	cp := *f
	cp.Archived = false
	cp.UpdatedAt = time.Now()
	return s.writeLocked(&cp)
}

// Delete permanently removes a fragment and its file.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[id]; !ok {
		return apierrors.New(apierrors.KindNotFound, "fragment not found: "+id)
	}
	delete(s.index, id)
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return apierrors.Wrap(apierrors.KindStorage, err)
	}
	return s.writeSummaryIndexLocked()
}

// ListSummaries returns summary entries, optionally filtered by type and
// excluding archived fragments unless includeArchived is set.
func (s *Store) ListSummaries(fragType string, includeArchived bool) []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Summary, 0, len(s.index))
	for _, f := range s.index {
		if !includeArchived && f.Archived {
			continue
		}
		if fragType != "" && f.Type != fragType {
			continue
		}
		out = append(out, f.summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out
}

// List returns full non-archived fragments of a type (or all types if empty).
func (s *Store) List(fragType string, includeArchived bool) []*Fragment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Fragment, 0, len(s.index))
	for _, f := range s.index {
		if !includeArchived && f.Archived {
			continue
		}
		if fragType != "" && f.Type != fragType {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// ListVersions returns the recorded snapshots for a fragment, oldest first.
func (s *Store) ListVersions(id string) ([]Snapshot, error) {
	f, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, apierrors.New(apierrors.KindNotFound, "fragment not found: "+id)
	}
	return f.Versions, nil
}

// RevertToVersion restores a fragment's name/description/content from a
// prior snapshot (the latest one if version is 0), recording the pre-revert
// state as a new snapshot in turn.
func (s *Store) RevertToVersion(id string, version int) (*Fragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.index[id]
	if !ok {
		return nil, apierrors.New(apierrors.KindNotFound, "fragment not found: "+id)
	}
	if len(f.Versions) == 0 {
		return nil, apierrors.New(apierrors.KindValidation, "fragment has no prior versions: "+id)
	}

	var target *Snapshot
	if version == 0 {
		target = &f.Versions[len(f.Versions)-1]
	} else {
		for i := range f.Versions {
			if f.Versions[i].Version == version {
				target = &f.Versions[i]
				break
			}
		}
	}
	if target == nil {
		return nil, apierrors.New(apierrors.KindValidation, fmt.Sprintf("no such version %d for fragment %s", version, id))
	}

	cp := *f
	cp.Versions = append(cp.Versions, Snapshot{
		Version: f.Version, Name: f.Name, Description: f.Description,
		Content: f.Content, SavedAt: time.Now(), Reason: "revert",
	})
	cp.Name = target.Name
	cp.Description = target.Description
	cp.Content = target.Content
	cp.Version = f.Version + 1
	cp.UpdatedAt = time.Now()

	if err := s.writeLocked(&cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Reindex forces a rebuild of the in-memory index from disk, used when the
// summary index is suspected stale or after out-of-band file changes.
func (s *Store) Reindex() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reindex()
}
