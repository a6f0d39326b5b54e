package fragments

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MaxSummaryBytes bounds the rolling librarian summary kept in meta.json.
// Appends beyond this cap truncate from the leading edge (oldest content
// dropped first), per the Open Question resolution recorded in DESIGN.md.
const MaxSummaryBytes = 8 * 1024

// StoryMeta is the persisted `stories/{sid}/meta.json` document: story
// identity plus the rolling librarian summary.
type StoryMeta struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Description        string    `json:"description"`
	Summary            string    `json:"summary"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
	ContextLimitMode   string    `json:"contextLimitMode,omitempty"`
	ContextLimitValue  int       `json:"contextLimitValue,omitempty"`
	MaxSteps           int       `json:"maxSteps,omitempty"`
	AutoApplyLibrarian bool      `json:"autoApplyLibrarian,omitempty"`
}

// MetaStore persists one story's meta.json with the same atomic-write
// discipline as the fragment Store.
type MetaStore struct {
	mu   sync.Mutex
	path string
	meta StoryMeta
}

// OpenMetaStore loads (or initializes) meta.json at dir/meta.json.
func OpenMetaStore(dir string, id, name string) (*MetaStore, error) {
	path := filepath.Join(dir, "meta.json")
	ms := &MetaStore{path: path}

	data, err := os.ReadFile(path)
	if err == nil {
		if jsonErr := json.Unmarshal(data, &ms.meta); jsonErr != nil {
			return nil, fmt.Errorf("parse story meta: %w", jsonErr)
		}
		return ms, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read story meta: %w", err)
	}

	now := time.Now()
	ms.meta = StoryMeta{ID: id, Name: name, CreatedAt: now, UpdatedAt: now, MaxSteps: 10}
	if err := ms.persistLocked(); err != nil {
		return nil, err
	}
	return ms, nil
}

// Get returns a copy of the current metadata.
func (ms *MetaStore) Get() StoryMeta {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.meta
}

// Update applies a mutation under lock and persists the result.
func (ms *MetaStore) Update(mutate func(*StoryMeta)) (StoryMeta, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	mutate(&ms.meta)
	ms.meta.UpdatedAt = time.Now()
	if err := ms.persistLocked(); err != nil {
		return StoryMeta{}, err
	}
	return ms.meta, nil
}

// AppendSummary appends text to the rolling summary, truncating from the
// leading edge (oldest content dropped first) once MaxSummaryBytes is
// exceeded, per §4.I step "integrates results".
func (ms *MetaStore) AppendSummary(text string) (StoryMeta, error) {
	return ms.Update(func(m *StoryMeta) {
		if text == "" {
			return
		}
		combined := m.Summary
		if combined != "" {
			combined += "\n\n"
		}
		combined += text
		if len(combined) > MaxSummaryBytes {
			combined = combined[len(combined)-MaxSummaryBytes:]
		}
		m.Summary = combined
	})
}

func (ms *MetaStore) persistLocked() error {
	data, err := json.MarshalIndent(ms.meta, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(ms.path, data)
}
