package fragments

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/storyforge/internal/apierrors"
)

// ToolCallRecord is one tool invocation captured in a GenerationLog.
type ToolCallRecord struct {
	ToolName string `json:"toolName"`
	Args     any    `json:"args"`
	Result   any    `json:"result"`
}

// Usage carries token accounting for a generation, when the provider
// reports it.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// GenerationLog is the persisted record of one pipeline run.
type GenerationLog struct {
	ID            string           `json:"id"`
	CreatedAt     time.Time        `json:"createdAt"`
	Input         string           `json:"input"`
	Messages      []json.RawMessage `json:"messages"`
	ToolCalls     []ToolCallRecord `json:"toolCalls"`
	GeneratedText string           `json:"generatedText"`
	FragmentID    string           `json:"fragmentId,omitempty"`
	Model         string           `json:"model"`
	DurationMs    int64            `json:"durationMs"`
	StepCount     int              `json:"stepCount"`
	FinishReason  string           `json:"finishReason"`
	StepsExceeded bool             `json:"stepsExceeded"`
	TotalUsage    *Usage           `json:"totalUsage,omitempty"`
	Reasoning     string           `json:"reasoning,omitempty"`
}

// GenerationLogSummary is the lightweight _index.json entry for a log.
type GenerationLogSummary struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"createdAt"`
	Model        string    `json:"model"`
	FinishReason string    `json:"finishReason"`
	FragmentID   string    `json:"fragmentId,omitempty"`
}

// LogStore persists GenerationLogs for one story, same atomic-write and
// summary-index idiom as the fragment Store.
type LogStore struct {
	mu     sync.Mutex
	dir    string
	logger *slog.Logger
}

// OpenLogStore initializes (or attaches to) a generation-log directory.
func OpenLogStore(dir string, logger *slog.Logger) (*LogStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("generation log directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create generation log directory: %w", err)
	}
	return &LogStore{dir: dir, logger: logger}, nil
}

func (ls *LogStore) path(id string) string { return filepath.Join(ls.dir, id+".json") }

// Save persists log (assigning an id and CreatedAt if unset) and appends its
// summary to the directory's _index.json.
func (ls *LogStore) Save(log GenerationLog) (*GenerationLog, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}

	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := atomicWrite(ls.path(log.ID), data); err != nil {
		return nil, apierrors.Wrap(apierrors.KindStorage, err)
	}

	summaries, err := ls.readIndexLocked()
	if err != nil {
		ls.logger.Warn("rebuilding generation log index after read failure", "error", err)
		summaries = nil
	}
	summaries = append([]GenerationLogSummary{{
		ID: log.ID, CreatedAt: log.CreatedAt, Model: log.Model,
		FinishReason: log.FinishReason, FragmentID: log.FragmentID,
	}}, summaries...)

	idxData, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := atomicWrite(filepath.Join(ls.dir, "_index.json"), idxData); err != nil {
		return nil, apierrors.Wrap(apierrors.KindStorage, err)
	}
	return &log, nil
}

func (ls *LogStore) readIndexLocked() ([]GenerationLogSummary, error) {
	data, err := os.ReadFile(filepath.Join(ls.dir, "_index.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var summaries []GenerationLogSummary
	if err := json.Unmarshal(data, &summaries); err != nil {
		return nil, err
	}
	return summaries, nil
}

// List returns the summary index, newest-first (the persisted order).
func (ls *LogStore) List() ([]GenerationLogSummary, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	summaries, err := ls.readIndexLocked()
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindStorage, err)
	}
	sort.SliceStable(summaries, func(i, j int) bool { return summaries[i].CreatedAt.After(summaries[j].CreatedAt) })
	return summaries, nil
}

// Get loads a single full GenerationLog by id.
func (ls *LogStore) Get(id string) (*GenerationLog, error) {
	data, err := os.ReadFile(ls.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierrors.New(apierrors.KindNotFound, "generation log not found: "+id)
		}
		return nil, apierrors.Wrap(apierrors.KindStorage, err)
	}
	var log GenerationLog
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, apierrors.Wrap(apierrors.KindStorage, err)
	}
	return &log, nil
}
