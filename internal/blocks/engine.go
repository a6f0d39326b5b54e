package blocks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Engine applies a story's Config on top of a set of default blocks.
type Engine struct {
	logger        *slog.Logger
	scriptTimeout time.Duration
}

// New builds an Engine. A zero scriptTimeout falls back to
// DefaultScriptTimeout.
func New(logger *slog.Logger, scriptTimeout time.Duration) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger, scriptTimeout: scriptTimeout}
}

// Apply merges defaults with cfg's custom blocks and overrides, resolves
// script blocks against scriptCtx, and returns the final role/order-sorted
// block list (component C, §4.C).
func (e *Engine) Apply(ctx context.Context, defaults []Block, cfg Config, scriptCtx ScriptContext) []Block {
	all := make([]Block, 0, len(defaults)+len(cfg.CustomBlocks))
	all = append(all, defaults...)

	for _, cb := range cfg.CustomBlocks {
		if !cb.Enabled {
			continue
		}
		content := cb.Content
		if cb.Type == TypeScript {
			out, err := evaluateScript(ctx, cb.Content, scriptCtx, e.scriptTimeout)
			if err != nil {
				content = fmt.Sprintf("[Script error in %q: %s]", cb.Name, err.Error())
			} else if out == "" {
				continue // empty script output drops the block entirely
			} else {
				content = out
			}
		}
		all = append(all, Block{
			ID: cb.ID, Role: cb.Role, Content: content, Order: cb.Order,
			Source: SourceCustom, Name: cb.Name,
		})
	}

	byID := make(map[string]int, len(all))
	for i, b := range all {
		byID[b.ID] = i
	}

	if len(cfg.BlockOrder) > 0 {
		for idx, id := range cfg.BlockOrder {
			if i, ok := byID[id]; ok {
				all[i].Order = idx
			}
		}
	}

	for id, ov := range cfg.Overrides {
		i, ok := byID[id]
		if !ok {
			continue
		}
		b := all[i]
		switch ov.ContentMode {
		case ModeOverride:
			b.Content = ov.CustomContent
		case ModePrepend:
			b.Content = ov.CustomContent + "\n" + b.Content
		case ModeAppend:
			b.Content = b.Content + "\n" + ov.CustomContent
		}
		if ov.Order != nil {
			b.Order = *ov.Order
		}
		all[i] = b
	}

	final := all[:0:0]
	for _, b := range all {
		if ov, ok := cfg.Overrides[b.ID]; ok && ov.Enabled != nil && !*ov.Enabled {
			continue
		}
		final = append(final, b)
	}

	sort.SliceStable(final, func(i, j int) bool {
		if final[i].Role != final[j].Role {
			return final[i].Role == RoleSystem
		}
		return final[i].Order < final[j].Order
	})

	return final
}
