// Package main provides the CLI entry point for storyserver: the context
// assembly and generation service that sits between a collaborative
// fiction corpus and an LLM provider.
//
// Start the server:
//
//	storyserver serve --config storyserver.yaml
//
// Validate a configuration file without starting anything:
//
//	storyserver validate-config --config storyserver.yaml
//
// Rebuild every story's fragment index from its on-disk JSON files:
//
//	storyserver migrate-store --data-dir ./data
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/storyforge/internal/activeagents"
	"github.com/haasonsaas/storyforge/internal/agent"
	"github.com/haasonsaas/storyforge/internal/agent/providers"
	"github.com/haasonsaas/storyforge/internal/agentruntime"
	"github.com/haasonsaas/storyforge/internal/blocks"
	"github.com/haasonsaas/storyforge/internal/fragments"
	"github.com/haasonsaas/storyforge/internal/httpapi"
	"github.com/haasonsaas/storyforge/internal/instructions"
	"github.com/haasonsaas/storyforge/internal/librarian"
	"github.com/haasonsaas/storyforge/internal/observability"
	"github.com/haasonsaas/storyforge/internal/storyagents"
	"github.com/haasonsaas/storyforge/internal/storyconfig"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "storyserver",
		Short:        "Context-assembly and generation server for collaborative fiction",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "storyserver.yaml", "Path to YAML configuration file")

	root.AddCommand(
		buildServeCmd(&configPath),
		buildValidateConfigCmd(&configPath),
		buildMigrateStoreCmd(),
	)
	return root
}

func buildServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := storyconfig.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func buildValidateConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate a configuration file without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := storyconfig.Load(*configPath); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config OK")
			return nil
		},
	}
}

func buildMigrateStoreCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "migrate-store",
		Short: "Reindex every story's fragment store from its on-disk JSON files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateStore(dataDir)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Root directory containing stories/{id}/ trees")
	return cmd
}

func runMigrateStore(dataDir string) error {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return fmt.Errorf("read data dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		fragDir := filepath.Join(dataDir, e.Name(), "content", "fragments")
		if _, err := os.Stat(fragDir); err != nil {
			continue
		}
		store, err := fragments.Open(fragDir, slog.Default())
		if err != nil {
			return fmt.Errorf("open fragment store for %s: %w", e.Name(), err)
		}
		if err := store.Reindex(); err != nil {
			return fmt.Errorf("reindex %s: %w", e.Name(), err)
		}
		slog.Info("reindexed story", "story", e.Name())
	}
	return nil
}

func runServe(ctx context.Context, cfg *storyconfig.Config) error {
	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(cfg.Logging.Level))
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	provider, err := buildProvider(cfg.LLM)
	if err != nil {
		return fmt.Errorf("build llm provider: %w", err)
	}

	instr := instructions.New(map[string]string{
		"generate":   "Continue the story naturally from where the prose leaves off.",
		"regenerate": "Rewrite the targeted passage, preserving its role in the story.",
		"refine":     "Revise the targeted passage according to the author's notes.",
	}, logger)
	if err := instr.LoadOverrides(filepath.Join(cfg.DataDir, "instruction-sets")); err != nil {
		logger.Warn("failed to load instruction overrides", "error", err)
	}

	blockEngine := blocks.New(logger, 2*time.Second)

	agents := agentruntime.NewRegistry()
	agents.Register(storyagents.NewAnalyzeProse(provider, cfg.LLM.Model))
	agents.Register(storyagents.NewSuggestDirections(provider, cfg.LLM.Model))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	resources := httpapi.NewDirResources(cfg.DataDir, provider, instr, blockEngine, nil, logger)

	if cfg.Metrics.Enabled {
		resources.Metrics = observability.NewMetrics()
	}
	if cfg.Tracing.OTLPEndpoint != "" {
		tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
			ServiceName:    "storyserver",
			ServiceVersion: "0.1.0",
			Environment:    "production",
			Endpoint:       cfg.Tracing.OTLPEndpoint,
		})
		resources.Tracer = tracer
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracer(shutdownCtx); err != nil {
				logger.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	sched := librarian.New(librarian.Config{
		Resources:       resources,
		Agents:          agents,
		DebounceMs:      cfg.Librarian.DebounceMs,
		SweepSchedule:   cfg.Librarian.SweepCron,
		StalenessWindow: cfg.Librarian.StalenessWindow,
		Logger:          logger,
	})
	defer sched.Stop()
	resources.Librarian = sched

	activeAgentRegistry := activeagents.New(0)

	server := httpapi.NewServer(httpapi.Server{
		Resources:    resources,
		Librarian:    sched,
		ActiveAgents: activeAgentRegistry,
		Agents:       agents,
		Logger:       logger,
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("storyserver listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	select {
	case err := <-serveErr:
		return err
	case <-sigCtx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

func buildProvider(cfg storyconfig.LLMConfig) (agent.LLMProvider, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	switch cfg.Provider {
	case "openai":
		return providers.NewOpenAIProvider(apiKey), nil
	case "anthropic", "":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: apiKey})
	case "bedrock":
		return providers.NewBedrockProvider(providers.BedrockConfig{
			Region:       cfg.Region,
			DefaultModel: cfg.Model,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
