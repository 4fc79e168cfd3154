package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aide-sh/aide/internal/confirm"
	"github.com/aide-sh/aide/internal/engine"
	"github.com/aide-sh/aide/internal/expressions"
	"github.com/aide-sh/aide/internal/llm"
	"github.com/aide-sh/aide/internal/logging"
	"github.com/aide-sh/aide/internal/planner"
	"github.com/aide-sh/aide/internal/scheduler"
	"github.com/aide-sh/aide/internal/secrets"
	"github.com/aide-sh/aide/internal/store"
	"github.com/aide-sh/aide/internal/streaming"
	"github.com/aide-sh/aide/internal/tools"
	"github.com/aide-sh/aide/internal/validation"
	"github.com/aide-sh/aide/pkg/mcp"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "version") {
		printVersion()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "aide:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store.
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	// Vault (optional).
	var vault secrets.Vault
	if key, keyErr := cfg.vaultMasterKey(); keyErr != nil {
		return fmt.Errorf("vault key: %w", keyErr)
	} else if key != nil {
		v, vaultErr := secrets.NewAESVault(st, secrets.VaultConfig{MasterKey: key})
		if vaultErr != nil {
			return fmt.Errorf("open vault: %w", vaultErr)
		}
		vault = v
	}

	// LLM client.
	llmClient, err := llm.NewAnthropicClient(llm.Config{
		APIKey: cfg.AnthropicAPIKey,
		Model:  cfg.Model,
	})
	if err != nil {
		return fmt.Errorf("llm client: %w", err)
	}

	// Tool registry, breakers, dispatcher, remote tool servers.
	registry := tools.NewRegistry()
	breakers := tools.NewBreakerRegistry(tools.DefaultBreakerConfig())
	dispatcher := tools.NewDispatcher(registry, breakers, logger)

	manager := tools.NewMCPManager(registry, logger)
	defer func() { _ = manager.StopAll() }()
	for _, sc := range cfg.ToolServers {
		if loadErr := manager.Load(ctx, sc); loadErr != nil {
			logger.Warn("tool server failed to load",
				slog.String("server", sc.Name),
				slog.String("error", loadErr.Error()))
		}
	}

	// Streaming hub and confirmation gate.
	hub := streaming.NewMemoryHub()

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("cel engine: %w", err)
	}
	policy := confirm.NewPolicy(celEngine, cfg.ConfirmationRules)
	gate := confirm.NewGate(st, dispatcher, policy, hub, logger,
		confirm.WithTTL(cfg.confirmationTTL()))

	// Planner and executor.
	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return fmt.Errorf("validator: %w", err)
	}
	interp := expressions.NewInterpolator(vault)
	var plannerOpts []planner.Option
	if cfg.MaxPlanSteps > 0 {
		plannerOpts = append(plannerOpts, planner.WithMaxSteps(cfg.MaxPlanSteps))
	}
	pl := planner.NewPlanner(llmClient, validator, registry, logger, plannerOpts...)
	eng := engine.NewEngine(st, llmClient, validator, pl, dispatcher, gate, interp, hub, logger,
		engine.Config{WorkflowTTL: cfg.workflowTTL()})

	// Background loops: recurring requests and confirmation expiry.
	sched := scheduler.NewScheduler(st, eng, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer func() { _ = sched.Stop() }()

	sweeper := confirm.NewSweeper(st, hub, logger, 0)
	go sweeper.Run(ctx)

	// MCP surface over stdio.
	srv := mcp.NewAideServer(mcp.AideServerDeps{
		Executor: eng,
		Gate:     gate,
		Store:    st,
		Hub:      hub,
		Logger:   logger,
	})
	go func() {
		if pumpErr := srv.PumpEvents(ctx); pumpErr != nil && ctx.Err() == nil {
			logger.Warn("event pump stopped", slog.String("error", pumpErr.Error()))
		}
	}()

	logger.Info("aide started",
		slog.String("version", version),
		slog.String("db", cfg.DBPath),
		slog.Int("tools", registry.Count()))

	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	// Logs go to stderr; stdout carries the MCP stdio transport.
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
