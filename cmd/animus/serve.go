package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/animusworks/animus/internal/awareness"
	"github.com/animusworks/animus/internal/bus"
	"github.com/animusworks/animus/internal/config"
	"github.com/animusworks/animus/internal/control"
	"github.com/animusworks/animus/internal/engine"
	"github.com/animusworks/animus/internal/focus"
	"github.com/animusworks/animus/internal/llm"
	"github.com/animusworks/animus/internal/otel"
	"github.com/animusworks/animus/internal/pulse"
	"github.com/animusworks/animus/internal/sandbox"
	"github.com/animusworks/animus/internal/skills"
	"github.com/animusworks/animus/internal/store"
	"github.com/animusworks/animus/internal/telemetry"
	"github.com/animusworks/animus/internal/tools"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var facultiesDir string
	var maxConcurrent int
	var quiet bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(facultiesDir, maxConcurrent, quiet)
		},
	}
	cmd.Flags().StringVar(&facultiesDir, "faculties", "", "faculty TOML directory (default <home>/faculties)")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "global concurrent focus cap")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "log to file only")
	return cmd
}

func serve(facultiesDir string, maxConcurrent int, quiet bool) error {
	cfg, err := config.Load(homeDirFlag)
	if err != nil {
		return err
	}
	if facultiesDir != "" {
		cfg.FacultiesDir = facultiesDir
	}
	if maxConcurrent > 0 {
		cfg.MaxConcurrent = maxConcurrent
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()

	eventBus := bus.New()
	st, err := store.Open(cfg.DatabaseURL, eventBus)
	if err != nil {
		return err
	}
	defer st.Close()

	faculties, err := config.LoadFaculties(cfg.FacultiesDir, logger)
	if err != nil {
		return err
	}
	st.SetMaxAttemptsResolver(func(name string) int {
		if f := faculties.Get(name); f != nil {
			return f.Recover.MaxAttempts
		}
		return 0
	})
	for _, name := range faculties.Names() {
		if err := st.CreateQueue(ctx, name); err != nil {
			return err
		}
	}

	skillMgr, err := skills.NewManager(cfg.SkillsDir, logger)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry(logger)
	if err := tools.RegisterLedgerTools(registry, st); err != nil {
		return err
	}
	if err := tools.RegisterChildWorkTools(registry, st, eventBus, cfg.MaxChildDepth); err != nil {
		return err
	}
	if err := tools.RegisterSkillTools(registry, skillMgr, st); err != nil {
		return err
	}

	// execute_code needs Docker; without it the tool stays unregistered
	// and faculties asking for code execution get unknown_tool results.
	if sandboxCfg, wanted := sandboxConfig(cfg, faculties); wanted {
		executor := hookAwareExecutor(registry, faculties, logger)
		supervisor, err := sandbox.New(sandboxCfg, executor, logger)
		if err != nil {
			logger.Warn("sandbox unavailable, execute_code disabled", "error", err)
		} else {
			defer supervisor.Close()
			if err := tools.RegisterCodeExecution(registry, supervisor, maxCodeTimeout(faculties)); err != nil {
				return err
			}
		}
	}

	apiKey := cfg.APIKey()
	if apiKey == "" {
		logger.Warn("no LLM credential configured; internal engage will fail",
			"env", cfg.AnthropicAPIKeyEnv)
	}
	client := llm.NewAnthropicClient(apiKey, logger)

	focusDeps := focus.Deps{
		Store:            st,
		Bus:              eventBus,
		Client:           client,
		Registry:         registry,
		Skills:           skillMgr,
		Awareness:        awareness.NewBuilder(st, logger),
		Logger:           logger,
		BaseDir:          filepath.Join(cfg.HomeDir, "foci"),
		MaxAutoActivated: cfg.MaxAutoActivated,
	}

	plane := control.New(st, eventBus, faculties, focusDeps, control.Options{
		MaxConcurrent:     cfg.MaxConcurrent,
		VisibilitySeconds: cfg.VisibilitySeconds,
		DrainTimeout:      time.Duration(cfg.DrainTimeoutSeconds) * time.Second,
	}, logger)

	pulses := pulse.New(st, faculties, time.Minute, logger)
	pulses.Start(ctx)
	defer pulses.Stop()

	if cfg.SkillsHotReload {
		go func() {
			if err := skillMgr.Watch(ctx, logger); err != nil && ctx.Err() == nil {
				logger.Warn("skills watcher exited", "error", err)
			}
		}()
	}
	go func() {
		if err := config.WatchFaculties(ctx, cfg.FacultiesDir, faculties, logger); err != nil && ctx.Err() == nil {
			logger.Warn("faculty watcher exited", "error", err)
		}
	}()

	logger.Info("animus serving",
		"faculties", faculties.Names(),
		"max_concurrent", cfg.MaxConcurrent,
		"skills", len(skillMgr.All()))
	return plane.Run(ctx)
}

// sandboxConfig reports whether any faculty wants code execution and the
// largest resource envelope among them.
func sandboxConfig(cfg *config.Config, faculties *config.Registry) (sandbox.Config, bool) {
	out := sandbox.Config{Image: cfg.Sandbox.Image, Network: cfg.Sandbox.Network}
	wanted := false
	for _, f := range faculties.All() {
		if !f.Engage.CodeExecution {
			continue
		}
		wanted = true
		if f.Engage.CodeExecutionMemory > out.MemoryMB {
			out.MemoryMB = f.Engage.CodeExecutionMemory
		}
		if f.Engage.CodeExecutionCPUs > out.CPUs {
			out.CPUs = f.Engage.CodeExecutionCPUs
		}
	}
	return out, wanted
}

func maxCodeTimeout(faculties *config.Registry) time.Duration {
	max := time.Duration(0)
	for _, f := range faculties.All() {
		if f.Engage.CodeExecution && f.Engage.CodeExecutionTimeout.Duration > max {
			max = f.Engage.CodeExecutionTimeout.Duration
		}
	}
	return max
}

// hookAwareExecutor routes sandbox SDK tool calls through the same hook
// pipeline as direct calls, so they are indistinguishable to the engine.
func hookAwareExecutor(registry *tools.Registry, faculties *config.Registry, logger *slog.Logger) sandbox.ToolExecutor {
	return func(ctx context.Context, name string, input json.RawMessage, auth tools.AuthContext) *tools.Result {
		fac := faculties.Get(auth.Faculty)
		if fac == nil {
			return registry.Execute(ctx, name, input, auth)
		}
		runner := engine.NewHookRunner(fac, auth, nil)
		decision, err := runner.BeforeToolCall(ctx, name, input)
		if err != nil {
			return tools.Errorf(tools.ErrorTypeExecution, "hook pipeline: %v", err)
		}
		if decision.Blocked {
			return tools.Errorf(tools.ErrorTypeBlocked, "blocked by hook: %s", decision.Reason)
		}
		if len(decision.InputPatch) > 0 {
			input = decision.InputPatch
		}
		result := registry.Execute(ctx, name, input, auth)
		patched, err := runner.AfterToolCall(ctx, name, result)
		if err != nil {
			logger.Warn("after_tool_call hook failed for sandbox call", "tool", name, "error", err)
			return result
		}
		return patched
	}
}
