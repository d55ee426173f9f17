package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pingcrew/internal/agent"
	"pingcrew/internal/bus"
	"pingcrew/internal/channel"
	"pingcrew/internal/config"
	"pingcrew/internal/domain"
	"pingcrew/internal/memory"
	"pingcrew/internal/metrics"
	"pingcrew/internal/tool"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func agentCmd() *cobra.Command {
	var headless bool
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Start the supervised agent loop (CLI + optional Telegram)",
		Long: `Starts the tool-invocation agent under a supervisor that restarts it with
backoff when it fails. Commands are read from the terminal and, when enabled,
from Telegram. Press Ctrl+C to stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(headless)
		},
	}
	cmd.Flags().BoolVar(&headless, "headless", false, "do not read commands from the terminal")
	return cmd
}

// registerTools creates the tool registry with the probe tool and, when
// enabled, web search for crew agents.
func registerTools(cfg *config.Config) (*tool.Registry, error) {
	toolReg := tool.NewRegistry(logger)
	err := toolReg.Register(tool.NewPingTool(tool.PingConfig{
		Binary:  cfg.Probe.Binary,
		Count:   cfg.Probe.Count,
		Timeout: cfg.Probe.Timeout(),
		Logger:  logger,
	}))
	if err != nil {
		return nil, err
	}
	if cfg.Tools.Web.Enabled {
		err := toolReg.Register(tool.NewWebSearchTool(tool.WebSearchConfig{
			Endpoint:   cfg.Tools.Web.SearchEndpoint,
			MaxResults: cfg.Tools.Web.MaxResults,
			Logger:     logger,
		}))
		if err != nil {
			return nil, err
		}
	}
	return toolReg, nil
}

// openStore opens the probe history when enabled and prunes expired rows.
func openStore(ctx context.Context, cfg *config.Config) (*memory.SQLiteStore, error) {
	if !cfg.Memory.Enabled {
		return nil, nil
	}
	store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("memory store: %w", err)
	}
	cutoff := time.Now().AddDate(0, 0, -cfg.Memory.RetentionDays)
	if _, err := store.PruneOlderThan(ctx, cutoff); err != nil {
		logger.Warn("prune history failed", "err", err)
	}
	return store, nil
}

func newDispatcher(cfg *config.Config, store *memory.SQLiteStore, m *metrics.Collector) (*agent.Dispatcher, error) {
	tools, err := registerTools(cfg)
	if err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	var recorder agent.ProbeRecorder
	if store != nil {
		recorder = store
	}
	return agent.NewDispatcher(agent.DispatcherConfig{
		Tools:    tools,
		Recorder: recorder,
		Metrics:  m,
		Logger:   logger,
	}), nil
}

func restartPolicy(sc config.SupervisorConfig) agent.RestartPolicy {
	return agent.RestartPolicy{
		MaxRestarts:   sc.MaxRestarts,
		InitialDelay:  time.Duration(sc.InitialDelayMs) * time.Millisecond,
		MaxDelay:      time.Duration(sc.MaxDelayMs) * time.Millisecond,
		BackoffFactor: sc.BackoffFactor,
		ResetAfter:    time.Duration(sc.ResetAfterSeconds) * time.Second,
	}
}

// superviseChannel restarts a channel's receive loop with the agent's
// backoff policy when it fails.
func superviseChannel(ch domain.Channel, b domain.MessageBus, p agent.RestartPolicy, m *metrics.Collector) *agent.Supervisor {
	return agent.NewSupervisor(agent.SupervisorConfig{
		Name:    ch.Name(),
		Run:     func(ctx context.Context) error { return ch.Start(ctx, b) },
		Policy:  p,
		Metrics: m,
		Logger:  logger,
	})
}

func runAgent(headless bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	messageBus := bus.New(cfg.Agent.BusBuffer, logger)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	collector := metrics.New()
	if cfg.Agent.MetricsAddr != "" {
		go func() {
			if err := collector.Serve(ctx, cfg.Agent.MetricsAddr, logger); err != nil {
				logger.Error("metrics endpoint error", "err", err)
			}
		}()
	}

	dispatcher, err := newDispatcher(cfg, store, collector)
	if err != nil {
		return err
	}
	agentLoop := agent.NewLoop(agent.LoopConfig{
		Dispatcher:    dispatcher,
		Bus:           messageBus,
		Logger:        logger,
		Concurrency:   cfg.Agent.MaxConcurrent,
		RateBurst:     cfg.Agent.RateBurst,
		RatePerMinute: cfg.Agent.RatePerMinute,
		Metrics:       collector,
	})

	supervisor := agent.NewSupervisor(agent.SupervisorConfig{
		Name:    "agent-loop",
		Run:     agentLoop.Run,
		Policy:  restartPolicy(cfg.Supervisor),
		Metrics: collector,
		Logger:  logger,
	})

	supDone := make(chan error, 1)
	go func() { supDone <- supervisor.Run(ctx) }()

	var channels []domain.Channel
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		channels = append(channels, channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			Logger:    logger,
		}))
	} else {
		logger.Info("telegram channel disabled")
	}
	if cfg.Channels.CLI.Enabled && !headless {
		channels = append(channels, channel.NewCLI(channel.CLIConfig{Logger: logger}))
	}

	for _, ch := range channels {
		sup := superviseChannel(ch, messageBus, restartPolicy(cfg.Supervisor), collector)
		go func(ch domain.Channel) {
			if err := sup.Run(ctx); err != nil {
				logger.Error("channel stopped", "channel", ch.Name(), "err", err)
			}
			// Leaving the REPL ends the session.
			if ch.Name() == "cli" {
				cancel()
			}
		}(ch)
		logger.Info("channel enabled", "channel", ch.Name())
	}

	logger.Info("agent started. Press Ctrl+C to stop.")

	var runErr error
	finished := false
	select {
	case <-ctx.Done():
	case runErr = <-supDone:
		finished = true
	}
	logger.Info("shutting down agent...")
	cancel()
	for _, ch := range channels {
		if err := ch.Stop(); err != nil {
			logger.Warn("channel stop failed", "channel", ch.Name(), "err", err)
		}
	}
	messageBus.Close()

	if !finished {
		select {
		case runErr = <-supDone:
			logger.Info("shutdown complete")
		case <-time.After(shutdownTimeout):
			logger.Warn("shutdown timed out, forcing exit")
			return fmt.Errorf("shutdown timed out")
		}
	}
	return runErr
}
