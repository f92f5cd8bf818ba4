package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relaybot/internal/agent"
	"relaybot/internal/channel"
	"relaybot/internal/config"
	"relaybot/internal/dispatch"
	"relaybot/internal/metrics"
	"relaybot/internal/pipeline"
	"relaybot/internal/provider"
	"relaybot/internal/retry"
	"relaybot/internal/store"

	"github.com/spf13/cobra"
)

var (
	version    = "0.3.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "relaybot",
		Short: "relaybot: messaging-channel AI reply gateway",
		Long:  "relaybot ingests events from WhatsApp, Telegram, and Discord, and replies through a bounded model orchestration loop.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.relaybot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(versionCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(installDaemonCmd())
	root.AddCommand(uninstallDaemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config directory with defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists: %s", cfgPath)
			}
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("relaybot", version)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show config and provider status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", cfgPath, "loaded", true)
			}
			ctx := context.Background()
			factory := provider.NewFactory(cfg, logger)
			prov, err := factory.DefaultProvider()
			if err != nil {
				logger.Info("provider", "healthy", false, "err", err)
				return nil
			}
			if err := prov.Healthy(ctx); err != nil {
				logger.Info("provider", "name", prov.Name(), "healthy", false, "err", err)
			} else {
				logger.Info("provider", "name", prov.Name(), "healthy", true)
			}
			return nil
		},
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start all enabled channels and the event pipeline",
		Long:  "Starts the WhatsApp webhook server, Telegram long poller, and Discord gateway session, feeding events through the reply pipeline. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := setupLogger(cfg.General); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventStore, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return fmt.Errorf("event store: %w", err)
	}
	defer eventStore.Close()

	guard := pipeline.NewGuard(eventStore, logger)
	go guard.RunPruner(ctx,
		time.Duration(cfg.Store.DedupRetentionDays)*24*time.Hour,
		time.Duration(cfg.Store.PruneIntervalMinutes)*time.Minute)

	provFactory := provider.NewFactory(cfg, logger)
	prov, err := provFactory.DefaultProvider()
	if err != nil || prov == nil {
		logger.Warn("no default provider, falling back to ollama")
		prov = provider.NewOllama(provider.OllamaConfig{Logger: logger})
	}
	if err := prov.Healthy(ctx); err != nil {
		logger.Warn("default provider unhealthy at startup", "provider", prov.Name(), "err", err)
	} else {
		logger.Info("provider healthy", "provider", prov.Name())
	}

	profile, err := agent.LoadProfile(cfg.Agent.ProfilePath, logger)
	if err != nil {
		return fmt.Errorf("agent profile: %w", err)
	}

	registry := metrics.NewRegistry()
	pipeMetrics := metrics.NewPipelineMetrics(registry)

	policy := retry.Policy{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: time.Duration(cfg.Retry.InitialDelayMs) * time.Millisecond,
		Multiplier:   cfg.Retry.Multiplier,
	}

	orch := agent.NewOrchestrator(agent.Config{
		Provider:      prov,
		Reader:        eventStore,
		Tools:         agent.NewToolset(eventStore, logger),
		Profile:       profile,
		Policy:        policy,
		Observer:      pipeMetrics,
		Logger:        logger,
		HistoryWindow: cfg.General.HistoryWindow,
		MaxTokens:     cfg.Agent.MaxTokens,
		Temperature:   cfg.Agent.Temperature,
		RatePerMinute: cfg.Agent.RatePerMinute,
		RateBurst:     cfg.Agent.RateBurst,
	})

	dispatcher := dispatch.NewDispatcher(eventStore, policy, logger)

	queue := pipeline.NewKeyedQueue()
	pipe := pipeline.New(pipeline.Config{
		Store:    eventStore,
		Guard:    guard,
		Queue:    queue,
		Replyer:  orch,
		Sender:   dispatcher,
		Metrics:  pipeMetrics,
		Logger:   logger,
		Deadline: time.Duration(cfg.General.EventDeadlineSeconds) * time.Second,
		Base:     ctx,
	})

	if cfg.Channels.WhatsApp.Enabled {
		wa := channel.NewWhatsApp(cfg.Channels.WhatsApp, logger)
		dispatcher.RegisterTransport(wa)
		go func() {
			if err := wa.Start(ctx, pipe); err != nil {
				logger.Error("whatsapp channel error", "err", err)
			}
		}()
		logger.Info("whatsapp channel enabled", "addr", cfg.Channels.WhatsApp.ListenAddr)
	} else {
		logger.Info("whatsapp channel disabled")
	}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg := channel.NewTelegram(cfg.Channels.Telegram, logger)
		dispatcher.RegisterTransport(tg)
		go func() {
			if err := tg.Start(ctx, pipe); err != nil {
				logger.Error("telegram channel error", "err", err)
			}
		}()
		logger.Info("telegram channel enabled")
	} else {
		logger.Info("telegram channel disabled")
	}

	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		dc := channel.NewDiscord(cfg.Channels.Discord, logger)
		dispatcher.RegisterTransport(dc)
		go func() {
			if err := dc.Start(ctx, pipe); err != nil {
				logger.Error("discord channel error", "err", err)
			}
		}()
		logger.Info("discord channel enabled")
	} else {
		logger.Info("discord channel disabled")
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.ListenAddr, registry, logger); err != nil {
				logger.Error("metrics server error", "err", err)
			}
		}()
	}

	logger.Info("relaybot started. Press Ctrl+C to stop.")

	// Block until shutdown signal
	<-ctx.Done()
	logger.Info("shutting down...")

	// Graceful shutdown with timeout: let queued replies drain.
	const shutdownTimeout = 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		queue.Wait()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

// setupLogger rebuilds the global logger from config: level, and optionally
// a log file instead of stderr.
func setupLogger(gc config.GeneralConfig) error {
	var level slog.Level
	switch gc.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("unknown log level: %s", gc.LogLevel)
	}

	out := os.Stderr
	if gc.LogFile != "" {
		f, err := os.OpenFile(gc.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out = f
	}

	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	return nil
}
