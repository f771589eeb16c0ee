package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/ussdgate/internal/bus"
	"github.com/nextlevelbuilder/ussdgate/internal/channels"
	"github.com/nextlevelbuilder/ussdgate/internal/config"
	httpapi "github.com/nextlevelbuilder/ussdgate/internal/http"
	"github.com/nextlevelbuilder/ussdgate/internal/logger"
	"github.com/nextlevelbuilder/ussdgate/internal/router"
	"github.com/nextlevelbuilder/ussdgate/internal/tracing"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the session router (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

// setupLogging installs the default slog logger. -v forces debug.
func setupLogging(cfg *config.Config) {
	opts := logger.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format}
	if verbose {
		opts.Level = "debug"
		opts.AddSource = true
	}
	l, err := logger.New(os.Stdout, opts)
	if err != nil {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))
		slog.Warn("invalid logging config, using defaults", "error", err)
		return
	}
	slog.SetDefault(l)
}

// loadGatewayConfig loads and validates the config, exiting on failure.
func loadGatewayConfig() (*config.Config, config.Durations) {
	cfgPath := resolveConfigPath()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	setupLogging(cfg)

	if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) && canAutoOnboard() {
		if !runAutoOnboard(cfgPath) {
			os.Exit(1)
		}
		if cfg, err = config.Load(cfgPath); err != nil {
			slog.Error("failed to reload config", "path", cfgPath, "error", err)
			os.Exit(1)
		}
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateChannels(); err != nil {
		slog.Error("invalid channel config", "path", cfgPath, "error", err)
		fmt.Println()
		fmt.Println("Run the setup wizard to write a config:  ussdgate onboard")
		os.Exit(1)
	}
	durations, err := cfg.ParseDurations()
	if err != nil {
		slog.Error("invalid config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	return cfg, durations
}

func setupTracing(ctx context.Context, cfg *config.Config) tracing.ShutdownFunc {
	if !cfg.Telemetry.Enabled {
		return nil
	}
	shutdown, err := tracing.Setup(ctx, tracing.Options{
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     Version,
		Headers:     cfg.Telemetry.Headers,
	})
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
		return nil
	}
	slog.Info("tracing enabled", "endpoint", cfg.Telemetry.Endpoint, "protocol", cfg.Telemetry.Protocol)
	return shutdown
}

func runGateway() {
	cfg, durations := loadGatewayConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if shutdown := setupTracing(ctx, cfg); shutdown != nil {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				slog.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	if err := checkPostgresSchema(ctx, cfg); err != nil {
		slog.Error("session store schema not ready", "error", err)
		os.Exit(1)
	}

	sessionStore, err := openSessionStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open session store", "backend", cfg.Sessions.Backend, "error", err)
		os.Exit(1)
	}
	defer sessionStore.Close()

	registry, err := buildRegistry(cfg, durations)
	if err != nil {
		slog.Error("failed to register applications", "error", err)
		os.Exit(1)
	}

	rt := router.New(sessionStore, registry, router.Options{
		Seed:          cfg.Sessions.Seed,
		ResetCommand:  cfg.Router.ResetCommand,
		WelcomeHeader: cfg.Router.WelcomeHeader,
	})

	msgBus := bus.New()
	channelMgr := channels.NewManager(msgBus)
	if err := registerChannels(cfg, durations, rt, channelMgr, msgBus); err != nil {
		slog.Error("failed to create channels", "error", err)
		os.Exit(1)
	}

	sweeper, err := setupSweeper(cfg, durations, sessionStore)
	if err != nil {
		slog.Error("invalid sweeper config", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := channelMgr.StartAll(gctx); err != nil {
		slog.Error("failed to start channels", "error", err)
		channelMgr.StopAll(context.Background())
		os.Exit(1)
	}

	g.Go(func() error {
		consumeInboundMessages(gctx, cfg, msgBus, newProcessor(cfg, durations, rt, channels.Outbox{Bus: msgBus}))
		return nil
	})
	if sweeper != nil {
		g.Go(func() error { return sweeper.Run(gctx) })
	}
	if cfg.HTTP.Enabled {
		admin := httpapi.NewServer(cfg.HTTP.Addr(), cfg.HTTP.Token, Version, channelMgr, registry, sessionStore)
		g.Go(func() error { return admin.Start(gctx) })
	}

	slog.Info("ussdgate gateway starting",
		"version", Version,
		"config_hash", cfg.Hash(),
		"backend", cfg.Sessions.Backend,
		"apps", len(registry.List()),
		"channels", channelMgr.GetEnabledChannels(),
	)

	<-gctx.Done()
	slog.Info("graceful shutdown initiated")

	// Closing the bus first releases a bridge listener blocked on a full
	// inbound queue, so its Stop can return.
	msgBus.Close()
	if err := channelMgr.StopAll(context.Background()); err != nil {
		slog.Warn("channel shutdown", "error", err)
	}

	if err := g.Wait(); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
	slog.Info("ussdgate gateway stopped")
}
