// Command cassette is a Discord voice-channel recording bot. It keeps a
// standing pre-buffer of recent audio per speaker and, on command, produces
// a multi-track Ogg/Opus file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ryliehm/cassette/internal/catalog"
	"github.com/ryliehm/cassette/internal/config"
	discordbot "github.com/ryliehm/cassette/internal/discord"
	"github.com/ryliehm/cassette/internal/discord/commands"
	"github.com/ryliehm/cassette/internal/health"
	"github.com/ryliehm/cassette/internal/observe"
	"github.com/ryliehm/cassette/internal/recorder"
	"github.com/ryliehm/cassette/internal/server"
	discordaudio "github.com/ryliehm/cassette/pkg/audio/discord"
)

// version is stamped by the build; "dev" otherwise.
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cassette: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cassette: %v\n", err)
		}
		return 1
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("cassette starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"output_dir", cfg.Recorder.OutputDir,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "cassette",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	manager := recorder.NewManager(recorder.ManagerConfig{
		Tuning:  cfg.Recorder.Tuning(),
		Metrics: metrics,
	})

	// Catalog is optional: without a DSN recordings only live on disk.
	var store *catalog.Store
	if cfg.Catalog.PostgresDSN != "" {
		store, err = catalog.New(ctx, cfg.Catalog.PostgresDSN)
		if err != nil {
			slog.Error("failed to open recording catalog", "err", err)
			return 1
		}
		slog.Info("recording catalog ready")
	}

	bot, err := discordbot.New(ctx, discordbot.Config{
		Token:          cfg.Discord.Token,
		GuildID:        cfg.Discord.GuildID,
		OperatorRoleID: cfg.Discord.OperatorRoleID,
	})
	if err != nil {
		slog.Error("failed to connect to Discord", "err", err)
		return 1
	}
	slog.Info("discord bot connected", "guild_id", cfg.Discord.GuildID)

	platform := discordaudio.New(bot.Session(), cfg.Discord.GuildID, manager)

	var cat commands.Cataloger
	if store != nil {
		cat = store
	}
	commands.NewRecordCommands(bot, manager, platform, cat)

	checkers := []health.Checker{{
		Name: "discord",
		Check: func(context.Context) error {
			if !bot.Session().DataReady {
				return errors.New("gateway not ready")
			}
			return nil
		},
	}}
	if store != nil {
		checkers = append(checkers, health.Checker{Name: "catalog", Check: store.Ping})
	}
	healthHandler := health.New(checkers...)

	srv := server.New(cfg.Server.ListenAddr, manager, healthHandler, metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bot.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	slog.Info("cassette ready — press Ctrl+C to shut down")

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	slog.Info("shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Finalize live recordings before tearing down the transport beneath them.
	if err := manager.Close(shutdownCtx); err != nil {
		slog.Warn("recorder close error", "err", err)
	}
	if err := platform.Leave(); err != nil {
		slog.Warn("voice leave error", "err", err)
	}
	if err := bot.Close(); err != nil {
		slog.Warn("discord bot close error", "err", err)
	}
	if store != nil {
		store.Close()
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
