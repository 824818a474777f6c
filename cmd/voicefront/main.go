// Command voicefront is the main entry point for the Voicefront realtime
// voice bridge.
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

	"github.com/joho/godotenv"

	"github.com/voicefront/voicefront/internal/config"
	"github.com/voicefront/voicefront/internal/observe"
	"github.com/voicefront/voicefront/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	// A local .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicefront: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicefront: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voicefront starting",
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"tls", cfg.Server.TLS != nil,
	)

	// ── Signal handling ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ──────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	// ── Server ─────────────────────────────────────────────────────────────────
	srv, err := server.New(cfg, logger, observe.DefaultMetrics())
	if err != nil {
		slog.Error("server init failed", "error", err)
		return 1
	}

	// ── Config hot-reload ──────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		logLevel.Set(slogLevel(next.Server.LogLevel))
		instructions, err := next.DefaultInstructions()
		if err != nil {
			slog.Warn("reload: keeping previous call instructions", "error", err)
			return
		}
		srv.SetCallInstructions(instructions)
	})
	if err != nil {
		slog.Error("config watcher init failed", "error", err)
		return 1
	}
	defer watcher.Stop()

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil {
		slog.Error("server stopped", "error", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// newLogger builds the process-wide slog logger. The returned LevelVar lets
// the config watcher adjust verbosity without restarting.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	v := new(slog.LevelVar)
	v.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: v})), v
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
