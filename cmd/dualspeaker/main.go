// Command dualspeaker runs one party of a two-person WebRTC audio room and
// exposes its session over a small HTTP control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Yagasaki7K/dualspeaker/internal/app"
	"github.com/Yagasaki7K/dualspeaker/internal/config"
	"github.com/Yagasaki7K/dualspeaker/internal/observe"
)

const defaultConfigPath = "dualspeaker.yaml"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", defaultConfigPath, "path to the YAML configuration file")
	createRoom := flag.String("create", "", "create this room once the microphone is ready")
	joinRoom := flag.String("join", "", "join this room once the microphone is ready")
	flag.Parse()

	if *createRoom != "" && *joinRoom != "" {
		fmt.Fprintln(os.Stderr, "dualspeaker: -create and -join are mutually exclusive")
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, watchable, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dualspeaker: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("dualspeaker starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"backend", cfg.Signaling.Backend,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:      cfg.Telemetry.ServiceName,
		SignalingBackend: string(cfg.Signaling.Backend),
		Serving:          cfg.Signaling.Serve,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	printStartupSummary(cfg, *createRoom, *joinRoom)

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{app.WithLogger(logger)}
	if *createRoom != "" {
		opts = append(opts, app.WithAutoCreate(*createRoom))
	}
	if *joinRoom != "" {
		opts = append(opts, app.WithAutoJoin(*joinRoom))
	}
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if watchable {
		w, err := config.NewWatcher(*configPath, func(_, next *config.Config, diff config.ConfigDiff) {
			if diff.LogLevelChanged {
				level.Set(slogLevel(diff.NewLogLevel))
				slog.Info("log level changed", "level", diff.NewLogLevel)
			}
			application.ApplyConfig(next, diff)
		}, config.WithWatcherLogger(logger))
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("ready; press Ctrl+C to shut down")

	exit := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return exit
}

// loadConfig reads path. A missing file at the default location falls back
// to the built-in defaults; the returned flag reports whether the file can
// be watched.
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	switch {
	case err == nil:
		return cfg, true, nil
	case errors.Is(err, os.ErrNotExist) && path == defaultConfigPath:
		return config.Default(), false, nil
	case errors.Is(err, os.ErrNotExist):
		return nil, false, fmt.Errorf("config file %q not found", path)
	default:
		return nil, false, err
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, create, join string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       dualspeaker startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Listen addr", cfg.Server.ListenAddr)
	signalingRow := string(cfg.Signaling.Backend)
	if cfg.Signaling.Serve {
		signalingRow += " (serving " + cfg.Signaling.ServePath + ")"
	}
	printRow("Signaling", signalingRow)
	printRow("STUN servers", fmt.Sprintf("%d", len(cfg.Endpoint.STUNServers)))
	printRow("Capture", orDefault(cfg.Capture.Source, "(silence)"))
	printRow("Remote sink", orDefault(cfg.Capture.Sink, "(discarded)"))
	dtx := cfg.Bandwidth.DTX != nil && *cfg.Bandwidth.DTX
	printRow("Max bitrate", fmt.Sprintf("%d bps dtx=%t", cfg.Bandwidth.MaxBitrate, dtx))
	switch {
	case create != "":
		printRow("Action", "create "+create)
	case join != "":
		printRow("Action", "join "+join)
	default:
		printRow("Action", "(wait for API)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-14s : %-19s ║\n", label, value)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

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
