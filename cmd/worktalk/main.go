// Command worktalk is the stateful voice-and-text gateway between mobile
// clients and Claude.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/worktalk/worktalk/internal/app"
	"github.com/worktalk/worktalk/internal/config"
	"github.com/worktalk/worktalk/pkg/provider/stt/whisper"
	openaitts "github.com/worktalk/worktalk/pkg/provider/tts/openai"
	"github.com/worktalk/worktalk/pkg/provider/vad/energy"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn or error")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(*logLevel))

	// ── Load configuration ────────────────────────────────────────────────────
	if _, err := os.Stat(*configPath); errors.Is(err, fs.ErrNotExist) {
		slog.Info("config file not found, using defaults and environment",
			"path", *configPath,
			"hint", "copy configs/example.yaml to get started")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worktalk: %v\n", err)
		return 1
	}

	slog.Info("worktalk starting",
		"config", *configPath,
		"listen_addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"log_level", *logLevel,
	)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, closeProviders, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	defer closeProviders()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProviders instantiates the optional voice providers named in cfg. The
// returned close function releases provider resources; call it after the
// application has shut down.
func buildProviders(cfg *config.Config) (*app.Providers, func(), error) {
	ps := &app.Providers{}
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	// ── STT: local whisper.cpp model ──────────────────────────────────────────
	if cfg.STT.ModelPath != "" {
		p, err := whisper.New(cfg.STT.ModelPath, whisper.WithLanguage(cfg.STT.Language))
		if err != nil {
			return nil, nil, fmt.Errorf("create stt provider: %w", err)
		}
		ps.STT = p
		closers = append(closers, func() {
			if err := p.Close(); err != nil {
				slog.Warn("whisper close error", "err", err)
			}
		})
		slog.Info("provider created", "kind", "stt", "name", "whisper",
			"model", cfg.STT.ModelPath, "language", cfg.STT.Language)
	} else {
		slog.Info("stt disabled, no whisper model path configured")
	}

	// ── TTS: OpenAI speech API ────────────────────────────────────────────────
	if cfg.OpenAIAPIKey != "" {
		opts := []openaitts.Option{
			openaitts.WithModel(cfg.TTS.Model),
			openaitts.WithVoice(cfg.TTS.Voice),
			openaitts.WithSpeed(cfg.TTS.Speed),
		}
		if cfg.TTS.Instructions != "" {
			opts = append(opts, openaitts.WithInstructions(cfg.TTS.Instructions))
		}
		p, err := openaitts.New(cfg.OpenAIAPIKey, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("create tts provider: %w", err)
		}
		ps.TTS = p
		slog.Info("provider created", "kind", "tts", "name", "openai",
			"model", cfg.TTS.Model, "voice", cfg.TTS.Voice)
	} else {
		slog.Info("tts disabled, OPENAI_API_KEY not set")
	}

	// ── VAD: energy gate over microphone frames ───────────────────────────────
	ps.VAD = energy.New()

	return ps, closeAll, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         worktalk — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Claude", cfg.Claude.Model)
	if cfg.STT.ModelPath != "" {
		printRow("STT", "whisper / "+cfg.STT.ModelSize)
	} else {
		printRow("STT", "(disabled)")
	}
	if cfg.OpenAIAPIKey != "" {
		printRow("TTS", cfg.TTS.Model+" / "+cfg.TTS.Voice)
	} else {
		printRow("TTS", "(disabled)")
	}
	printRow("VAD", "energy")
	fmt.Printf("║  Workspaces      : %-19d ║\n", len(cfg.Workspaces))
	if cfg.WorkspaceRoot != "" {
		printRow("Sandbox", cfg.WorkspaceRoot)
	} else {
		printRow("Sandbox", "(none)")
	}
	printRow("Listen addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
