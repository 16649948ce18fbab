// Command livetutor serves the voice math tutor: a browser page whose
// microphone and speaker are bridged to a realtime speech-to-speech model.
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

	"github.com/MrWong99/livetutor/internal/app"
	"github.com/MrWong99/livetutor/internal/config"
	"github.com/MrWong99/livetutor/internal/observe"
	"github.com/MrWong99/livetutor/pkg/provider/s2s"
	geminilive "github.com/MrWong99/livetutor/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/livetutor/pkg/provider/s2s/openai"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload session settings and log level when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livetutor: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livetutor: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("livetutor starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.Setup(ctx, observe.Options{Version: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, logger)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithMetrics(tel.Metrics),
		app.WithMetricsHandler(tel.Handler),
	}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath, 0))
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")

	code := 0
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		code = 1
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the realtime backends that ship with
// livetutor into reg.
func registerBuiltinProviders(reg *config.Registry, logger *slog.Logger) {
	reg.Register("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []geminilive.Option{geminilive.WithLogger(logger)}
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		if ka := optString(entry.Options, "keepalive"); ka != "" {
			d, err := time.ParseDuration(ka)
			if err != nil {
				return nil, fmt.Errorf("options.keepalive: %w", err)
			}
			opts = append(opts, geminilive.WithKeepalive(d))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.Register("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []oais2s.Option{oais2s.WithLogger(logger)}
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered provider", "name", name)
	}
}

// buildProviders instantiates the primary and fallback backends named in cfg.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	all, err := reg.CreateAll(cfg.Provider)
	if err != nil {
		return nil, err
	}
	for _, p := range all {
		slog.Info("provider created", "name", p.Name())
	}
	return &app.Providers{S2S: all[0], Fallbacks: all[1:]}, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	tmpl := app.SessionTemplate(cfg.Session)
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        livetutor startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", describe(cfg.Provider.ProviderEntry))
	for i, fb := range cfg.Provider.Fallbacks {
		printRow(fmt.Sprintf("Fallback %d", i+1), describe(fb))
	}
	printRow("Voice", tmpl.Voice)
	printRow("Capture", fmt.Sprintf("%d Hz / %d", tmpl.InputSampleRate, tmpl.BlockSize))
	printRow("Playback", fmt.Sprintf("%d Hz", tmpl.OutputSampleRate))
	printRow("Listen addr", cfg.Server.ListenAddr)
	if cfg.Server.TLS != nil {
		printRow("TLS", "enabled")
	} else {
		printRow("TLS", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func describe(e config.ProviderEntry) string {
	if e.Model != "" {
		return e.Name + " / " + e.Model
	}
	return e.Name
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
