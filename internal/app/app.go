// Package app wires all livetutor subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the provider failover
// chain, the browser audio bridge, the session controller and the HTTP
// surface; Run serves until its context is cancelled; Shutdown tears
// everything down in order.
//
// For testing, inject test doubles via [Providers] and functional options
// (WithLogger, WithMetrics, etc.). When an option is not provided, New falls
// back to process-wide defaults.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livetutor/internal/config"
	"github.com/MrWong99/livetutor/internal/health"
	"github.com/MrWong99/livetutor/internal/observe"
	"github.com/MrWong99/livetutor/internal/resilience"
	"github.com/MrWong99/livetutor/internal/session"
	"github.com/MrWong99/livetutor/internal/web"
	"github.com/MrWong99/livetutor/pkg/audio/mixer"
	"github.com/MrWong99/livetutor/pkg/provider/s2s"
)

// drainTimeout bounds the HTTP drain when Run's context is cancelled.
const drainTimeout = 5 * time.Second

// Providers holds the realtime backends. S2S is required; Fallbacks are
// tried in order when S2S cannot be reached. Populated by main.go via the
// config registry.
type Providers struct {
	S2S       s2s.Provider
	Fallbacks []s2s.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	log            *slog.Logger
	level          *slog.LevelVar
	metrics        *observe.Metrics
	metricsHandler http.Handler
	mixerOpts      []mixer.Option
	configPath     string
	watchInterval  time.Duration

	// Subsystems, initialised in New and torn down in Shutdown.
	provider *resilience.S2SFallback
	bridge   *web.Bridge
	ctrl     *session.Controller
	health   *health.Handler
	srv      *http.Server
	watcher  *config.Watcher

	ready atomic.Bool
	addr  atomic.Value // net.Addr once listening

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the application logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar gives the app the level variable behind the logger so that
// config reloads can change verbosity.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithMixerOptions tunes the playback timelines opened for the page.
func WithMixerOptions(opts ...mixer.Option) Option {
	return func(a *App) { a.mixerOpts = append(a.mixerOpts, opts...) }
}

// WithConfigWatch enables hot reload of the config file at path, polled every
// interval. A zero interval uses the watcher's default.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchInterval = interval
	}
}

// New creates a new App from cfg. It builds all subsystems but does not start
// listening; call Run for that.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if providers == nil || providers.S2S == nil {
		return nil, errors.New("app: no realtime provider configured")
	}

	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── Provider failover ────────────────────────────────────────────────
	a.provider = resilience.NewS2SFallback(providers.S2S, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Resilience.MaxFailures,
			ResetTimeout: cfg.Resilience.ResetTimeout,
			Logger:       a.log,
		},
	})
	for _, fb := range providers.Fallbacks {
		a.provider.AddFallback(fb)
	}

	// ── Session ──────────────────────────────────────────────────────────
	a.bridge = web.NewBridge(web.WithBridgeLogger(a.log), web.WithMixerOptions(a.mixerOpts...))
	a.ctrl = session.New(a.provider, a.bridge.Microphone(), a.bridge.Speaker(), SessionTemplate(cfg.Session),
		session.WithLogger(a.log),
		session.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, func() error {
		a.ctrl.Stop()
		return nil
	})

	// ── HTTP surface ─────────────────────────────────────────────────────
	a.health = health.New(
		health.FuncCheck("listener", func() error {
			if !a.ready.Load() {
				return fmt.Errorf("%w: not serving", health.ErrNotReady)
			}
			return nil
		}),
		health.BreakerCheck(a.provider.States),
	)
	webOpts := []web.Option{
		web.WithLogger(a.log),
		web.WithMetrics(a.metrics),
		web.WithHealth(a.health),
		web.WithOriginPatterns(cfg.Server.AllowedOrigins...),
	}
	if a.metricsHandler != nil {
		webOpts = append(webOpts, web.WithMetricsHandler(a.metricsHandler))
	}
	a.srv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           otelhttp.NewHandler(web.New(a.ctrl, a.bridge, webOpts...).Handler(), "livetutor"),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	a.closers = append(a.closers, func() error {
		return a.srv.Close()
	})

	// ── Hot reload ───────────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig,
			config.WithInterval(a.watchInterval),
			config.WithWatcherLogger(a.log),
		)
		if err != nil {
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
		a.closers = append([]func() error{func() error {
			w.Stop()
			return nil
		}}, a.closers...)
	}

	a.log.Info("app initialised",
		"providers", a.provider.Backends(),
		"listen_addr", cfg.Server.ListenAddr,
		"hot_reload", a.watcher != nil,
	)
	return a, nil
}

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// Addr returns the bound listen address, or nil before Run has started
// listening.
func (a *App) Addr() net.Addr {
	v, _ := a.addr.Load().(net.Addr)
	return v
}

// Run listens on the configured address and serves until ctx is cancelled or
// the server fails. On cancellation it stops the session and drains HTTP
// before returning ctx's error.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	a.addr.Store(ln.Addr())
	a.ready.Store(true)
	a.log.Info("app running", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if tls := a.cfg.Server.TLS; tls != nil {
			return a.srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		}
		return a.srv.Serve(ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.ready.Store(false)
		a.ctrl.Stop()
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), drainTimeout)
		defer cancel()
		if err := a.srv.Shutdown(drainCtx); err != nil {
			a.log.Warn("http drain incomplete", "err", err)
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("app: serve: %w", err)
	}
	return ctx.Err()
}

// applyConfig is the watcher callback. Session settings and the log level
// take effect immediately; the rest only after a restart.
func (a *App) applyConfig(prev, next *config.Config) {
	d := config.Diff(prev, next)
	if d.SessionChanged {
		a.ctrl.SetTemplate(SessionTemplate(next.Session))
		a.log.Info("session template updated, applies to the next session")
	}
	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(d.NewLogLevel.Level())
			a.log.Info("log level changed", "level", d.NewLogLevel)
		} else {
			a.log.Warn("log level change ignored, logger is not reloadable")
		}
	}
	if d.RequiresRestart() {
		a.log.Warn("config change requires restart",
			"provider", d.ProviderChanged,
			"server", d.ServerChanged,
			"resilience", d.ResilienceChanged,
		)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		a.ready.Store(false)

		if err := a.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("http shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SessionTemplate converts the session section of the config into a
// controller template. Zero values keep the built-in defaults.
func SessionTemplate(sc config.SessionConfig) session.Template {
	t := session.DefaultTemplate()
	if sc.Voice != "" {
		t.Voice = sc.Voice
	}
	if sc.Instructions != "" {
		t.Instructions = sc.Instructions
	}
	if sc.InputSampleRate > 0 {
		t.InputSampleRate = sc.InputSampleRate
	}
	if sc.OutputSampleRate > 0 {
		t.OutputSampleRate = sc.OutputSampleRate
	}
	if sc.CaptureBlockSize > 0 {
		t.BlockSize = sc.CaptureBlockSize
	}
	if sc.InputTranscription != nil {
		t.InputTranscription = *sc.InputTranscription
	}
	if sc.OutputTranscription != nil {
		t.OutputTranscription = *sc.OutputTranscription
	}
	return t
}
