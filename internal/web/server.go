// Package web is the presentation layer of livetutor: the tutoring page, the
// UI socket that carries both state updates and the page's audio, and a small
// JSON API over the session controller.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/livetutor/internal/health"
	"github.com/MrWong99/livetutor/internal/observe"
	"github.com/MrWong99/livetutor/internal/session"
)

// readLimit caps inbound UI socket frames. A 16384-sample float32 capture
// frame is 64 KiB.
const readLimit = 1 << 20

//go:embed static
var staticFiles embed.FS

// Controller is the session surface the web layer drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop()
	Snapshot() session.Snapshot
	Subscribe(fn func(session.Snapshot)) (cancel func())
}

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth mounts /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithOriginPatterns allows UI socket connections from the given host
// patterns in addition to the serving origin.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = append(s.origins, patterns...) }
}

// Server serves the tutoring page and its socket.
type Server struct {
	ctrl           Controller
	bridge         *Bridge
	log            *slog.Logger
	metrics        *observe.Metrics
	health         *health.Handler
	metricsHandler http.Handler
	origins        []string
}

// New returns a Server driving ctrl with audio from bridge. bridge must be the
// same Bridge whose devices ctrl was built with.
func New(ctrl Controller, bridge *Bridge, opts ...Option) *Server {
	s := &Server{ctrl: ctrl, bridge: bridge}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	static, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err) // embedded tree is fixed at build time
	}
	mux.Handle("GET /", http.FileServerFS(static))
	mux.HandleFunc("GET /ws", s.handleSocket)
	mux.HandleFunc("GET /api/session", s.handleGetSession)
	mux.HandleFunc("POST /api/session/start", s.handleStart)
	mux.HandleFunc("POST /api/session/stop", s.handleStop)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	return observe.Middleware(s.metrics, s.log)(mux)
}

// ── JSON API ──────────────────────────────────────────────────────────────────

func (s *Server) handleGetSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, NewView(s.ctrl.Snapshot()))
}

// handleStart runs Start synchronously. The page must be attached for the
// microphone request to be answered.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	err := s.ctrl.Start(r.Context())
	view := NewView(s.ctrl.Snapshot())
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, view)
	case errors.Is(err, session.ErrActive), errors.Is(err, session.ErrStopped):
		view.Error = err.Error()
		writeJSON(w, http.StatusConflict, view)
	default:
		var se *session.Error
		if errors.As(err, &se) {
			view.Error = se.Msg
		}
		writeJSON(w, http.StatusServiceUnavailable, view)
	}
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Stop()
	writeJSON(w, http.StatusOK, NewView(s.ctrl.Snapshot()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("web: encode response", "err", err)
	}
}

// ── UI socket ─────────────────────────────────────────────────────────────────

// handleSocket attaches the page, streams state to it and dispatches its
// messages until it disconnects. A newer page replaces this one; either way
// the running session is stopped because its devices are gone.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.log.Warn("ui socket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	log := observe.WithTrace(r.Context(), s.log.With("remote", r.RemoteAddr))
	c := newClient(r.Context(), conn, log)
	if prev := s.bridge.attach(c); prev != nil {
		log.Info("ui client replaced previous client")
		prev.shutdown()
		go func() { _ = prev.conn.Close(websocket.StatusPolicyViolation, "replaced by another client") }()
		s.ctrl.Stop()
	}
	log.Info("ui client connected")

	ctx := c.ctx
	s.metrics.UIClients.Add(ctx, 1)
	defer s.metrics.UIClients.Add(context.WithoutCancel(ctx), -1)

	updates := make(chan session.Snapshot, 1)
	unsubscribe := s.ctrl.Subscribe(func(snap session.Snapshot) { offer(updates, snap) })

	var wg sync.WaitGroup
	wg.Go(func() { s.pushState(c, updates) })

	s.readLoop(c)

	unsubscribe()
	c.shutdown()
	wg.Wait()
	if s.bridge.detach(c) {
		s.ctrl.Stop()
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	log.Info("ui client disconnected")
}

// offer replaces any pending snapshot with snap. Store subscribers are called
// one at a time, so offer never races with itself.
func offer(ch chan session.Snapshot, snap session.Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (s *Server) pushState(c *client, updates <-chan session.Snapshot) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case snap := <-updates:
			v := NewView(snap)
			v.Type = msgState
			if err := c.writeJSON(c.ctx, v); err != nil {
				c.log.Debug("state push failed", "err", err)
				return
			}
		}
	}
}

func (s *Server) readLoop(c *client) {
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.log.Debug("ui socket read ended", "err", err, "close_status", websocket.CloseStatus(err))
			return
		}
		if typ == websocket.MessageBinary {
			c.pushCapture(data)
			continue
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("malformed ui message", "err", err)
			continue
		}
		switch msg.Type {
		case msgStart:
			go s.start(c)
		case msgStop:
			s.ctrl.Stop()
		case msgMicGranted, msgMicDenied:
			c.answerMic(msg)
		default:
			c.log.Debug("unknown ui message", "type", msg.Type)
		}
	}
}

// start runs outside the read loop so the microphone answer can be read
// while Start waits for it.
func (s *Server) start(c *client) {
	err := s.ctrl.Start(c.ctx)
	switch {
	case err == nil, errors.Is(err, session.ErrStopped):
	case errors.Is(err, session.ErrActive):
		c.log.Debug("start ignored, session already active")
	default:
		c.log.Info("session start failed", "err", err)
	}
}
