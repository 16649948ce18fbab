// Package session implements the realtime tutoring session: a state machine
// that owns the microphone, the playback output and the remote model session,
// and runs every callback for one session on a single event loop.
//
// A session moves Disconnected → Connecting → Connected and back to
// Disconnected on Stop or a normal remote close. Any error moves it to Failed;
// only the first error of a session is surfaced, later ones are logged.
//
// Resources are attached to a per-session record under the controller lock.
// Stop detaches the record, so anything still being acquired by a concurrent
// Start is released by Start itself and every later event from that session
// is ignored.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/livetutor/internal/observe"
	"github.com/MrWong99/livetutor/pkg/audio"
	"github.com/MrWong99/livetutor/pkg/provider/s2s"
)

// DefaultInstructions is the tutor persona sent with every session.
const DefaultInstructions = "You are a patient, encouraging math tutor. Explain concepts clearly and keep answers concise."

// Template is the configuration applied to the next session started.
type Template struct {
	Voice               string
	Instructions        string
	InputSampleRate     int
	OutputSampleRate    int
	BlockSize           int
	InputTranscription  bool
	OutputTranscription bool
}

// DefaultTemplate returns the stock tutor configuration.
func DefaultTemplate() Template {
	return Template{
		Voice:               "Puck",
		Instructions:        DefaultInstructions,
		InputSampleRate:     16000,
		OutputSampleRate:    24000,
		BlockSize:           4096,
		InputTranscription:  true,
		OutputTranscription: true,
	}
}

// ── Options ───────────────────────────────────────────────────────────────────

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithStore sets the presentation store. Defaults to a fresh Store.
func WithStore(s *Store) Option {
	return func(c *Controller) { c.store = s }
}

// ── Controller ────────────────────────────────────────────────────────────────

// Controller runs at most one session at a time. All methods are safe for
// concurrent use.
type Controller struct {
	provider s2s.Provider
	mic      audio.Microphone
	speaker  audio.Speaker
	store    *Store
	metrics  *observe.Metrics
	log      *slog.Logger

	mu   sync.Mutex
	tmpl Template
	res  *resources
}

// resources is everything owned by one session. Fields set via attach are
// written under Controller.mu and never change after the record is detached.
type resources struct {
	id     string
	tmpl   Template
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
	begin  time.Time

	capture audio.CaptureStream
	output  audio.Output
	handle  s2s.SessionHandle
	started bool
	done    chan struct{}

	// loop-owned
	queue  *playbackQueue
	opened bool

	releaseOnce sync.Once
}

// New returns a Controller that builds sessions from the given devices and
// provider.
func New(provider s2s.Provider, mic audio.Microphone, speaker audio.Speaker, tmpl Template, opts ...Option) *Controller {
	c := &Controller{
		provider: provider,
		mic:      mic,
		speaker:  speaker,
		tmpl:     tmpl,
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.store == nil {
		c.store = NewStore()
	}
	return c
}

// Store returns the presentation store.
func (c *Controller) Store() *Store { return c.store }

// Snapshot returns the current presentation state.
func (c *Controller) Snapshot() Snapshot { return c.store.Snapshot() }

// Subscribe registers fn with the presentation store. See [Store.Subscribe].
// Status changes are published while the controller lock is held, so fn must
// not call back into the Controller.
func (c *Controller) Subscribe(fn func(Snapshot)) (cancel func()) {
	return c.store.Subscribe(fn)
}

// SetTemplate replaces the configuration used by the next Start. The running
// session, if any, is unaffected.
func (c *Controller) SetTemplate(t Template) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tmpl = t
}

// Template returns the configuration the next Start will use.
func (c *Controller) Template() Template {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tmpl
}

// Start opens the microphone, the playback output and the remote session, in
// that order, and hands them to the session loop. The status becomes
// Connecting immediately and Connected once the remote side reports it is
// open.
//
// Start returns ErrActive while another session is connecting or connected
// and ErrStopped if Stop interrupted it. Any other failure is returned as an
// *Error and also surfaced through the Store.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.res != nil {
		c.mu.Unlock()
		return ErrActive
	}
	id := uuid.NewString()
	ctx, span := observe.StartSpan(ctx, "session.start",
		trace.WithAttributes(
			attribute.String("session.id", id),
			attribute.String("provider", c.provider.Name()),
		),
	)
	defer span.End()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &resources{
		id:     id,
		tmpl:   c.tmpl,
		ctx:    runCtx,
		cancel: cancel,
		log:    observe.WithTrace(ctx, c.log.With("session_id", id)),
		begin:  time.Now(),
		done:   make(chan struct{}),
	}
	c.res = r
	c.store.update(func(s *Snapshot) {
		s.Status = Connecting
		s.Error = ""
		s.Transcript = nil
		s.SessionID = r.id
	})
	c.mu.Unlock()

	r.log.Info("session starting", "provider", c.provider.Name(), "voice", r.tmpl.Voice)

	// Startup work is abandoned when either the caller gives up or Stop runs.
	startCtx, stopStart := context.WithCancel(ctx)
	defer stopStart()
	unhook := context.AfterFunc(runCtx, stopStart)
	defer unhook()

	err := c.acquire(startCtx, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Controller) acquire(ctx context.Context, r *resources) error {
	tmpl := r.tmpl

	capture, err := c.mic.Open(ctx, audio.Format{SampleRate: tmpl.InputSampleRate, Channels: 1}, tmpl.BlockSize)
	if err != nil {
		kind := KindStartup
		if errors.Is(err, audio.ErrPermissionDenied) || errors.Is(err, audio.ErrNoDevice) {
			kind = KindPermission
		}
		return c.startFailed(r, kind, err)
	}
	if !c.attach(r, func() { r.capture = capture }) {
		closeQuietly(r.log, "capture", capture.Close)
		return ErrStopped
	}

	output, err := c.speaker.Open(ctx, audio.Format{SampleRate: tmpl.OutputSampleRate, Channels: 1})
	if err != nil {
		return c.startFailed(r, KindStartup, err)
	}
	if !c.attach(r, func() { r.output = output }) {
		closeQuietly(r.log, "output", output.Close)
		return ErrStopped
	}

	handle, err := c.provider.Connect(ctx, s2s.SessionConfig{
		Voice:               tmpl.Voice,
		Instructions:        tmpl.Instructions,
		InputTranscription:  tmpl.InputTranscription,
		OutputTranscription: tmpl.OutputTranscription,
		InputSampleRate:     tmpl.InputSampleRate,
		OutputSampleRate:    tmpl.OutputSampleRate,
	})
	if err != nil {
		c.metrics.RecordProviderRequest(ctx, c.provider.Name(), "connect", "error")
		return c.startFailed(r, KindConnection, err)
	}
	c.metrics.RecordProviderRequest(ctx, c.provider.Name(), "connect", "ok")
	if !c.attach(r, func() { r.handle = handle }) {
		closeQuietly(r.log, "remote session", handle.Close)
		return ErrStopped
	}

	if !c.attach(r, func() { r.started = true }) {
		return ErrStopped
	}
	go c.run(r)
	return nil
}

// attach runs fn under the lock if r is still the current session.
func (c *Controller) attach(r *resources, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.res != r {
		return false
	}
	fn()
	return true
}

// detach makes r no longer current and, in the same critical section, runs
// publish against the store. It reports whether r was current; publish is
// skipped otherwise.
func (c *Controller) detach(r *resources, publish func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.res != r {
		return false
	}
	c.res = nil
	if publish != nil {
		publish()
	}
	return true
}

func (c *Controller) startFailed(r *resources, kind Kind, err error) error {
	// A cancelled session means Stop got there first.
	if r.ctx.Err() != nil {
		c.release(r)
		return ErrStopped
	}
	e := startupError(kind, err)
	c.fail(r, e)
	c.release(r)
	return e
}

// fail surfaces e if r is still current, then cancels r. Errors from a
// session that is no longer current are only logged.
func (c *Controller) fail(r *resources, e *Error) {
	surfaced := false
	if !c.detach(r, func() { surfaced = c.store.failIfNotFailed(e.Msg) }) {
		r.log.Warn("suppressed session error", "kind", e.Kind.String(), "err", e)
		return
	}
	r.cancel()
	c.metrics.RecordSessionError(context.Background(), e.Kind.String())
	if !surfaced {
		r.log.Warn("suppressed session error", "kind", e.Kind.String(), "err", e)
		return
	}
	r.log.Error("session failed", "kind", e.Kind.String(), "err", e)
}

// Stop ends the running session, if any, and returns to Disconnected with
// the error cleared. The transcript stays visible. Stop is idempotent and
// safe to call while Start is still acquiring resources.
func (c *Controller) Stop() {
	c.mu.Lock()
	r := c.res
	c.res = nil
	started := r != nil && r.started
	c.mu.Unlock()

	if r != nil {
		r.log.Info("session stopping")
		r.cancel()
		if started {
			<-r.done
		} else {
			c.release(r)
		}
	}

	// A Start that slipped in while r was torn down owns the status now.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.res == nil {
		c.store.update(func(s *Snapshot) {
			s.Status = Disconnected
			s.Error = ""
		})
	}
}

// release tears down every resource r acquired. Each release is attempted
// even if an earlier one fails.
func (c *Controller) release(r *resources) {
	r.releaseOnce.Do(func() {
		var errs []error
		if r.handle != nil {
			errs = append(errs, r.handle.Close())
		}
		if r.capture != nil {
			errs = append(errs, r.capture.Close())
		}
		if r.queue != nil {
			r.queue.interrupt()
		}
		if r.output != nil {
			errs = append(errs, r.output.Close())
		}
		if err := errors.Join(errs...); err != nil {
			r.log.Warn("session teardown incomplete", "err", err)
		}
		if r.opened {
			c.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		r.log.Debug("session resources released")
	})
}

// ── Session loop ──────────────────────────────────────────────────────────────

// run is the session's event loop. It is the only goroutine that touches the
// turn buffer and the playback queue.
func (c *Controller) run(r *resources) {
	defer close(r.done)
	defer c.release(r)
	defer r.cancel()

	r.queue = newPlaybackQueue(r.output)
	var turn turnBuffer
	var blocks <-chan audio.CaptureBlock
	events := r.handle.Events()
	ended := make(chan audio.Playback)

	for {
		select {
		case <-r.ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				c.fail(r, closeError(s2s.CloseAbnormal, ""))
				return
			}
			if !c.dispatch(r, ev, &turn, &blocks, ended) {
				return
			}

		case blk, ok := <-blocks:
			if !ok {
				r.log.Warn("microphone stream ended")
				blocks = nil
				continue
			}
			c.send(r, blk)

		case pb := <-ended:
			r.queue.finished(pb)
		}
	}
}

// dispatch handles one remote event. It returns false when the session is
// over.
func (c *Controller) dispatch(r *resources, ev s2s.Event, turn *turnBuffer, blocks *<-chan audio.CaptureBlock, ended chan<- audio.Playback) bool {
	switch ev := ev.(type) {
	case s2s.Opened:
		if r.opened {
			return true
		}
		r.opened = true
		*blocks = r.capture.Blocks()
		c.metrics.ActiveSessions.Add(r.ctx, 1)
		c.metrics.ConnectDuration.Record(r.ctx, time.Since(r.begin).Seconds())
		c.store.update(func(s *Snapshot) { s.Status = Connected })
		r.log.Info("session connected")

	case s2s.TranscriptDelta:
		turn.add(ev.Speaker, ev.Text)

	case s2s.TurnComplete:
		entries := turn.complete()
		if len(entries) == 0 {
			return true
		}
		c.store.update(func(s *Snapshot) { s.Transcript = append(s.Transcript, entries...) })
		for _, e := range entries {
			c.metrics.RecordTranscriptEntry(r.ctx, string(e.Speaker))
		}

	case s2s.AudioPayload:
		return c.play(r, ev, ended)

	case s2s.Interrupted:
		n := r.queue.interrupt()
		c.metrics.Interruptions.Add(r.ctx, 1)
		r.log.Debug("playback interrupted", "stopped", n)

	case s2s.TransportError:
		c.metrics.RecordProviderError(r.ctx, c.provider.Name(), "transport")
		c.fail(r, connectionError(ev.Err))
		return false

	case s2s.Closed:
		if ev.Normal() {
			if c.detach(r, func() { c.store.update(func(s *Snapshot) { s.Status = Disconnected }) }) {
				r.log.Info("session closed by remote")
			}
			return false
		}
		c.fail(r, closeError(ev.Code, ev.Reason))
		return false
	}
	return true
}

// send encodes one capture block and forwards it. Failures drop the block.
func (c *Controller) send(r *resources, blk audio.CaptureBlock) {
	pcm := audio.Float32ToPCM16(blk.Samples)
	blob := s2s.Blob{MIMEType: audio.PCMMIMEType(blk.SampleRate), Data: audio.Encode(pcm)}
	if err := r.handle.SendRealtimeInput(r.ctx, blob); err != nil {
		c.metrics.RecordAudioChunk(r.ctx, "dropped")
		r.log.Debug("dropped capture block", "seq", blk.Seq, "err", err)
		return
	}
	c.metrics.RecordAudioChunk(r.ctx, "sent")
}

// play decodes one response chunk and schedules it after everything already
// queued.
func (c *Controller) play(r *resources, p s2s.AudioPayload, ended chan<- audio.Playback) bool {
	rate := r.tmpl.OutputSampleRate
	pcm, err := audio.Decode(p.Data)
	if err != nil {
		c.fail(r, decodeError(err))
		return false
	}
	if src, ok := audio.ParsePCMRate(p.MIMEType); ok && src != rate {
		if len(pcm)%2 != 0 {
			c.fail(r, decodeError(fmt.Errorf("%w: %d bytes at %d Hz is not whole PCM16 samples", audio.ErrDecode, len(pcm), src)))
			return false
		}
		pcm = audio.ResampleMono16(pcm, src, rate)
	}
	buf, err := audio.DecodeAudioData(pcm, rate, 1)
	if err != nil {
		c.fail(r, decodeError(err))
		return false
	}
	pb, at, err := r.queue.enqueue(buf)
	if err != nil {
		c.fail(r, decodeError(err))
		return false
	}
	c.metrics.PlaybackChunks.Add(r.ctx, 1)
	r.log.Debug("scheduled playback", "at", at, "duration", buf.Duration())

	go func() {
		select {
		case <-pb.Done():
		case <-r.ctx.Done():
			return
		}
		select {
		case ended <- pb:
		case <-r.ctx.Done():
		}
	}()
	return true
}

func closeQuietly(log *slog.Logger, what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		log.Warn("release failed", "resource", what, "err", err)
	}
}
