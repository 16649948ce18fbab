package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livetutor/pkg/audio"
	"github.com/MrWong99/livetutor/pkg/audio/mixer"
)

// writeTimeout bounds every frame written to the UI socket.
const writeTimeout = 5 * time.Second

// captureBuffer is the number of capture blocks queued for the session loop
// before new blocks are dropped.
const captureBuffer = 16

// errClientGone is returned when the UI client disconnects mid-request.
var errClientGone = errors.New("web: ui client disconnected")

// Compile-time interface assertions.
var (
	_ audio.Microphone    = micDevice{}
	_ audio.Speaker       = speakerDevice{}
	_ audio.CaptureStream = (*captureStream)(nil)
	_ audio.Output        = (*output)(nil)
)

// Bridge exposes the connected page's microphone and speaker as audio
// devices. At most one page is attached at a time; attaching a new one
// detaches the previous one.
//
// Bridge is safe for concurrent use.
type Bridge struct {
	log       *slog.Logger
	mixerOpts []mixer.Option

	mu  sync.Mutex
	cur *client
}

// BridgeOption configures a [Bridge].
type BridgeOption func(*Bridge)

// WithBridgeLogger sets the logger. Defaults to slog.Default().
func WithBridgeLogger(l *slog.Logger) BridgeOption {
	return func(b *Bridge) { b.log = l }
}

// WithMixerOptions passes opts to every playback timeline the bridge opens.
func WithMixerOptions(opts ...mixer.Option) BridgeOption {
	return func(b *Bridge) { b.mixerOpts = append(b.mixerOpts, opts...) }
}

// NewBridge returns a Bridge with no page attached.
func NewBridge(opts ...BridgeOption) *Bridge {
	b := &Bridge{}
	for _, o := range opts {
		o(b)
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	return b
}

// Microphone returns the capture side of the bridge.
func (b *Bridge) Microphone() audio.Microphone { return micDevice{b} }

// Speaker returns the playback side of the bridge.
func (b *Bridge) Speaker() audio.Speaker { return speakerDevice{b} }

// Attached reports whether a page is connected.
func (b *Bridge) Attached() bool {
	return b.current() != nil
}

func (b *Bridge) current() *client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur
}

// attach makes c the current page and returns the page it replaced, if any.
func (b *Bridge) attach(c *client) (prev *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, b.cur = b.cur, c
	return prev
}

// detach clears the current page if it is c and reports whether it was.
func (b *Bridge) detach(c *client) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur != c {
		return false
	}
	b.cur = nil
	return true
}

// ── Microphone ────────────────────────────────────────────────────────────────

type micDevice struct{ b *Bridge }

// Open asks the page for microphone access and waits for the answer. A
// refusal wraps [audio.ErrPermissionDenied]; no page, or the page leaving
// before it answers, wraps [audio.ErrNoDevice].
func (m micDevice) Open(ctx context.Context, format audio.Format, blockSize int) (audio.CaptureStream, error) {
	c := m.b.current()
	if c == nil {
		return nil, fmt.Errorf("web: open microphone: %w", audio.ErrNoDevice)
	}

	reply, err := c.beginMicRequest()
	if err != nil {
		return nil, fmt.Errorf("web: open microphone: %w", err)
	}
	defer c.endMicRequest(reply)

	if err := c.writeJSON(ctx, micRequest{Type: msgMicRequest, SampleRate: format.SampleRate, BlockSize: blockSize}); err != nil {
		return nil, fmt.Errorf("web: open microphone: %w: %w", audio.ErrNoDevice, err)
	}

	var ans inbound
	select {
	case ans = <-reply:
	case <-c.ctx.Done():
		return nil, fmt.Errorf("web: open microphone: %w: %w", audio.ErrNoDevice, errClientGone)
	case <-ctx.Done():
		// The page may already be capturing.
		_ = c.writeJSON(context.Background(), signal{Type: msgMicRelease})
		return nil, ctx.Err()
	}

	if ans.Type == msgMicDenied {
		reason := ans.Reason
		if reason == "" {
			reason = "denied by user"
		}
		return nil, fmt.Errorf("web: open microphone: %w: %s", audio.ErrPermissionDenied, reason)
	}

	srcRate := ans.SampleRate
	if srcRate <= 0 {
		srcRate = format.SampleRate
	}
	s := &captureStream{
		c:       c,
		blocks:  make(chan audio.CaptureBlock, captureBuffer),
		blocker: audio.NewBlocker(blockSize, format.SampleRate),
		srcRate: srcRate,
		dstRate: format.SampleRate,
	}
	if !c.setCapture(s) {
		s.end(false)
		return nil, fmt.Errorf("web: open microphone: %w: %w", audio.ErrNoDevice, errClientGone)
	}
	c.log.Info("microphone granted", "page_rate", srcRate, "capture_rate", format.SampleRate, "block_size", blockSize)
	return s, nil
}

// captureStream turns the page's float32 frames into fixed-size blocks at the
// requested rate.
type captureStream struct {
	c       *client
	blocks  chan audio.CaptureBlock
	blocker *audio.Blocker
	srcRate int
	dstRate int

	mu      sync.Mutex
	closed  bool
	dropped int
	once    sync.Once
}

func (s *captureStream) Blocks() <-chan audio.CaptureBlock { return s.blocks }

// Close stops capture on the page and ends the block stream.
func (s *captureStream) Close() error {
	s.end(true)
	return nil
}

// push is called from the client's read loop with one decoded frame.
func (s *captureStream) push(samples []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	samples = audio.ResampleFloat32(samples, s.srcRate, s.dstRate)
	for _, blk := range s.blocker.Push(samples) {
		select {
		case s.blocks <- blk:
		default:
			s.dropped++
			s.c.log.Debug("capture block dropped", "seq", blk.Seq, "dropped_total", s.dropped)
		}
	}
}

func (s *captureStream) end(notify bool) {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.blocks)
		s.mu.Unlock()

		s.c.clearCapture(s)
		if notify {
			_ = s.c.writeJSON(context.Background(), signal{Type: msgMicRelease})
		}
	})
}

// ── Speaker ───────────────────────────────────────────────────────────────────

type speakerDevice struct{ b *Bridge }

// Open announces the playback format to the page and returns a timeline whose
// rendered frames are streamed to it.
func (sp speakerDevice) Open(ctx context.Context, format audio.Format) (audio.Output, error) {
	c := sp.b.current()
	if c == nil {
		return nil, fmt.Errorf("web: open speaker: %w", audio.ErrNoDevice)
	}
	if err := c.writeJSON(ctx, playbackOpen{Type: msgPlaybackOpen, SampleRate: format.SampleRate, Channels: format.Channels}); err != nil {
		return nil, fmt.Errorf("web: open speaker: %w: %w", audio.ErrNoDevice, err)
	}

	o := &output{c: c}
	tl, err := mixer.New(o.write, format, sp.b.mixerOpts...)
	if err != nil {
		return nil, fmt.Errorf("web: open speaker: %w", err)
	}
	o.Timeline = tl
	if !c.addOutput(o) {
		_ = tl.Close()
		return nil, fmt.Errorf("web: open speaker: %w: %w", audio.ErrNoDevice, errClientGone)
	}
	return o, nil
}

// output is a playback timeline bound to one page.
type output struct {
	*mixer.Timeline
	c    *client
	once sync.Once
}

// Close stops playback and tells the page to release its audio context.
func (o *output) Close() error {
	o.shutdown(true)
	return nil
}

func (o *output) shutdown(notify bool) {
	o.once.Do(func() {
		o.c.removeOutput(o)
		_ = o.Timeline.Close()
		if notify {
			_ = o.c.writeJSON(context.Background(), signal{Type: msgPlaybackClose})
		}
	})
}

func (o *output) write(pcm []byte) {
	if err := o.c.writeBinary(pcm); err != nil {
		o.c.log.Debug("playback frame dropped", "err", err)
	}
}

// ── client ────────────────────────────────────────────────────────────────────

// client is one attached page.
type client struct {
	conn   *websocket.Conn
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	mic     chan inbound
	capture *captureStream
	outputs map[*output]struct{}
	closed  bool
}

func newClient(ctx context.Context, conn *websocket.Conn, log *slog.Logger) *client {
	ctx, cancel := context.WithCancel(ctx)
	return &client{
		conn:    conn,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		outputs: make(map[*output]struct{}),
	}
}

func (c *client) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("web: encode message: %w", err)
	}
	return c.write(ctx, websocket.MessageText, data)
}

func (c *client) writeBinary(data []byte) error {
	return c.write(c.ctx, websocket.MessageBinary, data)
}

func (c *client) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, typ, data)
}

// beginMicRequest registers a pending microphone request.
func (c *client) beginMicRequest() (chan inbound, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: %w", audio.ErrNoDevice, errClientGone)
	}
	if c.mic != nil {
		return nil, errors.New("microphone request already pending")
	}
	c.mic = make(chan inbound, 1)
	return c.mic, nil
}

func (c *client) endMicRequest(ch chan inbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mic == ch {
		c.mic = nil
	}
}

// answerMic delivers a mic_granted or mic_denied message to the pending
// request. Unsolicited answers are ignored.
func (c *client) answerMic(msg inbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mic == nil {
		c.log.Debug("unsolicited microphone answer ignored", "type", msg.Type)
		return
	}
	select {
	case c.mic <- msg:
	default:
	}
}

func (c *client) setCapture(s *captureStream) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	prev := c.capture
	c.capture = s
	c.mu.Unlock()
	if prev != nil {
		prev.end(false)
	}
	return true
}

func (c *client) clearCapture(s *captureStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capture == s {
		c.capture = nil
	}
}

// pushCapture forwards a binary frame to the open capture stream, if any.
func (c *client) pushCapture(data []byte) {
	c.mu.Lock()
	s := c.capture
	c.mu.Unlock()
	if s == nil {
		return
	}
	samples, err := decodeFloat32LE(data)
	if err != nil {
		c.log.Debug("malformed capture frame", "err", err)
		return
	}
	s.push(samples)
}

func (c *client) addOutput(o *output) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.outputs[o] = struct{}{}
	return true
}

func (c *client) removeOutput(o *output) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.outputs, o)
}

// shutdown ends every device stream bound to the page. The session that owns
// them observes the end through its own channels.
func (c *client) shutdown() {
	c.cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	capture := c.capture
	outputs := make([]*output, 0, len(c.outputs))
	for o := range c.outputs {
		outputs = append(outputs, o)
	}
	c.mu.Unlock()

	if capture != nil {
		capture.end(false)
	}
	for _, o := range outputs {
		o.shutdown(false)
	}
}
