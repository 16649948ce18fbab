// Package mixer provides [Timeline], an [audio.Output] that renders scheduled
// buffers against a frame-driven clock and hands the mixed PCM16 frames to an
// output callback (a websocket, a sound card writer, a file).
package mixer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/livetutor/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Output   = (*Timeline)(nil)
	_ audio.Playback = (*playback)(nil)
)

const (
	// DefaultFrame is the render quantum used when no explicit frame duration
	// is configured via [WithFrame].
	DefaultFrame = 20 * time.Millisecond
)

// ErrClosed is returned by [Timeline.Schedule] after [Timeline.Close].
var ErrClosed = errors.New("mixer: timeline closed")

// Option configures a [Timeline] during construction.
type Option func(*Timeline)

// WithFrame sets the render quantum. Non-positive values are ignored.
func WithFrame(d time.Duration) Option {
	return func(t *Timeline) {
		if d > 0 {
			t.frame = d
		}
	}
}

// WithManualClock disables the real-time dispatch goroutine. The clock then
// only moves when [Timeline.Advance] is called. Used by tests and by offline
// renderers.
func WithManualClock() Option {
	return func(t *Timeline) { t.manual = true }
}

// Timeline is a software playback context. Its clock counts rendered frames;
// buffers are placed on the clock with [Timeline.Schedule] and are summed into
// every frame they overlap. Frames with no scheduled audio are not emitted.
//
// All exported methods are safe for concurrent use.
type Timeline struct {
	output func([]byte) // receives PCM16 frames in clock order
	format audio.Format
	frame  time.Duration
	manual bool

	mu     sync.Mutex
	pos    int64 // sample frames rendered so far
	active map[*playback]struct{}

	done   chan struct{}
	closed bool
}

// New creates a [Timeline] rendering in format and starts the dispatch
// goroutine unless [WithManualClock] is given.
//
// output must not be nil; it is called sequentially from the render path and
// must not block for extended periods.
func New(output func([]byte), format audio.Format, opts ...Option) (*Timeline, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("mixer: invalid format %s", format)
	}
	t := &Timeline{
		output: output,
		format: format,
		frame:  DefaultFrame,
		active: make(map[*playback]struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	if !t.manual {
		go t.dispatch()
	}
	return t, nil
}

// Format returns the render format.
func (t *Timeline) Format() audio.Format { return t.format }

// Now returns the start of the next frame to be rendered.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.durationOf(t.pos)
}

// Schedule places buf on the clock at position at. Positions in the past are
// moved to the current clock. buf must match the timeline format.
func (t *Timeline) Schedule(buf *audio.Buffer, at time.Duration) (audio.Playback, error) {
	if buf == nil {
		return nil, errors.New("mixer: nil buffer")
	}
	if buf.SampleRate != t.format.SampleRate || buf.Channels != t.format.Channels {
		return nil, fmt.Errorf("mixer: buffer format %dHz/%dch does not match timeline %s",
			buf.SampleRate, buf.Channels, t.format)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	start := max(t.offset(at), t.pos)
	p := &playback{
		timeline: t,
		buf:      buf,
		start:    start,
		end:      start + int64(buf.Frames()),
		done:     make(chan struct{}),
	}
	t.active[p] = struct{}{}
	return p, nil
}

// Active returns the number of playbacks that have not yet finished.
func (t *Timeline) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// Advance renders n frames immediately. It is intended for timelines created
// with [WithManualClock].
func (t *Timeline) Advance(n int) {
	for range n {
		if !t.renderFrame() {
			return
		}
	}
}

// Close stops every playback and the dispatch goroutine. Close is idempotent;
// subsequent calls are no-ops and return nil.
func (t *Timeline) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for p := range t.active {
		p.finishLocked()
	}
	t.mu.Unlock()

	close(t.done)
	return nil
}

// dispatch is the background goroutine that renders one frame per tick until
// [Close] is called.
func (t *Timeline) dispatch() {
	ticker := time.NewTicker(t.frame)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.renderFrame()
		}
	}
}

// renderFrame mixes the frame starting at the current clock, advances the
// clock and retires playbacks that ended inside the frame. It reports false
// once the timeline is closed.
func (t *Timeline) renderFrame() bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}

	frameStart := t.pos
	frameEnd := frameStart + t.offset(t.frame)
	ch := t.format.Channels

	var mix []float32
	for p := range t.active {
		if p.start >= frameEnd {
			continue
		}
		if mix == nil {
			mix = make([]float32, int(frameEnd-frameStart)*ch)
		}
		from, to := max(p.start, frameStart), min(p.end, frameEnd)
		for f := from; f < to; f++ {
			dst := int(f-frameStart) * ch
			src := int(f-p.start) * ch
			for c := range ch {
				mix[dst+c] += p.buf.Samples[src+c]
			}
		}
		if p.end <= frameEnd {
			p.finishLocked()
		}
	}
	t.pos = frameEnd
	t.mu.Unlock()

	if mix != nil {
		t.output(audio.Float32ToPCM16(mix))
	}
	return true
}

// offset converts a clock duration into a sample-frame count, rounding up so
// that positions derived from Now or from a previous end map back exactly.
func (t *Timeline) offset(d time.Duration) int64 {
	return audio.FrameAt(d, t.format.SampleRate)
}

// durationOf converts a sample-frame count into a clock duration.
func (t *Timeline) durationOf(frames int64) time.Duration {
	return audio.FrameTime(frames, t.format.SampleRate)
}

// playback is one buffer placed on a [Timeline].
type playback struct {
	timeline *Timeline
	buf      *audio.Buffer
	start    int64 // first sample frame on the timeline
	end      int64 // one past the last sample frame
	done     chan struct{}
	finished bool
}

// Stop removes the playback from its timeline. Must not be called with the
// timeline lock held.
func (p *playback) Stop() {
	p.timeline.mu.Lock()
	defer p.timeline.mu.Unlock()
	p.finishLocked()
}

// Done is closed once the playback ended or was stopped.
func (p *playback) Done() <-chan struct{} { return p.done }

// finishLocked retires the playback. Must be called with the timeline lock held.
func (p *playback) finishLocked() {
	if p.finished {
		return
	}
	p.finished = true
	delete(p.timeline.active, p)
	close(p.done)
}
