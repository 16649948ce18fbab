// Package mock provides in-memory mock implementations of the [audio.Microphone],
// [audio.CaptureStream], [audio.Speaker], and [audio.Output] interfaces for use
// in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewCaptureStream(4)
//	mic := &mock.Microphone{Stream: stream}
//	out := mock.NewOutput()
//	spk := &mock.Speaker{Output: out}
//	stream.Push(audio.CaptureBlock{Samples: []float32{0.5}})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/livetutor/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Microphone    = (*Microphone)(nil)
	_ audio.CaptureStream = (*CaptureStream)(nil)
	_ audio.Speaker       = (*Speaker)(nil)
	_ audio.Output        = (*Output)(nil)
	_ audio.Playback      = (*Playback)(nil)
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// OpenCall records a single invocation of [Microphone.Open].
type OpenCall struct {
	Format    audio.Format
	BlockSize int
}

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// Stream is returned by Open. If nil, Open returns a fresh CaptureStream.
	Stream *CaptureStream

	// OpenErr, if non-nil, is returned by Open instead of a stream.
	OpenErr error

	// Gate, if non-nil, makes Open block until a value is received or ctx is
	// done. Lets tests interleave Stop with a pending permission prompt.
	Gate chan struct{}

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall
}

// Open records the call and returns Stream or OpenErr.
func (m *Microphone) Open(ctx context.Context, format audio.Format, blockSize int) (audio.CaptureStream, error) {
	m.mu.Lock()
	m.OpenCalls = append(m.OpenCalls, OpenCall{Format: format, BlockSize: blockSize})
	gate := m.Gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	if m.Stream == nil {
		m.Stream = NewCaptureStream(16)
	}
	return m.Stream, nil
}

// Calls returns the number of Open calls so far.
func (m *Microphone) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.OpenCalls)
}

// ─── CaptureStream ────────────────────────────────────────────────────────────

// CaptureStream is a mock implementation of [audio.CaptureStream]. Tests feed
// it with [CaptureStream.Push] and end it with [CaptureStream.End].
type CaptureStream struct {
	mu       sync.Mutex
	blocks   chan audio.CaptureBlock
	ended    bool
	closeN   int
	CloseErr error
}

// NewCaptureStream returns a stream whose block channel has the given buffer.
func NewCaptureStream(buffer int) *CaptureStream {
	return &CaptureStream{blocks: make(chan audio.CaptureBlock, buffer)}
}

// Blocks implements [audio.CaptureStream].
func (s *CaptureStream) Blocks() <-chan audio.CaptureBlock { return s.blocks }

// Push delivers a block to the consumer. It reports false if the stream has
// already ended.
func (s *CaptureStream) Push(b audio.CaptureBlock) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.blocks <- b
	return true
}

// End closes the block channel, simulating a device that went away.
func (s *CaptureStream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.blocks)
	}
}

// Close implements [audio.CaptureStream]. It ends the stream and returns CloseErr.
func (s *CaptureStream) Close() error {
	s.End()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeN++
	return s.CloseErr
}

// CloseCount returns how many times Close was called.
func (s *CaptureStream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeN
}

// ─── Speaker / Output ─────────────────────────────────────────────────────────

// Speaker is a mock implementation of [audio.Speaker].
type Speaker struct {
	mu sync.Mutex

	// Output is returned by Open. If nil, Open returns a fresh Output.
	Output *Output

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// Formats records the format of every Open call.
	Formats []audio.Format
}

// Open records the call and returns Output or OpenErr.
func (s *Speaker) Open(_ context.Context, format audio.Format) (audio.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Formats = append(s.Formats, format)
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	if s.Output == nil {
		s.Output = NewOutput()
	}
	return s.Output, nil
}

// Scheduled records a single invocation of [Output.Schedule].
type Scheduled struct {
	At       time.Duration
	Duration time.Duration
	Buffer   *audio.Buffer
	Playback *Playback
}

// Output is a mock implementation of [audio.Output] with a manually driven
// clock. Playbacks never finish on their own; tests call [Playback.Finish].
type Output struct {
	mu        sync.Mutex
	now       time.Duration
	scheduled []Scheduled
	closeN    int

	// ScheduleErr, if non-nil, is returned by Schedule.
	ScheduleErr error

	// CloseErr is returned by Close.
	CloseErr error
}

// NewOutput returns an Output whose clock reads zero.
func NewOutput() *Output { return &Output{} }

// SetNow moves the output clock.
func (o *Output) SetNow(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = d
}

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Schedule implements [audio.Output] and records the call.
func (o *Output) Schedule(buf *audio.Buffer, at time.Duration) (audio.Playback, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ScheduleErr != nil {
		return nil, o.ScheduleErr
	}
	p := &Playback{done: make(chan struct{})}
	o.scheduled = append(o.scheduled, Scheduled{At: at, Duration: buf.Duration(), Buffer: buf, Playback: p})
	return p, nil
}

// Scheduled returns a copy of every Schedule call in order.
func (o *Output) Scheduled() []Scheduled {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Scheduled, len(o.scheduled))
	copy(out, o.scheduled)
	return out
}

// Close implements [audio.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeN++
	return o.CloseErr
}

// CloseCount returns how many times Close was called.
func (o *Output) CloseCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closeN
}

// Playback is a mock implementation of [audio.Playback].
type Playback struct {
	mu      sync.Mutex
	done    chan struct{}
	stopped bool
	ended   bool
}

// Stop implements [audio.Playback].
func (p *Playback) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	p.closeLocked()
}

// Finish simulates natural end of playback.
func (p *Playback) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

// Done implements [audio.Playback].
func (p *Playback) Done() <-chan struct{} { return p.done }

// Stopped reports whether Stop was called.
func (p *Playback) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func (p *Playback) closeLocked() {
	if !p.ended {
		p.ended = true
		close(p.done)
	}
}
