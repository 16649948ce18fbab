package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied is returned by [Microphone.Open] when the user
	// refuses capture access.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrNoDevice is returned when no capture or playback device is attached.
	ErrNoDevice = errors.New("audio: no device available")
)

// Microphone is a permission-gated capture device.
type Microphone interface {
	// Open requests capture access and starts delivering blocks of blockSize
	// mono samples in the requested format. It blocks until access is granted
	// or refused, or ctx is done. A refusal wraps [ErrPermissionDenied].
	Open(ctx context.Context, format Format, blockSize int) (CaptureStream, error)
}

// CaptureStream is an open microphone.
type CaptureStream interface {
	// Blocks delivers captured blocks in capture order. The channel is closed
	// when the stream ends.
	Blocks() <-chan CaptureBlock

	// Close releases the device. Calling Close more than once is safe.
	Close() error
}

// Speaker opens playback outputs on the default output device.
type Speaker interface {
	Open(ctx context.Context, format Format) (Output, error)
}

// Output is an open playback context with its own monotonic clock.
type Output interface {
	// Now reports the output clock, measured from when the output was opened.
	Now() time.Duration

	// Schedule queues buf to start playing at the given clock position. A
	// position in the past starts immediately.
	Schedule(buf *Buffer, at time.Duration) (Playback, error)

	// Close stops all playback and releases the device. Idempotent.
	Close() error
}

// Playback is a handle to one scheduled buffer.
type Playback interface {
	// Stop ends playback immediately. Stopping a finished playback is a no-op.
	Stop()

	// Done is closed when playback finishes naturally or is stopped.
	Done() <-chan struct{}
}
