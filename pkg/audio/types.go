// Package audio holds the audio primitives of the live tutor: the codec helpers
// that move PCM between the capture device, the realtime socket and the
// playback device, plus the device contracts those components implement.
//
// Everything in this package is pure or owns no goroutines; device
// implementations live in sibling packages (see audio/mixer) and in the
// browser bridge.
package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Valid reports whether both the rate and the channel count are positive.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// Buffer is a decoded, playable block of audio. Samples are normalised
// float32 values, interleaved when Channels > 1.
type Buffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (samples per channel).
func (b *Buffer) Frames() int {
	if b == nil || b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer at its sample rate.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// FrameAt returns the first sample frame at or after clock position d at the
// given rate. FrameAt(FrameTime(n, rate), rate) == n for every n >= 0.
func FrameAt(d time.Duration, rate int) int64 {
	if d <= 0 || rate <= 0 {
		return 0
	}
	return (int64(d)*int64(rate) + int64(time.Second) - 1) / int64(time.Second)
}

// FrameTime returns the clock position of sample frame n at the given rate,
// rounded down to the nanosecond.
func FrameTime(n int64, rate int) time.Duration {
	if n <= 0 || rate <= 0 {
		return 0
	}
	return time.Duration(n * int64(time.Second) / int64(rate))
}

// CaptureBlock is one fixed-size block of captured microphone audio.
type CaptureBlock struct {
	// Samples holds mono float32 samples, nominally in [-1, 1).
	Samples []float32

	// SampleRate is the capture rate in Hz.
	SampleRate int

	// Seq numbers blocks from zero in capture order.
	Seq uint64
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
