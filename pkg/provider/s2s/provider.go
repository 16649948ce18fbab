// Package s2s defines the contract for Speech-to-Speech (S2S) backends: a
// vendor-hosted realtime model that receives streamed microphone audio and
// answers with streamed synthesised speech plus transcriptions of both sides.
//
// The central abstraction is [SessionHandle]. Outbound audio goes through
// [SessionHandle.SendRealtimeInput]; everything the remote side pushes back
// (handshake completion, transcription fragments, turn boundaries, audio,
// barge-in, transport failures, close) arrives as a single ordered stream of
// [Event] values on [SessionHandle.Events]. Consumers handle that stream on one
// goroutine, so no two callbacks ever race on session state.
package s2s

import (
	"context"
	"fmt"
)

// Speaker identifies which side of the conversation produced a transcript.
type Speaker string

const (
	// SpeakerUser is the person talking into the microphone.
	SpeakerUser Speaker = "user"

	// SpeakerAgent is the remote model.
	SpeakerAgent Speaker = "agent"
)

// Close codes used by [Closed].
const (
	CloseNormal   = 1000
	CloseAbnormal = 1006
)

// Blob is one realtime media chunk. Data is transport-encoded (see
// audio.Encode); MIMEType tags the encoding, e.g. "audio/pcm;rate=16000".
type Blob struct {
	MIMEType string
	Data     string
}

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Voice is the provider's prebuilt voice name (e.g. "Puck").
	Voice string

	// Instructions is the system persona for the whole session.
	Instructions string

	// InputTranscription requests transcripts of the user's speech.
	InputTranscription bool

	// OutputTranscription requests transcripts of the model's speech.
	OutputTranscription bool

	// InputSampleRate is the rate of the PCM16 chunks the caller will send.
	InputSampleRate int

	// OutputSampleRate is the rate the caller expects for returned audio.
	OutputSampleRate int
}

// Event is one item pushed by the remote session. The concrete type is one of
// [Opened], [TranscriptDelta], [TurnComplete], [AudioPayload], [Interrupted],
// [TransportError] or [Closed].
type Event interface {
	event()
}

// Opened reports that the remote handshake completed and the session accepts
// audio.
type Opened struct{}

// TranscriptDelta is an incremental transcription fragment for one side.
type TranscriptDelta struct {
	Speaker Speaker
	Text    string
}

// TurnComplete marks the end of a conversational turn.
type TurnComplete struct{}

// AudioPayload carries one chunk of synthesised speech, transport-encoded.
type AudioPayload struct {
	MIMEType string
	Data     string
}

// Interrupted reports that the user barged in; queued output must be dropped.
type Interrupted struct{}

// TransportError reports a low-level socket failure.
type TransportError struct {
	Err error
}

// Closed is always the last event of a session.
type Closed struct {
	Code   int
	Reason string
}

func (Opened) event()          {}
func (TranscriptDelta) event() {}
func (TurnComplete) event()    {}
func (AudioPayload) event()    {}
func (Interrupted) event()     {}
func (TransportError) event()  {}
func (Closed) event()          {}

// Normal reports whether the close was a normal closure.
func (c Closed) Normal() bool { return c.Code == CloseNormal }

// String formats the close for logs.
func (c Closed) String() string {
	return fmt.Sprintf("close %d %q", c.Code, c.Reason)
}

// SessionHandle represents an open S2S session. Implementations must be safe
// for concurrent use.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendRealtimeInput delivers one realtime media chunk. It returns an error
	// if the session is closed or the write fails.
	SendRealtimeInput(ctx context.Context, chunk Blob) error

	// Events returns the ordered stream of remote events. The channel is
	// closed after [Closed] has been delivered or after Close is called.
	Events() <-chan Event

	// Close terminates the session with a normal closure. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the registry name of the backend (e.g. "gemini-live").
	Name() string

	// Connect dials the backend and sends the session setup. It returns as
	// soon as the setup is written; [Opened] follows once the remote side
	// acknowledges it. The caller owns the handle and must Close it.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}

// Expand is a helper for provider implementations: it returns the events for
// one inbound message in the fixed dispatch order (input transcription, output
// transcription, turn completion, audio, interruption). Absent parts are
// skipped; empty transcription fragments are dropped.
func Expand(input, output string, turnComplete bool, audio *AudioPayload, interrupted bool) []Event {
	var evs []Event
	if input != "" {
		evs = append(evs, TranscriptDelta{Speaker: SpeakerUser, Text: input})
	}
	if output != "" {
		evs = append(evs, TranscriptDelta{Speaker: SpeakerAgent, Text: output})
	}
	if turnComplete {
		evs = append(evs, TurnComplete{})
	}
	if audio != nil && audio.Data != "" {
		evs = append(evs, *audio)
	}
	if interrupted {
		evs = append(evs, Interrupted{})
	}
	return evs
}
