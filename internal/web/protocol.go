package web

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/MrWong99/livetutor/internal/session"
)

// Message types exchanged over the UI socket as JSON text frames. Binary
// frames carry audio: float32 LE capture samples from the client and PCM16 LE
// playback frames from the server.
const (
	// server → client
	msgState         = "state"
	msgMicRequest    = "mic_request"
	msgMicRelease    = "mic_release"
	msgPlaybackOpen  = "playback_open"
	msgPlaybackClose = "playback_close"

	// client → server
	msgStart      = "start"
	msgStop       = "stop"
	msgMicGranted = "mic_granted"
	msgMicDenied  = "mic_denied"
)

// Button captions.
const (
	startCaption      = "Start Session"
	stopCaption       = "Stop Session"
	connectingCaption = "Connecting"
)

// inbound is any client message. Only the fields relevant to Type are set.
type inbound struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// micRequest asks the page to start capturing.
type micRequest struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate"`
	BlockSize  int    `json:"block_size"`
}

// playbackOpen tells the page the format of the PCM16 frames that follow.
type playbackOpen struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// signal is a message that carries nothing but its type.
type signal struct {
	Type string `json:"type"`
}

// View is the presentation of a session snapshot: everything the page needs
// to render the status line, the control button, the error and the transcript.
type View struct {
	Type       string          `json:"type,omitempty"`
	Status     string          `json:"status"`
	Label      string          `json:"label"`
	Color      string          `json:"color"`
	Error      string          `json:"error,omitempty"`
	Transcript []session.Entry `json:"transcript"`
	SessionID  string          `json:"session_id,omitempty"`
	Button     string          `json:"button"`
	Disabled   bool            `json:"disabled"`
}

// NewView renders snap. The button stops a connected session, is disabled
// while connecting and starts a new session otherwise.
func NewView(snap session.Snapshot) View {
	v := View{
		Status:     snap.Status.String(),
		Label:      snap.Status.Label(),
		Color:      snap.Status.Color(),
		Error:      snap.Error,
		Transcript: snap.Transcript,
		SessionID:  snap.SessionID,
		Button:     startCaption,
		Disabled:   snap.Status == session.Connecting,
	}
	switch snap.Status {
	case session.Connected:
		v.Button = stopCaption
	case session.Connecting:
		v.Button = connectingCaption
	}
	if v.Transcript == nil {
		v.Transcript = []session.Entry{}
	}
	return v
}

// decodeFloat32LE converts a binary capture frame into samples.
func decodeFloat32LE(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("web: capture frame length %d is not a multiple of 4", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}
