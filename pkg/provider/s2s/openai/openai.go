// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// The Realtime API only accepts 24 kHz PCM16, so realtime input chunks at any
// other rate are resampled before they are appended to the input buffer.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/MrWong99/livetutor/pkg/audio"
	"github.com/MrWong99/livetutor/pkg/provider/s2s"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// SampleRate is the only PCM16 rate the Realtime API speaks.
	SampleRate = 24000

	transcriptionModel = "whisper-1"
	eventBuffer        = 64
)

// ErrSessionClosed is returned by SendRealtimeInput after Close.
var ErrSessionClosed = errors.New("openai: session closed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithLogger sets the logger used for connection diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	log     *slog.Logger
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements s2s.Provider.
func (p *Provider) Name() string { return "openai-realtime" }

// Voices lists the voices accepted in SessionConfig.Voice.
func Voices() []string {
	return []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}
}

// Connect establishes a new OpenAI Realtime session with the given configuration.
// It returns once session.update is written; s2s.Opened is emitted when the
// server confirms it with session.updated.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := p.baseURL + "?model=" + url.QueryEscape(p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(16 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan s2s.Event, eventBuffer),
		ctx:    sessCtx,
		cancel: sessCancel,
		log:    p.log.With("provider", p.Name()),
	}

	if err := sess.sendSessionUpdate(ctx, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *inputTranscription  `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetectionParams `json:"turn_detection,omitempty"`
}

type inputTranscription struct {
	Model string `json:"model"`
}

type turnDetectionParams struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan s2s.Event
	log    *slog.Logger

	mu     sync.Mutex
	closed bool

	// opened is only touched by receiveLoop.
	opened bool

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSessionUpdate sends a session.update event to configure voice,
// instructions, transcription and audio formats.
func (s *session) sendSessionUpdate(ctx context.Context, cfg s2s.SessionConfig) error {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetectionParams{Type: "server_vad"},
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &inputTranscription{Model: transcriptionModel}
	}
	return s.writeJSON(ctx, sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// receiveLoop reads events from the WebSocket and translates them.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.emitTermination(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.log.Debug("skipping malformed event", "err", err)
			continue
		}

		if ev := s.translate(&evt); ev != nil {
			if !s.emit(ev) {
				return
			}
		}
	}
}

func (s *session) emitTermination(err error) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		s.emit(s2s.Closed{Code: int(ce.Code), Reason: ce.Reason})
		return
	}
	if !s.emit(s2s.TransportError{Err: fmt.Errorf("openai: read: %w", err)}) {
		return
	}
	s.emit(s2s.Closed{Code: s2s.CloseAbnormal})
}

// translate maps one Realtime server event onto at most one s2s event.
func (s *session) translate(evt *serverEvent) s2s.Event {
	switch evt.Type {
	case "session.updated":
		if s.opened {
			return nil
		}
		s.opened = true
		return s2s.Opened{}

	case "response.audio.delta":
		if evt.Delta == "" {
			return nil
		}
		return s2s.AudioPayload{MIMEType: audio.PCMMIMEType(SampleRate), Data: evt.Delta}

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return nil
		}
		return s2s.TranscriptDelta{Speaker: s2s.SpeakerAgent, Text: evt.Delta}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return nil
		}
		return s2s.TranscriptDelta{Speaker: s2s.SpeakerUser, Text: evt.Transcript}

	case "response.done":
		return s2s.TurnComplete{}

	case "input_audio_buffer.speech_started":
		return s2s.Interrupted{}

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		return s2s.TransportError{Err: fmt.Errorf("openai: %s", msg)}
	}
	return nil
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendRealtimeInput appends one PCM16 chunk to the input audio buffer,
// resampling it to 24 kHz when the chunk's MIME type names another rate.
func (s *session) SendRealtimeInput(ctx context.Context, chunk s2s.Blob) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	data := chunk.Data
	if rate, ok := audio.ParsePCMRate(chunk.MIMEType); ok && rate != SampleRate {
		pcm, err := audio.Decode(chunk.Data)
		if err != nil {
			return fmt.Errorf("openai: send realtime input: %w", err)
		}
		data = audio.Encode(audio.ResampleMono16(pcm, rate, SampleRate))
	}

	if err := s.writeJSON(ctx, appendAudioMessage{Type: "input_audio_buffer.append", Audio: data}); err != nil {
		return fmt.Errorf("openai: send realtime input: %w", err)
	}
	return nil
}

// Events returns the ordered stream of session events.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
