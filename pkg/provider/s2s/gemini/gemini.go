// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio is transmitted as base64-encoded PCM chunks in both directions; input
// and output transcriptions are requested at setup time.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/MrWong99/livetutor/pkg/provider/s2s"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	// DefaultModel is the native-audio model used when no model is configured.
	DefaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	endpointPath   = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer = 64
)

// ErrSessionClosed is returned by SendRealtimeInput after Close.
var ErrSessionClosed = errors.New("gemini: session closed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithKeepalive overrides the ping interval. Zero disables keepalive pings.
func WithKeepalive(d time.Duration) Option {
	return func(p *Provider) { p.keepalive = d }
}

// WithLogger sets the logger used for connection diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey    string
	model     string
	baseURL   string
	keepalive time.Duration
	log       *slog.Logger
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		model:     DefaultModel,
		baseURL:   defaultBaseURL,
		keepalive: keepaliveInterval,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements s2s.Provider.
func (p *Provider) Name() string { return "gemini-live" }

// Voices lists the prebuilt voices accepted in SessionConfig.Voice.
func Voices() []string {
	return []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"}
}

// Connect establishes a new Gemini Live session with the given configuration.
// It returns once the setup message is written; s2s.Opened is emitted when the
// server acknowledges it with setupComplete.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := p.baseURL + endpointPath + "?key=" + url.QueryEscape(p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	// Inline audio frames routinely exceed the 32 KiB default.
	conn.SetReadLimit(16 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan s2s.Event, eventBuffer),
		done:   make(chan struct{}),
		ctx:    sessCtx,
		cancel: sessCancel,
		log:    p.log.With("provider", p.Name()),
	}

	if err := sess.sendSetup(ctx, p.model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go sess.receiveLoop()
	if p.keepalive > 0 {
		go sess.keepaliveLoop(p.keepalive)
	}

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan s2s.Event
	log    *slog.Logger

	mu     sync.Mutex
	done   chan struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(ctx context.Context, model string, cfg s2s.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}

	return s.writeJSON(ctx, msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// emit delivers ev unless the session has been closed locally.
func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// receiveLoop reads messages from the WebSocket and translates them into
// events. It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// A locally closed session reports nothing further.
			if s.ctx.Err() != nil {
				return
			}
			s.emitTermination(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("skipping malformed frame", "err", err)
			continue
		}

		for _, ev := range translate(&msg) {
			if !s.emit(ev) {
				return
			}
		}
	}
}

// emitTermination maps a read failure onto the terminal event sequence: a
// close frame becomes Closed with its code and reason; anything else is a
// transport error followed by an abnormal close.
func (s *session) emitTermination(err error) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		s.emit(s2s.Closed{Code: int(ce.Code), Reason: ce.Reason})
		return
	}
	if !s.emit(s2s.TransportError{Err: fmt.Errorf("gemini: read: %w", err)}) {
		return
	}
	s.emit(s2s.Closed{Code: s2s.CloseAbnormal})
}

// translate expands one server message into events.
func translate(msg *serverMessage) []s2s.Event {
	var evs []s2s.Event
	if msg.SetupComplete != nil {
		evs = append(evs, s2s.Opened{})
	}
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		evs = append(evs, s2s.TransportError{Err: fmt.Errorf("gemini: %s", text)})
	}
	sc := msg.ServerContent
	if sc == nil {
		return evs
	}

	var input, output string
	if sc.InputTranscription != nil {
		input = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		output = sc.OutputTranscription.Text
	}

	// Playable audio is read from the first part of a model turn only.
	var audio *s2s.AudioPayload
	if sc.ModelTurn != nil && len(sc.ModelTurn.Parts) > 0 {
		if d := sc.ModelTurn.Parts[0].InlineData; d != nil {
			audio = &s2s.AudioPayload{MIMEType: d.MIMEType, Data: d.Data}
		}
	}

	return append(evs, s2s.Expand(input, output, sc.TurnComplete, audio, sc.Interrupted)...)
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil {
				s.log.Debug("keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendRealtimeInput delivers one base64-encoded media chunk to the model.
func (s *session) SendRealtimeInput(ctx context.Context, chunk s2s.Blob) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: chunk.MIMEType, Data: chunk.Data},
			},
		},
	}
	if err := s.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("gemini: send realtime input: %w", err)
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

	s.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
