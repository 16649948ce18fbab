package web_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/livetutor/internal/health"
	"github.com/MrWong99/livetutor/internal/observe"
	"github.com/MrWong99/livetutor/internal/session"
	"github.com/MrWong99/livetutor/internal/web"
	"github.com/MrWong99/livetutor/pkg/audio"
	"github.com/MrWong99/livetutor/pkg/audio/mixer"
	"github.com/MrWong99/livetutor/pkg/provider/s2s"
	smock "github.com/MrWong99/livetutor/pkg/provider/s2s/mock"
)

// ── Harness ───────────────────────────────────────────────────────────────────

type env struct {
	srv    *httptest.Server
	ctrl   *session.Controller
	bridge *web.Bridge
	sess   *smock.Session
	prov   *smock.Provider
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEnv(t *testing.T, opts ...web.Option) *env {
	t.Helper()
	met, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	e := &env{sess: smock.NewSession(32)}
	e.prov = &smock.Provider{Session: e.sess}
	e.bridge = web.NewBridge(
		web.WithBridgeLogger(discardLogger()),
		web.WithMixerOptions(mixer.WithFrame(5*time.Millisecond)),
	)
	e.ctrl = session.New(e.prov, e.bridge.Microphone(), e.bridge.Speaker(), session.DefaultTemplate(),
		session.WithMetrics(met), session.WithLogger(discardLogger()))

	opts = append([]web.Option{web.WithMetrics(met), web.WithLogger(discardLogger())}, opts...)
	e.srv = httptest.NewServer(web.New(e.ctrl, e.bridge, opts...).Handler())
	t.Cleanup(func() {
		e.ctrl.Stop()
		e.srv.Close()
	})
	return e
}

// pageMsg is the union of all server → page text messages.
type pageMsg struct {
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	Label      string          `json:"label"`
	Color      string          `json:"color"`
	Error      string          `json:"error"`
	Transcript []session.Entry `json:"transcript"`
	Button     string          `json:"button"`
	Disabled   bool            `json:"disabled"`
	SampleRate int             `json:"sample_rate"`
	BlockSize  int             `json:"block_size"`
	Channels   int             `json:"channels"`
}

// page is a scripted browser tab.
type page struct {
	conn   *websocket.Conn
	texts  chan pageMsg
	frames chan []byte
	closed chan error
}

func (e *env) openPage(t *testing.T) *page {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(e.srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	p := &page{
		conn:   conn,
		texts:  make(chan pageMsg, 64),
		frames: make(chan []byte, 256),
		closed: make(chan error, 1),
	}
	go func() {
		for {
			typ, data, err := conn.Read(context.Background())
			if err != nil {
				p.closed <- err
				return
			}
			if typ == websocket.MessageBinary {
				select {
				case p.frames <- data:
				default:
				}
				continue
			}
			var m pageMsg
			if err := json.Unmarshal(data, &m); err == nil {
				p.texts <- m
			}
		}
	}()
	t.Cleanup(func() { conn.CloseNow() })
	return p
}

func (p *page) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (p *page) sendSamples(t *testing.T, samples []float32) {
	t.Helper()
	buf := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	if err := p.conn.Write(context.Background(), websocket.MessageBinary, buf); err != nil {
		t.Fatalf("write binary: %v", err)
	}
}

// expect returns the next message of type typ, skipping others.
func (p *page) expect(t *testing.T, typ string) pageMsg {
	t.Helper()
	return p.until(t, typ, func(pageMsg) {})
}

// until returns the next message of type typ and passes every message
// skipped on the way to seen.
func (p *page) until(t *testing.T, typ string, seen func(pageMsg)) pageMsg {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m := <-p.texts:
			if m.Type == typ {
				return m
			}
			seen(m)
		case <-timeout:
			t.Fatalf("timeout waiting for %q message", typ)
		}
	}
}

// expectState returns the first state message with the given status.
func (p *page) expectState(t *testing.T, status string) pageMsg {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m := <-p.texts:
			if m.Type == "state" && m.Status == status {
				return m
			}
		case <-timeout:
			t.Fatalf("timeout waiting for state %s", status)
		}
	}
}

// connect drives the page through start → mic grant → Opened.
func (e *env) connect(t *testing.T, p *page) {
	t.Helper()
	p.expectState(t, "DISCONNECTED")
	p.send(t, map[string]any{"type": "start"})
	req := p.expect(t, "mic_request")
	p.send(t, map[string]any{"type": "mic_granted", "sample_rate": req.SampleRate})
	p.expect(t, "playback_open")
	waitFor(t, "connect call", func() bool { return len(e.prov.Calls()) == 1 })
	e.sess.Emit(s2s.Opened{})
	p.expectState(t, "CONNECTED")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// ── UI socket ─────────────────────────────────────────────────────────────────

func TestSocket_InitialState(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	p := e.openPage(t)

	m := p.expectState(t, "DISCONNECTED")
	if m.Label != "Disconnected" || m.Color != "gray" {
		t.Errorf("label/color = %q/%q", m.Label, m.Color)
	}
	if m.Button != "Start Session" || m.Disabled {
		t.Errorf("button = %q disabled=%v, want enabled Start Session", m.Button, m.Disabled)
	}
	if m.Transcript == nil {
		t.Error("transcript should be an empty list, not null")
	}
	waitFor(t, "bridge attached", e.bridge.Attached)
}

func TestSocket_FullSession(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	p := e.openPage(t)

	p.expectState(t, "DISCONNECTED")
	p.send(t, map[string]any{"type": "start"})

	// The state push and the microphone request travel independently, so
	// either may arrive first. The session stays Connecting until the grant.
	var connecting *pageMsg
	req := p.until(t, "mic_request", func(m pageMsg) {
		if m.Type == "state" && m.Status == "CONNECTING" {
			connecting = &m
		}
	})
	if req.SampleRate != 16000 || req.BlockSize != 4096 {
		t.Fatalf("mic_request = %+v, want 16000 Hz / 4096", req)
	}
	if connecting == nil {
		m := p.expectState(t, "CONNECTING")
		connecting = &m
	}
	if !connecting.Disabled || connecting.Label != "Connecting..." || connecting.Button != "Connecting" {
		t.Errorf("connecting state = %+v", *connecting)
	}

	p.send(t, map[string]any{"type": "mic_granted", "sample_rate": 16000})
	open := p.expect(t, "playback_open")
	if open.SampleRate != 24000 || open.Channels != 1 {
		t.Fatalf("playback_open = %+v, want 24000 Hz mono", open)
	}

	waitFor(t, "connect call", func() bool { return len(e.prov.Calls()) == 1 })
	e.sess.Emit(s2s.Opened{})
	connected := p.expectState(t, "CONNECTED")
	if connected.Button != "Stop Session" || connected.Color != "green" {
		t.Errorf("connected state = %+v", connected)
	}

	// Capture: one full block at the page rate reaches the remote session.
	samples := make([]float32, 4096)
	samples[0] = 0.5
	p.sendSamples(t, samples)
	select {
	case <-e.sess.Sent():
	case <-time.After(2 * time.Second):
		t.Fatal("capture block was not forwarded")
	}
	sent := e.sess.Sends()
	if sent[0].MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("mime = %q", sent[0].MIMEType)
	}
	raw, err := audio.Decode(sent[0].Data)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 8192 || raw[0] != 0x00 || raw[1] != 0x40 {
		t.Errorf("pcm = %d bytes starting %x, want 8192 starting 0040", len(raw), raw[:2])
	}

	// Playback: decoded model audio is rendered to the page as PCM16 frames.
	e.sess.Emit(s2s.AudioPayload{MIMEType: "audio/pcm;rate=24000", Data: audio.Encode(make([]byte, 2*2400))})
	select {
	case f := <-p.frames:
		if len(f) != 240 {
			t.Errorf("frame = %d bytes, want 240 (5ms at 24kHz)", len(f))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no playback frame received")
	}

	// Transcript.
	e.sess.Emit(s2s.TranscriptDelta{Speaker: s2s.SpeakerUser, Text: "what is 3 times 4"})
	e.sess.Emit(s2s.TranscriptDelta{Speaker: s2s.SpeakerAgent, Text: "It is 12."})
	e.sess.Emit(s2s.TurnComplete{})
	timeout := time.After(2 * time.Second)
	for {
		var m pageMsg
		select {
		case m = <-p.texts:
		case <-timeout:
			t.Fatal("transcript never arrived")
		}
		if m.Type == "state" && len(m.Transcript) == 2 {
			if m.Transcript[0].Speaker != s2s.SpeakerUser || m.Transcript[1].Text != "It is 12." {
				t.Errorf("transcript = %+v", m.Transcript)
			}
			break
		}
	}

	// Stop from the page.
	p.send(t, map[string]any{"type": "stop"})
	p.expect(t, "mic_release")
	p.expect(t, "playback_close")
	stopped := p.expectState(t, "DISCONNECTED")
	if len(stopped.Transcript) != 2 {
		t.Errorf("transcript after stop = %+v, want it kept", stopped.Transcript)
	}
	if e.sess.Closes() != 1 {
		t.Errorf("remote session closed %d times, want 1", e.sess.Closes())
	}
}

func TestSocket_ResamplesPageRate(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	p := e.openPage(t)

	p.expectState(t, "DISCONNECTED")
	p.send(t, map[string]any{"type": "start"})
	p.expect(t, "mic_request")
	// The page could only open its microphone at 48 kHz.
	p.send(t, map[string]any{"type": "mic_granted", "sample_rate": 48000})
	p.expect(t, "playback_open")
	waitFor(t, "connect call", func() bool { return len(e.prov.Calls()) == 1 })
	e.sess.Emit(s2s.Opened{})
	p.expectState(t, "CONNECTED")

	// 3 × 4096 samples at 48 kHz resample to one 4096-sample block at 16 kHz.
	p.sendSamples(t, make([]float32, 3*4096))
	select {
	case <-e.sess.Sent():
	case <-time.After(2 * time.Second):
		t.Fatal("resampled block was not forwarded")
	}
	raw, err := audio.Decode(e.sess.Sends()[0].Data)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 8192 {
		t.Errorf("block = %d bytes, want 8192", len(raw))
	}
}

func TestSocket_MicDenied(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	p := e.openPage(t)

	p.expectState(t, "DISCONNECTED")
	p.send(t, map[string]any{"type": "start"})
	p.expect(t, "mic_request")
	p.send(t, map[string]any{"type": "mic_denied", "reason": "NotAllowedError"})

	m := p.expectState(t, "ERROR")
	if !strings.HasPrefix(m.Error, "Failed to start session: ") || !strings.Contains(m.Error, "NotAllowedError") {
		t.Errorf("error = %q", m.Error)
	}
	if m.Button != "Start Session" || m.Disabled || m.Color != "red" {
		t.Errorf("error state = %+v", m)
	}
	if n := len(e.prov.Calls()); n != 0 {
		t.Errorf("provider dialled %d times after denial, want 0", n)
	}
}

func TestSocket_DisconnectStopsSession(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	p := e.openPage(t)
	e.connect(t, p)

	p.conn.Close(websocket.StatusNormalClosure, "tab closed")

	waitFor(t, "session stopped", func() bool {
		return e.ctrl.Snapshot().Status == session.Disconnected && e.sess.Closes() == 1
	})
	waitFor(t, "bridge detached", func() bool { return !e.bridge.Attached() })
}

func TestSocket_SecondPageReplacesFirst(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	first := e.openPage(t)
	e.connect(t, first)

	second := e.openPage(t)
	second.expectState(t, "DISCONNECTED")

	select {
	case <-first.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("first page was not disconnected")
	}
	waitFor(t, "session stopped", func() bool {
		return e.ctrl.Snapshot().Status == session.Disconnected && e.sess.Closes() == 1
	})
	if !e.bridge.Attached() {
		t.Error("second page should stay attached")
	}
}

func TestSocket_RemoteCloseSurfacesError(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	p := e.openPage(t)
	e.connect(t, p)

	e.sess.Emit(s2s.Closed{Code: 1011, Reason: ""})
	m := p.expectState(t, "ERROR")
	if m.Error != "Connection closed unexpectedly (Code: 1011)." {
		t.Errorf("error = %q", m.Error)
	}
}

// ── JSON API ──────────────────────────────────────────────────────────────────

func TestAPI_GetSession(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	resp, err := http.Get(e.srv.URL + "/api/session")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var v web.View
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	if v.Status != "DISCONNECTED" || v.Button != "Start Session" {
		t.Errorf("view = %+v", v)
	}
}

func TestAPI_StartWithoutPage(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	resp, err := http.Post(e.srv.URL+"/api/session/start", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	var v web.View
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	if v.Status != "ERROR" || !strings.HasPrefix(v.Error, "Failed to start session: ") {
		t.Errorf("view = %+v", v)
	}
}

func TestAPI_StartWhileActive(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	p := e.openPage(t)
	e.connect(t, p)

	resp, err := http.Post(e.srv.URL+"/api/session/start", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestAPI_Stop(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	p := e.openPage(t)
	e.connect(t, p)

	resp, err := http.Post(e.srv.URL+"/api/session/stop", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var v web.View
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || v.Status != "DISCONNECTED" {
		t.Fatalf("status = %d view = %+v", resp.StatusCode, v)
	}
	p.expectState(t, "DISCONNECTED")
}

// ── Static and mounted routes ─────────────────────────────────────────────────

func TestIndexPage(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	resp, err := http.Get(e.srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "Live Tutor") {
		t.Fatalf("status = %d, body does not look like the page", resp.StatusCode)
	}
}

func TestMountedRoutes(t *testing.T) {
	t.Parallel()
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# metrics\n")
	})
	e := newEnv(t, web.WithHealth(health.New()), web.WithMetricsHandler(metricsHandler))

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(e.srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, resp.StatusCode)
		}
	}
}
