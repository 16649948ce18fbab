package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/livetutor/internal/config"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  tls:
    cert_file: /etc/livetutor/cert.pem
    key_file: /etc/livetutor/key.pem

provider:
  name: gemini-live
  api_key: g-test
  model: gemini-2.5-flash-native-audio-preview-09-2025
  fallbacks:
    - name: openai-realtime
      api_key: sk-test
      base_url: wss://realtime.example.com/v1/realtime
      options:
        region: eu

session:
  voice: Kore
  instructions: You are a strict but fair algebra coach.
  input_sample_rate: 16000
  output_sample_rate: 24000
  capture_block_size: 2048
  input_transcription: false

resilience:
  max_failures: 3
  reset_timeout: 1m
`

func load(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func loadErr(t *testing.T, yaml string) error {
	t.Helper()
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	return err
}

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()
	cfg := load(t, sampleYAML)

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q, want :9090", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Server.TLS == nil || cfg.Server.TLS.KeyFile != "/etc/livetutor/key.pem" {
		t.Errorf("tls = %+v", cfg.Server.TLS)
	}

	if cfg.Provider.Name != "gemini-live" || cfg.Provider.APIKey != "g-test" {
		t.Errorf("provider = %+v", cfg.Provider.ProviderEntry)
	}
	if len(cfg.Provider.Fallbacks) != 1 {
		t.Fatalf("fallbacks = %d, want 1", len(cfg.Provider.Fallbacks))
	}
	fb := cfg.Provider.Fallbacks[0]
	if fb.Name != "openai-realtime" || fb.BaseURL != "wss://realtime.example.com/v1/realtime" {
		t.Errorf("fallback = %+v", fb)
	}
	if fb.Options["region"] != "eu" {
		t.Errorf("fallback options = %v", fb.Options)
	}

	s := cfg.Session
	if s.Voice != "Kore" || s.CaptureBlockSize != 2048 || s.InputSampleRate != 16000 || s.OutputSampleRate != 24000 {
		t.Errorf("session = %+v", s)
	}
	if s.InputTranscription == nil || *s.InputTranscription {
		t.Errorf("input_transcription = %v, want explicit false", s.InputTranscription)
	}
	if s.OutputTranscription != nil {
		t.Errorf("output_transcription = %v, want unset", *s.OutputTranscription)
	}

	if cfg.Resilience.MaxFailures != 3 || cfg.Resilience.ResetTimeout != time.Minute {
		t.Errorf("resilience = %+v", cfg.Resilience)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg := load(t, "provider:\n  name: gemini-live\n  api_key: k\n")

	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q, want %q", cfg.Server.ListenAddr, config.DefaultListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Resilience.MaxFailures != config.DefaultMaxFailures {
		t.Errorf("max_failures = %d, want %d", cfg.Resilience.MaxFailures, config.DefaultMaxFailures)
	}
	if cfg.Resilience.ResetTimeout != config.DefaultResetTimeout {
		t.Errorf("reset_timeout = %v, want %v", cfg.Resilience.ResetTimeout, config.DefaultResetTimeout)
	}
	if cfg.Session != (config.SessionConfig{}) {
		t.Errorf("session = %+v, want zero value", cfg.Session)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	err := loadErr(t, "provider:\n  name: gemini-live\n  api_key: k\n  temperature: 0.3\n")
	if !strings.Contains(err.Error(), "temperature") {
		t.Errorf("error should name the unknown field, got: %v", err)
	}
}

func TestLoadFromReader_Empty(t *testing.T) {
	t.Parallel()
	err := loadErr(t, "")
	if !strings.Contains(err.Error(), "provider.name is required") {
		t.Errorf("error = %v, want provider.name is required", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want os.ErrNotExist", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, sampleYAML)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.Voice != "Kore" {
		t.Errorf("voice = %q, want Kore", cfg.Session.Voice)
	}
}

// ── Environment ───────────────────────────────────────────────────────────────

func TestResolveEnv(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Provider: config.ProviderConfig{
			ProviderEntry: config.ProviderEntry{Name: "gemini-live"},
			Fallbacks: []config.ProviderEntry{
				{Name: "openai-realtime", APIKey: "explicit"},
				{Name: "custom"},
			},
		},
	}
	env := map[string]string{
		"GEMINI_API_KEY": "from-env",
		"OPENAI_API_KEY": "ignored",
	}
	config.ResolveEnv(cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	if cfg.Provider.APIKey != "from-env" {
		t.Errorf("primary api_key = %q, want from-env", cfg.Provider.APIKey)
	}
	if cfg.Provider.Fallbacks[0].APIKey != "explicit" {
		t.Errorf("explicit api_key overwritten: %q", cfg.Provider.Fallbacks[0].APIKey)
	}
	if cfg.Provider.Fallbacks[1].APIKey != "" {
		t.Errorf("unknown provider got api_key %q", cfg.Provider.Fallbacks[1].APIKey)
	}
}

func TestLoadFromReader_APIKeyFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	cfg := load(t, "provider:\n  name: openai-realtime\n")
	if cfg.Provider.APIKey != "sk-env" {
		t.Errorf("api_key = %q, want sk-env", cfg.Provider.APIKey)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "g-env")
	t.Setenv("OPENAI_API_KEY", "sk-env")

	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Provider.Name != "gemini-live" || cfg.Provider.APIKey != "g-env" {
		t.Errorf("primary = %+v", cfg.Provider.ProviderEntry)
	}
	if len(cfg.Provider.Fallbacks) != 1 || cfg.Provider.Fallbacks[0].APIKey != "sk-env" {
		t.Errorf("fallbacks = %+v", cfg.Provider.Fallbacks)
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *config.Config {
		cfg := &config.Config{
			Provider: config.ProviderConfig{
				ProviderEntry: config.ProviderEntry{Name: "gemini-live", APIKey: "k"},
			},
		}
		config.ApplyDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"valid", func(*config.Config) {}, ""},
		{"bad log level", func(c *config.Config) { c.Server.LogLevel = "bananas" }, "server.log_level"},
		{"half tls", func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "c.pem"} }, "server.tls"},
		{"missing api key", func(c *config.Config) { c.Provider.APIKey = "" }, "GEMINI_API_KEY"},
		{"unknown provider without key", func(c *config.Config) { c.Provider = config.ProviderConfig{ProviderEntry: config.ProviderEntry{Name: "local-llm"}} }, ""},
		{"fallback without name", func(c *config.Config) {
			c.Provider.Fallbacks = []config.ProviderEntry{{APIKey: "x"}}
		}, "provider.fallbacks[0].name is required"},
		{"duplicate fallback", func(c *config.Config) {
			c.Provider.Fallbacks = []config.ProviderEntry{{Name: "gemini-live", APIKey: "x"}}
		}, "duplicate"},
		{"input rate low", func(c *config.Config) { c.Session.InputSampleRate = 4000 }, "session.input_sample_rate"},
		{"output rate high", func(c *config.Config) { c.Session.OutputSampleRate = 96000 }, "session.output_sample_rate"},
		{"block not power of two", func(c *config.Config) { c.Session.CaptureBlockSize = 1000 }, "capture_block_size"},
		{"block too large", func(c *config.Config) { c.Session.CaptureBlockSize = 32768 }, "capture_block_size"},
		{"block ok", func(c *config.Config) { c.Session.CaptureBlockSize = 256 }, ""},
		{"negative failures", func(c *config.Config) { c.Resilience.MaxFailures = -1 }, "resilience.max_failures"},
		{"negative timeout", func(c *config.Config) { c.Resilience.ResetTimeout = -time.Second }, "resilience.reset_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:  config.ServerConfig{LogLevel: "loud"},
		Session: config.SessionConfig{CaptureBlockSize: 3},
	}
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "provider.name", "capture_block_size"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q.IsValid() = false", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error(`"trace".IsValid() = true`)
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := tt.in.Level(); got != tt.want {
			t.Errorf("%q.Level() = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestProviderConfig_Entries(t *testing.T) {
	t.Parallel()
	pc := config.ProviderConfig{
		ProviderEntry: config.ProviderEntry{Name: "a"},
		Fallbacks:     []config.ProviderEntry{{Name: "b"}, {Name: "c"}},
	}
	got := pc.Entries()
	if len(got) != 3 || got[0].Name != "a" || got[1].Name != "b" || got[2].Name != "c" {
		t.Fatalf("Entries() = %+v", got)
	}
}
