// Package config provides the configuration schema, loader, and provider registry
// for the livetutor server.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the livetutor server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level returns the slog level for l. Unknown levels map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr   = ":8080"
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
)

// Config is the root configuration structure for livetutor.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Provider   ProviderConfig   `yaml:"provider"`
	Session    SessionConfig    `yaml:"session"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds network and logging settings for the livetutor server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists extra host patterns (e.g., "tutor.example.com")
	// whose pages may open the UI socket. The serving origin is always allowed.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderConfig selects the realtime speech backend. The embedded entry is the
// primary; Fallbacks are dialled in order when the primary refuses to connect
// or its circuit breaker is open.
type ProviderConfig struct {
	ProviderEntry `yaml:",inline"`

	// Fallbacks lists alternative backends. May be empty.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// Entries returns the primary followed by the fallbacks.
func (p ProviderConfig) Entries() []ProviderEntry {
	out := make([]ProviderEntry, 0, 1+len(p.Fallbacks))
	out = append(out, p.ProviderEntry)
	return append(out, p.Fallbacks...)
}

// ProviderEntry is the configuration block for one realtime backend.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API. When empty it
	// is taken from the provider's environment variable (see [APIKeyEnv]).
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default websocket endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// SessionConfig is the template applied to every new tutoring session.
// Zero values mean "use the built-in default".
type SessionConfig struct {
	// Voice is the prebuilt voice the model answers with (e.g., "Puck").
	Voice string `yaml:"voice"`

	// Instructions is the system persona sent when the session opens.
	Instructions string `yaml:"instructions"`

	// InputSampleRate is the capture rate in Hz.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the playback rate in Hz.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// CaptureBlockSize is the number of samples per captured block. Must be a
	// power of two between 256 and 16384.
	CaptureBlockSize int `yaml:"capture_block_size"`

	// InputTranscription enables transcripts of what the student says.
	InputTranscription *bool `yaml:"input_transcription"`

	// OutputTranscription enables transcripts of what the tutor says.
	OutputTranscription *bool `yaml:"output_transcription"`
}

// ResilienceConfig tunes the circuit breaker guarding connection attempts.
type ResilienceConfig struct {
	// MaxFailures is the number of consecutive failed connects that open the
	// breaker. Default: 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ApplyDefaults fills zero-valued server and resilience settings. Session
// fields are left alone; the session package owns their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Resilience.MaxFailures == 0 {
		cfg.Resilience.MaxFailures = DefaultMaxFailures
	}
	if cfg.Resilience.ResetTimeout == 0 {
		cfg.Resilience.ResetTimeout = DefaultResetTimeout
	}
}
