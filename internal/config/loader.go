package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the realtime backends that ship with livetutor.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini-live", "openai-realtime"}

// APIKeyEnv maps provider names to the environment variable consulted when
// the provider's api_key is left empty.
var APIKeyEnv = map[string]string{
	"gemini-live":     "GEMINI_API_KEY",
	"openai-realtime": "OPENAI_API_KEY",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, resolves
// API keys from the environment and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ResolveEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveEnv fills empty API keys from the environment using lookup.
func ResolveEnv(cfg *Config, lookup func(string) (string, bool)) {
	resolve := func(e *ProviderEntry) {
		if e.APIKey != "" {
			return
		}
		name, ok := APIKeyEnv[e.Name]
		if !ok {
			return
		}
		if v, ok := lookup(name); ok {
			e.APIKey = v
		}
	}
	resolve(&cfg.Provider.ProviderEntry)
	for i := range cfg.Provider.Fallbacks {
		resolve(&cfg.Provider.Fallbacks[i])
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "") != (tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	errs = append(errs, validateEntry("provider", cfg.Provider.ProviderEntry)...)
	seen := map[string]string{cfg.Provider.Name: "provider"}
	for i, fb := range cfg.Provider.Fallbacks {
		prefix := fmt.Sprintf("provider.fallbacks[%d]", i)
		errs = append(errs, validateEntry(prefix, fb)...)
		if fb.Name == "" {
			continue
		}
		if prev, ok := seen[fb.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of %s", prefix, fb.Name, prev))
		}
		seen[fb.Name] = prefix
	}

	// Session
	s := cfg.Session
	if s.InputSampleRate != 0 && (s.InputSampleRate < 8000 || s.InputSampleRate > 48000) {
		errs = append(errs, fmt.Errorf("session.input_sample_rate %d is out of range [8000, 48000]", s.InputSampleRate))
	}
	if s.OutputSampleRate != 0 && (s.OutputSampleRate < 8000 || s.OutputSampleRate > 48000) {
		errs = append(errs, fmt.Errorf("session.output_sample_rate %d is out of range [8000, 48000]", s.OutputSampleRate))
	}
	if n := s.CaptureBlockSize; n != 0 && (n < 256 || n > 16384 || n&(n-1) != 0) {
		errs = append(errs, fmt.Errorf("session.capture_block_size %d must be a power of two in [256, 16384]", n))
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %s must not be negative", cfg.Resilience.ResetTimeout))
	}

	return errors.Join(errs...)
}

func validateEntry(prefix string, e ProviderEntry) []error {
	if e.Name == "" {
		return []error{fmt.Errorf("%s.name is required; valid values: %v", prefix, ValidProviderNames)}
	}
	validateProviderName(e.Name)
	if e.APIKey == "" {
		if env, ok := APIKeyEnv[e.Name]; ok {
			return []error{fmt.Errorf("%s.api_key is required (or set %s)", prefix, env)}
		}
	}
	return nil
}

// validateProviderName logs a warning if name is not found in
// [ValidProviderNames].
func validateProviderName(name string) {
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
