package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// SessionChanged is true if any session template field changed. Applied
	// to the next session start; a running session keeps its settings.
	SessionChanged bool

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ProviderChanged is true if the primary backend or the fallback list
	// changed. Needs a restart.
	ProviderChanged bool

	// ServerChanged is true if the listen address or TLS settings changed.
	// Needs a restart.
	ServerChanged bool

	// ResilienceChanged is true if breaker tuning changed. Needs a restart.
	ResilienceChanged bool
}

// RequiresRestart reports whether any change cannot be applied live.
func (d ConfigDiff) RequiresRestart() bool {
	return d.ProviderChanged || d.ServerChanged || d.ResilienceChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!reflect.DeepEqual(old.Server.TLS, new.Server.TLS) ||
		!slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.ServerChanged = true
	}
	d.SessionChanged = !sessionEqual(old.Session, new.Session)
	d.ProviderChanged = !slices.EqualFunc(old.Provider.Entries(), new.Provider.Entries(), entryEqual)
	d.ResilienceChanged = old.Resilience != new.Resilience

	return d
}

func sessionEqual(a, b SessionConfig) bool {
	return a.Voice == b.Voice &&
		a.Instructions == b.Instructions &&
		a.InputSampleRate == b.InputSampleRate &&
		a.OutputSampleRate == b.OutputSampleRate &&
		a.CaptureBlockSize == b.CaptureBlockSize &&
		boolPtrEqual(a.InputTranscription, b.InputTranscription) &&
		boolPtrEqual(a.OutputTranscription, b.OutputTranscription)
}

func boolPtrEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func entryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		maps.EqualFunc(a.Options, b.Options, func(x, y any) bool { return reflect.DeepEqual(x, y) })
}
