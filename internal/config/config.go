// Package config provides the configuration schema, loader, file watcher, and
// provider registry for the Fablewake daemon.
package config

import (
	"time"

	"github.com/fablehome/fablewake/pkg/provider/wake"
)

// DefaultPath is where the daemon looks for its config when --config is not
// given.
const DefaultPath = "/etc/fablewake/config.yaml"

// LogLevel controls log verbosity for the daemon.
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

// LogFormat selects the slog handler encoding.
type LogFormat string

const (
	LogText LogFormat = "text"
	LogJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogText || f == LogJSON
}

// Source selects the audio capture implementation.
type Source string

const (
	// SourcePulse captures from a local PulseAudio microphone.
	SourcePulse Source = "pulse"

	// SourceSatellite ingests frames from a wireless mic satellite over
	// WebSocket.
	SourceSatellite Source = "satellite"
)

// IsValid reports whether s is a recognised audio source.
func (s Source) IsValid() bool {
	return s == SourcePulse || s == SourceSatellite
}

// WakeEngine selects the wake-word detection backend.
type WakeEngine string

const (
	// EngineWhisperKWS runs keyword spotting on a local whisper.cpp model.
	EngineWhisperKWS WakeEngine = "whisperkws"

	// EngineHosted delegates detection to a hosted wake-word service.
	EngineHosted WakeEngine = "hosted"
)

// IsValid reports whether e is a recognised wake engine.
func (e WakeEngine) IsValid() bool {
	return e == EngineWhisperKWS || e == EngineHosted
}

// Config is the root configuration structure for the daemon. It is loaded
// from a YAML file with [Load]; absent fields keep the [Default] values.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Audio     AudioConfig     `yaml:"audio"`
	Wake      WakeConfig      `yaml:"wake"`
	STT       STTConfig       `yaml:"stt"`
	Resources ResourcesConfig `yaml:"resources"`
	Capture   CaptureConfig   `yaml:"capture"`
	Status    StatusConfig    `yaml:"status"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LoggingConfig controls the daemon's slog output.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// AudioConfig selects and shapes the capture source.
type AudioConfig struct {
	// Source selects the capture implementation.
	Source Source `yaml:"source"`

	// Device selects the input device by id or description substring.
	// Empty or "default" selects the system default.
	Device string `yaml:"device"`

	// FallbackDevice is tried when Device is unavailable or muted.
	FallbackDevice string `yaml:"fallback_device"`

	// SampleRate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// Channels to capture.
	Channels int `yaml:"channels"`

	// FrameMs is the frame length in milliseconds.
	FrameMs int `yaml:"frame_ms"`

	// BufferSeconds sizes the pre-roll ring buffer.
	BufferSeconds int `yaml:"buffer_seconds"`
}

// WakeConfig configures the wake-word engine and its detection session.
type WakeConfig struct {
	// Engine selects the detection backend.
	Engine WakeEngine `yaml:"engine"`

	// Phrase is the wake phrase to spot.
	Phrase string `yaml:"phrase"`

	// Sensitivity selects the detection threshold.
	Sensitivity wake.Sensitivity `yaml:"sensitivity"`

	// Cooldown suppresses wake events this soon after an accepted one.
	Cooldown time.Duration `yaml:"cooldown"`

	// WindowMs is the sliding evaluation window length.
	WindowMs int `yaml:"window_ms"`

	// CheckIntervalMs is how often the window is evaluated.
	CheckIntervalMs int `yaml:"check_interval_ms"`

	// Model is the model artifact reference resolved through the model
	// store (path, name, or URL). Empty selects the engine's default.
	Model string `yaml:"model"`

	// ModelFetchTimeout bounds resolving and loading the model.
	ModelFetchTimeout time.Duration `yaml:"model_fetch_timeout"`

	// ServiceURL is the hosted engine's endpoint. Required for engine
	// "hosted", ignored otherwise.
	ServiceURL string `yaml:"service_url"`
}

// STTConfig configures transcription dispatch and its provider chain.
type STTConfig struct {
	// RequestTimeout is the per-attempt deadline, within [10s, 15s].
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Language is the default transcription language hint.
	Language string `yaml:"language"`

	// FailureThreshold is the consecutive failure count that degrades the
	// pipeline.
	FailureThreshold int `yaml:"failure_threshold"`

	// Providers lists the transcription backends in dispatch order; the
	// first entry is the primary.
	Providers []ProviderEntry `yaml:"providers"`
}

// ProviderEntry is the common configuration block shared by all STT
// providers. The Name field selects the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// (e.g., "whisper-remote", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider
	// (e.g., "whisper-1", "ggml-base.en").
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the standard
	// fields above.
	Options map[string]any `yaml:"options"`
}

// ResourcesConfig shapes the memory pressure monitor.
type ResourcesConfig struct {
	// PollInterval is the sampling cadence, within [5s, 15s].
	PollInterval time.Duration `yaml:"poll_interval"`

	// WarningFraction is the memory fraction that raises the warning level.
	WarningFraction float64 `yaml:"warning_fraction"`

	// CriticalFraction is the memory fraction that raises the critical
	// level. Must exceed WarningFraction.
	CriticalFraction float64 `yaml:"critical_fraction"`

	// GracePeriod is how long pressure must hold critical before the
	// pipeline degrades.
	GracePeriod time.Duration `yaml:"grace_period"`

	// HoldPeriod is how long pressure must hold normal before degradation
	// lifts.
	HoldPeriod time.Duration `yaml:"hold_period"`

	// MemoryBudgetBytes is the total memory budget when /proc is
	// unavailable. Zero means the 512 MiB device budget.
	MemoryBudgetBytes int64 `yaml:"memory_budget_bytes"`
}

// CaptureConfig shapes listening sessions.
type CaptureConfig struct {
	// PreRollMs is how much ring history anchors a capture.
	PreRollMs int `yaml:"pre_roll_ms"`

	// SilenceMs ends a capture after this much continuous quiet.
	SilenceMs int `yaml:"silence_ms"`

	// SilenceRMS is the PCM energy floor below which audio counts as quiet.
	SilenceRMS float64 `yaml:"silence_rms"`

	// MaxDuration is the hard capture ceiling. Must exceed the silence
	// window.
	MaxDuration time.Duration `yaml:"max_duration"`

	// RespondTimeout bounds the intent consumer callback.
	RespondTimeout time.Duration `yaml:"respond_timeout"`
}

// StatusConfig configures the local status and event surface.
type StatusConfig struct {
	// Listen is the TCP address of the status server.
	Listen string `yaml:"listen"`

	// Enabled switches the status server on. Defaults to true.
	Enabled bool `yaml:"enabled"`
}

// TelemetryConfig switches observability exports.
type TelemetryConfig struct {
	// MetricsEnabled exposes the Prometheus endpoint on the status server.
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// Default returns the configuration the daemon runs with when the file sets
// nothing. Load overlays the YAML file on top of it, so absent fields keep
// these values.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  LogInfo,
			Format: LogText,
		},
		Audio: AudioConfig{
			Source:        SourcePulse,
			SampleRate:    16000,
			Channels:      1,
			FrameMs:       20,
			BufferSeconds: 12,
		},
		Wake: WakeConfig{
			Engine:            EngineWhisperKWS,
			Phrase:            "hey fable",
			Sensitivity:       wake.SensitivityMedium,
			Cooldown:          2 * time.Second,
			WindowMs:          2000,
			CheckIntervalMs:   500,
			ModelFetchTimeout: 30 * time.Second,
		},
		STT: STTConfig{
			RequestTimeout:   12 * time.Second,
			Language:         "en",
			FailureThreshold: 3,
		},
		Resources: ResourcesConfig{
			PollInterval:     10 * time.Second,
			WarningFraction:  0.85,
			CriticalFraction: 0.95,
			GracePeriod:      20 * time.Second,
			HoldPeriod:       60 * time.Second,
		},
		Capture: CaptureConfig{
			PreRollMs:      300,
			SilenceMs:      1200,
			SilenceRMS:     300,
			MaxDuration:    10 * time.Second,
			RespondTimeout: 5 * time.Second,
		},
		Status: StatusConfig{
			Listen:  "127.0.0.1:8990",
			Enabled: true,
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled: true,
		},
	}
}
