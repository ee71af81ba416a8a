package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// KnownProviders lists the STT provider names this build can construct.
// Unknown names in the config are warned about and skipped at wiring time,
// so a config written for a newer build still runs on its remaining
// providers.
var KnownProviders = []string{"whisper-remote", "openai", "whisper-local"}

// IsKnownProvider reports whether name is in [KnownProviders].
func IsKnownProvider(name string) bool {
	return slices.Contains(KnownProviders, name)
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, overlays it on [Default], and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Logging
	if cfg.Logging.Level != "" && !cfg.Logging.Level.IsValid() {
		errs = append(errs, fmt.Errorf("logging.level %q is invalid; valid values: debug, info, warn, error", cfg.Logging.Level))
	}
	if cfg.Logging.Format != "" && !cfg.Logging.Format.IsValid() {
		errs = append(errs, fmt.Errorf("logging.format %q is invalid; valid values: text, json", cfg.Logging.Format))
	}

	// Audio
	if !cfg.Audio.Source.IsValid() {
		errs = append(errs, fmt.Errorf("audio.source %q is invalid; valid values: pulse, satellite", cfg.Audio.Source))
	}
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels < 1 || cfg.Audio.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 2]", cfg.Audio.Channels))
	}
	if cfg.Audio.FrameMs < 10 || cfg.Audio.FrameMs > 60 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d is out of range [10, 60]", cfg.Audio.FrameMs))
	}
	if cfg.Audio.BufferSeconds < 1 || cfg.Audio.BufferSeconds > 60 {
		errs = append(errs, fmt.Errorf("audio.buffer_seconds %d is out of range [1, 60]", cfg.Audio.BufferSeconds))
	}

	// Wake
	if !cfg.Wake.Engine.IsValid() {
		errs = append(errs, fmt.Errorf("wake.engine %q is invalid; valid values: whisperkws, hosted", cfg.Wake.Engine))
	}
	if cfg.Wake.Phrase == "" {
		errs = append(errs, errors.New("wake.phrase is required"))
	}
	if cfg.Wake.Sensitivity != "" && !cfg.Wake.Sensitivity.IsValid() {
		errs = append(errs, fmt.Errorf("wake.sensitivity %q is invalid; valid values: low, medium, high", cfg.Wake.Sensitivity))
	}
	if cfg.Wake.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("wake.cooldown %s must not be negative", cfg.Wake.Cooldown))
	}
	if cfg.Wake.WindowMs < 0 {
		errs = append(errs, fmt.Errorf("wake.window_ms %d must not be negative", cfg.Wake.WindowMs))
	}
	if cfg.Wake.CheckIntervalMs < 0 {
		errs = append(errs, fmt.Errorf("wake.check_interval_ms %d must not be negative", cfg.Wake.CheckIntervalMs))
	}
	if cfg.Wake.ModelFetchTimeout < 0 {
		errs = append(errs, fmt.Errorf("wake.model_fetch_timeout %s must not be negative", cfg.Wake.ModelFetchTimeout))
	}
	if cfg.Wake.Engine == EngineHosted && cfg.Wake.ServiceURL == "" {
		errs = append(errs, errors.New("wake.service_url is required when wake.engine is hosted"))
	}

	// STT
	if cfg.STT.RequestTimeout < 10*time.Second || cfg.STT.RequestTimeout > 15*time.Second {
		errs = append(errs, fmt.Errorf("stt.request_timeout %s is out of range [10s, 15s]", cfg.STT.RequestTimeout))
	}
	if cfg.STT.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("stt.failure_threshold %d must be at least 1", cfg.STT.FailureThreshold))
	}
	if len(cfg.STT.Providers) == 0 {
		errs = append(errs, errors.New("stt.providers requires at least one entry"))
	}
	providersSeen := make(map[string]int, len(cfg.STT.Providers))
	for i, p := range cfg.STT.Providers {
		prefix := fmt.Sprintf("stt.providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := providersSeen[p.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of stt.providers[%d]", prefix, p.Name, prev))
		}
		providersSeen[p.Name] = i
		if !IsKnownProvider(p.Name) {
			slog.Warn("unknown stt provider name, entry will be skipped",
				"name", p.Name,
				"known", KnownProviders,
			)
		}
		if p.Name == "openai" && p.APIKey == "" {
			slog.Warn("stt provider openai has no api_key; relying on the environment")
		}
	}

	// Resources
	if cfg.Resources.PollInterval < 5*time.Second || cfg.Resources.PollInterval > 15*time.Second {
		errs = append(errs, fmt.Errorf("resources.poll_interval %s is out of range [5s, 15s]", cfg.Resources.PollInterval))
	}
	warnOK := cfg.Resources.WarningFraction > 0 && cfg.Resources.WarningFraction <= 1
	critOK := cfg.Resources.CriticalFraction > 0 && cfg.Resources.CriticalFraction <= 1
	if !warnOK {
		errs = append(errs, fmt.Errorf("resources.warning_fraction %.2f is out of range (0, 1]", cfg.Resources.WarningFraction))
	}
	if !critOK {
		errs = append(errs, fmt.Errorf("resources.critical_fraction %.2f is out of range (0, 1]", cfg.Resources.CriticalFraction))
	}
	if warnOK && critOK && cfg.Resources.WarningFraction >= cfg.Resources.CriticalFraction {
		errs = append(errs, fmt.Errorf("resources.warning_fraction %.2f must be below critical_fraction %.2f",
			cfg.Resources.WarningFraction, cfg.Resources.CriticalFraction))
	}
	if cfg.Resources.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("resources.grace_period %s must not be negative", cfg.Resources.GracePeriod))
	}
	if cfg.Resources.HoldPeriod < 0 {
		errs = append(errs, fmt.Errorf("resources.hold_period %s must not be negative", cfg.Resources.HoldPeriod))
	}
	if cfg.Resources.MemoryBudgetBytes < 0 {
		errs = append(errs, fmt.Errorf("resources.memory_budget_bytes %d must not be negative", cfg.Resources.MemoryBudgetBytes))
	}

	// Capture
	if cfg.Capture.PreRollMs <= 0 {
		errs = append(errs, fmt.Errorf("capture.pre_roll_ms %d must be positive", cfg.Capture.PreRollMs))
	}
	if cfg.Capture.SilenceMs <= 0 {
		errs = append(errs, fmt.Errorf("capture.silence_ms %d must be positive", cfg.Capture.SilenceMs))
	}
	if cfg.Capture.SilenceRMS <= 0 {
		errs = append(errs, fmt.Errorf("capture.silence_rms %.1f must be positive", cfg.Capture.SilenceRMS))
	}
	if silence := time.Duration(cfg.Capture.SilenceMs) * time.Millisecond; cfg.Capture.MaxDuration <= silence {
		errs = append(errs, fmt.Errorf("capture.max_duration %s must exceed the silence window %s", cfg.Capture.MaxDuration, silence))
	}
	if cfg.Capture.RespondTimeout <= 0 {
		errs = append(errs, fmt.Errorf("capture.respond_timeout %s must be positive", cfg.Capture.RespondTimeout))
	}

	// Status
	if cfg.Status.Enabled && cfg.Status.Listen == "" {
		errs = append(errs, errors.New("status.listen is required when the status server is enabled"))
	}
	if cfg.Status.Listen != "" {
		if _, _, err := net.SplitHostPort(cfg.Status.Listen); err != nil {
			errs = append(errs, fmt.Errorf("status.listen %q is not a host:port address", cfg.Status.Listen))
		}
	}

	return errors.Join(errs...)
}
