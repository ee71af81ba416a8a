package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fablehome/fablewake/internal/config"
	"github.com/fablehome/fablewake/pkg/audio"
	"github.com/fablehome/fablewake/pkg/provider/stt"
	"github.com/fablehome/fablewake/pkg/provider/wake"
)

// --- Sample document ---

const sampleYAML = `
logging:
  level: debug
  format: json

audio:
  source: pulse
  device: seeed-2mic
  fallback_device: default
  sample_rate: 16000
  channels: 1
  frame_ms: 20
  buffer_seconds: 10

wake:
  engine: whisperkws
  phrase: hey fable
  sensitivity: high
  cooldown: 2s
  window_ms: 2000
  check_interval_ms: 500
  model: tiny-kws-q5.bin
  model_fetch_timeout: 30s

stt:
  request_timeout: 14s
  language: en
  failure_threshold: 3
  providers:
    - name: whisper-remote
      base_url: http://hub.lan:8080
      api_key: hub-secret
    - name: openai
      api_key: sk-test
      model: whisper-1
      options:
        temperature: 0

resources:
  poll_interval: 10s
  warning_fraction: 0.85
  critical_fraction: 0.95
  grace_period: 20s
  hold_period: 60s
  memory_budget_bytes: 536870912

capture:
  pre_roll_ms: 300
  silence_ms: 1200
  silence_rms: 300
  max_duration: 10s
  respond_timeout: 5s

status:
  listen: 127.0.0.1:8990
  enabled: true

telemetry:
  metrics_enabled: true
`

// --- YAML loading ---

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Logging.Level != config.LogDebug {
		t.Errorf("logging.level: got %q, want %q", cfg.Logging.Level, config.LogDebug)
	}
	if cfg.Logging.Format != config.LogJSON {
		t.Errorf("logging.format: got %q, want %q", cfg.Logging.Format, config.LogJSON)
	}
	if cfg.Audio.Device != "seeed-2mic" {
		t.Errorf("audio.device: got %q", cfg.Audio.Device)
	}
	if cfg.Wake.Sensitivity != wake.SensitivityHigh {
		t.Errorf("wake.sensitivity: got %q, want high", cfg.Wake.Sensitivity)
	}
	if cfg.Wake.Cooldown != 2*time.Second {
		t.Errorf("wake.cooldown: got %s, want 2s", cfg.Wake.Cooldown)
	}
	if cfg.STT.RequestTimeout != 14*time.Second {
		t.Errorf("stt.request_timeout: got %s, want 14s", cfg.STT.RequestTimeout)
	}
	if len(cfg.STT.Providers) != 2 {
		t.Fatalf("stt.providers: got %d, want 2", len(cfg.STT.Providers))
	}
	if cfg.STT.Providers[0].Name != "whisper-remote" {
		t.Errorf("stt.providers[0].name: got %q", cfg.STT.Providers[0].Name)
	}
	if cfg.STT.Providers[1].Options["temperature"] != 0 {
		t.Errorf("stt.providers[1].options.temperature: got %v", cfg.STT.Providers[1].Options["temperature"])
	}
	if cfg.Resources.MemoryBudgetBytes != 536870912 {
		t.Errorf("resources.memory_budget_bytes: got %d", cfg.Resources.MemoryBudgetBytes)
	}
	if cfg.Capture.MaxDuration != 10*time.Second {
		t.Errorf("capture.max_duration: got %s", cfg.Capture.MaxDuration)
	}
	if !cfg.Status.Enabled {
		t.Error("status.enabled: got false, want true")
	}
}

func TestLoadFromReader_MinimalKeepsDefaults(t *testing.T) {
	t.Parallel()
	yaml := `
stt:
  providers:
    - name: whisper-remote
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	def := config.Default()
	if cfg.Logging.Level != def.Logging.Level {
		t.Errorf("logging.level: got %q, want default %q", cfg.Logging.Level, def.Logging.Level)
	}
	if cfg.Audio.Source != config.SourcePulse {
		t.Errorf("audio.source: got %q, want pulse", cfg.Audio.Source)
	}
	if cfg.Wake.Phrase != "hey fable" {
		t.Errorf("wake.phrase: got %q, want default", cfg.Wake.Phrase)
	}
	if cfg.STT.RequestTimeout != 12*time.Second {
		t.Errorf("stt.request_timeout: got %s, want default 12s", cfg.STT.RequestTimeout)
	}
	if cfg.Capture.PreRollMs != 300 {
		t.Errorf("capture.pre_roll_ms: got %d, want default 300", cfg.Capture.PreRollMs)
	}
	if cfg.Status.Listen != "127.0.0.1:8990" {
		t.Errorf("status.listen: got %q, want default", cfg.Status.Listen)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
stt:
  providers:
    - name: whisper-remote
  reqest_timeout: 12s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for misspelled field, got nil")
	}
}

func TestDefault_IsValidExceptProviders(t *testing.T) {
	t.Parallel()
	// The baked-in defaults only lack a provider chain, which has no
	// sensible default: it needs endpoints and keys.
	err := config.Validate(config.Default())
	if err == nil {
		t.Fatal("expected providers error, got nil")
	}
	if !strings.Contains(err.Error(), "stt.providers") {
		t.Errorf("error should mention stt.providers, got: %v", err)
	}
	if strings.Count(err.Error(), "\n") != 0 {
		t.Errorf("expected exactly one violation, got: %v", err)
	}
}

// --- Registry ---

func TestRegistry_UnknownSTT(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateSTT(config.ProviderEntry{Name: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_UnknownWakeEngine(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateWakeEngine(config.WakeConfig{Engine: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_UnknownSource(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateSource(config.AudioConfig{Source: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_RegisteredSTT(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := &stubTranscriber{}
	var gotEntry config.ProviderEntry
	reg.RegisterSTT("stub", func(e config.ProviderEntry) (stt.Transcriber, error) {
		gotEntry = e
		return want, nil
	})
	got, err := reg.CreateSTT(config.ProviderEntry{Name: "stub", APIKey: "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
	if gotEntry.APIKey != "k" {
		t.Errorf("factory entry api_key: got %q, want k", gotEntry.APIKey)
	}
}

func TestRegistry_RegisteredWakeEngine(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := &stubEngine{}
	reg.RegisterWakeEngine("whisperkws", func(c config.WakeConfig) (wake.Engine, error) {
		return want, nil
	})
	got, err := reg.CreateWakeEngine(config.WakeConfig{Engine: config.EngineWhisperKWS})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned engine is not the expected instance")
	}
}

func TestRegistry_RegisteredSource(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := &stubSource{}
	reg.RegisterSource("pulse", func(c config.AudioConfig) (audio.Source, error) {
		return want, nil
	})
	got, err := reg.CreateSource(config.AudioConfig{Source: config.SourcePulse})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned source is not the expected instance")
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterSTT("broken", func(e config.ProviderEntry) (stt.Transcriber, error) {
		return nil, wantErr
	})
	_, err := reg.CreateSTT(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}

// --- Stub implementations ---

type stubTranscriber struct{}

func (s *stubTranscriber) Transcribe(_ context.Context, _ stt.Audio, _ stt.Options) (stt.Result, error) {
	return stt.Result{}, nil
}
func (s *stubTranscriber) Name() string { return "stub" }
func (s *stubTranscriber) Close() error { return nil }

type stubEngine struct{}

func (s *stubEngine) NewSession(_ context.Context, _ wake.SessionConfig) (wake.Session, error) {
	return nil, nil
}
func (s *stubEngine) Name() string { return "stub" }
func (s *stubEngine) Close() error { return nil }

type stubSource struct{}

func (s *stubSource) Open(_ context.Context, _ audio.SourceConfig) (audio.Stream, error) {
	return nil, nil
}
func (s *stubSource) Name() string { return "stub" }
