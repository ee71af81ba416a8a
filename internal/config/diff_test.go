package config_test

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/fablehome/fablewake/internal/config"
	"github.com/fablehome/fablewake/pkg/provider/wake"
)

func TestCompare_Identical(t *testing.T) {
	t.Parallel()
	d := config.Compare(config.Default(), config.Default())
	if !d.Empty() {
		t.Errorf("expected empty diff, got: %s", d)
	}
}

func TestCompare_LogLevel(t *testing.T) {
	t.Parallel()
	before, after := config.Default(), config.Default()
	after.Logging.Level = config.LogDebug

	d := config.Compare(before, after)
	if !d.LogLevelChanged {
		t.Error("LogLevelChanged = false, want true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %q, want debug", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level should apply hot, got restart paths: %v", d.RestartRequired)
	}
}

func TestCompare_SensitivityIsTunable(t *testing.T) {
	t.Parallel()
	before, after := config.Default(), config.Default()
	after.Wake.Sensitivity = wake.SensitivityHigh

	d := config.Compare(before, after)
	if !d.TunablesChanged {
		t.Error("TunablesChanged = false, want true")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("sensitivity should apply hot, got restart paths: %v", d.RestartRequired)
	}
}

func TestCompare_CooldownIsTunable(t *testing.T) {
	t.Parallel()
	before, after := config.Default(), config.Default()
	after.Wake.Cooldown = 5 * time.Second

	d := config.Compare(before, after)
	if !d.TunablesChanged {
		t.Error("TunablesChanged = false, want true")
	}
	if slices.Contains(d.RestartRequired, "wake") {
		t.Errorf("cooldown alone should not flag the wake block: %v", d.RestartRequired)
	}
}

func TestCompare_CaptureBlockIsTunable(t *testing.T) {
	t.Parallel()
	before, after := config.Default(), config.Default()
	after.Capture.SilenceMs = 800

	d := config.Compare(before, after)
	if !d.TunablesChanged {
		t.Error("TunablesChanged = false, want true")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("capture settings should apply hot, got restart paths: %v", d.RestartRequired)
	}
}

func TestCompare_RequestTimeout(t *testing.T) {
	t.Parallel()
	before, after := config.Default(), config.Default()
	after.STT.RequestTimeout = 14 * time.Second

	d := config.Compare(before, after)
	if !d.RequestTimeoutChanged {
		t.Error("RequestTimeoutChanged = false, want true")
	}
	if d.TunablesChanged {
		t.Error("request timeout is not a session tunable")
	}
}

func TestCompare_ColdPaths(t *testing.T) {
	t.Parallel()
	before, after := config.Default(), config.Default()
	after.Logging.Format = config.LogJSON
	after.Audio.Device = "seeed-2mic"
	after.Wake.Model = "tiny-kws-q8.bin"
	after.STT.Language = "de"
	after.STT.Providers = []config.ProviderEntry{{Name: "openai"}}
	after.Resources.GracePeriod = 40 * time.Second
	after.Status.Listen = "127.0.0.1:9000"
	after.Telemetry.MetricsEnabled = false

	d := config.Compare(before, after)
	want := []string{
		"logging.format", "audio", "wake",
		"stt.language", "stt.providers",
		"resources", "status", "telemetry",
	}
	for _, path := range want {
		if !slices.Contains(d.RestartRequired, path) {
			t.Errorf("RestartRequired should contain %q, got: %v", path, d.RestartRequired)
		}
	}
	if d.Empty() {
		t.Error("Empty() = true for a diff with restart paths")
	}
}

func TestCompare_WakeHotFieldsDoNotFlagBlock(t *testing.T) {
	t.Parallel()
	before, after := config.Default(), config.Default()
	after.Wake.Sensitivity = wake.SensitivityLow
	after.Wake.Cooldown = 10 * time.Second

	d := config.Compare(before, after)
	if slices.Contains(d.RestartRequired, "wake") {
		t.Errorf("hot wake fields flagged the whole block: %v", d.RestartRequired)
	}
}

func TestDiff_String(t *testing.T) {
	t.Parallel()
	before, after := config.Default(), config.Default()
	after.Logging.Level = config.LogWarn

	s := config.Compare(before, after).String()
	if !strings.Contains(s, "log_level=true") {
		t.Errorf("String() should report the level change, got: %s", s)
	}
}
