package config

import (
	"fmt"
	"reflect"
)

// Diff describes what changed between two configs, split into settings the
// daemon applies hot and settings that only take effect on restart.
type Diff struct {
	// LogLevelChanged is set when logging.level changed; the new level is
	// applied to the running logger.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TunablesChanged is set when a hot-applicable session setting changed:
	// wake.sensitivity, wake.cooldown, or any field of the capture block.
	TunablesChanged bool

	// RequestTimeoutChanged is set when stt.request_timeout changed.
	RequestTimeoutChanged bool

	// RestartRequired lists the dotted paths of changed settings the
	// running daemon cannot apply.
	RestartRequired []string
}

// Empty reports whether the two configs were effectively identical.
func (d Diff) Empty() bool {
	return !d.LogLevelChanged && !d.TunablesChanged &&
		!d.RequestTimeoutChanged && len(d.RestartRequired) == 0
}

// Compare returns what changed between two configs.
func Compare(old, new *Config) Diff {
	var d Diff

	if old.Logging.Level != new.Logging.Level {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Logging.Level
	}

	if old.Wake.Sensitivity != new.Wake.Sensitivity ||
		old.Wake.Cooldown != new.Wake.Cooldown ||
		old.Capture != new.Capture {
		d.TunablesChanged = true
	}

	if old.STT.RequestTimeout != new.STT.RequestTimeout {
		d.RequestTimeoutChanged = true
	}

	d.RestartRequired = coldChanges(old, new)
	return d
}

// coldChanges lists changed settings that need a restart to apply.
func coldChanges(old, new *Config) []string {
	var paths []string

	if old.Logging.Format != new.Logging.Format {
		paths = append(paths, "logging.format")
	}
	if old.Audio != new.Audio {
		paths = append(paths, "audio")
	}

	// Everything in the wake block except the hot sensitivity and cooldown
	// is bound when the engine arms its session.
	ow, nw := old.Wake, new.Wake
	ow.Sensitivity, nw.Sensitivity = "", ""
	ow.Cooldown, nw.Cooldown = 0, 0
	if ow != nw {
		paths = append(paths, "wake")
	}

	if old.STT.Language != new.STT.Language {
		paths = append(paths, "stt.language")
	}
	if old.STT.FailureThreshold != new.STT.FailureThreshold {
		paths = append(paths, "stt.failure_threshold")
	}
	if !reflect.DeepEqual(old.STT.Providers, new.STT.Providers) {
		paths = append(paths, "stt.providers")
	}

	if old.Resources != new.Resources {
		paths = append(paths, "resources")
	}
	if old.Status != new.Status {
		paths = append(paths, "status")
	}
	if old.Telemetry != new.Telemetry {
		paths = append(paths, "telemetry")
	}

	return paths
}

// String summarises the diff for logging.
func (d Diff) String() string {
	return fmt.Sprintf("log_level=%v tunables=%v request_timeout=%v restart_required=%v",
		d.LogLevelChanged, d.TunablesChanged, d.RequestTimeoutChanged, d.RestartRequired)
}
