// Package wake defines the Engine interface for wake-word detection backends
// and the phrase-scoring logic they share.
//
// A wake engine arms one Session per audio stream. The session receives every
// canonical-format frame through Feed and periodically evaluates a sliding
// window of recent audio against the configured phrase. Feed never blocks the
// audio loop: inference runs asynchronously and a detection surfaces on a
// subsequent Feed call.
package wake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fablehome/fablewake/pkg/audio"
)

// Default session parameters, applied by SessionConfig.Normalize.
const (
	DefaultWindowMs        = 2000
	DefaultCheckIntervalMs = 500
	DefaultCooldown        = 2 * time.Second
)

// ErrModelIncompatible reports a model artifact that cannot serve the engine,
// such as a corrupt file or an unsupported architecture. It is fatal: sessions
// must not retry, and the pipeline falls back to push-to-talk.
var ErrModelIncompatible = errors.New("wake: model incompatible")

// ModelLoadTimeoutError reports that arming a session exceeded the model load
// timeout. Engines retry exactly once with a cache-bypassing re-fetch before
// returning it; once returned it is terminal for the session attempt.
type ModelLoadTimeoutError struct {
	Ref     string
	Timeout time.Duration
}

func (e *ModelLoadTimeoutError) Error() string {
	return fmt.Sprintf("wake: model %q load timed out after %s", e.Ref, e.Timeout)
}

// Sensitivity selects the confidence threshold a detection must clear.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// IsValid reports whether s is a known sensitivity level.
func (s Sensitivity) IsValid() bool {
	switch s {
	case SensitivityLow, SensitivityMedium, SensitivityHigh:
		return true
	}
	return false
}

// Threshold returns the minimum confidence for an emitted detection. Unknown
// values map to the medium threshold.
func (s Sensitivity) Threshold() float64 {
	switch s {
	case SensitivityLow:
		return 0.3
	case SensitivityHigh:
		return 0.9
	default:
		return 0.7
	}
}

// Event is one wake-phrase detection.
type Event struct {
	// Phrase is the configured wake phrase that matched.
	Phrase string

	// Confidence is the detection score in [0, 1].
	Confidence float64

	// At is the stream-relative time of the frame that completed the match.
	At time.Duration

	// Engine is the name of the engine that produced the detection.
	Engine string
}

// SessionConfig describes one armed detection session.
type SessionConfig struct {
	// Phrase is the wake phrase to spot. Must be non-empty.
	Phrase string

	// Sensitivity selects the detection threshold. Defaults to medium.
	Sensitivity Sensitivity

	// SampleRate is the PCM sample rate of fed frames. Defaults to the
	// canonical 16 kHz.
	SampleRate int

	// WindowMs is the length of the sliding evaluation window. Default 2000.
	WindowMs int

	// CheckIntervalMs is how often the window is evaluated. Default 500.
	CheckIntervalMs int

	// Cooldown suppresses further detections after an emitted one. Default 2s.
	Cooldown time.Duration
}

// Normalize fills zero fields with defaults and returns the result.
func (c SessionConfig) Normalize() SessionConfig {
	if !c.Sensitivity.IsValid() {
		c.Sensitivity = SensitivityMedium
	}
	if c.SampleRate <= 0 {
		c.SampleRate = audio.DefaultSampleRate
	}
	if c.WindowMs <= 0 {
		c.WindowMs = DefaultWindowMs
	}
	if c.CheckIntervalMs <= 0 {
		c.CheckIntervalMs = DefaultCheckIntervalMs
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	return c
}

// Engine creates detection sessions for one backend.
type Engine interface {
	// NewSession resolves and arms the engine's model for the given phrase.
	// Failure classes: ErrModelIncompatible is fatal; *ModelLoadTimeoutError
	// is returned only after the engine's single cache-bypassing retry also
	// timed out.
	NewSession(ctx context.Context, cfg SessionConfig) (Session, error)

	// Name returns the engine's registry name (e.g., "whisperkws").
	Name() string

	// Close releases engine-wide resources.
	Close() error
}

// Session is one armed detection stream.
type Session interface {
	// Feed offers one frame. It returns a detection when one is ready, and
	// must return quickly: implementations run inference off the audio loop.
	Feed(frame audio.AudioFrame) (Event, bool)

	// SetSensitivity re-arms the detection threshold without reloading the
	// model.
	SetSensitivity(s Sensitivity)

	// Reset discards buffered audio and any pending detection, e.g. after
	// the pipeline consumed an event and moved to capture.
	Reset()

	// Close releases the session's model resources. Feed returns no further
	// events after Close.
	Close() error
}
