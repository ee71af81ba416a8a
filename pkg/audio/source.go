// Package audio defines the frame types, format conversion, and input-source
// interfaces for the Fablewake capture pipeline.
//
// The two primary abstractions are:
//
//   - [Source] — opens an audio input device and returns a [Stream].
//   - [Stream] — a live capture session delivering fixed-length PCM frames
//     until closed or a fatal device error occurs.
//
// Implementations are provided by device-specific adapter packages
// (audio/pulse for local PulseAudio microphones, audio/satellite for a
// wireless mic satellite). The interfaces are intentionally narrow to keep
// the orchestrator decoupled from device details.
//
// This package lives under pkg/ because external code (alternate capture
// adapters) is expected to implement [Source] and [Stream].
package audio

import (
	"context"
	"errors"
	"fmt"
)

// SourceConfig specifies how a [Source] opens its device.
type SourceConfig struct {
	// Device selects the input device by id or description substring.
	// Empty or "default" selects the system default.
	Device string

	// FallbackDevice is tried when Device is unavailable or muted.
	FallbackDevice string

	// SampleRate in Hz. Zero means [DefaultSampleRate].
	SampleRate int

	// Channels to capture. Zero means [DefaultChannels].
	Channels int

	// FrameMs is the frame length in milliseconds. Zero means [DefaultFrameMs].
	FrameMs int
}

// Normalize fills zero fields with pipeline defaults.
func (c SourceConfig) Normalize() SourceConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Channels <= 0 {
		c.Channels = DefaultChannels
	}
	if c.FrameMs <= 0 {
		c.FrameMs = DefaultFrameMs
	}
	return c
}

// Source is the entry point for an audio input provider.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Open acquires the input device and starts capturing. The supplied ctx
	// governs the open attempt only; once open, the Stream remains alive
	// until [Stream.Close] is called explicitly.
	//
	// The device is held exclusively for the stream's lifetime and released
	// on Close, on fatal error, and on every other exit path.
	Open(ctx context.Context, cfg SourceConfig) (Stream, error)

	// Name identifies the source kind ("pulse", "satellite") for logging
	// and configuration.
	Name() string
}

// Stream is an active capture session on an input device.
//
// Implementations must be safe for concurrent use.
type Stream interface {
	// Frames returns the channel of captured frames. The channel is closed
	// when the stream stops — either via Close or a fatal device error.
	// Frames are fixed-length per [SourceConfig.FrameMs]; the final frame
	// before close may be shorter.
	Frames() <-chan AudioFrame

	// Err reports the fatal error that stopped the stream, or nil after a
	// clean Close. Valid once Frames is closed.
	Err() error

	// Close stops capture and releases the device. Safe to call more than
	// once; subsequent calls are no-ops and return nil.
	Close() error
}

// ── errors ──

// ErrorKind classifies fatal capture failures. All kinds are non-retryable
// for the current session; the fallback controller decides what remains
// usable afterwards.
type ErrorKind int

const (
	// DeviceUnavailable: the requested device does not exist or cannot be
	// acquired.
	DeviceUnavailable ErrorKind = iota

	// PermissionDenied: the process may not access the input device.
	PermissionDenied

	// FormatUnsupported: the device cannot deliver the requested
	// rate/channel/frame configuration.
	FormatUnsupported
)

// String returns the stable name of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case DeviceUnavailable:
		return "device_unavailable"
	case PermissionDenied:
		return "permission_denied"
	case FormatUnsupported:
		return "format_unsupported"
	default:
		return "unknown"
	}
}

// SourceError is a fatal capture failure with its classification and the
// device it occurred on.
type SourceError struct {
	Kind   ErrorKind
	Device string
	Err    error
}

// Error implements the error interface.
func (e *SourceError) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("audio: %s on %q: %v", e.Kind, e.Device, e.Err)
	}
	return fmt.Sprintf("audio: %s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SourceError) Unwrap() error { return e.Err }

// AsSourceError unwraps err to a [*SourceError] if one is in its chain.
func AsSourceError(err error) (*SourceError, bool) {
	var se *SourceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
