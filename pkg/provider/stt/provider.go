// Package stt defines the Transcriber interface for speech-to-text backends.
//
// Transcription in this pipeline is a batch operation: the orchestrator
// assembles one utterance (pre-roll plus captured speech) and submits it as a
// single request. Providers therefore expose one blocking Transcribe call
// rather than a streaming session; deadlines and cancellation arrive through
// the context.
//
// Implementations must be safe for concurrent use, although the dispatcher
// only ever runs one transcription at a time.
package stt

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoAudio is returned by Transcribe when the utterance carries no PCM data.
var ErrNoAudio = errors.New("stt: no audio data")

// Audio is one captured utterance of raw 16-bit signed little-endian PCM.
type Audio struct {
	// PCM is the raw sample data. Must be non-empty.
	PCM []byte

	// SampleRate is the sample rate in Hz (16000 for the pipeline's canonical
	// format).
	SampleRate int

	// Channels is the number of interleaved channels. 1 = mono.
	Channels int
}

// Duration returns the playback duration of the utterance, or 0 when the
// format fields are invalid.
func (a Audio) Duration() time.Duration {
	bytesPerSec := a.SampleRate * a.Channels * 2
	if bytesPerSec <= 0 {
		return 0
	}
	return time.Duration(len(a.PCM)) * time.Second / time.Duration(bytesPerSec)
}

// Options carries per-request recognition hints.
type Options struct {
	// Language is the BCP-47 language tag for recognition (e.g., "en", "de").
	// An empty string selects the provider's configured default.
	Language string

	// Prompt biases recognition toward expected vocabulary, such as story
	// titles or character names. Providers that cannot use it ignore it.
	Prompt string
}

// Result is a committed transcription of one utterance.
type Result struct {
	// Text is the transcribed speech content.
	Text string

	// Confidence is the overall confidence score (0.0-1.0). Zero when the
	// provider does not report one.
	Confidence float64

	// Language is the language the provider recognised or was told to use.
	Language string

	// Duration is the length of speech the provider recognised. Zero when
	// unreported; callers fall back to the submitted Audio's duration.
	Duration time.Duration

	// Provider is the registry name of the backend that produced the result.
	Provider string

	// Latency is the wall-clock time the request took.
	Latency time.Duration
}

// Transcriber is the abstraction over any speech-to-text backend.
type Transcriber interface {
	// Transcribe submits one utterance and blocks until the provider returns
	// text or fails. Respect ctx: implementations must abandon the request
	// when it is cancelled or its deadline passes, where the backend allows.
	Transcribe(ctx context.Context, audio Audio, opts Options) (Result, error)

	// Name returns the provider's registry name (e.g., "whisper-remote").
	Name() string

	// Close releases any resources held by the provider. Calling Close more
	// than once is safe.
	Close() error
}

// StatusError reports a non-success HTTP response from a hosted backend. The
// dispatcher treats it as a provider fault distinct from transport errors.
type StatusError struct {
	Provider string
	Code     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: server returned HTTP %d", e.Provider, e.Code)
}

// DecodeError reports a response body that could not be parsed.
type DecodeError struct {
	Provider string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: malformed response: %v", e.Provider, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
