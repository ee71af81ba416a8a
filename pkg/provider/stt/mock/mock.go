// Package mock provides a test double for the stt.Transcriber interface.
//
// Use Transcriber to feed controlled Result values and inspect which
// utterances were submitted.
//
// Example:
//
//	tr := &mock.Transcriber{
//	    Result: stt.Result{Text: "tell me a story"},
//	}
//	res, _ := tr.Transcribe(ctx, utterance, stt.Options{})
package mock

import (
	"context"
	"sync"

	"github.com/fablehome/fablewake/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcriber.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Audio is the utterance passed to Transcribe. PCM is a copy.
	Audio stt.Audio
	// Opts is the Options value passed to Transcribe.
	Opts stt.Options
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock" when empty.
	ProviderName string

	// Result is returned by Transcribe when Err and Results are unset.
	Result stt.Result

	// Results, if non-empty, are returned by successive Transcribe calls in
	// order; the last entry repeats once exhausted.
	Results []stt.Result

	// Err, if non-nil, is returned as the error from every Transcribe call.
	Err error

	// Errs, if non-empty, are returned by successive Transcribe calls in
	// order; a nil entry means that call succeeds. The last entry repeats.
	Errs []error

	// Delay, if non-nil, runs before the result is returned; use it to block
	// until ctx is cancelled or a timer fires. A non-nil return aborts the
	// call with that error.
	Delay func(ctx context.Context) error

	// TranscribeCalls records every call to Transcribe.
	TranscribeCalls []TranscribeCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Transcribe records the call and returns the configured result or error.
func (t *Transcriber) Transcribe(ctx context.Context, a stt.Audio, opts stt.Options) (stt.Result, error) {
	t.mu.Lock()
	pcm := make([]byte, len(a.PCM))
	copy(pcm, a.PCM)
	call := TranscribeCall{
		Ctx:   ctx,
		Audio: stt.Audio{PCM: pcm, SampleRate: a.SampleRate, Channels: a.Channels},
		Opts:  opts,
	}
	t.TranscribeCalls = append(t.TranscribeCalls, call)
	n := len(t.TranscribeCalls) - 1
	res := t.Result
	if len(t.Results) > 0 {
		res = t.Results[min(n, len(t.Results)-1)]
	}
	err := t.Err
	if len(t.Errs) > 0 {
		err = t.Errs[min(n, len(t.Errs)-1)]
	}
	delay := t.Delay
	t.mu.Unlock()

	if delay != nil {
		if derr := delay(ctx); derr != nil {
			return stt.Result{}, derr
		}
	}
	if err != nil {
		return stt.Result{}, err
	}
	if res.Provider == "" {
		res.Provider = t.name()
	}
	return res, nil
}

// Name returns ProviderName or "mock".
func (t *Transcriber) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name()
}

func (t *Transcriber) name() string {
	if t.ProviderName != "" {
		return t.ProviderName
	}
	return "mock"
}

// Close records the call and returns nil.
func (t *Transcriber) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CloseCallCount++
	return nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (t *Transcriber) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.TranscribeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (t *Transcriber) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.TranscribeCalls = nil
	t.CloseCallCount = 0
}

// Ensure Transcriber implements stt.Transcriber at compile time.
var _ stt.Transcriber = (*Transcriber)(nil)
