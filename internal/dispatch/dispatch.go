// Package dispatch owns speech-to-text request policy: one transcription in
// flight at a time, a deadline per provider attempt, a single jittered retry
// against the primary, and ordered failover across the remaining providers.
// Every provider sits behind its own circuit breaker; an open breaker skips
// the provider without burning an attempt.
//
// The dispatcher classifies every failure into an [stt.Class] so the
// orchestrator and the status surface can react without knowing provider
// internals.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/fablehome/fablewake/internal/observe"
	"github.com/fablehome/fablewake/internal/resilience"
	"github.com/fablehome/fablewake/pkg/audio"
	"github.com/fablehome/fablewake/pkg/provider/stt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultRequestTimeout bounds one provider attempt.
	DefaultRequestTimeout = 12 * time.Second

	// MinRequestTimeout and MaxRequestTimeout clamp the configurable
	// per-attempt deadline.
	MinRequestTimeout = 10 * time.Second
	MaxRequestTimeout = 15 * time.Second

	// retryDelayMin and retryDelayMax bound the jittered pause before the
	// primary's second attempt.
	retryDelayMin = 200 * time.Millisecond
	retryDelayMax = 500 * time.Millisecond
)

// ErrBusy is returned by Transcribe while another transcription is running.
// The caller drops the segment; queueing utterances would replay stale speech.
var ErrBusy = errors.New("dispatch: transcription already in flight")

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRequestTimeout sets the per-attempt deadline, clamped to
// [MinRequestTimeout, MaxRequestTimeout].
func WithRequestTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.SetRequestTimeout(d) }
}

// WithLanguage sets the default recognition language used when Transcribe
// receives no hint.
func WithLanguage(lang string) Option {
	return func(dp *Dispatcher) { dp.language = lang }
}

// WithLowCostProvider names the provider used exclusively while the
// dispatcher is in low-cost mode. The name must match a registered provider;
// an unknown name leaves the full order in effect.
func WithLowCostProvider(name string) Option {
	return func(dp *Dispatcher) { dp.lowCost = name }
}

// WithBreaker overrides the breaker configuration applied to every provider.
func WithBreaker(cfg resilience.BreakerConfig) Option {
	return func(dp *Dispatcher) { dp.breaker = cfg }
}

// WithMetrics overrides the metrics sink. Defaults to the process-wide
// instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(dp *Dispatcher) { dp.metrics = m }
}

// Dispatcher routes capture segments to speech-to-text providers.
type Dispatcher struct {
	group    *resilience.FallbackGroup[stt.Transcriber]
	breaker  resilience.BreakerConfig
	language string
	lowCost  string

	timeout     atomic.Int64
	inflight    atomic.Bool
	lowCostOnly atomic.Bool

	metrics *observe.Metrics
	tracer  trace.Tracer

	sleep  func(context.Context, time.Duration) error
	jitter func() time.Duration
}

// New creates a dispatcher with primary as the first provider in try order.
// Register fallbacks with AddFallback before the first Transcribe call.
func New(primary stt.Transcriber, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		language: "en",
		tracer:   observe.Tracer(),
		sleep:    sleepContext,
		jitter:   defaultJitter,
	}
	d.timeout.Store(int64(DefaultRequestTimeout))
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	d.group = resilience.NewFallbackGroup(primary, primary.Name(), d.breaker)
	return d
}

// AddFallback appends a provider to the failover order. Not safe to call
// concurrently with Transcribe; register everything at wiring time.
func (d *Dispatcher) AddFallback(t stt.Transcriber) {
	d.group.Add(t.Name(), t)
}

// Providers returns the registered provider names in try order.
func (d *Dispatcher) Providers() []string {
	entries := d.group.Entries()
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names
}

// SetRequestTimeout updates the per-attempt deadline, clamped to
// [MinRequestTimeout, MaxRequestTimeout]. Safe to call while a transcription
// is in flight; the new deadline applies from the next attempt.
func (d *Dispatcher) SetRequestTimeout(timeout time.Duration) {
	d.timeout.Store(int64(min(max(timeout, MinRequestTimeout), MaxRequestTimeout)))
}

// RequestTimeout returns the current per-attempt deadline.
func (d *Dispatcher) RequestTimeout() time.Duration {
	return time.Duration(d.timeout.Load())
}

// UseLowCostOnly restricts dispatch to the configured low-cost provider, or
// restores the full order. Idempotent.
func (d *Dispatcher) UseLowCostOnly(on bool) {
	if d.lowCostOnly.Swap(on) == on {
		return
	}
	if on {
		slog.Info("transcription restricted to low-cost provider", "provider", d.lowCost)
	} else {
		slog.Info("transcription provider order restored")
	}
}

// Busy reports whether a transcription is currently in flight.
func (d *Dispatcher) Busy() bool { return d.inflight.Load() }

// Transcribe submits one capture segment and blocks until a provider returns
// text or every provider has failed. At most one transcription runs at a
// time; concurrent calls fail fast with [ErrBusy].
//
// The primary gets a second attempt after a short jittered pause when its
// first fails on a timeout, a transport error, or a 5xx status. Remaining
// providers get one attempt each. A cancelled caller context stops the walk
// immediately. Provider failures come back as an *stt.Error; an empty
// segment fails with [stt.ErrNoAudio] before any provider is tried.
func (d *Dispatcher) Transcribe(ctx context.Context, seg audio.CaptureSegment, langHint string) (stt.Result, error) {
	if !d.inflight.CompareAndSwap(false, true) {
		return stt.Result{}, ErrBusy
	}
	defer d.inflight.Store(false)

	if seg.Empty() {
		return stt.Result{}, fmt.Errorf("dispatch: %w", stt.ErrNoAudio)
	}
	if err := ctx.Err(); err != nil {
		return stt.Result{}, &stt.Error{Class: contextClass(err), Err: err}
	}

	utt := stt.Audio{PCM: seg.PCM, SampleRate: seg.SampleRate, Channels: seg.Channels}
	opts := stt.Options{Language: langHint}
	if opts.Language == "" {
		opts.Language = d.language
	}

	ctx, span := d.tracer.Start(ctx, "stt.dispatch", trace.WithAttributes(
		attribute.Float64("audio.seconds", seg.Duration().Seconds()),
		attribute.String("language", opts.Language),
	))
	defer span.End()

	entries := d.plan()
	var last *stt.Error
	for i, entry := range entries {
		res, aerr := d.attempt(ctx, entry, 1, utt, opts)
		if aerr == nil {
			return res, nil
		}
		last = aerr
		if ctx.Err() != nil {
			return stt.Result{}, aerr
		}
		if i == 0 && retryable(aerr) {
			if err := d.pause(ctx); err != nil {
				return stt.Result{}, &stt.Error{Class: contextClass(err), Provider: entry.Name(), Err: err}
			}
			res, aerr = d.attempt(ctx, entry, 2, utt, opts)
			if aerr == nil {
				return res, nil
			}
			last = aerr
			if ctx.Err() != nil {
				return stt.Result{}, aerr
			}
		}
	}

	slog.Error("transcription exhausted all providers",
		"providers", len(entries), "last_class", last.Class, "error", last.Err)
	return stt.Result{}, &stt.Error{Class: stt.ClassExhausted, Provider: last.Provider, Err: last}
}

// Close closes every registered provider.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, e := range d.group.Entries() {
		if err := e.Value().Close(); err != nil {
			errs = append(errs, fmt.Errorf("dispatch: close %s: %w", e.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// plan returns the entries to try this cycle. In low-cost mode only the
// designated provider is attempted; an unregistered low-cost name leaves the
// full order in effect.
func (d *Dispatcher) plan() []*resilience.Entry[stt.Transcriber] {
	entries := d.group.Entries()
	if !d.lowCostOnly.Load() || d.lowCost == "" {
		return entries
	}
	for _, e := range entries {
		if e.Name() == d.lowCost {
			return []*resilience.Entry[stt.Transcriber]{e}
		}
	}
	slog.Warn("low-cost provider not registered, using full order", "provider", d.lowCost)
	return entries
}

// attempt runs one breaker-gated call against entry under the per-attempt
// deadline. A nil *stt.Error means success.
func (d *Dispatcher) attempt(ctx context.Context, entry *resilience.Entry[stt.Transcriber], n int, utt stt.Audio, opts stt.Options) (stt.Result, *stt.Error) {
	actx, cancel := context.WithTimeout(ctx, d.RequestTimeout())
	defer cancel()

	actx, span := d.tracer.Start(actx, "stt.attempt", trace.WithAttributes(
		attribute.String("provider", entry.Name()),
		attribute.Int("attempt", n),
	))
	defer span.End()

	start := time.Now()
	var res stt.Result
	err := entry.Do(func(tr stt.Transcriber) error {
		var terr error
		res, terr = tr.Transcribe(actx, utt, opts)
		return terr
	})
	if err == nil {
		span.SetAttributes(attribute.String("outcome", "ok"))
		d.metrics.RecordSTTAttempt(ctx, entry.Name(), "ok", time.Since(start).Seconds())
		return res, nil
	}

	if errors.Is(err, resilience.ErrCircuitOpen) {
		// No request was made; keep it out of the attempt metrics.
		slog.Debug("skipping transcription provider, circuit open", "provider", entry.Name())
		span.SetAttributes(attribute.String("outcome", "skipped"))
		return stt.Result{}, &stt.Error{Class: stt.ClassNetwork, Provider: entry.Name(), Err: err}
	}

	cls := classify(err)
	span.RecordError(err)
	span.SetAttributes(
		attribute.String("outcome", "error"),
		attribute.String("class", string(cls)),
	)
	d.metrics.RecordSTTAttempt(ctx, entry.Name(), "error", time.Since(start).Seconds())
	d.metrics.RecordSTTFailure(ctx, entry.Name(), string(cls))
	slog.Warn("transcription attempt failed",
		"provider", entry.Name(), "attempt", n, "class", cls, "error", err)
	return stt.Result{}, &stt.Error{Class: cls, Provider: entry.Name(), Err: err}
}

// pause waits out the jittered retry delay, or returns early when ctx ends.
func (d *Dispatcher) pause(ctx context.Context) error {
	delay := retryDelayMin + d.jitter()
	slog.Debug("retrying primary transcription provider", "delay", delay)
	return d.sleep(ctx, delay)
}

// classify buckets a provider error for retry decisions and metrics.
func classify(err error) stt.Class {
	switch {
	case errors.Is(err, context.Canceled):
		return stt.ClassCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return stt.ClassTimeout
	}
	var statusErr *stt.StatusError
	if errors.As(err, &statusErr) {
		return stt.ClassHTTPStatus
	}
	var decodeErr *stt.DecodeError
	if errors.As(err, &decodeErr) {
		return stt.ClassDecode
	}
	return stt.ClassNetwork
}

// contextClass maps a context error from the caller to its failure class.
func contextClass(err error) stt.Class {
	if errors.Is(err, context.DeadlineExceeded) {
		return stt.ClassTimeout
	}
	return stt.ClassCanceled
}

// retryable reports whether the primary's first failure earns a second
// attempt: timeouts, transport errors, and server-side statuses do; client
// errors, malformed responses, and an already-open breaker do not.
func retryable(e *stt.Error) bool {
	switch e.Class {
	case stt.ClassTimeout:
		return true
	case stt.ClassNetwork:
		return !errors.Is(e.Err, resilience.ErrCircuitOpen)
	case stt.ClassHTTPStatus:
		var statusErr *stt.StatusError
		return errors.As(e.Err, &statusErr) && statusErr.Code >= 500
	default:
		return false
	}
}

func defaultJitter() time.Duration {
	return rand.N(retryDelayMax - retryDelayMin)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
