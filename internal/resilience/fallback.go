package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has
// an open breaker.
var ErrAllFailed = errors.New("all providers failed")

// Entry pairs one provider value with its dedicated breaker. The dispatcher
// walks entries to run its own attempt policy; Do gates one call through the
// entry's breaker.
type Entry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Name returns the provider name the entry was registered under.
func (e *Entry[T]) Name() string { return e.name }

// Value returns the wrapped provider.
func (e *Entry[T]) Value() T { return e.value }

// Do runs fn against this entry's provider through its breaker.
func (e *Entry[T]) Do(fn func(T) error) error {
	return e.breaker.Do(func() error { return fn(e.value) })
}

// State reports the entry's breaker state.
func (e *Entry[T]) State() State { return e.breaker.State() }

// FallbackGroup orders a primary provider and zero or more fallbacks, each
// behind its own breaker. Entries are tried in registration order; an open
// breaker skips its entry.
//
// The group is assembled at wiring time and read-only afterwards, so reads
// need no locking.
type FallbackGroup[T any] struct {
	entries []*Entry[T]
	breaker BreakerConfig
}

// NewFallbackGroup creates a group with primary as the first entry. cfg seeds
// every entry's breaker; the breaker name is the entry name.
func NewFallbackGroup[T any](primary T, primaryName string, cfg BreakerConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{breaker: cfg}
	fg.Add(primaryName, primary)
	return fg
}

// Add appends a fallback provider. Fallbacks are tried after the primary in
// the order added.
func (fg *FallbackGroup[T]) Add(name string, value T) {
	cfg := fg.breaker
	cfg.Name = name
	fg.entries = append(fg.entries, &Entry[T]{
		name:    name,
		value:   value,
		breaker: NewBreaker(cfg),
	})
}

// Entries returns the group's entries in try order.
func (fg *FallbackGroup[T]) Entries() []*Entry[T] { return fg.entries }

// Len returns the number of entries.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Execute tries fn against each entry in order until one succeeds. Entries
// with open breakers are skipped. When every entry fails the last error is
// wrapped with [ErrAllFailed].
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	var lastErr error
	for _, entry := range fg.entries {
		err := entry.Do(fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider, circuit open", "provider", entry.name)
		} else {
			slog.Warn("provider failed, trying next",
				"provider", entry.name, "error", err)
		}
	}
	return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// ExecuteWith tries fn against each entry until one succeeds and returns its
// result. A package-level function because Go methods cannot add type
// parameters.
func ExecuteWith[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for _, entry := range fg.entries {
		var result R
		err := entry.Do(func(v T) error {
			var innerErr error
			result, innerErr = fn(v)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider, circuit open", "provider", entry.name)
		} else {
			slog.Warn("provider failed, trying next",
				"provider", entry.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
