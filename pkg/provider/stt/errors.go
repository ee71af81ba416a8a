package stt

import "fmt"

// Class buckets a transcription failure by observable cause. The dispatcher
// keys retry and failover decisions on it and reports it as the failure
// class on metrics.
type Class string

const (
	// ClassTimeout means the per-attempt deadline expired before the
	// provider answered.
	ClassTimeout Class = "timeout"

	// ClassNetwork means the request never completed: connection refused,
	// reset, DNS failure, or the provider's circuit is open.
	ClassNetwork Class = "network"

	// ClassHTTPStatus means the provider answered with a non-success status.
	ClassHTTPStatus Class = "http_status"

	// ClassDecode means the provider answered but the body could not be
	// parsed.
	ClassDecode Class = "decode"

	// ClassCanceled means the caller abandoned the request.
	ClassCanceled Class = "canceled"

	// ClassExhausted means every configured provider failed or was skipped.
	ClassExhausted Class = "exhausted"
)

// Error is a classified transcription failure. The dispatcher wraps every
// provider fault in one so callers can switch on Class without knowing
// provider internals; the raw cause stays reachable through Unwrap.
type Error struct {
	// Class is the failure bucket.
	Class Class

	// Provider names the backend whose attempt failed. For ClassExhausted it
	// is the last provider tried.
	Provider string

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("stt: %s: %v", e.Class, e.Err)
	}
	return fmt.Sprintf("stt: %s failure from provider %s: %v", e.Class, e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
