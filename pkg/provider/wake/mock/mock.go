// Package mock provides test doubles for the wake.Engine and wake.Session
// interfaces.
//
// Queue detections with [Session.Emit]; the next Feed call returns the
// queued event. The Engine records NewSession calls and can be scripted to
// fail model loading.
package mock

import (
	"context"
	"sync"

	"github.com/fablehome/fablewake/pkg/audio"
	"github.com/fablehome/fablewake/pkg/provider/wake"
)

// Engine is a mock implementation of wake.Engine.
type Engine struct {
	mu sync.Mutex

	// EngineName is returned by Name. Defaults to "mock" when empty.
	EngineName string

	// NewSessionErr, if non-nil, is returned by every NewSession call.
	NewSessionErr error

	// NewSessionCalls records the config of every NewSession call.
	NewSessionCalls []wake.SessionConfig

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	sessions []*Session
}

// NewSession records the call and returns a fresh Session, or the
// configured error.
func (e *Engine) NewSession(_ context.Context, cfg wake.SessionConfig) (wake.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	s := &Session{cfg: cfg.Normalize()}
	e.sessions = append(e.sessions, s)
	return s, nil
}

// Name returns EngineName or "mock".
func (e *Engine) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.EngineName != "" {
		return e.EngineName
	}
	return "mock"
}

// Close records the call and returns nil.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CloseCallCount++
	return nil
}

// LastSession returns the most recently created session, or nil.
func (e *Engine) LastSession() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sessions) == 0 {
		return nil
	}
	return e.sessions[len(e.sessions)-1]
}

// Session is a mock implementation of wake.Session.
type Session struct {
	mu      sync.Mutex
	cfg     wake.SessionConfig
	pending []wake.Event

	// FeedCallCount is the number of Feed calls.
	FeedCallCount int

	// SensitivityCalls records every SetSensitivity argument in order.
	SensitivityCalls []wake.Sensitivity

	// ResetCallCount is the number of Reset calls.
	ResetCallCount int

	// CloseCallCount is the number of Close calls.
	CloseCallCount int
}

// Emit queues a detection; the next Feed call returns it. Zero fields are
// filled from the session config.
func (s *Session) Emit(ev wake.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Phrase == "" {
		ev.Phrase = s.cfg.Phrase
	}
	if ev.Engine == "" {
		ev.Engine = "mock"
	}
	s.pending = append(s.pending, ev)
}

// Feed implements wake.Session. It returns the oldest queued detection.
func (s *Session) Feed(_ audio.AudioFrame) (wake.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FeedCallCount++
	if len(s.pending) == 0 {
		return wake.Event{}, false
	}
	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, true
}

// SetSensitivity implements wake.Session.
func (s *Session) SetSensitivity(v wake.Sensitivity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SensitivityCalls = append(s.SensitivityCalls, v)
}

// Reset implements wake.Session. Queued detections are discarded.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
	s.pending = nil
}

// Close implements wake.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return nil
}

// Feeds returns the number of Feed calls. Thread-safe.
func (s *Session) Feeds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FeedCallCount
}

var (
	_ wake.Engine  = (*Engine)(nil)
	_ wake.Session = (*Session)(nil)
)
