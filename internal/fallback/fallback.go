// Package fallback coordinates degraded-mode operation. The controller
// tracks why the pipeline is degraded as a set of reasons and applies the
// mode's effects exactly on the empty/non-empty edges: continuous wake
// listening is suspended, transcription is pointed at the low-cost provider,
// and the status surface advertises the manual trigger as the way in.
//
// Activation is idempotent per reason. Deactivate clears one reason; the
// pipeline leaves degraded mode only when the set empties.
package fallback

import (
	"log/slog"
	"slices"
	"sync"
)

// Reason is why the pipeline is degraded.
type Reason string

const (
	// ReasonWakeWordUnavailable: the wake engine could not be armed, so
	// continuous listening is impossible.
	ReasonWakeWordUnavailable Reason = "wake_word_unavailable"

	// ReasonResourceCritical: memory pressure stayed critical past the grace
	// period.
	ReasonResourceCritical Reason = "resource_critical"

	// ReasonRepeatedSTTFailure: consecutive transcription cycles exhausted
	// every provider.
	ReasonRepeatedSTTFailure Reason = "repeated_stt_failure"
)

// WakeControl suspends and resumes continuous wake listening.
type WakeControl interface {
	SetArmed(armed bool)
}

// Router restricts transcription to the low-cost provider while degraded.
type Router interface {
	UseLowCostOnly(on bool)
}

// Option configures a Controller.
type Option func(*Controller)

// WithWakeControl wires the wake suspension effect.
func WithWakeControl(w WakeControl) Option {
	return func(c *Controller) { c.wake = w }
}

// WithRouter wires the low-cost transcription effect.
func WithRouter(r Router) Option {
	return func(c *Controller) { c.router = r }
}

// WithOnChange registers a callback fired on every activity edge: once when
// the first reason activates and once when the last clears. The callback
// runs under the controller's lock and must not call back into it.
func WithOnChange(fn func(active bool, reasons []Reason)) Option {
	return func(c *Controller) { c.onChange = fn }
}

// Controller holds the degraded-mode reason set and applies its effects.
type Controller struct {
	mu       sync.Mutex
	reasons  map[Reason]struct{}
	wake     WakeControl
	router   Router
	onChange func(active bool, reasons []Reason)
}

// New creates an inactive controller.
func New(opts ...Option) *Controller {
	c := &Controller{reasons: make(map[Reason]struct{})}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Activate adds one reason. Re-adding an active reason is a no-op; adding
// the first reason applies the degraded-mode effects.
func (c *Controller) Activate(r Reason) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.reasons[r]; ok {
		slog.Debug("fallback reason already active", "reason", r)
		return
	}
	wasEmpty := len(c.reasons) == 0
	c.reasons[r] = struct{}{}
	slog.Warn("fallback activated", "reason", r, "active", c.reasonsLocked())

	if wasEmpty {
		c.applyLocked(true)
	}
}

// Deactivate clears one reason. Clearing an inactive reason is a no-op;
// clearing the last reason restores normal operation.
func (c *Controller) Deactivate(r Reason) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.reasons[r]; !ok {
		slog.Debug("fallback reason not active", "reason", r)
		return
	}
	delete(c.reasons, r)
	slog.Info("fallback reason cleared", "reason", r, "active", c.reasonsLocked())

	if len(c.reasons) == 0 {
		c.applyLocked(false)
	}
}

// Active reports whether any reason is active.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reasons) > 0
}

// Reasons returns the active reasons, sorted for stable output.
func (c *Controller) Reasons() []Reason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reasonsLocked()
}

func (c *Controller) reasonsLocked() []Reason {
	out := make([]Reason, 0, len(c.reasons))
	for r := range c.reasons {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

func (c *Controller) applyLocked(degraded bool) {
	if c.wake != nil {
		c.wake.SetArmed(!degraded)
	}
	if c.router != nil {
		c.router.UseLowCostOnly(degraded)
	}
	if c.onChange != nil {
		c.onChange(degraded, c.reasonsLocked())
	}
}
