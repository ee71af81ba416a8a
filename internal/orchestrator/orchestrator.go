// Package orchestrator runs the voice pipeline's session state machine:
// idle → wake_detected → listening → processing → responding and back, with
// degraded and failed as the resilience states. One control-loop goroutine
// owns every transition; wake events, live frames, pressure edges, manual
// triggers, and transcription outcomes reach it over bounded channels, so
// nothing re-enters the machine concurrently.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fablehome/fablewake/internal/fallback"
	"github.com/fablehome/fablewake/internal/monitor"
	"github.com/fablehome/fablewake/internal/observe"
	"github.com/fablehome/fablewake/pkg/audio"
	"github.com/fablehome/fablewake/pkg/provider/stt"
	"github.com/fablehome/fablewake/pkg/provider/wake"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

// Pipeline states.
const (
	StateIdle         = "idle"
	StateWakeDetected = "wake_detected"
	StateListening    = "listening"
	StateProcessing   = "processing"
	StateResponding   = "responding"
	StateDegraded     = "degraded"
	StateFailed       = "failed"
)

// Machine events.
const (
	evWake     = "wake"
	evCapture  = "capture"
	evTrigger  = "trigger"
	evComplete = "complete"
	evResolve  = "resolve"
	evFinish   = "finish"
	evAbort    = "abort"
	evDegrade  = "degrade"
	evRecover  = "recover"
	evFail     = "fail"
)

// Session and resilience defaults.
const (
	DefaultPreRoll          = 300 * time.Millisecond
	DefaultSilenceWindow    = 1200 * time.Millisecond
	DefaultMaxCapture       = 10 * time.Second
	DefaultRespondTimeout   = 5 * time.Second
	DefaultDebounce         = 2 * time.Second
	DefaultGracePeriod      = 20 * time.Second
	DefaultHoldPeriod       = 60 * time.Second
	DefaultFailureThreshold = 3
)

// ErrCannotListen is returned by TriggerListen when the pipeline is not in a
// state that can start a capture, or resources do not allow one.
var ErrCannotListen = errors.New("orchestrator: pipeline cannot listen now")

// Config holds the orchestrator's session parameters.
type Config struct {
	// PreRoll is how much ring history anchors a capture so the start of
	// speech is not clipped.
	PreRoll time.Duration

	// SilenceWindow ends a capture after this much continuous quiet.
	SilenceWindow time.Duration

	// SilenceRMS is the PCM energy floor below which a frame counts as
	// quiet.
	SilenceRMS float64

	// MaxCapture is the hard capture ceiling, boundary inclusive.
	MaxCapture time.Duration

	// RespondTimeout bounds the intent consumer callback.
	RespondTimeout time.Duration

	// Debounce drops wake events arriving this soon after an accepted one.
	Debounce time.Duration

	// GracePeriod is how long pressure must stay critical before the
	// pipeline degrades.
	GracePeriod time.Duration

	// HoldPeriod is how long pressure must stay normal before resource
	// degradation lifts.
	HoldPeriod time.Duration

	// FailureThreshold is the consecutive exhausted-transcription count that
	// activates the fallback controller.
	FailureThreshold int
}

func (c Config) withDefaults() Config {
	if c.PreRoll <= 0 {
		c.PreRoll = DefaultPreRoll
	}
	if c.SilenceWindow <= 0 {
		c.SilenceWindow = DefaultSilenceWindow
	}
	if c.SilenceRMS <= 0 {
		c.SilenceRMS = audio.DefaultSilenceRMS
	}
	if c.MaxCapture <= 0 {
		c.MaxCapture = DefaultMaxCapture
	}
	if c.RespondTimeout <= 0 {
		c.RespondTimeout = DefaultRespondTimeout
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.HoldPeriod <= 0 {
		c.HoldPeriod = DefaultHoldPeriod
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	return c
}

// Tunables are the hot-applicable settings Reconfigure accepts. Zero fields
// keep their current values. Changes land between sessions: a running
// capture finishes under the settings it started with.
type Tunables struct {
	Sensitivity    wake.Sensitivity
	Debounce       time.Duration
	SilenceWindow  time.Duration
	SilenceRMS     float64
	MaxCapture     time.Duration
	PreRoll        time.Duration
	RespondTimeout time.Duration
}

// PreRollSource supplies recent audio history for capture anchoring.
type PreRollSource interface {
	Snapshot(d time.Duration) []audio.AudioFrame
}

// WakeSession is the slice of wake.Session the orchestrator drives.
type WakeSession interface {
	SetSensitivity(s wake.Sensitivity)
	Reset()
}

// Dispatcher submits one capture segment for transcription.
type Dispatcher interface {
	Transcribe(ctx context.Context, seg audio.CaptureSegment, langHint string) (stt.Result, error)
}

// ResourceWatcher reports pressure levels and their transitions.
type ResourceWatcher interface {
	Pressure() monitor.Level
	Subscribe() <-chan monitor.Transition
}

// FallbackControl is the degraded-mode controller surface the orchestrator
// drives.
type FallbackControl interface {
	Activate(r fallback.Reason)
	Deactivate(r fallback.Reason)
}

// Consumer receives the transcript of a completed session. The callback is
// bounded by Config.RespondTimeout; ctx expires with it.
type Consumer func(ctx context.Context, res stt.Result)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig replaces the default session parameters.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg.withDefaults() }
}

// WithConsumer sets the intent consumer callback.
func WithConsumer(fn Consumer) Option {
	return func(o *Orchestrator) { o.consumer = fn }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator owns the pipeline session state machine.
type Orchestrator struct {
	cfg        Config
	ring       PreRollSource
	session    WakeSession
	dispatcher Dispatcher
	watcher    ResourceWatcher
	ctrl       FallbackControl
	consumer   Consumer
	notifier   *Notifier
	metrics    *observe.Metrics
	machine    *fsm.FSM

	armed      atomic.Bool
	degReasons atomic.Pointer[[]fallback.Reason]

	wakeCh    chan wake.Event
	frameCh   chan audio.AudioFrame
	triggerCh chan triggerRequest
	outcomeCh chan sttOutcome
	respondCh chan string
	reconfCh  chan Tunables
	degradeCh chan degradeSignal
	failCh    chan error

	now   func() time.Time
	newID func() string

	// Control-loop state. Touched only by Run's goroutine.
	sess         *captureState
	lastWake     time.Time
	degActive    bool
	sttFailures  int
	pendingTun   *Tunables
	graceTimer   *time.Timer
	holdTimer    *time.Timer
	respondTimer *time.Timer
}

// captureState is the loop's view of one listening cycle.
type captureState struct {
	id       string
	manual   bool
	seg      audio.CaptureSegment
	lastLoud time.Duration
	cancel   context.CancelFunc
}

type triggerRequest struct {
	reply chan error
}

type sttOutcome struct {
	id  string
	res stt.Result
	err error
}

type degradeSignal struct {
	active  bool
	reasons []fallback.Reason
}

// New creates an orchestrator. session may be nil when no wake engine could
// be armed; the pipeline then serves manual triggers only.
func New(ring PreRollSource, session WakeSession, dispatcher Dispatcher, watcher ResourceWatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:        Config{}.withDefaults(),
		ring:       ring,
		session:    session,
		dispatcher: dispatcher,
		watcher:    watcher,
		notifier:   NewNotifier(0),
		wakeCh:     make(chan wake.Event, 8),
		frameCh:    make(chan audio.AudioFrame, 64),
		triggerCh:  make(chan triggerRequest),
		outcomeCh:  make(chan sttOutcome, 1),
		respondCh:  make(chan string, 1),
		reconfCh:   make(chan Tunables, 1),
		degradeCh:  make(chan degradeSignal, 1),
		failCh:     make(chan error, 1),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	o.armed.Store(true)
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	o.machine = o.newMachine()
	return o
}

func (o *Orchestrator) newMachine() *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: evWake, Src: []string{StateIdle}, Dst: StateWakeDetected},
			{Name: evCapture, Src: []string{StateWakeDetected}, Dst: StateListening},
			{Name: evTrigger, Src: []string{StateIdle, StateDegraded}, Dst: StateListening},
			{Name: evComplete, Src: []string{StateListening}, Dst: StateProcessing},
			{Name: evResolve, Src: []string{StateProcessing}, Dst: StateResponding},
			{Name: evFinish, Src: []string{StateResponding}, Dst: StateIdle},
			{Name: evAbort, Src: []string{StateProcessing}, Dst: StateIdle},
			{Name: evDegrade, Src: []string{StateIdle, StateWakeDetected, StateListening}, Dst: StateDegraded},
			{Name: evRecover, Src: []string{StateDegraded}, Dst: StateIdle},
			{Name: evFail, Src: []string{
				StateIdle, StateWakeDetected, StateListening,
				StateProcessing, StateResponding, StateDegraded,
			}, Dst: StateFailed},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				o.metrics.RecordTransition(ctx, e.Src, e.Dst)
				slog.Info("pipeline state changed", "from", e.Src, "to", e.Dst, "cause", e.Event)
			},
		},
	)
}

// State returns the current pipeline state name.
func (o *Orchestrator) State() string { return o.machine.Current() }

// Subscribe registers for session lifecycle events.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) { return o.notifier.Subscribe() }

// SetFallback wires the degraded-mode controller. Must be called before Run.
func (o *Orchestrator) SetFallback(ctrl FallbackControl) { o.ctrl = ctrl }

// SetArmed enables or suspends wake-event acceptance. This is the fallback
// controller's wake suspension effect.
func (o *Orchestrator) SetArmed(armed bool) { o.armed.Store(armed) }

// Armed reports whether wake events are accepted. The audio pump checks it
// before feeding the wake session.
func (o *Orchestrator) Armed() bool { return o.armed.Load() }

// FallbackChanged is the controller's activity-edge callback. Safe from any
// goroutine; the newest edge wins when the loop lags.
func (o *Orchestrator) FallbackChanged(active bool, reasons []fallback.Reason) {
	offer(o.degradeCh, degradeSignal{active: active, reasons: reasons})
}

// DegradedReasons returns the reasons reported with the latest degraded
// edge, for the status surface. Empty when not degraded.
func (o *Orchestrator) DegradedReasons() []fallback.Reason {
	p := o.degReasons.Load()
	if p == nil {
		return nil
	}
	return *p
}

// FeedFrame offers one live frame to the loop. Never blocks: when the loop
// is backlogged the frame is dropped here, and the ring still holds the
// audio for the next capture anchor.
func (o *Orchestrator) FeedFrame(f audio.AudioFrame) {
	select {
	case o.frameCh <- f:
	default:
	}
}

// OnWake offers one wake detection to the loop in emission order. Never
// blocks.
func (o *Orchestrator) OnWake(ev wake.Event) {
	select {
	case o.wakeCh <- ev:
	default:
		slog.Warn("wake event dropped, control loop backlogged", "engine", ev.Engine)
	}
}

// TriggerListen manually starts a listening session ("tap to talk"). Valid
// while idle or degraded with resources below critical; otherwise it fails
// with ErrCannotListen.
func (o *Orchestrator) TriggerListen(ctx context.Context) error {
	req := triggerRequest{reply: make(chan error, 1)}
	select {
	case o.triggerCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconfigure applies hot tunables. Changes land between sessions.
func (o *Orchestrator) Reconfigure(t Tunables) { offer(o.reconfCh, t) }

// Fail moves the pipeline to the terminal failed state, e.g. on a fatal
// audio source error. The process keeps running so the status surface can
// report the condition.
func (o *Orchestrator) Fail(err error) { offer(o.failCh, err) }

// offer delivers v on a buffer-1 channel, displacing an undelivered older
// value.
func offer[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
