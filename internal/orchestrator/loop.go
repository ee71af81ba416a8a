package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/fablehome/fablewake/internal/fallback"
	"github.com/fablehome/fablewake/internal/monitor"
	"github.com/fablehome/fablewake/pkg/audio"
	"github.com/fablehome/fablewake/pkg/provider/stt"
	"github.com/fablehome/fablewake/pkg/provider/wake"
)

// Run drives the control loop until ctx is canceled. All state transitions
// happen on this goroutine.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.metrics.RecordTransition(ctx, "", StateIdle)
	pressCh := o.watcher.Subscribe()
	if o.watcher.Pressure() >= monitor.LevelCritical {
		o.graceTimer = time.NewTimer(o.cfg.GracePeriod)
	}

	for {
		select {
		case <-ctx.Done():
			o.clearSession()
			return ctx.Err()
		case ev := <-o.wakeCh:
			o.handleWake(ctx, ev)
		case f := <-o.frameCh:
			o.handleFrame(ctx, f)
		case req := <-o.triggerCh:
			o.handleTrigger(ctx, req)
		case out := <-o.outcomeCh:
			o.handleOutcome(ctx, out)
		case id := <-o.respondCh:
			o.finishRespond(ctx, id)
		case <-timerC(o.respondTimer):
			o.handleRespondTimeout(ctx)
		case tr := <-pressCh:
			o.handlePressure(tr)
		case <-timerC(o.graceTimer):
			o.graceTimer = nil
			o.onGraceElapsed()
		case <-timerC(o.holdTimer):
			o.holdTimer = nil
			o.onHoldElapsed()
		case sig := <-o.degradeCh:
			o.handleDegradeSignal(ctx, sig)
		case t := <-o.reconfCh:
			o.handleReconfigure(t)
		case err := <-o.failCh:
			o.handleFail(ctx, err)
		}
	}
}

// timerC returns the timer's channel, or a nil channel that never fires
// when the timer is disarmed.
func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (o *Orchestrator) handleWake(ctx context.Context, ev wake.Event) {
	if !o.armed.Load() {
		o.metrics.RecordWakeDetection(ctx, "suppressed", 0)
		slog.Debug("wake event suppressed", "phrase", ev.Phrase, "engine", ev.Engine)
		return
	}
	if o.State() != StateIdle {
		o.metrics.RecordWakeDetection(ctx, "busy", 0)
		slog.Debug("wake event ignored, pipeline busy", "state", o.State())
		return
	}
	if o.watcher.Pressure() >= monitor.LevelCritical {
		o.metrics.RecordWakeDetection(ctx, "pressure", 0)
		slog.Warn("wake event refused under critical memory pressure", "phrase", ev.Phrase)
		return
	}
	if !o.lastWake.IsZero() && o.now().Sub(o.lastWake) < o.cfg.Debounce {
		o.metrics.RecordWakeDetection(ctx, "debounced", 0)
		slog.Debug("wake event debounced", "phrase", ev.Phrase)
		return
	}

	o.lastWake = o.now()
	o.metrics.RecordWakeDetection(ctx, "accepted", ev.Confidence)
	id := o.newID()
	o.publish(Event{
		Kind:       EventWakeDetected,
		Session:    id,
		Confidence: ev.Confidence,
		Engine:     ev.Engine,
	})
	o.transition(ctx, evWake)
	o.beginCapture(ctx, id, false)
}

// beginCapture anchors a new segment on ring history and enters listening.
func (o *Orchestrator) beginCapture(ctx context.Context, id string, manual bool) {
	if o.session != nil {
		o.session.Reset()
	}
	var seg audio.CaptureSegment
	for _, f := range o.ring.Snapshot(o.cfg.PreRoll) {
		seg.AppendFrame(f)
	}
	o.sess = &captureState{id: id, manual: manual, seg: seg, lastLoud: seg.End}
	if manual {
		o.transition(ctx, evTrigger)
	} else {
		o.transition(ctx, evCapture)
	}
	o.publish(Event{Kind: EventListeningStarted, Session: id})
	slog.Info("listening started",
		"session", id,
		"manual", manual,
		"pre_roll_ms", seg.Duration().Milliseconds(),
	)
}

func (o *Orchestrator) handleFrame(ctx context.Context, f audio.AudioFrame) {
	if o.State() != StateListening || o.sess == nil {
		return
	}
	sess := o.sess
	if sess.seg.Empty() {
		// No pre-roll was available; the first live frame anchors the
		// silence clock to the stream position.
		sess.lastLoud = f.Timestamp
	}
	sess.seg.AppendFrame(f)
	if audio.ComputeRMS(f.Data) >= o.cfg.SilenceRMS {
		sess.lastLoud = sess.seg.End
	}

	switch {
	case sess.seg.Duration() >= o.cfg.MaxCapture:
		o.finishCapture(ctx, "max_duration")
	case sess.seg.End-sess.lastLoud >= o.cfg.SilenceWindow:
		o.finishCapture(ctx, "silence")
	}
}

// finishCapture closes the segment and hands it to the dispatcher.
func (o *Orchestrator) finishCapture(ctx context.Context, reason string) {
	sess := o.sess
	seconds := sess.seg.Duration().Seconds()
	o.metrics.CaptureDuration.Record(ctx, seconds)
	o.publish(Event{
		Kind:    EventListeningEnded,
		Session: sess.id,
		Seconds: seconds,
		Reason:  reason,
	})
	o.transition(ctx, evComplete)
	slog.Info("capture complete",
		"session", sess.id,
		"seconds", seconds,
		"reason", reason,
	)

	sctx, cancel := context.WithCancel(ctx)
	sess.cancel = cancel
	go o.dispatch(sctx, sess.id, sess.seg)
}

// dispatch runs the transcription off-loop and reports its outcome back.
func (o *Orchestrator) dispatch(ctx context.Context, id string, seg audio.CaptureSegment) {
	res, err := o.dispatcher.Transcribe(ctx, seg, "")
	select {
	case o.outcomeCh <- sttOutcome{id: id, res: res, err: err}:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) handleOutcome(ctx context.Context, out sttOutcome) {
	if o.sess == nil || o.sess.id != out.id || o.State() != StateProcessing {
		slog.Debug("stale transcription outcome dropped", "session", out.id)
		return
	}
	if out.err != nil {
		o.handleSTTFailure(ctx, out)
		return
	}

	o.sttFailures = 0
	if o.ctrl != nil {
		o.ctrl.Deactivate(fallback.ReasonRepeatedSTTFailure)
	}
	o.publish(Event{
		Kind:       EventSTTResult,
		Session:    out.id,
		Text:       out.res.Text,
		Provider:   out.res.Provider,
		Confidence: out.res.Confidence,
	})
	o.transition(ctx, evResolve)
	o.beginRespond(ctx, out.id, out.res)
}

func (o *Orchestrator) handleSTTFailure(ctx context.Context, out sttOutcome) {
	var serr *stt.Error
	class := stt.ClassNetwork
	if errors.As(out.err, &serr) {
		class = serr.Class
	}
	if class == stt.ClassCanceled {
		slog.Info("transcription canceled", "session", out.id)
		o.clearSession()
		o.transition(ctx, evAbort)
		o.reconcile(ctx)
		return
	}

	o.sttFailures++
	o.publish(Event{
		Kind:    EventSTTError,
		Session: out.id,
		Reason:  string(class),
		Err:     out.err.Error(),
	})
	slog.Error("transcription failed",
		"session", out.id,
		"class", class,
		"consecutive", o.sttFailures,
		"error", out.err,
	)
	o.clearSession()
	o.transition(ctx, evAbort)
	if o.sttFailures >= o.cfg.FailureThreshold && o.ctrl != nil {
		o.ctrl.Activate(fallback.ReasonRepeatedSTTFailure)
	}
	o.reconcile(ctx)
}

// beginRespond hands the transcript to the consumer with a deadline.
func (o *Orchestrator) beginRespond(ctx context.Context, id string, res stt.Result) {
	if o.consumer == nil {
		o.finishRespond(ctx, id)
		return
	}
	o.respondTimer = time.NewTimer(o.cfg.RespondTimeout)
	go func() {
		rctx, rcancel := context.WithTimeout(ctx, o.cfg.RespondTimeout)
		defer rcancel()
		o.consumer(rctx, res)
		select {
		case o.respondCh <- id:
		case <-ctx.Done():
		}
	}()
}

func (o *Orchestrator) finishRespond(ctx context.Context, id string) {
	if o.sess == nil || o.sess.id != id || o.State() != StateResponding {
		return
	}
	o.disarmRespond()
	o.clearSession()
	o.transition(ctx, evFinish)
	o.reconcile(ctx)
}

func (o *Orchestrator) handleRespondTimeout(ctx context.Context) {
	o.respondTimer = nil
	if o.sess == nil || o.State() != StateResponding {
		return
	}
	slog.Warn("intent consumer exceeded respond timeout", "session", o.sess.id)
	o.clearSession()
	o.transition(ctx, evFinish)
	o.reconcile(ctx)
}

func (o *Orchestrator) clearSession() {
	if o.sess == nil {
		return
	}
	if o.sess.cancel != nil {
		o.sess.cancel()
	}
	o.sess = nil
}

// reconcile applies deferred work once the machine is back at idle: pending
// tunables first, then a park into degraded when the controller is active.
func (o *Orchestrator) reconcile(ctx context.Context) {
	if o.State() != StateIdle {
		return
	}
	if o.pendingTun != nil {
		t := *o.pendingTun
		o.pendingTun = nil
		o.applyTunables(t)
	}
	if o.degActive {
		o.transition(ctx, evDegrade)
	}
}

func (o *Orchestrator) handleTrigger(ctx context.Context, req triggerRequest) {
	state := o.State()
	ok := state == StateIdle || state == StateDegraded
	if o.watcher.Pressure() >= monitor.LevelCritical {
		ok = false
	}
	if !ok {
		req.reply <- fmt.Errorf("%w: state %s", ErrCannotListen, state)
		return
	}
	req.reply <- nil
	id := o.newID()
	slog.Info("manual listen trigger accepted", "session", id, "state", state)
	o.beginCapture(ctx, id, true)
}

func (o *Orchestrator) handlePressure(tr monitor.Transition) {
	if tr.To >= monitor.LevelCritical {
		if o.graceTimer == nil {
			o.graceTimer = time.NewTimer(o.cfg.GracePeriod)
			slog.Warn("memory critical, degraded-mode grace period started",
				"grace", o.cfg.GracePeriod,
			)
		}
	} else {
		o.disarmGrace()
	}

	if o.degActive && tr.To == monitor.LevelNormal {
		if o.holdTimer == nil {
			o.holdTimer = time.NewTimer(o.cfg.HoldPeriod)
			slog.Info("memory back to normal, recovery hold started",
				"hold", o.cfg.HoldPeriod,
			)
		}
	} else {
		o.disarmHold()
	}
}

func (o *Orchestrator) onGraceElapsed() {
	if o.watcher.Pressure() < monitor.LevelCritical {
		return
	}
	slog.Warn("memory pressure critical past grace period, degrading")
	if o.ctrl != nil {
		o.ctrl.Activate(fallback.ReasonResourceCritical)
	}
}

func (o *Orchestrator) onHoldElapsed() {
	if o.watcher.Pressure() != monitor.LevelNormal {
		return
	}
	slog.Info("memory pressure stable, lifting resource degradation")
	if o.ctrl != nil {
		o.ctrl.Deactivate(fallback.ReasonResourceCritical)
	}
}

func (o *Orchestrator) handleDegradeSignal(ctx context.Context, sig degradeSignal) {
	reasons := slices.Clone(sig.reasons)
	o.degReasons.Store(&reasons)
	if sig.active == o.degActive {
		return
	}
	o.degActive = sig.active

	if sig.active {
		o.publish(Event{Kind: EventDegradedEntered, Reason: reasonsString(sig.reasons)})
		switch o.State() {
		case StateIdle, StateWakeDetected:
			o.transition(ctx, evDegrade)
		case StateListening:
			o.publish(Event{
				Kind:    EventListeningEnded,
				Session: o.sess.id,
				Seconds: o.sess.seg.Duration().Seconds(),
				Reason:  "aborted",
			})
			o.clearSession()
			o.transition(ctx, evDegrade)
		default:
			// Processing and responding run to completion; reconcile
			// parks the machine afterwards.
		}
		return
	}

	o.publish(Event{Kind: EventDegradedExited})
	if o.State() == StateDegraded {
		o.transition(ctx, evRecover)
	}
}

func (o *Orchestrator) handleReconfigure(t Tunables) {
	switch o.State() {
	case StateListening, StateProcessing, StateResponding:
		o.pendingTun = &t
		slog.Debug("tunables queued until session ends")
	default:
		o.applyTunables(t)
	}
}

func (o *Orchestrator) applyTunables(t Tunables) {
	if t.Sensitivity.IsValid() && o.session != nil {
		o.session.SetSensitivity(t.Sensitivity)
	}
	if t.Debounce > 0 {
		o.cfg.Debounce = t.Debounce
	}
	if t.SilenceWindow > 0 {
		o.cfg.SilenceWindow = t.SilenceWindow
	}
	if t.SilenceRMS > 0 {
		o.cfg.SilenceRMS = t.SilenceRMS
	}
	if t.MaxCapture > 0 {
		o.cfg.MaxCapture = t.MaxCapture
	}
	if t.PreRoll > 0 {
		o.cfg.PreRoll = t.PreRoll
	}
	if t.RespondTimeout > 0 {
		o.cfg.RespondTimeout = t.RespondTimeout
	}
	slog.Info("pipeline tunables applied",
		"debounce", o.cfg.Debounce,
		"silence_window", o.cfg.SilenceWindow,
		"max_capture", o.cfg.MaxCapture,
	)
}

func (o *Orchestrator) handleFail(ctx context.Context, err error) {
	if o.State() == StateFailed {
		slog.Error("pipeline already failed", "error", err)
		return
	}
	if o.State() == StateListening && o.sess != nil {
		o.publish(Event{
			Kind:    EventListeningEnded,
			Session: o.sess.id,
			Seconds: o.sess.seg.Duration().Seconds(),
			Reason:  "aborted",
		})
	}
	o.clearSession()
	o.disarmGrace()
	o.disarmHold()
	o.disarmRespond()
	o.armed.Store(false)
	o.publish(Event{Kind: EventPipelineFailed, Err: err.Error()})
	o.transition(ctx, evFail)
	slog.Error("pipeline failed, voice features unavailable until restart", "error", err)
}

// transition fires a machine event. Guards precede every call, so an error
// here is a bug worth surfacing loudly.
func (o *Orchestrator) transition(ctx context.Context, event string) {
	if err := o.machine.Event(ctx, event); err != nil {
		slog.Error("state transition rejected",
			"event", event,
			"state", o.machine.Current(),
			"error", err,
		)
	}
}

func (o *Orchestrator) publish(ev Event) {
	ev.At = o.now()
	o.notifier.Publish(ev)
}

func (o *Orchestrator) disarmGrace() {
	if o.graceTimer != nil {
		o.graceTimer.Stop()
		o.graceTimer = nil
	}
}

func (o *Orchestrator) disarmHold() {
	if o.holdTimer != nil {
		o.holdTimer.Stop()
		o.holdTimer = nil
	}
}

func (o *Orchestrator) disarmRespond() {
	if o.respondTimer != nil {
		o.respondTimer.Stop()
		o.respondTimer = nil
	}
}

func reasonsString(reasons []fallback.Reason) string {
	parts := make([]string, len(reasons))
	for i, r := range reasons {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}
