package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fablehome/fablewake/internal/app"
	"github.com/fablehome/fablewake/internal/config"
	"github.com/fablehome/fablewake/internal/fallback"
	"github.com/fablehome/fablewake/internal/monitor"
	"github.com/fablehome/fablewake/internal/observe"
	"github.com/fablehome/fablewake/internal/orchestrator"
	"github.com/fablehome/fablewake/pkg/audio"
	audiomock "github.com/fablehome/fablewake/pkg/audio/mock"
	"github.com/fablehome/fablewake/pkg/provider/stt"
	sttmock "github.com/fablehome/fablewake/pkg/provider/stt/mock"
	"github.com/fablehome/fablewake/pkg/provider/wake"
	wakemock "github.com/fablehome/fablewake/pkg/provider/wake/mock"
)

// testConfig returns defaults trimmed for fast tests: no status listener and
// a short silence window so captures end after a handful of frames.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Status.Enabled = false
	cfg.Capture.SilenceMs = 200
	return cfg
}

// testProviders returns mock-backed providers for the full pipeline.
func testProviders() (*app.Providers, *audiomock.Source, *wakemock.Engine, *sttmock.Transcriber) {
	src := audiomock.NewSource()
	eng := &wakemock.Engine{EngineName: "mockwake"}
	tr := &sttmock.Transcriber{Result: stt.Result{Text: "turn on the lights", Confidence: 0.92}}
	return &app.Providers{
		Source:       src,
		Wake:         eng,
		Transcribers: []stt.Transcriber{tr},
	}, src, eng, tr
}

// quietSampler reports comfortable headroom so pressure never interferes.
type quietSampler struct{}

func (quietSampler) Sample() (monitor.Snapshot, error) {
	return monitor.Snapshot{
		MemUsedBytes:  128 << 20,
		MemTotalBytes: 512 << 20,
		MemFraction:   0.25,
		CPUFraction:   0.1,
		Taken:         time.Now(),
	}, nil
}

func newTestApp(t *testing.T, cfg *config.Config, providers *app.Providers) *app.App {
	t.Helper()
	application, err := app.New(
		context.Background(),
		cfg,
		providers,
		app.WithMetrics(observe.DefaultMetrics()),
		app.WithResourceSampler(quietSampler{}),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	return application
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

// silentFrame returns a 20 ms frame of zeroed PCM at stream position n.
func silentFrame(n int) audio.AudioFrame {
	return audio.AudioFrame{
		Data:       make([]byte, 640),
		SampleRate: 16000,
		Channels:   1,
		Timestamp:  time.Duration(n) * 20 * time.Millisecond,
	}
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	providers, _, eng, _ := testProviders()
	application := newTestApp(t, testConfig(), providers)

	if got := application.State(); got != orchestrator.StateIdle {
		t.Errorf("State() = %q, want %q", got, orchestrator.StateIdle)
	}
	if len(eng.NewSessionCalls) != 1 {
		t.Fatalf("NewSession call count = %d, want 1", len(eng.NewSessionCalls))
	}
	sess := eng.NewSessionCalls[0]
	if sess.Phrase != "hey fable" {
		t.Errorf("session phrase = %q, want %q", sess.Phrase, "hey fable")
	}
	if sess.SampleRate != 16000 {
		t.Errorf("session sample rate = %d, want 16000", sess.SampleRate)
	}
}

func TestNew_RequiresSource(t *testing.T) {
	t.Parallel()

	providers, _, _, _ := testProviders()
	providers.Source = nil

	_, err := app.New(context.Background(), testConfig(), providers,
		app.WithMetrics(observe.DefaultMetrics()))
	if err == nil {
		t.Fatal("New() accepted providers without an audio source")
	}
}

func TestNew_RequiresTranscriber(t *testing.T) {
	t.Parallel()

	providers, _, _, _ := testProviders()
	providers.Transcribers = nil

	_, err := app.New(context.Background(), testConfig(), providers,
		app.WithMetrics(observe.DefaultMetrics()))
	if err == nil {
		t.Fatal("New() accepted providers without transcribers")
	}
}

func TestNew_WakeFailureStartsDegraded(t *testing.T) {
	t.Parallel()

	providers, _, eng, _ := testProviders()
	eng.NewSessionErr = errors.New("model load timed out")

	application := newTestApp(t, testConfig(), providers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = application.Run(ctx) }()

	waitFor(t, func() bool { return application.State() == orchestrator.StateDegraded },
		"pipeline did not enter degraded after wake session failure")
}

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()

	providers, _, eng, tr := testProviders()
	application := newTestApp(t, testConfig(), providers)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if eng.CloseCallCount != 1 {
		t.Errorf("engine Close call count = %d, want 1", eng.CloseCallCount)
	}
	if sess := eng.LastSession(); sess == nil || sess.CloseCallCount != 1 {
		t.Error("wake session was not closed during shutdown")
	}
	if tr.CloseCallCount != 1 {
		t.Errorf("transcriber Close call count = %d, want 1", tr.CloseCallCount)
	}

	// Second call is a no-op.
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("repeated Shutdown() error: %v", err)
	}
	if eng.CloseCallCount != 1 {
		t.Errorf("engine Close call count after repeat = %d, want 1", eng.CloseCallCount)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	providers, src, _, _ := testProviders()
	application := newTestApp(t, testConfig(), providers)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- application.Run(ctx) }()

	waitFor(t, func() bool { return src.OpenCount() == 1 }, "audio source was not opened")
	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestApp_WakeToTranscript(t *testing.T) {
	t.Parallel()

	providers, src, eng, _ := testProviders()
	cfg := testConfig()

	transcripts := make(chan stt.Result, 1)
	application, err := app.New(
		context.Background(),
		cfg,
		providers,
		app.WithMetrics(observe.DefaultMetrics()),
		app.WithResourceSampler(quietSampler{}),
		app.WithConsumer(func(_ context.Context, res stt.Result) {
			select {
			case transcripts <- res:
			default:
			}
		}),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	events, cancelSub := application.Events()
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = application.Run(ctx) }()

	waitFor(t, func() bool { return src.OpenCount() == 1 }, "audio source was not opened")
	stream := src.LastStream()
	session := eng.LastSession()
	if stream == nil || session == nil {
		t.Fatal("missing mock stream or wake session")
	}

	nextEvent := func(want orchestrator.EventKind) orchestrator.Event {
		t.Helper()
		select {
		case ev := <-events:
			if ev.Kind != want {
				t.Fatalf("event kind = %q, want %q", ev.Kind, want)
			}
			return ev
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q event", want)
			return orchestrator.Event{}
		}
	}

	// The first frame carries the detection.
	session.Emit(wake.Event{Confidence: 0.9})
	if !stream.Push(silentFrame(0)) {
		t.Fatal("detection frame rejected by mock stream")
	}
	nextEvent(orchestrator.EventWakeDetected)
	nextEvent(orchestrator.EventListeningStarted)

	// A quiet tail ends the capture once the silence window elapses in
	// stream time.
	for i := 1; i <= 40; i++ {
		if !stream.Push(silentFrame(i)) {
			t.Fatalf("frame %d rejected by mock stream", i)
		}
	}
	nextEvent(orchestrator.EventListeningEnded)
	if ev := nextEvent(orchestrator.EventSTTResult); ev.Text != "turn on the lights" {
		t.Errorf("transcript = %q, want %q", ev.Text, "turn on the lights")
	}

	select {
	case res := <-transcripts:
		if res.Text != "turn on the lights" {
			t.Errorf("consumer transcript = %q, want %q", res.Text, "turn on the lights")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("consumer was not invoked")
	}

	waitFor(t, func() bool { return application.State() == orchestrator.StateIdle },
		"pipeline did not return to idle after the session")
}

func TestApp_SourceFailureFailsPipeline(t *testing.T) {
	t.Parallel()

	providers, src, _, _ := testProviders()
	application := newTestApp(t, testConfig(), providers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- application.Run(ctx) }()

	waitFor(t, func() bool { return src.OpenCount() == 1 }, "audio source was not opened")
	src.LastStream().Fail(errors.New("device detached"))

	waitFor(t, func() bool { return application.State() == orchestrator.StateFailed },
		"pipeline did not fail after a fatal capture error")

	// The process keeps running so the condition stays observable.
	select {
	case err := <-errCh:
		t.Fatalf("Run() returned early: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
}

func TestApp_ManualTrigger(t *testing.T) {
	t.Parallel()

	providers, src, _, _ := testProviders()
	providers.Wake = nil
	application := newTestApp(t, testConfig(), providers)

	events, cancelSub := application.Events()
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = application.Run(ctx) }()

	waitFor(t, func() bool { return src.OpenCount() == 1 }, "audio source was not opened")

	// Without a wake session the pipeline parks in degraded, where the
	// manual trigger is the only way into listening.
	waitFor(t, func() bool { return application.State() == orchestrator.StateDegraded },
		"pipeline did not degrade without a wake engine")

	select {
	case ev := <-events:
		if ev.Kind != orchestrator.EventDegradedEntered {
			t.Fatalf("event kind = %q, want %q", ev.Kind, orchestrator.EventDegradedEntered)
		}
		if ev.Reason != string(fallback.ReasonWakeWordUnavailable) {
			t.Errorf("degraded reason = %q, want %q", ev.Reason, fallback.ReasonWakeWordUnavailable)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for degraded_entered")
	}

	triggerCtx, triggerCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer triggerCancel()
	if err := application.TriggerListen(triggerCtx); err != nil {
		t.Fatalf("TriggerListen() error: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Kind != orchestrator.EventListeningStarted {
			t.Fatalf("event kind = %q, want %q", ev.Kind, orchestrator.EventListeningStarted)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for listening_started")
	}
}
