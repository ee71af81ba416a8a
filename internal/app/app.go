// Package app wires the Fablewake subsystems together and owns their
// lifetimes: construction in New, concurrent operation in Run, ordered
// teardown in Shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/fablehome/fablewake/internal/config"
	"github.com/fablehome/fablewake/internal/dispatch"
	"github.com/fablehome/fablewake/internal/fallback"
	"github.com/fablehome/fablewake/internal/health"
	"github.com/fablehome/fablewake/internal/monitor"
	"github.com/fablehome/fablewake/internal/observe"
	"github.com/fablehome/fablewake/internal/orchestrator"
	"github.com/fablehome/fablewake/internal/status"
	"github.com/fablehome/fablewake/pkg/audio"
	"github.com/fablehome/fablewake/pkg/audio/ring"
	"github.com/fablehome/fablewake/pkg/provider/stt"
	"github.com/fablehome/fablewake/pkg/provider/wake"
)

// audioStaleAfter is how old the newest captured frame may grow before the
// readiness probe reports the capture path unhealthy.
const audioStaleAfter = 5 * time.Second

// telemetryFlushTimeout bounds the exporter flush during shutdown.
const telemetryFlushTimeout = 5 * time.Second

// Providers holds the externally backed components, populated by main.go via
// the config registry. Tests pass doubles here.
type Providers struct {
	// Source captures microphone audio. Required.
	Source audio.Source

	// Wake spots the wake phrase. Nil starts the pipeline degraded, with
	// the manual trigger as the only way into listening.
	Wake wake.Engine

	// Transcribers are the speech-to-text providers in priority order; the
	// first is primary. At least one is required.
	Transcribers []stt.Transcriber
}

// App owns all subsystem lifetimes and drives the Fablewake voice pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers

	version    string
	configPath string
	logLevel   *slog.LevelVar
	consumer   orchestrator.Consumer
	sampler    monitor.Sampler

	// Subsystems — initialised in New, torn down in Shutdown.
	metrics      *observe.Metrics
	otelShutdown func(context.Context) error
	buffer       *ring.Buffer
	mon          *monitor.Monitor
	wakeSession  wake.Session
	dispatcher   *dispatch.Dispatcher
	orch         *orchestrator.Orchestrator
	degraded     *fallback.Controller
	server       *status.Server
	watcher      *config.Watcher

	// lastFrame is the wall-clock nanosecond timestamp of the newest
	// captured frame. Zero until capture delivers the first one.
	lastFrame atomic.Int64

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles
// and main-owned state.
type Option func(*App)

// WithVersion sets the version string reported on /v1/state and in
// telemetry.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithConfigPath enables hot reload: the app watches the file and applies
// tunable changes without a restart.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithLogLevel hands the app the process log level so hot reload can adjust
// it.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithConsumer registers the in-process intent consumer invoked with each
// final transcription.
func WithConsumer(fn orchestrator.Consumer) Option {
	return func(a *App) { a.consumer = fn }
}

// WithMetrics injects pre-built instruments instead of initialising the
// OTel SDK providers.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithResourceSampler injects the resource usage reader used by the monitor
// instead of the /proc-backed default.
func WithResourceSampler(s monitor.Sampler) Option {
	return func(a *App) { a.sampler = s }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: telemetry instruments, the
// pre-roll ring buffer, the resource monitor, the wake session (a model load
// failure degrades the pipeline instead of failing New), the transcription
// dispatcher, the orchestrator, and the status server. Run starts them.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Source == nil {
		return nil, fmt.Errorf("app: an audio source is required")
	}
	if len(providers.Transcribers) == 0 {
		return nil, fmt.Errorf("app: at least one transcription provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		version:   "dev",
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Observability ─────────────────────────────────────────────────
	if err := a.initObservability(ctx); err != nil {
		return nil, fmt.Errorf("app: init observability: %w", err)
	}

	// ── 2. Pre-roll ring buffer ──────────────────────────────────────────
	if err := a.initRing(); err != nil {
		return nil, fmt.Errorf("app: init ring buffer: %w", err)
	}

	// ── 3. Resource monitor ──────────────────────────────────────────────
	a.initMonitor()

	// ── 4. Wake session ──────────────────────────────────────────────────
	a.initWake(ctx)

	// ── 5. Transcription dispatch ────────────────────────────────────────
	a.initDispatch()

	// ── 6. Orchestrator + fallback controller ────────────────────────────
	a.initOrchestrator()

	// ── 7. Status server ─────────────────────────────────────────────────
	a.initStatus()

	// ── 8. Config watcher ────────────────────────────────────────────────
	if err := a.initWatcher(); err != nil {
		return nil, fmt.Errorf("app: init config watcher: %w", err)
	}

	// Telemetry flushes after every other subsystem is down.
	if a.otelShutdown != nil {
		a.closers = append(a.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
			defer cancel()
			return a.otelShutdown(ctx)
		})
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initObservability sets up the OTel SDK providers and the instrument set,
// unless instruments were injected.
func (a *App) initObservability(ctx context.Context) error {
	if a.metrics != nil {
		return nil
	}
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: a.version,
	})
	if err != nil {
		return err
	}
	a.otelShutdown = shutdown
	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

// initRing sizes the pre-roll buffer from the audio block.
func (a *App) initRing() error {
	format := audio.Format{
		SampleRate: a.cfg.Audio.SampleRate,
		Channels:   a.cfg.Audio.Channels,
	}
	capacity := time.Duration(a.cfg.Audio.BufferSeconds) * time.Second
	buf, err := ring.New(capacity, format, a.cfg.Audio.FrameMs)
	if err != nil {
		return err
	}
	a.buffer = buf
	return nil
}

func (a *App) initMonitor() {
	res := a.cfg.Resources
	opts := []monitor.Option{
		monitor.WithPollInterval(res.PollInterval),
		monitor.WithThresholds(res.WarningFraction, res.CriticalFraction),
		monitor.WithMetrics(a.metrics),
	}
	if res.MemoryBudgetBytes > 0 {
		opts = append(opts, monitor.WithMemoryBudget(uint64(res.MemoryBudgetBytes)))
	}
	if a.sampler != nil {
		opts = append(opts, monitor.WithSampler(a.sampler))
	}
	a.mon = monitor.New(opts...)
}

// initWake arms a detection session. Engine and model failures leave
// wakeSession nil: the pipeline starts degraded with the manual trigger
// still available, which beats refusing to start on a missing model file.
func (a *App) initWake(ctx context.Context) {
	eng := a.providers.Wake
	if eng == nil {
		slog.Warn("no wake engine available, starting with manual trigger only")
		return
	}
	sess, err := eng.NewSession(ctx, wake.SessionConfig{
		Phrase:          a.cfg.Wake.Phrase,
		Sensitivity:     a.cfg.Wake.Sensitivity,
		SampleRate:      a.cfg.Audio.SampleRate,
		WindowMs:        a.cfg.Wake.WindowMs,
		CheckIntervalMs: a.cfg.Wake.CheckIntervalMs,
		Cooldown:        a.cfg.Wake.Cooldown,
	})
	a.closers = append(a.closers, eng.Close)
	if err != nil {
		slog.Error("wake session unavailable, starting degraded",
			"engine", eng.Name(), "error", err)
		return
	}
	a.wakeSession = sess
	// Session closes before its engine: prepend keeps closer order aligned
	// with teardown order.
	a.closers = append([]func() error{sess.Close}, a.closers...)
}

// initDispatch builds the provider chain: first transcriber is primary, the
// rest are fallbacks in config order. whisper-local, when present, is the
// low-cost route used while degraded.
func (a *App) initDispatch() {
	chain := a.providers.Transcribers
	opts := []dispatch.Option{
		dispatch.WithRequestTimeout(a.cfg.STT.RequestTimeout),
		dispatch.WithLanguage(a.cfg.STT.Language),
		dispatch.WithMetrics(a.metrics),
	}
	for _, t := range chain {
		if t.Name() == "whisper-local" {
			opts = append(opts, dispatch.WithLowCostProvider(t.Name()))
			break
		}
	}
	a.dispatcher = dispatch.New(chain[0], opts...)
	for _, t := range chain[1:] {
		a.dispatcher.AddFallback(t)
	}
	a.closers = append(a.closers, a.dispatcher.Close)
}

func (a *App) initOrchestrator() {
	capture := a.cfg.Capture
	a.orch = orchestrator.New(a.buffer, a.wakeSession, a.dispatcher, a.mon,
		orchestrator.WithConfig(orchestrator.Config{
			PreRoll:          time.Duration(capture.PreRollMs) * time.Millisecond,
			SilenceWindow:    time.Duration(capture.SilenceMs) * time.Millisecond,
			SilenceRMS:       capture.SilenceRMS,
			MaxCapture:       capture.MaxDuration,
			RespondTimeout:   capture.RespondTimeout,
			Debounce:         a.cfg.Wake.Cooldown,
			GracePeriod:      a.cfg.Resources.GracePeriod,
			HoldPeriod:       a.cfg.Resources.HoldPeriod,
			FailureThreshold: a.cfg.STT.FailureThreshold,
		}),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithConsumer(a.consumer),
	)

	a.degraded = fallback.New(
		fallback.WithWakeControl(a.orch),
		fallback.WithRouter(a.dispatcher),
		fallback.WithOnChange(a.orch.FallbackChanged),
	)
	a.orch.SetFallback(a.degraded)
	if a.wakeSession == nil {
		a.degraded.Activate(fallback.ReasonWakeWordUnavailable)
	}
}

func (a *App) initStatus() {
	if !a.cfg.Status.Enabled {
		return
	}
	checks := health.New(
		health.Pipeline(a.orch.State),
		health.AudioFresh(a.lastFrameAt, audioStaleAfter),
		health.Transcribers(func() int { return len(a.dispatcher.Providers()) }),
	)
	opts := []status.Option{
		status.WithHealth(checks),
		status.WithMetrics(a.metrics),
	}
	if ingest, ok := a.providers.Source.(interface{ Handler() http.Handler }); ok {
		opts = append(opts, status.WithSatelliteIngest(ingest.Handler()))
	}
	a.server = status.New(status.Config{
		Listen:         a.cfg.Status.Listen,
		MetricsEnabled: a.cfg.Telemetry.MetricsEnabled,
		Version:        a.version,
	}, a.orch, a.mon, opts...)
}

// initWatcher starts the hot-reload poller when main supplied the config
// path.
func (a *App) initWatcher() error {
	if a.configPath == "" {
		return nil
	}
	w, err := config.NewWatcher(a.configPath, a.applyConfig)
	if err != nil {
		return err
	}
	a.watcher = w
	a.closers = append(a.closers, func() error {
		w.Stop()
		return nil
	})
	return nil
}

// applyConfig maps a config diff onto the running subsystems. Hot paths take
// effect immediately; cold paths are logged as needing a restart.
func (a *App) applyConfig(old, next *config.Config) {
	diff := config.Compare(old, next)
	if diff.Empty() {
		return
	}
	slog.Info("configuration changed", "diff", diff.String())

	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(slogLevel(diff.NewLogLevel))
		slog.Info("log level updated", "level", diff.NewLogLevel)
	}
	if diff.TunablesChanged {
		a.orch.Reconfigure(orchestrator.Tunables{
			Sensitivity:    next.Wake.Sensitivity,
			Debounce:       next.Wake.Cooldown,
			SilenceWindow:  time.Duration(next.Capture.SilenceMs) * time.Millisecond,
			SilenceRMS:     next.Capture.SilenceRMS,
			MaxCapture:     next.Capture.MaxDuration,
			PreRoll:        time.Duration(next.Capture.PreRollMs) * time.Millisecond,
			RespondTimeout: next.Capture.RespondTimeout,
		})
	}
	if diff.RequestTimeoutChanged {
		a.dispatcher.SetRequestTimeout(next.STT.RequestTimeout)
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to apply",
			"paths", strings.Join(diff.RestartRequired, ", "))
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the concurrent pipeline activities and blocks until ctx is
// cancelled or one of them fails: the audio pump, the orchestrator control
// loop, the resource monitor, and the status server. On clean cancellation
// Run returns context.Canceled.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.orch.Run(ctx) })
	g.Go(func() error { return a.mon.Run(ctx) })
	g.Go(func() error { return a.pump(ctx) })
	if a.server != nil {
		g.Go(func() error { return a.server.Run(ctx) })
	}

	slog.Info("pipeline running",
		"source", a.providers.Source.Name(),
		"providers", a.dispatcher.Providers(),
		"wake", a.wakeSession != nil)

	return g.Wait()
}

// State reports the orchestrator's current pipeline state.
func (a *App) State() string { return a.orch.State() }

// TriggerListen starts a manual capture, bypassing wake detection.
func (a *App) TriggerListen(ctx context.Context) error { return a.orch.TriggerListen(ctx) }

// Events subscribes to the pipeline event stream. The returned cancel
// releases the subscription.
func (a *App) Events() (<-chan orchestrator.Event, func()) { return a.orch.Subscribe() }

// lastFrameAt returns the capture time of the newest frame, or the zero
// time before any frame arrived.
func (a *App) lastFrameAt() time.Time {
	n := a.lastFrame.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// slogLevel converts a config log level to its slog equivalent.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
