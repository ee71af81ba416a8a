// Package monitor watches system resource usage and classifies it into
// pressure levels for the pipeline. Memory drives the classification; CPU
// load is sampled and reported but never raises the level on its own, since
// a busy single core slows the pipeline without endangering it.
//
// Subscribers get level transitions, not periodic samples: a subscription
// channel holds the single newest pending transition and older ones are
// dropped, so a slow consumer always wakes to the current edge.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fablehome/fablewake/internal/observe"
)

const (
	// DefaultPollInterval is how often resources are sampled.
	DefaultPollInterval = 10 * time.Second

	// MinPollInterval and MaxPollInterval clamp the configurable poll
	// cadence. Faster burns CPU on the device; slower misses pressure
	// building between story requests.
	MinPollInterval = 5 * time.Second
	MaxPollInterval = 15 * time.Second

	// DefaultWarningThreshold and DefaultCriticalThreshold are the memory
	// fractions where pressure levels change.
	DefaultWarningThreshold  = 0.85
	DefaultCriticalThreshold = 0.95
)

// Level is a resource pressure classification.
type Level int

const (
	// LevelNormal: memory below the warning threshold.
	LevelNormal Level = iota

	// LevelWarning: memory at or above the warning threshold.
	LevelWarning

	// LevelCritical: memory at or above the critical threshold.
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Transition is one pressure level change.
type Transition struct {
	From Level
	To   Level
	At   time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithPollInterval sets the sample cadence, clamped to
// [MinPollInterval, MaxPollInterval].
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		m.interval = min(max(d, MinPollInterval), MaxPollInterval)
	}
}

// WithThresholds sets the warning and critical memory fractions. An
// inverted or out-of-range pair keeps the defaults.
func WithThresholds(warning, critical float64) Option {
	return func(m *Monitor) {
		if warning <= 0 || critical > 1 || warning >= critical {
			slog.Warn("invalid pressure thresholds, keeping defaults",
				"warning", warning, "critical", critical)
			return
		}
		m.warning = warning
		m.critical = critical
	}
}

// WithSampler overrides the resource sampler.
func WithSampler(s Sampler) Option {
	return func(m *Monitor) { m.sampler = s }
}

// WithMemoryBudget sets the byte budget the runtime fallback sampler
// measures against when procfs is unavailable.
func WithMemoryBudget(bytes uint64) Option {
	return func(m *Monitor) { m.budget = bytes }
}

// WithMetrics overrides the metrics sink. Defaults to the process-wide
// instruments.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Monitor) { m.metrics = met }
}

// Monitor samples resource usage on a fixed cadence and publishes pressure
// level transitions.
type Monitor struct {
	sampler  Sampler
	interval time.Duration
	warning  float64
	critical float64
	budget   uint64
	metrics  *observe.Metrics
	now      func() time.Time

	mu    sync.Mutex
	last  Snapshot
	level Level
	subs  []chan Transition
}

// New creates a monitor. Without WithSampler it reads /proc, falling back to
// Go runtime statistics against the memory budget when procfs is
// unavailable.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		interval: DefaultPollInterval,
		warning:  DefaultWarningThreshold,
		critical: DefaultCriticalThreshold,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.sampler == nil {
		m.sampler = newSystemSampler(m.budget)
	}
	return m
}

// Run polls until ctx ends. The first sample is taken immediately so
// Pressure and Sample are meaningful as soon as the monitor starts.
func (m *Monitor) Run(ctx context.Context) error {
	m.poll(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

// Pressure returns the current pressure level.
func (m *Monitor) Pressure() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Sample returns the most recent resource snapshot.
func (m *Monitor) Sample() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Subscribe registers for pressure transitions. The returned channel buffers
// one transition; when the subscriber lags, older transitions are replaced
// by the newest.
func (m *Monitor) Subscribe() <-chan Transition {
	ch := make(chan Transition, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

func (m *Monitor) poll(ctx context.Context) {
	snap, err := m.sampler.Sample()
	if err != nil {
		slog.Warn("resource sample failed", "error", err)
		return
	}
	snap.Taken = m.now()
	m.metrics.MemoryFraction.Record(ctx, snap.MemFraction)

	level := m.classify(snap.MemFraction)

	m.mu.Lock()
	m.last = snap
	prev := m.level
	if level != prev {
		m.level = level
		tr := Transition{From: prev, To: level, At: snap.Taken}
		for _, ch := range m.subs {
			offer(ch, tr)
		}
	}
	m.mu.Unlock()

	if level != prev {
		slog.Info("resource pressure changed",
			"from", prev, "to", level,
			"mem_fraction", snap.MemFraction, "cpu_fraction", snap.CPUFraction)
	}
}

func (m *Monitor) classify(frac float64) Level {
	switch {
	case frac >= m.critical:
		return LevelCritical
	case frac >= m.warning:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// offer delivers tr on a buffer-1 channel, displacing a stale undelivered
// transition. The monitor is the only sender, so the drain-then-send pair
// cannot race another producer.
func offer(ch chan Transition, tr Transition) {
	for {
		select {
		case ch <- tr:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
