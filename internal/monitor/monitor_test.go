package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// fakeSampler returns queued snapshots in order, repeating the last.
type fakeSampler struct {
	snaps []Snapshot
	errs  []error
	calls atomic.Int64
}

func (f *fakeSampler) Sample() (Snapshot, error) {
	n := int(f.calls.Add(1)) - 1
	if len(f.errs) > 0 {
		if err := f.errs[min(n, len(f.errs)-1)]; err != nil {
			return Snapshot{}, err
		}
	}
	if len(f.snaps) == 0 {
		return Snapshot{}, nil
	}
	return f.snaps[min(n, len(f.snaps)-1)], nil
}

func memSnap(frac float64) Snapshot {
	total := uint64(512 << 20)
	used := uint64(frac * float64(total))
	return Snapshot{MemUsedBytes: used, MemTotalBytes: total, MemFraction: frac}
}

func newTestMonitor(t *testing.T, s Sampler, opts ...Option) *Monitor {
	t.Helper()
	m := New(append(opts, WithSampler(s))...)
	base := time.Unix(1000, 0)
	m.now = func() time.Time {
		base = base.Add(time.Second)
		return base
	}
	return m
}

func TestMonitor_ClassifiesMemoryLevels(t *testing.T) {
	s := &fakeSampler{snaps: []Snapshot{
		memSnap(0.50), memSnap(0.90), memSnap(0.96), memSnap(0.84),
	}}
	m := newTestMonitor(t, s)

	want := []Level{LevelNormal, LevelWarning, LevelCritical, LevelNormal}
	for i, w := range want {
		m.poll(context.Background())
		if got := m.Pressure(); got != w {
			t.Errorf("after poll %d: Pressure = %v, want %v", i+1, got, w)
		}
	}
}

func TestMonitor_ThresholdBoundaries(t *testing.T) {
	s := &fakeSampler{snaps: []Snapshot{memSnap(0.85), memSnap(0.95)}}
	m := newTestMonitor(t, s)

	m.poll(context.Background())
	if m.Pressure() != LevelWarning {
		t.Errorf("at warning threshold: Pressure = %v, want warning", m.Pressure())
	}
	m.poll(context.Background())
	if m.Pressure() != LevelCritical {
		t.Errorf("at critical threshold: Pressure = %v, want critical", m.Pressure())
	}
}

func TestMonitor_SampleReturnsLatestReading(t *testing.T) {
	s := &fakeSampler{snaps: []Snapshot{memSnap(0.5)}}
	m := newTestMonitor(t, s)

	m.poll(context.Background())
	snap := m.Sample()
	if snap.MemFraction != 0.5 {
		t.Errorf("MemFraction = %v, want 0.5", snap.MemFraction)
	}
	if snap.MemTotalBytes != 512<<20 {
		t.Errorf("MemTotalBytes = %d", snap.MemTotalBytes)
	}
	if snap.Taken.IsZero() {
		t.Error("Taken should be stamped by the monitor")
	}
}

func TestMonitor_SubscribeIsEdgeTriggered(t *testing.T) {
	s := &fakeSampler{snaps: []Snapshot{
		memSnap(0.50), memSnap(0.90), memSnap(0.90), memSnap(0.96),
	}}
	m := newTestMonitor(t, s)
	ch := m.Subscribe()

	// Normal to normal is not an edge.
	m.poll(context.Background())
	select {
	case tr := <-ch:
		t.Fatalf("unexpected transition %+v", tr)
	default:
	}

	m.poll(context.Background())
	select {
	case tr := <-ch:
		if tr.From != LevelNormal || tr.To != LevelWarning {
			t.Errorf("transition = %v->%v, want normal->warning", tr.From, tr.To)
		}
		if tr.At.IsZero() {
			t.Error("transition At should be stamped")
		}
	default:
		t.Fatal("expected normal->warning transition")
	}

	// Same level again: no edge.
	m.poll(context.Background())
	select {
	case tr := <-ch:
		t.Fatalf("unexpected transition %+v", tr)
	default:
	}

	m.poll(context.Background())
	select {
	case tr := <-ch:
		if tr.From != LevelWarning || tr.To != LevelCritical {
			t.Errorf("transition = %v->%v, want warning->critical", tr.From, tr.To)
		}
	default:
		t.Fatal("expected warning->critical transition")
	}
}

func TestMonitor_SlowSubscriberGetsNewestTransition(t *testing.T) {
	s := &fakeSampler{snaps: []Snapshot{
		memSnap(0.90), memSnap(0.96), memSnap(0.50),
	}}
	m := newTestMonitor(t, s)
	ch := m.Subscribe()

	for range 3 {
		m.poll(context.Background())
	}

	select {
	case tr := <-ch:
		if tr.From != LevelCritical || tr.To != LevelNormal {
			t.Errorf("transition = %v->%v, want the newest critical->normal", tr.From, tr.To)
		}
	default:
		t.Fatal("expected a pending transition")
	}
	select {
	case tr := <-ch:
		t.Fatalf("stale transition survived: %+v", tr)
	default:
	}
}

func TestMonitor_SamplerErrorKeepsLastReading(t *testing.T) {
	s := &fakeSampler{
		snaps: []Snapshot{memSnap(0.90)},
		errs:  []error{nil, errors.New("meminfo: transient read failure")},
	}
	m := newTestMonitor(t, s)
	ch := m.Subscribe()

	m.poll(context.Background())
	<-ch
	m.poll(context.Background())

	if m.Pressure() != LevelWarning {
		t.Errorf("Pressure = %v, want warning kept across sample error", m.Pressure())
	}
	if m.Sample().MemFraction != 0.90 {
		t.Errorf("Sample().MemFraction = %v, want last good 0.90", m.Sample().MemFraction)
	}
	select {
	case tr := <-ch:
		t.Fatalf("sample error produced transition %+v", tr)
	default:
	}
}

func TestMonitor_PollIntervalClamp(t *testing.T) {
	s := &fakeSampler{}

	if m := New(WithSampler(s)); m.interval != DefaultPollInterval {
		t.Errorf("default interval = %v", m.interval)
	}
	if m := New(WithSampler(s), WithPollInterval(time.Second)); m.interval != MinPollInterval {
		t.Errorf("below range = %v, want clamp to %v", m.interval, MinPollInterval)
	}
	if m := New(WithSampler(s), WithPollInterval(30*time.Second)); m.interval != MaxPollInterval {
		t.Errorf("above range = %v, want clamp to %v", m.interval, MaxPollInterval)
	}
	if m := New(WithSampler(s), WithPollInterval(8*time.Second)); m.interval != 8*time.Second {
		t.Errorf("in range = %v, want 8s", m.interval)
	}
}

func TestMonitor_ThresholdOptions(t *testing.T) {
	s := &fakeSampler{snaps: []Snapshot{memSnap(0.75), memSnap(0.92)}}
	m := newTestMonitor(t, s, WithThresholds(0.7, 0.9))

	m.poll(context.Background())
	if m.Pressure() != LevelWarning {
		t.Errorf("Pressure = %v, want warning at lowered threshold", m.Pressure())
	}
	m.poll(context.Background())
	if m.Pressure() != LevelCritical {
		t.Errorf("Pressure = %v, want critical at lowered threshold", m.Pressure())
	}

	inverted := New(WithSampler(s), WithThresholds(0.9, 0.8))
	if inverted.warning != DefaultWarningThreshold || inverted.critical != DefaultCriticalThreshold {
		t.Errorf("inverted thresholds applied: %v/%v", inverted.warning, inverted.critical)
	}
}

func TestMonitor_RunPollsUntilCanceled(t *testing.T) {
	s := &fakeSampler{snaps: []Snapshot{memSnap(0.5)}}
	m := newTestMonitor(t, s)
	m.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for s.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.calls.Load() < 3 {
		t.Fatal("Run did not keep polling on the ticker")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestLevel_String(t *testing.T) {
	cases := map[Level]string{
		LevelNormal:   "normal",
		LevelWarning:  "warning",
		LevelCritical: "critical",
		Level(42):     "unknown",
	}
	for level, want := range cases {
		if level.String() != want {
			t.Errorf("Level(%d).String() = %q, want %q", level, level.String(), want)
		}
	}
}

func TestRuntimeSampler(t *testing.T) {
	s := &runtimeSampler{budget: 1 << 30}
	snap, err := s.Sample()
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if snap.MemTotalBytes != 1<<30 {
		t.Errorf("MemTotalBytes = %d, want the budget", snap.MemTotalBytes)
	}
	if snap.MemUsedBytes == 0 || snap.MemFraction <= 0 {
		t.Errorf("runtime usage not measured: used=%d fraction=%v",
			snap.MemUsedBytes, snap.MemFraction)
	}
}

func TestProcSampler(t *testing.T) {
	s, err := newProcSampler()
	if err != nil {
		t.Skipf("procfs unavailable: %v", err)
	}
	snap, err := s.Sample()
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if snap.MemTotalBytes == 0 {
		t.Error("MemTotalBytes = 0")
	}
	if snap.MemFraction <= 0 || snap.MemFraction > 1 {
		t.Errorf("MemFraction = %v, want (0, 1]", snap.MemFraction)
	}
	if snap.MemUsedBytes > snap.MemTotalBytes {
		t.Errorf("used %d exceeds total %d", snap.MemUsedBytes, snap.MemTotalBytes)
	}
}
