package monitor

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/prometheus/procfs"
)

// DefaultMemoryBudget is assumed for the runtime fallback sampler when no
// budget is configured. Matches the device class the daemon targets.
const DefaultMemoryBudget = 512 << 20

// Snapshot is one resource usage reading.
type Snapshot struct {
	// MemUsedBytes and MemTotalBytes describe system memory. With the
	// runtime fallback sampler, used is the process footprint and total is
	// the configured budget.
	MemUsedBytes  uint64
	MemTotalBytes uint64

	// MemFraction is used/total in [0, 1].
	MemFraction float64

	// CPUFraction is the 1-minute load average divided by the core count.
	// It can exceed 1 when runnable tasks queue up.
	CPUFraction float64

	// Taken is when the reading was made.
	Taken time.Time
}

// Sampler takes one resource usage reading.
type Sampler interface {
	Sample() (Snapshot, error)
}

// newSystemSampler prefers /proc and falls back to runtime statistics when
// it cannot be opened.
func newSystemSampler(budget uint64) Sampler {
	s, err := newProcSampler()
	if err != nil {
		slog.Warn("procfs unavailable, sampling the Go runtime instead", "error", err)
		if budget == 0 {
			budget = DefaultMemoryBudget
		}
		return &runtimeSampler{budget: budget}
	}
	return s
}

// procSampler reads system-wide memory and load from /proc.
type procSampler struct {
	fs    procfs.FS
	cores float64
}

func newProcSampler() (*procSampler, error) {
	fs, err := procfs.NewFS(procfs.DefaultMountPoint)
	if err != nil {
		return nil, fmt.Errorf("monitor: open procfs: %w", err)
	}
	return &procSampler{fs: fs, cores: float64(runtime.NumCPU())}, nil
}

func (s *procSampler) Sample() (Snapshot, error) {
	mi, err := s.fs.Meminfo()
	if err != nil {
		return Snapshot{}, fmt.Errorf("monitor: read meminfo: %w", err)
	}

	var snap Snapshot
	if mi.MemTotal != nil {
		snap.MemTotalBytes = *mi.MemTotal * 1024
	}
	var avail uint64
	switch {
	case mi.MemAvailable != nil:
		avail = *mi.MemAvailable * 1024
	case mi.MemFree != nil:
		// Pre-3.14 kernels lack MemAvailable; free undercounts reclaimable
		// memory, which errs toward reporting more pressure.
		avail = *mi.MemFree * 1024
	}
	if snap.MemTotalBytes > 0 && avail <= snap.MemTotalBytes {
		snap.MemUsedBytes = snap.MemTotalBytes - avail
		snap.MemFraction = float64(snap.MemUsedBytes) / float64(snap.MemTotalBytes)
	}

	if la, err := s.fs.LoadAvg(); err == nil && s.cores > 0 {
		snap.CPUFraction = la.Load1 / s.cores
	}
	return snap, nil
}

// runtimeSampler approximates pressure from the Go runtime's own footprint
// measured against a fixed budget. It sees nothing outside this process.
type runtimeSampler struct {
	budget uint64
}

func (s *runtimeSampler) Sample() (Snapshot, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	used := ms.Sys - ms.HeapReleased
	snap := Snapshot{MemUsedBytes: used, MemTotalBytes: s.budget}
	if s.budget > 0 {
		snap.MemFraction = float64(used) / float64(s.budget)
	}
	return snap, nil
}
