// Package health implements health-check counters, a bounded restart-history
// ring, memory snapshots, and the watchdog's crash-looping policy, per
// component D.
package health

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// RestartRecord is one entry in the bounded restart-history ring.
type RestartRecord struct {
	Timestamp          time.Time
	Reason             string
	ExitCode           *int
	TriggeredByWatchdog bool
}

// MemorySnapshot is a point-in-time memory reading.
type MemorySnapshot struct {
	UsedMB    float64
	TotalMB   float64
	PercentOf float64
}

// WatchdogConfig configures the restart policy.
type WatchdogConfig struct {
	Enabled       bool
	RestartDelay  time.Duration
	MaxRestarts   int
	RestartWindow time.Duration
}

// HealthReport is the return shape of GetHealthReport.
type HealthReport struct {
	ChecksPassed   int64
	ChecksFailed   int64
	Uptime         time.Duration
	Memory         MemorySnapshot
	RestartHistory []RestartRecord
	CrashLooping   bool
}

// Watchdog tracks health-check counters and restart history, and decides
// whether a restart should be honored or the daemon should enter a terminal
// crash-looping state.
type Watchdog struct {
	mu sync.Mutex

	cfg       WatchdogConfig
	startedAt time.Time

	checksPassed int64
	checksFailed int64

	historyMax int
	history    []RestartRecord

	crashLooping bool

	now func() time.Time
}

// New constructs a Watchdog. historyMax of 0 disables history retention but
// still counts restarts in O(1).
func New(cfg WatchdogConfig, historyMax int) *Watchdog {
	return &Watchdog{
		cfg:        cfg,
		startedAt:  time.Now(),
		historyMax: historyMax,
		now:        time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (w *Watchdog) WithClock(now func() time.Time) *Watchdog {
	w.now = now
	w.startedAt = now()
	return w
}

// PerformHealthCheck records a pass/fail outcome.
func (w *Watchdog) PerformHealthCheck(pass bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if pass {
		w.checksPassed++
	} else {
		w.checksFailed++
	}
}

// RecordRestart appends a restart record to the bounded ring and evaluates
// the crash-looping policy: if more than MaxRestarts restarts occurred
// within RestartWindow, the daemon is marked crash-looping and should not
// restart again.
func (w *Watchdog) RecordRestart(reason string, exitCode *int, triggeredByWatchdog bool) (shouldRestart bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec := RestartRecord{
		Timestamp:           w.now(),
		Reason:              reason,
		ExitCode:            exitCode,
		TriggeredByWatchdog: triggeredByWatchdog,
	}

	if w.historyMax > 0 {
		w.history = append(w.history, rec)
		if len(w.history) > w.historyMax {
			w.history = w.history[len(w.history)-w.historyMax:]
		}
	}

	if !w.cfg.Enabled {
		return true
	}

	cutoff := w.now().Add(-w.cfg.RestartWindow)
	count := 0
	if w.historyMax > 0 {
		for _, r := range w.history {
			if r.Timestamp.After(cutoff) {
				count++
			}
		}
	} else {
		count = 1
	}

	if count > w.cfg.MaxRestarts {
		w.crashLooping = true
		return false
	}
	return true
}

// ClearRestartHistory empties the ring without affecting crash-looping
// state.
func (w *Watchdog) ClearRestartHistory() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.history = nil
}

// IsCrashLooping reports the terminal restart-exhaustion state.
func (w *Watchdog) IsCrashLooping() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.crashLooping
}

// snapshotMemory reads current process/system memory via gopsutil. Errors
// yield a zero-value snapshot rather than propagating — health reporting
// must never fail the caller.
func snapshotMemory() MemorySnapshot {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return MemorySnapshot{}
	}
	return MemorySnapshot{
		UsedMB:    float64(vm.Used) / 1024 / 1024,
		TotalMB:   float64(vm.Total) / 1024 / 1024,
		PercentOf: vm.UsedPercent,
	}
}

// GetHealthReport returns a deep copy of all counters, uptime, a fresh
// memory snapshot, and the restart history — never a mutably shared slice.
func (w *Watchdog) GetHealthReport() HealthReport {
	w.mu.Lock()
	defer w.mu.Unlock()

	history := make([]RestartRecord, len(w.history))
	copy(history, w.history)

	return HealthReport{
		ChecksPassed:   w.checksPassed,
		ChecksFailed:   w.checksFailed,
		Uptime:         w.now().Sub(w.startedAt),
		Memory:         snapshotMemory(),
		RestartHistory: history,
		CrashLooping:   w.crashLooping,
	}
}
