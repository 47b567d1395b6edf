// Package scheduler implements the pure pause/resume decision function and
// the Runner-facing hysteresis wrapper around it, per component C.
package scheduler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex-daemon/apexd/internal/usage"
)

// TimeWindow reports the resolved time-of-day mode.
type TimeWindow struct {
	Mode           usage.Mode
	IsActive       bool
	NextTransition time.Time
}

// Capacity reports current usage against the active mode's threshold.
type Capacity struct {
	CurrentPercentage float64
	Threshold         float64
	ShouldPause       bool
}

// Decision is shouldPauseTasks' return record.
type Decision struct {
	ShouldPause     bool
	Reason          string
	TimeWindow      TimeWindow
	Capacity        Capacity
	Recommendations []string
	NextResetTime   time.Time
}

// ShouldPauseTasks is the pure decision function. Rules are
// evaluated in order, first match wins.
func ShouldPauseTasks(snapshot usage.CurrentUsage, dailyBudget float64, timeBasedEnabled bool) Decision {
	tw := TimeWindow{
		Mode:           snapshot.Mode,
		IsActive:       snapshot.Mode != usage.ModeOffHours,
		NextTransition: snapshot.NextModeSwitch,
	}

	threshold := clampThreshold(snapshot.Thresholds.CapacityThreshold)
	var currentPct float64
	if threshold > 0 {
		// Fraction of the daily budget already spent today, used only for
		// the capacity-threshold rule; the daily-budget rule below is
		// evaluated independently.
		if snapshot.Daily.TasksCompleted+1 > 0 {
			currentPct = snapshot.Daily.TotalCost / dailyBudget
		}
	}
	cap := Capacity{
		CurrentPercentage: currentPct,
		Threshold:         threshold,
		ShouldPause:       threshold > 0 && currentPct > threshold,
	}

	decision := Decision{
		TimeWindow:    tw,
		Capacity:      cap,
		NextResetTime: snapshot.NextMidnight,
	}

	switch {
	case snapshot.Daily.TotalCost > dailyBudget:
		decision.ShouldPause = true
		decision.Reason = "Daily budget exceeded"
	case timeBasedEnabled && snapshot.Mode == usage.ModeOffHours:
		decision.ShouldPause = true
		decision.Reason = "Outside active time window (off-hours)"
	case cap.ShouldPause:
		decision.ShouldPause = true
		decision.Reason = fmt.Sprintf("Capacity threshold exceeded (%.0f%% >= %.0f%%)", currentPct*100, threshold*100)
	default:
		decision.ShouldPause = false
	}

	return decision
}

// Hysteresis edge-triggers shouldPauseTasks' output into
// daemon:paused/daemon:resumed events, suppressing duplicate edges.
// Built on the atomic.Bool + closed-channel broadcast pattern: a
// pause/resume flips the bool and closes+replaces a generation channel so
// any waiter observing the prior generation wakes exactly once.
type Hysteresis struct {
	paused atomic.Bool

	mu   sync.Mutex
	gen  chan struct{}
}

// NewHysteresis starts in the not-paused state.
func NewHysteresis() *Hysteresis {
	h := &Hysteresis{gen: make(chan struct{})}
	return h
}

// PauseEdge is the broadcastable event returned when a pause edge fires.
type PauseEdge struct {
	Reason string
}

// Observe applies a fresh Decision and returns (pausedEdge, resumedEdge):
// at most one of these fires for any given call, and repeated decisions with
// the same shouldPause value fire neither.
func (h *Hysteresis) Observe(d Decision) (pausedEdge *PauseEdge, resumedEdge bool) {
	wasPaused := h.paused.Load()
	switch {
	case d.ShouldPause && !wasPaused:
		h.paused.Store(true)
		h.broadcast()
		return &PauseEdge{Reason: d.Reason}, false
	case !d.ShouldPause && wasPaused:
		h.paused.Store(false)
		h.broadcast()
		return nil, true
	default:
		return nil, false
	}
}

// IsPaused reports the current latched state.
func (h *Hysteresis) IsPaused() bool {
	return h.paused.Load()
}

func (h *Hysteresis) broadcast() {
	h.mu.Lock()
	defer h.mu.Unlock()
	close(h.gen)
	h.gen = make(chan struct{})
}

// WaitForChange returns a channel that is closed when the next Observe call
// flips the state; it does not block.
func (h *Hysteresis) WaitForChange() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gen
}

// clampThreshold is a defensive normalization for malformed config
// thresholds outside [0, 1]; kept here rather than in config since it is
// purely a scheduler-evaluation concern.
func clampThreshold(t float64) float64 {
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}
