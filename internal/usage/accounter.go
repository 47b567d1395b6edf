// Package usage implements per-task and per-day token/cost accounting and
// time-window mode resolution, per component B of the system overview.
package usage

import (
	"sync"
	"time"

	"github.com/apex-daemon/apexd/internal/config"
	"github.com/apex-daemon/apexd/internal/core"
)

// Mode is the resolved time-of-day operating mode.
type Mode string

const (
	ModeDay      Mode = "day"
	ModeNight    Mode = "night"
	ModeOffHours Mode = "off-hours"
)

// DailyUsage accumulates today's totals.
type DailyUsage struct {
	TotalTokens    int64
	TotalCost      float64
	TasksCompleted int
	TasksFailed    int
}

// CanStartResult is the return shape of CanStartTask.
type CanStartResult struct {
	Allowed bool
	Reason  string
}

// CurrentUsage is the return shape of GetCurrentUsage.
type CurrentUsage struct {
	Daily          DailyUsage
	Mode           Mode
	Thresholds     config.ModeWindow
	NextModeSwitch time.Time
	NextMidnight   time.Time
}

// inFlight tracks one task's accumulating usage while it executes.
type inFlight struct {
	taskID    core.TaskID
	startedAt time.Time
	usage     core.Usage
}

// Accounter is the UsageAccounter implementation.
type Accounter struct {
	mu     sync.Mutex
	cfg    config.UsageConfig
	daily  DailyUsage
	active map[core.TaskID]*inFlight
	now    func() time.Time
}

// New constructs an Accounter from config. now defaults to time.Now and is
// overridable for deterministic tests.
func New(cfg config.UsageConfig) *Accounter {
	return &Accounter{
		cfg:    cfg,
		active: make(map[core.TaskID]*inFlight),
		now:    time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (a *Accounter) WithClock(now func() time.Time) *Accounter {
	a.now = now
	return a
}

// TrackTaskStart registers a task as in-flight.
func (a *Accounter) TrackTaskStart(id core.TaskID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active[id] = &inFlight{taskID: id, startedAt: a.now()}
}

// TrackTaskCompletion records a task's final usage and removes it from the
// in-flight set, folding its totals into the daily accumulator.
func (a *Accounter) TrackTaskCompletion(id core.TaskID, use core.Usage, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.active, id)

	a.daily.TotalTokens += use.TotalTokens
	a.daily.TotalCost += use.EstimatedCost
	if success {
		a.daily.TasksCompleted++
	} else {
		a.daily.TasksFailed++
	}
}

// RecordDelta folds an incremental usage update into an in-flight task's
// running totals, without yet committing it to the daily accumulator.
func (a *Accounter) RecordDelta(id core.TaskID, inputTokens, outputTokens int64, cost float64) core.Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.active[id]
	if !ok {
		f = &inFlight{taskID: id, startedAt: a.now()}
		a.active[id] = f
	}
	f.usage.Add(inputTokens, outputTokens, cost)
	return f.usage
}

// TaskUsage returns the current accumulated usage for an in-flight task.
func (a *Accounter) TaskUsage(id core.TaskID) (core.Usage, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.active[id]
	if !ok {
		return core.Usage{}, false
	}
	return f.usage, true
}

// ResetDailyStats clears the daily accumulator; called at the next-midnight
// tick by the Runner.
func (a *Accounter) ResetDailyStats() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.daily = DailyUsage{}
}

// CurrentMode resolves day/night/off-hours from the wall-clock hour.
func (a *Accounter) CurrentMode() Mode {
	return a.modeForHour(a.now().Hour())
}

func (a *Accounter) modeForHour(hour int) Mode {
	if containsHour(a.cfg.Day.Hours, hour) {
		return ModeDay
	}
	if containsHour(a.cfg.Night.Hours, hour) {
		return ModeNight
	}
	return ModeOffHours
}

func containsHour(hours []int, h int) bool {
	for _, x := range hours {
		if x == h {
			return true
		}
	}
	return false
}

func (a *Accounter) thresholdsFor(mode Mode) config.ModeWindow {
	switch mode {
	case ModeDay:
		return a.cfg.Day
	case ModeNight:
		return a.cfg.Night
	default:
		return a.cfg.OffHours
	}
}

// NextModeSwitch computes the next wall-clock time the resolved mode would
// change, by scanning forward hour boundaries from now.
func (a *Accounter) NextModeSwitch() time.Time {
	now := a.now()
	current := a.modeForHour(now.Hour())
	probe := now.Truncate(time.Hour).Add(time.Hour)
	for i := 0; i < 25; i++ {
		if a.modeForHour(probe.Hour()) != current {
			return probe
		}
		probe = probe.Add(time.Hour)
	}
	return probe
}

// NextMidnight returns the next local 00:00.
func (a *Accounter) NextMidnight() time.Time {
	now := a.now()
	year, month, day := now.Date()
	midnight := time.Date(year, month, day, 0, 0, 0, 0, now.Location()).Add(24 * time.Hour)
	return midnight
}

// GetCurrentUsage returns the daily accumulator alongside mode/threshold
// context.
func (a *Accounter) GetCurrentUsage() CurrentUsage {
	a.mu.Lock()
	daily := a.daily
	a.mu.Unlock()

	mode := a.CurrentMode()
	return CurrentUsage{
		Daily:          daily,
		Mode:           mode,
		Thresholds:     a.thresholdsFor(mode),
		NextModeSwitch: a.NextModeSwitch(),
		NextMidnight:   a.NextMidnight(),
	}
}

// CanStartTask reports whether a task estimated to cost estimatedCost may
// start: the resulting daily cost must stay within the daily budget, and
// current in-flight concurrency must stay within the current mode's
// concurrency cap. Comparisons use closed upper bounds (<=).
func (a *Accounter) CanStartTask(estimatedCost float64) CanStartResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	mode := a.modeForHour(a.now().Hour())
	thresholds := a.thresholdsFor(mode)

	projectedCost := a.daily.TotalCost + estimatedCost
	if projectedCost > a.cfg.DailyBudget {
		return CanStartResult{Allowed: false, Reason: "daily budget would be exceeded"}
	}
	if thresholds.MaxConcurrentTasks > 0 && len(a.active) >= thresholds.MaxConcurrentTasks {
		return CanStartResult{Allowed: false, Reason: "current mode concurrency cap reached"}
	}
	if thresholds.MaxCostPerTask > 0 && estimatedCost > thresholds.MaxCostPerTask {
		return CanStartResult{Allowed: false, Reason: "estimated cost exceeds current mode's per-task cap"}
	}
	return CanStartResult{Allowed: true}
}

// GetBaseLimits returns the configured mode windows, for diagnostics.
func (a *Accounter) GetBaseLimits() config.UsageConfig {
	return a.cfg
}

// GetActiveTasks returns the ids of tasks currently tracked in-flight.
func (a *Accounter) GetActiveTasks() []core.TaskID {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]core.TaskID, 0, len(a.active))
	for id := range a.active {
		out = append(out, id)
	}
	return out
}

// CostForTokens computes cost as a linear function of input/output tokens
// using the configured per-model rate; unknown models fall back to a
// zero-cost rate rather than panicking.
func (a *Accounter) CostForTokens(model string, inputTokens, outputTokens int64) float64 {
	rate, ok := a.cfg.ModelRates[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1_000_000*rate.InputPerMillion +
		float64(outputTokens)/1_000_000*rate.OutputPerMillion
}
