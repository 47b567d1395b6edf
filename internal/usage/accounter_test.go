package usage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apex-daemon/apexd/internal/config"
	"github.com/apex-daemon/apexd/internal/core"
)

func testConfig() config.UsageConfig {
	return config.Defaults().Usage
}

func clockAt(hour int) func() time.Time {
	return func() time.Time {
		return time.Date(2026, 7, 31, hour, 0, 0, 0, time.UTC)
	}
}

func TestAccounter_CurrentMode_ResolvesFromConfiguredHours(t *testing.T) {
	a := New(testConfig()).WithClock(clockAt(10))
	assert.Equal(t, ModeDay, a.CurrentMode())

	a.WithClock(clockAt(22))
	assert.Equal(t, ModeNight, a.CurrentMode())

	a.WithClock(clockAt(6))
	assert.Equal(t, ModeOffHours, a.CurrentMode())
}

func TestAccounter_CanStartTask_RejectsOverDailyBudget(t *testing.T) {
	cfg := testConfig()
	cfg.DailyBudget = 10
	a := New(cfg).WithClock(clockAt(10))

	a.TrackTaskCompletion("t1", core.Usage{EstimatedCost: 9}, true)

	result := a.CanStartTask(2)
	assert.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "daily budget")
}

func TestAccounter_CanStartTask_RejectsOverModeConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	cfg.Day.MaxConcurrentTasks = 1
	a := New(cfg).WithClock(clockAt(10))

	a.TrackTaskStart("t1")

	result := a.CanStartTask(0.01)
	assert.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "concurrency")
}

func TestAccounter_CanStartTask_RejectsOverPerTaskCostCap(t *testing.T) {
	cfg := testConfig()
	cfg.Day.MaxCostPerTask = 1
	a := New(cfg).WithClock(clockAt(10))

	result := a.CanStartTask(5)
	assert.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "per-task cap")
}

func TestAccounter_CanStartTask_AllowsWithinAllLimits(t *testing.T) {
	a := New(testConfig()).WithClock(clockAt(10))
	result := a.CanStartTask(1)
	assert.True(t, result.Allowed)
	assert.Empty(t, result.Reason)
}

func TestAccounter_RecordDelta_AccumulatesOnInFlightTask(t *testing.T) {
	a := New(testConfig()).WithClock(clockAt(10))
	a.TrackTaskStart("t1")

	first := a.RecordDelta("t1", 100, 50, 0.01)
	assert.Equal(t, int64(150), first.TotalTokens)

	second := a.RecordDelta("t1", 100, 50, 0.01)
	assert.Equal(t, int64(300), second.TotalTokens)
	assert.InDelta(t, 0.02, second.EstimatedCost, 1e-9)
}

func TestAccounter_RecordDelta_AutoRegistersUnknownTask(t *testing.T) {
	a := New(testConfig()).WithClock(clockAt(10))

	got := a.RecordDelta("untracked", 10, 10, 0.001)
	assert.Equal(t, int64(20), got.TotalTokens)

	usage, ok := a.TaskUsage("untracked")
	require.True(t, ok)
	assert.Equal(t, int64(20), usage.TotalTokens)
}

func TestAccounter_TrackTaskCompletion_FoldsIntoDailyTotalsAndClearsInFlight(t *testing.T) {
	a := New(testConfig()).WithClock(clockAt(10))
	a.TrackTaskStart("t1")
	a.RecordDelta("t1", 100, 100, 1.5)

	a.TrackTaskCompletion("t1", core.Usage{TotalTokens: 200, EstimatedCost: 1.5}, true)

	_, ok := a.TaskUsage("t1")
	assert.False(t, ok)

	current := a.GetCurrentUsage()
	assert.Equal(t, int64(200), current.Daily.TotalTokens)
	assert.Equal(t, 1, current.Daily.TasksCompleted)
	assert.Equal(t, 0, current.Daily.TasksFailed)
}

func TestAccounter_TrackTaskCompletion_RecordsFailureCount(t *testing.T) {
	a := New(testConfig()).WithClock(clockAt(10))
	a.TrackTaskStart("t1")

	a.TrackTaskCompletion("t1", core.Usage{}, false)

	current := a.GetCurrentUsage()
	assert.Equal(t, 1, current.Daily.TasksFailed)
}

func TestAccounter_ResetDailyStats_ClearsAccumulator(t *testing.T) {
	a := New(testConfig()).WithClock(clockAt(10))
	a.TrackTaskCompletion("t1", core.Usage{TotalTokens: 500, EstimatedCost: 2}, true)

	a.ResetDailyStats()

	current := a.GetCurrentUsage()
	assert.Equal(t, DailyUsage{}, current.Daily)
}

func TestAccounter_NextModeSwitch_FindsNextBoundary(t *testing.T) {
	cfg := testConfig()
	a := New(cfg).WithClock(clockAt(19)) // last day hour per Defaults()

	next := a.NextModeSwitch()
	assert.Equal(t, 20, next.Hour())
}

func TestAccounter_NextMidnight_ReturnsFollowingDay(t *testing.T) {
	a := New(testConfig()).WithClock(clockAt(23))
	next := a.NextMidnight()
	assert.Equal(t, 0, next.Hour())
	assert.Equal(t, 1, next.Day())
}

func TestAccounter_CostForTokens_UnknownModelReturnsZero(t *testing.T) {
	a := New(testConfig())
	assert.Equal(t, 0.0, a.CostForTokens("unknown-model", 1_000_000, 1_000_000))
}

func TestAccounter_CostForTokens_AppliesConfiguredRate(t *testing.T) {
	cfg := testConfig()
	cfg.ModelRates = map[string]config.ModelRate{
		"claude": {InputPerMillion: 3, OutputPerMillion: 15},
	}
	a := New(cfg)

	cost := a.CostForTokens("claude", 1_000_000, 1_000_000)
	assert.InDelta(t, 18.0, cost, 1e-9)
}

func TestAccounter_GetActiveTasks_ReflectsInFlightSet(t *testing.T) {
	a := New(testConfig()).WithClock(clockAt(10))
	a.TrackTaskStart("t1")
	a.TrackTaskStart("t2")

	active := a.GetActiveTasks()
	assert.ElementsMatch(t, []core.TaskID{"t1", "t2"}, active)

	a.TrackTaskCompletion("t1", core.Usage{}, true)
	assert.ElementsMatch(t, []core.TaskID{"t2"}, a.GetActiveTasks())
}
