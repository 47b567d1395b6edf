package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/apex-daemon/apexd/internal/config"
	"github.com/apex-daemon/apexd/internal/usage"
)

func baseSnapshot() usage.CurrentUsage {
	return usage.CurrentUsage{
		Daily:      usage.DailyUsage{TotalCost: 1, TasksCompleted: 1},
		Mode:       usage.ModeDay,
		Thresholds: config.ModeWindow{CapacityThreshold: 0.7},
	}
}

func TestShouldPauseTasks_DailyBudgetExceededTakesPrecedence(t *testing.T) {
	snap := baseSnapshot()
	snap.Daily.TotalCost = 100
	snap.Mode = usage.ModeOffHours // would also trip the time-window rule

	d := ShouldPauseTasks(snap, 50, true)
	assert.True(t, d.ShouldPause)
	assert.Equal(t, "Daily budget exceeded", d.Reason)
}

func TestShouldPauseTasks_OffHoursPausesWhenTimeBasedEnabled(t *testing.T) {
	snap := baseSnapshot()
	snap.Mode = usage.ModeOffHours

	d := ShouldPauseTasks(snap, 100, true)
	assert.True(t, d.ShouldPause)
	assert.Equal(t, "Outside active time window (off-hours)", d.Reason)
}

func TestShouldPauseTasks_OffHoursIgnoredWhenTimeBasedDisabled(t *testing.T) {
	snap := baseSnapshot()
	snap.Mode = usage.ModeOffHours

	d := ShouldPauseTasks(snap, 100, false)
	assert.False(t, d.ShouldPause)
}

func TestShouldPauseTasks_CapacityThresholdExceeded(t *testing.T) {
	snap := baseSnapshot()
	snap.Daily.TotalCost = 80
	snap.Thresholds.CapacityThreshold = 0.5

	d := ShouldPauseTasks(snap, 100, true)
	assert.True(t, d.ShouldPause)
	assert.Contains(t, d.Reason, "Capacity threshold exceeded")
}

func TestShouldPauseTasks_AllowsWhenUnderEveryThreshold(t *testing.T) {
	snap := baseSnapshot()
	snap.Daily.TotalCost = 1
	snap.Thresholds.CapacityThreshold = 0.7

	d := ShouldPauseTasks(snap, 100, true)
	assert.False(t, d.ShouldPause)
	assert.Empty(t, d.Reason)
}

func TestShouldPauseTasks_ZeroThresholdNeverTriggersCapacityRule(t *testing.T) {
	snap := baseSnapshot()
	snap.Thresholds.CapacityThreshold = 0
	snap.Daily.TotalCost = 99

	d := ShouldPauseTasks(snap, 100, true)
	assert.False(t, d.Capacity.ShouldPause)
}

func TestShouldPauseTasks_ClampsOutOfRangeThreshold(t *testing.T) {
	snap := baseSnapshot()
	snap.Thresholds.CapacityThreshold = 5 // malformed config value
	snap.Daily.TotalCost = 50

	d := ShouldPauseTasks(snap, 100, true)
	assert.Equal(t, 1.0, d.Capacity.Threshold)
}

func TestHysteresis_Observe_FiresPausedEdgeOnce(t *testing.T) {
	h := NewHysteresis()
	assert.False(t, h.IsPaused())

	paused, resumed := h.Observe(Decision{ShouldPause: true, Reason: "budget"})
	require := assert.New(t)
	require.NotNil(paused)
	require.Equal("budget", paused.Reason)
	require.False(resumed)
	require.True(h.IsPaused())

	paused, resumed = h.Observe(Decision{ShouldPause: true, Reason: "budget"})
	require.Nil(paused)
	require.False(resumed)
}

func TestHysteresis_Observe_FiresResumedEdgeOnce(t *testing.T) {
	h := NewHysteresis()
	h.Observe(Decision{ShouldPause: true, Reason: "budget"})

	paused, resumed := h.Observe(Decision{ShouldPause: false})
	assert.Nil(t, paused)
	assert.True(t, resumed)
	assert.False(t, h.IsPaused())

	paused, resumed = h.Observe(Decision{ShouldPause: false})
	assert.Nil(t, paused)
	assert.False(t, resumed)
}

func TestHysteresis_WaitForChange_UnblocksOnEdge(t *testing.T) {
	h := NewHysteresis()
	ch := h.WaitForChange()

	done := make(chan struct{})
	go func() {
		h.Observe(Decision{ShouldPause: true})
		close(done)
	}()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("WaitForChange channel did not close after an edge")
	}
	<-done
}
