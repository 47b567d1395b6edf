package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apex-daemon/apexd/internal/config"
	"github.com/apex-daemon/apexd/internal/core"
	"github.com/apex-daemon/apexd/internal/orchestrator"
	"github.com/apex-daemon/apexd/internal/process"
	"github.com/apex-daemon/apexd/internal/usage"
	"github.com/apex-daemon/apexd/internal/workflow"
)

func newTestRunner(t *testing.T) (*Runner, *fakeStore, *fakeEngine) {
	t.Helper()
	projectPath := t.TempDir()
	store := newFakeStore()
	engine := &fakeEngine{}
	orch := orchestrator.New(projectPath, store, engine, core.NewBus(), nil)
	accounter := usage.New(config.Defaults().Usage)
	recovery := workflow.NewRecoveryManager(store, fakeGitClient{}, nil)

	cfg := config.Defaults()
	cfg.Runner.PollIntervalMs = 30
	cfg.Runner.MinPollIntervalMs = 10
	cfg.Runner.MaxPollIntervalMs = 1000
	cfg.Runner.ShutdownTimeoutMs = 500
	cfg.Runner.MaxConcurrentTasks = 2
	cfg.Health.WatchdogEnabled = false

	r := New(projectPath, *cfg, orch, accounter, recovery, nil, "test")
	return r, store, engine
}

func TestRunner_RecoverCrashedTasks_ResetsInProgressTask(t *testing.T) {
	r, store, _ := newTestRunner(t)

	task := core.NewTask("t1", "desc", "linear", r.projectPath)
	require.NoError(t, task.MarkStarted())
	require.NoError(t, store.CreateTask(context.Background(), task))

	require.NoError(t, r.recoverCrashedTasks(context.Background()))

	got, err := store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, core.TaskPending, got.Status)
}

func TestRunner_DispatchNext_ExecutesQueuedTask(t *testing.T) {
	r, store, engine := newTestRunner(t)

	task := core.NewTask("t2", "desc", "linear", r.projectPath)
	require.NoError(t, store.CreateTask(context.Background(), task))

	r.dispatchNext(context.Background())

	require.Eventually(t, func() bool {
		execute, _ := engine.calls()
		return len(execute) == 1
	}, time.Second, 5*time.Millisecond)

	execute, _ := engine.calls()
	assert.Equal(t, core.TaskID("t2"), execute[0])
}

func TestRunner_DispatchNext_SkipsWhenAtConcurrencyLimit(t *testing.T) {
	r, store, engine := newTestRunner(t)
	r.cfg.MaxConcurrentTasks = 1
	r.active["already-running"] = struct{}{}

	task := core.NewTask("t3", "desc", "linear", r.projectPath)
	require.NoError(t, store.CreateTask(context.Background(), task))

	r.dispatchNext(context.Background())

	time.Sleep(20 * time.Millisecond)
	execute, _ := engine.calls()
	assert.Empty(t, execute)
}

func TestRunner_AutoResume_ResumesHighestPriorityPausedTask(t *testing.T) {
	r, store, engine := newTestRunner(t)

	low := core.NewTask("low", "desc", "linear", r.projectPath)
	require.NoError(t, low.MarkStarted())
	require.NoError(t, low.Pause(core.PauseCapacity))
	require.NoError(t, store.CreateTask(context.Background(), low))

	high := core.NewTask("high", "desc", "linear", r.projectPath)
	high.WithPriority(core.PriorityHigh)
	require.NoError(t, high.MarkStarted())
	require.NoError(t, high.Pause(core.PauseCapacity))
	require.NoError(t, store.CreateTask(context.Background(), high))

	r.autoResume(context.Background())

	require.Eventually(t, func() bool {
		_, resume := engine.calls()
		return len(resume) == 1
	}, time.Second, 5*time.Millisecond)

	_, resume := engine.calls()
	assert.Equal(t, core.TaskID("high"), resume[0])
}

func TestRunner_AutoResume_SkipsManuallyPausedTask(t *testing.T) {
	r, store, engine := newTestRunner(t)

	manual := core.NewTask("manual", "desc", "linear", r.projectPath)
	require.NoError(t, manual.MarkStarted())
	require.NoError(t, manual.Pause(core.PauseManual))
	require.NoError(t, store.CreateTask(context.Background(), manual))

	r.autoResume(context.Background())

	time.Sleep(20 * time.Millisecond)
	_, resume := engine.calls()
	assert.Empty(t, resume)
}

func TestRunner_Tick_WritesStateFile(t *testing.T) {
	r, _, _ := newTestRunner(t)

	r.tick(context.Background())

	sf, err := process.ReadStateFile(r.projectPath)
	require.NoError(t, err)
	require.NotNil(t, sf)
	assert.False(t, sf.Capacity.IsAutoPaused)
}

func TestRunner_GetMetrics_ReportsActiveCount(t *testing.T) {
	r, _, _ := newTestRunner(t)
	r.startedAt = time.Now()

	m := r.GetMetrics()
	assert.Equal(t, 0, m.ActiveTasks)
	assert.False(t, m.Paused)
}

func TestRunner_StartStop_AcquiresAndReleasesPidFile(t *testing.T) {
	r, _, _ := newTestRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, r.Start(ctx))

	pf, err := process.ReadPidFile(r.projectPath)
	require.NoError(t, err)
	require.NotNil(t, pf)

	require.NoError(t, r.Stop(context.Background()))

	pf, err = process.ReadPidFile(r.projectPath)
	require.NoError(t, err)
	assert.Nil(t, pf)
}

func TestRunner_Start_FailsWhenAlreadyRunning(t *testing.T) {
	r, _, _ := newTestRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, r.Start(ctx))
	defer r.Stop(context.Background())

	second := New(r.projectPath, *config.Defaults(), nil, nil, nil, nil, "test")
	err := second.Start(ctx)
	assert.Error(t, err)
}
