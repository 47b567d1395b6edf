// Package runner implements the daemon's single cooperative poll loop: the
// Runner owns admission (usage-aware dispatch), pause/resume edge emission,
// auto-resume of eligible paused tasks, state-file publication, and graceful
// shutdown. Grounded on cmd/quorum/cmd/serve.go's staged
// initialization-with-deferred-cleanup and internal/service/workflow/
// heartbeat.go's ticker-loop shape.
package runner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/apex-daemon/apexd/internal/config"
	"github.com/apex-daemon/apexd/internal/core"
	"github.com/apex-daemon/apexd/internal/health"
	"github.com/apex-daemon/apexd/internal/logging"
	"github.com/apex-daemon/apexd/internal/orchestrator"
	"github.com/apex-daemon/apexd/internal/process"
	"github.com/apex-daemon/apexd/internal/scheduler"
	"github.com/apex-daemon/apexd/internal/usage"
	"github.com/apex-daemon/apexd/internal/workflow"
)

// Metrics is the return shape of GetMetrics, the capability the Runner
// exposes back to the Orchestrator (neither owns the other — §9).
type Metrics struct {
	ActiveTasks  int
	Paused       bool
	CrashLooping bool
	Uptime       time.Duration
}

// Runner is the daemon poll loop.
type Runner struct {
	projectPath string
	cfg         config.RunnerConfig
	usageCfg    config.UsageConfig
	healthCfg   config.HealthConfig
	version     string

	orch       *orchestrator.Orchestrator
	accounter  *usage.Accounter
	hysteresis *scheduler.Hysteresis
	watchdog   *health.Watchdog
	recovery   *workflow.RecoveryManager
	logger     *logging.Logger

	pollInterval time.Duration

	mu          sync.Mutex
	active      map[core.TaskID]struct{}
	startedAt   time.Time
	stopping    bool
	stopCh      chan struct{}
	stoppedCh   chan struct{}
	wg          sync.WaitGroup
}

// New constructs a Runner from its collaborators. The watchdog's bounded
// restart-history ring size is taken from cfg.Health.RestartHistoryMax.
func New(
	projectPath string,
	cfg config.Config,
	orch *orchestrator.Orchestrator,
	accounter *usage.Accounter,
	recovery *workflow.RecoveryManager,
	logger *logging.Logger,
	version string,
) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	watchdog := health.New(health.WatchdogConfig{
		Enabled:       cfg.Health.WatchdogEnabled,
		RestartDelay:  time.Duration(cfg.Health.RestartDelayMs) * time.Millisecond,
		MaxRestarts:   cfg.Health.MaxRestarts,
		RestartWindow: cfg.Health.RestartWindowDuration(),
	}, cfg.Health.RestartHistoryMax)

	return &Runner{
		projectPath:  projectPath,
		cfg:          cfg.Runner,
		usageCfg:     cfg.Usage,
		healthCfg:    cfg.Health,
		version:      version,
		orch:         orch,
		accounter:    accounter,
		hysteresis:   scheduler.NewHysteresis(),
		watchdog:     watchdog,
		recovery:     recovery,
		logger:       logger,
		pollInterval: time.Duration(cfg.Runner.ClampPollInterval(cfg.Runner.PollIntervalMs)) * time.Millisecond,
		active:       make(map[core.TaskID]struct{}),
		stopCh:       make(chan struct{}),
		stoppedCh:    make(chan struct{}),
	}
}

// Start acquires single-instance ownership, runs the startup crash-recovery
// pass, and enters the poll loop in a background goroutine. A non-nil error
// means no PID file was left behind and the caller should exit non-zero.
func (r *Runner) Start(ctx context.Context) error {
	if _, err := process.AcquirePidFile(r.projectPath, r.version); err != nil {
		return err
	}
	r.startedAt = time.Now()

	if err := r.recoverCrashedTasks(ctx); err != nil {
		r.logger.Warn("startup recovery pass encountered errors", "error", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Warn("wake-file watcher unavailable, falling back to poll-only", "error", err)
		watcher = nil
	} else if err := watcher.Add(filepath.Dir(process.WakeFilePath(r.projectPath))); err != nil {
		r.logger.Warn("failed to watch wake file directory", "error", err)
		watcher.Close()
		watcher = nil
	}

	r.wg.Add(1)
	go r.loop(ctx, watcher)

	return nil
}

// recoverCrashedTasks resets any task left in-progress by a prior crash,
// per the teacher's recoverZombieWorkflows pattern.
func (r *Runner) recoverCrashedTasks(ctx context.Context) error {
	inProgress, err := r.orch.Store().GetTasksByStatus(ctx, core.TaskInProgress)
	if err != nil {
		return err
	}
	for _, t := range inProgress {
		if _, err := r.recovery.RecoverTask(ctx, t.ID); err != nil {
			r.logger.Warn("failed to recover crashed task", "task_id", t.ID, "error", err)
		}
	}
	return nil
}

// loop is the poll loop: one tick per pollInterval, or immediately on an
// external wake (fsnotify event on the wake file, touched by
// Orchestrator.CreateTask).
func (r *Runner) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer r.wg.Done()
	if watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		r.tick(ctx)

		var wakeCh <-chan fsnotify.Event
		if watcher != nil {
			wakeCh = watcher.Events
		}

		select {
		case <-r.stopCh:
			close(r.stoppedCh)
			return
		case <-ticker.C:
		case <-wakeCh:
		case <-ctx.Done():
			close(r.stoppedCh)
			return
		}
	}
}

// tick runs one iteration: refresh usage, emit pause/resume edges, dispatch
// one admissible task, scan for auto-resume candidates, write the state
// file.
func (r *Runner) tick(ctx context.Context) {
	snapshot := r.accounter.GetCurrentUsage()
	decision := scheduler.ShouldPauseTasks(snapshot, r.usageCfg.DailyBudget, r.usageCfg.TimeBasedEnabled)

	pausedEdge, resumedEdge := r.hysteresis.Observe(decision)
	if pausedEdge != nil {
		r.orch.Emit(core.EventDaemonPaused, "", map[string]interface{}{"reason": pausedEdge.Reason})
	}
	if resumedEdge {
		r.orch.Emit(core.EventDaemonResumed, "", nil)
	}

	if r.isStopping() {
		r.writeStateFile(snapshot, decision)
		return
	}

	if !r.hysteresis.IsPaused() {
		r.dispatchNext(ctx)
		r.autoResume(ctx)
	}

	r.writeStateFile(snapshot, decision)
}

// dispatchNext pops the next admissible queued task and executes it as an
// independent concurrent activity, bounded by maxConcurrentTasks.
func (r *Runner) dispatchNext(ctx context.Context) {
	if r.activeCount() >= r.cfg.MaxConcurrentTasks {
		return
	}

	task, err := r.orch.Store().GetNextQueuedTask(ctx)
	if err != nil || task == nil {
		return
	}

	can := r.accounter.CanStartTask(0)
	if !can.Allowed {
		r.logger.Debug("task not admitted", "task_id", task.ID, "reason", can.Reason)
		return
	}

	r.runAsync(task.ID, func() {
		if err := r.orch.ExecuteTask(ctx, task.ID); err != nil {
			r.logger.Warn("task execution returned an error", "task_id", task.ID, "error", err)
		}
	})
}

// autoResume scans for paused tasks eligible for resume and, if the
// scheduler is not currently pausing admission, resumes the
// highest-priority one as an independent activity.
func (r *Runner) autoResume(ctx context.Context) {
	if r.activeCount() >= r.cfg.MaxConcurrentTasks {
		return
	}

	paused, err := r.orch.Store().GetPausedTasksForResume(ctx)
	if err != nil || len(paused) == 0 {
		return
	}

	best := paused[0]
	for _, t := range paused[1:] {
		if t.LessForQueue(best) {
			best = t
		}
	}

	r.runAsync(best.ID, func() {
		if err := r.orch.ResumeTask(ctx, best.ID, ""); err != nil {
			r.logger.Warn("auto-resume failed", "task_id", best.ID, "error", err)
		}
	})
}

// runAsync tracks taskID as active for the duration of fn, run on its own
// goroutine under the Runner's WaitGroup so Stop can wait for it.
func (r *Runner) runAsync(taskID core.TaskID, fn func()) {
	r.mu.Lock()
	r.active[taskID] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.active, taskID)
			r.mu.Unlock()
		}()
		fn()
	}()
}

func (r *Runner) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Runner) isStopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

func (r *Runner) writeStateFile(snapshot usage.CurrentUsage, decision scheduler.Decision) {
	report := r.watchdog.GetHealthReport()

	history := make([]process.RestartHistoryEntry, 0, len(report.RestartHistory))
	for _, rec := range report.RestartHistory {
		history = append(history, process.RestartHistoryEntry{
			Timestamp:           rec.Timestamp,
			Reason:              rec.Reason,
			ExitCode:            rec.ExitCode,
			TriggeredByWatchdog: rec.TriggeredByWatchdog,
		})
	}

	sf := process.StateFile{
		Timestamp: time.Now(),
		Pid:       os.Getpid(),
		StartedAt: r.startedAt,
		Capacity: process.CapacityState{
			Mode:             string(snapshot.Mode),
			Threshold:        decision.Capacity.Threshold,
			UsagePercent:     decision.Capacity.CurrentPercentage,
			IsAutoPaused:     r.hysteresis.IsPaused(),
			PauseReason:      decision.Reason,
			NextModeSwitch:   snapshot.NextModeSwitch,
			TimeBasedEnabled: r.usageCfg.TimeBasedEnabled,
		},
		Health: process.HealthState{
			Uptime:         report.Uptime.Seconds(),
			MemoryMB:       report.Memory.UsedMB,
			TaskCounts:     map[string]int{"active": r.activeCount()},
			RestartHistory: history,
		},
	}

	if err := process.WriteStateFile(r.projectPath, sf); err != nil {
		r.logger.Warn("failed to write state file", "error", err)
	}
}

// GetMetrics reports the Runner's current state, the capability exposed
// back to the Orchestrator.
func (r *Runner) GetMetrics() Metrics {
	return Metrics{
		ActiveTasks:  r.activeCount(),
		Paused:       r.hysteresis.IsPaused(),
		CrashLooping: r.watchdog.IsCrashLooping(),
		Uptime:       time.Since(r.startedAt),
	}
}

// Stop requests a graceful shutdown: no new tasks are dispatched, and Stop
// waits up to shutdownTimeoutMs for in-flight activities to finish before
// returning. Errors during cleanup are logged and swallowed — shutdown
// always attempts to leave a clean PID file behind.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		return nil
	}
	r.stopping = true
	r.mu.Unlock()

	close(r.stopCh)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	timeout := time.Duration(r.cfg.ShutdownTimeoutMs) * time.Millisecond
	select {
	case <-done:
	case <-time.After(timeout):
		r.logger.Warn("shutdown timed out with activities still in flight")
	}

	if err := process.RemovePidFile(r.projectPath); err != nil {
		r.logger.Warn("failed to remove pid file", "error", err)
	}
	return nil
}
