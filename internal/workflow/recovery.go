package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/apex-daemon/apexd/internal/core"
	"github.com/apex-daemon/apexd/internal/logging"
)

// RecoveryResult reports what a single task's crash recovery did.
type RecoveryResult struct {
	TaskID           core.TaskID
	RecoveredChanges bool
	RecoveryBranch   string
	AbortedMerge     bool
	AbortedRebase    bool
	AbortedCherry    bool
	Reset            bool
}

// RecoveryManager resets tasks left in-progress by a prior crash: it
// commits any uncommitted work in the task's workspace to a recovery
// branch, aborts incomplete git operations, and resets the task to pending
// for retry.
type RecoveryManager struct {
	store  core.Store
	git    core.GitClient
	logger *logging.Logger
}

// NewRecoveryManager constructs a RecoveryManager.
func NewRecoveryManager(store core.Store, git core.GitClient, logger *logging.Logger) *RecoveryManager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &RecoveryManager{store: store, git: git, logger: logger}
}

// RecoverTask recovers one task found in-progress at startup.
func (r *RecoveryManager) RecoverTask(ctx context.Context, taskID core.TaskID) (*RecoveryResult, error) {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	result := &RecoveryResult{TaskID: taskID}

	if task.Workspace != nil && task.Workspace.Path != "" {
		r.recoverUncommittedChanges(ctx, task, result)
		r.abortIncompleteGitOps(ctx, task.Workspace.Path, result)
	}

	if err := r.store.UpdateTask(ctx, taskID, func(t *core.Task) error {
		t.RetryCount++
		return asError(t.ResetForRecovery())
	}); err != nil {
		return result, err
	}
	result.Reset = true

	r.logger.Info("recovered crashed task", "task_id", taskID, "recovered_changes", result.RecoveredChanges, "reset", result.Reset)
	return result, nil
}

func (r *RecoveryManager) recoverUncommittedChanges(ctx context.Context, task *core.Task, result *RecoveryResult) {
	path := task.Workspace.Path
	hasChanges, err := r.git.HasUncommittedChanges(ctx, path)
	if err != nil || !hasChanges {
		return
	}

	recoveryBranch := fmt.Sprintf("%s-recovery-%d", task.BranchName, time.Now().Unix())
	if err := r.git.CreateBranch(ctx, path, recoveryBranch); err != nil {
		r.logger.Warn("failed to create recovery branch", "task_id", task.ID, "error", err)
		return
	}
	if err := r.git.CommitAll(ctx, path, "recovery commit: uncommitted changes from crash"); err != nil {
		r.logger.Warn("failed to commit recovery changes", "task_id", task.ID, "error", err)
		return
	}

	result.RecoveredChanges = true
	result.RecoveryBranch = recoveryBranch
}

func (r *RecoveryManager) abortIncompleteGitOps(ctx context.Context, path string, result *RecoveryResult) {
	merging, rebasing, cherryPicking := r.git.IncompleteMergeState(ctx, path)
	if merging {
		if err := r.git.AbortMerge(ctx, path); err == nil {
			result.AbortedMerge = true
		}
	}
	if rebasing {
		if err := r.git.AbortRebase(ctx, path); err == nil {
			result.AbortedRebase = true
		}
	}
	if cherryPicking {
		if err := r.git.AbortCherryPick(ctx, path); err == nil {
			result.AbortedCherry = true
		}
	}
}
