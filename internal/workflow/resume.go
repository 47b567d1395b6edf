package workflow

import (
	"context"

	"github.com/apex-daemon/apexd/internal/core"
)

// ResumeTask attempts to move a paused task back to in-progress, enforcing
// the resumeAttempts ceiling before calling Task.Resume. Store.UpdateTask
// rolls back the whole patch on any error, so the ceiling must be checked
// as its own successful patch (MarkFailed) rather than relying on
// Task.Resume's internal failure path to persist.
func (e *Engine) ResumeTask(ctx context.Context, taskID core.TaskID, checkpointID string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	if task.ResumeAttempts >= task.MaxResumeAttempts {
		domErr := core.ErrMaxResumeAttempts(string(taskID), task.ResumeAttempts, task.MaxResumeAttempts)
		if err := e.store.UpdateTask(ctx, taskID, func(t *core.Task) error {
			return asError(t.MarkFailed(domErr.Message))
		}); err != nil {
			return err
		}
		e.publish(core.EventTaskFailed, taskID, map[string]interface{}{"error": domErr.Message})
		return domErr
	}

	if err := e.store.UpdateTask(ctx, taskID, func(t *core.Task) error {
		return asError(t.Resume())
	}); err != nil {
		return err
	}
	e.publish(core.EventTaskResumed, taskID, nil)

	if err := resolveCheckpoint(task, checkpointID); err != nil {
		return err
	}

	return e.ExecuteTask(ctx, taskID)
}

// resolveCheckpoint validates that checkpointID (if given) names an
// existing checkpoint on task; ExecuteTask always resumes from the latest
// checkpoint, so this only needs to surface a clear error for an unknown id.
func resolveCheckpoint(task *core.Task, checkpointID string) error {
	if checkpointID == "" {
		return nil
	}
	for _, c := range task.Checkpoints {
		if c.ID == checkpointID {
			return nil
		}
	}
	return core.ErrNotFound("checkpoint", checkpointID)
}

// MergeTaskBranch merges task id's branch into the repository's default
// branch, optionally squashing, and reports the result without throwing.
func (e *Engine) MergeTaskBranch(ctx context.Context, taskID core.TaskID, squash bool) (*core.MergeResult, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	branch, err := e.git.DefaultBranch(ctx, task.ProjectPath)
	if err != nil {
		return &core.MergeResult{Success: false, Error: err.Error()}, nil
	}
	if err := e.git.Checkout(ctx, task.ProjectPath, branch); err != nil {
		return &core.MergeResult{Success: false, Error: err.Error()}, nil
	}

	if err := e.git.Pull(ctx, task.ProjectPath); err != nil {
		e.logger.Warn("pull before merge failed, continuing", "task_id", taskID, "error", err)
	}

	commitHash, changedFiles, err := e.git.Merge(ctx, task.ProjectPath, task.BranchName, squash)
	if err != nil {
		return &core.MergeResult{Success: false, Error: err.Error()}, nil
	}

	return &core.MergeResult{Success: true, CommitHash: commitHash, ChangedFiles: changedFiles}, nil
}

// CheckAndCleanupMergedPR checks whether task id's pull request has been
// merged on the code host and, if so, reclaims its workspace. Tasks whose
// workflow opens a PR rather than letting MergeTaskBranch merge locally
// need this path: the PR may be squash-merged remotely without the local
// branch ever showing up in `git branch --merged`. A failed code-host check
// (CLI missing, malformed URL) is logged and reported as false, not as an
// error.
func (e *Engine) CheckAndCleanupMergedPR(ctx context.Context, taskID core.TaskID) (bool, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.PRUrl == "" {
		return false, nil
	}

	merged, err := e.codehost.IsPRMerged(ctx, task.PRUrl)
	if err != nil {
		e.logger.Warn("checking pull request merge state failed", "task_id", taskID, "pr_url", task.PRUrl, "error", err)
		return false, nil
	}
	if !merged {
		return false, nil
	}

	cleaned, err := e.workspaces.CleanupMergedWorktree(ctx, taskID, merged)
	if err != nil {
		return false, err
	}
	if cleaned {
		e.publish(core.EventWorktreeMergeDone, taskID, map[string]interface{}{"prUrl": task.PRUrl})
	}
	return cleaned, nil
}
