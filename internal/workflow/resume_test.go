package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apex-daemon/apexd/internal/core"
)

func TestEngine_ResumeTask_Succeeds(t *testing.T) {
	dir := newLinearWorkflow(t, "only")

	store := newFakeStore()
	task := core.NewTask("task-1", "build", "linear", "/repo")
	require.NoError(t, task.MarkStarted())
	require.NoError(t, task.Pause(core.PauseSessionLimit))
	store.put(task)

	runner := newFakeRunner([]core.ConversationMessage{{Role: "assistant", Text: "done"}})
	e := newTestEngine(t, dir, store, runner, &fakeGit{})

	err := e.ResumeTask(context.Background(), task.ID, "")
	require.NoError(t, err)

	got, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskCompleted, got.Status)
	assert.Equal(t, 1, got.ResumeAttempts)
}

func TestEngine_ResumeTask_FailsWhenCheckpointUnknown(t *testing.T) {
	dir := newLinearWorkflow(t, "only")

	store := newFakeStore()
	task := core.NewTask("task-2", "build", "linear", "/repo")
	require.NoError(t, task.MarkStarted())
	require.NoError(t, task.Pause(core.PauseSessionLimit))
	store.put(task)

	runner := newFakeRunner([]core.ConversationMessage{{Role: "assistant", Text: "done"}})
	e := newTestEngine(t, dir, store, runner, &fakeGit{})

	err := e.ResumeTask(context.Background(), task.ID, "no-such-checkpoint")
	assert.Error(t, err)
}

func TestEngine_ResumeTask_FailsTaskOnceMaxAttemptsReached(t *testing.T) {
	dir := newLinearWorkflow(t, "only")

	store := newFakeStore()
	task := core.NewTask("task-3", "build", "linear", "/repo").WithMaxResumeAttempts(1)
	require.NoError(t, task.MarkStarted())
	require.NoError(t, task.Pause(core.PauseSessionLimit))
	task.ResumeAttempts = 1
	store.put(task)

	runner := newFakeRunner([]core.ConversationMessage{{Role: "assistant", Text: "done"}})
	e := newTestEngine(t, dir, store, runner, &fakeGit{})

	err := e.ResumeTask(context.Background(), task.ID, "")
	assert.Error(t, err)
	assert.ErrorIs(t, err, core.ErrMaxResumeAttempts("", 0, 0))

	got, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskFailed, got.Status)
	assert.Equal(t, 0, runner.calls, "a task over its resume ceiling must never re-enter the stage loop")
}

func TestEngine_MergeTaskBranch_ChecksOutDefaultBranchBeforeMerging(t *testing.T) {
	store := newFakeStore()
	task := core.NewTask("task-4", "build", "linear", "/repo")
	task.BranchName = "apex/task-4"
	store.put(task)

	git := &fakeGit{defaultBranch: "main", mergeHash: "abc123", mergeFiles: []string{"a.go"}}
	e := newTestEngine(t, t.TempDir(), store, newFakeRunner(nil), git)

	result, err := e.MergeTaskBranch(context.Background(), task.ID, false)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "abc123", result.CommitHash)
	require.Len(t, git.checkedOut, 1)
	assert.Equal(t, "main", git.checkedOut[0])
}

func TestEngine_MergeTaskBranch_ReportsFailureWithoutError(t *testing.T) {
	store := newFakeStore()
	task := core.NewTask("task-5", "build", "linear", "/repo")
	task.BranchName = "apex/task-5"
	store.put(task)

	git := &fakeGit{defaultBranch: "main", mergeErr: core.ErrExternalProvider("GIT_MERGE_FAILED", "conflict")}
	e := newTestEngine(t, t.TempDir(), store, newFakeRunner(nil), git)

	result, err := e.MergeTaskBranch(context.Background(), task.ID, false)
	require.NoError(t, err, "MergeTaskBranch reports failures in the result, it never throws")
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestEngine_CheckAndCleanupMergedPR_NoopWithoutPRUrl(t *testing.T) {
	store := newFakeStore()
	task := core.NewTask("task-6", "build", "linear", "/repo")
	store.put(task)

	e := newTestEngine(t, t.TempDir(), store, newFakeRunner(nil), &fakeGit{})
	cleaned, err := e.CheckAndCleanupMergedPR(context.Background(), task.ID)
	require.NoError(t, err)
	assert.False(t, cleaned)
}
