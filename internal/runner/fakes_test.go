package runner

import (
	"context"
	"sync"

	"github.com/apex-daemon/apexd/internal/core"
)

// fakeStore is a minimal in-memory core.Store for runner tests; verbs the
// poll loop does not use are no-op stubs returning zero values.
type fakeStore struct {
	mu    sync.Mutex
	tasks map[core.TaskID]*core.Task
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[core.TaskID]*core.Task)}
}

func (s *fakeStore) Initialize(ctx context.Context) error { return nil }
func (s *fakeStore) Close() error                          { return nil }

func (s *fakeStore) CreateTask(ctx context.Context, task *core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *fakeStore) GetTask(ctx context.Context, id core.TaskID) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, core.ErrNotFound("task", string(id))
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) UpdateTask(ctx context.Context, id core.TaskID, patch func(*core.Task) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	orig, ok := s.tasks[id]
	if !ok {
		return core.ErrNotFound("task", string(id))
	}
	cp := *orig
	if err := patch(&cp); err != nil {
		return err
	}
	s.tasks[id] = &cp
	return nil
}

func (s *fakeStore) UpdateTaskStatus(ctx context.Context, id core.TaskID, status core.TaskStatus, taskErr string) error {
	return s.UpdateTask(ctx, id, func(t *core.Task) error {
		t.Status = status
		t.LastError = taskErr
		return nil
	})
}

func (s *fakeStore) ListTasks(ctx context.Context, filter core.TaskFilter) ([]*core.Task, error) {
	return s.GetAllTasks(ctx)
}

func (s *fakeStore) GetAllTasks(ctx context.Context) ([]*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Task
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) GetTasksByStatus(ctx context.Context, status core.TaskStatus) ([]*core.Task, error) {
	all, _ := s.GetAllTasks(ctx)
	var out []*core.Task
	for _, t := range all {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) GetNextQueuedTask(ctx context.Context) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *core.Task
	for _, t := range s.tasks {
		if t.Status != core.TaskPending {
			continue
		}
		if best == nil || t.LessForQueue(best) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (s *fakeStore) GetReadyTasks(ctx context.Context, orderByPriority bool) ([]*core.Task, error) {
	return nil, nil
}
func (s *fakeStore) GetPendingTasks(ctx context.Context) ([]*core.Task, error) {
	return s.GetTasksByStatus(ctx, core.TaskPending)
}
func (s *fakeStore) GetPausedTasksForResume(ctx context.Context) ([]*core.Task, error) {
	paused, _ := s.GetTasksByStatus(ctx, core.TaskPaused)
	var out []*core.Task
	for _, t := range paused {
		switch t.PauseReason {
		case core.PauseSessionLimit, core.PauseUsageLimit, core.PauseCapacity, core.PauseBudget:
			out = append(out, t)
		}
	}
	return out, nil
}
func (s *fakeStore) FindHighestPriorityParentTask(ctx context.Context) (*core.Task, error) {
	return nil, core.ErrNotFound("task", "")
}

func (s *fakeStore) AddLog(ctx context.Context, id core.TaskID, entry core.LogEntry) error { return nil }
func (s *fakeStore) GetLogs(ctx context.Context, id core.TaskID) ([]core.LogEntry, error) {
	return nil, nil
}

func (s *fakeStore) SaveCheckpoint(ctx context.Context, id core.TaskID, ckpt core.Checkpoint) (string, error) {
	return "ckpt-1", nil
}
func (s *fakeStore) GetCheckpoint(ctx context.Context, id core.TaskID, ckptID string) (*core.Checkpoint, error) {
	return nil, core.ErrNotFound("checkpoint", ckptID)
}
func (s *fakeStore) GetLatestCheckpoint(ctx context.Context, id core.TaskID) (*core.Checkpoint, error) {
	return nil, nil
}
func (s *fakeStore) ListCheckpoints(ctx context.Context, id core.TaskID) ([]core.Checkpoint, error) {
	return nil, nil
}

func (s *fakeStore) TrashTask(ctx context.Context, id core.TaskID) error    { return nil }
func (s *fakeStore) RestoreTask(ctx context.Context, id core.TaskID) error { return nil }
func (s *fakeStore) EmptyTrash(ctx context.Context) ([]core.TaskID, error) { return nil, nil }
func (s *fakeStore) ArchiveTask(ctx context.Context, id core.TaskID) error { return nil }
func (s *fakeStore) UnarchiveTask(ctx context.Context, id core.TaskID) error {
	return nil
}
func (s *fakeStore) ListArchived(ctx context.Context) ([]*core.Task, error) { return nil, nil }

func (s *fakeStore) CreateIdleTask(ctx context.Context, t *core.IdleTask) error { return nil }
func (s *fakeStore) UpdateIdleTask(ctx context.Context, id string, patch func(*core.IdleTask) error) error {
	return nil
}
func (s *fakeStore) DeleteIdleTask(ctx context.Context, id string) error { return nil }
func (s *fakeStore) ListIdleTasks(ctx context.Context, filter core.IdleTaskFilter) ([]*core.IdleTask, error) {
	return nil, nil
}

func (s *fakeStore) CreateThought(ctx context.Context, t *core.Thought) error { return nil }
func (s *fakeStore) SearchThoughts(ctx context.Context, query string) ([]*core.Thought, error) {
	return nil, nil
}
func (s *fakeStore) ListThoughts(ctx context.Context) ([]*core.Thought, error) { return nil, nil }
func (s *fakeStore) PromoteThought(ctx context.Context, id string) error       { return nil }

func (s *fakeStore) GetLastActivityTime(ctx context.Context) (int64, error) { return 0, nil }

var _ core.Store = (*fakeStore)(nil)

// fakeEngine is a scripted orchestrator.Engine.
type fakeEngine struct {
	mu           sync.Mutex
	executeCalls []core.TaskID
	resumeCalls  []core.TaskID
}

func (e *fakeEngine) ExecuteTask(ctx context.Context, taskID core.TaskID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executeCalls = append(e.executeCalls, taskID)
	return nil
}

func (e *fakeEngine) ResumeTask(ctx context.Context, taskID core.TaskID, checkpointID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resumeCalls = append(e.resumeCalls, taskID)
	return nil
}

func (e *fakeEngine) MergeTaskBranch(ctx context.Context, taskID core.TaskID, squash bool) (*core.MergeResult, error) {
	return &core.MergeResult{Success: true}, nil
}

func (e *fakeEngine) calls() (execute, resume []core.TaskID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]core.TaskID(nil), e.executeCalls...), append([]core.TaskID(nil), e.resumeCalls...)
}

// fakeGitClient is a no-op core.GitClient; the recovery pass in these tests
// never finds uncommitted work or incomplete merges.
type fakeGitClient struct{}

func (fakeGitClient) DefaultBranch(ctx context.Context, repoPath string) (string, error) {
	return "main", nil
}
func (fakeGitClient) CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	return "main", nil
}
func (fakeGitClient) HasUncommittedChanges(ctx context.Context, repoPath string) (bool, error) {
	return false, nil
}
func (fakeGitClient) CommitAll(ctx context.Context, repoPath, message string) error { return nil }
func (fakeGitClient) Pull(ctx context.Context, repoPath string) error               { return nil }
func (fakeGitClient) Merge(ctx context.Context, repoPath, branch string, squash bool) (string, []string, error) {
	return "deadbeef", nil, nil
}
func (fakeGitClient) CreateBranch(ctx context.Context, repoPath, branch string) error { return nil }
func (fakeGitClient) Checkout(ctx context.Context, repoPath, branch string) error     { return nil }
func (fakeGitClient) IncompleteMergeState(ctx context.Context, repoPath string) (bool, bool, bool) {
	return false, false, false
}
func (fakeGitClient) AbortMerge(ctx context.Context, repoPath string) error      { return nil }
func (fakeGitClient) AbortRebase(ctx context.Context, repoPath string) error     { return nil }
func (fakeGitClient) AbortCherryPick(ctx context.Context, repoPath string) error { return nil }

var _ core.GitClient = fakeGitClient{}
