package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/apex-daemon/apexd/internal/core"
)

// fakeStore is a minimal in-memory core.Store. It mirrors the SQLite store's
// UpdateTask semantics: patch runs against a copy, and a non-nil patch error
// discards the copy rather than persisting a partial mutation.
type fakeStore struct {
	mu          sync.Mutex
	tasks       map[core.TaskID]*core.Task
	logs        map[core.TaskID][]core.LogEntry
	checkpoints map[core.TaskID][]core.Checkpoint
	ckptSeq     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:       make(map[core.TaskID]*core.Task),
		logs:        make(map[core.TaskID][]core.LogEntry),
		checkpoints: make(map[core.TaskID][]core.Checkpoint),
	}
}

func (s *fakeStore) put(t *core.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
}

func (s *fakeStore) Initialize(ctx context.Context) error { return nil }
func (s *fakeStore) Close() error                          { return nil }

func (s *fakeStore) CreateTask(ctx context.Context, task *core.Task) error {
	s.put(task)
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
	cp.Checkpoints = append([]core.Checkpoint(nil), s.checkpoints[id]...)
	cp.Logs = append([]core.LogEntry(nil), s.logs[id]...)
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
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return core.ErrNotFound("task", string(id))
	}
	cp := *t
	cp.Status = status
	cp.LastError = taskErr
	s.tasks[id] = &cp
	return nil
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
	return nil, core.ErrNotFound("task", "")
}
func (s *fakeStore) GetReadyTasks(ctx context.Context, orderByPriority bool) ([]*core.Task, error) {
	return nil, nil
}
func (s *fakeStore) GetPendingTasks(ctx context.Context) ([]*core.Task, error) { return nil, nil }
func (s *fakeStore) GetPausedTasksForResume(ctx context.Context) ([]*core.Task, error) {
	return s.GetTasksByStatus(ctx, core.TaskPaused)
}
func (s *fakeStore) FindHighestPriorityParentTask(ctx context.Context) (*core.Task, error) {
	return nil, core.ErrNotFound("task", "")
}

func (s *fakeStore) AddLog(ctx context.Context, id core.TaskID, entry core.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[id] = append(s.logs[id], entry)
	return nil
}

func (s *fakeStore) GetLogs(ctx context.Context, id core.TaskID) ([]core.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.LogEntry(nil), s.logs[id]...), nil
}

func (s *fakeStore) SaveCheckpoint(ctx context.Context, id core.TaskID, ckpt core.Checkpoint) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ckpt.ID == "" {
		s.ckptSeq++
		ckpt.ID = fmt.Sprintf("ckpt-%d", s.ckptSeq)
	}
	s.checkpoints[id] = append(s.checkpoints[id], ckpt)
	return ckpt.ID, nil
}

func (s *fakeStore) GetCheckpoint(ctx context.Context, id core.TaskID, ckptID string) (*core.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.checkpoints[id] {
		if c.ID == ckptID {
			cp := c
			return &cp, nil
		}
	}
	return nil, core.ErrNotFound("checkpoint", ckptID)
}

func (s *fakeStore) GetLatestCheckpoint(ctx context.Context, id core.TaskID) (*core.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.checkpoints[id]
	if len(list) == 0 {
		return nil, nil
	}
	cp := list[len(list)-1]
	return &cp, nil
}

func (s *fakeStore) ListCheckpoints(ctx context.Context, id core.TaskID) ([]core.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Checkpoint(nil), s.checkpoints[id]...), nil
}

func (s *fakeStore) TrashTask(ctx context.Context, id core.TaskID) error     { return nil }
func (s *fakeStore) RestoreTask(ctx context.Context, id core.TaskID) error  { return nil }
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

// fakeRunner is a scripted core.AgentRunner: each RunStage call pulls the
// next queued response off the script (looping the last entry if the
// script is shorter than the number of stages run).
type fakeRunner struct {
	mu              sync.Mutex
	script          [][]core.ConversationMessage
	calls           int
	limit           core.SessionLimitStatus
	limitAfterCalls int
	runErr          error
}

func newFakeRunner(script ...[]core.ConversationMessage) *fakeRunner {
	return &fakeRunner{script: script}
}

func (r *fakeRunner) RunStage(ctx context.Context, spec core.AgentSpec, prompt string, conversationState []byte) (<-chan core.ConversationMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runErr != nil {
		return nil, r.runErr
	}
	idx := r.calls
	if idx >= len(r.script) {
		idx = len(r.script) - 1
	}
	r.calls++

	ch := make(chan core.ConversationMessage, len(r.script[idx]))
	for _, m := range r.script[idx] {
		ch <- m
	}
	close(ch)
	return ch, nil
}

// DetectSessionLimit returns the scripted near-limit status once r.calls
// has reached limitAfterCalls (0 means "from the very first check"),
// letting a test simulate the limit tripping only partway through a
// multi-stage workflow.
func (r *fakeRunner) DetectSessionLimit(conversationState []byte) core.SessionLimitStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls < r.limitAfterCalls {
		return core.SessionLimitStatus{}
	}
	return r.limit
}

var _ core.AgentRunner = (*fakeRunner)(nil)

// fakeHooks allows every tool call; PreToolUse calls are just counted.
type fakeHooks struct {
	mu    sync.Mutex
	calls int
}

func (h *fakeHooks) PreToolUse(ctx context.Context, taskID core.TaskID, call core.ToolCall) core.HookVerdict {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return core.HookVerdict{Decision: core.HookAllow}
}

func (h *fakeHooks) PostToolUse(ctx context.Context, taskID core.TaskID, call core.ToolCall, result string) core.HookVerdict {
	return core.HookVerdict{Decision: core.HookAllow}
}

func (h *fakeHooks) RegisterHook(rule core.CustomHookRule) error { return nil }

var _ core.HookGateway = (*fakeHooks)(nil)

// fakeGit is a scripted core.GitClient for merge/recovery flows.
type fakeGit struct {
	mu sync.Mutex

	defaultBranch   string
	defaultBranchErr error
	currentBranch   string
	checkoutErr     error
	pullErr         error
	mergeHash       string
	mergeFiles      []string
	mergeErr        error

	hasUncommitted   bool
	hasUncommittedErr error
	createBranchErr   error
	commitAllErr      error

	merging, rebasing, cherryPicking bool
	abortMergeErr, abortRebaseErr, abortCherryErr error

	createdBranches []string
	checkedOut      []string
}

func (g *fakeGit) DefaultBranch(ctx context.Context, repoPath string) (string, error) {
	return g.defaultBranch, g.defaultBranchErr
}
func (g *fakeGit) CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	return g.currentBranch, nil
}
func (g *fakeGit) HasUncommittedChanges(ctx context.Context, repoPath string) (bool, error) {
	return g.hasUncommitted, g.hasUncommittedErr
}
func (g *fakeGit) CommitAll(ctx context.Context, repoPath, message string) error {
	return g.commitAllErr
}
func (g *fakeGit) Pull(ctx context.Context, repoPath string) error { return g.pullErr }
func (g *fakeGit) Merge(ctx context.Context, repoPath, branch string, squash bool) (string, []string, error) {
	if g.mergeErr != nil {
		return "", nil, g.mergeErr
	}
	return g.mergeHash, g.mergeFiles, nil
}
func (g *fakeGit) CreateBranch(ctx context.Context, repoPath, branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createdBranches = append(g.createdBranches, branch)
	return g.createBranchErr
}
func (g *fakeGit) Checkout(ctx context.Context, repoPath, branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkedOut = append(g.checkedOut, branch)
	return g.checkoutErr
}
func (g *fakeGit) IncompleteMergeState(ctx context.Context, repoPath string) (bool, bool, bool) {
	return g.merging, g.rebasing, g.cherryPicking
}
func (g *fakeGit) AbortMerge(ctx context.Context, repoPath string) error      { return g.abortMergeErr }
func (g *fakeGit) AbortRebase(ctx context.Context, repoPath string) error    { return g.abortRebaseErr }
func (g *fakeGit) AbortCherryPick(ctx context.Context, repoPath string) error { return g.abortCherryErr }

var _ core.GitClient = (*fakeGit)(nil)

type fakeCodehost struct {
	merged bool
	err    error
}

func (c *fakeCodehost) IsPRMerged(ctx context.Context, prURL string) (bool, error) {
	return c.merged, c.err
}

var _ core.CodeHostClient = (*fakeCodehost)(nil)
