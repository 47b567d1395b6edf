package core

import "context"

// TaskFilter narrows a listTasks query.
type TaskFilter struct {
	Status          TaskStatus
	HasStatus       bool
	IncludeTrashed  bool
	IncludeArchived bool
	OrderByPriority bool
	Limit           int
}

// IdleTaskType distinguishes analyzer-sourced backlog entries.
type IdleTaskType string

const (
	IdleTaskTodo        IdleTaskType = "todo"
	IdleTaskImprovement IdleTaskType = "improvement"
	IdleTaskBug         IdleTaskType = "bug"
)

// IdleTask is a candidate task surfaced by the (external) idle-time analyzer.
type IdleTask struct {
	ID          string
	Type        IdleTaskType
	Priority    Priority
	Description string
	SourcePath  string
	SourceLine  int
	Implemented bool
	CreatedAt   int64
}

// IdleTaskFilter narrows a listIdleTasks query.
type IdleTaskFilter struct {
	Type        IdleTaskType
	HasType     bool
	Priority    Priority
	HasPriority bool
	Implemented *bool
	Limit       int
}

// Thought is a free-form note captured for later retrieval/search.
type Thought struct {
	ID          string
	Content     string
	Tags        []string
	Implemented bool
	CreatedAt   int64
}

// Store is the durable persistence contract. Implementations must
// serialize all mutations through a single writer and provide
// consistent-snapshot reads.
type Store interface {
	Initialize(ctx context.Context) error
	Close() error

	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id TaskID) (*Task, error)
	UpdateTask(ctx context.Context, id TaskID, patch func(*Task) error) error
	UpdateTaskStatus(ctx context.Context, id TaskID, status TaskStatus, taskErr string) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	GetAllTasks(ctx context.Context) ([]*Task, error)
	GetTasksByStatus(ctx context.Context, status TaskStatus) ([]*Task, error)
	GetNextQueuedTask(ctx context.Context) (*Task, error)
	GetReadyTasks(ctx context.Context, orderByPriority bool) ([]*Task, error)
	GetPendingTasks(ctx context.Context) ([]*Task, error)
	GetPausedTasksForResume(ctx context.Context) ([]*Task, error)
	FindHighestPriorityParentTask(ctx context.Context) (*Task, error)

	AddLog(ctx context.Context, id TaskID, entry LogEntry) error
	GetLogs(ctx context.Context, id TaskID) ([]LogEntry, error)

	SaveCheckpoint(ctx context.Context, id TaskID, ckpt Checkpoint) (string, error)
	GetCheckpoint(ctx context.Context, id TaskID, ckptID string) (*Checkpoint, error)
	GetLatestCheckpoint(ctx context.Context, id TaskID) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, id TaskID) ([]Checkpoint, error)

	TrashTask(ctx context.Context, id TaskID) error
	RestoreTask(ctx context.Context, id TaskID) error
	EmptyTrash(ctx context.Context) ([]TaskID, error)

	ArchiveTask(ctx context.Context, id TaskID) error
	UnarchiveTask(ctx context.Context, id TaskID) error
	ListArchived(ctx context.Context) ([]*Task, error)

	CreateIdleTask(ctx context.Context, t *IdleTask) error
	UpdateIdleTask(ctx context.Context, id string, patch func(*IdleTask) error) error
	DeleteIdleTask(ctx context.Context, id string) error
	ListIdleTasks(ctx context.Context, filter IdleTaskFilter) ([]*IdleTask, error)

	CreateThought(ctx context.Context, t *Thought) error
	SearchThoughts(ctx context.Context, query string) ([]*Thought, error)
	ListThoughts(ctx context.Context) ([]*Thought, error)
	PromoteThought(ctx context.Context, id string) error

	GetLastActivityTime(ctx context.Context) (int64, error)
}

// WorktreeStatus reports the observed state of a git worktree.
type WorktreeStatus string

const (
	WorktreeActive WorktreeStatus = "active"
	WorktreeStale  WorktreeStatus = "stale"
	WorktreeLocked WorktreeStatus = "locked"
)

// WorktreeInfo describes a managed git worktree.
type WorktreeInfo struct {
	TaskID TaskID
	Path   string
	Branch string
	Status WorktreeStatus
}

// ContainerHealth reports the observed state of a container-backed workspace.
type ContainerHealth struct {
	Healthy bool
	Reason  string
}

// WorkspaceManager creates and reclaims per-task isolated workspaces.
type WorkspaceManager interface {
	CreateWorkspace(ctx context.Context, taskID TaskID, strategy WorkspaceStrategy, containerDefaults *ContainerInfo) (*WorkspaceDescriptor, error)
	CleanupWorkspace(ctx context.Context, taskID TaskID, delay int64) error
	CleanupMergedWorktree(ctx context.Context, taskID TaskID, confirmedMerged bool) (bool, error)
	CleanupOldWorkspaces(ctx context.Context) error
	SupportsContainerWorkspaces() bool
	GetContainerHealth(ctx context.Context, taskID TaskID) (*ContainerHealth, error)
}

// GitClient abstracts the git CLI operations the engine needs for merge
// detection and branch management.
type GitClient interface {
	DefaultBranch(ctx context.Context, repoPath string) (string, error)
	CurrentBranch(ctx context.Context, repoPath string) (string, error)
	HasUncommittedChanges(ctx context.Context, repoPath string) (bool, error)
	CommitAll(ctx context.Context, repoPath, message string) error
	Pull(ctx context.Context, repoPath string) error
	Merge(ctx context.Context, repoPath, branch string, squash bool) (commitHash string, changedFiles []string, err error)
	CreateBranch(ctx context.Context, repoPath, branch string) error
	Checkout(ctx context.Context, repoPath, branch string) error
	IncompleteMergeState(ctx context.Context, repoPath string) (merging, rebasing, cherryPicking bool)
	AbortMerge(ctx context.Context, repoPath string) error
	AbortRebase(ctx context.Context, repoPath string) error
	AbortCherryPick(ctx context.Context, repoPath string) error
}

// CodeHostClient abstracts the external code-host CLI used for merge-state
// lookups on a task's pull request.
type CodeHostClient interface {
	IsPRMerged(ctx context.Context, prURL string) (bool, error)
}

// MergeResult is the return shape of WorkflowEngine.mergeTaskBranch.
type MergeResult struct {
	Success      bool
	CommitHash   string
	ChangedFiles []string
	Error        string
}

// ConversationMessage is one opaque record from the external LLM's message
// stream; the core never interprets contents beyond the fields it needs to
// detect thinking blocks and tool calls.
type ConversationMessage struct {
	Role         string
	Text         string
	ThinkingText string
	ToolCalls    []ToolCall
	InputTokens  int64
	OutputTokens int64
}

// ToolCall is one tool invocation an agent requested mid-stage.
type ToolCall struct {
	Tool  string
	Input map[string]interface{}
}

// AgentRunner is the external collaborator that actually talks to the LLM
// provider; the core treats it as an opaque streaming source.
type AgentRunner interface {
	RunStage(ctx context.Context, spec AgentSpec, prompt string, conversationState []byte) (<-chan ConversationMessage, error)
	DetectSessionLimit(conversationState []byte) SessionLimitStatus
}

// HookDecision is the verdict a hook returns for a tool call.
type HookDecision string

const (
	HookAllow HookDecision = "allow"
	HookDeny  HookDecision = "deny"
	HookWarn  HookDecision = "warn"
)

// HookVerdict is the result of running the hook chain for one tool call.
type HookVerdict struct {
	Decision HookDecision
	Reason   string
}

// HookGateway intercepts tool calls before/after execution.
type HookGateway interface {
	PreToolUse(ctx context.Context, taskID TaskID, call ToolCall) HookVerdict
	PostToolUse(ctx context.Context, taskID TaskID, call ToolCall, result string) HookVerdict
	RegisterHook(rule CustomHookRule) error
}

// CustomHookRule is a user-registered hook rule.
type CustomHookRule struct {
	Tool    string
	Action  HookDecision
	Pattern string
	Message string
}
