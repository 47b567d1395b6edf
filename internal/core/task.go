package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskID uniquely identifies a task.
type TaskID string

// TaskStatus is the task's position in its lifecycle.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in-progress"
	TaskPaused     TaskStatus = "paused"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Priority orders tasks ahead of effort and creation time.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// priorityRank returns the sort rank for p; unknown values sort after all
// valid ones, per the queue-ordering invariant.
func priorityRank(p Priority) int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal, "":
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Effort estimates the relative size of a task.
type Effort string

const (
	EffortXS     Effort = "xs"
	EffortSmall  Effort = "small"
	EffortMedium Effort = "medium"
	EffortLarge  Effort = "large"
	EffortXL     Effort = "xl"
)

func effortRank(e Effort) int {
	switch e {
	case EffortXS:
		return 0
	case EffortSmall:
		return 1
	case EffortMedium, "":
		return 2
	case EffortLarge:
		return 3
	case EffortXL:
		return 4
	default:
		return 5
	}
}

// Autonomy controls how much agent initiative a task is granted.
type Autonomy string

const (
	AutonomyLow    Autonomy = "low"
	AutonomyMedium Autonomy = "medium"
	AutonomyHigh   Autonomy = "high"
)

// PauseReason records why a task was paused.
type PauseReason string

const (
	PauseSessionLimit PauseReason = "session_limit"
	PauseUsageLimit   PauseReason = "usage_limit"
	PauseBudget       PauseReason = "budget"
	PauseCapacity     PauseReason = "capacity"
	PauseManual       PauseReason = "manual"
	PauseDependency   PauseReason = "dependency"
)

// Usage captures accumulated token and cost figures for a task.
type Usage struct {
	InputTokens    int64   `json:"inputTokens"`
	OutputTokens   int64   `json:"outputTokens"`
	TotalTokens    int64   `json:"totalTokens"`
	EstimatedCost  float64 `json:"estimatedCost"`
}

// Add accumulates delta usage.
func (u *Usage) Add(inputTokens, outputTokens int64, cost float64) {
	u.InputTokens += inputTokens
	u.OutputTokens += outputTokens
	u.TotalTokens += inputTokens + outputTokens
	u.EstimatedCost += cost
}

// WorkspaceStrategy selects how a task's working directory is isolated.
type WorkspaceStrategy string

const (
	WorkspaceNone      WorkspaceStrategy = "none"
	WorkspaceWorktree  WorkspaceStrategy = "worktree"
	WorkspaceContainer WorkspaceStrategy = "container"
	WorkspaceDirectory WorkspaceStrategy = "directory"
)

// WorkspaceDescriptor records how and where a task's workspace was created.
type WorkspaceDescriptor struct {
	Strategy  WorkspaceStrategy `json:"strategy"`
	Path      string            `json:"path,omitempty"`
	Cleanup   bool              `json:"cleanup"`
	Container *ContainerInfo    `json:"container,omitempty"`
}

// ContainerInfo describes a container-backed workspace.
type ContainerInfo struct {
	ID          string            `json:"id"`
	Image       string            `json:"image"`
	Environment map[string]string `json:"environment,omitempty"`
	NetworkMode string            `json:"networkMode,omitempty"`
	AutoRemove  bool              `json:"autoRemove"`
}

// LogLevel is the severity of a task log entry.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is one append-only record in a task's log sequence.
type LogEntry struct {
	Level     LogLevel               `json:"level"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Artifact references a file produced by a task's execution.
type Artifact struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

// Checkpoint is a resumable snapshot of a task's workflow progress.
type Checkpoint struct {
	ID               string                 `json:"id"`
	Stage            string                 `json:"stage"`
	StageIndex       int                    `json:"stageIndex"`
	ConversationState json.RawMessage       `json:"conversationState"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
}

// Task is the durable unit of work the orchestrator drives to completion.
type Task struct {
	ID                 TaskID
	Description         string
	AcceptanceCriteria  string
	Workflow            string
	Autonomy            Autonomy
	Status              TaskStatus
	Priority            Priority
	Effort              Effort
	ProjectPath         string
	BranchName          string
	ParentTaskID        TaskID
	SubtaskIDs          map[TaskID]struct{}
	DependsOn           map[TaskID]struct{}
	BlockedBy           map[TaskID]struct{}
	RetryCount          int
	MaxRetries          int
	ResumeAttempts      int
	MaxResumeAttempts   int
	PauseReason         PauseReason
	PausedAt            *time.Time
	ResumeAfter         *time.Time
	Usage               Usage
	Workspace           *WorkspaceDescriptor
	PRUrl               string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	CompletedAt         *time.Time
	ArchivedAt          *time.Time
	TrashedAt           *time.Time
	Logs                []LogEntry
	Artifacts           []Artifact
	Checkpoints         []Checkpoint
	LastError           string
}

// NewTask constructs a pending task with defaults applied: undefined
// priority normalizes to normal, undefined effort to medium.
func NewTask(id TaskID, description, workflow, projectPath string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          id,
		Description: description,
		Workflow:    workflow,
		Autonomy:    AutonomyMedium,
		Status:      TaskPending,
		Priority:    PriorityNormal,
		Effort:      EffortMedium,
		ProjectPath: projectPath,
		SubtaskIDs:  make(map[TaskID]struct{}),
		DependsOn:   make(map[TaskID]struct{}),
		BlockedBy:   make(map[TaskID]struct{}),
		MaxRetries:  3,
		MaxResumeAttempts: 3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// WithPriority sets the task's priority.
func (t *Task) WithPriority(p Priority) *Task {
	t.Priority = p
	return t
}

// WithEffort sets the task's effort estimate.
func (t *Task) WithEffort(e Effort) *Task {
	t.Effort = e
	return t
}

// WithMaxResumeAttempts overrides the default resume-attempt ceiling.
func (t *Task) WithMaxResumeAttempts(n int) *Task {
	t.MaxResumeAttempts = n
	return t
}

// AddDependency records a dependency task id.
func (t *Task) AddDependency(id TaskID) {
	t.DependsOn[id] = struct{}{}
}

// PriorityRank returns the sort rank for queue ordering, normalizing
// undefined/unknown values.
func (t *Task) PriorityRank() int {
	return priorityRank(t.Priority)
}

// EffortRank returns the sort rank for queue ordering.
func (t *Task) EffortRank() int {
	return effortRank(t.Effort)
}

// LessForQueue reports whether t sorts ahead of other in getNextQueuedTask /
// getPendingTasks / getReadyTasks ordering: priority, then effort, then
// createdAt ascending.
func (t *Task) LessForQueue(other *Task) bool {
	if pr, po := t.PriorityRank(), other.PriorityRank(); pr != po {
		return pr < po
	}
	if er, eo := t.EffortRank(), other.EffortRank(); er != eo {
		return er < eo
	}
	return t.CreatedAt.Before(other.CreatedAt)
}

// IsReady reports whether every dependency of t is completed, given a lookup
// function over known task statuses.
func (t *Task) IsReady(statusOf func(TaskID) (TaskStatus, bool)) bool {
	for dep := range t.DependsOn {
		st, ok := statusOf(dep)
		if !ok || st != TaskCompleted {
			return false
		}
	}
	return true
}

// validTransitions enumerates the legal status graph.
var validTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskPending: {
		TaskInProgress: true,
		TaskCancelled:  true,
	},
	TaskInProgress: {
		TaskCompleted: true,
		TaskFailed:    true,
		TaskCancelled: true,
		TaskPaused:    true,
		TaskPending:   true,
	},
	TaskPaused: {
		TaskInProgress: true,
		TaskCancelled:  true,
		TaskFailed:     true,
	},
}

// CanTransition reports whether moving from t.Status to next is legal.
func (t *Task) CanTransition(next TaskStatus) bool {
	allowed, ok := validTransitions[t.Status]
	if !ok {
		return false
	}
	return allowed[next]
}

// transition moves the task to next, touching UpdatedAt, or returns an
// IllegalState DomainError.
func (t *Task) transition(next TaskStatus) *DomainError {
	if !t.CanTransition(next) {
		return ErrIllegalState(CodeIllegalTransition,
			fmt.Sprintf("illegal task transition %s -> %s", t.Status, next))
	}
	t.Status = next
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkStarted transitions pending -> in-progress.
func (t *Task) MarkStarted() *DomainError {
	return t.transition(TaskInProgress)
}

// MarkCompleted transitions in-progress -> completed, resetting resumeAttempts
// to 0 per the counter-reset invariant. Refuses while any subtask is
// non-terminal.
func (t *Task) MarkCompleted(subtaskNonTerminal func() bool) *DomainError {
	if subtaskNonTerminal != nil && subtaskNonTerminal() {
		return ErrIllegalState(CodeIllegalTransition,
			"cannot complete a parent task while subtasks are non-terminal")
	}
	if err := t.transition(TaskCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	t.CompletedAt = &now
	t.ResumeAttempts = 0
	t.PauseReason = ""
	return nil
}

// MarkFailed transitions in-progress -> failed, recording the cause.
func (t *Task) MarkFailed(reason string) *DomainError {
	if err := t.transition(TaskFailed); err != nil {
		return err
	}
	t.LastError = reason
	return nil
}

// MarkCancelled transitions pending/in-progress/paused -> cancelled.
func (t *Task) MarkCancelled() *DomainError {
	return t.transition(TaskCancelled)
}

// ResetForRecovery transitions in-progress -> pending after a crash, for a
// task whose prior run never reached a terminal status.
func (t *Task) ResetForRecovery() *DomainError {
	return t.transition(TaskPending)
}

// Pause transitions in-progress -> paused, recording the reason and timestamp.
func (t *Task) Pause(reason PauseReason) *DomainError {
	if err := t.transition(TaskPaused); err != nil {
		return err
	}
	t.PauseReason = reason
	now := time.Now().UTC()
	t.PausedAt = &now
	return nil
}

// Resume attempts paused -> in-progress, enforcing the resumeAttempts
// ceiling: the transition that would exceed maxResumeAttempts instead
// fails the task.
func (t *Task) Resume() *DomainError {
	if t.Status != TaskPaused {
		return ErrIllegalState(CodeIllegalTransition,
			fmt.Sprintf("cannot resume task in status %s", t.Status))
	}
	if t.ResumeAttempts >= t.MaxResumeAttempts {
		_ = t.transition(TaskFailed)
		t.LastError = ErrMaxResumeAttempts(string(t.ID), t.ResumeAttempts, t.MaxResumeAttempts).Message
		return ErrMaxResumeAttempts(string(t.ID), t.ResumeAttempts, t.MaxResumeAttempts)
	}
	t.ResumeAttempts++
	if err := t.transition(TaskInProgress); err != nil {
		return err
	}
	t.PauseReason = ""
	t.PausedAt = nil
	return nil
}

// IsTerminal reports whether the task's status ends execution (completed,
// failed, cancelled all are terminal for execution — they still allow
// archive/trash).
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// CanArchive reports whether the task is eligible for archiveTask (completed
// only).
func (t *Task) CanArchive() bool {
	return t.Status == TaskCompleted
}

// AppendLog appends a log entry, preserving append order (logs are totally
// ordered within a task).
func (t *Task) AppendLog(level LogLevel, message string, metadata map[string]interface{}) {
	t.Logs = append(t.Logs, LogEntry{
		Level:     level,
		Message:   message,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	})
}

// Duration returns wall-clock time spent, zero if not yet completed.
func (t *Task) Duration() time.Duration {
	if t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(t.CreatedAt)
}

// Validate checks structural invariants beyond the status graph.
func (t *Task) Validate() *DomainError {
	if t.ID == "" {
		return ErrConfiguration(CodeTaskNotFound, "task id must not be empty")
	}
	if t.ProjectPath == "" {
		return ErrConfiguration("MISSING_PROJECT_PATH", "task projectPath must not be empty")
	}
	if t.ResumeAttempts > t.MaxResumeAttempts {
		return ErrInvariant("RESUME_ATTEMPTS_EXCEEDED",
			fmt.Sprintf("resumeAttempts %d exceeds maxResumeAttempts %d", t.ResumeAttempts, t.MaxResumeAttempts))
	}
	return nil
}
