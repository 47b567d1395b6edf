// Package orchestrator is the façade the Runner drives: it owns task
// creation, delegates execution to the WorkflowEngine, and is the single
// point that touches the wake file and publishes the event bus. Per the
// capability-interface split, the Orchestrator never reaches back into the
// Runner — it exposes {createTask, executeTask, getTask, emit} plus thin
// resume, cancel, merge, subscribe and store-access pass-throughs, mirroring the ControlPlane/EventBus ownership split the teacher
// keeps between its control plane and heartbeat manager.
package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/apex-daemon/apexd/internal/core"
	"github.com/apex-daemon/apexd/internal/logging"
	"github.com/apex-daemon/apexd/internal/process"
)

// Engine is the subset of workflow.Engine the Orchestrator drives; declared
// locally so this package depends on a capability, not the workflow
// package's full surface.
type Engine interface {
	ExecuteTask(ctx context.Context, taskID core.TaskID) error
	ResumeTask(ctx context.Context, taskID core.TaskID, checkpointID string) error
	MergeTaskBranch(ctx context.Context, taskID core.TaskID, squash bool) (*core.MergeResult, error)
}

// CreateTaskParams is the input to CreateTask.
type CreateTaskParams struct {
	Description string
	Workflow    string
	Priority    core.Priority
	Effort      core.Effort
	ParentID    core.TaskID
	MaxResume   int
}

// Orchestrator is the façade: Store + Engine + Bus, wired to the filesystem
// wake signal the Runner polls on.
type Orchestrator struct {
	projectPath string
	store       core.Store
	engine      Engine
	bus         *core.Bus
	logger      *logging.Logger
}

// New constructs an Orchestrator.
func New(projectPath string, store core.Store, engine Engine, bus *core.Bus, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	if bus == nil {
		bus = core.NewBus()
	}
	return &Orchestrator{projectPath: projectPath, store: store, engine: engine, bus: bus, logger: logger}
}

// CreateTask persists a new task, emits task:created, and touches the wake
// file so an idle Runner's fsnotify watch wakes immediately rather than
// waiting for the next poll tick.
func (o *Orchestrator) CreateTask(ctx context.Context, p CreateTaskParams) (*core.Task, error) {
	if err := validateWorkflowName(p.Workflow); err != nil {
		return nil, err
	}

	id := core.TaskID(uuid.NewString())
	task := core.NewTask(id, p.Description, p.Workflow, o.projectPath)
	if p.Priority != "" {
		task.WithPriority(p.Priority)
	}
	if p.Effort != "" {
		task.WithEffort(p.Effort)
	}
	if p.MaxResume > 0 {
		task.WithMaxResumeAttempts(p.MaxResume)
	}
	if p.ParentID != "" {
		task.ParentTaskID = p.ParentID
	}

	if err := o.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	if err := process.TouchWakeFile(o.projectPath); err != nil {
		o.logger.Warn("failed to touch wake file", "error", err)
	}

	o.emit(core.EventTaskCreated, task.ID, nil)
	return task, nil
}

// ExecuteTask moves a pending task to in-progress and delegates to the
// WorkflowEngine. The Runner calls this once a task is admissible; the
// Orchestrator itself makes no admission decision.
func (o *Orchestrator) ExecuteTask(ctx context.Context, taskID core.TaskID) error {
	if err := o.store.UpdateTask(ctx, taskID, func(t *core.Task) error {
		if t.Status != core.TaskPending {
			return nil
		}
		if domErr := t.MarkStarted(); domErr != nil {
			return domErr
		}
		return nil
	}); err != nil {
		return err
	}
	return o.engine.ExecuteTask(ctx, taskID)
}

// ResumeTask delegates to the WorkflowEngine's resume path, used by the
// Runner's auto-resume scan.
func (o *Orchestrator) ResumeTask(ctx context.Context, taskID core.TaskID, checkpointID string) error {
	return o.engine.ResumeTask(ctx, taskID, checkpointID)
}

// GetTask reads a task by id.
func (o *Orchestrator) GetTask(ctx context.Context, taskID core.TaskID) (*core.Task, error) {
	return o.store.GetTask(ctx, taskID)
}

// CancelTask transitions a task to cancelled. Cooperative cancellation of
// any in-flight activity is the Runner's job (context propagation); the
// Orchestrator only records the decision.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID core.TaskID) error {
	if err := o.store.UpdateTask(ctx, taskID, func(t *core.Task) error {
		if domErr := t.MarkCancelled(); domErr != nil {
			return domErr
		}
		return nil
	}); err != nil {
		return err
	}
	o.emit(core.EventTaskFailed, taskID, map[string]interface{}{"reason": "cancelled"})
	return nil
}

// MergeTaskBranch delegates to the WorkflowEngine.
func (o *Orchestrator) MergeTaskBranch(ctx context.Context, taskID core.TaskID, squash bool) (*core.MergeResult, error) {
	return o.engine.MergeTaskBranch(ctx, taskID, squash)
}

// Emit publishes an event on the façade's bus. Exposed so the Runner can
// report daemon:paused/daemon:resumed, which originate in the scheduler
// rather than in a task lifecycle transition.
func (o *Orchestrator) Emit(kind core.EventKind, taskID core.TaskID, data map[string]interface{}) {
	o.emit(kind, taskID, data)
}

func (o *Orchestrator) emit(kind core.EventKind, taskID core.TaskID, data map[string]interface{}) {
	o.bus.Publish(core.Event{Kind: kind, TaskID: taskID, Data: data})
}

// Subscribe exposes the event bus to external collaborators (the HTTP SSE
// handler, or a direct Go-channel subscriber).
func (o *Orchestrator) Subscribe(buffer int) (<-chan core.Event, func()) {
	return o.bus.Subscribe(buffer)
}

// Store exposes the underlying Store for callers (the Runner's poll loop)
// that need query operations beyond the four façade verbs — admission and
// scheduling are the Runner's concern, not the Orchestrator's.
func (o *Orchestrator) Store() core.Store {
	return o.store
}

func validateWorkflowName(name string) error {
	if name == "" {
		return core.ErrConfiguration("WORKFLOW_NAME_REQUIRED", "task requires a workflow name")
	}
	return nil
}
