// Package workflow executes a task's stage DAG against an external agent
// runner, handling session-limit checkpointing, budget enforcement, hook
// interception, crash recovery, and resume.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/apex-daemon/apexd/internal/config"
	"github.com/apex-daemon/apexd/internal/core"
	"github.com/apex-daemon/apexd/internal/logging"
	"github.com/apex-daemon/apexd/internal/usage"
)

// Engine is the WorkflowEngine: it drives one task's stage graph to
// completion, pause, or failure.
type Engine struct {
	store      core.Store
	runner     core.AgentRunner
	hooks      core.HookGateway
	accounter  *usage.Accounter
	workspaces core.WorkspaceManager
	git        core.GitClient
	codehost   core.CodeHostClient
	bus        *core.Bus
	logger     *logging.Logger
	loader     *Loader
	prompts    *PromptBuilder
	cfg        config.WorkflowConfig
}

// New constructs an Engine from its collaborators.
func New(
	store core.Store,
	runner core.AgentRunner,
	hooks core.HookGateway,
	accounter *usage.Accounter,
	workspaces core.WorkspaceManager,
	git core.GitClient,
	codehost core.CodeHostClient,
	bus *core.Bus,
	logger *logging.Logger,
	cfg config.WorkflowConfig,
) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{
		store:      store,
		runner:     runner,
		hooks:      hooks,
		accounter:  accounter,
		workspaces: workspaces,
		git:        git,
		codehost:   codehost,
		bus:        bus,
		logger:     logger,
		loader:     NewLoader(cfg.WorkflowsDir),
		prompts:    NewPromptBuilder(cfg.PromptTemplate),
		cfg:        cfg,
	}
}

func (e *Engine) publish(kind core.EventKind, taskID core.TaskID, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(core.Event{Kind: kind, TaskID: taskID, Data: data})
}

// ExecuteTask drives task id's stage graph to completion, pause, or failure.
// The task must already be in-progress (Orchestrator.ExecuteTask and
// ResumeTask make that transition); no workspace is created here.
func (e *Engine) ExecuteTask(ctx context.Context, taskID core.TaskID) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	graph, err := e.loader.Load(task.Workflow)
	if err != nil {
		return e.failTask(ctx, taskID, err)
	}

	completed := make(map[string]bool, len(graph.Order))
	resumeStates := make(map[string][]byte)
	if len(task.Checkpoints) > 0 {
		last := task.Checkpoints[len(task.Checkpoints)-1]
		for i, s := range graph.Order {
			if i < last.StageIndex {
				completed[s.Name] = true
			}
		}
		if last.StageIndex >= 0 && last.StageIndex < len(graph.Order) {
			resumeStates[graph.Order[last.StageIndex].Name] = last.ConversationState
		}
	}

	limit := e.cfg.MaxConcurrentStagesPerTask
	if limit <= 0 {
		limit = 1
	}

	remaining := append([]core.Stage(nil), graph.Order...)
	for len(remaining) > 0 {
		var wave, rest []core.Stage
		for _, s := range remaining {
			if completed[s.Name] {
				continue
			}
			ready := true
			for _, dep := range s.Dependencies {
				if !completed[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, s)
			} else {
				rest = append(rest, s)
			}
		}
		if len(wave) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for _, s := range wave {
			s := s
			idx, _ := graph.IndexOf(s.Name)
			cs := resumeStates[s.Name]
			g.Go(func() error {
				return e.runStage(gctx, taskID, s, idx, cs)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		for _, s := range wave {
			completed[s.Name] = true
		}
		remaining = rest
	}

	nonTerminal := e.anySubtaskNonTerminal(ctx, task)
	return e.store.UpdateTask(ctx, taskID, func(t *core.Task) error {
		if domErr := t.MarkCompleted(func() bool { return nonTerminal }); domErr != nil {
			return domErr
		}
		return nil
	})
}

// anySubtaskNonTerminal checks whether any of task's subtasks has not yet
// reached a terminal status; Task itself has no Store access, so the
// engine resolves this before calling MarkCompleted.
func (e *Engine) anySubtaskNonTerminal(ctx context.Context, task *core.Task) bool {
	for id := range task.SubtaskIDs {
		sub, err := e.store.GetTask(ctx, id)
		if err != nil {
			continue
		}
		if !sub.IsTerminal() {
			return true
		}
	}
	return false
}

// runStage executes a single stage: session-limit pre-check, agent
// invocation with hook interception, usage accounting, and budget
// enforcement.
func (e *Engine) runStage(ctx context.Context, taskID core.TaskID, stage core.Stage, stageIndex int, conversationState []byte) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	status := e.runner.DetectSessionLimit(conversationState)
	if status.NearLimit && (status.Recommendation == core.RecommendCheckpoint || status.Recommendation == core.RecommendHandoff) {
		return e.pauseForSessionLimit(ctx, taskID, task.Workflow, stage, stageIndex, conversationState, status)
	}

	spec := core.AgentSpec{Name: stage.Agent}
	prompt := e.prompts.Build(task.Description, task.AcceptanceCriteria, stage.Name)

	msgs, err := e.runner.RunStage(ctx, spec, prompt, conversationState)
	if err != nil {
		return e.failTask(ctx, taskID, core.ErrExternalProvider("AGENT_RUN_FAILED", err.Error()).WithCause(err))
	}

	e.publish(core.EventTaskStageChanged, taskID, map[string]interface{}{"stage": stage.Name})

	usageSnapshot := e.accounter.GetCurrentUsage()
	maxCost := usageSnapshot.Thresholds.MaxCostPerTask

	for msg := range msgs {
		if text := truncate(msg.ThinkingText, 4000); text != "" {
			e.publish(core.EventAgentThinking, taskID, map[string]interface{}{"agent": stage.Agent, "text": text})
			_ = e.store.AddLog(ctx, taskID, core.LogEntry{
				Level:   core.LogDebug,
				Message: "thinking: " + truncate(text, 200),
			})
		}

		for _, call := range msg.ToolCalls {
			verdict := e.hooks.PreToolUse(ctx, taskID, call)
			e.publish(core.EventAgentToolUse, taskID, map[string]interface{}{"agent": stage.Agent, "tool": call.Tool})
			if verdict.Decision == core.HookDeny {
				_ = e.store.AddLog(ctx, taskID, core.LogEntry{
					Level:   core.LogWarn,
					Message: fmt.Sprintf("tool call %q denied: %s", call.Tool, verdict.Reason),
				})
			}
		}

		if msg.InputTokens > 0 || msg.OutputTokens > 0 {
			cost := e.accounter.CostForTokens(spec.Model, msg.InputTokens, msg.OutputTokens)
			current := e.accounter.RecordDelta(taskID, msg.InputTokens, msg.OutputTokens, cost)
			e.publish(core.EventUsageUpdated, taskID, map[string]interface{}{"totalTokens": current.TotalTokens, "estimatedCost": current.EstimatedCost})

			if maxCost > 0 && current.EstimatedCost > maxCost {
				return e.handleBudgetExceeded(ctx, taskID, task.ParentTaskID, stage, stageIndex, conversationState)
			}
		}
	}

	return nil
}

func (e *Engine) pauseForSessionLimit(ctx context.Context, taskID core.TaskID, workflowName string, stage core.Stage, stageIndex int, conversationState []byte, status core.SessionLimitStatus) error {
	ckpt := core.Checkpoint{
		ID:                uuid.NewString(),
		Stage:             stage.Name,
		StageIndex:        stageIndex,
		ConversationState: conversationState,
		Metadata: map[string]interface{}{
			"pauseReason":        string(core.PauseSessionLimit),
			"resumePoint":        "stage_start",
			"utilization":        status.Utilization,
			"sessionLimitStatus": status,
			"completedStages":    e.completedStageNames(workflowName, stageIndex),
		},
		CreatedAt: time.Now().UTC(),
	}
	if _, err := e.store.SaveCheckpoint(ctx, taskID, ckpt); err != nil {
		e.logger.Warn("failed to save session-limit checkpoint", "task_id", taskID, "error", err)
	}

	if err := e.store.UpdateTask(ctx, taskID, func(t *core.Task) error {
		return asError(t.Pause(core.PauseSessionLimit))
	}); err != nil {
		e.logger.Warn("failed to persist session-limit pause", "task_id", taskID, "error", err)
	}
	e.publish(core.EventTaskPaused, taskID, map[string]interface{}{"reason": string(core.PauseSessionLimit)})

	return core.ErrSessionLimit(fmt.Sprintf("session limit reached at stage %s", stage.Name))
}

// completedStageNames returns the names of every stage at an index below
// stageIndex in workflowName's graph, so a checkpoint's Metadata records
// which stages already finished when the pause happened. Returns nil
// rather than erroring if the workflow definition can no longer be loaded,
// since the checkpoint itself must still be written.
func (e *Engine) completedStageNames(workflowName string, stageIndex int) []string {
	graph, err := e.loader.Load(workflowName)
	if err != nil {
		return nil
	}
	var names []string
	for i, s := range graph.Order {
		if i < stageIndex {
			names = append(names, s.Name)
		}
	}
	return names
}

func (e *Engine) handleBudgetExceeded(ctx context.Context, taskID core.TaskID, parentID core.TaskID, stage core.Stage, stageIndex int, conversationState []byte) error {
	ckpt := core.Checkpoint{
		ID:                uuid.NewString(),
		Stage:             stage.Name,
		StageIndex:        stageIndex,
		ConversationState: conversationState,
		Metadata:          map[string]interface{}{"pauseReason": string(core.PauseBudget)},
		CreatedAt:         time.Now().UTC(),
	}
	if _, err := e.store.SaveCheckpoint(ctx, taskID, ckpt); err != nil {
		e.logger.Warn("failed to save budget checkpoint", "task_id", taskID, "error", err)
	}

	if parentID != "" {
		if err := e.store.UpdateTask(ctx, taskID, func(t *core.Task) error {
			return asError(t.Pause(core.PauseBudget))
		}); err != nil {
			return err
		}
		e.publish(core.EventTaskPaused, taskID, map[string]interface{}{"reason": string(core.PauseBudget)})
		return core.ErrBudgetExceeded("TASK_BUDGET_EXCEEDED", "subtask paused: cost budget exceeded")
	}

	return e.failTask(ctx, taskID, core.ErrBudgetExceeded("TASK_BUDGET_EXCEEDED", "task cost budget exceeded"))
}

func (e *Engine) failTask(ctx context.Context, taskID core.TaskID, cause error) error {
	_ = e.store.UpdateTaskStatus(ctx, taskID, core.TaskFailed, cause.Error())
	e.publish(core.EventTaskFailed, taskID, map[string]interface{}{"error": cause.Error()})
	return cause
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// asError converts a *core.DomainError result to the error interface,
// preserving nil instead of letting a nil *DomainError become a non-nil
// error value.
func asError(domErr *core.DomainError) error {
	if domErr == nil {
		return nil
	}
	return domErr
}
