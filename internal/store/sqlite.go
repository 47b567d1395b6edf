// Package store provides a SQLite-backed implementation of core.Store.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/apex-daemon/apexd/internal/core"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

//go:embed migrations/002_task_artifacts.sql
var migrationV2 string

// SQLiteStore implements core.Store over a single SQLite file, with a
// dedicated single-connection writer and a multi-connection reader pool so
// that reads never block behind a pending write transaction.
type SQLiteStore struct {
	dbPath string
	db     *sql.DB // write connection, max one open conn
	readDB *sql.DB // read-only connection pool

	mu sync.RWMutex

	maxRetries    int
	baseRetryWait time.Duration
}

// Option configures a SQLiteStore before Initialize opens it.
type Option func(*SQLiteStore)

// WithRetryPolicy overrides the SQLITE_BUSY retry budget.
func WithRetryPolicy(maxRetries int, baseWait time.Duration) Option {
	return func(s *SQLiteStore) {
		s.maxRetries = maxRetries
		s.baseRetryWait = baseWait
	}
}

// New constructs a SQLiteStore for the database file at dbPath. Call
// Initialize before use.
func New(dbPath string, opts ...Option) *SQLiteStore {
	s := &SQLiteStore{
		dbPath:        dbPath,
		maxRetries:    5,
		baseRetryWait: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize opens the write and read connections, and runs migrations.
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("opening write database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	s.db = db

	readDB, err := sql.Open("sqlite", s.dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&mode=ro&_pragma=busy_timeout(1000)")
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("opening read database: %w", err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	s.readDB = readDB

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		_ = readDB.Close()
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// Close closes both connections.
func (s *SQLiteStore) Close() error {
	var errs []error
	if s.readDB != nil {
		if err := s.readDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		version = 0
	}

	if version < 1 {
		if _, err := s.db.ExecContext(ctx, migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (1)"); err != nil {
			return fmt.Errorf("recording migration v1: %w", err)
		}
	}
	if version < 2 {
		if _, err := s.db.ExecContext(ctx, migrationV2); err != nil {
			return fmt.Errorf("applying migration v2: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (2)"); err != nil {
			return fmt.Errorf("recording migration v2: %w", err)
		}
	}
	return nil
}

// isSQLiteBusy reports whether err indicates lock contention worth retrying.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

func (s *SQLiteStore) retryWrite(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := fn(); err != nil {
			if isSQLiteBusy(err) {
				lastErr = err
				if attempt < s.maxRetries {
					wait := s.baseRetryWait * time.Duration(1<<attempt)
					select {
					case <-ctx.Done():
						return fmt.Errorf("%s: %w (last error: %v)", op, ctx.Err(), lastErr)
					case <-time.After(wait):
						continue
					}
				}
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("%s: max retries exceeded: %w", op, lastErr)
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func marshalIDSet(set map[core.TaskID]struct{}) (string, error) {
	if len(set) == 0 {
		return "", nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, string(id))
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalIDSet(raw sql.NullString) (map[core.TaskID]struct{}, error) {
	set := make(map[core.TaskID]struct{})
	if !raw.Valid || raw.String == "" {
		return set, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw.String), &ids); err != nil {
		return nil, err
	}
	for _, id := range ids {
		set[core.TaskID(id)] = struct{}{}
	}
	return set, nil
}

// CreateTask inserts a new task row. Returns an ErrDuplicate DomainError if
// the id already exists.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.retryWrite(ctx, "create_task", func() error {
		err := s.insertTask(ctx, s.db, task)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return core.ErrDuplicate("task", string(task.ID))
			}
			return err
		}
		return s.touchActivity(ctx, s.db)
	})
}

func (s *SQLiteStore) insertTask(ctx context.Context, ex execer, t *core.Task) error {
	dependsOn, err := marshalIDSet(t.DependsOn)
	if err != nil {
		return fmt.Errorf("marshaling dependsOn: %w", err)
	}
	blockedBy, err := marshalIDSet(t.BlockedBy)
	if err != nil {
		return fmt.Errorf("marshaling blockedBy: %w", err)
	}
	var workspaceJSON []byte
	if t.Workspace != nil {
		workspaceJSON, err = json.Marshal(t.Workspace)
		if err != nil {
			return fmt.Errorf("marshaling workspace: %w", err)
		}
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO tasks (
			id, description, acceptance_criteria, workflow, autonomy, status, priority, effort,
			project_path, branch_name, parent_task_id, depends_on, blocked_by,
			retry_count, max_retries, resume_attempts, max_resume_attempts,
			pause_reason, paused_at, resume_after,
			input_tokens, output_tokens, total_tokens, estimated_cost,
			workspace, pr_url, created_at, updated_at, completed_at, archived_at, trashed_at, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(t.ID), t.Description, nullableString(t.AcceptanceCriteria), t.Workflow, string(t.Autonomy),
		string(t.Status), string(t.Priority), string(t.Effort),
		t.ProjectPath, nullableString(t.BranchName), nullableString(string(t.ParentTaskID)),
		nullableString(dependsOn), nullableString(blockedBy),
		t.RetryCount, t.MaxRetries, t.ResumeAttempts, t.MaxResumeAttempts,
		nullableString(string(t.PauseReason)), nullableTime(t.PausedAt), nullableTime(t.ResumeAfter),
		t.Usage.InputTokens, t.Usage.OutputTokens, t.Usage.TotalTokens, t.Usage.EstimatedCost,
		nullableString(string(workspaceJSON)), nullableString(t.PRUrl),
		t.CreatedAt, t.UpdatedAt, nullableTime(t.CompletedAt), nullableTime(t.ArchivedAt), nullableTime(t.TrashedAt),
		nullableString(t.LastError),
	)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const taskColumns = `
	id, description, acceptance_criteria, workflow, autonomy, status, priority, effort,
	project_path, branch_name, parent_task_id, depends_on, blocked_by,
	retry_count, max_retries, resume_attempts, max_resume_attempts,
	pause_reason, paused_at, resume_after,
	input_tokens, output_tokens, total_tokens, estimated_cost,
	workspace, pr_url, created_at, updated_at, completed_at, archived_at, trashed_at, last_error
`

func scanTask(row rowScanner) (*core.Task, error) {
	var t core.Task
	var acceptanceCriteria, branchName, parentTaskID, dependsOn, blockedBy sql.NullString
	var pauseReason, workspaceJSON, prURL, lastError sql.NullString
	var pausedAt, resumeAfter, completedAt, archivedAt, trashedAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.Description, &acceptanceCriteria, &t.Workflow, &t.Autonomy, &t.Status, &t.Priority, &t.Effort,
		&t.ProjectPath, &branchName, &parentTaskID, &dependsOn, &blockedBy,
		&t.RetryCount, &t.MaxRetries, &t.ResumeAttempts, &t.MaxResumeAttempts,
		&pauseReason, &pausedAt, &resumeAfter,
		&t.Usage.InputTokens, &t.Usage.OutputTokens, &t.Usage.TotalTokens, &t.Usage.EstimatedCost,
		&workspaceJSON, &prURL, &t.CreatedAt, &t.UpdatedAt, &completedAt, &archivedAt, &trashedAt, &lastError,
	)
	if err != nil {
		return nil, err
	}

	if acceptanceCriteria.Valid {
		t.AcceptanceCriteria = acceptanceCriteria.String
	}
	if branchName.Valid {
		t.BranchName = branchName.String
	}
	if parentTaskID.Valid {
		t.ParentTaskID = core.TaskID(parentTaskID.String)
	}
	if pauseReason.Valid {
		t.PauseReason = core.PauseReason(pauseReason.String)
	}
	if pausedAt.Valid {
		pt := pausedAt.Time
		t.PausedAt = &pt
	}
	if resumeAfter.Valid {
		rt := resumeAfter.Time
		t.ResumeAfter = &rt
	}
	if completedAt.Valid {
		ct := completedAt.Time
		t.CompletedAt = &ct
	}
	if archivedAt.Valid {
		at := archivedAt.Time
		t.ArchivedAt = &at
	}
	if trashedAt.Valid {
		tt := trashedAt.Time
		t.TrashedAt = &tt
	}
	if prURL.Valid {
		t.PRUrl = prURL.String
	}
	if lastError.Valid {
		t.LastError = lastError.String
	}

	dependsSet, err := unmarshalIDSet(dependsOn)
	if err != nil {
		return nil, fmt.Errorf("unmarshaling dependsOn: %w", err)
	}
	t.DependsOn = dependsSet

	blockedSet, err := unmarshalIDSet(blockedBy)
	if err != nil {
		return nil, fmt.Errorf("unmarshaling blockedBy: %w", err)
	}
	t.BlockedBy = blockedSet

	t.SubtaskIDs = make(map[core.TaskID]struct{})

	if workspaceJSON.Valid && workspaceJSON.String != "" {
		var ws core.WorkspaceDescriptor
		if err := json.Unmarshal([]byte(workspaceJSON.String), &ws); err != nil {
			return nil, fmt.Errorf("unmarshaling workspace: %w", err)
		}
		t.Workspace = &ws
	}

	return &t, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// GetTask loads a single task by id, including its logs, checkpoints,
// artifacts, and subtask id set.
func (s *SQLiteStore) GetTask(ctx context.Context, id core.TaskID) (*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTask(ctx, s.readDB, id)
}

func (s *SQLiteStore) getTask(ctx context.Context, q querier, id core.TaskID) (*core.Task, error) {
	row := q.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", string(id))
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound("task", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("loading task: %w", err)
	}

	if err := s.fillSubtasks(ctx, q, t); err != nil {
		return nil, err
	}
	logs, err := s.getLogs(ctx, q, id)
	if err != nil {
		return nil, err
	}
	t.Logs = logs
	ckpts, err := s.listCheckpoints(ctx, q, id)
	if err != nil {
		return nil, err
	}
	t.Checkpoints = ckpts
	artifacts, err := s.getArtifacts(ctx, q, id)
	if err != nil {
		return nil, err
	}
	t.Artifacts = artifacts

	return t, nil
}

func (s *SQLiteStore) fillSubtasks(ctx context.Context, q querier, t *core.Task) error {
	rows, err := q.QueryContext(ctx, "SELECT id FROM tasks WHERE parent_task_id = ?", string(t.ID))
	if err != nil {
		return fmt.Errorf("loading subtasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		t.SubtaskIDs[core.TaskID(id)] = struct{}{}
	}
	return rows.Err()
}

func (s *SQLiteStore) getArtifacts(ctx context.Context, q querier, id core.TaskID) ([]core.Artifact, error) {
	rows, err := q.QueryContext(ctx, "SELECT path, kind FROM task_artifacts WHERE task_id = ? ORDER BY id", string(id))
	if err != nil {
		return nil, fmt.Errorf("loading artifacts: %w", err)
	}
	defer rows.Close()
	var artifacts []core.Artifact
	for rows.Next() {
		var a core.Artifact
		if err := rows.Scan(&a.Path, &a.Kind); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// UpdateTask loads the task, applies patch, and persists the full row back.
// patch mutations to Logs/Checkpoints/Artifacts are ignored — use AddLog /
// SaveCheckpoint for those.
func (s *SQLiteStore) UpdateTask(ctx context.Context, id core.TaskID, patch func(*core.Task) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.retryWrite(ctx, "update_task", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		t, err := s.getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := patch(t); err != nil {
			return err
		}
		if domErr := t.Validate(); domErr != nil {
			return domErr
		}
		if err := s.updateTaskRow(ctx, tx, t); err != nil {
			return err
		}
		if err := s.touchActivity(ctx, tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) updateTaskRow(ctx context.Context, ex execer, t *core.Task) error {
	dependsOn, err := marshalIDSet(t.DependsOn)
	if err != nil {
		return err
	}
	blockedBy, err := marshalIDSet(t.BlockedBy)
	if err != nil {
		return err
	}
	var workspaceJSON []byte
	if t.Workspace != nil {
		workspaceJSON, err = json.Marshal(t.Workspace)
		if err != nil {
			return err
		}
	}

	_, err = ex.ExecContext(ctx, `
		UPDATE tasks SET
			description = ?, acceptance_criteria = ?, workflow = ?, autonomy = ?, status = ?,
			priority = ?, effort = ?, project_path = ?, branch_name = ?, parent_task_id = ?,
			depends_on = ?, blocked_by = ?, retry_count = ?, max_retries = ?,
			resume_attempts = ?, max_resume_attempts = ?,
			pause_reason = ?, paused_at = ?, resume_after = ?,
			input_tokens = ?, output_tokens = ?, total_tokens = ?, estimated_cost = ?,
			workspace = ?, pr_url = ?, updated_at = ?, completed_at = ?, archived_at = ?,
			trashed_at = ?, last_error = ?
		WHERE id = ?
	`,
		t.Description, nullableString(t.AcceptanceCriteria), t.Workflow, string(t.Autonomy), string(t.Status),
		string(t.Priority), string(t.Effort), t.ProjectPath, nullableString(t.BranchName),
		nullableString(string(t.ParentTaskID)), nullableString(dependsOn), nullableString(blockedBy),
		t.RetryCount, t.MaxRetries, t.ResumeAttempts, t.MaxResumeAttempts,
		nullableString(string(t.PauseReason)), nullableTime(t.PausedAt), nullableTime(t.ResumeAfter),
		t.Usage.InputTokens, t.Usage.OutputTokens, t.Usage.TotalTokens, t.Usage.EstimatedCost,
		nullableString(string(workspaceJSON)), nullableString(t.PRUrl), t.UpdatedAt,
		nullableTime(t.CompletedAt), nullableTime(t.ArchivedAt), nullableTime(t.TrashedAt),
		nullableString(t.LastError), string(t.ID),
	)
	return err
}

// UpdateTaskStatus is a narrow, hot-path update used by the runner/workflow
// engine when only the status and error need to change.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id core.TaskID, status core.TaskStatus, taskErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.retryWrite(ctx, "update_task_status", func() error {
		res, err := s.db.ExecContext(ctx,
			"UPDATE tasks SET status = ?, last_error = ?, updated_at = ? WHERE id = ?",
			string(status), nullableString(taskErr), time.Now().UTC(), string(id))
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return core.ErrNotFound("task", string(id))
		}
		return s.touchActivity(ctx, s.db)
	})
}

func (s *SQLiteStore) queryTasks(ctx context.Context, where string, args ...interface{}) ([]*core.Task, error) {
	rows, err := s.readDB.QueryContext(ctx, "SELECT "+taskColumns+" FROM tasks "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*core.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if err := s.fillSubtasks(ctx, s.readDB, t); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// ListTasks applies the requested filter, defaulting to excluding
// trashed/archived tasks.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter core.TaskFilter) ([]*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var clauses []string
	var args []interface{}
	if filter.HasStatus {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.IncludeTrashed {
		clauses = append(clauses, "trashed_at IS NULL")
	}
	if !filter.IncludeArchived {
		clauses = append(clauses, "archived_at IS NULL")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	if filter.OrderByPriority {
		where += " ORDER BY CASE priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 WHEN 'low' THEN 3 ELSE 4 END, " +
			"CASE effort WHEN 'xs' THEN 0 WHEN 'small' THEN 1 WHEN 'medium' THEN 2 WHEN 'large' THEN 3 WHEN 'xl' THEN 4 ELSE 5 END, created_at ASC"
	} else {
		where += " ORDER BY created_at ASC"
	}
	if filter.Limit > 0 {
		where += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	return s.queryTasks(ctx, where, args...)
}

// GetAllTasks returns every task regardless of trash/archive state.
func (s *SQLiteStore) GetAllTasks(ctx context.Context) ([]*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryTasks(ctx, "ORDER BY created_at ASC")
}

// GetTasksByStatus returns non-trashed, non-archived tasks in a status.
func (s *SQLiteStore) GetTasksByStatus(ctx context.Context, status core.TaskStatus) ([]*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryTasks(ctx, "WHERE status = ? AND trashed_at IS NULL AND archived_at IS NULL ORDER BY created_at ASC", string(status))
}

// GetNextQueuedTask returns the single highest-priority pending task whose
// dependencies are all completed, per the queue-ordering invariant.
func (s *SQLiteStore) GetNextQueuedTask(ctx context.Context) (*core.Task, error) {
	ready, err := s.GetReadyTasks(ctx, true)
	if err != nil {
		return nil, err
	}
	if len(ready) == 0 {
		return nil, nil
	}
	return ready[0], nil
}

// GetReadyTasks returns pending tasks whose dependencies are all completed.
func (s *SQLiteStore) GetReadyTasks(ctx context.Context, orderByPriority bool) ([]*core.Task, error) {
	pending, err := s.GetPendingTasks(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	statusCache := make(map[core.TaskID]core.TaskStatus)
	defer s.mu.RUnlock()

	statusOf := func(id core.TaskID) (core.TaskStatus, bool) {
		if st, ok := statusCache[id]; ok {
			return st, true
		}
		var status string
		err := s.readDB.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", string(id)).Scan(&status)
		if err != nil {
			return "", false
		}
		st := core.TaskStatus(status)
		statusCache[id] = st
		return st, true
	}

	var ready []*core.Task
	for _, t := range pending {
		if t.IsReady(statusOf) {
			ready = append(ready, t)
		}
	}
	if orderByPriority {
		sortTasksForQueue(ready)
	}
	return ready, nil
}

func sortTasksForQueue(tasks []*core.Task) {
	for i := 1; i < len(tasks); i++ {
		j := i
		for j > 0 && tasks[j].LessForQueue(tasks[j-1]) {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
			j--
		}
	}
}

// GetPendingTasks returns all non-trashed, non-archived pending tasks.
func (s *SQLiteStore) GetPendingTasks(ctx context.Context) ([]*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryTasks(ctx, "WHERE status = 'pending' AND trashed_at IS NULL AND archived_at IS NULL ORDER BY created_at ASC")
}

// GetPausedTasksForResume returns paused tasks whose resumeAfter has
// elapsed (or is unset), restricted to reasons the Runner is allowed to
// auto-resume from (session/usage limits, capacity pressure, budget) —
// a manually-paused or dependency-blocked task is never a candidate, no
// matter how long it has been paused. Ordered by the same priority tuple
// as the ready queue so the Runner's auto-resume scan picks up the most
// important eligible task first.
func (s *SQLiteStore) GetPausedTasksForResume(ctx context.Context) ([]*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryTasks(ctx,
		"WHERE status = 'paused' AND trashed_at IS NULL AND pause_reason IN (?, ?, ?, ?) "+
			"AND (resume_after IS NULL OR resume_after <= ?) "+
			"ORDER BY CASE priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 WHEN 'low' THEN 3 ELSE 4 END, "+
			"CASE effort WHEN 'xs' THEN 0 WHEN 'small' THEN 1 WHEN 'medium' THEN 2 WHEN 'large' THEN 3 WHEN 'xl' THEN 4 ELSE 5 END, created_at ASC",
		string(core.PauseSessionLimit), string(core.PauseUsageLimit), string(core.PauseCapacity), string(core.PauseBudget),
		time.Now().UTC())
}

// FindHighestPriorityParentTask returns the highest-priority pending task
// with no parent (a workflow root), used to decide what the runner picks up
// next when subtask ordering matters.
func (s *SQLiteStore) FindHighestPriorityParentTask(ctx context.Context) (*core.Task, error) {
	tasks, err := s.ListTasks(ctx, core.TaskFilter{HasStatus: true, Status: core.TaskPending, OrderByPriority: true})
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.ParentTaskID == "" {
			return t, nil
		}
	}
	return nil, nil
}

// AddLog appends one log entry for a task.
func (s *SQLiteStore) AddLog(ctx context.Context, id core.TaskID, entry core.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var metaJSON []byte
	if len(entry.Metadata) > 0 {
		var err error
		metaJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling log metadata: %w", err)
		}
	}

	return s.retryWrite(ctx, "add_log", func() error {
		_, err := s.db.ExecContext(ctx,
			"INSERT INTO task_logs (task_id, level, message, metadata, timestamp) VALUES (?, ?, ?, ?, ?)",
			string(id), string(entry.Level), entry.Message, nullableString(string(metaJSON)), entry.Timestamp)
		if err != nil {
			return err
		}
		return s.touchActivity(ctx, s.db)
	})
}

// GetLogs returns a task's logs in append order.
func (s *SQLiteStore) GetLogs(ctx context.Context, id core.TaskID) ([]core.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLogs(ctx, s.readDB, id)
}

func (s *SQLiteStore) getLogs(ctx context.Context, q querier, id core.TaskID) ([]core.LogEntry, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT level, message, metadata, timestamp FROM task_logs WHERE task_id = ? ORDER BY id ASC", string(id))
	if err != nil {
		return nil, fmt.Errorf("loading logs: %w", err)
	}
	defer rows.Close()

	var logs []core.LogEntry
	for rows.Next() {
		var entry core.LogEntry
		var metaJSON sql.NullString
		if err := rows.Scan(&entry.Level, &entry.Message, &metaJSON, &entry.Timestamp); err != nil {
			return nil, err
		}
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshaling log metadata: %w", err)
			}
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// SaveCheckpoint upserts a checkpoint for a task, returning its id.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, id core.TaskID, ckpt core.Checkpoint) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var metaJSON []byte
	if len(ckpt.Metadata) > 0 {
		var err error
		metaJSON, err = json.Marshal(ckpt.Metadata)
		if err != nil {
			return "", fmt.Errorf("marshaling checkpoint metadata: %w", err)
		}
	}
	if ckpt.CreatedAt.IsZero() {
		ckpt.CreatedAt = time.Now().UTC()
	}

	err := s.retryWrite(ctx, "save_checkpoint", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_checkpoints (id, task_id, stage, stage_index, conversation_state, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id, id) DO UPDATE SET
				stage = excluded.stage,
				stage_index = excluded.stage_index,
				conversation_state = excluded.conversation_state,
				metadata = excluded.metadata,
				created_at = excluded.created_at
		`, ckpt.ID, string(id), ckpt.Stage, ckpt.StageIndex,
			nullableString(string(ckpt.ConversationState)), nullableString(string(metaJSON)), ckpt.CreatedAt)
		return err
	})
	if err != nil {
		return "", err
	}
	return ckpt.ID, nil
}

func scanCheckpoint(row rowScanner) (*core.Checkpoint, error) {
	var cp core.Checkpoint
	var convState, metaJSON sql.NullString
	if err := row.Scan(&cp.ID, &cp.Stage, &cp.StageIndex, &convState, &metaJSON, &cp.CreatedAt); err != nil {
		return nil, err
	}
	if convState.Valid {
		cp.ConversationState = json.RawMessage(convState.String)
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &cp.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling checkpoint metadata: %w", err)
		}
	}
	return &cp, nil
}

// GetCheckpoint returns a specific checkpoint by id.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, id core.TaskID, ckptID string) (*core.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.readDB.QueryRowContext(ctx,
		"SELECT id, stage, stage_index, conversation_state, metadata, created_at FROM task_checkpoints WHERE task_id = ? AND id = ?",
		string(id), ckptID)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound("checkpoint", ckptID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	return cp, nil
}

// GetLatestCheckpoint returns the most recently created checkpoint for a task.
func (s *SQLiteStore) GetLatestCheckpoint(ctx context.Context, id core.TaskID) (*core.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.readDB.QueryRowContext(ctx,
		"SELECT id, stage, stage_index, conversation_state, metadata, created_at FROM task_checkpoints WHERE task_id = ? ORDER BY created_at DESC LIMIT 1",
		string(id))
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading latest checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns every checkpoint for a task, oldest first.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, id core.TaskID) ([]core.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listCheckpoints(ctx, s.readDB, id)
}

func (s *SQLiteStore) listCheckpoints(ctx context.Context, q querier, id core.TaskID) ([]core.Checkpoint, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, stage, stage_index, conversation_state, metadata, created_at FROM task_checkpoints WHERE task_id = ? ORDER BY created_at ASC",
		string(id))
	if err != nil {
		return nil, fmt.Errorf("loading checkpoints: %w", err)
	}
	defer rows.Close()

	var out []core.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

// TrashTask marks a task as trashed, excluding it from default listings.
func (s *SQLiteStore) TrashTask(ctx context.Context, id core.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryWrite(ctx, "trash_task", func() error {
		res, err := s.db.ExecContext(ctx, "UPDATE tasks SET trashed_at = ?, updated_at = ? WHERE id = ?",
			time.Now().UTC(), time.Now().UTC(), string(id))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return core.ErrNotFound("task", string(id))
		}
		return nil
	})
}

// RestoreTask clears a task's trashed state.
func (s *SQLiteStore) RestoreTask(ctx context.Context, id core.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryWrite(ctx, "restore_task", func() error {
		res, err := s.db.ExecContext(ctx, "UPDATE tasks SET trashed_at = NULL, updated_at = ? WHERE id = ?",
			time.Now().UTC(), string(id))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return core.ErrNotFound("task", string(id))
		}
		return nil
	})
}

// EmptyTrash permanently deletes all trashed tasks and their dependent rows,
// returning the ids removed.
func (s *SQLiteStore) EmptyTrash(ctx context.Context) ([]core.TaskID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []core.TaskID
	err := s.retryWrite(ctx, "empty_trash", func() error {
		removed = nil
		rows, err := s.db.QueryContext(ctx, "SELECT id FROM tasks WHERE trashed_at IS NOT NULL")
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		for _, id := range ids {
			for _, stmt := range []string{
				"DELETE FROM task_logs WHERE task_id = ?",
				"DELETE FROM task_checkpoints WHERE task_id = ?",
				"DELETE FROM task_artifacts WHERE task_id = ?",
				"DELETE FROM tasks WHERE id = ?",
			} {
				if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
					return fmt.Errorf("deleting %s for task %s: %w", stmt, id, err)
				}
			}
			removed = append(removed, core.TaskID(id))
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// ArchiveTask marks a completed task archived, per the CanArchive invariant.
func (s *SQLiteStore) ArchiveTask(ctx context.Context, id core.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.retryWrite(ctx, "archive_task", func() error {
		var status string
		err := s.db.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", string(id)).Scan(&status)
		if err == sql.ErrNoRows {
			return core.ErrNotFound("task", string(id))
		}
		if err != nil {
			return err
		}
		if status != string(core.TaskCompleted) {
			return core.ErrIllegalState(core.CodeNotArchivable, "only completed tasks can be archived")
		}
		_, err = s.db.ExecContext(ctx, "UPDATE tasks SET archived_at = ?, updated_at = ? WHERE id = ?",
			time.Now().UTC(), time.Now().UTC(), string(id))
		return err
	})
}

// UnarchiveTask clears a task's archived state.
func (s *SQLiteStore) UnarchiveTask(ctx context.Context, id core.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryWrite(ctx, "unarchive_task", func() error {
		res, err := s.db.ExecContext(ctx, "UPDATE tasks SET archived_at = NULL, updated_at = ? WHERE id = ?",
			time.Now().UTC(), string(id))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return core.ErrNotFound("task", string(id))
		}
		return nil
	})
}

// ListArchived returns all archived tasks, most recently archived first.
func (s *SQLiteStore) ListArchived(ctx context.Context) ([]*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryTasks(ctx, "WHERE archived_at IS NOT NULL ORDER BY archived_at DESC")
}

// CreateIdleTask inserts an idle-analyzer-sourced candidate task.
func (s *SQLiteStore) CreateIdleTask(ctx context.Context, t *core.IdleTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryWrite(ctx, "create_idle_task", func() error {
		implemented := 0
		if t.Implemented {
			implemented = 1
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO idle_tasks (id, type, priority, description, source_path, source_line, implemented, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, t.ID, string(t.Type), string(t.Priority), t.Description, nullableString(t.SourcePath), t.SourceLine, implemented, t.CreatedAt)
		if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return core.ErrDuplicate("idle_task", t.ID)
		}
		return err
	})
}

// UpdateIdleTask loads, patches, and persists an idle task.
func (s *SQLiteStore) UpdateIdleTask(ctx context.Context, id string, patch func(*core.IdleTask) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.retryWrite(ctx, "update_idle_task", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var it core.IdleTask
		var sourcePath sql.NullString
		var implemented int
		err = tx.QueryRowContext(ctx,
			"SELECT id, type, priority, description, source_path, source_line, implemented, created_at FROM idle_tasks WHERE id = ?", id).
			Scan(&it.ID, &it.Type, &it.Priority, &it.Description, &sourcePath, &it.SourceLine, &implemented, &it.CreatedAt)
		if err == sql.ErrNoRows {
			return core.ErrNotFound("idle_task", id)
		}
		if err != nil {
			return err
		}
		if sourcePath.Valid {
			it.SourcePath = sourcePath.String
		}
		it.Implemented = implemented != 0

		if err := patch(&it); err != nil {
			return err
		}

		implementedInt := 0
		if it.Implemented {
			implementedInt = 1
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE idle_tasks SET type = ?, priority = ?, description = ?, source_path = ?, source_line = ?, implemented = ?
			WHERE id = ?
		`, string(it.Type), string(it.Priority), it.Description, nullableString(it.SourcePath), it.SourceLine, implementedInt, id)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}

// DeleteIdleTask removes an idle task permanently.
func (s *SQLiteStore) DeleteIdleTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryWrite(ctx, "delete_idle_task", func() error {
		res, err := s.db.ExecContext(ctx, "DELETE FROM idle_tasks WHERE id = ?", id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return core.ErrNotFound("idle_task", id)
		}
		return nil
	})
}

// ListIdleTasks returns idle tasks matching filter, newest first.
func (s *SQLiteStore) ListIdleTasks(ctx context.Context, filter core.IdleTaskFilter) ([]*core.IdleTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var clauses []string
	var args []interface{}
	if filter.HasType {
		clauses = append(clauses, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.HasPriority {
		clauses = append(clauses, "priority = ?")
		args = append(args, string(filter.Priority))
	}
	if filter.Implemented != nil {
		clauses = append(clauses, "implemented = ?")
		if *filter.Implemented {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	query := "SELECT id, type, priority, description, source_path, source_line, implemented, created_at FROM idle_tasks"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing idle tasks: %w", err)
	}
	defer rows.Close()

	var out []*core.IdleTask
	for rows.Next() {
		var it core.IdleTask
		var sourcePath sql.NullString
		var implemented int
		if err := rows.Scan(&it.ID, &it.Type, &it.Priority, &it.Description, &sourcePath, &it.SourceLine, &implemented, &it.CreatedAt); err != nil {
			return nil, err
		}
		if sourcePath.Valid {
			it.SourcePath = sourcePath.String
		}
		it.Implemented = implemented != 0
		out = append(out, &it)
	}
	return out, rows.Err()
}

// CreateThought inserts a free-form note, indexed for full-text search.
func (s *SQLiteStore) CreateThought(ctx context.Context, t *core.Thought) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tagsJSON, err := json.Marshal(t.Tags)
	if err != nil {
		return fmt.Errorf("marshaling tags: %w", err)
	}

	return s.retryWrite(ctx, "create_thought", func() error {
		implemented := 0
		if t.Implemented {
			implemented = 1
		}
		_, err := s.db.ExecContext(ctx,
			"INSERT INTO thoughts (id, content, tags, implemented, created_at) VALUES (?, ?, ?, ?, ?)",
			t.ID, t.Content, string(tagsJSON), implemented, t.CreatedAt)
		if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return core.ErrDuplicate("thought", t.ID)
		}
		return err
	})
}

func scanThought(row rowScanner) (*core.Thought, error) {
	var t core.Thought
	var tagsJSON string
	var implemented int
	if err := row.Scan(&t.ID, &t.Content, &tagsJSON, &implemented, &t.CreatedAt); err != nil {
		return nil, err
	}
	if tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &t.Tags); err != nil {
			return nil, fmt.Errorf("unmarshaling tags: %w", err)
		}
	}
	t.Implemented = implemented != 0
	return &t, nil
}

// SearchThoughts runs a full-text search over thought content.
func (s *SQLiteStore) SearchThoughts(ctx context.Context, query string) ([]*core.Thought, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.readDB.QueryContext(ctx, `
		SELECT t.id, t.content, t.tags, t.implemented, t.created_at
		FROM thoughts t
		JOIN thoughts_fts f ON f.rowid = t.rowid
		WHERE thoughts_fts MATCH ?
		ORDER BY rank
	`, query)
	if err != nil {
		return nil, fmt.Errorf("searching thoughts: %w", err)
	}
	defer rows.Close()

	var out []*core.Thought
	for rows.Next() {
		t, err := scanThought(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListThoughts returns all thoughts, newest first.
func (s *SQLiteStore) ListThoughts(ctx context.Context) ([]*core.Thought, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.readDB.QueryContext(ctx,
		"SELECT id, content, tags, implemented, created_at FROM thoughts ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("listing thoughts: %w", err)
	}
	defer rows.Close()

	var out []*core.Thought
	for rows.Next() {
		t, err := scanThought(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PromoteThought marks a thought implemented (it became a real task).
func (s *SQLiteStore) PromoteThought(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryWrite(ctx, "promote_thought", func() error {
		res, err := s.db.ExecContext(ctx, "UPDATE thoughts SET implemented = 1 WHERE id = ?", id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return core.ErrNotFound("thought", id)
		}
		return nil
	})
}

// GetLastActivityTime returns the unix-second timestamp of the daemon's most
// recent recorded activity (task creation, status change, or log append).
func (s *SQLiteStore) GetLastActivityTime(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var t int64
	err := s.readDB.QueryRowContext(ctx, "SELECT last_activity_at FROM daemon_activity WHERE id = 1").Scan(&t)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("loading last activity time: %w", err)
	}
	return t, nil
}

// touchActivity records the current time as the daemon's last activity,
// called internally by mutating operations.
func (s *SQLiteStore) touchActivity(ctx context.Context, ex execer) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO daemon_activity (id, last_activity_at) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET last_activity_at = excluded.last_activity_at
	`, time.Now().UTC().Unix())
	return err
}

// AddArtifact records a produced file against a task. It is not part of the
// core Store interface, so code holding only a core.Store cannot call it.
func (s *SQLiteStore) AddArtifact(ctx context.Context, id core.TaskID, artifact core.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryWrite(ctx, "add_artifact", func() error {
		_, err := s.db.ExecContext(ctx, "INSERT INTO task_artifacts (task_id, path, kind) VALUES (?, ?, ?)",
			string(id), artifact.Path, artifact.Kind)
		return err
	})
}

var _ core.Store = (*SQLiteStore)(nil)
