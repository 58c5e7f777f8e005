package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forgehive/swarmnode/internal/model"
)

// Repository-style accessors, following the teacher's sqlite_store.go
// shape (plain db.Exec/QueryRow, JSON-encode nested fields) but
// generalized across the full node data model.

const projectColumns = `id, name, git_repo_path, setup_script, dev_script, cleanup_script,
	is_remote, remote_project_id, owning_node_id, owning_node_url, created_at, updated_at`

func scanProject(row rowScanner) (*model.Project, error) {
	var p model.Project
	var remoteProjectID, owningNodeID, owningNodeURL sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &p.GitRepo, &p.SetupScript, &p.DevScript, &p.CleanupScript,
		&p.IsRemote, &remoteProjectID, &owningNodeID, &owningNodeURL, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.RemoteProjectID = remoteProjectID.String
	p.OwningNodeID = owningNodeID.String
	p.OwningNodeURL = owningNodeURL.String
	return &p, nil
}

func (s *Store) CreateProject(ctx context.Context, p *model.Project) error {
	_, err := s.Execute(ctx, `INSERT INTO projects
		(id, name, git_repo_path, setup_script, dev_script, cleanup_script,
		 is_remote, remote_project_id, owning_node_id, owning_node_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.GitRepo, p.SetupScript, p.DevScript, p.CleanupScript,
		p.IsRemote, nullable(p.RemoteProjectID), nullable(p.OwningNodeID), nullable(p.OwningNodeURL), p.CreatedAt, p.UpdatedAt)
	return err
}

func (s *Store) GetProject(ctx context.Context, id string) (*model.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	return scanProject(row)
}

// GetProjectByRemoteID looks up the local shadow project whose
// remote_project_id matches, used by the inter-node proxy server to
// resolve an inbound by-remote-id route.
func (s *Store) GetProjectByRemoteID(ctx context.Context, remoteProjectID string) (*model.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE remote_project_id=?`, remoteProjectID)
	return scanProject(row)
}

func (s *Store) ListProjects(ctx context.Context) ([]*model.Project, error) {
	rows, err := s.Query(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const taskColumns = `id, project_id, title, description, status, parent_task_id,
	shared_task_id, archived_at, activity_at, remote_version, created_at, updated_at`

func scanTask(row rowScanner) (*model.Task, error) {
	var t model.Task
	var sharedTaskID sql.NullString
	var archivedAt, activityAt sql.NullTime
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.ParentTaskID,
		&sharedTaskID, &archivedAt, &activityAt, &t.RemoteVersion, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.SharedTaskID = sharedTaskID.String
	if archivedAt.Valid {
		t.ArchivedAt = &archivedAt.Time
	}
	if activityAt.Valid {
		t.ActivityAt = &activityAt.Time
	}
	return &t, nil
}

func (s *Store) CreateTask(ctx context.Context, t *model.Task) error {
	_, err := s.Execute(ctx, `INSERT INTO tasks
		(id, project_id, title, description, status, parent_task_id,
		 shared_task_id, archived_at, activity_at, remote_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.Title, t.Description, t.Status, t.ParentTaskID,
		nullable(t.SharedTaskID), t.ArchivedAt, t.ActivityAt, t.RemoteVersion, t.CreatedAt, t.UpdatedAt)
	if err == nil {
		s.appendActivity(ctx, "task", t.ID, "insert", t)
	}
	return err
}

// touchActivity bumps activity_at; called only on meaningful events
// (status change, new attempt, follow-up) so metadata-only edits never
// advance it, per the task's activity_at invariant.
func (s *Store) touchActivity(ctx context.Context, taskID string) {
	now := time.Now().UTC()
	_, _ = s.Execute(ctx, `UPDATE tasks SET activity_at=? WHERE id=?`, now, taskID)
}

func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus) error {
	_, err := s.Execute(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=?`, status, time.Now().UTC(), taskID)
	if err == nil {
		s.touchActivity(ctx, taskID)
		s.appendActivity(ctx, "task", taskID, "update", map[string]any{"status": status})
	}
	return err
}

func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row)
}

// GetTaskBySharedID looks up the local task mirroring a hive SharedTask.
func (s *Store) GetTaskBySharedID(ctx context.Context, sharedTaskID string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE shared_task_id=?`, sharedTaskID)
	return scanTask(row)
}

// ListTasksByProject returns every non-deleted task for a project,
// used by tombstone reconciliation to find shared_task_ids no longer
// present in the hive's active set.
func (s *Store) ListTasksByProject(ctx context.Context, projectID string) ([]*model.Task, error) {
	rows, err := s.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE project_id=? ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTask removes a task row outright, used when the hive tombstones
// a shared task (Delete op, or post-initial-pass reconciliation).
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.Execute(ctx, `DELETE FROM tasks WHERE id=?`, id)
	return err
}

// UpdateSyncedTask applies a hive shape Update op to an already-mirrored
// task, gated by the caller having already checked remote_version.
func (s *Store) UpdateSyncedTask(ctx context.Context, id, title, description string, status model.TaskStatus, version int64) error {
	_, err := s.Execute(ctx, `UPDATE tasks SET title=?, description=?, status=?, remote_version=?, updated_at=? WHERE id=?`,
		title, description, status, version, time.Now().UTC(), id)
	if err == nil {
		s.touchActivity(ctx, id)
	}
	return err
}

func (s *Store) CreateTaskAttempt(ctx context.Context, a *model.TaskAttempt) error {
	_, err := s.Execute(ctx, `INSERT INTO task_attempts
		(id, task_id, worktree_path, branch, base_branch, executor, server_instance_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, a.WorktreePath, a.Branch, a.BaseBranch, a.Executor, a.ServerInstanceID, a.CreatedAt, a.UpdatedAt)
	if err == nil {
		s.touchActivity(ctx, a.TaskID)
	}
	return err
}

func (s *Store) GetTaskAttempt(ctx context.Context, id string) (*model.TaskAttempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, task_id, worktree_path, branch, base_branch, executor, server_instance_id, created_at, updated_at
		FROM task_attempts WHERE id=?`, id)
	var a model.TaskAttempt
	if err := row.Scan(&a.ID, &a.TaskID, &a.WorktreePath, &a.Branch, &a.BaseBranch, &a.Executor, &a.ServerInstanceID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *Store) CreateExecutionProcess(ctx context.Context, p *model.ExecutionProcess) error {
	_, err := s.Execute(ctx, `INSERT INTO execution_processes
		(id, task_attempt_id, run_reason, status, pid, dropped, server_instance_id, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TaskAttemptID, p.RunReason, p.Status, p.PID, p.Dropped, p.ServerInstanceID, p.StartedAt)
	return err
}

func (s *Store) SetExecutionBeforeHeadCommit(ctx context.Context, id, commit string) error {
	_, err := s.Execute(ctx, `UPDATE execution_processes SET before_head_commit=? WHERE id=?`, commit, id)
	return err
}

func (s *Store) CompleteExecutionProcess(ctx context.Context, id string, status model.ExecutionProcessStatus, exitCode *int, afterHeadCommit string) error {
	now := time.Now().UTC()
	_, err := s.Execute(ctx, `UPDATE execution_processes
		SET status=?, exit_code=?, after_head_commit=?, completed_at=? WHERE id=?`,
		status, exitCode, afterHeadCommit, now, id)
	return err
}

func (s *Store) MarkExecutionDropped(ctx context.Context, id string, dropped bool) error {
	_, err := s.Execute(ctx, `UPDATE execution_processes SET dropped=? WHERE id=?`, dropped, id)
	return err
}

const executionProcessColumns = `id, task_attempt_id, run_reason, status, pid, exit_code, dropped,
	server_instance_id, before_head_commit, after_head_commit, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecutionProcess(row rowScanner) (*model.ExecutionProcess, error) {
	var p model.ExecutionProcess
	var pid, exitCode sql.NullInt64
	var beforeHead, afterHead sql.NullString
	var completedAt sql.NullTime

	if err := row.Scan(&p.ID, &p.TaskAttemptID, &p.RunReason, &p.Status, &pid, &exitCode, &p.Dropped,
		&p.ServerInstanceID, &beforeHead, &afterHead, &p.StartedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if pid.Valid {
		p.PID = int(pid.Int64)
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		p.ExitCode = &v
	}
	if beforeHead.Valid {
		p.BeforeHeadCommit = beforeHead.String
	}
	if afterHead.Valid {
		p.AfterHeadCommit = afterHead.String
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	return &p, nil
}

func (s *Store) GetExecutionProcess(ctx context.Context, id string) (*model.ExecutionProcess, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionProcessColumns+` FROM execution_processes WHERE id=?`, id)
	return scanExecutionProcess(row)
}

// ListRunningExecutionsByInstance returns processes still marked
// running whose server_instance_id matches instanceID, in the order
// they were started (used for cleanup_orphan_executions).
func (s *Store) ListRunningExecutionsByInstance(ctx context.Context, instanceID string) ([]*model.ExecutionProcess, error) {
	rows, err := s.Query(ctx, `SELECT `+executionProcessColumns+`
		FROM execution_processes WHERE status='running' AND server_instance_id=? ORDER BY started_at`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ExecutionProcess
	for rows.Next() {
		p, err := scanExecutionProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListAttemptExecutionsOrdered returns every (non-dropped-included)
// execution process for an attempt in start order, for sibling
// before/after-head-commit backfill and retry soft-drop.
func (s *Store) ListAttemptExecutionsOrdered(ctx context.Context, attemptID string) ([]*model.ExecutionProcess, error) {
	rows, err := s.Query(ctx, `SELECT `+executionProcessColumns+`
		FROM execution_processes WHERE task_attempt_id=? ORDER BY started_at`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ExecutionProcess
	for rows.Next() {
		p, err := scanExecutionProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetExecutionBeforeHeadCommitIfEmpty fills in before_head_commit for a
// process backfilled from a sibling's after_head_commit, leaving a
// non-empty value untouched.
func (s *Store) SetExecutionBeforeHeadCommitIfEmpty(ctx context.Context, id, commit string) error {
	_, err := s.Execute(ctx, `UPDATE execution_processes SET before_head_commit=?
		WHERE id=? AND (before_head_commit IS NULL OR before_head_commit='')`, commit, id)
	return err
}

func (s *Store) SetExecutorSession(ctx context.Context, processID, externalSessionID string, validity model.ExecutorSessionValidity) error {
	_, err := s.Execute(ctx, `UPDATE execution_processes SET external_session_id=?, session_validity=? WHERE id=?`,
		externalSessionID, validity, processID)
	return err
}

func (s *Store) InvalidateExecutorSession(ctx context.Context, processID string) error {
	_, err := s.Execute(ctx, `UPDATE execution_processes SET external_session_id=NULL, session_validity=? WHERE id=?`,
		model.SessionInvalidated, processID)
	return err
}

// AppendLogEntry inserts one durable log row and returns its
// monotonic id, which doubles as the pagination cursor.
func (s *Store) AppendLogEntry(ctx context.Context, e *model.LogEntry) (int64, error) {
	res, err := s.Execute(ctx, `INSERT INTO log_entries (execution_process_id, channel, content, patch, created_at)
		VALUES (?, ?, ?, ?, ?)`, e.ExecutionProcessID, e.Channel, e.Content, string(e.Patch), e.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LogPage is a cursor-paginated slice of log entries plus the cursor
// to pass back in for the next page in the same direction.
type LogPage struct {
	Entries    []*model.LogEntry
	NextCursor *int64
	HasMore    bool
}

// ListLogEntries paginates by id. direction "forward" returns entries
// with id > cursor in ascending order; "backward" returns entries with
// id < cursor in descending order. NextCursor is the id of the page's
// last entry in that order.
func (s *Store) ListLogEntries(ctx context.Context, processID string, cursor *int64, limit int, direction string) (LogPage, error) {
	var rows *sql.Rows
	var err error

	switch direction {
	case "backward":
		if cursor != nil {
			rows, err = s.Query(ctx, `SELECT id, execution_process_id, channel, content, patch, created_at
				FROM log_entries WHERE execution_process_id=? AND id<? ORDER BY id DESC LIMIT ?`, processID, *cursor, limit+1)
		} else {
			rows, err = s.Query(ctx, `SELECT id, execution_process_id, channel, content, patch, created_at
				FROM log_entries WHERE execution_process_id=? ORDER BY id DESC LIMIT ?`, processID, limit+1)
		}
	default: // forward
		if cursor != nil {
			rows, err = s.Query(ctx, `SELECT id, execution_process_id, channel, content, patch, created_at
				FROM log_entries WHERE execution_process_id=? AND id>? ORDER BY id ASC LIMIT ?`, processID, *cursor, limit+1)
		} else {
			rows, err = s.Query(ctx, `SELECT id, execution_process_id, channel, content, patch, created_at
				FROM log_entries WHERE execution_process_id=? ORDER BY id ASC LIMIT ?`, processID, limit+1)
		}
	}
	if err != nil {
		return LogPage{}, err
	}
	defer rows.Close()

	var entries []*model.LogEntry
	for rows.Next() {
		var e model.LogEntry
		var patch string
		if err := rows.Scan(&e.ID, &e.ExecutionProcessID, &e.Channel, &e.Content, &patch, &e.CreatedAt); err != nil {
			return LogPage{}, err
		}
		if patch != "" {
			e.Patch = []byte(patch)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return LogPage{}, err
	}

	page := LogPage{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		page.HasMore = true
	}
	if len(page.Entries) > 0 {
		last := page.Entries[len(page.Entries)-1].ID
		page.NextCursor = &last
	}
	return page, nil
}

// CountLogEntries returns the total number of log entries recorded for
// processID, independent of any pagination window.
func (s *Store) CountLogEntries(ctx context.Context, processID string) (int64, error) {
	rows, err := s.Query(ctx, `SELECT COUNT(*) FROM log_entries WHERE execution_process_id=?`, processID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, err
		}
	}
	return n, rows.Err()
}

func (s *Store) appendActivity(ctx context.Context, entityType, entityID, op string, payload any) {
	data, _ := jsonMarshal(payload)
	_, _ = s.Execute(ctx, `INSERT INTO activity_log (entity_type, entity_id, op, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		entityType, entityID, op, data, time.Now().UTC())
}

// ActivityRow is one append-only activity_log entry, the substrate for
// the label/task sync engine's monotonic seq cursor.
type ActivityRow struct {
	Seq        int64
	EntityType string
	EntityID   string
	Op         string
	Payload    []byte
	CreatedAt  time.Time
}

func (s *Store) ListActivitySince(ctx context.Context, seq int64, limit int) ([]ActivityRow, error) {
	rows, err := s.Query(ctx, `SELECT seq, entity_type, entity_id, op, payload, created_at
		FROM activity_log WHERE seq>? ORDER BY seq ASC LIMIT ?`, seq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActivityRow
	for rows.Next() {
		var r ActivityRow
		var payload string
		if err := rows.Scan(&r.Seq, &r.EntityType, &r.EntityID, &r.Op, &payload, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Payload = []byte(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}

func jsonMarshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal activity payload: %w", err)
	}
	return string(b), nil
}
