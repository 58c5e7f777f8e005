package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/forgehive/swarmnode/internal/model"
)

// Hive-side repository methods: node registration, the hive's
// SharedTask/NodeProject mirrors, NodeTaskAttempt backfill state, and
// task assignment bookkeeping. These tables live in the same store as
// the node-side ones (the teacher keeps a single sqlite file per
// daemon; node and hive are just two different binaries pointed at
// their own copy of it).

func (s *Store) UpsertNode(ctx context.Context, n *model.Node) error {
	_, err := s.Execute(ctx, `INSERT INTO nodes
		(id, name, machine_id, organization_id, public_url, status, version, os, arch, last_heartbeat_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, machine_id=excluded.machine_id, public_url=excluded.public_url,
			status=excluded.status, version=excluded.version, os=excluded.os, arch=excluded.arch,
			last_heartbeat_at=excluded.last_heartbeat_at`,
		n.ID, n.Name, n.MachineID, n.OrganizationID, nullable(n.PublicURL), n.Status,
		nullable(n.Version), nullable(n.OS), nullable(n.Arch), n.LastHeartbeatAt, n.CreatedAt)
	return err
}

func (s *Store) SetNodeStatus(ctx context.Context, nodeID string, status model.NodeStatus) error {
	_, err := s.Execute(ctx, `UPDATE nodes SET status=?, last_heartbeat_at=? WHERE id=?`,
		status, time.Now().UTC(), nodeID)
	return err
}

const nodeColumns = `id, name, machine_id, organization_id, public_url, status, version, os, arch, last_heartbeat_at, created_at`

func scanNode(row rowScanner) (*model.Node, error) {
	var n model.Node
	var publicURL, version, os, arch sql.NullString
	if err := row.Scan(&n.ID, &n.Name, &n.MachineID, &n.OrganizationID, &publicURL, &n.Status,
		&version, &os, &arch, &n.LastHeartbeatAt, &n.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	n.PublicURL, n.Version, n.OS, n.Arch = publicURL.String, version.String, os.String, arch.String
	return &n, nil
}

func (s *Store) GetNode(ctx context.Context, id string) (*model.Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id=?`, id)
	return scanNode(row)
}

func (s *Store) ListNodes(ctx context.Context) ([]*model.Node, error) {
	rows, err := s.Query(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// OnlineNodeIDs returns every node whose last heartbeat is within window.
func (s *Store) OnlineNodeIDs(ctx context.Context, window time.Duration) ([]string, error) {
	rows, err := s.Query(ctx, `SELECT id FROM nodes WHERE last_heartbeat_at > ?`, time.Now().UTC().Add(-window))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) UpsertNodeProject(ctx context.Context, np *model.NodeProject) error {
	_, err := s.Execute(ctx, `INSERT INTO node_projects (node_id, remote_project_id, name, organization_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(node_id, remote_project_id) DO UPDATE SET name=excluded.name`,
		np.NodeID, np.RemoteProjectID, np.Name, np.OrganizationID, np.CreatedAt)
	return err
}

func (s *Store) ListNodeProjects(ctx context.Context, nodeID string) ([]*model.NodeProject, error) {
	rows, err := s.Query(ctx, `SELECT node_id, remote_project_id, name, organization_id, created_at
		FROM node_projects WHERE node_id=?`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.NodeProject
	for rows.Next() {
		var np model.NodeProject
		if err := rows.Scan(&np.NodeID, &np.RemoteProjectID, &np.Name, &np.OrganizationID, &np.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &np)
	}
	return out, rows.Err()
}

const sharedTaskColumns = `id, organization_id, project_id, title, description, status, version, created_at, updated_at`

func scanSharedTask(row rowScanner) (*model.SharedTask, error) {
	var t model.SharedTask
	if err := row.Scan(&t.ID, &t.OrganizationID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *Store) UpsertSharedTask(ctx context.Context, t *model.SharedTask) error {
	_, err := s.Execute(ctx, `INSERT INTO shared_tasks
		(id, organization_id, project_id, title, description, status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, description=excluded.description, status=excluded.status,
			version=excluded.version, updated_at=excluded.updated_at
		WHERE excluded.version > shared_tasks.version`,
		t.ID, t.OrganizationID, t.ProjectID, t.Title, t.Description, t.Status, t.Version, t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *Store) GetSharedTask(ctx context.Context, id string) (*model.SharedTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sharedTaskColumns+` FROM shared_tasks WHERE id=?`, id)
	return scanSharedTask(row)
}

func (s *Store) ListSharedTasksByProject(ctx context.Context, remoteProjectID string) ([]*model.SharedTask, error) {
	rows, err := s.Query(ctx, `SELECT `+sharedTaskColumns+` FROM shared_tasks WHERE project_id=? ORDER BY created_at`, remoteProjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.SharedTask
	for rows.Next() {
		t, err := scanSharedTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSharedTask(ctx context.Context, id string) error {
	_, err := s.Execute(ctx, `DELETE FROM shared_tasks WHERE id=?`, id)
	return err
}

// NodeTaskAttempt backfill state machine: partial -> pending_backfill
// only via MarkPendingBackfill (guarded so only a currently-partial row
// transitions), pending_backfill -> complete only via MarkComplete, and
// a stale pending_backfill resets to partial via ResetStalePendingBackfill.

func (s *Store) UpsertNodeTaskAttempt(ctx context.Context, a *model.NodeTaskAttempt) error {
	_, err := s.Execute(ctx, `INSERT INTO node_task_attempts
		(id, node_id, local_attempt_id, assignment_id, sync_state, sync_requested_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at=excluded.updated_at`,
		a.ID, a.NodeID, a.LocalAttemptID, a.AssignmentID, a.SyncState, a.SyncRequestedAt, a.UpdatedAt)
	return err
}

// MarkPendingBackfill transitions id from partial to pending_backfill,
// stamping sync_requested_at; a row not currently partial is left
// untouched (guards against a double-send for the same attempt).
func (s *Store) MarkPendingBackfill(ctx context.Context, id string) (bool, error) {
	res, err := s.Execute(ctx, `UPDATE node_task_attempts
		SET sync_state=?, sync_requested_at=?, updated_at=? WHERE id=? AND sync_state=?`,
		model.SyncPendingBackfill, time.Now().UTC(), time.Now().UTC(), id, model.SyncPartial)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) MarkComplete(ctx context.Context, id string) error {
	_, err := s.Execute(ctx, `UPDATE node_task_attempts SET sync_state=?, updated_at=? WHERE id=?`,
		model.SyncComplete, time.Now().UTC(), id)
	return err
}

func (s *Store) ResetAttemptToPartial(ctx context.Context, id string) error {
	_, err := s.Execute(ctx, `UPDATE node_task_attempts SET sync_state=?, sync_requested_at=NULL, updated_at=? WHERE id=?`,
		model.SyncPartial, time.Now().UTC(), id)
	return err
}

// ResetStalePendingBackfill resets every pending_backfill row whose
// sync_requested_at is older than timeout back to partial, run before
// each periodic backfill scan so stale requests don't block a retry.
func (s *Store) ResetStalePendingBackfill(ctx context.Context, timeout time.Duration) (int, error) {
	res, err := s.Execute(ctx, `UPDATE node_task_attempts
		SET sync_state=?, sync_requested_at=NULL, updated_at=?
		WHERE sync_state=? AND sync_requested_at < ?`,
		model.SyncPartial, time.Now().UTC(), model.SyncPendingBackfill, time.Now().UTC().Add(-timeout))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// IncompleteAttemptsForNode returns every attempt id belonging to
// nodeID that is not yet fully synced (partial or pending_backfill).
func (s *Store) IncompleteAttemptsForNode(ctx context.Context, nodeID string) ([]string, error) {
	rows, err := s.Query(ctx, `SELECT id FROM node_task_attempts
		WHERE node_id=? AND sync_state!=? ORDER BY updated_at`, nodeID, model.SyncComplete)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// IncompleteAttemptsByNode groups every not-yet-complete attempt by
// owning node, for the periodic backfill scan's per-node batching.
func (s *Store) IncompleteAttemptsByNode(ctx context.Context) (map[string][]string, error) {
	rows, err := s.Query(ctx, `SELECT node_id, id FROM node_task_attempts WHERE sync_state!=? ORDER BY node_id, updated_at`, model.SyncComplete)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var nodeID, id string
		if err := rows.Scan(&nodeID, &id); err != nil {
			return nil, err
		}
		out[nodeID] = append(out[nodeID], id)
	}
	return out, rows.Err()
}

func (s *Store) CreateTaskAssignment(ctx context.Context, a *model.TaskAssignment) error {
	_, err := s.Execute(ctx, `INSERT INTO task_assignments
		(id, shared_task_id, node_id, status, message, updated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SharedTaskID, a.NodeID, a.Status, a.Message, a.UpdatedAt, a.CreatedAt)
	return err
}

// UpsertTaskAssignmentStatus applies an at-least-once TaskStatus
// message idempotently: the same (assignment_id, status) pair applied
// twice leaves status and message unchanged the second time (only
// updated_at is rewritten).
func (s *Store) UpsertTaskAssignmentStatus(ctx context.Context, assignmentID, status, message string) error {
	_, err := s.Execute(ctx, `UPDATE task_assignments SET status=?, message=?, updated_at=? WHERE id=?`,
		status, message, time.Now().UTC(), assignmentID)
	return err
}

// SharedActivityCursor: the sync engine's resumable per-project label
// sync position; always advanced in the same transaction as the
// mutation it reflects.

func (s *Store) GetActivityCursor(ctx context.Context, remoteProjectID string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT last_seq FROM shared_activity_cursor WHERE remote_project_id=?`, remoteProjectID)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return seq, nil
}

func (s *Store) SetActivityCursorTx(tx *sql.Tx, remoteProjectID string, seq int64) error {
	_, err := tx.Exec(`INSERT INTO shared_activity_cursor (remote_project_id, last_seq) VALUES (?, ?)
		ON CONFLICT(remote_project_id) DO UPDATE SET last_seq=excluded.last_seq`, remoteProjectID, seq)
	return err
}

// ShapeState persists the shape subscription's (handle, offset) so a
// restarted sync loop resumes instead of starting a MustRefetch.
func (s *Store) GetShapeState(ctx context.Context, remoteProjectID string) (handle, offset string, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT shape_handle, shape_offset FROM sync_shape_state WHERE remote_project_id=?`, remoteProjectID)
	if err := row.Scan(&handle, &offset); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", nil
		}
		return "", "", err
	}
	return handle, offset, nil
}

func (s *Store) SetShapeState(ctx context.Context, remoteProjectID, handle, offset string) error {
	_, err := s.Execute(ctx, `INSERT INTO sync_shape_state (remote_project_id, shape_handle, shape_offset) VALUES (?, ?, ?)
		ON CONFLICT(remote_project_id) DO UPDATE SET shape_handle=excluded.shape_handle, shape_offset=excluded.shape_offset`,
		remoteProjectID, handle, offset)
	return err
}

func (s *Store) ClearShapeState(ctx context.Context, remoteProjectID string) error {
	_, err := s.Execute(ctx, `DELETE FROM sync_shape_state WHERE remote_project_id=?`, remoteProjectID)
	return err
}

// UpsertLabel applies a hive label.created/updated event: skipped if
// the hive's version is not strictly greater than what's stored.
func (s *Store) UpsertLabel(ctx context.Context, tag *model.Tag) (bool, error) {
	res, err := s.Execute(ctx, `INSERT INTO tags (id, name, color, shared_label_id, remote_version)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, color=excluded.color,
			shared_label_id=excluded.shared_label_id, remote_version=excluded.remote_version
		WHERE excluded.remote_version > tags.remote_version`,
		tag.ID, tag.Name, tag.Color, tag.SharedLabelID, tag.RemoteVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UnlinkLabel clears shared_label_id on a label.deleted event without
// deleting the row, preserving existing task associations.
func (s *Store) UnlinkLabel(ctx context.Context, sharedLabelID string) error {
	_, err := s.Execute(ctx, `UPDATE tags SET shared_label_id=NULL WHERE shared_label_id=?`, sharedLabelID)
	return err
}

func (s *Store) GetLabelBySharedID(ctx context.Context, sharedLabelID string) (*model.Tag, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, color, shared_label_id, remote_version FROM tags WHERE shared_label_id=?`, sharedLabelID)
	var t model.Tag
	var sharedID sql.NullString
	if err := row.Scan(&t.ID, &t.Name, &t.Color, &sharedID, &t.RemoteVersion); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.SharedLabelID = sharedID.String
	return &t, nil
}
