// Package sync implements the node-side half of the hive synchronization:
// a shape-style incremental sync that materializes a remote project's
// shared_tasks into local Task rows, and an orthogonal activity-log
// replay that keeps local Tag rows in step with hive-side labels. Both
// loops are driven the way the teacher drives its own background
// services (internal/store's WAL monitor, noderunner's reconnect
// loop): a ticker plus context cancellation, never a bare goroutine
// with no shutdown path.
package sync

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/forgehive/swarmnode/internal/logger"
	"github.com/forgehive/swarmnode/internal/model"
	"github.com/forgehive/swarmnode/internal/store"
)

// ShapeOpType enumerates the incremental operations a shape
// subscription can emit, per spec.md's Shape-style sync.
type ShapeOpType string

const (
	OpInsert      ShapeOpType = "insert"
	OpUpdate      ShapeOpType = "update"
	OpDelete      ShapeOpType = "delete"
	OpUpToDate    ShapeOpType = "up_to_date"
	OpMustRefetch ShapeOpType = "must_refetch"
)

// ShapeOp is one change the hive reports against shared_tasks filtered
// by organization_id and project_id.
type ShapeOp struct {
	Type         ShapeOpType
	Task         *model.SharedTask // set for Insert/Update
	SharedTaskID string            // set for Delete
}

// ShapeFetchResult is one page of a shape subscription, carrying the
// resumable (handle, offset) pair the loop persists between polls.
type ShapeFetchResult struct {
	Ops    []ShapeOp
	Handle string
	Offset string
}

// The ActivityLabel* constants enumerate the activity-log event kinds the label
// sync loop understands; everything else is ignored, per spec.md.
const (
	ActivityLabelCreated = "label.created"
	ActivityLabelUpdated = "label.updated"
	ActivityLabelDeleted = "label.deleted"
)

// ActivityEvent is one row of a hive project's append-only activity
// log, carrying a monotonic per-project seq.
type ActivityEvent struct {
	Seq     int64
	Type    string
	Label   *LabelPayload // set for label.* events
}

// LabelPayload is the activity payload for label.created/updated/deleted.
type LabelPayload struct {
	SharedLabelID string
	Name          string
	Color         string
	Version       int64
}

// HiveClient is the node's view of the hive's sync-relevant HTTP
// surface: a shape subscription poll and an activity-log page fetch.
// The concrete implementation is an HTTP client (see client.go);
// tests substitute a scripted fake.
type HiveClient interface {
	FetchShape(ctx context.Context, remoteProjectID, handle, offset string) (ShapeFetchResult, error)
	FetchActivity(ctx context.Context, remoteProjectID string, sinceSeq int64, limit int) ([]ActivityEvent, error)
}

// Engine drives both sync loops for a set of remote projects this node
// mirrors.
type Engine struct {
	store  *store.Store
	client HiveClient

	shapePoll    time.Duration
	activityPoll time.Duration
	pageSize     int
}

func NewEngine(s *store.Store, client HiveClient) *Engine {
	return &Engine{
		store:        s,
		client:       client,
		shapePoll:    5 * time.Second,
		activityPoll: 5 * time.Second,
		pageSize:     200,
	}
}

// Result reports what one shape-sync pass accomplished, matching S3's
// `SyncResult.refetched` observable.
type Result struct {
	Inserted  int
	Updated   int
	Deleted   int
	Refetched bool
}

// RunTaskShapeSync runs the shape-style task sync loop for
// remoteProjectID until ctx is cancelled, re-polling every shapePoll.
func (e *Engine) RunTaskShapeSync(ctx context.Context, remoteProjectID, localProjectID, organizationID string) {
	ticker := time.NewTicker(e.shapePoll)
	defer ticker.Stop()

	for {
		if _, err := e.SyncTaskShapeOnce(ctx, remoteProjectID, localProjectID, organizationID); err != nil {
			logger.WarnCF("sync", "task shape sync pass failed", map[string]any{"error": err.Error(), "project": remoteProjectID})
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SyncTaskShapeOnce drives the shape subscription to UpToDate or
// MustRefetch once, applying every op in order, then reconciles
// tombstones: any local task whose shared_task_id was seen active in
// a prior pass but is absent from this pass's final active set is
// deleted. MustRefetch restarts from empty local shape state and
// retries in the same call so a caller observing Result.Refetched
// always sees the final, consistent state.
func (e *Engine) SyncTaskShapeOnce(ctx context.Context, remoteProjectID, localProjectID, organizationID string) (Result, error) {
	var res Result

	handle, offset, err := e.store.GetShapeState(ctx, remoteProjectID)
	if err != nil {
		return res, fmt.Errorf("load shape state: %w", err)
	}

	active := make(map[string]struct{})
	for {
		page, err := e.client.FetchShape(ctx, remoteProjectID, handle, offset)
		if err != nil {
			return res, fmt.Errorf("fetch shape page: %w", err)
		}

		done := false
		for _, op := range page.Ops {
			switch op.Type {
			case OpInsert, OpUpdate:
				if op.Task == nil {
					continue
				}
				active[op.Task.ID] = struct{}{}
				if err := e.upsertRemoteTask(ctx, op.Task, localProjectID); err != nil {
					return res, fmt.Errorf("upsert remote task %s: %w", op.Task.ID, err)
				}
				if op.Type == OpInsert {
					res.Inserted++
				} else {
					res.Updated++
				}
			case OpDelete:
				if err := e.deleteBySharedTaskID(ctx, op.SharedTaskID); err != nil {
					return res, fmt.Errorf("delete shared task %s: %w", op.SharedTaskID, err)
				}
				delete(active, op.SharedTaskID)
				res.Deleted++
			case OpUpToDate:
				done = true
			case OpMustRefetch:
				res.Refetched = true
				if err := e.store.ClearShapeState(ctx, remoteProjectID); err != nil {
					return res, fmt.Errorf("clear shape state: %w", err)
				}
				handle, offset = "", ""
				active = make(map[string]struct{})
				continue
			}
		}

		handle, offset = page.Handle, page.Offset
		if err := e.store.SetShapeState(ctx, remoteProjectID, handle, offset); err != nil {
			return res, fmt.Errorf("persist shape state: %w", err)
		}
		if done {
			break
		}
	}

	if err := e.reconcileTombstones(ctx, localProjectID, active); err != nil {
		return res, fmt.Errorf("reconcile tombstones: %w", err)
	}
	return res, nil
}

func (e *Engine) upsertRemoteTask(ctx context.Context, shared *model.SharedTask, localProjectID string) error {
	existing, err := e.store.GetTaskBySharedID(ctx, shared.ID)
	if err != nil && err != store.ErrNotFound {
		return err
	}

	now := time.Now().UTC()
	if existing == nil {
		t := &model.Task{
			ID:            shared.ID,
			ProjectID:     localProjectID,
			Title:         shared.Title,
			Description:   shared.Description,
			Status:        shared.Status,
			SharedTaskID:  shared.ID,
			RemoteVersion: shared.Version,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return e.store.CreateTask(ctx, t)
	}

	if shared.Version <= existing.RemoteVersion {
		return nil
	}
	return e.store.UpdateSyncedTask(ctx, existing.ID, shared.Title, shared.Description, shared.Status, shared.Version)
}

func (e *Engine) deleteBySharedTaskID(ctx context.Context, sharedTaskID string) error {
	t, err := e.store.GetTaskBySharedID(ctx, sharedTaskID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return e.store.DeleteTask(ctx, t.ID)
}

// reconcileTombstones deletes every local task in localProjectID that
// carries a shared_task_id not present in active — the hive considers
// it gone even though no explicit Delete op arrived for it (e.g. the
// subscription's predicate changed, or the row aged out of scope).
func (e *Engine) reconcileTombstones(ctx context.Context, localProjectID string, active map[string]struct{}) error {
	tasks, err := e.store.ListTasksByProject(ctx, localProjectID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.SharedTaskID == "" {
			continue // locally-created task, never hive-owned
		}
		if _, ok := active[t.SharedTaskID]; !ok {
			if err := e.store.DeleteTask(ctx, t.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunLabelActivitySync pages through remoteProjectID's activity log
// from the persisted cursor, applying label.* events and ignoring
// everything else, until ctx is cancelled.
func (e *Engine) RunLabelActivitySync(ctx context.Context, remoteProjectID string) {
	ticker := time.NewTicker(e.activityPoll)
	defer ticker.Stop()

	for {
		if err := e.syncActivityOnce(ctx, remoteProjectID); err != nil {
			logger.WarnCF("sync", "activity sync pass failed", map[string]any{"error": err.Error(), "project": remoteProjectID})
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) syncActivityOnce(ctx context.Context, remoteProjectID string) error {
	for {
		cursor, err := e.store.GetActivityCursor(ctx, remoteProjectID)
		if err != nil {
			return fmt.Errorf("load activity cursor: %w", err)
		}

		events, err := e.client.FetchActivity(ctx, remoteProjectID, cursor, e.pageSize)
		if err != nil {
			return fmt.Errorf("fetch activity page: %w", err)
		}
		if len(events) == 0 {
			return nil
		}

		for _, ev := range events {
			if err := e.applyActivityEvent(ctx, remoteProjectID, ev); err != nil {
				return fmt.Errorf("apply activity event seq=%d: %w", ev.Seq, err)
			}
		}

		if len(events) < e.pageSize {
			return nil
		}
	}
}

// applyActivityEvent applies one event and advances the cursor inside
// a single transaction, so a crash between the two can never leave the
// cursor ahead of an unapplied mutation. Idempotent: label upserts are
// gated by version, and unlinking an already-unlinked label is a
// fixed point, so replaying the same seq twice is a no-op the second
// time.
func (e *Engine) applyActivityEvent(ctx context.Context, remoteProjectID string, ev ActivityEvent) error {
	return e.store.Transaction(ctx, func(tx *sql.Tx) error {
		switch ev.Type {
		case ActivityLabelCreated, ActivityLabelUpdated:
			if ev.Label == nil {
				break
			}
			if _, err := tx.Exec(`INSERT INTO tags (id, name, color, shared_label_id, remote_version)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET name=excluded.name, color=excluded.color,
					remote_version=excluded.remote_version
				WHERE excluded.remote_version > tags.remote_version`,
				ev.Label.SharedLabelID, ev.Label.Name, ev.Label.Color, ev.Label.SharedLabelID, ev.Label.Version); err != nil {
				return fmt.Errorf("upsert label: %w", err)
			}
		case ActivityLabelDeleted:
			if ev.Label == nil {
				break
			}
			if _, err := tx.Exec(`UPDATE tags SET shared_label_id=NULL WHERE shared_label_id=?`, ev.Label.SharedLabelID); err != nil {
				return fmt.Errorf("unlink label: %w", err)
			}
		default:
			// task.* events flow through the shape path; anything else
			// is an activity kind this sync loop doesn't understand yet.
		}

		if err := e.store.SetActivityCursorTx(tx, remoteProjectID, ev.Seq); err != nil {
			return fmt.Errorf("advance activity cursor: %w", err)
		}
		return nil
	})
}
