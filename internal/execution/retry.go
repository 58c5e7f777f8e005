package execution

import (
	"context"
	"fmt"

	"github.com/forgehive/swarmnode/internal/model"
)

// ErrDirtyWorktree is returned by Retry when the worktree has
// uncommitted changes and the caller did not force the reset.
var ErrDirtyWorktree = fmt.Errorf("execution: worktree is not clean")

// RetryRequest describes a follow-up that supersedes retryProcessID
// and everything started after it within the same attempt.
type RetryRequest struct {
	Attempt         *model.TaskAttempt
	RetryProcessID  string
	ForceWhenDirty  bool
	FollowUp        Action
}

// Retry validates the target, computes the reset target, reconciles
// the worktree, stops running processes, soft-drops the superseded
// tail, and starts the follow-up as a normal execution. It does not
// read or clear any draft.
func (m *Manager) Retry(ctx context.Context, req RetryRequest) (*model.ExecutionProcess, error) {
	target, err := m.store.GetExecutionProcess(ctx, req.RetryProcessID)
	if err != nil {
		return nil, fmt.Errorf("load retry target: %w", err)
	}
	if target.TaskAttemptID != req.Attempt.ID {
		return nil, fmt.Errorf("process %s does not belong to attempt %s", req.RetryProcessID, req.Attempt.ID)
	}

	resetCommit, err := m.targetResetCommit(ctx, target)
	if err != nil {
		return nil, err
	}

	gw := newGitWorktree(req.Attempt.WorktreePath)
	if resetCommit != "" {
		clean, err := gw.IsClean(ctx, req.Attempt.WorktreePath)
		if err != nil {
			return nil, fmt.Errorf("check worktree clean: %w", err)
		}
		if !clean && !req.ForceWhenDirty {
			return nil, ErrDirtyWorktree
		}
		if err := gw.ResetTo(ctx, req.Attempt.WorktreePath, resetCommit); err != nil {
			return nil, fmt.Errorf("reconcile worktree to %s: %w", resetCommit, err)
		}
	}

	if err := m.stopRunningForAttempt(ctx, req.Attempt.ID); err != nil {
		return nil, fmt.Errorf("stop running processes: %w", err)
	}

	if err := m.DropAtAndAfter(ctx, req.Attempt.ID, req.RetryProcessID); err != nil {
		return nil, fmt.Errorf("soft-drop superseded tail: %w", err)
	}

	// No draft is looked up or cleared here: the drafts table is keyed
	// by project, not by attempt, and no store method reads or deletes
	// drafts.

	return m.StartExecution(ctx, req.Attempt, req.FollowUp, RunReasonCodingAgent)
}

// targetResetCommit computes the reset point: the target's own
// before_head_commit, else the previous sibling's after_head_commit.
func (m *Manager) targetResetCommit(ctx context.Context, target *model.ExecutionProcess) (string, error) {
	if target.BeforeHeadCommit != "" {
		return target.BeforeHeadCommit, nil
	}

	siblings, err := m.store.ListAttemptExecutionsOrdered(ctx, target.TaskAttemptID)
	if err != nil {
		return "", err
	}
	var prev *model.ExecutionProcess
	for _, s := range siblings {
		if s.ID == target.ID {
			break
		}
		prev = s
	}
	if prev != nil {
		return prev.AfterHeadCommit, nil
	}
	return "", nil
}

func (m *Manager) stopRunningForAttempt(ctx context.Context, attemptID string) error {
	rows, err := m.store.ListAttemptExecutionsOrdered(ctx, attemptID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.Status != model.ProcessStatusRunning {
			continue
		}
		if err := m.StopExecution(ctx, row.ID, model.ProcessStatusKilled); err != nil {
			return err
		}
	}
	return nil
}

// LatestResumableSession picks the latest non-dropped execution's
// external_session_id for a follow-up, skipping entirely if the
// executor profile declares no_context.
func (m *Manager) LatestResumableSession(ctx context.Context, attemptID string, noContext bool) (string, error) {
	if noContext {
		return "", nil
	}

	rows, err := m.store.ListAttemptExecutionsOrdered(ctx, attemptID)
	if err != nil {
		return "", err
	}
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if row.Dropped {
			continue
		}
		sess, err := m.loadSession(ctx, row.ID)
		if err != nil {
			return "", err
		}
		if sess != nil && sess.Validity == model.SessionValid {
			return sess.ExternalSessionID, nil
		}
	}
	return "", nil
}

func (m *Manager) loadSession(ctx context.Context, processID string) (*model.ExecutorSession, error) {
	row := m.store.DB().QueryRowContext(ctx,
		`SELECT external_session_id, session_validity FROM execution_processes WHERE id=?`, processID)

	var sessionID, validity string
	if err := row.Scan(&sessionID, &validity); err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, nil
	}
	return &model.ExecutorSession{
		ExecutionProcessID: processID,
		ExternalSessionID:  sessionID,
		Validity:           model.ExecutorSessionValidity(validity),
	}, nil
}

// InvalidateSession clears external_session_id after the executor
// reports "conversation not found", forcing a clean retry.
func (m *Manager) InvalidateSession(ctx context.Context, processID string) error {
	return m.store.InvalidateExecutorSession(ctx, processID)
}

// InvalidateAllSessionsForAttempt invalidates every session under an
// attempt, used to force a fully clean retry.
func (m *Manager) InvalidateAllSessionsForAttempt(ctx context.Context, attemptID string) error {
	rows, err := m.store.ListAttemptExecutionsOrdered(ctx, attemptID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := m.InvalidateSession(ctx, row.ID); err != nil {
			return err
		}
	}
	return nil
}
