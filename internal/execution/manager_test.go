package execution

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/forgehive/swarmnode/internal/model"
	"github.com/forgehive/swarmnode/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	opts := store.DefaultOpts()
	opts.WALCheckInterval = time.Hour
	opts.WALTruncateInterval = time.Hour
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func seedAttempt(t *testing.T, s *store.Store) *model.TaskAttempt {
	t.Helper()
	ctx := context.Background()
	a := &model.TaskAttempt{
		ID:           uuid.NewString(),
		TaskID:       uuid.NewString(),
		WorktreePath: t.TempDir(),
		Branch:       "attempt-branch",
		BaseBranch:   "main",
		Executor:     model.ExecutorClaude,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := s.CreateTaskAttempt(ctx, a); err != nil {
		t.Fatalf("CreateTaskAttempt: %v", err)
	}
	return a
}

// seedProcess inserts an execution process directly, bypassing
// StartExecution (which spawns a real subprocess), with a
// started_at spaced strictly after the previous call so
// ListAttemptExecutionsOrdered's start-order sort is deterministic.
func seedProcess(t *testing.T, s *store.Store, attemptID string, beforeHead, afterHead string, offset time.Duration) *model.ExecutionProcess {
	t.Helper()
	ctx := context.Background()
	p := &model.ExecutionProcess{
		ID:            uuid.NewString(),
		TaskAttemptID: attemptID,
		RunReason:     RunReasonCodingAgent,
		Status:        model.ProcessStatusCompleted,
		StartedAt:     time.Now().UTC().Add(offset),
	}
	if err := s.CreateExecutionProcess(ctx, p); err != nil {
		t.Fatalf("CreateExecutionProcess: %v", err)
	}
	if beforeHead != "" {
		if err := s.SetExecutionBeforeHeadCommit(ctx, p.ID, beforeHead); err != nil {
			t.Fatalf("SetExecutionBeforeHeadCommit: %v", err)
		}
		p.BeforeHeadCommit = beforeHead
	}
	if afterHead != "" {
		if err := s.CompleteExecutionProcess(ctx, p.ID, model.ProcessStatusCompleted, nil, afterHead); err != nil {
			t.Fatalf("CompleteExecutionProcess: %v", err)
		}
		p.AfterHeadCommit = afterHead
	}
	return p
}

// TestDropAtAndAfter exercises testable property #3 and scenario S2:
// dropping P2 in [P1,P2,P3] marks exactly P2 and P3 dropped, leaving
// P1 untouched.
func TestDropAtAndAfter(t *testing.T) {
	s := openTestStore(t)
	m := NewManager(s, "instance-a", 5*time.Second)
	ctx := context.Background()

	attempt := seedAttempt(t, s)
	p1 := seedProcess(t, s, attempt.ID, "", "c1", 0)
	p2 := seedProcess(t, s, attempt.ID, "c1", "c2", time.Millisecond)
	p3 := seedProcess(t, s, attempt.ID, "c2", "c3", 2*time.Millisecond)

	if err := m.DropAtAndAfter(ctx, attempt.ID, p2.ID); err != nil {
		t.Fatalf("DropAtAndAfter: %v", err)
	}

	got1, err := s.GetExecutionProcess(ctx, p1.ID)
	if err != nil {
		t.Fatalf("GetExecutionProcess p1: %v", err)
	}
	if got1.Dropped {
		t.Errorf("p1 should remain non-dropped")
	}

	for _, id := range []string{p2.ID, p3.ID} {
		got, err := s.GetExecutionProcess(ctx, id)
		if err != nil {
			t.Fatalf("GetExecutionProcess %s: %v", id, err)
		}
		if !got.Dropped {
			t.Errorf("process %s should be dropped", id)
		}
	}
}

// TestTargetResetCommit_OwnBeforeHead covers the first branch of the
// reset-commit algorithm: the target's own before_head_commit wins
// when present.
func TestTargetResetCommit_OwnBeforeHead(t *testing.T) {
	s := openTestStore(t)
	m := NewManager(s, "instance-a", 5*time.Second)
	ctx := context.Background()

	attempt := seedAttempt(t, s)
	target := seedProcess(t, s, attempt.ID, "c0", "c1", 0)

	got, err := m.targetResetCommit(ctx, target)
	if err != nil {
		t.Fatalf("targetResetCommit: %v", err)
	}
	if got != "c0" {
		t.Errorf("targetResetCommit = %q, want %q", got, "c0")
	}
}

// TestTargetResetCommit_PreviousSiblingAfterHead covers the fallback
// branch: when the target has no before_head_commit of its own, the
// immediately preceding sibling's after_head_commit is used.
func TestTargetResetCommit_PreviousSiblingAfterHead(t *testing.T) {
	s := openTestStore(t)
	m := NewManager(s, "instance-a", 5*time.Second)
	ctx := context.Background()

	attempt := seedAttempt(t, s)
	seedProcess(t, s, attempt.ID, "c0", "c1", 0)
	target := seedProcess(t, s, attempt.ID, "", "c2", time.Millisecond)

	got, err := m.targetResetCommit(ctx, target)
	if err != nil {
		t.Fatalf("targetResetCommit: %v", err)
	}
	if got != "c1" {
		t.Errorf("targetResetCommit = %q, want %q", got, "c1")
	}
}

// TestLatestResumableSession_SkipsDroppedAndNoContext checks that the
// session picked for a follow-up ignores dropped siblings and
// short-circuits entirely for no_context executors.
func TestLatestResumableSession_SkipsDroppedAndNoContext(t *testing.T) {
	s := openTestStore(t)
	m := NewManager(s, "instance-a", 5*time.Second)
	ctx := context.Background()

	attempt := seedAttempt(t, s)
	p1 := seedProcess(t, s, attempt.ID, "", "c1", 0)
	p2 := seedProcess(t, s, attempt.ID, "c1", "c2", time.Millisecond)

	if err := s.SetExecutorSession(ctx, p1.ID, "session-1", model.SessionValid); err != nil {
		t.Fatalf("SetExecutorSession p1: %v", err)
	}
	if err := s.SetExecutorSession(ctx, p2.ID, "session-2", model.SessionValid); err != nil {
		t.Fatalf("SetExecutorSession p2: %v", err)
	}
	if err := m.DropAtAndAfter(ctx, attempt.ID, p2.ID); err != nil {
		t.Fatalf("DropAtAndAfter: %v", err)
	}

	got, err := m.LatestResumableSession(ctx, attempt.ID, false)
	if err != nil {
		t.Fatalf("LatestResumableSession: %v", err)
	}
	if got != "session-1" {
		t.Errorf("LatestResumableSession = %q, want %q (p2 is dropped)", got, "session-1")
	}

	got, err = m.LatestResumableSession(ctx, attempt.ID, true)
	if err != nil {
		t.Fatalf("LatestResumableSession no_context: %v", err)
	}
	if got != "" {
		t.Errorf("LatestResumableSession with no_context = %q, want empty", got)
	}
}
