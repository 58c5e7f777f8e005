package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgehive/swarmnode/internal/model"
)

func testOpts() Opts {
	o := DefaultOpts()
	o.WALCheckInterval = time.Hour
	o.WALTruncateInterval = time.Hour
	return o
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, testOpts())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		s.Close(context.Background())
	})
	return s
}

func TestOpenAppliesMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, testOpts())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close(context.Background())

	s2, err := Open(path, testOpts())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close(context.Background())

	var count int
	row := s2.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("applied %d migrations, want %d", count, len(migrations))
	}
}

func TestCreateAndGetProject(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := &model.Project{
		ID: "proj-1", Name: "demo", GitRepo: "/tmp/repo",
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := s.CreateProject(ctx, p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	got, err := s.GetProject(ctx, "proj-1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got.Name != "demo" {
		t.Errorf("Name = %q, want demo", got.Name)
	}
}

func TestGetProjectNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetProject(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLogEntryPaginationForwardAndBackward(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.AppendLogEntry(ctx, &model.LogEntry{
			ExecutionProcessID: "proc-1", Channel: "stdout", Content: "line", CreatedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("AppendLogEntry: %v", err)
		}
	}

	page, err := s.ListLogEntries(ctx, "proc-1", nil, 2, "forward")
	if err != nil {
		t.Fatalf("ListLogEntries: %v", err)
	}
	if len(page.Entries) != 2 || !page.HasMore {
		t.Fatalf("page = %+v, want 2 entries with more", page)
	}

	next, err := s.ListLogEntries(ctx, "proc-1", page.NextCursor, 2, "forward")
	if err != nil {
		t.Fatalf("ListLogEntries page 2: %v", err)
	}
	if len(next.Entries) != 2 {
		t.Fatalf("page2 entries = %d, want 2", len(next.Entries))
	}
	if next.Entries[0].ID <= page.Entries[len(page.Entries)-1].ID {
		t.Errorf("page2 should start after page1's last cursor")
	}

	back, err := s.ListLogEntries(ctx, "proc-1", next.NextCursor, 10, "backward")
	if err != nil {
		t.Fatalf("ListLogEntries backward: %v", err)
	}
	if len(back.Entries) != 3 {
		t.Fatalf("backward entries = %d, want 3", len(back.Entries))
	}
	for i := 1; i < len(back.Entries); i++ {
		if back.Entries[i].ID >= back.Entries[i-1].ID {
			t.Errorf("backward page not descending at %d", i)
		}
	}
}

func TestCheckpointTruncate(t *testing.T) {
	s := openTestStore(t)
	res, err := s.Checkpoint(context.Background(), CheckpointTruncate)
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if res.Blocked {
		t.Errorf("unexpected blocked checkpoint on idle db")
	}
}

func TestSnapshotMetricsTracksQueries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rows, err := s.Query(ctx, `SELECT 1`)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	rows.Close()

	snap := s.SnapshotMetrics()
	if snap.Total == 0 {
		t.Errorf("expected at least one recorded query")
	}
}
