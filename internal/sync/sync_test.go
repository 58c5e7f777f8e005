package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgehive/swarmnode/internal/model"
	"github.com/forgehive/swarmnode/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	opts := store.DefaultOpts()
	opts.WALCheckInterval = time.Hour
	opts.WALTruncateInterval = time.Hour
	s, err := store.Open(filepath.Join(t.TempDir(), "sync.db"), opts)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

// fakeShapeClient scripts a fixed sequence of ShapeFetchResult pages,
// one per FetchShape call, regardless of the (handle, offset) passed in
// (tests only care about the op sequence, not resumability).
type fakeShapeClient struct {
	pages []ShapeFetchResult
	calls int
}

func (f *fakeShapeClient) FetchShape(_ context.Context, _, _, _ string) (ShapeFetchResult, error) {
	p := f.pages[f.calls]
	f.calls++
	return p, nil
}

func (f *fakeShapeClient) FetchActivity(_ context.Context, _ string, _ int64, _ int) ([]ActivityEvent, error) {
	return nil, nil
}

func sharedTask(id, title string, status model.TaskStatus, version int64) *model.SharedTask {
	return &model.SharedTask{ID: id, ProjectID: "remote-1", Title: title, Status: status, Version: version}
}

func TestSyncTaskShapeOnce_InsertsAndReachesUpToDate(t *testing.T) {
	s := openTestStore(t)
	client := &fakeShapeClient{pages: []ShapeFetchResult{
		{Ops: []ShapeOp{
			{Type: OpInsert, Task: sharedTask("t1", "first", model.TaskStatusTodo, 1)},
			{Type: OpInsert, Task: sharedTask("t2", "second", model.TaskStatusTodo, 1)},
			{Type: OpUpToDate},
		}, Handle: "h1", Offset: "1"},
	}}

	e := NewEngine(s, client)
	res, err := e.SyncTaskShapeOnce(context.Background(), "remote-1", "local-1", "org-1")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Inserted != 2 || res.Refetched {
		t.Fatalf("unexpected result: %+v", res)
	}

	tasks, err := s.ListTasksByProject(context.Background(), "local-1")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 local tasks, got %d", len(tasks))
	}
}

// TestSyncTaskShapeOnce_MustRefetch exercises S3: the hive emits a
// MustRefetch mid-stream, and after the loop reaches UpToDate the local
// set equals the final remote set with Result.Refetched=true.
func TestSyncTaskShapeOnce_MustRefetch(t *testing.T) {
	s := openTestStore(t)
	client := &fakeShapeClient{pages: []ShapeFetchResult{
		{Ops: []ShapeOp{
			{Type: OpInsert, Task: sharedTask("t1", "stale", model.TaskStatusTodo, 1)},
			{Type: OpMustRefetch},
		}, Handle: "", Offset: ""},
		{Ops: []ShapeOp{
			{Type: OpInsert, Task: sharedTask("t2", "fresh", model.TaskStatusTodo, 1)},
			{Type: OpUpToDate},
		}, Handle: "h2", Offset: "2"},
	}}

	e := NewEngine(s, client)
	res, err := e.SyncTaskShapeOnce(context.Background(), "remote-1", "local-1", "org-1")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !res.Refetched {
		t.Fatalf("expected Refetched=true, got %+v", res)
	}

	tasks, err := s.ListTasksByProject(context.Background(), "local-1")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	// t1 was inserted before the MustRefetch and never reappeared in the
	// post-refetch pass, so tombstone reconciliation must remove it.
	if len(tasks) != 1 || tasks[0].SharedTaskID != "t2" {
		t.Fatalf("expected only t2 to survive, got %+v", tasks)
	}
}

func TestSyncTaskShapeOnce_DeleteOp(t *testing.T) {
	s := openTestStore(t)
	client := &fakeShapeClient{pages: []ShapeFetchResult{
		{Ops: []ShapeOp{{Type: OpInsert, Task: sharedTask("t1", "first", model.TaskStatusTodo, 1)}, {Type: OpUpToDate}}},
	}}
	e := NewEngine(s, client)
	if _, err := e.SyncTaskShapeOnce(context.Background(), "remote-1", "local-1", "org-1"); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	client2 := &fakeShapeClient{pages: []ShapeFetchResult{
		{Ops: []ShapeOp{{Type: OpDelete, SharedTaskID: "t1"}, {Type: OpUpToDate}}},
	}}
	e2 := NewEngine(s, client2)
	res, err := e2.SyncTaskShapeOnce(context.Background(), "remote-1", "local-1", "org-1")
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res.Deleted != 1 {
		t.Fatalf("expected 1 delete, got %+v", res)
	}

	tasks, err := s.ListTasksByProject(context.Background(), "local-1")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected task to be gone, got %+v", tasks)
	}
}

type fakeActivityClient struct {
	events []ActivityEvent
}

func (f *fakeActivityClient) FetchShape(_ context.Context, _, _, _ string) (ShapeFetchResult, error) {
	return ShapeFetchResult{Ops: []ShapeOp{{Type: OpUpToDate}}}, nil
}

func (f *fakeActivityClient) FetchActivity(_ context.Context, _ string, sinceSeq int64, limit int) ([]ActivityEvent, error) {
	var out []ActivityEvent
	for _, ev := range f.events {
		if ev.Seq > sinceSeq {
			out = append(out, ev)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func TestSyncActivityOnce_UpsertsLabelAndAdvancesCursor(t *testing.T) {
	s := openTestStore(t)
	client := &fakeActivityClient{events: []ActivityEvent{
		{Seq: 1, Type: ActivityLabelCreated, Label: &LabelPayload{SharedLabelID: "lbl-1", Name: "bug", Color: "red", Version: 1}},
		{Seq: 2, Type: "task.created"}, // ignored
	}}
	e := NewEngine(s, client)

	if err := e.syncActivityOnce(context.Background(), "remote-1"); err != nil {
		t.Fatalf("sync activity: %v", err)
	}

	cursor, err := s.GetActivityCursor(context.Background(), "remote-1")
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if cursor != 2 {
		t.Fatalf("expected cursor=2, got %d", cursor)
	}

	label, err := s.GetLabelBySharedID(context.Background(), "lbl-1")
	if err != nil {
		t.Fatalf("get label: %v", err)
	}
	if label.Name != "bug" {
		t.Fatalf("unexpected label: %+v", label)
	}
}

func TestSyncActivityOnce_DeleteUnlinksWithoutDeletingRow(t *testing.T) {
	s := openTestStore(t)
	client := &fakeActivityClient{events: []ActivityEvent{
		{Seq: 1, Type: ActivityLabelCreated, Label: &LabelPayload{SharedLabelID: "lbl-1", Name: "bug", Color: "red", Version: 1}},
	}}
	e := NewEngine(s, client)
	if err := e.syncActivityOnce(context.Background(), "remote-1"); err != nil {
		t.Fatalf("create pass: %v", err)
	}

	client.events = append(client.events, ActivityEvent{Seq: 2, Type: ActivityLabelDeleted, Label: &LabelPayload{SharedLabelID: "lbl-1"}})
	if err := e.syncActivityOnce(context.Background(), "remote-1"); err != nil {
		t.Fatalf("delete pass: %v", err)
	}

	_, err := s.GetLabelBySharedID(context.Background(), "lbl-1")
	if err != store.ErrNotFound {
		t.Fatalf("expected shared_label_id to be unlinked (not found by that key), got %v", err)
	}
}

func TestSyncActivityOnce_IdempotentReplay(t *testing.T) {
	s := openTestStore(t)
	client := &fakeActivityClient{events: []ActivityEvent{
		{Seq: 1, Type: ActivityLabelCreated, Label: &LabelPayload{SharedLabelID: "lbl-1", Name: "bug", Color: "red", Version: 1}},
	}}
	e := NewEngine(s, client)
	if err := e.syncActivityOnce(context.Background(), "remote-1"); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if err := e.applyActivityEvent(context.Background(), "remote-1", client.events[0]); err != nil {
		t.Fatalf("replay: %v", err)
	}

	label, err := s.GetLabelBySharedID(context.Background(), "lbl-1")
	if err != nil {
		t.Fatalf("get label: %v", err)
	}
	if label.Name != "bug" || label.RemoteVersion != 1 {
		t.Fatalf("replay mutated state: %+v", label)
	}
}
