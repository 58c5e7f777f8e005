package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRegisterAndListAll(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)

	info := Info{
		ProjectRoot: "/home/user/proj",
		PID:         os.Getpid(),
		Binary:      "/usr/local/bin/swarmnode",
		StartedAt:   time.Now().UTC(),
		Ports:       Ports{Backend: 8080},
		Name:        "proj",
	}
	if err := r.Register(info); err != nil {
		t.Fatalf("register: %v", err)
	}

	all, err := r.ListAll()
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 || all[0].ProjectRoot != info.ProjectRoot {
		t.Fatalf("unexpected listing: %+v", all)
	}

	legacy := r.legacyPathFor(info.ProjectRoot)
	if _, err := os.Stat(legacy); err != nil {
		t.Fatalf("expected legacy port file: %v", err)
	}
}

func TestListRunningFiltersDeadPIDs(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)

	alive := Info{ProjectRoot: "/a", PID: os.Getpid()}
	dead := Info{ProjectRoot: "/b", PID: 999999}
	if err := r.Register(alive); err != nil {
		t.Fatalf("register alive: %v", err)
	}
	if err := r.Register(dead); err != nil {
		t.Fatalf("register dead: %v", err)
	}

	running, err := r.ListRunning()
	if err != nil {
		t.Fatalf("list running: %v", err)
	}
	if len(running) != 1 || running[0].ProjectRoot != "/a" {
		t.Fatalf("unexpected running set: %+v", running)
	}
}

func TestCleanupStaleRemovesDeadEntries(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)

	if err := r.Register(Info{ProjectRoot: "/dead", PID: 999999}); err != nil {
		t.Fatalf("register: %v", err)
	}

	removed, err := r.CleanupStale()
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	all, err := r.ListAll()
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected empty registry after cleanup, got %+v", all)
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)

	if err := r.Register(Info{ProjectRoot: "/proj", PID: os.Getpid()}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Unregister("/proj"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if err := r.Unregister("/proj"); err != nil {
		t.Fatalf("second unregister should be a no-op: %v", err)
	}
}

func TestFindByWorkingDirExactAndPrefixFallback(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)

	root := filepath.Join(dir, "project-root")
	if err := r.Register(Info{ProjectRoot: root, PID: os.Getpid()}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, ok := r.FindByWorkingDir(root); !ok {
		t.Fatal("expected exact match")
	}

	nested := filepath.Join(root, "worktrees", "attempt-1")
	if _, ok := r.FindByWorkingDir(nested); !ok {
		t.Fatal("expected prefix fallback match")
	}

	if _, ok := r.FindByWorkingDir("/completely/unrelated"); ok {
		t.Fatal("expected no match")
	}
}

func TestIgnoresUnparseableFiles(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)

	if err := os.WriteFile(filepath.Join(dir, "torn.json"), []byte("{not valid json"), 0o644); err != nil {
		t.Fatalf("write torn file: %v", err)
	}
	if err := r.Register(Info{ProjectRoot: "/ok", PID: os.Getpid()}); err != nil {
		t.Fatalf("register: %v", err)
	}

	all, err := r.ListAll()
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected torn file skipped, got %d entries", len(all))
	}
}
