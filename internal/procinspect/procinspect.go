// Package procinspect discovers and kills process trees scoped to
// this daemon. Process-group signaling follows the teacher's
// pkg/agent/sandbox/host_process_unix.go (Setpgid + unix.Kill(-pid)).
// Tree discovery uses gopsutil, which the wider pack declares for
// exactly this purpose (r3e-network-service_layer/go.mod) but never
// exercises — this package is its first real call site.
package procinspect

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// Snapshot is one descendant process's resource usage, as returned by
// Snapshots. /api/diagnostics does not include these snapshots.
type Snapshot struct {
	PID        int32
	Name       string
	CPUPercent float64
	RSSBytes   uint64
}

// Descendants returns every transitive child of rootPID (the
// execution's root process), via repeated parent_pid lookups.
func Descendants(rootPID int32) ([]*process.Process, error) {
	all, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("enumerate processes: %w", err)
	}

	byParent := make(map[int32][]*process.Process, len(all))
	for _, p := range all {
		ppid, err := p.Ppid()
		if err != nil {
			continue
		}
		byParent[ppid] = append(byParent[ppid], p)
	}

	var out []*process.Process
	frontier := []int32{rootPID}
	for len(frontier) > 0 {
		pid := frontier[0]
		frontier = frontier[1:]
		for _, child := range byParent[pid] {
			out = append(out, child)
			frontier = append(frontier, child.Pid)
		}
	}
	return out, nil
}

// Snapshots reports CPU/RSS for rootPID and every descendant.
func Snapshots(rootPID int32) ([]Snapshot, error) {
	descendants, err := Descendants(rootPID)
	if err != nil {
		return nil, err
	}

	root, err := process.NewProcess(rootPID)
	procs := descendants
	if err == nil {
		procs = append([]*process.Process{root}, descendants...)
	}

	out := make([]Snapshot, 0, len(procs))
	for _, p := range procs {
		name, _ := p.Name()
		cpu, _ := p.CPUPercent()
		mem, _ := p.MemoryInfo()
		var rss uint64
		if mem != nil {
			rss = mem.RSS
		}
		out = append(out, Snapshot{PID: p.Pid, Name: name, CPUPercent: cpu, RSSBytes: rss})
	}
	return out, nil
}

// KillTree signals every descendant of rootPID and rootPID itself:
// leaves first with SIGTERM, then waits up to grace before SIGKILLing
// any survivor. PIDs are signaled individually rather than via the
// process group so descendants outside this daemon's spawn tree (e.g.
// a detached grandchild) are never touched — kill-tree is bounded to
// what Descendants actually discovers.
func KillTree(ctx context.Context, rootPID int32, grace time.Duration) error {
	descendants, err := Descendants(rootPID)
	if err != nil {
		return err
	}

	// leaves first: reverse discovery order approximates leaf-first
	// since Descendants is a breadth-first walk from the root.
	ordered := make([]int32, len(descendants))
	for i, p := range descendants {
		ordered[len(descendants)-1-i] = p.Pid
	}
	ordered = append(ordered, rootPID)

	for _, pid := range ordered {
		_ = unix.Kill(int(pid), unix.SIGTERM)
	}

	deadline := time.After(grace)
	select {
	case <-deadline:
	case <-ctx.Done():
	}

	for _, pid := range ordered {
		if IsAlive(pid) {
			_ = unix.Kill(int(pid), unix.SIGKILL)
		}
	}
	return nil
}

// KillProcessGroup is used when the execution manager itself started
// the root with Setpgid (the common case for a freshly spawned coding
// agent): a single negative-PID signal reaches the whole group at once.
func KillProcessGroup(pid int) {
	_ = unix.Kill(-pid, unix.SIGKILL)
}

func IsAlive(pid int32) bool {
	p, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	return err == nil && running
}
