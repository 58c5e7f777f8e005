// Package execution owns the lifecycle of every spawned coding-agent
// or script process: pre-spawn worktree preparation, streaming
// stdout/stderr into the message bus and durable log, kill-tree on
// stop, and post-exit bookkeeping (before/after head commits, soft
// drops, session resumption). Subprocess streaming follows the
// teacher's pkg/agent/sandbox/host.go stream-and-terminate shape;
// kill-tree composes with internal/procinspect.
package execution

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgehive/swarmnode/internal/logger"
	"github.com/forgehive/swarmnode/internal/model"
	"github.com/forgehive/swarmnode/internal/msgstore"
	"github.com/forgehive/swarmnode/internal/normalize"
	"github.com/forgehive/swarmnode/internal/procinspect"
	"github.com/forgehive/swarmnode/internal/store"
)

// RunReason names why a process was spawned.
const (
	RunReasonSetupScript   = "setupscript"
	RunReasonCodingAgent   = "codingagent"
	RunReasonDevServer     = "devserver"
	RunReasonCleanupScript = "cleanupscript"
)

// Action describes what to execute: a shell command line, the
// executor profile governing session resumption, and whether this
// executor supports resuming a prior external session at all.
type Action struct {
	Command    string
	Args       []string
	WorkingDir string
	Executor   model.ExecutorKind
	NoContext  bool // profile declares no session resumption support
}

type live struct {
	cmd       *exec.Cmd
	store     *msgstore.MsgStore
	startedAt time.Time
}

// Manager owns every in-flight ExecutionProcess on this daemon.
type Manager struct {
	store            *store.Store
	serverInstanceID string
	killGrace        time.Duration
	normMetrics      *normalize.Metrics

	mu   sync.Mutex
	live map[string]*live // execution process id -> live handle
}

func NewManager(s *store.Store, serverInstanceID string, killGrace time.Duration) *Manager {
	return &Manager{
		store:            s,
		serverInstanceID: serverInstanceID,
		killGrace:        killGrace,
		normMetrics:      normalize.NewMetrics(),
		live:             make(map[string]*live),
	}
}

func normalizerFor(executor model.ExecutorKind) normalize.Normalizer {
	switch executor {
	case model.ExecutorClaude, model.ExecutorCodex, model.ExecutorGemini:
		return normalize.JSONLNormalizer{}
	default:
		return normalize.PlainTextNormalizer{}
	}
}

// StartExecution ensures the attempt's worktree exists, captures
// before_head_commit, spawns the process, and wires its output into
// the attempt's MsgStore, durable log, and normalizer.
func (m *Manager) StartExecution(ctx context.Context, attempt *model.TaskAttempt, action Action, runReason string) (*model.ExecutionProcess, error) {
	gw := newGitWorktree(attempt.WorktreePath)
	beforeHead, err := gw.EnsureWorktree(ctx, attempt.WorktreePath, attempt.Branch, attempt.BaseBranch)
	if err != nil {
		return nil, fmt.Errorf("prepare worktree: %w", err)
	}

	proc := &model.ExecutionProcess{
		ID:               uuid.NewString(),
		TaskAttemptID:    attempt.ID,
		RunReason:        runReason,
		Status:           model.ProcessStatusPending,
		ServerInstanceID: m.serverInstanceID,
		StartedAt:        time.Now().UTC(),
	}
	if err := m.store.CreateExecutionProcess(ctx, proc); err != nil {
		return nil, fmt.Errorf("create execution process row: %w", err)
	}
	if err := m.store.SetExecutionBeforeHeadCommit(ctx, proc.ID, beforeHead); err != nil {
		return nil, fmt.Errorf("set before_head_commit: %w", err)
	}

	cmd := exec.CommandContext(context.Background(), action.Command, action.Args...)
	cmd.Dir = attempt.WorktreePath
	prepareCommandForTermination(cmd)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = m.store.CompleteExecutionProcess(ctx, proc.ID, model.ProcessStatusFailed, nil, "")
		return nil, fmt.Errorf("start process: %w", err)
	}

	bus := msgstore.New(0, 0)
	l := &live{cmd: cmd, store: bus, startedAt: time.Now()}
	m.mu.Lock()
	m.live[proc.ID] = l
	m.mu.Unlock()

	proc.Status = model.ProcessStatusRunning
	proc.PID = cmd.Process.Pid
	if _, err := m.store.Execute(ctx, `UPDATE execution_processes SET status=?, pid=? WHERE id=?`,
		model.ProcessStatusRunning, proc.PID, proc.ID); err != nil {
		logger.WarnCF("execution", "failed to mark process running", map[string]any{"error": err.Error()})
	}

	normDriver := normalize.NewDriver(normalizerFor(action.Executor), m.normMetrics)

	go m.streamOutput(stdoutPipe, bus, true, proc.ID)
	go m.streamOutput(stderrPipe, bus, false, proc.ID)
	go normDriver.Run(context.Background(), stdoutLines(bus), bus)
	go m.awaitExit(attempt, proc, l)

	return proc, nil
}

// stdoutLines bridges a MsgStore's own stdout stream back out as a
// <-chan string for the normalizer driver, mirroring how the spec
// describes the normalizer subscribing to "stdout_lines" of the bus.
func stdoutLines(bus *msgstore.MsgStore) <-chan string {
	out := make(chan string, 64)
	go func() {
		defer close(out)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		for m := range bus.LiveOnly(ctx) {
			if m.Kind == msgstore.KindStdout {
				out <- m.Text
			}
			if m.Kind == msgstore.KindFinished {
				return
			}
		}
	}()
	return out
}

func (m *Manager) streamOutput(pipe interface{ Read([]byte) (int, error) }, bus *msgstore.MsgStore, isStdout bool, processID string) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if isStdout {
			bus.PushStdout(line + "\n")
		} else {
			bus.PushStderr(line + "\n")
		}

		entry := &model.LogEntry{
			ExecutionProcessID: processID,
			Channel:            channelName(isStdout),
			Content:            line,
			CreatedAt:          time.Now().UTC(),
		}
		if _, err := m.store.AppendLogEntry(context.Background(), entry); err != nil {
			logger.WarnCF("execution", "failed to persist log entry", map[string]any{"error": err.Error()})
		}
	}
}

func channelName(isStdout bool) string {
	if isStdout {
		return "stdout"
	}
	return "stderr"
}

func (m *Manager) awaitExit(attempt *model.TaskAttempt, proc *model.ExecutionProcess, l *live) {
	waitErr := l.cmd.Wait()
	l.store.PushFinished()

	ctx := context.Background()
	gw := newGitWorktree(attempt.WorktreePath)
	afterHead, _ := gw.headCommit(ctx, attempt.WorktreePath)

	status := model.ProcessStatusCompleted
	var exitCode *int
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			code := exitErr.ExitCode()
			exitCode = &code
			status = model.ProcessStatusFailed
		} else {
			status = model.ProcessStatusFailed
		}
	} else {
		code := 0
		exitCode = &code
	}

	if err := m.store.CompleteExecutionProcess(ctx, proc.ID, status, exitCode, afterHead); err != nil {
		logger.WarnCF("execution", "failed to finalize process row", map[string]any{"error": err.Error()})
	}

	m.mu.Lock()
	delete(m.live, proc.ID)
	m.mu.Unlock()
}

// StopExecution discovers the descendant tree via the Process
// Inspector, signals SIGTERM, waits up to the configured grace window,
// then SIGKILLs survivors, and marks the row with terminalStatus.
func (m *Manager) StopExecution(ctx context.Context, processID string, terminalStatus model.ExecutionProcessStatus) error {
	m.mu.Lock()
	l, ok := m.live[processID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("execution %s is not live on this instance", processID)
	}

	pid := l.cmd.Process.Pid
	if err := procinspect.KillTree(ctx, int32(pid), m.killGrace); err != nil {
		logger.WarnCF("execution", "kill tree reported an error", map[string]any{"error": err.Error(), "pid": pid})
	}

	exitCode := -1
	return m.store.CompleteExecutionProcess(ctx, processID, terminalStatus, &exitCode, "")
}

// CleanupOrphanExecutions marks every row still "running" whose
// server_instance_id equals this daemon's id as killed (a restart
// means their OS processes are certainly gone); rows owned by a
// foreign instance are left untouched since that instance owns them.
func (m *Manager) CleanupOrphanExecutions(ctx context.Context) (int, error) {
	rows, err := m.store.ListRunningExecutionsByInstance(ctx, m.serverInstanceID)
	if err != nil {
		return 0, err
	}

	for _, row := range rows {
		exitCode := -1
		if err := m.store.CompleteExecutionProcess(ctx, row.ID, model.ProcessStatusKilled, &exitCode, ""); err != nil {
			return 0, fmt.Errorf("mark orphan %s killed: %w", row.ID, err)
		}
	}
	return len(rows), nil
}

// BackfillBeforeHeadCommits derives before_head_commit for processes
// that are missing it from the immediately preceding sibling's
// after_head_commit within the same attempt. A sibling with no
// recorded after_head_commit of its own leaves the gap unresolved,
// per the spec ("missing sources remain NULL").
func (m *Manager) BackfillBeforeHeadCommits(ctx context.Context, attemptID string) error {
	rows, err := m.store.ListAttemptExecutionsOrdered(ctx, attemptID)
	if err != nil {
		return err
	}

	var prevAfter string
	for _, row := range rows {
		if row.BeforeHeadCommit == "" && prevAfter != "" {
			if err := m.store.SetExecutionBeforeHeadCommitIfEmpty(ctx, row.ID, prevAfter); err != nil {
				return fmt.Errorf("backfill %s: %w", row.ID, err)
			}
		}
		prevAfter = row.AfterHeadCommit
	}
	return nil
}

// DropAtAndAfter soft-drops processID and every later sibling within
// the same attempt (by start order), used by retry to discard a
// superseded history tail without deleting it.
func (m *Manager) DropAtAndAfter(ctx context.Context, attemptID, processID string) error {
	rows, err := m.store.ListAttemptExecutionsOrdered(ctx, attemptID)
	if err != nil {
		return err
	}

	dropping := false
	for _, row := range rows {
		if row.ID == processID {
			dropping = true
		}
		if dropping {
			if err := m.store.MarkExecutionDropped(ctx, row.ID, true); err != nil {
				return fmt.Errorf("drop %s: %w", row.ID, err)
			}
		}
	}
	return nil
}

// NormalizerSnapshot exposes the shared normalizer metrics for the
// diagnostics endpoints.
func (m *Manager) NormalizerSnapshot() normalize.Snapshot {
	return m.normMetrics.Snapshot()
}

// SnapshotMetrics exposes the store's latency/retry/WAL counters for
// the diagnostics endpoints.
func (m *Manager) SnapshotMetrics() store.MetricsSnapshot {
	return m.store.SnapshotMetrics()
}

// LiveExecutionCount reports how many processes this instance currently
// has running.
func (m *Manager) LiveExecutionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// StreamLiveLogsOnly returns a handle onto the execution's MsgStore
// filtered for live-only semantics, for WebSocket tails that pair with
// a REST history call.
func (m *Manager) StreamLiveLogsOnly(ctx context.Context, processID string) (<-chan msgstore.LogMsg, error) {
	m.mu.Lock()
	l, ok := m.live[processID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("execution %s is not live on this instance", processID)
	}
	return l.store.LiveOnly(ctx), nil
}
