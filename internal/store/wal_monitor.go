package store

import (
	"context"
	"sync"
	"time"

	"github.com/forgehive/swarmnode/internal/logger"
)

// walState names the states of the WAL monitor's state machine:
// Idle -> {CheckingSize | ExplicitCommand | PeriodicTruncate} -> Idle,
// terminal Shutdown.
type walState string

const (
	walIdle             walState = "idle"
	walCheckingSize     walState = "checking_size"
	walExplicitCommand  walState = "explicit_command"
	walPeriodicTruncate walState = "periodic_truncate"
	walShutdown         walState = "shutdown"
)

// walCommand is delivered over a bounded command channel; ticks are
// discarded once shutdown is pending.
type walCommand int

const (
	cmdCheckNow walCommand = iota
	cmdCheckpoint
	cmdTruncateCheckpoint
	cmdShutdown
)

type walMonitor struct {
	store *Store
	opts  Opts

	commands chan walCommand
	done     chan struct{}

	mu                 sync.Mutex
	state              walState
	shutdownRequested  bool
	lastCheckpointDur  time.Duration
	checkpointsByKind  map[string]int64
}

func newWALMonitor(s *Store, opts Opts) *walMonitor {
	return &walMonitor{
		store:             s,
		opts:              opts,
		commands:          make(chan walCommand, 8),
		done:              make(chan struct{}),
		state:             walIdle,
		checkpointsByKind: make(map[string]int64),
	}
}

func (w *walMonitor) start() {
	go w.run()
}

func (w *walMonitor) run() {
	checkTicker := time.NewTicker(w.opts.WALCheckInterval)
	truncateTicker := time.NewTicker(w.opts.WALTruncateInterval)
	defer checkTicker.Stop()
	defer truncateTicker.Stop()
	defer close(w.done)

	ctx := context.Background()

	for {
		select {
		case cmd := <-w.commands:
			if cmd != cmdShutdown && w.isShuttingDown() {
				continue
			}
			switch cmd {
			case cmdShutdown:
				w.setState(walShutdown)
				return
			case cmdCheckNow:
				w.setState(walCheckingSize)
				w.checkSize(ctx)
				w.setState(walIdle)
			case cmdCheckpoint:
				w.setState(walExplicitCommand)
				w.store.Checkpoint(ctx, CheckpointPassive)
				w.setState(walIdle)
			case cmdTruncateCheckpoint:
				w.setState(walExplicitCommand)
				w.store.Checkpoint(ctx, CheckpointTruncate)
				w.setState(walIdle)
			}

		case <-checkTicker.C:
			if w.isShuttingDown() {
				continue
			}
			w.setState(walCheckingSize)
			w.checkSize(ctx)
			w.setState(walIdle)

		case <-truncateTicker.C:
			if w.isShuttingDown() {
				continue
			}
			w.setState(walPeriodicTruncate)
			if _, err := w.store.Checkpoint(ctx, CheckpointTruncate); err != nil {
				logger.WarnCF("wal_monitor", "periodic truncate checkpoint failed", map[string]any{"error": err.Error()})
			}
			w.setState(walIdle)
		}
	}
}

func (w *walMonitor) checkSize(ctx context.Context) {
	sizeBytes := w.store.walSizeBytes()
	sizeKB := sizeBytes / 1024

	if sizeKB >= int64(w.opts.WALWarningKB) {
		logger.WarnCF("wal_monitor", "wal size above warning threshold", map[string]any{
			"size_kb": sizeKB, "threshold_kb": w.opts.WALWarningKB,
		})
	}

	if sizeKB >= int64(w.opts.WALCheckpointKB) && w.opts.AutoCheckpoint {
		if _, err := w.store.Checkpoint(ctx, CheckpointPassive); err != nil {
			logger.WarnCF("wal_monitor", "passive checkpoint failed", map[string]any{"error": err.Error()})
		}
	}
}

func (w *walMonitor) setState(s walState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *walMonitor) isShuttingDown() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.shutdownRequested
}

// recordCheckpoint keys the per-trigger count by checkpoint mode: every
// PASSIVE checkpoint counts as "size_threshold" and every TRUNCATE as
// "periodic_truncate", including explicit commands and the final
// checkpoint in Close.
func (w *walMonitor) recordCheckpoint(mode CheckpointMode, res CheckpointResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastCheckpointDur = res.Duration

	trigger := "size_threshold"
	if mode == CheckpointTruncate {
		trigger = "periodic_truncate"
	}
	w.checkpointsByKind[trigger]++
}

func (w *walMonitor) lastCheckpointMS() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return float64(w.lastCheckpointDur) / float64(time.Millisecond)
}

func (w *walMonitor) checkpointsByTrigger() map[string]int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]int64, len(w.checkpointsByKind))
	for k, v := range w.checkpointsByKind {
		out[k] = v
	}
	return out
}

// shutdown requests the monitor stop, draining pending ticks, and
// blocks until its goroutine exits.
func (w *walMonitor) shutdown() {
	w.mu.Lock()
	w.shutdownRequested = true
	w.mu.Unlock()

	select {
	case w.commands <- cmdShutdown:
	default:
	}

	<-w.done
}
