// Package store is the node's durable SQLite store: pooled access,
// WAL mode, retry-on-busy, latency histograms, and a background WAL
// monitor, adapted from the teacher's sqlite-backed memory store but
// generalized for the full node data model and instrumented the way
// the teacher's daemon instruments process lifecycle.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/forgehive/swarmnode/internal/logger"
)

// Opts configures Open.
type Opts struct {
	MaxOpenConns       int
	BusyTimeoutMS      int
	SlowQueryThreshold time.Duration
	WALWarningKB       int
	WALCheckpointKB    int
	WALCheckInterval   time.Duration
	WALTruncateInterval time.Duration
	AutoCheckpoint     bool
}

func DefaultOpts() Opts {
	return Opts{
		MaxOpenConns:        8,
		BusyTimeoutMS:       5000,
		SlowQueryThreshold:  100 * time.Millisecond,
		WALWarningKB:        50 * 1024,
		WALCheckpointKB:     100 * 1024,
		WALCheckInterval:    60 * time.Second,
		WALTruncateInterval: 5 * time.Minute,
		AutoCheckpoint:      true,
	}
}

// Store wraps a pooled, WAL-mode SQLite connection with retry-on-busy
// semantics and observable metrics.
type Store struct {
	db   *sql.DB
	path string
	opts Opts

	metrics *metricsCollector
	monitor *walMonitor
}

var migrations = []struct {
	version int
	stmt    string
}{
	{1, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at DATETIME NOT NULL);`},
	{2, `CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY, name TEXT NOT NULL, git_repo_path TEXT NOT NULL,
		setup_script TEXT, dev_script TEXT, cleanup_script TEXT,
		created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL
	);`},
	{3, `CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY, project_id TEXT NOT NULL REFERENCES projects(id),
		title TEXT NOT NULL, description TEXT, status TEXT NOT NULL,
		parent_task_id TEXT, created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL
	);`},
	{4, `CREATE TABLE IF NOT EXISTS task_attempts (
		id TEXT PRIMARY KEY, task_id TEXT NOT NULL REFERENCES tasks(id),
		worktree_path TEXT NOT NULL, branch TEXT NOT NULL, base_branch TEXT NOT NULL,
		executor TEXT NOT NULL, server_instance_id TEXT NOT NULL,
		created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL
	);`},
	{5, `CREATE TABLE IF NOT EXISTS execution_processes (
		id TEXT PRIMARY KEY, task_attempt_id TEXT NOT NULL REFERENCES task_attempts(id),
		run_reason TEXT NOT NULL, status TEXT NOT NULL, pid INTEGER,
		exit_code INTEGER, dropped BOOLEAN NOT NULL DEFAULT 0,
		server_instance_id TEXT NOT NULL,
		before_head_commit TEXT, after_head_commit TEXT,
		external_session_id TEXT, session_validity TEXT NOT NULL DEFAULT 'unknown',
		started_at DATETIME NOT NULL, completed_at DATETIME
	);`},
	{6, `CREATE TABLE IF NOT EXISTS log_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_process_id TEXT NOT NULL REFERENCES execution_processes(id),
		channel TEXT NOT NULL, content TEXT, patch TEXT, created_at DATETIME NOT NULL
	);`},
	{7, `CREATE INDEX IF NOT EXISTS idx_log_entries_process ON log_entries(execution_process_id, id);`},
	{8, `CREATE TABLE IF NOT EXISTS merges (
		id TEXT PRIMARY KEY, task_attempt_id TEXT NOT NULL REFERENCES task_attempts(id),
		commit_sha TEXT, target_branch TEXT NOT NULL, status TEXT NOT NULL, created_at DATETIME NOT NULL
	);`},
	{9, `CREATE TABLE IF NOT EXISTS plan_steps (
		id TEXT PRIMARY KEY, execution_process_id TEXT NOT NULL REFERENCES execution_processes(id),
		idx INTEGER NOT NULL, title TEXT NOT NULL, status TEXT NOT NULL, updated_at DATETIME NOT NULL
	);`},
	{10, `CREATE TABLE IF NOT EXISTS task_variables (
		task_id TEXT NOT NULL REFERENCES tasks(id), key TEXT NOT NULL, value TEXT NOT NULL,
		PRIMARY KEY (task_id, key)
	);`},
	{11, `CREATE TABLE IF NOT EXISTS tags (id TEXT PRIMARY KEY, name TEXT NOT NULL UNIQUE, color TEXT);`},
	{12, `CREATE TABLE IF NOT EXISTS task_labels (
		task_id TEXT NOT NULL REFERENCES tasks(id), tag_id TEXT NOT NULL REFERENCES tags(id),
		PRIMARY KEY (task_id, tag_id)
	);`},
	{13, `CREATE TABLE IF NOT EXISTS drafts (
		id TEXT PRIMARY KEY, project_id TEXT NOT NULL REFERENCES projects(id),
		content TEXT NOT NULL, updated_at DATETIME NOT NULL
	);`},
	{14, `CREATE TABLE IF NOT EXISTS activity_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT, entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL, op TEXT NOT NULL, payload TEXT, created_at DATETIME NOT NULL
	);`},
	{15, `ALTER TABLE projects ADD COLUMN is_remote BOOLEAN NOT NULL DEFAULT 0;`},
	{16, `ALTER TABLE projects ADD COLUMN remote_project_id TEXT;`},
	{17, `ALTER TABLE projects ADD COLUMN owning_node_id TEXT;`},
	{18, `ALTER TABLE projects ADD COLUMN owning_node_url TEXT;`},
	{19, `ALTER TABLE tasks ADD COLUMN shared_task_id TEXT;`},
	{20, `ALTER TABLE tasks ADD COLUMN archived_at DATETIME;`},
	{21, `ALTER TABLE tasks ADD COLUMN activity_at DATETIME;`},
	{22, `ALTER TABLE tasks ADD COLUMN remote_version INTEGER NOT NULL DEFAULT 0;`},
	{23, `CREATE INDEX IF NOT EXISTS idx_tasks_shared_task_id ON tasks(shared_task_id);`},
	{24, `ALTER TABLE tags ADD COLUMN shared_label_id TEXT;`},
	{25, `ALTER TABLE tags ADD COLUMN remote_version INTEGER NOT NULL DEFAULT 0;`},
	{26, `CREATE TABLE IF NOT EXISTS shared_activity_cursor (
		remote_project_id TEXT PRIMARY KEY, last_seq INTEGER NOT NULL DEFAULT 0
	);`},
	{27, `CREATE TABLE IF NOT EXISTS sync_shape_state (
		remote_project_id TEXT PRIMARY KEY, shape_handle TEXT NOT NULL, shape_offset TEXT NOT NULL
	);`},
	{28, `CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY, name TEXT NOT NULL, machine_id TEXT NOT NULL,
		organization_id TEXT NOT NULL, public_url TEXT, status TEXT NOT NULL,
		version TEXT, os TEXT, arch TEXT,
		last_heartbeat_at DATETIME NOT NULL, created_at DATETIME NOT NULL
	);`},
	{29, `CREATE TABLE IF NOT EXISTS node_projects (
		node_id TEXT NOT NULL REFERENCES nodes(id), remote_project_id TEXT NOT NULL,
		name TEXT NOT NULL, organization_id TEXT NOT NULL, created_at DATETIME NOT NULL,
		PRIMARY KEY (node_id, remote_project_id)
	);`},
	{30, `CREATE TABLE IF NOT EXISTS shared_tasks (
		id TEXT PRIMARY KEY, organization_id TEXT NOT NULL, project_id TEXT NOT NULL,
		title TEXT NOT NULL, description TEXT, status TEXT NOT NULL, version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL
	);`},
	{31, `CREATE INDEX IF NOT EXISTS idx_shared_tasks_project ON shared_tasks(project_id);`},
	{32, `CREATE TABLE IF NOT EXISTS node_task_attempts (
		id TEXT PRIMARY KEY, node_id TEXT NOT NULL, local_attempt_id TEXT NOT NULL,
		assignment_id TEXT NOT NULL, sync_state TEXT NOT NULL DEFAULT 'partial',
		sync_requested_at DATETIME, updated_at DATETIME NOT NULL
	);`},
	{33, `CREATE INDEX IF NOT EXISTS idx_node_task_attempts_node ON node_task_attempts(node_id, sync_state);`},
	{34, `CREATE TABLE IF NOT EXISTS task_assignments (
		id TEXT PRIMARY KEY, shared_task_id TEXT NOT NULL, node_id TEXT NOT NULL,
		status TEXT NOT NULL, message TEXT, updated_at DATETIME NOT NULL, created_at DATETIME NOT NULL
	);`},
}

// Open applies pending migrations, enables WAL, and configures the
// connection pool, then starts the background WAL monitor.
func Open(path string, opts Opts) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout("+fmt.Sprint(opts.BusyTimeoutMS)+")")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set synchronous: %w", err)
	}

	s := &Store{db: db, path: path, opts: opts, metrics: newMetricsCollector()}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s.monitor = newWALMonitor(s, opts)
	s.monitor.start()

	return s, nil
}

func (s *Store) migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(migrations[0].stmt); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR IGNORE INTO schema_migrations (version, applied_at) VALUES (?, datetime('now'))`, migrations[0].version); err != nil {
		return err
	}

	var applied int
	row := tx.QueryRow(`SELECT COUNT(*) FROM schema_migrations`)
	if err := row.Scan(&applied); err != nil {
		return err
	}

	for _, m := range migrations[1:] {
		if m.version <= applied {
			continue
		}
		if _, err := tx.Exec(m.stmt); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, datetime('now'))`, m.version); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// DB exposes the underlying *sql.DB for repository-layer packages that
// need raw SQL access (the repositories themselves live alongside the
// components that own each entity, e.g. internal/execution).
func (s *Store) DB() *sql.DB { return s.db }

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// retryOnBusy runs f, retrying with exponential backoff (±20% jitter,
// capped at 8 attempts) whenever f returns a "database busy" error.
func (s *Store) retryOnBusy(ctx context.Context, f func() error) error {
	const maxAttempts = 8
	base := 5 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = f()
		if lastErr == nil {
			if attempt > 0 {
				s.metrics.retrySuccesses.Add(1)
			}
			return nil
		}
		if !isBusyErr(lastErr) {
			return lastErr
		}

		s.metrics.retryAttempts.Add(1)
		backoff := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
		jitter := 1 + (rand.Float64()*0.4 - 0.2)
		wait := time.Duration(float64(backoff) * jitter)

		select {
		case <-ctx.Done():
			s.metrics.retryFailures.Add(1)
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	s.metrics.retryFailures.Add(1)
	return fmt.Errorf("database busy after %d attempts: %w", maxAttempts, lastErr)
}

// Query runs a read query with retry-on-busy and latency tracking.
func (s *Store) Query(ctx context.Context, stmt string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	start := time.Now()
	err := s.retryOnBusy(ctx, func() error {
		var qerr error
		rows, qerr = s.db.QueryContext(ctx, stmt, args...)
		return qerr
	})
	s.metrics.recordLatency(time.Since(start))
	return rows, err
}

// Execute runs a write statement with retry-on-busy and latency tracking.
func (s *Store) Execute(ctx context.Context, stmt string, args ...any) (sql.Result, error) {
	var res sql.Result
	start := time.Now()
	err := s.retryOnBusy(ctx, func() error {
		var eerr error
		res, eerr = s.db.ExecContext(ctx, stmt, args...)
		return eerr
	})
	s.metrics.recordLatency(time.Since(start))
	return res, err
}

// Transaction runs f inside a transaction, retrying the whole
// transaction on a busy error.
func (s *Store) Transaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	start := time.Now()
	err := s.retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := f(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	s.metrics.recordLatency(time.Since(start))
	return err
}

// CheckpointMode selects the SQLite WAL checkpoint mode.
type CheckpointMode string

const (
	CheckpointPassive  CheckpointMode = "PASSIVE"
	CheckpointTruncate CheckpointMode = "TRUNCATE"
)

// CheckpointResult mirrors sqlite3_wal_checkpoint_v2's three integers.
type CheckpointResult struct {
	Blocked      bool
	LogPages     int
	Checkpointed int
	Duration     time.Duration
}

func (s *Store) Checkpoint(ctx context.Context, mode CheckpointMode) (CheckpointResult, error) {
	start := time.Now()
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("PRAGMA wal_checkpoint(%s);", mode))

	var busy, logPages, checkpointed int
	if err := row.Scan(&busy, &logPages, &checkpointed); err != nil {
		return CheckpointResult{}, fmt.Errorf("checkpoint: %w", err)
	}

	res := CheckpointResult{
		Blocked:      busy != 0,
		LogPages:     logPages,
		Checkpointed: checkpointed,
		Duration:     time.Since(start),
	}
	s.monitor.recordCheckpoint(mode, res)
	return res, nil
}

func (s *Store) walSizeBytes() int64 {
	info, err := os.Stat(s.path + "-wal")
	if err != nil {
		return 0
	}
	return info.Size()
}

// Close stops the WAL monitor, performs a final best-effort TRUNCATE
// checkpoint, and closes the pool. Mirrors the teacher's daemon
// shutdown sequence: stop background work, flush, then release
// resources.
func (s *Store) Close(ctx context.Context) error {
	s.monitor.shutdown()

	if _, err := s.Checkpoint(ctx, CheckpointTruncate); err != nil {
		logger.WarnCF("store", "final checkpoint failed", map[string]any{"error": err.Error()})
	}

	return s.db.Close()
}

// MetricsSnapshot is the JSON/Prometheus-exportable view of store health.
type MetricsSnapshot struct {
	Total              int64            `json:"total"`
	Slow               int64            `json:"slow"`
	AvgMS              float64          `json:"avg_ms"`
	P50MS              float64          `json:"p50_ms"`
	P95MS              float64          `json:"p95_ms"`
	P99MS              float64          `json:"p99_ms"`
	BusyErrors         int64            `json:"busy_errors"`
	RetryAttempts      int64            `json:"retry_attempts"`
	RetrySuccesses     int64            `json:"retry_successes"`
	RetryFailures      int64            `json:"retry_failures"`
	WALBytes           int64            `json:"wal_bytes"`
	LastCheckpointMS   float64          `json:"last_checkpoint_ms"`
	CheckpointsByTrigger map[string]int64 `json:"checkpoints_by_trigger"`
}

func (s *Store) SnapshotMetrics() MetricsSnapshot {
	snap := s.metrics.snapshot()
	snap.WALBytes = s.walSizeBytes()
	snap.LastCheckpointMS = s.monitor.lastCheckpointMS()
	snap.CheckpointsByTrigger = s.monitor.checkpointsByTrigger()
	return snap
}

var ErrNotFound = errors.New("store: not found")
