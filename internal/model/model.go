// Package model holds the durable data model shared by the node and the
// hive: projects, tasks, attempts, execution processes, and the
// hive-side mirrors synced down from nodes.
package model

import (
	"encoding/json"
	"time"
)

// TaskStatus tracks a task through its lifecycle on a node.
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "inprogress"
	TaskStatusInReview   TaskStatus = "inreview"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// ExecutionProcessStatus tracks a single spawned subprocess.
type ExecutionProcessStatus string

const (
	ProcessStatusPending   ExecutionProcessStatus = "pending"
	ProcessStatusRunning   ExecutionProcessStatus = "running"
	ProcessStatusCompleted ExecutionProcessStatus = "completed"
	ProcessStatusFailed    ExecutionProcessStatus = "failed"
	ProcessStatusKilled    ExecutionProcessStatus = "killed"
)

// ExecutorSessionValidity describes whether external_session_id can
// still be used to resume a coding-agent session.
type ExecutorSessionValidity string

const (
	SessionUnknown     ExecutorSessionValidity = "unknown"
	SessionValid       ExecutorSessionValidity = "valid"
	SessionInvalidated ExecutorSessionValidity = "invalidated"
)

// ExecutorKind enumerates the coding agents a node can spawn.
type ExecutorKind string

const (
	ExecutorClaude ExecutorKind = "claude"
	ExecutorCodex  ExecutorKind = "codex"
	ExecutorGemini ExecutorKind = "gemini"
	ExecutorCursor ExecutorKind = "cursor"
)

// Project is a git repository the node manages worktrees against. A
// remote shadow project (IsRemote=true) carries no local worktree at
// all; every operation against it is proxied to OwningNodeID (see
// internal/proxy).
type Project struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	GitRepo       string `json:"git_repo_path"`
	SetupScript   string `json:"setup_script,omitempty"`
	DevScript     string `json:"dev_script,omitempty"`
	CleanupScript string `json:"cleanup_script,omitempty"`

	IsRemote        bool   `json:"is_remote"`
	RemoteProjectID string `json:"remote_project_id,omitempty"`
	OwningNodeID    string `json:"owning_node_id,omitempty"`
	OwningNodeURL   string `json:"owning_node_url,omitempty"`
	OwningNodeOnline bool  `json:"owning_node_online"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Task is a unit of work tracked against a project. SharedTaskID links
// a hive-synced task to its hive-side SharedTask; ActivityAt advances
// only on meaningful events (status change, new attempt, follow-up) so
// metadata-only edits never bump it.
type Task struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Status       TaskStatus `json:"status"`
	ParentTaskID *string    `json:"parent_task_id,omitempty"`

	SharedTaskID  string     `json:"shared_task_id,omitempty"`
	ArchivedAt    *time.Time `json:"archived_at,omitempty"`
	ActivityAt    *time.Time `json:"activity_at,omitempty"`
	RemoteVersion int64      `json:"remote_version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskAttempt is one worktree-isolated attempt at completing a task,
// possibly spanning several ExecutionProcesses (setup, coding agent,
// dev server, cleanup).
type TaskAttempt struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"task_id"`
	WorktreePath  string    `json:"worktree_path"`
	Branch        string    `json:"branch"`
	BaseBranch    string    `json:"base_branch"`
	Executor      ExecutorKind `json:"executor"`
	ServerInstanceID string `json:"server_instance_id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ExecutionProcess is one spawned OS process within a TaskAttempt.
type ExecutionProcess struct {
	ID            string                 `json:"id"`
	TaskAttemptID string                 `json:"task_attempt_id"`
	RunReason     string                 `json:"run_reason"` // setupscript, codingagent, devserver, cleanupscript
	Status        ExecutionProcessStatus `json:"status"`
	PID           int                    `json:"pid,omitempty"`
	ExitCode      *int                   `json:"exit_code,omitempty"`
	Dropped       bool                   `json:"dropped"`
	ServerInstanceID string              `json:"server_instance_id"`
	BeforeHeadCommit string              `json:"before_head_commit,omitempty"`
	AfterHeadCommit  string              `json:"after_head_commit,omitempty"`
	StartedAt     time.Time              `json:"started_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
}

// ExecutorSession records a coding agent's resumable external session.
type ExecutorSession struct {
	ExecutionProcessID string                   `json:"execution_process_id"`
	ExternalSessionID   string                  `json:"external_session_id,omitempty"`
	Validity            ExecutorSessionValidity `json:"validity"`
	UpdatedAt           time.Time               `json:"updated_at"`
}

// LogEntry is one normalized log row belonging to an ExecutionProcess,
// ordered and paginated by the monotonic ID assigned at insert time.
type LogEntry struct {
	ID                  int64           `json:"id"`
	ExecutionProcessID  string          `json:"execution_process_id"`
	Channel             string          `json:"channel"` // stdout, stderr, patch
	Content             string          `json:"content,omitempty"`
	Patch               json.RawMessage `json:"patch,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Merge records the outcome of merging a TaskAttempt's branch upstream.
type Merge struct {
	ID            string    `json:"id"`
	TaskAttemptID string    `json:"task_attempt_id"`
	CommitSHA     string    `json:"commit_sha,omitempty"`
	TargetBranch  string    `json:"target_branch"`
	Status        string    `json:"status"` // pending, merged, failed, conflicted
	CreatedAt     time.Time `json:"created_at"`
}

// PlanStep is one step of a coding agent's declared multi-step plan.
type PlanStep struct {
	ID                  string    `json:"id"`
	ExecutionProcessID   string    `json:"execution_process_id"`
	Index                int       `json:"index"`
	Title                string    `json:"title"`
	Status               string    `json:"status"` // pending, inprogress, done
	UpdatedAt            time.Time `json:"updated_at"`
}

// TaskVariable is a key/value pair injected into a task's execution
// environment (e.g. environment-specific secrets or parameters).
type TaskVariable struct {
	TaskID string `json:"task_id"`
	Key    string `json:"key"`
	Value  string `json:"value"`
}

// Tag is a user-defined label applicable to tasks. A hive-synced label
// carries SharedLabelID and RemoteVersion; label.deleted activity
// events clear SharedLabelID rather than deleting the row, which
// preserves existing task associations (a soft unlink).
type Tag struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Color         string `json:"color,omitempty"`
	SharedLabelID string `json:"shared_label_id,omitempty"`
	RemoteVersion int64  `json:"remote_version"`
}

// TaskLabel is the join row between tasks and tags.
type TaskLabel struct {
	TaskID string `json:"task_id"`
	TagID  string `json:"tag_id"`
}

// Draft is an unsent, in-progress task description the frontend
// autosaves before a TaskAttempt exists.
type Draft struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CachedNode is the hive's mirror of a node's identity and health,
// refreshed by heartbeats and backfill.
type CachedNode struct {
	NodeID      string    `json:"node_id"`
	Name        string    `json:"name"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	Online      bool      `json:"online"`
	Version     string    `json:"version,omitempty"`
}

// CachedNodeProject is the hive's mirror of a Project as reported by a
// node, keyed by (node_id, project_id).
type CachedNodeProject struct {
	NodeID    string    `json:"node_id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}
