package model

import "time"

// NodeStatus tracks a node's last-reported liveness on the hive.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeBusy    NodeStatus = "busy"
	NodeDraining NodeStatus = "draining"
	NodeOffline NodeStatus = "offline"
)

// Node is the hive's registration record for one connected daemon.
type Node struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	MachineID       string     `json:"machine_id"`
	OrganizationID  string     `json:"organization_id"`
	PublicURL       string     `json:"public_url,omitempty"`
	Status          NodeStatus `json:"status"`
	Version         string     `json:"version,omitempty"`
	OS              string     `json:"os,omitempty"`
	Arch            string     `json:"arch,omitempty"`
	LastHeartbeatAt time.Time  `json:"last_heartbeat_at"`
	CreatedAt       time.Time  `json:"created_at"`
}

// NodeProject links a Node to a local project path it has registered
// with the hive, the hive-side half of a Project's remote shadow.
type NodeProject struct {
	NodeID          string    `json:"node_id"`
	RemoteProjectID string    `json:"remote_project_id"`
	Name            string    `json:"name"`
	OrganizationID  string    `json:"organization_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// SharedTask is the hive's canonical record of a task that may be
// dispatched to one or more nodes; Task.SharedTaskID on a node points
// back to this row's ID.
type SharedTask struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	ProjectID      string     `json:"project_id"` // remote_project_id
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Status         TaskStatus `json:"status"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// SyncState is a NodeTaskAttempt's backfill lifecycle stage, driven
// exclusively by the hive-side backfill service.
type SyncState string

const (
	SyncPartial         SyncState = "partial"
	SyncPendingBackfill SyncState = "pending_backfill"
	SyncComplete        SyncState = "complete"
)

// NodeTaskAttempt is the hive's partial mirror of one node's
// TaskAttempt, used to track how much of its execution history has
// been backfilled after a disconnect.
type NodeTaskAttempt struct {
	ID              string     `json:"id"`
	NodeID          string     `json:"node_id"`
	LocalAttemptID  string     `json:"local_attempt_id"`
	AssignmentID    string     `json:"assignment_id"`
	SyncState       SyncState  `json:"sync_state"`
	SyncRequestedAt *time.Time `json:"sync_requested_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TaskAssignment is the hive's record of one dispatch of a SharedTask
// to a node.
type TaskAssignment struct {
	ID           string     `json:"id"`
	SharedTaskID string     `json:"shared_task_id"`
	NodeID       string     `json:"node_id"`
	Status       string     `json:"status"` // pending, starting, running, completed, failed, cancelled
	Message      string     `json:"message,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CreatedAt    time.Time  `json:"created_at"`
}

// SharedActivityCursor is a node's resumable position in one remote
// project's hive activity log, advanced only in the same transaction
// as the event it reflects is applied.
type SharedActivityCursor struct {
	RemoteProjectID string `json:"remote_project_id"`
	LastSeq         int64  `json:"last_seq"`
}

// SwarmProject and SwarmTemplate are hive-side organizational records
// grouping nodes and reusable task templates; the node never mutates
// these directly, only reads them via sync.
type SwarmProject struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
}

type SwarmTemplate struct {
	ID             string `json:"id"`
	SwarmProjectID string `json:"swarm_project_id"`
	Name           string `json:"name"`
	TitleTemplate  string `json:"title_template"`
	BodyTemplate   string `json:"body_template,omitempty"`
}
