// Package hiveserver implements the hive side of the node<->hive
// WebSocket protocol: a per-connection session handler that
// de-multiplexes Auth/Heartbeat/TaskStatus/TaskOutput/TaskProgress
// frames, and a backfill service driving each NodeTaskAttempt's
// sync_state through partial -> pending_backfill -> complete. The
// connection registry is a map[nodeID]*Session.
package hiveserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forgehive/swarmnode/internal/logger"
)

const (
	heartbeatTimeout       = 90 * time.Second
	backfillTimeout        = 5 * time.Minute
	backfillBatchSize      = 10
	periodicBackfillPeriod = 60 * time.Second
	onlineWindow           = 5 * time.Minute
)

// SyncState is a NodeTaskAttempt's backfill lifecycle stage.
type SyncState string

const (
	SyncPartial         SyncState = "partial"
	SyncPendingBackfill SyncState = "pending_backfill"
	SyncComplete        SyncState = "complete"
)

// AttemptSync tracks one NodeTaskAttempt's backfill state.
type AttemptSync struct {
	AttemptID       string
	NodeID          string
	State           SyncState
	RequestedAt     time.Time
}

// ConnectionManager is the hive's registry of live node sessions,
// keyed by node id, mirroring the teacher's per-topic websocket
// connection map.
type ConnectionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{sessions: make(map[string]*Session)}
}

func (cm *ConnectionManager) register(s *Session) {
	cm.mu.Lock()
	cm.sessions[s.nodeID] = s
	cm.mu.Unlock()
}

func (cm *ConnectionManager) unregister(nodeID string) {
	cm.mu.Lock()
	delete(cm.sessions, nodeID)
	cm.mu.Unlock()
}

// Lookup returns the live session for nodeID, if connected.
func (cm *ConnectionManager) Lookup(nodeID string) (*Session, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	s, ok := cm.sessions[nodeID]
	return s, ok
}

// OnlineNodeIDs returns every node id with a live session whose last
// heartbeat is within onlineWindow.
func (cm *ConnectionManager) OnlineNodeIDs() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	var ids []string
	for id, s := range cm.sessions {
		if time.Since(s.lastHeartbeat()) <= onlineWindow {
			ids = append(ids, id)
		}
	}
	return ids
}

// AuthValidator authenticates an incoming node's api_key, returning its
// assigned node id, or false if rejected.
type AuthValidator func(apiKey, name, machineID string) (nodeID string, ok bool)

// AttemptSource reports which attempts belong to nodeID and currently
// need backfill (sync_state in partial or pending_backfill).
type AttemptSource interface {
	IncompleteAttemptsForNode(nodeID string) []string
}

// StatusSink persists a node's task_status report against its
// TaskAssignment row. Satisfied by *store.Store.
type StatusSink interface {
	UpsertTaskAssignmentStatus(ctx context.Context, assignmentID, status, message string) error
}

// Session is one node's live WebSocket connection. HandleConnection is
// its only reader; Send may be called from any goroutine and
// serializes writes under writeMu.
type Session struct {
	conn   *websocket.Conn
	cm     *ConnectionManager
	auth   AuthValidator
	source AttemptSource
	backfill *BackfillService
	status   StatusSink

	nodeID string

	mu            sync.Mutex
	heartbeatAt   time.Time
	authenticated bool

	writeMu sync.Mutex
}

// Send writes one JSON frame to the node, serialized against any other
// writer on this connection (gorilla's Conn forbids concurrent writes).
func (s *Session) Send(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// HandleConnection de-multiplexes one node's WebSocket for its
// lifetime. The first frame must be Auth; any other message before
// auth succeeds drops the connection immediately.
func HandleConnection(ctx context.Context, conn *websocket.Conn, cm *ConnectionManager, auth AuthValidator, source AttemptSource, backfill *BackfillService, status StatusSink) error {
	s := &Session{conn: conn, cm: cm, auth: auth, source: source, backfill: backfill, status: status}
	defer func() {
		if s.nodeID != "" {
			cm.unregister(s.nodeID)
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("session closed: %w", err)
		}

		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			logger.DebugCF("hiveserver", "discarding malformed frame", map[string]any{"error": err.Error()})
			continue
		}

		if !s.authenticated {
			if env.Type != "auth" {
				return fmt.Errorf("first frame was %q, not auth", env.Type)
			}
			if err := s.handleAuth(raw); err != nil {
				return err
			}
			continue
		}

		switch env.Type {
		case "heartbeat":
			s.mu.Lock()
			s.heartbeatAt = time.Now()
			s.mu.Unlock()
			_ = s.Send(map[string]any{"type": "heartbeat_ack", "server_time": time.Now().UTC()})
		case "task_status":
			s.handleTaskStatus(ctx, raw)
		case "task_output", "task_progress", "ack", "error":
			// live output/progress frames are carried by the unified
			// log service's own WebSocket path, not this session.
		case "backfill_response":
			if s.backfill != nil {
				s.backfill.handleResponse(ctx, raw)
			}
		default:
			logger.DebugCF("hiveserver", "unknown node message type", map[string]any{"type": env.Type})
		}
	}
}

func (s *Session) handleAuth(raw []byte) error {
	var msg struct {
		APIKey    string `json:"api_key"`
		Name      string `json:"name"`
		MachineID string `json:"machine_id"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("parse auth frame: %w", err)
	}

	nodeID, ok := s.auth(msg.APIKey, msg.Name, msg.MachineID)
	if !ok {
		_ = s.Send(map[string]any{"type": "auth_result", "success": false, "error": "invalid api key"})
		return fmt.Errorf("auth rejected for %q", msg.Name)
	}

	s.nodeID = nodeID
	s.mu.Lock()
	s.authenticated = true
	s.heartbeatAt = time.Now()
	s.mu.Unlock()
	s.cm.register(s)

	if err := s.Send(map[string]any{
		"type": "auth_result", "success": true, "node_id": nodeID, "protocol_version": 1,
	}); err != nil {
		return fmt.Errorf("send auth result: %w", err)
	}

	if s.source != nil && s.backfill != nil {
		incomplete := s.source.IncompleteAttemptsForNode(nodeID)
		if len(incomplete) > 0 {
			s.backfill.RequestReconnectBackfill(nodeID, incomplete)
		}
	}
	return nil
}

func (s *Session) handleTaskStatus(ctx context.Context, raw []byte) {
	var msg struct {
		AssignmentID string `json:"assignment_id"`
		Status       string `json:"status"`
		Error        string `json:"error"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.DebugCF("hiveserver", "discarding malformed task_status", map[string]any{"error": err.Error()})
		return
	}
	if s.status == nil {
		return
	}
	if err := s.status.UpsertTaskAssignmentStatus(ctx, msg.AssignmentID, msg.Status, msg.Error); err != nil {
		logger.WarnCF("hiveserver", "apply task_status failed", map[string]any{"error": err.Error(), "assignment_id": msg.AssignmentID})
	}
}

func (s *Session) lastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeatAt
}

// IsStale reports whether this session has missed heartbeatTimeout.
func (s *Session) IsStale() bool {
	return time.Since(s.lastHeartbeat()) > heartbeatTimeout
}
