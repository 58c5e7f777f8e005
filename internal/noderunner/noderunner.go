// Package noderunner drives this node's single outbound connection to
// the hive: a reconnecting WebSocket client with an explicit state
// machine (Disconnected/Authenticating/Connected/Heartbeating) and
// exponential-backoff reconnect, carrying the Auth/Heartbeat/
// TaskStatus/TaskOutput/TaskProgress/Ack/Error envelope family the
// spec's external-interfaces section defines. The dial/read/write-pump
// shape follows pkg/pico/client.go; the backoff policy follows
// pkg/daemon/restart.go's RestartPolicy.
package noderunner

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forgehive/swarmnode/internal/logger"
)

// State is the connection's lifecycle stage.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StateHeartbeating    State = "heartbeating"
)

const ProtocolVersion = 1

// Envelope is the generic {"type": ...} shape every node<->hive message
// carries; callers re-unmarshal the raw frame into a concrete type once
// Type is known.
type Envelope struct {
	Type string `json:"type"`
}

// AuthMessage is the first frame sent after dialing.
type AuthMessage struct {
	Type            string       `json:"type"`
	ProtocolVersion int          `json:"protocol_version"`
	APIKey          string       `json:"api_key"`
	Name            string       `json:"name"`
	MachineID       string       `json:"machine_id"`
	Capabilities    Capabilities `json:"capabilities"`
	PublicURL       string       `json:"public_url,omitempty"`
}

type Capabilities struct {
	Executors         []string `json:"executors"`
	MaxConcurrentTasks int     `json:"max_concurrent_tasks"`
	OS                string   `json:"os"`
	Arch              string   `json:"arch"`
	Version           string   `json:"version"`
}

// Heartbeat reports this node's current load to the hive.
type Heartbeat struct {
	Type        string `json:"type"`
	Status      string `json:"status"` // online, busy, draining
	ActiveTasks int    `json:"active_tasks"`
}

// AuthResult is the hive's reply to AuthMessage.
type AuthResult struct {
	Type              string   `json:"type"`
	Success           bool     `json:"success"`
	NodeID            string   `json:"node_id,omitempty"`
	OrganizationID    string   `json:"organization_id,omitempty"`
	Error             string   `json:"error,omitempty"`
	ProtocolVersion   int      `json:"protocol_version"`
	LinkedProjects    []string `json:"linked_projects"`
}

// TaskAssign is pushed by the hive to start work on this node.
type TaskAssign struct {
	Type           string          `json:"type"`
	AssignmentID   string          `json:"assignment_id"`
	TaskID         string          `json:"task_id"`
	LocalProjectID string          `json:"local_project_id"`
	Task           json.RawMessage `json:"task"`
}

// Config configures a Runner's identity and reconnect policy.
type Config struct {
	HiveURL            string
	APIKey              string
	Name                string
	MachineID           string
	PublicURL           string
	Capabilities        Capabilities
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	HeartbeatInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	return c
}

// Handler receives decoded hive-to-node messages.
type Handler interface {
	OnTaskAssign(TaskAssign)
	OnTaskCancel(assignmentID string)
	OnBackfillRequest(raw json.RawMessage)
}

// Runner owns the persistent connection and its reconnect loop.
type Runner struct {
	cfg     Config
	handler Handler

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
	send  chan any

	nodeID string
}

func New(cfg Config, handler Handler) *Runner {
	return &Runner{
		cfg:     cfg.withDefaults(),
		handler: handler,
		state:   StateDisconnected,
		send:    make(chan any, 64),
	}
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Run dials the hive and stays connected until ctx is cancelled,
// reconnecting with exponential backoff on every disconnect.
func (r *Runner) Run(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			r.setState(StateDisconnected)
			return
		default:
		}

		if err := r.connectOnce(ctx); err != nil {
			logger.WarnCF("noderunner", "hive connection failed", map[string]any{"error": err.Error(), "attempt": attempt})
		}
		r.setState(StateDisconnected)

		attempt++
		backoff := r.backoffFor(attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (r *Runner) backoffFor(attempt int) time.Duration {
	d := time.Duration(float64(r.cfg.BackoffBase) * math.Pow(2, float64(attempt-1)))
	if d > r.cfg.BackoffMax {
		d = r.cfg.BackoffMax
	}
	return d
}

func (r *Runner) connectOnce(ctx context.Context) error {
	u, err := url.Parse(r.cfg.HiveURL)
	if err != nil {
		return fmt.Errorf("parse hive url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial hive: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial hive: %w", err)
	}
	defer conn.Close()

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	r.setState(StateAuthenticating)
	auth := AuthMessage{
		Type:            "auth",
		ProtocolVersion: ProtocolVersion,
		APIKey:          r.cfg.APIKey,
		Name:            r.cfg.Name,
		MachineID:       r.cfg.MachineID,
		Capabilities:    r.cfg.Capabilities,
		PublicURL:       r.cfg.PublicURL,
	}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}
	var result AuthResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("parse auth result: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("hive rejected auth: %s", result.Error)
	}
	if result.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("protocol version mismatch: node=%d hive=%d", ProtocolVersion, result.ProtocolVersion)
	}

	r.mu.Lock()
	r.nodeID = result.NodeID
	r.mu.Unlock()
	r.setState(StateConnected)

	readErrs := make(chan error, 1)
	go r.readPump(conn, readErrs)

	return r.writePump(ctx, conn, readErrs)
}

func (r *Runner) readPump(conn *websocket.Conn, errs chan<- error) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			errs <- err
			return
		}
		r.dispatch(raw)
	}
}

func (r *Runner) dispatch(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		logger.DebugCF("noderunner", "discarding malformed hive message", map[string]any{"error": err.Error()})
		return
	}

	switch env.Type {
	case "task_assign":
		var msg TaskAssign
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.DebugCF("noderunner", "discarding malformed task_assign", map[string]any{"error": err.Error()})
			return
		}
		r.handler.OnTaskAssign(msg)
	case "task_cancel":
		var msg struct {
			AssignmentID string `json:"assignment_id"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil {
			r.handler.OnTaskCancel(msg.AssignmentID)
		}
	case "backfill_request":
		r.handler.OnBackfillRequest(raw)
	case "heartbeat_ack":
		// no-op, confirms liveness
	case "close":
		// the read loop will observe the resulting close error
	default:
		logger.DebugCF("noderunner", "unknown hive message type", map[string]any{"type": env.Type})
	}
}

func (r *Runner) writePump(ctx context.Context, conn *websocket.Conn, readErrs <-chan error) error {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			return nil
		case err := <-readErrs:
			return fmt.Errorf("hive connection closed: %w", err)
		case <-ticker.C:
			r.setState(StateHeartbeating)
			if err := conn.WriteJSON(Heartbeat{Type: "heartbeat", Status: "online"}); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}
			r.setState(StateConnected)
		case msg := <-r.send:
			if err := conn.WriteJSON(msg); err != nil {
				return fmt.Errorf("send message: %w", err)
			}
		}
	}
}

// Send enqueues a TaskStatus/TaskOutput/TaskProgress/Ack/Error message
// for the write pump; it never blocks the caller on a disconnected
// runner past the channel's capacity (64, matching the spec's bounded
// outgoing-message channel), dropping the oldest pending send instead.
func (r *Runner) Send(msg any) {
	select {
	case r.send <- msg:
	default:
		select {
		case <-r.send:
		default:
		}
		select {
		case r.send <- msg:
		default:
		}
		logger.WarnCF("noderunner", "outgoing hive channel saturated, dropped oldest message", nil)
	}
}

// NodeID returns the id the hive assigned this node during auth, or
// empty before the first successful handshake.
func (r *Runner) NodeID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nodeID
}
