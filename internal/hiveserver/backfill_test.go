package hiveserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forgehive/swarmnode/internal/model"
	"github.com/forgehive/swarmnode/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	opts := store.DefaultOpts()
	opts.WALCheckInterval = time.Hour
	opts.WALTruncateInterval = time.Hour
	s, err := store.Open(filepath.Join(t.TempDir(), "hive.db"), opts)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

// dialNode spins up a test hive endpoint and authenticates one node
// connection against it, returning the client-side conn and the
// nodeID the server assigned.
func dialNode(t *testing.T, cm *ConnectionManager, backfill *BackfillService, status StatusSink, name string) (*websocket.Conn, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	auth := func(apiKey, name, machineID string) (string, bool) {
		if apiKey != "secret" {
			return "", false
		}
		return name + "-" + machineID, true
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		go HandleConnection(context.Background(), conn, cm, auth, backfill, backfill, status)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	u, _ := url.Parse(wsURL)
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := conn.WriteJSON(map[string]any{
		"type": "auth", "api_key": "secret", "name": name, "machine_id": "m1",
	}); err != nil {
		t.Fatalf("send auth: %v", err)
	}
	var result struct {
		Success bool   `json:"success"`
		NodeID  string `json:"node_id"`
	}
	if err := conn.ReadJSON(&result); err != nil {
		t.Fatalf("read auth result: %v", err)
	}
	if !result.Success {
		t.Fatalf("auth rejected")
	}

	waitForRegistration(t, cm, result.NodeID)
	return conn, result.NodeID
}

func waitForRegistration(t *testing.T, cm *ConnectionManager, nodeID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := cm.Lookup(nodeID); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("node %q never registered", nodeID)
}

func seedAttempt(t *testing.T, s *store.Store, id, nodeID string) {
	t.Helper()
	now := time.Now().UTC()
	err := s.UpsertNodeTaskAttempt(context.Background(), &model.NodeTaskAttempt{
		ID: id, NodeID: nodeID, LocalAttemptID: "local-" + id, AssignmentID: "assign-" + id,
		SyncState: model.SyncPartial, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed attempt: %v", err)
	}
}

func TestBackfillService_RequestReconnectBackfill_SendsRequest(t *testing.T) {
	s := openTestStore(t)
	cm := NewConnectionManager()
	bf := NewBackfillService(s, cm)

	conn, nodeID := dialNode(t, cm, bf, s, "node-a")
	seedAttempt(t, s, "attempt-1", nodeID)

	bf.RequestReconnectBackfill(nodeID, []string{"attempt-1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var req BackfillRequest
	if err := conn.ReadJSON(&req); err != nil {
		t.Fatalf("read backfill request: %v", err)
	}
	if req.Type != "backfill_request" || len(req.EntityIDs) != 1 || req.EntityIDs[0] != "attempt-1" {
		t.Fatalf("unexpected request: %+v", req)
	}

	ids, err := s.IncompleteAttemptsForNode(context.Background(), nodeID)
	if err != nil {
		t.Fatalf("list incomplete: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected attempt still incomplete (pending_backfill), got %v", ids)
	}
}

func TestBackfillService_ScanOnce_RequestsForOnlineNode(t *testing.T) {
	s := openTestStore(t)
	cm := NewConnectionManager()
	bf := NewBackfillService(s, cm)

	conn, nodeID := dialNode(t, cm, bf, s, "node-b")
	seedAttempt(t, s, "attempt-2", nodeID)

	bf.scanOnce(context.Background())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var req BackfillRequest
	if err := conn.ReadJSON(&req); err != nil {
		t.Fatalf("read backfill request: %v", err)
	}
	if len(req.EntityIDs) != 1 || req.EntityIDs[0] != "attempt-2" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestBackfillService_HandleResponse_SuccessMarksComplete(t *testing.T) {
	s := openTestStore(t)
	cm := NewConnectionManager()
	bf := NewBackfillService(s, cm)
	seedAttempt(t, s, "attempt-3", "node-c")
	if _, err := s.MarkPendingBackfill(context.Background(), "attempt-3"); err != nil {
		t.Fatalf("mark pending: %v", err)
	}

	raw, _ := json.Marshal(map[string]any{"attempt_id": "attempt-3", "success": true})
	bf.handleResponse(context.Background(), raw)

	ids, err := s.IncompleteAttemptsForNode(context.Background(), "node-c")
	if err != nil {
		t.Fatalf("list incomplete: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected attempt-3 complete, still incomplete: %v", ids)
	}
}

func TestBackfillService_HandleResponse_FailureResetsToPartial(t *testing.T) {
	s := openTestStore(t)
	cm := NewConnectionManager()
	bf := NewBackfillService(s, cm)
	seedAttempt(t, s, "attempt-4", "node-d")
	if _, err := s.MarkPendingBackfill(context.Background(), "attempt-4"); err != nil {
		t.Fatalf("mark pending: %v", err)
	}

	raw, _ := json.Marshal(map[string]any{"attempt_id": "attempt-4", "success": false})
	bf.handleResponse(context.Background(), raw)

	marked, err := s.MarkPendingBackfill(context.Background(), "attempt-4")
	if err != nil {
		t.Fatalf("mark pending after reset: %v", err)
	}
	if !marked {
		t.Fatalf("expected attempt-4 back in partial state, re-mark failed")
	}
}
