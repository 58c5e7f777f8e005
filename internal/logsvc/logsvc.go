// Package logsvc is the unified log service: one REST endpoint that
// paginates a completed-or-in-progress execution's persisted history,
// and one WebSocket endpoint that tails an execution's live output,
// proxying either to the node that actually owns the execution when
// this instance isn't the one running it. The split mirrors the
// teacher's dashboard handlers (plain http.ServeMux, JSON in/out) with
// gorilla/websocket layered on for the live half, the same pairing
// internal/noderunner uses for its own outbound connection.
package logsvc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forgehive/swarmnode/internal/logger"
	"github.com/forgehive/swarmnode/internal/model"
	"github.com/forgehive/swarmnode/internal/msgstore"
	"github.com/forgehive/swarmnode/internal/proxy"
	"github.com/forgehive/swarmnode/internal/store"
	"github.com/forgehive/swarmnode/internal/tokens"
)

const (
	defaultPageLimit = 100
	minPageLimit     = 1
	maxPageLimit     = 500

	liveKeepAlive = 30 * time.Second
)

// LiveStreamer is the execution Manager's view onto a live execution's
// log stream: a handle a local execution process can be tailed
// through. Satisfied by *execution.Manager.
type LiveStreamer interface {
	StreamLiveLogsOnly(ctx context.Context, processID string) (<-chan msgstore.LogMsg, error)
}

// Service serves both halves of the unified log API against a local
// store and execution manager, proxying to the owning node when a
// request targets an execution this instance doesn't run.
type Service struct {
	store    *store.Store
	live     LiveStreamer
	signer   *tokens.Signer
	proxy    *proxy.Client
	thisNode string

	upgrader websocket.Upgrader
}

func New(s *store.Store, live LiveStreamer, signer *tokens.Signer, proxyClient *proxy.Client, thisNodeID string) *Service {
	return &Service{
		store:    s,
		live:     live,
		signer:   signer,
		proxy:    proxyClient,
		thisNode: thisNodeID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Mount registers both endpoints on mux, using Go's stdlib path-pattern
// routing (no router dependency needed for two fixed shapes).
func (s *Service) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/logs/{execution_id}", s.handlePage)
	mux.HandleFunc("GET /api/logs/{execution_id}/live", s.handleLive)
}

// PaginatedLogs is the REST page shape, per spec.md's cursor pagination.
type PaginatedLogs struct {
	Entries    []*model.LogEntry `json:"entries"`
	NextCursor *int64            `json:"next_cursor,omitempty"`
	HasMore    bool              `json:"has_more"`
	TotalCount int64             `json:"total_count"`
}

func (s *Service) handlePage(w http.ResponseWriter, r *http.Request) {
	processID := r.PathValue("execution_id")
	if processID == "" {
		http.Error(w, "missing execution_id", http.StatusBadRequest)
		return
	}

	limit := defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if limit < minPageLimit {
		limit = minPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	var cursor *int64
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cursor = &n
		}
	}

	direction := "backward"
	if r.URL.Query().Get("direction") == "forward" {
		direction = "forward"
	}

	owned, err := s.ownsExecution(r.Context(), processID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if !owned.local {
		s.proxyPage(w, r, owned, processID)
		return
	}

	page, err := s.store.ListLogEntries(r.Context(), processID, cursor, limit, direction)
	if err != nil {
		logger.ErrorCF("logsvc", "list log entries failed", map[string]any{"error": err.Error(), "execution_id": processID})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	total, err := s.store.CountLogEntries(r.Context(), processID)
	if err != nil {
		logger.ErrorCF("logsvc", "count log entries failed", map[string]any{"error": err.Error(), "execution_id": processID})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(PaginatedLogs{
		Entries:    page.Entries,
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
		TotalCount: total,
	})
}

func (s *Service) proxyPage(w http.ResponseWriter, r *http.Request, owned ownership, processID string) {
	path := "/api/logs/" + processID + "?" + r.URL.RawQuery
	var out PaginatedLogs
	if err := s.proxy.Do(r.Context(), owned.nodeURL, owned.nodeID, http.MethodGet, path, nil, &out); err != nil {
		logger.WarnCF("logsvc", "proxy log page failed", map[string]any{"error": err.Error(), "execution_id": processID})
		http.Error(w, "upstream node unreachable", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// liveWireMsg is the JSON frame shape pushed down a live tail, matching
// model.LogEntry's channel vocabulary so a client can render both the
// REST page and the live tail with one code path.
type liveWireMsg struct {
	Channel string          `json:"channel"`
	Content string          `json:"content,omitempty"`
	Patch   json.RawMessage `json:"patch,omitempty"`
}

func (s *Service) handleLive(w http.ResponseWriter, r *http.Request) {
	processID := r.PathValue("execution_id")
	if processID == "" {
		http.Error(w, "missing execution_id", http.StatusBadRequest)
		return
	}

	if err := s.authorizeLive(r, processID); err != nil {
		if errors.Is(err, tokens.ErrExecutionMismatch) {
			http.Error(w, "execution mismatch", http.StatusForbidden)
		} else {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		}
		return
	}

	owned, err := s.ownsExecution(r.Context(), processID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("logsvc", "websocket upgrade failed", map[string]any{"error": err.Error()})
		return
	}
	defer conn.Close()

	if !owned.local {
		s.proxyLive(r.Context(), conn, owned, processID, r.URL.RawQuery)
		return
	}
	s.serveLocalLive(r.Context(), conn, processID)
}

// authorizeLive accepts either an upstream-authenticated session (the
// caller already passed through whatever auth middleware sits in front
// of this mux) or a connection-token query parameter, per spec.md's
// dual-auth requirement for direct node log tails. A token whose
// execution_process_id names a different execution returns
// ErrExecutionMismatch so the caller can distinguish 403 from a plain
// 401 (expired/invalid/missing-secret).
func (s *Service) authorizeLive(r *http.Request, processID string) error {
	tok := r.URL.Query().Get("token")
	if tok == "" {
		// No token presented: trust the caller's own session auth,
		// already enforced upstream of this handler.
		return nil
	}
	_, err := s.signer.ValidateConnectionToken(tok, processID)
	return err
}

func (s *Service) serveLocalLive(ctx context.Context, conn *websocket.Conn, processID string) {
	ch, err := s.live.StreamLiveLogsOnly(ctx, processID)
	if err != nil {
		_ = conn.WriteJSON(map[string]any{"error": err.Error()})
		return
	}

	ticker := time.NewTicker(liveKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-ch:
			if !ok {
				return
			}
			wire, skip := toWireMsg(msg)
			if skip {
				continue
			}
			if err := conn.WriteJSON(wire); err != nil {
				return
			}
		}
	}
}

func toWireMsg(msg msgstore.LogMsg) (liveWireMsg, bool) {
	switch msg.Kind {
	case msgstore.KindStdout:
		return liveWireMsg{Channel: "stdout", Content: msg.Text}, false
	case msgstore.KindStderr:
		return liveWireMsg{Channel: "stderr", Content: msg.Text}, false
	case msgstore.KindJSONPatch:
		return liveWireMsg{Channel: "patch", Patch: msg.Patch}, false
	case msgstore.KindSessionID:
		return liveWireMsg{Channel: "session_id", Content: msg.Text}, false
	default:
		return liveWireMsg{}, true
	}
}

// proxyLive dials the owning node's own live endpoint and splices the
// two connections together until either side closes.
func (s *Service) proxyLive(ctx context.Context, clientConn *websocket.Conn, owned ownership, processID, rawQuery string) {
	upstreamURL := wsURL(owned.nodeURL) + "/api/logs/" + processID + "/live"
	if rawQuery != "" {
		upstreamURL += "?" + rawQuery
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	upstream, _, err := dialer.DialContext(ctx, upstreamURL, nil)
	if err != nil {
		_ = clientConn.WriteJSON(map[string]any{"error": "owning node unreachable"})
		return
	}
	defer upstream.Close()

	done := make(chan struct{}, 2)
	go splice(upstream, clientConn, done)
	go splice(clientConn, upstream, done)
	<-done
}

func splice(from, to *websocket.Conn, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		msgType, data, err := from.ReadMessage()
		if err != nil {
			return
		}
		if err := to.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}

func wsURL(httpURL string) string {
	switch {
	case len(httpURL) >= 5 && httpURL[:5] == "https":
		return "wss" + httpURL[5:]
	case len(httpURL) >= 4 && httpURL[:4] == "http":
		return "ws" + httpURL[4:]
	default:
		return httpURL
	}
}

// ownership resolves which node physically owns the project backing an
// execution process.
type ownership struct {
	local  bool
	nodeID string
	nodeURL string
}

func (s *Service) ownsExecution(ctx context.Context, processID string) (ownership, error) {
	proc, err := s.store.GetExecutionProcess(ctx, processID)
	if err != nil {
		return ownership{}, err
	}
	attempt, err := s.store.GetTaskAttempt(ctx, proc.TaskAttemptID)
	if err != nil {
		return ownership{}, err
	}
	task, err := s.store.GetTask(ctx, attempt.TaskID)
	if err != nil {
		return ownership{}, err
	}
	project, err := s.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return ownership{}, err
	}

	if !project.IsRemote || project.OwningNodeID == s.thisNode {
		return ownership{local: true}, nil
	}
	return ownership{local: false, nodeID: project.OwningNodeID, nodeURL: project.OwningNodeURL}, nil
}
