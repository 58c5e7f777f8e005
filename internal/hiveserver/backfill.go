package hiveserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/forgehive/swarmnode/internal/logger"
	"github.com/forgehive/swarmnode/internal/store"
)

// BackfillType distinguishes what a BackfillRequest is asking a node to
// resend: its full log history for an attempt, or just the attempt's
// terminal status.
type BackfillType string

const (
	BackfillLogs   BackfillType = "logs"
	BackfillStatus BackfillType = "status"
)

// BackfillRequest is the frame sent down a node's live WebSocket asking
// it to resend everything it has for the listed NodeTaskAttempt ids.
type BackfillRequest struct {
	Type         string       `json:"type"`
	MessageID    string       `json:"message_id"`
	BackfillType BackfillType `json:"backfill_type"`
	EntityIDs    []string     `json:"entity_ids"`
	LogsAfter    *time.Time   `json:"logs_after,omitempty"`
}

// BackfillService drives every NodeTaskAttempt's sync_state through
// partial -> pending_backfill -> complete: on reconnect it requests a
// full backfill immediately, and a periodic scan sweeps up whatever a
// node never acknowledged (crash, message loss) by resetting stale
// pending_backfill rows back to partial and re-requesting them.
type BackfillService struct {
	store  *store.Store
	cm     *ConnectionManager
	period time.Duration
	batch  int
	stale  time.Duration
}

func NewBackfillService(s *store.Store, cm *ConnectionManager) *BackfillService {
	return &BackfillService{
		store:  s,
		cm:     cm,
		period: periodicBackfillPeriod,
		batch:  backfillBatchSize,
		stale:  backfillTimeout,
	}
}

// IncompleteAttemptsForNode implements hiveserver.AttemptSource,
// adapting the store's ctx/error-returning query to the session's
// synchronous, best-effort view: a query failure here just means the
// reconnect backfill is skipped, not that the connection drops.
func (b *BackfillService) IncompleteAttemptsForNode(nodeID string) []string {
	ids, err := b.store.IncompleteAttemptsForNode(context.Background(), nodeID)
	if err != nil {
		logger.WarnCF("hiveserver", "list incomplete attempts failed", map[string]any{"error": err.Error(), "node_id": nodeID})
		return nil
	}
	return ids
}

// RequestReconnectBackfill is called the instant a node authenticates;
// it marks every still-incomplete attempt pending_backfill and pushes a
// single batched request down the fresh connection.
func (b *BackfillService) RequestReconnectBackfill(nodeID string, attemptIDs []string) {
	b.requestBatched(context.Background(), nodeID, attemptIDs)
}

// Run sweeps stale pending_backfill rows back to partial, then issues
// batched backfill requests to every currently online node for its
// incomplete attempts, until ctx is cancelled.
func (b *BackfillService) Run(ctx context.Context) {
	ticker := time.NewTicker(b.period)
	defer ticker.Stop()

	for {
		b.scanOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (b *BackfillService) scanOnce(ctx context.Context) {
	reset, err := b.store.ResetStalePendingBackfill(ctx, b.stale)
	if err != nil {
		logger.WarnCF("hiveserver", "reset stale pending_backfill failed", map[string]any{"error": err.Error()})
	} else if reset > 0 {
		logger.InfoCF("hiveserver", "reset stale pending_backfill attempts", map[string]any{"count": reset})
	}

	byNode, err := b.store.IncompleteAttemptsByNode(ctx)
	if err != nil {
		logger.WarnCF("hiveserver", "list incomplete attempts by node failed", map[string]any{"error": err.Error()})
		return
	}

	for _, nodeID := range b.cm.OnlineNodeIDs() {
		ids := byNode[nodeID]
		if len(ids) == 0 {
			continue
		}
		b.requestBatched(ctx, nodeID, ids)
	}
}

// requestBatched marks each attempt pending_backfill (skipping any that
// lost the race and are no longer in partial) and sends the survivors
// to the node in fixed-size batches.
func (b *BackfillService) requestBatched(ctx context.Context, nodeID string, attemptIDs []string) {
	sess, ok := b.cm.Lookup(nodeID)
	if !ok {
		return
	}

	var pending []string
	for _, id := range attemptIDs {
		marked, err := b.store.MarkPendingBackfill(ctx, id)
		if err != nil {
			logger.WarnCF("hiveserver", "mark pending_backfill failed", map[string]any{"error": err.Error(), "attempt_id": id})
			continue
		}
		if marked {
			pending = append(pending, id)
		}
	}

	for start := 0; start < len(pending); start += b.batch {
		end := start + b.batch
		if end > len(pending) {
			end = len(pending)
		}
		req := BackfillRequest{
			Type:         "backfill_request",
			MessageID:    uuid.NewString(),
			BackfillType: BackfillLogs,
			EntityIDs:    pending[start:end],
		}
		if err := sess.Send(req); err != nil {
			logger.WarnCF("hiveserver", "send backfill request failed", map[string]any{"error": err.Error(), "node_id": nodeID})
			for _, id := range pending[start:end] {
				_ = b.store.ResetAttemptToPartial(ctx, id)
			}
		}
	}
}

// handleResponse applies a node's backfill_response frame: success
// marks the attempt complete, failure resets it to partial so the next
// scan retries it.
func (b *BackfillService) handleResponse(ctx context.Context, raw []byte) {
	var msg struct {
		AttemptID string `json:"attempt_id"`
		Success   bool   `json:"success"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.DebugCF("hiveserver", "discarding malformed backfill_response", map[string]any{"error": err.Error()})
		return
	}

	var err error
	if msg.Success {
		err = b.store.MarkComplete(ctx, msg.AttemptID)
	} else {
		err = b.store.ResetAttemptToPartial(ctx, msg.AttemptID)
	}
	if err != nil {
		logger.WarnCF("hiveserver", "apply backfill_response failed", map[string]any{"error": err.Error(), "attempt_id": msg.AttemptID})
	}
}
