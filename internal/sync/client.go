package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/forgehive/swarmnode/internal/model"
)

// HTTPClient is the concrete HiveClient: a plain net/http poller against
// the hive's shape and activity endpoints, following the same
// http.Client-with-bearer-auth shape as internal/proxy.Client.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type shapeWireOp struct {
	Type         string             `json:"type"`
	Task         *sharedTaskWire    `json:"task,omitempty"`
	SharedTaskID string             `json:"shared_task_id,omitempty"`
}

type sharedTaskWire struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	ProjectID      string `json:"project_id"`
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	Status         string `json:"status"`
	Version        int64  `json:"version"`
}

type shapeWireResponse struct {
	Ops    []shapeWireOp `json:"ops"`
	Handle string        `json:"handle"`
	Offset string        `json:"offset"`
}

func (c *HTTPClient) FetchShape(ctx context.Context, remoteProjectID, handle, offset string) (ShapeFetchResult, error) {
	q := url.Values{"project_id": {remoteProjectID}, "handle": {handle}, "offset": {offset}}
	var wire shapeWireResponse
	if err := c.get(ctx, "/api/sync/shape/shared_tasks?"+q.Encode(), &wire); err != nil {
		return ShapeFetchResult{}, err
	}

	res := ShapeFetchResult{Handle: wire.Handle, Offset: wire.Offset}
	for _, op := range wire.Ops {
		decoded := ShapeOp{Type: ShapeOpType(op.Type), SharedTaskID: op.SharedTaskID}
		if op.Task != nil {
			decoded.Task = &model.SharedTask{
				ID:             op.Task.ID,
				OrganizationID: op.Task.OrganizationID,
				ProjectID:      op.Task.ProjectID,
				Title:          op.Task.Title,
				Description:    op.Task.Description,
				Status:         model.TaskStatus(op.Task.Status),
				Version:        op.Task.Version,
			}
		}
		res.Ops = append(res.Ops, decoded)
	}
	return res, nil
}

type activityWireEvent struct {
	Seq   int64  `json:"seq"`
	Type  string `json:"type"`
	Label *struct {
		SharedLabelID string `json:"shared_label_id"`
		Name          string `json:"name"`
		Color         string `json:"color"`
		Version       int64  `json:"version"`
	} `json:"label,omitempty"`
}

func (c *HTTPClient) FetchActivity(ctx context.Context, remoteProjectID string, sinceSeq int64, limit int) ([]ActivityEvent, error) {
	q := url.Values{
		"project_id": {remoteProjectID},
		"since_seq":  {strconv.FormatInt(sinceSeq, 10)},
		"limit":      {strconv.Itoa(limit)},
	}
	var wire []activityWireEvent
	if err := c.get(ctx, "/api/sync/activity?"+q.Encode(), &wire); err != nil {
		return nil, err
	}

	out := make([]ActivityEvent, 0, len(wire))
	for _, ev := range wire {
		decoded := ActivityEvent{Seq: ev.Seq, Type: ev.Type}
		if ev.Label != nil {
			decoded.Label = &LabelPayload{
				SharedLabelID: ev.Label.SharedLabelID,
				Name:          ev.Label.Name,
				Color:         ev.Label.Color,
				Version:       ev.Label.Version,
			}
		}
		out = append(out, decoded)
	}
	return out, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build sync request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sync request to %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("sync request to %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode sync response from %s: %w", path, err)
	}
	return nil
}
