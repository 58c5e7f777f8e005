// Package proxy implements the inter-node HTTP proxy: a client that
// mints a short-lived proxy JWT and forwards a request to the node
// that physically owns a project's worktree, and a server-side
// middleware that validates that JWT before letting the request reach
// a handler. The client/server split and the Bearer-prefix parsing
// follow pkg/gateway/middleware.go's AuthMiddleware shape.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/forgehive/swarmnode/internal/tokens"
)

// TransientError wraps a proxy call failure the caller may retry:
// timeouts, connect failures, and 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }
func (e *TransientError) IsTransient() bool { return true }

// Client issues proxied requests to other nodes on behalf of a user
// session that originated on this node.
type Client struct {
	thisNodeID string
	signer     *tokens.Signer
	http       *http.Client
}

func NewClient(thisNodeID string, signer *tokens.Signer) *Client {
	return &Client{
		thisNodeID: thisNodeID,
		signer:     signer,
		http:       &http.Client{Timeout: 30 * time.Second},
	}
}

// Do mints a node_proxy JWT scoped to targetNodeID, sends method/path
// against targetNodeURL with an optional JSON body, and decodes the
// response into out.
func (c *Client) Do(ctx context.Context, targetNodeURL, targetNodeID, method, path string, body any, out any) error {
	tok, err := c.signer.IssueProxyToken(c.thisNodeID, targetNodeID)
	if err != nil {
		return fmt.Errorf("mint proxy token: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal proxy request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	url := strings.TrimRight(targetNodeURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("build proxy request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("proxy request to %s: %w", url, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &TransientError{Err: fmt.Errorf("proxy request to %s: status %d", url, resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("proxy request to %s: status %d", url, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode proxy response from %s: %w", url, err)
	}
	return nil
}

// ProjectLookup resolves the local project whose remote_project_id
// matches, for injecting into a proxied handler's context.
type ProjectLookup func(remoteProjectID string) (projectID string, ok bool)

type contextKey string

const (
	ctxProjectID     contextKey = "proxy_project_id"
	ctxSourceNodeID  contextKey = "proxy_source_node_id"
)

// ProjectIDFromContext returns the local project id a proxied request
// was routed to, set by Middleware.
func ProjectIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxProjectID).(string)
	return v, ok
}

// SourceNodeIDFromContext returns the node id that originated a
// proxied request, set by Middleware.
func SourceNodeIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxSourceNodeID).(string)
	return v, ok
}

// Middleware validates the bearer proxy token on
// /api/projects/by-remote-id/{remote_project_id}/... routes and
// injects the resolved project id and source node id into the
// request context. If enabled is false the route is treated as
// local-only and passed through unauthenticated.
func Middleware(signer *tokens.Signer, lookup ProjectLookup, enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				next.ServeHTTP(w, r)
				return
			}

			remoteProjectID, ok := remoteProjectIDFromPath(r.URL.Path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if auth == "" || !strings.HasPrefix(auth, prefix) {
				http.Error(w, "missing or malformed bearer token", http.StatusUnauthorized)
				return
			}

			claims, err := signer.ValidateProxyToken(auth[len(prefix):])
			if err != nil {
				http.Error(w, "invalid proxy token", http.StatusUnauthorized)
				return
			}

			projectID, found := lookup(remoteProjectID)
			if !found {
				http.Error(w, "unknown remote project", http.StatusNotFound)
				return
			}

			ctx := context.WithValue(r.Context(), ctxProjectID, projectID)
			ctx = context.WithValue(ctx, ctxSourceNodeID, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

const remoteProjectPrefix = "/api/projects/by-remote-id/"

func remoteProjectIDFromPath(path string) (string, bool) {
	if !strings.HasPrefix(path, remoteProjectPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(path, remoteProjectPrefix)
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		return "", false
	}
	return parts[0], true
}
