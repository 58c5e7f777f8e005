package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/forgehive/swarmnode/internal/tokens"
)

func TestMiddlewareInjectsProjectAndSourceNode(t *testing.T) {
	signer := tokens.NewSigner([]byte("proxy-secret"))
	tok, err := signer.IssueProxyToken("node-a", "node-b")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	lookup := func(remoteProjectID string) (string, bool) {
		if remoteProjectID == "remote-1" {
			return "local-proj-1", true
		}
		return "", false
	}

	var gotProject, gotSource string
	handler := Middleware(signer, lookup, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotProject, _ = ProjectIDFromContext(r.Context())
		gotSource, _ = SourceNodeIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/projects/by-remote-id/remote-1/files?path=foo", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if gotProject != "local-proj-1" || gotSource != "node-a" {
		t.Fatalf("project=%q source=%q", gotProject, gotSource)
	}
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	signer := tokens.NewSigner([]byte("proxy-secret"))
	handler := Middleware(signer, func(string) (string, bool) { return "", false }, true)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	req := httptest.NewRequest(http.MethodGet, "/api/projects/by-remote-id/remote-1/files", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestMiddlewareDisabledPassesThroughLocalOnly(t *testing.T) {
	signer := tokens.NewSigner(nil)
	called := false
	handler := Middleware(signer, func(string) (string, bool) { return "", false }, false)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			if _, ok := ProjectIDFromContext(r.Context()); ok {
				t.Fatal("no project id should be injected when proxy validation is disabled")
			}
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest(http.MethodGet, "/api/projects/by-remote-id/remote-1/files", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called || w.Code != http.StatusOK {
		t.Fatalf("expected pass-through, called=%v code=%d", called, w.Code)
	}
}

func TestRemoteProjectIDFromPath(t *testing.T) {
	id, ok := remoteProjectIDFromPath("/api/projects/by-remote-id/abc123/files")
	if !ok || id != "abc123" {
		t.Fatalf("got %q, %v", id, ok)
	}
	if _, ok := remoteProjectIDFromPath("/api/other"); ok {
		t.Fatal("unexpected match")
	}
}
