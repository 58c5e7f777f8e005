package diagnostics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/forgehive/swarmnode/internal/normalize"
	"github.com/forgehive/swarmnode/internal/store"
)

type fakeProvider struct {
	storeSnap store.MetricsSnapshot
	normSnap  normalize.Snapshot
	live      int
}

func (f fakeProvider) SnapshotMetrics() store.MetricsSnapshot   { return f.storeSnap }
func (f fakeProvider) NormalizerSnapshot() normalize.Snapshot    { return f.normSnap }
func (f fakeProvider) LiveExecutionCount() int                   { return f.live }

func TestServeJSONReportsProviderSnapshot(t *testing.T) {
	p := fakeProvider{
		storeSnap: store.MetricsSnapshot{Total: 42, AvgMS: 3.5},
		normSnap:  normalize.Snapshot{Total: 7},
		live:      2,
	}
	reg, _ := New(p)

	req := httptest.NewRequest(http.MethodGet, "/api/diagnostics", nil)
	w := httptest.NewRecorder()
	reg.ServeJSON(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"live_executions":2`) {
		t.Fatalf("body missing live_executions: %s", body)
	}
}

func TestHandlerMountsPrometheusExposition(t *testing.T) {
	p := fakeProvider{live: 1}
	reg, promReg := New(p)

	mux := http.NewServeMux()
	reg.Handler(mux, promReg)

	req := httptest.NewRequest(http.MethodGet, "/api/diagnostics/prometheus", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "swarmnode_live_executions 1") {
		t.Fatalf("exposition missing live executions gauge: %s", w.Body.String())
	}
}
