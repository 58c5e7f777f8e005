// Package diagnostics exposes daemon health as both a small JSON
// snapshot for the dashboard and a Prometheus exposition endpoint for
// operators who already scrape their fleet, following the same
// http.ServeMux-of-handlers shape the teacher uses in pkg/gateway/server.go.
package diagnostics

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgehive/swarmnode/internal/normalize"
	"github.com/forgehive/swarmnode/internal/store"
)

// Snapshot is the JSON shape served at /api/diagnostics.
type Snapshot struct {
	Store      store.MetricsSnapshot `json:"store"`
	Normalizer normalize.Snapshot    `json:"normalizer"`
	LiveRuns   int                   `json:"live_executions"`
}

// Provider supplies the live counters a Snapshot is built from; the
// execution Manager and the store/normalizer satisfy it directly.
type Provider interface {
	SnapshotMetrics() store.MetricsSnapshot
	NormalizerSnapshot() normalize.Snapshot
	LiveExecutionCount() int
}

// Registry wires the daemon's live counters into both the JSON
// snapshot handler and a Prometheus registry. Every metric is a
// GaugeFunc pulled from the provider's own snapshot at scrape time, so
// there is no separate bookkeeping to keep in sync with the store and
// normalizer's own counters.
type Registry struct {
	provider Provider
}

// New builds a Registry backed by a fresh prometheus.Registry
// (not the global DefaultRegisterer, so tests can build multiple
// independent instances without collector-already-registered panics).
func New(provider Provider) (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	r := &Registry{provider: provider}

	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "vk_db_latency_avg_ms",
			Help: "Rolling average store query latency in milliseconds.",
		}, func() float64 { return provider.SnapshotMetrics().AvgMS }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "vk_db_latency_p99_ms",
			Help: "P99 store query latency in milliseconds.",
		}, func() float64 { return provider.SnapshotMetrics().P99MS }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "vk_db_retry_successes_total",
			Help: "SQLITE_BUSY retries that eventually succeeded.",
		}, func() float64 { return float64(provider.SnapshotMetrics().RetrySuccesses) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "vk_db_retry_failures_total",
			Help: "SQLITE_BUSY retries exhausted without success.",
		}, func() float64 { return float64(provider.SnapshotMetrics().RetryFailures) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "vk_db_wal_size_bytes",
			Help: "Current WAL file size in bytes.",
		}, func() float64 { return float64(provider.SnapshotMetrics().WALBytes) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "swarmnode_live_executions",
			Help: "Execution processes currently running on this instance.",
		}, func() float64 { return float64(provider.LiveExecutionCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "swarmnode_normalizer_completions_total",
			Help: "Log normalizer runs that finished because their input stream closed.",
		}, func() float64 { return float64(provider.NormalizerSnapshot().Total) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "swarmnode_normalizer_timeout_rate",
			Help: "Fraction of normalizer completions that timed out.",
		}, func() float64 { return provider.NormalizerSnapshot().TimeoutRate }),
	)
	return r, reg
}

// ServeJSON writes a Snapshot as the /api/diagnostics response.
func (r *Registry) ServeJSON(w http.ResponseWriter, _ *http.Request) {
	snap := Snapshot{
		Store:      r.provider.SnapshotMetrics(),
		Normalizer: r.provider.NormalizerSnapshot(),
		LiveRuns:   r.provider.LiveExecutionCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

// Handler mounts /api/diagnostics (JSON) and /api/diagnostics/prometheus
// (text exposition) onto mux.
func (r *Registry) Handler(mux *http.ServeMux, promReg *prometheus.Registry) {
	mux.HandleFunc("/api/diagnostics", r.ServeJSON)
	mux.Handle("/api/diagnostics/prometheus", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
}
