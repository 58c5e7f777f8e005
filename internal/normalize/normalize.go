// Package normalize drives per-executor log normalization: parse raw
// stdout lines into structured events, surface a session id at most
// once, and emit JSON patches back onto the execution's message bus.
// The dispatch-behind-a-shared-interface shape is grounded on the
// teacher's pkg/providers package, which fans a single call out to
// one of several backend-specific implementations.
package normalize

import (
	"bufio"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forgehive/swarmnode/internal/msgstore"
)

// Event is one parsed line, opaque to the driver beyond what the
// Normalizer implementation chooses to report about it.
type Event struct {
	Raw      string
	SessionID string
	Patch    json.RawMessage
}

// Normalizer is implemented once per coding-agent/script family.
type Normalizer interface {
	// ParseLine returns ok=false for lines that carry no structured event.
	ParseLine(line string) (ev Event, ok bool)
}

// Driver subscribes to an execution's stdout lines, parses each with a
// Normalizer, posts at most one SessionId message, and forwards every
// parsed event's patch onto the same MsgStore — in the order the
// normalizer emitted them.
type Driver struct {
	normalizer Normalizer
	metrics    *Metrics
}

func NewDriver(n Normalizer, m *Metrics) *Driver {
	return &Driver{normalizer: n, metrics: m}
}

// Run reads stdout lines from lines (fed by the execution manager from
// the MsgStore's stdout stream) and drives store until lines is closed
// or ctx is cancelled. Unparseable lines are discarded without
// stalling the pipeline; closing lines terminates Run.
func (d *Driver) Run(ctx context.Context, lines <-chan string, store *msgstore.MsgStore) {
	start := time.Now()
	var sessionPosted bool

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				d.metrics.recordCompletion(time.Since(start))
				return
			}
			ev, ok := d.normalizer.ParseLine(line)
			if !ok {
				continue
			}
			if !sessionPosted && ev.SessionID != "" {
				store.PushSessionID(ev.SessionID)
				sessionPosted = true
			}
			if len(ev.Patch) > 0 {
				store.PushPatch(ev.Patch)
			}
		case <-ctx.Done():
			d.metrics.recordTimeout(time.Since(start))
			return
		}
	}
}

// LineChannel adapts a bufio.Scanner-backed reader into the <-chan
// string shape Run consumes, closing the channel when the underlying
// stream ends.
func LineChannel(scanner *bufio.Scanner) <-chan string {
	out := make(chan string, 64)
	go func() {
		defer close(out)
		for scanner.Scan() {
			out <- scanner.Text()
		}
	}()
	return out
}

// PlainTextNormalizer treats every non-blank line as a Stdout-only
// event with no structured patch — used for setup/cleanup/dev-server
// scripts that do not emit structured progress.
type PlainTextNormalizer struct{}

func (PlainTextNormalizer) ParseLine(line string) (Event, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Event{}, false
	}
	return Event{Raw: line}, true
}

// JSONLNormalizer parses each line as a JSON object, extracting a
// "session_id" field when present and passing the whole line through
// as a patch — used for coding agents whose stdout is already
// line-delimited structured events.
type JSONLNormalizer struct{}

func (JSONLNormalizer) ParseLine(line string) (Event, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Event{}, false
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return Event{}, false
	}

	ev := Event{Raw: line, Patch: json.RawMessage(trimmed)}
	if raw, ok := obj["session_id"]; ok {
		var sid string
		if json.Unmarshal(raw, &sid) == nil {
			ev.SessionID = sid
		}
	}
	return ev, true
}

// Metrics tracks normalization throughput per the spec's periodic
// summary: total completions, timeouts, and a coarse latency
// histogram (<100ms, <500ms, <1s, <2s, <5s, >=5s).
type Metrics struct {
	mu              sync.Mutex
	completions     int64
	timeouts        int64
	totalDurationNS int64
	buckets         [6]int64
	lastLoggedTotal int64
}

func NewMetrics() *Metrics { return &Metrics{} }

var bucketBoundsMS = [5]float64{100, 500, 1000, 2000, 5000}

func (m *Metrics) recordCompletion(d time.Duration) {
	atomic.AddInt64(&m.completions, 1)
	atomic.AddInt64(&m.totalDurationNS, int64(d))
	m.bucketDuration(d)
}

func (m *Metrics) recordTimeout(d time.Duration) {
	atomic.AddInt64(&m.timeouts, 1)
	m.bucketDuration(d)
}

func (m *Metrics) bucketDuration(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	idx := len(bucketBoundsMS)
	for i, b := range bucketBoundsMS {
		if ms < b {
			idx = i
			break
		}
	}
	m.mu.Lock()
	m.buckets[idx]++
	m.mu.Unlock()
}

// Snapshot is the summary view of the counters, served through
// /api/diagnostics. No periodic summary logger runs in this
// repository.
type Snapshot struct {
	Total       int64
	Timeouts    int64
	TimeoutRate float64
	AvgDuration time.Duration
	Buckets     [6]int64
}

func (m *Metrics) Snapshot() Snapshot {
	total := atomic.LoadInt64(&m.completions)
	timeouts := atomic.LoadInt64(&m.timeouts)
	totalNS := atomic.LoadInt64(&m.totalDurationNS)

	var rate float64
	var avg time.Duration
	denom := total + timeouts
	if denom > 0 {
		rate = float64(timeouts) / float64(denom)
	}
	if total > 0 {
		avg = time.Duration(totalNS / total)
	}

	m.mu.Lock()
	buckets := m.buckets
	m.mu.Unlock()

	return Snapshot{Total: total, Timeouts: timeouts, TimeoutRate: rate, AvgDuration: avg, Buckets: buckets}
}

// HasNewActivity reports whether any completion/timeout has been
// recorded since the last call. It is a gate for a periodic summary;
// nothing outside the tests calls it.
func (m *Metrics) HasNewActivity() bool {
	current := atomic.LoadInt64(&m.completions) + atomic.LoadInt64(&m.timeouts)
	m.mu.Lock()
	defer m.mu.Unlock()
	if current == m.lastLoggedTotal {
		return false
	}
	m.lastLoggedTotal = current
	return true
}
