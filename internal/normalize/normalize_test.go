package normalize

import (
	"context"
	"testing"
	"time"

	"github.com/forgehive/swarmnode/internal/msgstore"
)

func TestDriverEmitsSessionIDOnce(t *testing.T) {
	store := msgstore.New(0, 0)
	driver := NewDriver(JSONLNormalizer{}, NewMetrics())

	lines := make(chan string, 4)
	lines <- `{"session_id":"sess-1","type":"init"}`
	lines <- `{"session_id":"sess-2","type":"turn"}`
	lines <- `not json, discarded`
	close(lines)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	driver.Run(ctx, lines, store)

	subCtx, subCancel := context.WithTimeout(context.Background(), time.Second)
	defer subCancel()

	var sessionCount int
	var patchCount int
	for m := range store.HistoryPlusLive(subCtx) {
		switch m.Kind {
		case msgstore.KindSessionID:
			sessionCount++
			if m.Text != "sess-1" {
				t.Errorf("session id = %q, want sess-1 (first wins)", m.Text)
			}
		case msgstore.KindJSONPatch:
			patchCount++
		}
	}

	if sessionCount != 1 {
		t.Errorf("sessionCount = %d, want 1", sessionCount)
	}
	if patchCount != 2 {
		t.Errorf("patchCount = %d, want 2", patchCount)
	}
}

func TestPlainTextNormalizerSkipsBlankLines(t *testing.T) {
	n := PlainTextNormalizer{}
	if _, ok := n.ParseLine("   "); ok {
		t.Error("blank line should not parse")
	}
	if _, ok := n.ParseLine("hello"); !ok {
		t.Error("non-blank line should parse")
	}
}

func TestMetricsHasNewActivityGatesSummary(t *testing.T) {
	m := NewMetrics()
	if m.HasNewActivity() {
		t.Error("fresh metrics should report no activity")
	}
	m.recordCompletion(10 * time.Millisecond)
	if !m.HasNewActivity() {
		t.Error("expected activity after a completion")
	}
	if m.HasNewActivity() {
		t.Error("expected no new activity on second check with nothing new")
	}
}
