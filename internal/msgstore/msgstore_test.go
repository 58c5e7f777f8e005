package msgstore

import (
	"context"
	"testing"
	"time"
)

func TestPushAndHistoryPlusLive(t *testing.T) {
	s := New(0, 0)
	s.PushStdout("line 1\n")
	s.PushStdout("line 2\n")
	s.PushFinished()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []LogMsg
	for m := range s.HistoryPlusLive(ctx) {
		got = append(got, m)
	}

	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	if got[0].Text != "line 1\n" || got[1].Text != "line 2\n" {
		t.Errorf("unexpected history order: %+v", got)
	}
	if got[2].Kind != KindFinished {
		t.Errorf("expected terminal Finished, got %v", got[2].Kind)
	}
}

func TestLiveOnlyExcludesPriorHistory(t *testing.T) {
	s := New(0, 0)
	s.PushStdout("before subscribe\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	live := s.LiveOnly(ctx)

	s.PushStdout("after subscribe\n")
	s.PushFinished()

	var got []LogMsg
	for m := range live {
		got = append(got, m)
	}

	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if got[0].Text != "after subscribe\n" {
		t.Errorf("live subscriber saw history: %+v", got[0])
	}
}

func TestEvictionHonorsByteBudget(t *testing.T) {
	s := New(10, 0)
	s.PushStdout("0123456789") // fills the budget exactly
	s.PushStdout("a")          // forces eviction of the first entry

	s.mu.Lock()
	total := s.totalSize
	count := len(s.history)
	s.mu.Unlock()

	if total > 10 {
		t.Errorf("totalSize = %d, want <= 10", total)
	}
	if count != 1 {
		t.Errorf("history length = %d, want 1 after eviction", count)
	}
}

func TestSlowSubscriberDoesNotBlockPush(t *testing.T) {
	s := New(0, 1) // tiny subscriber channel
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = s.LiveOnly(ctx) // subscribe but never drain

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.PushStdout("x")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Push blocked on a slow subscriber")
	}
}
