package signaling

import (
	"sync"
	"testing"
	"time"
)

// ─── test helpers ────────────────────────────────────────────────────────────

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
	ch    chan struct{}
}

func newRecorder() *recorder { return &recorder{ch: make(chan struct{}, 64)} }

func (r *recorder) fn(s Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) []Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		if len(r.snaps) >= n {
			out := append([]Snapshot(nil), r.snaps...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		select {
		case <-r.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %d deliveries", n)
		}
	}
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestSubscription_OrderedAndDeduplicated(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	sub := NewSubscription("p", rec.fn)
	defer sub.Cancel()

	sub.Deliver(Snapshot{Path: "p"})
	sub.Deliver(Snapshot{Path: "p", Value: "a"})
	sub.Deliver(Snapshot{Path: "p", Value: "a"})
	sub.Deliver(Snapshot{Path: "p", Value: "b"})
	sub.Deliver(Snapshot{Path: "p", Value: "a"})

	got := rec.wait(t, 4)
	want := []any{nil, "a", "b", "a"}
	for i, w := range want {
		if got[i].Value != w {
			t.Errorf("delivery %d = %v, want %v", i, got[i].Value, w)
		}
	}

	time.Sleep(20 * time.Millisecond)
	rec.mu.Lock()
	n := len(rec.snaps)
	rec.mu.Unlock()
	if n != 4 {
		t.Errorf("deliveries = %d, want 4", n)
	}
}

func TestSubscription_CancelStopsDelivery(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	sub := NewSubscription("p", rec.fn)
	sub.Deliver(Snapshot{Path: "p", Value: "a"})
	rec.wait(t, 1)

	sub.Cancel()
	sub.Cancel()
	sub.Deliver(Snapshot{Path: "p", Value: "b"})

	select {
	case <-sub.Done():
	default:
		t.Fatal("Done not closed after Cancel")
	}
	time.Sleep(20 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.snaps) != 1 {
		t.Errorf("deliveries = %d, want 1", len(rec.snaps))
	}
}

func TestHub_Affected(t *testing.T) {
	t.Parallel()

	h := NewHub()
	room := NewSubscription("rooms/a", func(Snapshot) {})
	offer := NewSubscription("rooms/a/offer", func(Snapshot) {})
	other := NewSubscription("rooms/b", func(Snapshot) {})
	h.Add(room)
	h.Add(offer)
	h.Add(other)
	defer h.Close()

	got := h.Affected("rooms/a/offer/sdp")
	if len(got) != 2 {
		t.Fatalf("affected = %d, want 2", len(got))
	}
	for _, s := range got {
		if s == other {
			t.Error("unrelated subscription reported as affected")
		}
	}

	h.Remove(offer)
	if h.Len() != 2 {
		t.Errorf("Len = %d, want 2", h.Len())
	}
	select {
	case <-offer.Done():
	default:
		t.Error("removed subscription not cancelled")
	}
}
