package wsstore

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Yagasaki7K/dualspeaker/pkg/signaling"
	"github.com/Yagasaki7K/dualspeaker/pkg/signaling/memstore"
)

// ─── test helpers ────────────────────────────────────────────────────────────

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	backend := memstore.New()
	store := backend.Client()
	srv := NewServer(store, WithCleanupTimeout(time.Second))
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		hs.Close()
		store.Close()
	})
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dial(t *testing.T, url string) *Store {
	t.Helper()
	s, err := Dial(context.Background(), url, WithRequestTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func watchChan(t *testing.T, s signaling.Store, path string) <-chan signaling.Snapshot {
	t.Helper()
	ch := make(chan signaling.Snapshot, 32)
	unsub, err := s.Watch(context.Background(), path, func(snap signaling.Snapshot) { ch <- snap })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	t.Cleanup(unsub)
	return ch
}

func next(t *testing.T, ch <-chan signaling.Snapshot) signaling.Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return signaling.Snapshot{}
	}
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestWriteReadRemove(t *testing.T) {
	t.Parallel()
	_, url := startServer(t)
	c := dial(t, url)
	ctx := context.Background()

	if err := c.Write(ctx, "rooms/a/offer", map[string]any{"type": "offer", "sdp": "v=0"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	snap, err := c.Read(ctx, "rooms/a/offer")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var got struct{ Type, SDP string }
	if err := snap.Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Type != "offer" || got.SDP != "v=0" {
		t.Errorf("got %+v", got)
	}

	if err := c.Remove(ctx, "rooms/a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	snap, err = c.Read(ctx, "rooms/a/offer")
	if err != nil {
		t.Fatalf("Read after remove: %v", err)
	}
	if snap.Exists() {
		t.Error("offer still exists after room removal")
	}
}

func TestWatchAcrossClients(t *testing.T) {
	t.Parallel()
	_, url := startServer(t)
	host := dial(t, url)
	guest := dial(t, url)
	ctx := context.Background()

	events := watchChan(t, host, "rooms/a/calleeCandidates")
	if first := next(t, events); first.Exists() {
		t.Fatalf("initial snapshot = %v, want absent", first.Value)
	}

	k1, err := guest.Push(ctx, "rooms/a/calleeCandidates", map[string]any{"candidate": "c1"})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	snap := next(t, events)
	kids := snap.Children()
	if len(kids) != 1 || kids[0].Key() != k1 {
		t.Fatalf("children = %v, want [%s]", kids, k1)
	}
}

func TestRemoveOnDisconnect(t *testing.T) {
	t.Parallel()
	srv, url := startServer(t)
	host := dial(t, url)
	ctx := context.Background()

	guest, err := Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	key, err := guest.Push(ctx, "rooms/a/participants", map[string]any{"joinedAt": 1})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := guest.RemoveOnDisconnect(ctx, "rooms/a/participants/"+key); err != nil {
		t.Fatalf("RemoveOnDisconnect: %v", err)
	}

	events := watchChan(t, host, "rooms/a/participants")
	if n := len(next(t, events).Children()); n != 1 {
		t.Fatalf("participants = %d, want 1", n)
	}

	if err := guest.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if next(t, events).Exists() {
		t.Error("participant entry survived disconnect")
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.Connections() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := srv.Connections(); n != 1 {
		t.Errorf("connections = %d, want 1", n)
	}
}

func TestRemoteErrors(t *testing.T) {
	t.Parallel()
	_, url := startServer(t)
	c := dial(t, url)

	err := c.Write(context.Background(), "rooms/a#b", 1)
	if !errors.Is(err, signaling.ErrInvalidPath) {
		t.Errorf("Write = %v, want ErrInvalidPath", err)
	}
	var re *RemoteError
	if !errors.As(err, &re) || re.Code != codeInvalidPath {
		t.Errorf("error = %#v, want RemoteError with code %q", err, codeInvalidPath)
	}
}

func TestClosedStore(t *testing.T) {
	t.Parallel()
	_, url := startServer(t)
	c, err := Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Write(context.Background(), "a", 1); !errors.Is(err, signaling.ErrClosed) {
		t.Errorf("Write after close = %v, want ErrClosed", err)
	}
	if err := c.Ping(context.Background()); !errors.Is(err, signaling.ErrClosed) {
		t.Errorf("Ping after close = %v, want ErrClosed", err)
	}
}
