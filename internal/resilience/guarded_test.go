package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Yagasaki7K/dualspeaker/internal/observe"
	"github.com/Yagasaki7K/dualspeaker/pkg/signaling"
	"github.com/Yagasaki7K/dualspeaker/pkg/signaling/memstore"
)

func TestGuardedStore_PassesThrough(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	inner := memstore.New().Client()
	g := NewGuardedStore(inner, newTestBreaker(newFakeClock(), CircuitBreakerConfig{}), m)
	defer g.Close()
	ctx := context.Background()

	if err := g.Write(ctx, "rooms/a/offer", map[string]any{"type": "offer", "sdp": "v=0"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	snap, err := g.Read(ctx, "rooms/a/offer")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !snap.Exists() {
		t.Fatal("offer should exist")
	}
	key, err := g.Push(ctx, "rooms/a/participants", map[string]any{"joinedAt": 1})
	if err != nil || key == "" {
		t.Fatalf("Push: key=%q err=%v", key, err)
	}
	if err := g.RemoveOnDisconnect(ctx, "rooms/a/participants/"+key); err != nil {
		t.Fatalf("RemoveOnDisconnect: %v", err)
	}
	got := make(chan signaling.Snapshot, 4)
	unsub, err := g.Watch(ctx, "rooms/a/answer", func(s signaling.Snapshot) { got <- s })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer unsub()
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not deliver the initial snapshot")
	}
	if err := g.Remove(ctx, "rooms/a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := g.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if g.Unwrap() != signaling.Store(inner) {
		t.Error("Unwrap should return the inner store")
	}

	for _, op := range []string{"write", "read", "push", "remove_on_disconnect", "watch", "remove"} {
		if n := opCount(t, reader, op, "ok"); n != 1 {
			t.Errorf("op %s: ok count = %d, want 1", op, n)
		}
	}
}

func TestGuardedStore_OpensAndRejects(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	inner := &failingStore{err: errTest}
	g := NewGuardedStore(inner, newTestBreaker(newFakeClock(), CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}), m)
	ctx := context.Background()

	for range 2 {
		if err := g.Write(ctx, "rooms/a/offer", "x"); !errors.Is(err, errTest) {
			t.Fatalf("err = %v, want errTest", err)
		}
	}
	_, err := g.Read(ctx, "rooms/a/offer")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if inner.calls != 2 {
		t.Errorf("inner calls = %d, want 2", inner.calls)
	}
	if err := g.Ping(ctx); err == nil {
		t.Error("Ping should fail while the breaker is open")
	}
	if n := opCount(t, reader, "write", "error"); n != 2 {
		t.Errorf("write errors = %d, want 2", n)
	}
	if n := opCount(t, reader, "read", "rejected"); n != 1 {
		t.Errorf("read rejections = %d, want 1", n)
	}
}

func TestGuardedStore_CloseIsUnguarded(t *testing.T) {
	t.Parallel()
	inner := &failingStore{err: errTest}
	g := NewGuardedStore(inner, newTestBreaker(newFakeClock(), CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}), nil)
	_ = g.Remove(context.Background(), "rooms/a")
	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !inner.closed {
		t.Error("Close must reach the inner store even with an open breaker")
	}
}

// ─── test helpers ───────────────────────────────────────────────────────────

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func opCount(t *testing.T, reader *sdkmetric.ManualReader, op, status string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	want := attribute.NewSet(attribute.String("op", op), attribute.String("status", status))
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "dualspeaker.signaling.operations" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", met.Data)
			}
			for _, dp := range sum.DataPoints {
				if dp.Attributes.Equals(&want) {
					return dp.Value
				}
			}
		}
	}
	return 0
}

// failingStore fails every call with err.
type failingStore struct {
	err    error
	calls  int
	closed bool
}

func (f *failingStore) Write(context.Context, string, any) error { f.calls++; return f.err }
func (f *failingStore) Read(context.Context, string) (signaling.Snapshot, error) {
	f.calls++
	return signaling.Snapshot{}, f.err
}
func (f *failingStore) Watch(context.Context, string, func(signaling.Snapshot)) (func(), error) {
	f.calls++
	return nil, f.err
}
func (f *failingStore) Remove(context.Context, string) error             { f.calls++; return f.err }
func (f *failingStore) RemoveOnDisconnect(context.Context, string) error { f.calls++; return f.err }
func (f *failingStore) Push(context.Context, string, any) (string, error) {
	f.calls++
	return "", f.err
}
func (f *failingStore) Close() error { f.closed = true; return nil }
