package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Yagasaki7K/dualspeaker/internal/observe"
	"github.com/Yagasaki7K/dualspeaker/pkg/signaling"
)

// GuardedStore is a [signaling.Store] that routes every call through a
// [CircuitBreaker] and records it in the signaling metrics. Close is never
// guarded so that disconnect-armed removals always run.
type GuardedStore struct {
	inner   signaling.Store
	breaker *CircuitBreaker
	metrics *observe.Metrics
}

var (
	_ signaling.Store  = (*GuardedStore)(nil)
	_ signaling.Pinger = (*GuardedStore)(nil)
)

// NewGuardedStore wraps inner. A nil metrics selects [observe.DefaultMetrics].
func NewGuardedStore(inner signaling.Store, breaker *CircuitBreaker, metrics *observe.Metrics) *GuardedStore {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &GuardedStore{inner: inner, breaker: breaker, metrics: metrics}
}

// Breaker returns the breaker guarding the store.
func (g *GuardedStore) Breaker() *CircuitBreaker { return g.breaker }

// Unwrap returns the wrapped store.
func (g *GuardedStore) Unwrap() signaling.Store { return g.inner }

func (g *GuardedStore) do(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := g.breaker.Execute(fn)

	status := "ok"
	switch {
	case errors.Is(err, ErrCircuitOpen):
		status = "rejected"
		err = fmt.Errorf("resilience: %s: %w", op, err)
	case err != nil:
		status = "error"
	}
	g.metrics.RecordSignalingOp(ctx, op, status, time.Since(start))
	return err
}

// Write implements [signaling.Store].
func (g *GuardedStore) Write(ctx context.Context, path string, value any) error {
	return g.do(ctx, "write", func() error { return g.inner.Write(ctx, path, value) })
}

// Read implements [signaling.Store].
func (g *GuardedStore) Read(ctx context.Context, path string) (signaling.Snapshot, error) {
	var snap signaling.Snapshot
	err := g.do(ctx, "read", func() error {
		var err error
		snap, err = g.inner.Read(ctx, path)
		return err
	})
	return snap, err
}

// Watch implements [signaling.Store]. Only establishing the watch is
// guarded; deliveries flow straight from the wrapped store.
func (g *GuardedStore) Watch(ctx context.Context, path string, fn func(signaling.Snapshot)) (func(), error) {
	var unsub func()
	err := g.do(ctx, "watch", func() error {
		var err error
		unsub, err = g.inner.Watch(ctx, path, fn)
		return err
	})
	return unsub, err
}

// Remove implements [signaling.Store].
func (g *GuardedStore) Remove(ctx context.Context, path string) error {
	return g.do(ctx, "remove", func() error { return g.inner.Remove(ctx, path) })
}

// RemoveOnDisconnect implements [signaling.Store].
func (g *GuardedStore) RemoveOnDisconnect(ctx context.Context, path string) error {
	return g.do(ctx, "remove_on_disconnect", func() error { return g.inner.RemoveOnDisconnect(ctx, path) })
}

// Push implements [signaling.Store].
func (g *GuardedStore) Push(ctx context.Context, path string, value any) (string, error) {
	var key string
	err := g.do(ctx, "push", func() error {
		var err error
		key, err = g.inner.Push(ctx, path, value)
		return err
	})
	return key, err
}

// Ping probes the wrapped store when it implements [signaling.Pinger]. It
// bypasses the breaker so readiness reflects the backend itself, and
// reports an open breaker as not ready.
func (g *GuardedStore) Ping(ctx context.Context) error {
	if s := g.breaker.State(); s == StateOpen {
		return fmt.Errorf("resilience: signaling breaker is %s", s)
	}
	p, ok := g.inner.(signaling.Pinger)
	if !ok {
		return nil
	}
	return p.Ping(ctx)
}

// Close implements [signaling.Store].
func (g *GuardedStore) Close() error { return g.inner.Close() }
