package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Yagasaki7K/dualspeaker/pkg/signaling"
)

var (
	_ signaling.Store  = (*Store)(nil)
	_ signaling.Pinger = (*Store)(nil)
)

const defaultReapInterval = 30 * time.Second

// Store is a [signaling.Store] backed by PostgreSQL. All operations are safe
// for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	listener *pgxpool.Conn
	hub      *signaling.Hub

	ownerPID   int32
	ownerStart time.Time

	reapInterval time.Duration

	// notifyMu serialises change fan-out with the initial delivery of new
	// watches so that a watch never sees an older value after a newer one.
	notifyMu sync.Mutex

	mu        sync.Mutex
	armed     map[string]struct{}
	closed    bool
	listenErr error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures [New].
type Option func(*Store)

// WithReapInterval sets how often orphaned disconnect entries are reaped.
// Defaults to 30 s.
func WithReapInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.reapInterval = d
		}
	}
}

// New connects to the database at dsn, runs [Migrate], starts listening for
// changes and reaps disconnect entries left behind by dead connections.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	s, err := newStore(ctx, pool, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func newStore(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	s := &Store{
		pool:         pool,
		hub:          signaling.NewHub(),
		reapInterval: defaultReapInterval,
		armed:        make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	listener, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: acquire listener: %w", err)
	}
	if _, err := listener.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		listener.Release()
		return nil, fmt.Errorf("postgres: listen: %w", err)
	}
	err = listener.QueryRow(ctx,
		`SELECT pid, backend_start FROM pg_stat_activity WHERE pid = pg_backend_pid()`,
	).Scan(&s.ownerPID, &s.ownerStart)
	if err != nil {
		listener.Release()
		return nil, fmt.Errorf("postgres: identify listener: %w", err)
	}
	s.listener = listener

	if err := s.reap(ctx); err != nil {
		slog.Warn("postgres: initial reap failed", "err", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(2)
	go s.listenLoop(loopCtx)
	go s.reapLoop(loopCtx)
	return s, nil
}

func (s *Store) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return signaling.ErrClosed
	}
	return nil
}

// ── Store operations ─────────────────────────────────────────────────────────

// Write implements [signaling.Store].
func (s *Store) Write(ctx context.Context, path string, value any) error {
	if err := s.checkOpen(ctx); err != nil {
		return fmt.Errorf("postgres: write: %w", err)
	}
	path, err := signaling.CleanPath(path)
	if err != nil {
		return fmt.Errorf("postgres: write: %w", err)
	}
	leaves, err := signaling.Flatten(path, value)
	if err != nil {
		return fmt.Errorf("postgres: write: %w", err)
	}
	if err := s.replace(ctx, path, leaves); err != nil {
		return fmt.Errorf("postgres: write %q: %w", path, err)
	}
	return nil
}

// Read implements [signaling.Store].
func (s *Store) Read(ctx context.Context, path string) (signaling.Snapshot, error) {
	if err := s.checkOpen(ctx); err != nil {
		return signaling.Snapshot{}, fmt.Errorf("postgres: read: %w", err)
	}
	path, err := signaling.CleanPath(path)
	if err != nil {
		return signaling.Snapshot{}, fmt.Errorf("postgres: read: %w", err)
	}
	snap, err := s.load(ctx, path)
	if err != nil {
		return signaling.Snapshot{}, fmt.Errorf("postgres: read %q: %w", path, err)
	}
	return snap, nil
}

// Watch implements [signaling.Store].
func (s *Store) Watch(ctx context.Context, path string, fn func(signaling.Snapshot)) (func(), error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, fmt.Errorf("postgres: watch: %w", err)
	}
	path, err := signaling.CleanPath(path)
	if err != nil {
		return nil, fmt.Errorf("postgres: watch: %w", err)
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	snap, err := s.load(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("postgres: watch %q: %w", path, err)
	}
	sub := signaling.NewSubscription(path, fn)
	sub.Deliver(snap)
	s.hub.Add(sub)
	return func() { s.hub.Remove(sub) }, nil
}

// Remove implements [signaling.Store].
func (s *Store) Remove(ctx context.Context, path string) error {
	if err := s.checkOpen(ctx); err != nil {
		return fmt.Errorf("postgres: remove: %w", err)
	}
	path, err := signaling.CleanPath(path)
	if err != nil {
		return fmt.Errorf("postgres: remove: %w", err)
	}
	if err := s.replace(ctx, path, nil); err != nil {
		return fmt.Errorf("postgres: remove %q: %w", path, err)
	}
	return nil
}

// RemoveOnDisconnect implements [signaling.Store]. The entry is owned by this
// store's listener connection.
func (s *Store) RemoveOnDisconnect(ctx context.Context, path string) error {
	if err := s.checkOpen(ctx); err != nil {
		return fmt.Errorf("postgres: on disconnect: %w", err)
	}
	path, err := signaling.CleanPath(path)
	if err != nil {
		return fmt.Errorf("postgres: on disconnect: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO signal_disconnect (path, owner_pid, owner_start)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`,
		path, s.ownerPID, s.ownerStart,
	)
	if err != nil {
		return fmt.Errorf("postgres: on disconnect %q: %w", path, err)
	}
	s.mu.Lock()
	s.armed[path] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Push implements [signaling.Store].
func (s *Store) Push(ctx context.Context, path string, value any) (string, error) {
	key, err := signaling.NewPushID()
	if err != nil {
		return "", fmt.Errorf("postgres: push: %w", err)
	}
	parent, err := signaling.CleanPath(path)
	if err != nil {
		return "", fmt.Errorf("postgres: push: %w", err)
	}
	if err := s.Write(ctx, signaling.Join(parent, key), value); err != nil {
		return "", err
	}
	return key, nil
}

// Ping implements [signaling.Pinger]. It fails when the database is
// unreachable or the change listener has stopped.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	lerr := s.listenErr
	s.mu.Unlock()
	if lerr != nil {
		return fmt.Errorf("postgres: listener: %w", lerr)
	}
	return s.pool.Ping(ctx)
}

// Close performs this store's disconnect-armed removals, stops the listener
// and releases all connections.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	armed := slices.Sorted(maps.Keys(s.armed))
	s.armed = nil
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for _, path := range armed {
		if err := s.replace(ctx, path, nil); err != nil {
			errs = append(errs, fmt.Errorf("remove %q: %w", path, err))
		}
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM signal_disconnect WHERE owner_pid = $1 AND owner_start = $2`,
		s.ownerPID, s.ownerStart,
	)
	if err != nil {
		errs = append(errs, fmt.Errorf("clear disconnect entries: %w", err))
	}

	s.listener.Release()
	s.pool.Close()
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("postgres: close: %w", err)
	}
	return nil
}

// ── storage ──────────────────────────────────────────────────────────────────

// replace deletes the subtree at path and every leaf stored at one of its
// ancestors, inserts leaves and notifies listeners, all in one transaction.
func (s *Store) replace(ctx context.Context, path string, leaves map[string]json.RawMessage) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			DELETE FROM signal_nodes
			WHERE path = $1
			   OR starts_with(path, $1 || '/')
			   OR starts_with($1, path || '/')`,
			path,
		)
		if err != nil {
			return fmt.Errorf("delete: %w", err)
		}

		if len(leaves) > 0 {
			batch := &pgx.Batch{}
			for p, raw := range leaves {
				batch.Queue(`INSERT INTO signal_nodes (path, value) VALUES ($1, $2::jsonb)`, p, string(raw))
			}
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("insert: %w", err)
			}
		}

		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, path); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
		return nil
	})
}

// load assembles the subtree at path.
func (s *Store) load(ctx context.Context, path string) (signaling.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT path, value::text FROM signal_nodes
		WHERE path = $1 OR starts_with(path, $1 || '/')`,
		path,
	)
	if err != nil {
		return signaling.Snapshot{}, err
	}
	defer rows.Close()

	leaves := make(map[string]json.RawMessage)
	for rows.Next() {
		var p, v string
		if err := rows.Scan(&p, &v); err != nil {
			return signaling.Snapshot{}, err
		}
		leaves[p] = json.RawMessage(v)
	}
	if err := rows.Err(); err != nil {
		return signaling.Snapshot{}, err
	}
	return signaling.Assemble(path, leaves)
}

// ── background loops ─────────────────────────────────────────────────────────

func (s *Store) listenLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		n, err := s.listener.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("postgres: change listener stopped", "err", err)
				s.mu.Lock()
				s.listenErr = err
				s.mu.Unlock()
			}
			return
		}
		if n.Channel != notifyChannel {
			continue
		}
		s.fanOut(ctx, n.Payload)
	}
}

func (s *Store) fanOut(ctx context.Context, changed string) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	for _, sub := range s.hub.Affected(changed) {
		snap, err := s.load(ctx, sub.Path())
		if err != nil {
			slog.Warn("postgres: reload watched path failed", "path", sub.Path(), "err", err)
			continue
		}
		sub.Deliver(snap)
	}
}

func (s *Store) reapLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.reap(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("postgres: reap failed", "err", err)
			}
		}
	}
}

// reap removes the paths armed by connections that no longer exist.
func (s *Store) reap(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `
		WITH gone AS (
			DELETE FROM signal_disconnect d
			WHERE NOT EXISTS (
				SELECT 1 FROM pg_stat_activity a
				WHERE a.pid = d.owner_pid AND a.backend_start = d.owner_start
			)
			RETURNING d.path
		)
		SELECT DISTINCT path FROM gone`)
	if err != nil {
		return fmt.Errorf("postgres: reap: %w", err)
	}
	paths, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("postgres: reap: %w", err)
	}
	for _, p := range paths {
		if err := s.replace(ctx, p, nil); err != nil {
			return fmt.Errorf("postgres: reap %q: %w", p, err)
		}
		slog.Info("postgres: reaped orphaned entry", "path", p)
	}
	return nil
}
