package wsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Yagasaki7K/dualspeaker/pkg/signaling"
)

const defaultRequestTimeout = 10 * time.Second

// Store is a [signaling.Store] backed by a remote [Server].
type Store struct {
	conn    *websocket.Conn
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan frame
	watches map[uint64]*signaling.Subscription
	closed  bool
	done    chan struct{}
	readErr error
}

var _ signaling.Store = (*Store)(nil)
var _ signaling.Pinger = (*Store)(nil)

// Option configures [Dial].
type Option func(*dialConfig)

type dialConfig struct {
	header  http.Header
	timeout time.Duration
	client  *http.Client
}

// WithHTTPHeader adds headers to the websocket handshake request.
func WithHTTPHeader(h http.Header) Option {
	return func(c *dialConfig) { c.header = h }
}

// WithRequestTimeout bounds how long a single store operation waits for the
// server's reply. Defaults to 10 s.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *dialConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient sets the client used for the handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *dialConfig) { c.client = hc }
}

// Dial connects to the websocket store server at url (ws:// or wss://).
func Dial(ctx context.Context, url string, opts ...Option) (*Store, error) {
	cfg := dialConfig{timeout: defaultRequestTimeout}
	for _, o := range opts {
		o(&cfg)
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: cfg.header,
		HTTPClient: cfg.client,
	})
	if err != nil {
		return nil, fmt.Errorf("wsstore: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	sctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		conn:    conn,
		timeout: cfg.timeout,
		ctx:     sctx,
		cancel:  cancel,
		pending: make(map[uint64]chan frame),
		watches: make(map[uint64]*signaling.Subscription),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// readLoop routes results to their callers and events to their
// subscriptions. It owns s.done.
func (s *Store) readLoop() {
	var err error
	defer func() {
		s.mu.Lock()
		s.closed = true
		s.readErr = err
		pending := s.pending
		watches := s.watches
		s.pending = nil
		s.watches = nil
		s.mu.Unlock()

		for _, ch := range pending {
			close(ch)
		}
		for _, sub := range watches {
			sub.Cancel()
		}
		close(s.done)
	}()

	for {
		var f frame
		if err = wsjson.Read(s.ctx, s.conn, &f); err != nil {
			return
		}
		switch f.Op {
		case opResult:
			s.mu.Lock()
			ch, ok := s.pending[f.ID]
			delete(s.pending, f.ID)
			s.mu.Unlock()
			if ok {
				ch <- f
			}
		case opEvent:
			s.mu.Lock()
			sub := s.watches[f.Watch]
			s.mu.Unlock()
			if sub == nil {
				continue
			}
			snap, err := signaling.SnapshotFromJSON(f.Path, f.Value)
			if err != nil {
				continue
			}
			sub.Deliver(snap)
		}
	}
}

// call sends req and waits for its result.
func (s *Store) call(ctx context.Context, req frame) (frame, error) {
	req.ID = s.nextID.Add(1)
	ch := make(chan frame, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return frame{}, signaling.ErrClosed
	}
	s.pending[req.ID] = ch
	s.mu.Unlock()

	forget := func() {
		s.mu.Lock()
		if s.pending != nil {
			delete(s.pending, req.ID)
		}
		s.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := wsjson.Write(ctx, s.conn, req); err != nil {
		forget()
		return frame{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return frame{}, signaling.ErrClosed
		}
		if resp.Code != "" {
			return frame{}, remoteError(resp)
		}
		return resp, nil
	case <-ctx.Done():
		forget()
		return frame{}, ctx.Err()
	}
}

func encodeValue(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Write implements [signaling.Store].
func (s *Store) Write(ctx context.Context, path string, value any) error {
	raw, err := encodeValue(value)
	if err != nil {
		return fmt.Errorf("wsstore: write: %w", err)
	}
	if _, err := s.call(ctx, frame{Op: opWrite, Path: path, Value: raw}); err != nil {
		return fmt.Errorf("wsstore: write: %w", err)
	}
	return nil
}

// Read implements [signaling.Store].
func (s *Store) Read(ctx context.Context, path string) (signaling.Snapshot, error) {
	resp, err := s.call(ctx, frame{Op: opRead, Path: path})
	if err != nil {
		return signaling.Snapshot{}, fmt.Errorf("wsstore: read: %w", err)
	}
	return signaling.SnapshotFromJSON(resp.Path, resp.Value)
}

// Watch implements [signaling.Store].
func (s *Store) Watch(ctx context.Context, path string, fn func(signaling.Snapshot)) (func(), error) {
	clean, err := signaling.CleanPath(path)
	if err != nil {
		return nil, fmt.Errorf("wsstore: watch: %w", err)
	}
	id := s.nextID.Add(1)
	sub := signaling.NewSubscription(clean, fn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Cancel()
		return nil, fmt.Errorf("wsstore: watch: %w", signaling.ErrClosed)
	}
	s.watches[id] = sub
	s.mu.Unlock()

	if _, err := s.call(ctx, frame{Op: opWatch, Path: clean, Watch: id}); err != nil {
		s.dropWatch(id)
		return nil, fmt.Errorf("wsstore: watch: %w", err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.dropWatch(id)
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			_, _ = s.call(ctx, frame{Op: opUnwatch, Watch: id})
		})
	}, nil
}

func (s *Store) dropWatch(id uint64) {
	s.mu.Lock()
	sub := s.watches[id]
	if s.watches != nil {
		delete(s.watches, id)
	}
	s.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
}

// Remove implements [signaling.Store].
func (s *Store) Remove(ctx context.Context, path string) error {
	if _, err := s.call(ctx, frame{Op: opRemove, Path: path}); err != nil {
		return fmt.Errorf("wsstore: remove: %w", err)
	}
	return nil
}

// RemoveOnDisconnect implements [signaling.Store]. The server performs the
// removal when this connection closes or drops.
func (s *Store) RemoveOnDisconnect(ctx context.Context, path string) error {
	if _, err := s.call(ctx, frame{Op: opOnDisconnect, Path: path}); err != nil {
		return fmt.Errorf("wsstore: on disconnect: %w", err)
	}
	return nil
}

// Push implements [signaling.Store].
func (s *Store) Push(ctx context.Context, path string, value any) (string, error) {
	raw, err := encodeValue(value)
	if err != nil {
		return "", fmt.Errorf("wsstore: push: %w", err)
	}
	resp, err := s.call(ctx, frame{Op: opPush, Path: path, Value: raw})
	if err != nil {
		return "", fmt.Errorf("wsstore: push: %w", err)
	}
	return resp.Key, nil
}

// Ping implements [signaling.Pinger].
func (s *Store) Ping(ctx context.Context) error {
	select {
	case <-s.done:
		return signaling.ErrClosed
	default:
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.conn.Ping(ctx); err != nil {
		return fmt.Errorf("wsstore: ping: %w", err)
	}
	return nil
}

// Done is closed when the connection to the server is gone.
func (s *Store) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the connection, if any.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}

// Close closes the connection. The server removes every path armed with
// RemoveOnDisconnect.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.conn.Close(websocket.StatusNormalClosure, "client closed")
	s.cancel()
	<-s.done
	return nil
}
