package wsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Yagasaki7K/dualspeaker/pkg/signaling"
)

// Server is an [http.Handler] that serves a [signaling.Store] to websocket
// clients.
type Server struct {
	store          signaling.Store
	originPatterns []string
	cleanupTimeout time.Duration

	mu    sync.Mutex
	conns int
}

// ServerOption configures a [Server].
type ServerOption func(*Server)

// WithOriginPatterns allows cross-origin websocket upgrades from hosts
// matching the given patterns.
func WithOriginPatterns(patterns ...string) ServerOption {
	return func(s *Server) { s.originPatterns = append(s.originPatterns, patterns...) }
}

// WithCleanupTimeout bounds the removals performed after a client drops.
// Defaults to 5 s.
func WithCleanupTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.cleanupTimeout = d
		}
	}
}

// NewServer returns a handler serving store.
func NewServer(store signaling.Store, opts ...ServerOption) *Server {
	s := &Server{store: store, cleanupTimeout: 5 * time.Second}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connections returns the number of currently connected clients.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// ServeHTTP upgrades the request and serves store operations until the
// client goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		slog.Warn("wsstore: accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	s.mu.Lock()
	s.conns++
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	sc := &serverConn{
		srv:     s,
		conn:    conn,
		ctx:     ctx,
		watches: make(map[uint64]func()),
		armed:   make(map[string]struct{}),
	}
	err = sc.serve()
	cancel()
	sc.teardown()

	s.mu.Lock()
	s.conns--
	s.mu.Unlock()

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		conn.Close(websocket.StatusNormalClosure, "")
		slog.Debug("wsstore: client disconnected", "remote", r.RemoteAddr)
	default:
		conn.Close(websocket.StatusInternalError, "")
		slog.Info("wsstore: client dropped", "remote", r.RemoteAddr, "err", err)
	}
}

type serverConn struct {
	srv  *Server
	conn *websocket.Conn
	ctx  context.Context

	mu      sync.Mutex
	watches map[uint64]func()
	armed   map[string]struct{}
}

func (c *serverConn) serve() error {
	for {
		var req frame
		if err := wsjson.Read(c.ctx, c.conn, &req); err != nil {
			return err
		}
		resp := c.handle(req)
		resp.ID = req.ID
		resp.Op = opResult
		if err := wsjson.Write(c.ctx, c.conn, resp); err != nil {
			return err
		}
	}
}

func (c *serverConn) handle(req frame) frame {
	store := c.srv.store
	var err error
	var resp frame

	switch req.Op {
	case opWrite:
		var v any
		if v, err = decodeValue(req.Value); err == nil {
			err = store.Write(c.ctx, req.Path, v)
		}
	case opRead:
		var snap signaling.Snapshot
		if snap, err = store.Read(c.ctx, req.Path); err == nil {
			resp.Path = snap.Path
			resp.Value, err = snap.MarshalValue()
		}
	case opRemove:
		err = store.Remove(c.ctx, req.Path)
	case opPush:
		var v any
		if v, err = decodeValue(req.Value); err == nil {
			resp.Key, err = store.Push(c.ctx, req.Path, v)
		}
	case opWatch:
		err = c.watch(req.Watch, req.Path)
	case opUnwatch:
		c.unwatch(req.Watch)
	case opOnDisconnect:
		var path string
		if path, err = signaling.CleanPath(req.Path); err == nil {
			c.mu.Lock()
			c.armed[path] = struct{}{}
			c.mu.Unlock()
		}
	default:
		return frame{Code: codeBadRequest, Error: fmt.Sprintf("unknown op %q", req.Op)}
	}

	if err != nil {
		resp = frame{Code: errorCode(err), Error: err.Error()}
	}
	return resp
}

func (c *serverConn) watch(id uint64, path string) error {
	if id == 0 {
		return errors.New("watch id is required")
	}
	c.mu.Lock()
	_, dup := c.watches[id]
	c.mu.Unlock()
	if dup {
		return fmt.Errorf("watch %d already active", id)
	}

	unsub, err := c.srv.store.Watch(c.ctx, path, func(snap signaling.Snapshot) {
		raw, err := snap.MarshalValue()
		if err != nil {
			return
		}
		ev := frame{Op: opEvent, Path: snap.Path, Watch: id, Value: raw}
		if err := wsjson.Write(c.ctx, c.conn, ev); err != nil {
			slog.Debug("wsstore: event write failed", "watch", id, "err", err)
		}
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.watches[id] = unsub
	c.mu.Unlock()
	return nil
}

func (c *serverConn) unwatch(id uint64) {
	c.mu.Lock()
	unsub, ok := c.watches[id]
	delete(c.watches, id)
	c.mu.Unlock()
	if ok {
		unsub()
	}
}

// teardown cancels the connection's watches and performs its armed
// removals.
func (c *serverConn) teardown() {
	c.mu.Lock()
	watches := c.watches
	armed := c.armed
	c.watches = nil
	c.armed = nil
	c.mu.Unlock()

	for _, unsub := range watches {
		unsub()
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.srv.cleanupTimeout)
	defer cancel()
	for path := range armed {
		if err := c.srv.store.Remove(ctx, path); err != nil {
			slog.Warn("wsstore: disconnect removal failed", "path", path, "err", err)
		}
	}
}

func decodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	snap, err := signaling.SnapshotFromJSON("", raw)
	if err != nil {
		return nil, err
	}
	return snap.Value, nil
}
