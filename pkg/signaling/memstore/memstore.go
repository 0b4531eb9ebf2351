// Package memstore implements an in-process [signaling.Store].
//
// A [Backend] holds the shared tree. Every participant obtains its own
// [Client] handle, which carries that participant's watches and
// disconnect-armed removals, so two session managers in one process behave
// like two browsers connected to the same database.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/Yagasaki7K/dualspeaker/pkg/signaling"
)

// Backend is the shared in-memory tree. The zero value is not usable; call
// [New].
type Backend struct {
	mu      sync.Mutex
	leaves  map[string]json.RawMessage
	clients map[*Client]struct{}
}

// New returns an empty backend.
func New() *Backend {
	return &Backend{
		leaves:  make(map[string]json.RawMessage),
		clients: make(map[*Client]struct{}),
	}
}

// Client returns a new store handle connected to b.
func (b *Backend) Client() *Client {
	c := &Client{
		backend: b,
		hub:     signaling.NewHub(),
		armed:   make(map[string]struct{}),
	}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	return c
}

// Len returns the number of stored leaves.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.leaves)
}

// Dump returns a copy of every stored leaf keyed by path.
func (b *Backend) Dump() map[string]json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return maps.Clone(b.leaves)
}

// set replaces the subtree at path with leaves and notifies watchers.
// Leaves stored at ancestors of path are dropped so the tree stays
// consistent. Caller must not hold b.mu.
func (b *Backend) set(path string, leaves map[string]json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for p := range b.leaves {
		if signaling.Related(p, path) {
			delete(b.leaves, p)
		}
	}
	maps.Copy(b.leaves, leaves)
	b.notifyLocked(path)
}

func (b *Backend) notifyLocked(changed string) {
	for c := range b.clients {
		for _, sub := range c.hub.Affected(changed) {
			sub.Deliver(b.assembleLocked(sub.Path()))
		}
	}
}

func (b *Backend) assembleLocked(path string) signaling.Snapshot {
	snap, err := signaling.Assemble(path, b.leaves)
	if err != nil {
		// Leaves are produced by Flatten and always decode.
		panic(fmt.Sprintf("memstore: corrupt leaf under %q: %v", path, err))
	}
	return snap
}

// Client is one participant's handle on a [Backend]. It implements
// [signaling.Store].
type Client struct {
	backend *Backend
	hub     *signaling.Hub

	mu     sync.Mutex
	armed  map[string]struct{}
	closed bool
}

var _ signaling.Store = (*Client)(nil)
var _ signaling.Pinger = (*Client)(nil)

func (c *Client) check(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return "", signaling.ErrClosed
	}
	return signaling.CleanPath(path)
}

// Write implements [signaling.Store].
func (c *Client) Write(ctx context.Context, path string, value any) error {
	path, err := c.check(ctx, path)
	if err != nil {
		return fmt.Errorf("memstore: write: %w", err)
	}
	leaves, err := signaling.Flatten(path, value)
	if err != nil {
		return fmt.Errorf("memstore: write: %w", err)
	}
	c.backend.set(path, leaves)
	return nil
}

// Read implements [signaling.Store].
func (c *Client) Read(ctx context.Context, path string) (signaling.Snapshot, error) {
	path, err := c.check(ctx, path)
	if err != nil {
		return signaling.Snapshot{}, fmt.Errorf("memstore: read: %w", err)
	}
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	return c.backend.assembleLocked(path), nil
}

// Watch implements [signaling.Store].
func (c *Client) Watch(ctx context.Context, path string, fn func(signaling.Snapshot)) (func(), error) {
	path, err := c.check(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("memstore: watch: %w", err)
	}
	sub := signaling.NewSubscription(path, fn)

	c.backend.mu.Lock()
	sub.Deliver(c.backend.assembleLocked(path))
	c.hub.Add(sub)
	c.backend.mu.Unlock()

	return func() { c.hub.Remove(sub) }, nil
}

// Remove implements [signaling.Store].
func (c *Client) Remove(ctx context.Context, path string) error {
	path, err := c.check(ctx, path)
	if err != nil {
		return fmt.Errorf("memstore: remove: %w", err)
	}
	c.backend.set(path, nil)
	return nil
}

// RemoveOnDisconnect implements [signaling.Store].
func (c *Client) RemoveOnDisconnect(ctx context.Context, path string) error {
	path, err := c.check(ctx, path)
	if err != nil {
		return fmt.Errorf("memstore: on disconnect: %w", err)
	}
	c.mu.Lock()
	c.armed[path] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Push implements [signaling.Store].
func (c *Client) Push(ctx context.Context, path string, value any) (string, error) {
	key, err := signaling.NewPushID()
	if err != nil {
		return "", fmt.Errorf("memstore: push: %w", err)
	}
	if err := c.Write(ctx, signaling.Join(strings.Trim(path, "/"), key), value); err != nil {
		return "", err
	}
	return key, nil
}

// Ping implements [signaling.Pinger].
func (c *Client) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return signaling.ErrClosed
	}
	return nil
}

// Close disconnects the client: its watches are cancelled and every path
// armed with RemoveOnDisconnect is removed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	armed := c.armed
	c.armed = nil
	c.mu.Unlock()

	c.hub.Close()

	c.backend.mu.Lock()
	delete(c.backend.clients, c)
	c.backend.mu.Unlock()

	for path := range armed {
		c.backend.set(path, nil)
	}
	return nil
}

// Disconnect simulates an abrupt loss of the client's connection. The
// backend reacts exactly as it does to Close.
func (c *Client) Disconnect() { _ = c.Close() }
