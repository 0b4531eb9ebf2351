package signaling

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
)

// Subscription delivers snapshots of one path to one callback. Deliveries
// are queued and run in order on a dedicated goroutine, so a slow callback
// never blocks the writer that caused the change. Consecutive identical
// values are delivered once.
//
// Subscription is the building block backends use to implement
// [Store.Watch].
type Subscription struct {
	path string
	fn   func(Snapshot)

	mu       sync.Mutex
	queue    []Snapshot
	last     json.RawMessage
	hasLast  bool
	canceled bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// NewSubscription starts a subscription for path. Call Cancel to stop it.
func NewSubscription(path string, fn func(Snapshot)) *Subscription {
	s := &Subscription{
		path: path,
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// Path returns the watched path.
func (s *Subscription) Path() string { return s.path }

// Deliver queues snap for the callback unless it equals the previously
// queued value. It never blocks.
func (s *Subscription) Deliver(snap Snapshot) {
	raw, err := snap.MarshalValue()
	if err != nil {
		slog.Warn("signaling: dropping unencodable snapshot", "path", snap.Path, "err", err)
		return
	}

	s.mu.Lock()
	if s.canceled || (s.hasLast && bytes.Equal(raw, s.last)) {
		s.mu.Unlock()
		return
	}
	s.last = raw
	s.hasLast = true
	s.queue = append(s.queue, snap)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel stops the subscription. Queued snapshots that have not started
// delivery are discarded. Safe to call more than once and from within the
// callback.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.mu.Lock()
		s.canceled = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
	})
}

// Done is closed once the subscription has been cancelled.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if s.canceled || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			snap := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.fn(snap)
		}
	}
}

// Hub tracks the subscriptions of one store client and routes change
// notifications to the ones whose subtree may have changed.
type Hub struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Add registers sub with the hub.
func (h *Hub) Add(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sub] = struct{}{}
}

// Remove unregisters and cancels sub.
func (h *Hub) Remove(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	sub.Cancel()
}

// Affected returns the subscriptions whose path is related to changed.
func (h *Hub) Affected(changed string) []*Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*Subscription
	for sub := range h.subs {
		if Related(sub.path, changed) {
			out = append(out, sub)
		}
	}
	return out
}

// Len returns the number of registered subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close cancels every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*Subscription]struct{})
	h.mu.Unlock()
	for sub := range subs {
		sub.Cancel()
	}
}
