// Package presence registers the local party in a room's participant
// collection and keeps a live count of everyone registered there.
//
// The count is optimistic: right after [Tracker.Register] it already
// includes the local entry, even before the store has echoed it back. Once
// a delivered snapshot contains the local entry, the count is exactly the
// size of the collection.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Yagasaki7K/dualspeaker/pkg/signaling"
)

// Entry is the value stored for each participant.
type Entry struct {
	JoinedAt int64 `json:"joinedAt"`
}

// Option configures a [Tracker].
type Option func(*Tracker)

// WithClock overrides the clock used for joinedAt timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithOnChange registers fn to be called with the new count whenever it
// changes. fn is called without the tracker's lock held.
func WithOnChange(fn func(count int)) Option {
	return func(t *Tracker) { t.onChange = fn }
}

// WithLogger sets the logger for best-effort failures.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// Tracker owns at most one participant registration at a time.
type Tracker struct {
	store    signaling.Store
	now      func() time.Time
	onChange func(int)
	log      *slog.Logger

	mu          sync.Mutex
	gen         uint64
	roomID      string
	key         string
	observed    int
	confirmed   bool
	unsubscribe func()
	lastCount   int
}

// New creates a tracker that writes to store.
func New(store signaling.Store, opts ...Option) *Tracker {
	t := &Tracker{
		store: store,
		now:   time.Now,
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Register adds a participant entry to roomID, arms its removal on
// disconnect and starts counting the room's participants. An existing
// registration is replaced. It returns the new entry's key.
func (t *Tracker) Register(ctx context.Context, roomID string) (string, error) {
	if err := signaling.ValidateSegment(roomID); err != nil {
		return "", fmt.Errorf("presence: register: %w", err)
	}
	t.release(ctx)

	collection := signaling.ParticipantsPath(roomID)
	key, err := t.store.Push(ctx, collection, Entry{JoinedAt: t.now().UnixMilli()})
	if err != nil {
		return "", fmt.Errorf("presence: register: %w", err)
	}
	entry := signaling.Join(collection, key)

	if err := t.store.RemoveOnDisconnect(ctx, entry); err != nil {
		t.removeEntry(ctx, entry)
		return "", fmt.Errorf("presence: arm disconnect removal: %w", err)
	}

	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.roomID = roomID
	t.key = key
	t.observed = 0
	t.confirmed = false
	t.mu.Unlock()
	t.notify()

	unsubscribe, err := t.store.Watch(ctx, collection, func(snap signaling.Snapshot) {
		t.observe(gen, snap)
	})
	if err != nil {
		t.release(ctx)
		return "", fmt.Errorf("presence: watch participants: %w", err)
	}

	t.mu.Lock()
	if t.gen != gen {
		// Deregistered while the watch was being set up.
		t.mu.Unlock()
		unsubscribe()
		return key, nil
	}
	t.unsubscribe = unsubscribe
	t.mu.Unlock()

	t.log.Info("presence: registered", "room", roomID, "participant", key)
	return key, nil
}

// Count returns the live participant count, 0 when not registered.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.countLocked()
}

// Registration returns the room and key of the outstanding registration.
func (t *Tracker) Registration() (roomID, key string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.roomID, t.key, t.key != ""
}

// Deregister removes the local entry if a registration for roomID is
// outstanding. An empty roomID matches any registration. Store failures are
// logged and otherwise ignored.
func (t *Tracker) Deregister(ctx context.Context, roomID string) {
	t.mu.Lock()
	match := t.key != "" && (roomID == "" || roomID == t.roomID)
	t.mu.Unlock()
	if !match {
		return
	}
	t.release(ctx)
}

func (t *Tracker) release(ctx context.Context) {
	t.mu.Lock()
	if t.key == "" {
		t.mu.Unlock()
		return
	}
	entry := signaling.Join(signaling.ParticipantsPath(t.roomID), t.key)
	roomID := t.roomID
	unsubscribe := t.unsubscribe
	t.gen++
	t.roomID, t.key = "", ""
	t.observed, t.confirmed = 0, false
	t.unsubscribe = nil
	t.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	t.removeEntry(ctx, entry)
	t.log.Info("presence: deregistered", "room", roomID)
	t.notify()
}

func (t *Tracker) removeEntry(ctx context.Context, entry string) {
	if err := t.store.Remove(ctx, entry); err != nil {
		t.log.Warn("presence: remove participant entry", "path", entry, "err", err)
	}
}

func (t *Tracker) observe(gen uint64, snap signaling.Snapshot) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	children := snap.Children()
	t.observed = len(children)
	for _, c := range children {
		if c.Key() == t.key {
			t.confirmed = true
			break
		}
	}
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) countLocked() int {
	if t.key == "" {
		return 0
	}
	if t.confirmed {
		return t.observed
	}
	return t.observed + 1
}

func (t *Tracker) notify() {
	t.mu.Lock()
	n := t.countLocked()
	changed := n != t.lastCount
	t.lastCount = n
	t.mu.Unlock()
	if changed && t.onChange != nil {
		t.onChange(n)
	}
}
