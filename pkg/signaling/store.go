// Package signaling defines the watchable, path-addressed key-value store used
// to exchange session descriptions, ICE candidates and presence entries
// between the two parties of a room.
//
// The namespace is hierarchical. A path is a slash-separated list of
// segments ("rooms/alpha/offer"); writing to a path replaces its whole
// subtree, and reading or watching a path yields the assembled subtree as a
// [Snapshot]. The layout mirrors a Firebase Realtime Database so that data
// written by browser clients of the same rooms stays interoperable:
//
//	rooms/{roomId}/offer
//	rooms/{roomId}/answer
//	rooms/{roomId}/callerCandidates/{autoId}
//	rooms/{roomId}/calleeCandidates/{autoId}
//	rooms/{roomId}/participants/{autoId}
//
// Backends live in sub-packages: memstore (in-process), wsstore (remote, over
// a websocket) and postgres (durable, LISTEN/NOTIFY driven).
package signaling

import (
	"context"
	"errors"
)

// ErrClosed is returned by store operations after the store has been closed.
var ErrClosed = errors.New("signaling: store closed")

// Store is a watchable, path-addressed key-value store.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Write replaces the subtree at path with value. The value must be
	// JSON-encodable; objects become nested children. Writing nil removes
	// the path.
	Write(ctx context.Context, path string, value any) error

	// Read returns the current subtree at path. A missing path yields a
	// snapshot whose Exists method reports false, not an error.
	Read(ctx context.Context, path string) (Snapshot, error)

	// Watch subscribes fn to the subtree at path. fn receives the current
	// value immediately (even when absent) and then every subsequent
	// distinct value, in the order the writes were applied. Deliveries for
	// one subscription never overlap. After unsubscribe returns no new
	// delivery starts.
	Watch(ctx context.Context, path string, fn func(Snapshot)) (unsubscribe func(), err error)

	// Remove deletes the subtree at path. Removing a missing path is not an
	// error.
	Remove(ctx context.Context, path string) error

	// RemoveOnDisconnect arms a best-effort removal of path that the store
	// performs when this client disconnects, gracefully or not.
	RemoveOnDisconnect(ctx context.Context, path string) error

	// Push writes value under a new child of path whose key is generated by
	// the store. Keys sort in creation order. It returns the new key.
	Push(ctx context.Context, path string, value any) (key string, err error)

	// Close disconnects the client. Removals armed with RemoveOnDisconnect
	// are carried out.
	Close() error
}

// Pinger is implemented by stores that can probe their backend. It is used
// by readiness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}
