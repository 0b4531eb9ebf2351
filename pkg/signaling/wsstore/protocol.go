// Package wsstore exposes a [signaling.Store] over a websocket and provides
// the matching client.
//
// Every message is a JSON text frame. Clients send requests carrying an id;
// the server answers each with a "result" frame echoing that id. Watch
// deliveries arrive as "event" frames tagged with the watch id the client
// chose:
//
//	→ {"id":1,"op":"write","path":"rooms/a/offer","value":{...}}
//	← {"id":1,"op":"result"}
//	→ {"id":2,"op":"watch","path":"rooms/a/answer","watch":7}
//	← {"id":2,"op":"result"}
//	← {"op":"event","path":"rooms/a/answer","watch":7,"value":null}
//
// When a connection drops the server cancels its watches and removes every
// path the connection armed with "onDisconnect".
package wsstore

import (
	"encoding/json"
	"errors"

	"github.com/Yagasaki7K/dualspeaker/pkg/signaling"
)

// Request and response operations.
const (
	opWrite        = "write"
	opRead         = "read"
	opRemove       = "remove"
	opPush         = "push"
	opWatch        = "watch"
	opUnwatch      = "unwatch"
	opOnDisconnect = "onDisconnect"

	opResult = "result"
	opEvent  = "event"
)

// Error codes carried in result frames.
const (
	codeInvalidPath = "invalid_path"
	codeClosed      = "closed"
	codeBadRequest  = "bad_request"
	codeInternal    = "internal"
)

// readLimit bounds a single frame. Session descriptions are a few KiB.
const readLimit = 1 << 20

type frame struct {
	ID    uint64          `json:"id,omitempty"`
	Op    string          `json:"op"`
	Path  string          `json:"path,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Key   string          `json:"key,omitempty"`
	Watch uint64          `json:"watch,omitempty"`
	Error string          `json:"error,omitempty"`
	Code  string          `json:"code,omitempty"`
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, signaling.ErrInvalidPath):
		return codeInvalidPath
	case errors.Is(err, signaling.ErrClosed):
		return codeClosed
	default:
		return codeInternal
	}
}

// remoteError converts a failed result frame back into an error that
// matches the store's sentinel errors.
func remoteError(f frame) error {
	switch f.Code {
	case codeInvalidPath:
		return &RemoteError{Code: f.Code, Message: f.Error, sentinel: signaling.ErrInvalidPath}
	case codeClosed:
		return &RemoteError{Code: f.Code, Message: f.Error, sentinel: signaling.ErrClosed}
	default:
		return &RemoteError{Code: f.Code, Message: f.Error}
	}
}

// RemoteError is an error reported by the server.
type RemoteError struct {
	Code    string
	Message string

	sentinel error
}

func (e *RemoteError) Error() string { return "wsstore: remote: " + e.Message }

// Unwrap returns the store sentinel the code maps to, if any.
func (e *RemoteError) Unwrap() error { return e.sentinel }
