package session

import (
	"errors"
	"fmt"
)

// State is the phase of the current call attempt.
type State int

const (
	// StateIdle means no session exists.
	StateIdle State = iota

	// StatePreparing covers endpoint construction and local track attachment.
	StatePreparing

	// StateOfferSent means the creator published its offer and waits for an
	// answer.
	StateOfferSent

	// StateAnswerSent means the joiner published its answer.
	StateAnswerSent

	// StateConnected means the endpoint reported a connected transport.
	StateConnected

	// StateClosed means the session was left by the user.
	StateClosed

	// StateFailed means negotiation or connectivity failed. It is left only
	// by a new create, join or leave.
	StateFailed
)

// String returns the lower-case name of s.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateOfferSent:
		return "offer_sent"
	case StateAnswerSent:
		return "answer_sent"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateFailed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("session: unknown state %q", b)
}

// terminal reports whether s no longer reacts to connection events.
func (s State) terminal() bool {
	return s == StateIdle || s == StateClosed || s == StateFailed
}

// Role is the side the local party plays in a room.
type Role string

const (
	RoleNone    Role = ""
	RoleCreator Role = "creator"
	RoleJoiner  Role = "joiner"
)

// User-facing status and error messages.
const (
	MsgEnterRoomID       = "Please enter a room ID"
	MsgInvalidRoomID     = "Room IDs cannot contain '.', '#', '$', '[', ']' or '/'"
	MsgMicToCreate       = "Enable the microphone to create the room"
	MsgMicToJoin         = "Enable the microphone to join the room"
	MsgMicrophoneReady   = "Microphone ready"
	MsgLocalAudio        = "Could not start local audio"
	MsgPreparing         = "Preparing the room..."
	MsgWaiting           = "Room created. Waiting for another participant..."
	MsgSearching         = "Looking for the room..."
	MsgFound             = "Room found. Connecting..."
	MsgNotFound          = "Room not found or no host yet"
	MsgConnectFailed     = "Could not establish the connection"
	MsgConnectionLost    = "Connection lost"
	MsgCallEnded         = "Call ended"
	msgConnectedPrefix   = "Connected to room "
	msgCreateErrorPrefix = "Error creating room: "
	msgJoinErrorPrefix   = "Error joining room: "
	msgMicErrorPrefix    = "Error accessing the microphone: "
)

var (
	// ErrInvalidRoomID is returned for an empty (after trimming) or
	// malformed room id.
	ErrInvalidRoomID = errors.New("session: invalid room id")

	// ErrMicrophoneNotReady is returned by create and join before a local
	// stream has been provided.
	ErrMicrophoneNotReady = errors.New("session: microphone not ready")

	// ErrRoomNotFound is returned by join when the room has no offer.
	ErrRoomNotFound = errors.New("session: room not found")

	// ErrLocalAudio is returned when the local stream cannot be attached to
	// the endpoint.
	ErrLocalAudio = errors.New("session: could not start local audio")

	// ErrClosed is returned by operations on a closed [Manager].
	ErrClosed = errors.New("session: manager closed")
)

// Status is a snapshot of everything an observer of the manager needs.
type Status struct {
	State   State  `json:"state"`
	Role    Role   `json:"role,omitempty"`
	RoomID  string `json:"room_id,omitempty"`
	InCall  bool   `json:"in_call"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`

	Participants    int  `json:"participants"`
	MicrophoneReady bool `json:"microphone_ready"`
	LocalActive     bool `json:"local_active"`
	RemoteLevel     int  `json:"remote_level"`
	RemoteActive    bool `json:"remote_active"`
}
