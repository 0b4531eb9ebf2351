// Package audio defines the media primitives of dualspeaker and the contract
// of the session endpoint that carries them to the remote party.
//
// The primary abstractions are:
//
//   - [Stream]: a live PCM source (local capture or received remote audio)
//     that any number of consumers can subscribe to.
//   - [Endpoint]: one point-to-point media session: offer/answer
//     negotiation, ICE candidate exchange and track attachment.
//   - [Platform]: builds a fresh [Endpoint] for every call attempt.
//
// The WebRTC implementation lives in audio/webrtc. Session descriptions and
// candidates use the same JSON shape as the browser RTCSessionDescription
// and RTCIceCandidateInit objects, so rooms can be shared with browser
// clients through the signaling store.
package audio

import "context"

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	// Type is "offer" or "answer".
	Type string `json:"type"`

	// SDP is the raw session description.
	SDP string `json:"sdp"`
}

// Description types.
const (
	DescriptionOffer  = "offer"
	DescriptionAnswer = "answer"
)

// ICECandidate is one network path offered by a peer. Field names follow
// RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// OfferOptions restricts what the local side asks to receive.
type OfferOptions struct {
	ReceiveAudio bool
	ReceiveVideo bool
}

// ConnectionState is the aggregate transport state reported by an
// [Endpoint].
type ConnectionState string

// Connection states, named after RTCPeerConnectionState.
const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// Priority is the relative network priority of an encoding.
type Priority string

// Encoding priorities, named after RTCPriorityType.
const (
	PriorityVeryLow Priority = "very-low"
	PriorityLow     Priority = "low"
	PriorityMedium  Priority = "medium"
	PriorityHigh    Priority = "high"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityVeryLow, PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Encoding describes one outbound encoding of a sender.
type Encoding struct {
	// MaxBitrate caps the encoder in bits per second. Zero means no cap.
	MaxBitrate int

	// DTX enables discontinuous transmission: silence is not sent.
	DTX bool

	// Priority is the requested network priority.
	Priority Priority
}

// SendParameters is the set of encodings of a [Sender].
type SendParameters struct {
	Encodings []Encoding
}

// Sender is an outbound track attached to an [Endpoint].
type Sender interface {
	// Kind returns the media kind, "audio" or "video".
	Kind() string

	// Parameters returns the current encoding parameters.
	Parameters() SendParameters

	// SetParameters applies p to the live sender.
	SetParameters(p SendParameters) error
}

// Endpoint is one point-to-point media session. A new Endpoint is built for
// every call attempt and is not reused after Close.
//
// Event handlers are invoked on internal goroutines and must not block.
// Passing nil detaches a handler.
//
// Implementations must be safe for concurrent use.
type Endpoint interface {
	CreateOffer(ctx context.Context, opts OfferOptions) (SessionDescription, error)
	CreateAnswer(ctx context.Context, opts OfferOptions) (SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc SessionDescription) error

	// HasRemoteDescription reports whether a remote description has been
	// applied.
	HasRemoteDescription() bool

	// AddICECandidate applies a remote candidate. Candidates that were
	// already applied are accepted and ignored.
	AddICECandidate(ctx context.Context, c ICECandidate) error

	// AddTrack sends stream to the remote party.
	AddTrack(ctx context.Context, stream *Stream) (Sender, error)

	// Senders returns the outbound senders in attachment order.
	Senders() []Sender

	OnICECandidate(fn func(ICECandidate))
	OnConnectionStateChange(fn func(ConnectionState))
	OnRemoteTrack(fn func(*Stream))

	// Close releases the session. It is safe to call more than once.
	Close() error
}

// Platform builds endpoints.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// NewEndpoint returns a fresh, unconnected endpoint.
	NewEndpoint(ctx context.Context) (Endpoint, error)
}
