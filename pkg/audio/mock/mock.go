// Package mock provides in-memory mock implementations of the [audio.Platform],
// [audio.Endpoint], [audio.Sender], [audio.Capturer] and [audio.Sink]
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	platform := &mock.Platform{AutoConnect: true}
//	ep, _ := platform.NewEndpoint(ctx)
//	…
//	last := platform.Last()
//	last.EmitConnectionState(audio.StateFailed)
package mock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/Yagasaki7K/dualspeaker/pkg/audio"
)

// ErrEndpointClosed is returned by [Endpoint] methods after Close.
var ErrEndpointClosed = errors.New("mock: endpoint closed")

// Compile-time interface checks.
var (
	_ audio.Platform = (*Platform)(nil)
	_ audio.Endpoint = (*Endpoint)(nil)
	_ audio.Sender   = (*Sender)(nil)
	_ audio.Capturer = (*Capturer)(nil)
	_ audio.Sink     = (*Sink)(nil)
)

// ─── Platform ─────────────────────────────────────────────────────────────────

// Platform is a mock implementation of [audio.Platform]. Every endpoint it
// builds is recorded in Endpoints.
type Platform struct {
	mu sync.Mutex

	// NewEndpointError is returned by NewEndpoint when non-nil.
	NewEndpointError error

	// AutoConnect is copied into every new [Endpoint].
	AutoConnect bool

	// LocalCandidates is copied into every new [Endpoint].
	LocalCandidates []audio.ICECandidate

	// Configure, when set, is called on every new endpoint before it is
	// returned.
	Configure func(*Endpoint)

	// Endpoints records every endpoint returned by NewEndpoint.
	Endpoints []*Endpoint
}

// NewEndpoint implements [audio.Platform].
func (p *Platform) NewEndpoint(_ context.Context) (audio.Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NewEndpointError != nil {
		return nil, p.NewEndpointError
	}
	ep := &Endpoint{
		AutoConnect:     p.AutoConnect,
		LocalCandidates: slices.Clone(p.LocalCandidates),
		id:              len(p.Endpoints) + 1,
	}
	if p.Configure != nil {
		p.Configure(ep)
	}
	p.Endpoints = append(p.Endpoints, ep)
	return ep, nil
}

// Last returns the most recently created endpoint, or nil.
func (p *Platform) Last() *Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Endpoints) == 0 {
		return nil
	}
	return p.Endpoints[len(p.Endpoints)-1]
}

// Open returns the endpoints that have not been closed.
func (p *Platform) Open() []*Endpoint {
	p.mu.Lock()
	eps := slices.Clone(p.Endpoints)
	p.mu.Unlock()
	var out []*Endpoint
	for _, ep := range eps {
		if !ep.Closed() {
			out = append(out, ep)
		}
	}
	return out
}

// ─── Endpoint ─────────────────────────────────────────────────────────────────

// Endpoint is a mock implementation of [audio.Endpoint].
// Set the exported Result and Error fields before use; inspect the recorded
// fields after.
type Endpoint struct {
	mu sync.Mutex
	id int

	// AutoConnect emits [audio.StateConnected] once both a local and a
	// remote description have been set.
	AutoConnect bool

	// LocalCandidates are emitted through the ICE candidate handler after
	// SetLocalDescription.
	LocalCandidates []audio.ICECandidate

	// CreateOfferResult / CreateAnswerResult override the generated
	// descriptions when their SDP is non-empty.
	CreateOfferResult  audio.SessionDescription
	CreateAnswerResult audio.SessionDescription

	CreateOfferError          error
	CreateAnswerError         error
	SetLocalDescriptionError  error
	SetRemoteDescriptionError error
	AddICECandidateError      error
	AddTrackError             error
	CloseError                error

	// OfferOptions records the options passed to CreateOffer and
	// CreateAnswer, in call order.
	OfferOptions []audio.OfferOptions

	// LocalDescription and RemoteDescription hold the applied descriptions.
	LocalDescription  *audio.SessionDescription
	RemoteDescription *audio.SessionDescription

	// Candidates is the effective candidate set in arrival order. Duplicates
	// are not appended.
	Candidates []audio.ICECandidate

	// CallCountAddICECandidate counts every AddICECandidate call, duplicates
	// included.
	CallCountAddICECandidate int

	// Tracks records the streams passed to AddTrack.
	Tracks []*audio.Stream

	// SendersResult is returned by Senders. AddTrack appends a new [Sender]
	// when AddTrackError is nil.
	SendersResult []*Sender

	// CallCountClose records how many times Close was called.
	CallCountClose int

	closed    bool
	connected bool
	iceFn     func(audio.ICECandidate)
	stateFn   func(audio.ConnectionState)
	trackFn   func(*audio.Stream)
}

// CreateOffer implements [audio.Endpoint].
func (e *Endpoint) CreateOffer(_ context.Context, opts audio.OfferOptions) (audio.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.OfferOptions = append(e.OfferOptions, opts)
	if e.closed {
		return audio.SessionDescription{}, ErrEndpointClosed
	}
	if e.CreateOfferError != nil {
		return audio.SessionDescription{}, e.CreateOfferError
	}
	if e.CreateOfferResult.SDP != "" {
		return e.CreateOfferResult, nil
	}
	return audio.SessionDescription{Type: audio.DescriptionOffer, SDP: fmt.Sprintf("v=0 mock-offer-%d", e.id)}, nil
}

// CreateAnswer implements [audio.Endpoint]. It fails unless a remote offer
// has been applied.
func (e *Endpoint) CreateAnswer(_ context.Context, opts audio.OfferOptions) (audio.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.OfferOptions = append(e.OfferOptions, opts)
	if e.closed {
		return audio.SessionDescription{}, ErrEndpointClosed
	}
	if e.CreateAnswerError != nil {
		return audio.SessionDescription{}, e.CreateAnswerError
	}
	if e.RemoteDescription == nil {
		return audio.SessionDescription{}, errors.New("mock: no remote offer")
	}
	if e.CreateAnswerResult.SDP != "" {
		return e.CreateAnswerResult, nil
	}
	return audio.SessionDescription{Type: audio.DescriptionAnswer, SDP: fmt.Sprintf("v=0 mock-answer-%d", e.id)}, nil
}

// SetLocalDescription implements [audio.Endpoint].
func (e *Endpoint) SetLocalDescription(_ context.Context, desc audio.SessionDescription) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEndpointClosed
	}
	if e.SetLocalDescriptionError != nil {
		e.mu.Unlock()
		return e.SetLocalDescriptionError
	}
	e.LocalDescription = &desc
	cands := slices.Clone(e.LocalCandidates)
	e.mu.Unlock()

	if len(cands) > 0 {
		go func() {
			for _, c := range cands {
				e.EmitICECandidate(c)
			}
		}()
	}
	e.maybeConnect()
	return nil
}

// SetRemoteDescription implements [audio.Endpoint].
func (e *Endpoint) SetRemoteDescription(_ context.Context, desc audio.SessionDescription) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEndpointClosed
	}
	if e.SetRemoteDescriptionError != nil {
		e.mu.Unlock()
		return e.SetRemoteDescriptionError
	}
	if desc.SDP == "" {
		e.mu.Unlock()
		return errors.New("mock: empty remote description")
	}
	e.RemoteDescription = &desc
	e.mu.Unlock()

	e.maybeConnect()
	return nil
}

func (e *Endpoint) maybeConnect() {
	e.mu.Lock()
	fire := e.AutoConnect && !e.connected && e.LocalDescription != nil && e.RemoteDescription != nil
	if fire {
		e.connected = true
	}
	e.mu.Unlock()
	if fire {
		go e.EmitConnectionState(audio.StateConnected)
	}
}

// HasRemoteDescription implements [audio.Endpoint].
func (e *Endpoint) HasRemoteDescription() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.RemoteDescription != nil
}

// AddICECandidate implements [audio.Endpoint]. Re-submitted candidates are
// counted but not added to Candidates again.
func (e *Endpoint) AddICECandidate(_ context.Context, c audio.ICECandidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountAddICECandidate++
	if e.closed {
		return ErrEndpointClosed
	}
	if e.AddICECandidateError != nil {
		return e.AddICECandidateError
	}
	for _, known := range e.Candidates {
		if known.Candidate == c.Candidate {
			return nil
		}
	}
	e.Candidates = append(e.Candidates, c)
	return nil
}

// AddTrack implements [audio.Endpoint].
func (e *Endpoint) AddTrack(_ context.Context, stream *audio.Stream) (audio.Sender, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Tracks = append(e.Tracks, stream)
	if e.closed {
		return nil, ErrEndpointClosed
	}
	if e.AddTrackError != nil {
		return nil, e.AddTrackError
	}
	s := &Sender{KindResult: "audio"}
	e.SendersResult = append(e.SendersResult, s)
	return s, nil
}

// Senders implements [audio.Endpoint].
func (e *Endpoint) Senders() []audio.Sender {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]audio.Sender, len(e.SendersResult))
	for i, s := range e.SendersResult {
		out[i] = s
	}
	return out
}

// OnICECandidate implements [audio.Endpoint].
func (e *Endpoint) OnICECandidate(fn func(audio.ICECandidate)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.iceFn = fn
}

// OnConnectionStateChange implements [audio.Endpoint].
func (e *Endpoint) OnConnectionStateChange(fn func(audio.ConnectionState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stateFn = fn
}

// OnRemoteTrack implements [audio.Endpoint].
func (e *Endpoint) OnRemoteTrack(fn func(*audio.Stream)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trackFn = fn
}

// Close implements [audio.Endpoint].
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountClose++
	e.closed = true
	return e.CloseError
}

// Closed reports whether Close has been called.
func (e *Endpoint) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// HandlersAttached reports whether any event handler is registered.
func (e *Endpoint) HandlersAttached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.iceFn != nil || e.stateFn != nil || e.trackFn != nil
}

// CandidateCount returns the size of the effective candidate set.
func (e *Endpoint) CandidateCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Candidates)
}

// AddICECandidateCalls returns CallCountAddICECandidate.
func (e *Endpoint) AddICECandidateCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.CallCountAddICECandidate
}

// Remote returns the applied remote description, or nil.
func (e *Endpoint) Remote() *audio.SessionDescription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.RemoteDescription
}

// EmitICECandidate calls the registered candidate handler, if any.
func (e *Endpoint) EmitICECandidate(c audio.ICECandidate) {
	e.mu.Lock()
	fn := e.iceFn
	e.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// EmitConnectionState calls the registered state handler, if any.
func (e *Endpoint) EmitConnectionState(s audio.ConnectionState) {
	e.mu.Lock()
	fn := e.stateFn
	e.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// EmitRemoteTrack calls the registered remote track handler, if any.
func (e *Endpoint) EmitRemoteTrack(s *audio.Stream) {
	e.mu.Lock()
	fn := e.trackFn
	e.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// ─── Sender ───────────────────────────────────────────────────────────────────

// Sender is a mock implementation of [audio.Sender].
type Sender struct {
	mu sync.Mutex

	// KindResult is returned by Kind.
	KindResult string

	// ParametersResult is returned by Parameters and replaced by a
	// successful SetParameters.
	ParametersResult audio.SendParameters

	// SetParametersError is returned by SetParameters.
	SetParametersError error

	// SetParametersCalls records every SetParameters argument.
	SetParametersCalls []audio.SendParameters
}

// Kind implements [audio.Sender].
func (s *Sender) Kind() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.KindResult
}

// Parameters implements [audio.Sender].
func (s *Sender) Parameters() audio.SendParameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return audio.SendParameters{Encodings: slices.Clone(s.ParametersResult.Encodings)}
}

// SetParameters implements [audio.Sender].
func (s *Sender) SetParameters(p audio.SendParameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SetParametersCalls = append(s.SetParametersCalls, p)
	if s.SetParametersError != nil {
		return s.SetParametersError
	}
	s.ParametersResult = p
	return nil
}

// ─── Capturer ─────────────────────────────────────────────────────────────────

// Capturer is a mock implementation of [audio.Capturer].
type Capturer struct {
	mu sync.Mutex

	// OpenResult is returned by Open. When nil, a new open stream in the
	// requested format is returned.
	OpenResult *audio.Stream

	// OpenError is returned by Open.
	OpenError error

	// OpenCalls records the constraints of every Open call.
	OpenCalls []audio.CaptureConstraints
}

// Open implements [audio.Capturer].
func (c *Capturer) Open(_ context.Context, cons audio.CaptureConstraints) (*audio.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OpenCalls = append(c.OpenCalls, cons)
	if c.OpenError != nil {
		return nil, c.OpenError
	}
	if c.OpenResult != nil {
		return c.OpenResult, nil
	}
	return audio.NewStream("mock-capture", cons.Format()), nil
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [audio.Sink].
type Sink struct {
	mu sync.Mutex

	// Attached records every stream passed to Attach.
	Attached []*audio.Stream

	// CallCountDetach records how many times Detach was called.
	CallCountDetach int

	current *audio.Stream
}

// Attach implements [audio.Sink].
func (s *Sink) Attach(stream *audio.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Attached = append(s.Attached, stream)
	s.current = stream
}

// Detach implements [audio.Sink].
func (s *Sink) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountDetach++
	s.current = nil
}

// Current returns the attached stream, or nil.
func (s *Sink) Current() *audio.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}
