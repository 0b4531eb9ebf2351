package webrtc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/Yagasaki7K/dualspeaker/pkg/audio"
)

// ErrClosed is returned by [Endpoint] methods after Close.
var ErrClosed = errors.New("webrtc: endpoint closed")

// Endpoint implements [audio.Endpoint] on a pion PeerConnection.
type Endpoint struct {
	pc         *webrtc.PeerConnection
	sampleRate int
	log        logging.LeveledLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	applied map[string]struct{}
	senders []*sender
	remotes []*audio.Stream
	iceFn   func(audio.ICECandidate)
	stateFn func(audio.ConnectionState)
	trackFn func(*audio.Stream)
	closed  bool
}

func newEndpoint(pc *webrtc.PeerConnection, sampleRate int, log logging.LeveledLogger) *Endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		pc:         pc,
		sampleRate: sampleRate,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		applied:    make(map[string]struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		e.mu.Lock()
		fn := e.iceFn
		e.mu.Unlock()
		if fn != nil {
			fn(audio.ICECandidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			})
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.mu.Lock()
		fn := e.stateFn
		e.mu.Unlock()
		if fn != nil {
			fn(audio.ConnectionState(s.String()))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.handleRemoteTrack(track)
	})
	return e
}

// ── negotiation ──────────────────────────────────────────────────────────────

// CreateOffer implements [audio.Endpoint]. Receive-only transceivers are
// added for the requested kinds that have no transceiver yet.
func (e *Endpoint) CreateOffer(_ context.Context, opts audio.OfferOptions) (audio.SessionDescription, error) {
	if e.isClosed() {
		return audio.SessionDescription{}, ErrClosed
	}
	if opts.ReceiveAudio {
		if err := e.ensureReceiver(webrtc.RTPCodecTypeAudio); err != nil {
			return audio.SessionDescription{}, err
		}
	}
	if opts.ReceiveVideo {
		if err := e.ensureReceiver(webrtc.RTPCodecTypeVideo); err != nil {
			return audio.SessionDescription{}, err
		}
	}
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return audio.SessionDescription{}, fmt.Errorf("webrtc: create offer: %w", err)
	}
	return fromPion(offer), nil
}

func (e *Endpoint) ensureReceiver(kind webrtc.RTPCodecType) error {
	for _, t := range e.pc.GetTransceivers() {
		if t.Kind() == kind {
			return nil
		}
	}
	_, err := e.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("webrtc: add %s transceiver: %w", kind, err)
	}
	return nil
}

// CreateAnswer implements [audio.Endpoint]. The media sections follow the
// remote offer.
func (e *Endpoint) CreateAnswer(_ context.Context, _ audio.OfferOptions) (audio.SessionDescription, error) {
	if e.isClosed() {
		return audio.SessionDescription{}, ErrClosed
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return audio.SessionDescription{}, fmt.Errorf("webrtc: create answer: %w", err)
	}
	return fromPion(answer), nil
}

// SetLocalDescription implements [audio.Endpoint].
func (e *Endpoint) SetLocalDescription(_ context.Context, desc audio.SessionDescription) error {
	if e.isClosed() {
		return ErrClosed
	}
	if err := e.pc.SetLocalDescription(toPion(desc)); err != nil {
		return fmt.Errorf("webrtc: set local %s: %w", desc.Type, err)
	}
	return nil
}

// SetRemoteDescription implements [audio.Endpoint].
func (e *Endpoint) SetRemoteDescription(_ context.Context, desc audio.SessionDescription) error {
	if e.isClosed() {
		return ErrClosed
	}
	if err := e.pc.SetRemoteDescription(toPion(desc)); err != nil {
		return fmt.Errorf("webrtc: set remote %s: %w", desc.Type, err)
	}
	return nil
}

// HasRemoteDescription implements [audio.Endpoint].
func (e *Endpoint) HasRemoteDescription() bool {
	return e.pc.RemoteDescription() != nil
}

// AddICECandidate implements [audio.Endpoint]. A candidate already applied
// is accepted without touching the ICE agent again.
func (e *Endpoint) AddICECandidate(_ context.Context, c audio.ICECandidate) error {
	key := candidateKey(c)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if _, ok := e.applied[key]; ok {
		return nil
	}
	err := e.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
	if err != nil {
		return fmt.Errorf("webrtc: add candidate: %w", err)
	}
	e.applied[key] = struct{}{}
	return nil
}

// AppliedCandidates returns the number of distinct remote candidates applied.
func (e *Endpoint) AppliedCandidates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.applied)
}

func candidateKey(c audio.ICECandidate) string {
	var b strings.Builder
	b.WriteString(c.Candidate)
	b.WriteByte('|')
	if c.SDPMid != nil {
		b.WriteString(*c.SDPMid)
	}
	b.WriteByte('|')
	if c.SDPMLineIndex != nil {
		b.WriteString(strconv.Itoa(int(*c.SDPMLineIndex)))
	}
	return b.String()
}

// ── media ────────────────────────────────────────────────────────────────────

// AddTrack implements [audio.Endpoint]. The stream is encoded with Opus and
// sent until the stream or the endpoint closes.
func (e *Endpoint) AddTrack(_ context.Context, stream *audio.Stream) (audio.Sender, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	s, err := newSender(e.ctx, e.pc, stream, e.log)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.senders = append(e.senders, s)
	e.mu.Unlock()
	return s, nil
}

// Senders implements [audio.Endpoint].
func (e *Endpoint) Senders() []audio.Sender {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]audio.Sender, len(e.senders))
	for i, s := range e.senders {
		out[i] = s
	}
	return out
}

func (e *Endpoint) handleRemoteTrack(track *webrtc.TrackRemote) {
	codec := track.Codec()
	if track.Kind() != webrtc.RTPCodecTypeAudio || !strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus) {
		e.log.Warnf("ignoring remote %s track %s (%s)", track.Kind(), track.ID(), codec.MimeType)
		go drainTrack(track)
		return
	}

	dec, err := newOpusDecoder(e.sampleRate)
	if err != nil {
		e.log.Errorf("remote track %s: %v", track.ID(), err)
		go drainTrack(track)
		return
	}

	stream := audio.NewStream("remote-"+track.ID(), audio.Format{SampleRate: e.sampleRate, Channels: 1})
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		stream.Close()
		return
	}
	e.remotes = append(e.remotes, stream)
	fn := e.trackFn
	e.mu.Unlock()

	go e.decodeLoop(track, dec, stream)
	if fn != nil {
		fn(stream)
	}
}

func (e *Endpoint) decodeLoop(track *webrtc.TrackRemote, dec *opusDecoder, stream *audio.Stream) {
	defer stream.Close()
	var ts time.Duration
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		pcm, err := dec.decode(pkt.Payload)
		if err != nil {
			e.log.Debugf("remote track %s: %v", track.ID(), err)
			continue
		}
		frame := audio.AudioFrame{Data: pcm, SampleRate: e.sampleRate, Channels: 1, Timestamp: ts}
		ts += frame.Duration()
		if !stream.Publish(frame) {
			return
		}
	}
}

func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

// ── events and lifecycle ─────────────────────────────────────────────────────

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

// Close implements [audio.Endpoint]. It stops the local encoders, closes the
// peer connection and ends every remote stream.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	remotes := e.remotes
	e.remotes = nil
	e.mu.Unlock()

	e.cancel()
	err := e.pc.Close()
	for _, s := range remotes {
		s.Close()
	}
	if err != nil {
		return fmt.Errorf("webrtc: close: %w", err)
	}
	return nil
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func fromPion(d webrtc.SessionDescription) audio.SessionDescription {
	return audio.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func toPion(d audio.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}
