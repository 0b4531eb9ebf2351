package webrtc

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/Yagasaki7K/dualspeaker/pkg/audio"
)

// ─── test helpers ────────────────────────────────────────────────────────────

func newTestPlatform(t *testing.T) *Platform {
	t.Helper()
	p, err := New(WithSTUNServers())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func newTestEndpoint(t *testing.T, p *Platform) *Endpoint {
	t.Helper()
	ep, err := p.NewEndpoint(context.Background())
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	t.Cleanup(func() { ep.Close() })
	return ep.(*Endpoint)
}

func micStream() *audio.Stream {
	return audio.NewStream("mic", audio.Format{SampleRate: 16000, Channels: 1})
}

// negotiate runs an offer/answer exchange between caller and callee.
func negotiate(t *testing.T, caller, callee *Endpoint) {
	t.Helper()
	ctx := context.Background()
	offer, err := caller.CreateOffer(ctx, audio.OfferOptions{ReceiveAudio: true})
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := caller.SetLocalDescription(ctx, offer); err != nil {
		t.Fatalf("caller SetLocalDescription: %v", err)
	}
	if err := callee.SetRemoteDescription(ctx, offer); err != nil {
		t.Fatalf("callee SetRemoteDescription: %v", err)
	}
	answer, err := callee.CreateAnswer(ctx, audio.OfferOptions{ReceiveAudio: true})
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if answer.Type != audio.DescriptionAnswer {
		t.Fatalf("answer type = %q", answer.Type)
	}
	if err := callee.SetLocalDescription(ctx, answer); err != nil {
		t.Fatalf("callee SetLocalDescription: %v", err)
	}
	if err := caller.SetRemoteDescription(ctx, answer); err != nil {
		t.Fatalf("caller SetRemoteDescription: %v", err)
	}
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(p.stunServers) < 2 {
		t.Errorf("stun servers = %v, want at least two", p.stunServers)
	}
	if p.bundle != webrtc.BundlePolicyMaxBundle {
		t.Errorf("bundle policy = %v, want max-bundle", p.bundle)
	}
	if p.sampleRate != 48000 {
		t.Errorf("sample rate = %d, want 48000", p.sampleRate)
	}
}

func TestNew_InvalidOptions(t *testing.T) {
	t.Parallel()

	if _, err := New(WithBundlePolicy("everything")); err == nil {
		t.Error("expected error for unknown bundle policy")
	}
	if _, err := New(WithSampleRate(44100)); err == nil {
		t.Error("expected error for unsupported sample rate")
	}
}

func TestParseBundlePolicy(t *testing.T) {
	t.Parallel()

	tests := map[string]webrtc.BundlePolicy{
		"":           webrtc.BundlePolicyMaxBundle,
		"max-bundle": webrtc.BundlePolicyMaxBundle,
		"balanced":   webrtc.BundlePolicyBalanced,
		"max-compat": webrtc.BundlePolicyMaxCompat,
	}
	for in, want := range tests {
		got, err := parseBundlePolicy(in)
		if err != nil || got != want {
			t.Errorf("parseBundlePolicy(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}

func TestEndpoint_OfferIsAudioOnly(t *testing.T) {
	t.Parallel()
	p := newTestPlatform(t)
	ep := newTestEndpoint(t, p)

	if _, err := ep.AddTrack(context.Background(), micStream()); err != nil {
		t.Fatalf("AddTrack: %v", err)
	}
	offer, err := ep.CreateOffer(context.Background(), audio.OfferOptions{ReceiveAudio: true})
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if offer.Type != audio.DescriptionOffer {
		t.Errorf("type = %q, want offer", offer.Type)
	}
	if !strings.Contains(offer.SDP, "m=audio") {
		t.Error("offer has no audio section")
	}
	if strings.Contains(offer.SDP, "m=video") {
		t.Error("offer requests video")
	}
	if !strings.Contains(strings.ToLower(offer.SDP), "opus/48000") {
		t.Error("offer does not carry opus")
	}
	if n := len(ep.pc.GetTransceivers()); n != 1 {
		t.Errorf("transceivers = %d, want 1 (sender reused for receiving)", n)
	}
}

func TestEndpoint_ReceiveOnlyOffer(t *testing.T) {
	t.Parallel()
	ep := newTestEndpoint(t, newTestPlatform(t))

	offer, err := ep.CreateOffer(context.Background(), audio.OfferOptions{ReceiveAudio: true})
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if !strings.Contains(offer.SDP, "a=recvonly") {
		t.Error("offer without local track should be recvonly")
	}
}

func TestEndpoint_NegotiationAndCandidateDedup(t *testing.T) {
	t.Parallel()
	p := newTestPlatform(t)
	caller := newTestEndpoint(t, p)
	callee := newTestEndpoint(t, p)
	ctx := context.Background()

	if _, err := caller.AddTrack(ctx, micStream()); err != nil {
		t.Fatalf("caller AddTrack: %v", err)
	}
	if _, err := callee.AddTrack(ctx, micStream()); err != nil {
		t.Fatalf("callee AddTrack: %v", err)
	}
	if callee.HasRemoteDescription() {
		t.Fatal("remote description set before negotiation")
	}
	negotiate(t, caller, callee)
	if !callee.HasRemoteDescription() || !caller.HasRemoteDescription() {
		t.Fatal("remote descriptions missing after negotiation")
	}

	mid := "0"
	var idx uint16
	cand := audio.ICECandidate{
		Candidate:     "candidate:1966762134 1 udp 2122260223 192.0.2.10 54321 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	for i := range 3 {
		if err := callee.AddICECandidate(ctx, cand); err != nil {
			t.Fatalf("AddICECandidate #%d: %v", i+1, err)
		}
	}
	if n := callee.AppliedCandidates(); n != 1 {
		t.Errorf("applied candidates = %d, want 1", n)
	}
}

func TestEndpoint_Closed(t *testing.T) {
	t.Parallel()
	ep := newTestEndpoint(t, newTestPlatform(t))
	if err := ep.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ep.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := ep.CreateOffer(context.Background(), audio.OfferOptions{}); err != ErrClosed {
		t.Errorf("CreateOffer after close = %v, want ErrClosed", err)
	}
	if err := ep.AddICECandidate(context.Background(), audio.ICECandidate{}); err != ErrClosed {
		t.Errorf("AddICECandidate after close = %v, want ErrClosed", err)
	}
}

func TestSender_Parameters(t *testing.T) {
	t.Parallel()
	ep := newTestEndpoint(t, newTestPlatform(t))

	snd, err := ep.AddTrack(context.Background(), micStream())
	if err != nil {
		t.Fatalf("AddTrack: %v", err)
	}
	if snd.Kind() != "audio" {
		t.Errorf("Kind = %q, want audio", snd.Kind())
	}
	if got := snd.Parameters(); len(got.Encodings) != 0 {
		t.Errorf("initial encodings = %v, want none", got.Encodings)
	}
	if len(ep.Senders()) != 1 {
		t.Fatalf("Senders = %d, want 1", len(ep.Senders()))
	}

	if err := snd.SetParameters(audio.SendParameters{}); err == nil {
		t.Error("expected error for empty encodings")
	}
	if err := snd.SetParameters(audio.SendParameters{Encodings: []audio.Encoding{{Priority: "urgent"}}}); err == nil {
		t.Error("expected error for unknown priority")
	}

	want := audio.Encoding{MaxBitrate: 24000, DTX: true, Priority: audio.PriorityMedium}
	if err := snd.SetParameters(audio.SendParameters{Encodings: []audio.Encoding{want}}); err != nil {
		t.Fatalf("SetParameters: %v", err)
	}
	if got := snd.Parameters(); len(got.Encodings) != 1 || got.Encodings[0] != want {
		t.Errorf("Parameters = %+v, want %+v", got, want)
	}
}

func TestSilent(t *testing.T) {
	t.Parallel()

	quiet := audio.Int16sToBytes(make([]int16, opusFrameSize))
	if !silent(quiet) {
		t.Error("zero frame not silent")
	}
	loud := make([]int16, opusFrameSize)
	for i := range loud {
		if i%2 == 0 {
			loud[i] = 8000
		} else {
			loud[i] = -8000
		}
	}
	if silent(audio.Int16sToBytes(loud)) {
		t.Error("loud frame reported silent")
	}
}

func TestOpusRoundTrip(t *testing.T) {
	t.Parallel()

	enc, err := newOpusEncoder()
	if err != nil {
		t.Fatalf("encoder: %v", err)
	}
	dec, err := newOpusDecoder(48000)
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	packet, err := enc.encode(make([]byte, frameBytes))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	pcm, err := dec.decode(packet)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(pcm) != frameBytes {
		t.Errorf("decoded %d bytes, want %d", len(pcm), frameBytes)
	}
}

func TestSlogLoggerFactory(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	log := NewSlogLoggerFactory(l).NewLogger("ice")

	log.Debugf("hidden %d", 1)
	log.Warnf("visible %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug output leaked: %q", out)
	}
	if !strings.Contains(out, "visible 2") || !strings.Contains(out, "scope=pion/ice") {
		t.Errorf("output = %q", out)
	}
}
