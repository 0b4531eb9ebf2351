// Package webrtc provides an [audio.Platform] backed by pion/webrtc.
//
// Every [Endpoint] wraps one pion PeerConnection. Local capture is resampled
// to 48 kHz, encoded with Opus and sent as a sample track; received Opus
// tracks are decoded back to PCM and surfaced as [audio.Stream] values.
// Session descriptions and ICE candidates use the browser JSON shape so that
// both sides of a room can be a browser, this package, or a mix.
package webrtc

import (
	"context"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/Yagasaki7K/dualspeaker/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Platform = (*Platform)(nil)
	_ audio.Endpoint = (*Endpoint)(nil)
	_ audio.Sender   = (*sender)(nil)
)

// DefaultSTUNServers are two independent public reflection servers.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Option configures a [Platform].
type Option func(*Platform)

// WithSTUNServers sets the STUN server URLs used during ICE gathering.
// Defaults to [DefaultSTUNServers]. Passing no servers gathers host
// candidates only.
func WithSTUNServers(servers ...string) Option {
	return func(p *Platform) {
		p.stunServers = servers
	}
}

// WithBundlePolicy sets the bundle policy: "max-bundle" (default),
// "balanced" or "max-compat".
func WithBundlePolicy(policy string) Option {
	return func(p *Platform) {
		p.bundlePolicy = policy
	}
}

// WithLoggerFactory routes pion's internal logging. Defaults to a factory
// writing to the default slog logger.
func WithLoggerFactory(f logging.LoggerFactory) Option {
	return func(p *Platform) {
		p.loggerFactory = f
	}
}

// WithUDPPortRange restricts the local UDP ports used for ICE.
func WithUDPPortRange(lo, hi uint16) Option {
	return func(p *Platform) {
		p.portMin, p.portMax = lo, hi
	}
}

// WithSampleRate sets the rate of decoded remote audio in Hz. Opus decodes
// natively at 8000, 12000, 16000, 24000 or 48000. Defaults to 48000.
func WithSampleRate(rate int) Option {
	return func(p *Platform) {
		p.sampleRate = rate
	}
}

// Platform implements [audio.Platform] using pion/webrtc. All endpoints it
// builds share one configured pion API.
//
// Platform is safe for concurrent use.
type Platform struct {
	stunServers   []string
	bundlePolicy  string
	loggerFactory logging.LoggerFactory
	portMin       uint16
	portMax       uint16
	sampleRate    int

	api    *webrtc.API
	bundle webrtc.BundlePolicy
	log    logging.LeveledLogger
}

// New creates a Platform with the given options applied.
func New(opts ...Option) (*Platform, error) {
	p := &Platform{
		stunServers:  DefaultSTUNServers,
		bundlePolicy: "max-bundle",
		sampleRate:   opusSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	if p.loggerFactory == nil {
		p.loggerFactory = NewSlogLoggerFactory(nil)
	}
	p.log = p.loggerFactory.NewLogger("dualspeaker")

	var err error
	if p.bundle, err = parseBundlePolicy(p.bundlePolicy); err != nil {
		return nil, err
	}
	switch p.sampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return nil, fmt.Errorf("webrtc: unsupported decode sample rate %d", p.sampleRate)
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("webrtc: register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("webrtc: register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: p.loggerFactory}
	if p.portMin > 0 || p.portMax > 0 {
		if err := se.SetEphemeralUDPPortRange(p.portMin, p.portMax); err != nil {
			return nil, fmt.Errorf("webrtc: udp port range %d-%d: %w", p.portMin, p.portMax, err)
		}
	}

	p.api = webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)
	return p, nil
}

// NewEndpoint creates a new, unconnected [Endpoint].
func (p *Platform) NewEndpoint(_ context.Context) (audio.Endpoint, error) {
	cfg := webrtc.Configuration{BundlePolicy: p.bundle}
	if len(p.stunServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: p.stunServers}}
	}
	pc, err := p.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("webrtc: new peer connection: %w", err)
	}
	return newEndpoint(pc, p.sampleRate, p.log), nil
}

func parseBundlePolicy(s string) (webrtc.BundlePolicy, error) {
	switch s {
	case "", "max-bundle":
		return webrtc.BundlePolicyMaxBundle, nil
	case "balanced":
		return webrtc.BundlePolicyBalanced, nil
	case "max-compat":
		return webrtc.BundlePolicyMaxCompat, nil
	default:
		return 0, fmt.Errorf("webrtc: unknown bundle policy %q", s)
	}
}
