package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied by [ApplyDefaults].
var (
	DefaultSTUNServers = []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	}
)

const (
	DefaultListenAddr     = ":8080"
	DefaultServePath      = "/signal"
	DefaultBundlePolicy   = "max-bundle"
	DefaultMaxBitrate     = 24000
	DefaultPriority       = "medium"
	DefaultServiceName    = "dualspeaker"
	DefaultRequestTimeout = 10 * time.Second
	DefaultReapInterval   = 30 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every unset field of cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	s := &cfg.Signaling
	if s.Backend == "" {
		s.Backend = BackendMemory
	}
	if s.ServePath == "" {
		s.ServePath = DefaultServePath
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = DefaultRequestTimeout
	}
	if s.ReapInterval == 0 {
		s.ReapInterval = DefaultReapInterval
	}
	if s.Breaker.MaxFailures == 0 {
		s.Breaker.MaxFailures = 5
	}
	if s.Breaker.ResetTimeout == 0 {
		s.Breaker.ResetTimeout = 30 * time.Second
	}
	if s.Breaker.HalfOpenMax == 0 {
		s.Breaker.HalfOpenMax = 1
	}

	e := &cfg.Endpoint
	if len(e.STUNServers) == 0 {
		e.STUNServers = append([]string(nil), DefaultSTUNServers...)
	}
	if e.BundlePolicy == "" {
		e.BundlePolicy = DefaultBundlePolicy
	}
	if e.SampleRate == 0 {
		e.SampleRate = 48000
	}

	c := &cfg.Capture
	if c.FrameDuration == 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Channels == 0 {
		c.Channels = 1
	}

	b := &cfg.Bandwidth
	if b.MaxBitrate == 0 {
		b.MaxBitrate = DefaultMaxBitrate
	}
	if b.DTX == nil {
		dtx := true
		b.DTX = &dtx
	}
	if b.Priority == "" {
		b.Priority = DefaultPriority
	}

	a := &cfg.Activity
	if a.LocalInterval == 0 {
		a.LocalInterval = 120 * time.Millisecond
	}
	if a.RemoteInterval == 0 {
		a.RemoteInterval = 180 * time.Millisecond
	}
	if a.LocalThreshold == 0 {
		a.LocalThreshold = 10
	}
	if a.RemoteLevelThreshold == 0 {
		a.RemoteLevelThreshold = 5
	}
	if a.FFTSize == 0 {
		a.FFTSize = 256
	}
	if a.Smoothing == nil {
		sm := 0.8
		a.Smoothing = &sm
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Signaling
	s := cfg.Signaling
	if !s.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("signaling.backend %q is invalid; valid values: memory, websocket, postgres", s.Backend))
	}
	if s.Backend == BackendWebSocket {
		if s.URL == "" {
			errs = append(errs, errors.New("signaling.url is required when backend is websocket"))
		} else if u, err := url.Parse(s.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("signaling.url %q must be a ws, wss, http or https URL", s.URL))
		}
		if s.Serve {
			errs = append(errs, errors.New("signaling.serve cannot be combined with backend websocket"))
		}
	}
	if s.Backend == BackendPostgres && s.PostgresDSN == "" {
		errs = append(errs, errors.New("signaling.postgres_dsn is required when backend is postgres"))
	}
	if !strings.HasPrefix(s.ServePath, "/") {
		errs = append(errs, fmt.Errorf("signaling.serve_path %q must start with '/'", s.ServePath))
	}
	if s.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("signaling.request_timeout %v must not be negative", s.RequestTimeout))
	}
	if s.ReapInterval < 0 {
		errs = append(errs, fmt.Errorf("signaling.reap_interval %v must not be negative", s.ReapInterval))
	}
	if s.Breaker.MaxFailures < 0 || s.Breaker.HalfOpenMax < 0 || s.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("signaling.breaker values must not be negative"))
	}

	// Endpoint
	e := cfg.Endpoint
	if len(e.STUNServers) < 2 {
		errs = append(errs, fmt.Errorf("endpoint.stun_servers lists %d server(s); at least 2 are required", len(e.STUNServers)))
	}
	for i, srv := range e.STUNServers {
		if !strings.HasPrefix(srv, "stun:") && !strings.HasPrefix(srv, "stuns:") {
			errs = append(errs, fmt.Errorf("endpoint.stun_servers[%d] %q must use the stun: or stuns: scheme", i, srv))
		}
	}
	switch e.BundlePolicy {
	case "max-bundle", "balanced", "max-compat":
	default:
		errs = append(errs, fmt.Errorf("endpoint.bundle_policy %q is invalid; valid values: max-bundle, balanced, max-compat", e.BundlePolicy))
	}
	if e.UDPPortMin != 0 || e.UDPPortMax != 0 {
		if e.UDPPortMin <= 0 || e.UDPPortMax > 65535 || e.UDPPortMin > e.UDPPortMax {
			errs = append(errs, fmt.Errorf("endpoint udp port range %d-%d is invalid", e.UDPPortMin, e.UDPPortMax))
		}
	}
	switch e.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		errs = append(errs, fmt.Errorf("endpoint.sample_rate %d is not an Opus rate", e.SampleRate))
	}

	// Capture
	c := cfg.Capture
	if c.FrameDuration < 0 {
		errs = append(errs, fmt.Errorf("capture.frame_duration %v must not be negative", c.FrameDuration))
	}
	if c.SampleRate < 0 || c.Channels < 0 || c.Channels > 2 {
		errs = append(errs, fmt.Errorf("capture constraints %d Hz / %d channel(s) are invalid", c.SampleRate, c.Channels))
	}

	// Bandwidth
	b := cfg.Bandwidth
	if b.MaxBitrate < 0 {
		errs = append(errs, fmt.Errorf("bandwidth.max_bitrate %d must not be negative", b.MaxBitrate))
	}
	switch b.Priority {
	case "very-low", "low", "medium", "high":
	default:
		errs = append(errs, fmt.Errorf("bandwidth.priority %q is invalid; valid values: very-low, low, medium, high", b.Priority))
	}

	// Activity
	a := cfg.Activity
	if a.LocalInterval < 0 || a.RemoteInterval < 0 {
		errs = append(errs, errors.New("activity intervals must not be negative"))
	}
	if a.LocalThreshold < 0 || a.LocalThreshold > 255 {
		errs = append(errs, fmt.Errorf("activity.local_threshold %.2f is out of range [0, 255]", a.LocalThreshold))
	}
	if a.RemoteLevelThreshold < 0 || a.RemoteLevelThreshold > 100 {
		errs = append(errs, fmt.Errorf("activity.remote_level_threshold %d is out of range [0, 100]", a.RemoteLevelThreshold))
	}
	if a.FFTSize < 32 || a.FFTSize > 32768 || a.FFTSize&(a.FFTSize-1) != 0 {
		errs = append(errs, fmt.Errorf("activity.fft_size %d must be a power of two in [32, 32768]", a.FFTSize))
	}
	if a.Smoothing != nil && (*a.Smoothing < 0 || *a.Smoothing >= 1) {
		errs = append(errs, fmt.Errorf("activity.smoothing %.2f is out of range [0, 1)", *a.Smoothing))
	}

	return errors.Join(errs...)
}
