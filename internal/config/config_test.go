package config_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/Yagasaki7K/dualspeaker/internal/config"
	"github.com/Yagasaki7K/dualspeaker/pkg/signaling"
	"github.com/Yagasaki7K/dualspeaker/pkg/signaling/memstore"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

signaling:
  backend: postgres
  postgres_dsn: "postgres://localhost/dualspeaker"
  serve: true
  serve_path: /ws
  origin_patterns: ["example.com"]
  request_timeout: 3s
  breaker:
    max_failures: 3
    reset_timeout: 10s

endpoint:
  stun_servers:
    - stun:stun.l.google.com:19302
    - stun:stun.cloudflare.com:3478
  bundle_policy: balanced
  udp_port_min: 50000
  udp_port_max: 50100

capture:
  source: /tmp/mic.raw
  loop: true
  sink: /tmp/remote.raw

bandwidth:
  max_bitrate: 32000
  dtx: false
  priority: high

activity:
  local_interval: 100ms
  remote_interval: 200ms
  local_threshold: 12.5
  remote_level_threshold: 7
  fft_size: 512
  smoothing: 0.5

telemetry:
  service_name: speaker-a
`

func load(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return cfg
}

// ── Loading ──────────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg := load(t, sampleYAML)

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9090")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.Signaling.Backend != config.BackendPostgres {
		t.Errorf("signaling.backend: got %q", cfg.Signaling.Backend)
	}
	if cfg.Signaling.RequestTimeout != 3*time.Second {
		t.Errorf("signaling.request_timeout: got %v, want 3s", cfg.Signaling.RequestTimeout)
	}
	if cfg.Signaling.Breaker.MaxFailures != 3 || cfg.Signaling.Breaker.ResetTimeout != 10*time.Second {
		t.Errorf("signaling.breaker: got %+v", cfg.Signaling.Breaker)
	}
	if cfg.Signaling.Breaker.HalfOpenMax != 1 {
		t.Errorf("signaling.breaker.half_open_max default: got %d, want 1", cfg.Signaling.Breaker.HalfOpenMax)
	}
	if len(cfg.Endpoint.STUNServers) != 2 || cfg.Endpoint.BundlePolicy != "balanced" {
		t.Errorf("endpoint: got %+v", cfg.Endpoint)
	}
	if !cfg.Capture.Loop || cfg.Capture.Sink != "/tmp/remote.raw" {
		t.Errorf("capture: got %+v", cfg.Capture)
	}
	if cfg.Bandwidth.DTX == nil || *cfg.Bandwidth.DTX {
		t.Error("bandwidth.dtx: want explicit false to survive defaults")
	}
	if cfg.Bandwidth.MaxBitrate != 32000 || cfg.Bandwidth.Priority != "high" {
		t.Errorf("bandwidth: got %+v", cfg.Bandwidth)
	}
	if cfg.Activity.LocalInterval != 100*time.Millisecond || cfg.Activity.FFTSize != 512 {
		t.Errorf("activity: got %+v", cfg.Activity)
	}
	if cfg.Activity.Smoothing == nil || *cfg.Activity.Smoothing != 0.5 {
		t.Error("activity.smoothing: want 0.5")
	}
	if cfg.Telemetry.ServiceName != "speaker-a" {
		t.Errorf("telemetry.service_name: got %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoadFromReader_EmptyIsValid(t *testing.T) {
	t.Parallel()
	for _, doc := range []string{"", "{}"} {
		cfg := load(t, doc)
		if cfg.Signaling.Backend != config.BackendMemory {
			t.Errorf("%q: backend default: got %q, want memory", doc, cfg.Signaling.Backend)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":1\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()
	cfg := config.Default()

	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Signaling.ServePath != "/signal" {
		t.Errorf("serve_path: got %q", cfg.Signaling.ServePath)
	}
	if !slices.Equal(cfg.Endpoint.STUNServers, config.DefaultSTUNServers) {
		t.Errorf("stun_servers: got %v", cfg.Endpoint.STUNServers)
	}
	if cfg.Endpoint.BundlePolicy != "max-bundle" {
		t.Errorf("bundle_policy: got %q", cfg.Endpoint.BundlePolicy)
	}
	if cfg.Capture.SampleRate != 16000 || cfg.Capture.Channels != 1 || cfg.Capture.FrameDuration != 20*time.Millisecond {
		t.Errorf("capture: got %+v", cfg.Capture)
	}
	if cfg.Bandwidth.MaxBitrate != 24000 || cfg.Bandwidth.DTX == nil || !*cfg.Bandwidth.DTX || cfg.Bandwidth.Priority != "medium" {
		t.Errorf("bandwidth: got %+v", cfg.Bandwidth)
	}
	a := cfg.Activity
	if a.LocalInterval != 120*time.Millisecond || a.RemoteInterval != 180*time.Millisecond {
		t.Errorf("activity intervals: got %v / %v", a.LocalInterval, a.RemoteInterval)
	}
	if a.LocalThreshold != 10 || a.RemoteLevelThreshold != 5 || a.FFTSize != 256 {
		t.Errorf("activity thresholds: got %+v", a)
	}
	if a.Smoothing == nil || *a.Smoothing != 0.8 {
		t.Error("activity.smoothing: want 0.8")
	}
	if err := config.Validate(cfg); err != nil {
		t.Errorf("default config should validate: %v", err)
	}

	// Defaults must not share the package-level slice.
	cfg.Endpoint.STUNServers[0] = "stun:changed"
	if config.DefaultSTUNServers[0] == "stun:changed" {
		t.Error("ApplyDefaults aliased DefaultSTUNServers")
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"log level", "server:\n  log_level: verbose\n", "log_level"},
		{"backend", "signaling:\n  backend: redis\n", "signaling.backend"},
		{"websocket without url", "signaling:\n  backend: websocket\n", "signaling.url"},
		{"websocket bad scheme", "signaling:\n  backend: websocket\n  url: ftp://x\n", "signaling.url"},
		{"websocket and serve", "signaling:\n  backend: websocket\n  url: ws://x/signal\n  serve: true\n", "signaling.serve"},
		{"postgres without dsn", "signaling:\n  backend: postgres\n", "postgres_dsn"},
		{"serve path", "signaling:\n  serve_path: signal\n", "serve_path"},
		{"negative timeout", "signaling:\n  request_timeout: -1s\n", "request_timeout"},
		{"one stun server", "endpoint:\n  stun_servers: [\"stun:a:1\"]\n", "at least 2"},
		{"stun scheme", "endpoint:\n  stun_servers: [\"stun:a:1\", \"turn:b:1\"]\n", "stun_servers[1]"},
		{"bundle policy", "endpoint:\n  bundle_policy: all\n", "bundle_policy"},
		{"port range", "endpoint:\n  udp_port_min: 6000\n  udp_port_max: 5000\n", "udp port range"},
		{"sample rate", "endpoint:\n  sample_rate: 44100\n", "sample_rate"},
		{"channels", "capture:\n  channels: 6\n", "capture constraints"},
		{"bitrate", "bandwidth:\n  max_bitrate: -5\n", "max_bitrate"},
		{"priority", "bandwidth:\n  priority: urgent\n", "priority"},
		{"local threshold", "activity:\n  local_threshold: 300\n", "local_threshold"},
		{"remote threshold", "activity:\n  remote_level_threshold: 101\n", "remote_level_threshold"},
		{"fft size", "activity:\n  fft_size: 300\n", "fft_size"},
		{"smoothing", "activity:\n  smoothing: 1\n", "smoothing"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.doc))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error should mention %q, got: %v", tc.want, err)
			}
		})
	}
}

func TestValidate_WebSocketBackendIsValid(t *testing.T) {
	t.Parallel()
	cfg := load(t, "signaling:\n  backend: websocket\n  url: wss://rooms.example.com/signal\n")
	if cfg.Signaling.URL != "wss://rooms.example.com/signal" {
		t.Errorf("signaling.url: got %q", cfg.Signaling.URL)
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_UnknownBackend(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	_, err := r.CreateStore(context.Background(), config.SignalingConfig{Backend: config.BackendMemory})
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("expected ErrBackendNotRegistered, got %v", err)
	}
}

func TestRegistry_RegisteredBackend(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	var got config.SignalingConfig
	r.RegisterStore(config.BackendMemory, func(_ context.Context, cfg config.SignalingConfig) (signaling.Store, error) {
		got = cfg
		return memstore.New().Client(), nil
	})

	want := config.SignalingConfig{Backend: config.BackendMemory, ServePath: "/x"}
	st, err := r.CreateStore(context.Background(), want)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer st.Close()
	if got.ServePath != "/x" {
		t.Errorf("factory received %+v", got)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	sentinel := errors.New("dial failed")
	r.RegisterStore(config.BackendPostgres, func(context.Context, config.SignalingConfig) (signaling.Store, error) {
		return nil, sentinel
	})
	_, err := r.CreateStore(context.Background(), config.SignalingConfig{Backend: config.BackendPostgres})
	if !errors.Is(err, sentinel) {
		t.Errorf("expected factory error, got %v", err)
	}
}

func TestRegistry_Backends(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	noop := func(context.Context, config.SignalingConfig) (signaling.Store, error) { return nil, nil }
	r.RegisterStore(config.BackendWebSocket, noop)
	r.RegisterStore(config.BackendMemory, noop)
	r.RegisterStore(config.BackendMemory, noop)

	got := r.Backends()
	want := []config.Backend{config.BackendMemory, config.BackendWebSocket}
	if !slices.Equal(got, want) {
		t.Errorf("Backends: got %v, want %v", got, want)
	}
}
