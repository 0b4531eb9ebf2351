package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/Yagasaki7K/dualspeaker/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(config.Default(), config.Default())
	if !d.Empty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level is hot-reloadable, got RestartRequired=%v", d.RestartRequired)
	}
}

func TestDiff_ActivityChanged(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.ActivityConfig)
	}{
		{"local interval", func(a *config.ActivityConfig) { a.LocalInterval = time.Second }},
		{"remote interval", func(a *config.ActivityConfig) { a.RemoteInterval = time.Second }},
		{"local threshold", func(a *config.ActivityConfig) { a.LocalThreshold = 20 }},
		{"remote threshold", func(a *config.ActivityConfig) { a.RemoteLevelThreshold = 9 }},
		{"fft size", func(a *config.ActivityConfig) { a.FFTSize = 1024 }},
		{"smoothing", func(a *config.ActivityConfig) { sm := 0.1; a.Smoothing = &sm }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, new := config.Default(), config.Default()
			tc.mutate(&new.Activity)
			d := config.Diff(old, new)
			if !d.ActivityChanged {
				t.Error("expected ActivityChanged=true")
			}
			if d.LogLevelChanged || d.BandwidthChanged || len(d.RestartRequired) != 0 {
				t.Errorf("unexpected extra changes: %+v", d)
			}
		})
	}
}

func TestDiff_BandwidthChanged(t *testing.T) {
	t.Parallel()
	old, new := config.Default(), config.Default()
	off := false
	new.Bandwidth.DTX = &off

	d := config.Diff(old, new)
	if !d.BandwidthChanged {
		t.Error("expected BandwidthChanged=true")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := config.Default(), config.Default()
	new.Server.ListenAddr = ":1"
	new.Signaling.Backend = config.BackendPostgres
	new.Endpoint.STUNServers = []string{"stun:a:1", "stun:b:1"}
	new.Capture.Loop = true
	new.Telemetry.ServiceName = "other"

	d := config.Diff(old, new)
	want := []string{"server.listen_addr", "signaling", "endpoint", "capture", "telemetry"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired: got %v, want %v", d.RestartRequired, want)
	}
	if d.Empty() {
		t.Error("Empty() should be false")
	}
}
