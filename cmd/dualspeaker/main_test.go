package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/Yagasaki7K/dualspeaker/internal/config"
)

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := slogLevel(tc.in); got != tc.want {
			t.Errorf("slogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "custom.yaml")
	if _, _, err := loadConfig(path); err == nil {
		t.Error("missing explicit config accepted")
	}

	if err := os.WriteFile(path, []byte("server:\n  log_level: warn\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, watchable, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if !watchable || cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("watchable=%t level=%q", watchable, cfg.Server.LogLevel)
	}
}
