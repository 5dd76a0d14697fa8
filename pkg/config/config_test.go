package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestValidate_Defaults(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got error: %v", err)
	}
}

func TestValidate_ReconnectDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reconnect.Enabled = false
	// Zero out reconnect values to ensure they are ignored when disabled.
	cfg.Reconnect.MaxAttempts = 0
	cfg.Reconnect.InitialDelay = 0
	cfg.Reconnect.MaxDelay = 0
	cfg.Reconnect.Multiplier = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when reconnect disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name: "gateway url must not be empty",
			mutate: func(c *Config) {
				c.Gateway.URL = ""
			},
		},
		{
			name: "pong timeout must exceed ping interval",
			mutate: func(c *Config) {
				c.Gateway.PongTimeout = c.Gateway.PingInterval
			},
		},
		{
			name: "reconnect initial delay must be > 0",
			mutate: func(c *Config) {
				c.Reconnect.InitialDelay = 0
			},
		},
		{
			name: "reconnect multiplier must be >= 1",
			mutate: func(c *Config) {
				c.Reconnect.Multiplier = 0.5
			},
		},
		{
			name: "reconnect buffer frames must be >= 0",
			mutate: func(c *Config) {
				c.Reconnect.BufferFrames = -1
			},
		},
		{
			name: "gate attack must be >= release",
			mutate: func(c *Config) {
				c.Audio.VolumeGate.AttackDB = -50
				c.Audio.VolumeGate.ReleaseDB = -40
			},
		},
		{
			name: "vad attack probability must be in range",
			mutate: func(c *Config) {
				c.Audio.VoiceActivity.AttackProbability = 1.5
			},
		},
		{
			name: "vad attack must be >= release",
			mutate: func(c *Config) {
				c.Audio.VoiceActivity.AttackProbability = 0.5
				c.Audio.VoiceActivity.ReleaseProbability = 0.8
			},
		},
		{
			name: "noise suppression must be a known level",
			mutate: func(c *Config) {
				c.Audio.NoiseSuppression = "extreme"
			},
		},
		{
			name: "monitor interval must be > 0",
			mutate: func(c *Config) {
				c.Monitor.Interval = 0
			},
		},
		{
			name: "tracing endpoint required when enabled",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Endpoint = ""
			},
		},
		{
			name: "server position cutoff must be >= 0",
			mutate: func(c *Config) {
				c.Server.PositionCutoff = -1
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("expected defaults for missing file, got error: %v", err)
	}
	if cfg.Gateway.URL != DefaultConfig().Gateway.URL {
		t.Errorf("expected default gateway url, got %q", cfg.Gateway.URL)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte("gateway:\n  url: ws://gw.example.com/ws\nreconnect:\n  max_attempts: 9\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Gateway.URL != "ws://gw.example.com/ws" {
		t.Errorf("expected overridden gateway url, got %q", cfg.Gateway.URL)
	}
	if cfg.Reconnect.MaxAttempts != 9 {
		t.Errorf("expected overridden max attempts, got %d", cfg.Reconnect.MaxAttempts)
	}
	// Untouched fields keep defaults
	if cfg.Monitor.Interval != time.Second {
		t.Errorf("expected default monitor interval, got %v", cfg.Monitor.Interval)
	}
}
