package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestGetConfigDirUsesXDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	got, err := GetConfigDir()
	if err != nil {
		t.Fatalf("GetConfigDir() error = %v", err)
	}
	if want := filepath.Join(dir, "gx-tunnel"); got != want {
		t.Errorf("GetConfigDir() = %q, want %q", got, want)
	}

	users, err := GetUserDBPath()
	if err != nil {
		t.Fatalf("GetUserDBPath() error = %v", err)
	}
	if want := filepath.Join(dir, "gx-tunnel", "users.json"); users != want {
		t.Errorf("GetUserDBPath() = %q, want %q", users, want)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddress != DefaultBindAddress {
		t.Errorf("BindAddress = %q, want %q", cfg.BindAddress, DefaultBindAddress)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.DefaultTarget != DefaultTarget {
		t.Errorf("DefaultTarget = %q, want %q", cfg.DefaultTarget, DefaultTarget)
	}
	if cfg.IdleLimit != DefaultIdleLimit || cfg.PollInterval != DefaultPollInterval {
		t.Errorf("idle settings = %d x %v, want %d x %v", cfg.IdleLimit, cfg.PollInterval, DefaultIdleLimit, DefaultPollInterval)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("GX_TUNNEL_PORT", "2082")
	t.Setenv("GX_TUNNEL_BIND", "127.0.0.1")
	t.Setenv("GX_TUNNEL_DIAL_TIMEOUT", "3s")
	t.Setenv("GX_TUNNEL_LEGACY_HANDSHAKE", "true")
	t.Setenv("GX_TUNNEL_IDLE_LIMIT", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 2082 {
		t.Errorf("Port = %d, want 2082", cfg.Port)
	}
	if cfg.BindAddress != "127.0.0.1" {
		t.Errorf("BindAddress = %q, want 127.0.0.1", cfg.BindAddress)
	}
	if cfg.DialTimeout != 3*time.Second {
		t.Errorf("DialTimeout = %v, want 3s", cfg.DialTimeout)
	}
	if !cfg.LegacyHandshake {
		t.Error("LegacyHandshake = false, want true")
	}
	if cfg.IdleLimit != DefaultIdleLimit {
		t.Errorf("IdleLimit = %d, want fallback %d", cfg.IdleLimit, DefaultIdleLimit)
	}
}
