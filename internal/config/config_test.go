package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultInstance = "work"
	cfg.Gateway.AuthTimeout = 3 * time.Second
	cfg.Server.AllowedOrigins = []string{"https://app.example"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultInstance != "work" {
		t.Errorf("DefaultInstance = %q, want %q", loaded.DefaultInstance, "work")
	}
	if loaded.Gateway.AuthTimeout != 3*time.Second {
		t.Errorf("AuthTimeout = %v, want 3s", loaded.Gateway.AuthTimeout)
	}
	if len(loaded.Server.AllowedOrigins) != 1 {
		t.Errorf("AllowedOrigins = %v", loaded.Server.AllowedOrigins)
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := "[gateway]\nqueue_size = 8\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.QueueSize != 8 {
		t.Errorf("QueueSize = %d, want 8", cfg.Gateway.QueueSize)
	}
	if cfg.Gateway.OverflowPolicy != "drop_oldest" || cfg.Presence.GracePeriod != 30*time.Second {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestResolveEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.toml")
	t.Setenv("CHATD_AUTH_JWT_SECRET", "0123456789abcdef0123")
	t.Setenv("CHATD_GATEWAY_OVERFLOW_POLICY", "disconnect")
	t.Setenv("CHATD_PRESENCE_GRACE_PERIOD", "45s")
	t.Setenv("CHATD_SERVER_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Resolve(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.OverflowPolicy != "disconnect" {
		t.Errorf("OverflowPolicy = %q", cfg.Gateway.OverflowPolicy)
	}
	if cfg.Presence.GracePeriod != 45*time.Second {
		t.Errorf("GracePeriod = %v", cfg.Presence.GracePeriod)
	}
	if len(cfg.Server.AllowedOrigins) != 2 {
		t.Errorf("AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Driver = %q, want default sqlite", cfg.Store.Driver)
	}
}

func TestResolveValidates(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing secret", nil},
		{"short secret", map[string]string{"CHATD_AUTH_JWT_SECRET": "short"}},
		{"bad policy", map[string]string{"CHATD_AUTH_JWT_SECRET": "0123456789abcdef", "CHATD_GATEWAY_OVERFLOW_POLICY": "block"}},
		{"bad driver", map[string]string{"CHATD_AUTH_JWT_SECRET": "0123456789abcdef", "CHATD_STORE_DRIVER": "postgres"}},
		{"bad listen addr", map[string]string{"CHATD_AUTH_JWT_SECRET": "0123456789abcdef", "CHATD_SERVER_LISTEN_ADDR": "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Resolve(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
				t.Error("Resolve() expected validation error")
			}
		})
	}
}
