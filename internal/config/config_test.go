package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Defaults()
	cfg.DefaultProfile = "work"
	cfg.Connection.HeartbeatInterval = Duration(15 * time.Second)
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Connection.HeartbeatInterval.Std() != 15*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 15s", loaded.Connection.HeartbeatInterval.Std())
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "server_url = \"wss://chat.example/ws\"\n\n[call]\nring_after = \"2s\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerURL != "wss://chat.example/ws" {
		t.Errorf("ServerURL = %q", cfg.ServerURL)
	}
	if cfg.Call.RingAfter.Std() != 2*time.Second {
		t.Errorf("RingAfter = %v, want 2s", cfg.Call.RingAfter.Std())
	}
	if cfg.Call.NoAnswerAfter.Std() != 45*time.Second {
		t.Errorf("NoAnswerAfter = %v, want default 45s", cfg.Call.NoAnswerAfter.Std())
	}
}

func TestResolveMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Resolve(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if cfg.Connection.MaxAttempts != 10 {
		t.Errorf("MaxAttempts = %d, want 10", cfg.Connection.MaxAttempts)
	}
}

func TestResolveEnvironmentOverrides(t *testing.T) {
	t.Setenv("HEARTLINE_SERVER_URL", "ws://relay.local/ws")
	t.Setenv("HEARTLINE_CONNECTION_MAX_ATTEMPTS", "3")
	t.Setenv("HEARTLINE_PRESENCE_TYPING_DECAY", "750ms")
	t.Setenv("HEARTLINE_CREDENTIAL", "token")

	cfg, err := Resolve(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if cfg.ServerURL != "ws://relay.local/ws" {
		t.Errorf("ServerURL = %q", cfg.ServerURL)
	}
	if cfg.Connection.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.Connection.MaxAttempts)
	}
	if cfg.Presence.TypingDecay.Std() != 750*time.Millisecond {
		t.Errorf("TypingDecay = %v, want 750ms", cfg.Presence.TypingDecay.Std())
	}
	if cfg.Credential != "token" {
		t.Errorf("Credential = %q", cfg.Credential)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"no server", func(c *Config) { c.ServerURL = "" }, "server_url"},
		{"zero attempts", func(c *Config) { c.Connection.MaxAttempts = 0 }, "max_attempts"},
		{"cap below base", func(c *Config) { c.Connection.BackoffCap = Duration(time.Millisecond) }, "backoff_cap"},
		{"ring after no answer", func(c *Config) { c.Call.RingAfter = Duration(time.Hour) }, "ring_after"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "bolt" }, "store.backend"},
		{"redis without addr", func(c *Config) { c.Store.Backend = "redis"; c.Store.RedisAddr = "" }, "redis_addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Defaults()); err != nil {
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

func TestSaveOmitsCredential(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := Defaults()
	cfg.Credential = "secret-token"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "secret-token") {
		t.Error("credential written to disk")
	}
}
