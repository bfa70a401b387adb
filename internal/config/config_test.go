// Package config tests for configuration loading and validation.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/dinovending/dino/backend/internal/errors"
)

// TestLoad_defaults verifies defaults apply without any source.
func TestLoad_defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RemoteBackend != BackendPostgREST {
		t.Errorf("RemoteBackend = %q, want postgrest", cfg.RemoteBackend)
	}
	if cfg.RequestTimeout != 15*time.Second {
		t.Errorf("RequestTimeout = %v, want 15s", cfg.RequestTimeout)
	}
	if cfg.RetryMaxAttempts != 0 || cfg.RetryBaseBackoff != 0 {
		t.Errorf("retry = %d/%v, want unlimited without backoff", cfg.RetryMaxAttempts, cfg.RetryBaseBackoff)
	}
	if cfg.ConflictStrategy != "keep_pending" || cfg.ConnectivityMode != "manual" {
		t.Errorf("strategy/mode = %q/%q", cfg.ConflictStrategy, cfg.ConnectivityMode)
	}
}

// TestLoad_sources verifies env beats file and .env is read.
func TestLoad_sources(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	yaml := "remote_backend: memory\nsync_interval: 1m\nretry_max_attempts: 5\n"
	if err := os.WriteFile(filepath.Join(dir, "dino.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("LOG_LEVEL=debug\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("SUPABASE_URL", "https://example.supabase.co")
	defer os.Unsetenv("LOG_LEVEL")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RemoteBackend != BackendMemory || cfg.SyncInterval != time.Minute {
		t.Errorf("file values = %q/%v", cfg.RemoteBackend, cfg.SyncInterval)
	}
	if cfg.RetryMaxAttempts != 7 {
		t.Errorf("RetryMaxAttempts = %d, want 7 from env", cfg.RetryMaxAttempts)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug from .env", cfg.LogLevel)
	}
	if cfg.ProbeURL() != "https://example.supabase.co/rest/v1/" {
		t.Errorf("ProbeURL() = %q", cfg.ProbeURL())
	}
}

// TestLoad_missingExplicitFile verifies an explicit file must exist.
func TestLoad_missingExplicitFile(t *testing.T) {
	chdir(t, t.TempDir())
	if _, err := Load("nope.toml"); err == nil {
		t.Error("Load() with a missing explicit file should fail")
	}
}

// TestValidate verifies backend and mode requirements.
func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DBPath:           "dino.db",
			RemoteBackend:    BackendPostgREST,
			SupabaseURL:      "https://x.supabase.co",
			SupabaseKey:      "anon",
			ConnectivityMode: "manual",
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   apperrors.ErrorCode
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing supabase key", func(c *Config) { c.SupabaseKey = "" }, apperrors.ErrSyncNotConfigured},
		{"postgres without url", func(c *Config) { c.RemoteBackend = BackendPostgres }, apperrors.ErrSyncNotConfigured},
		{"memory", func(c *Config) { c.RemoteBackend = BackendMemory; c.SupabaseURL = "" }, ""},
		{"unknown backend", func(c *Config) { c.RemoteBackend = "mongo" }, apperrors.ErrSyncNotConfigured},
		{"file mode without path", func(c *Config) { c.ConnectivityMode = "file" }, apperrors.ErrValidation},
		{"unknown mode", func(c *Config) { c.ConnectivityMode = "radio" }, apperrors.ErrValidation},
		{"negative attempts", func(c *Config) { c.RetryMaxAttempts = -1 }, apperrors.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if !apperrors.Is(err, tt.want) {
				t.Errorf("Validate() error = %v, want %s", err, tt.want)
			}
		})
	}
}

// chdir changes the working directory for the rest of the test and restores
// it on cleanup (t.Chdir is unavailable before Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd() error = %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir(%q) error = %v", dir, err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatalf("restore working directory: %v", err)
		}
	})
}
