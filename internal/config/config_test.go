package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValidAfterDSNSet(t *testing.T) {
	cfg := Default()
	cfg.PostgresDSN = "postgres://localhost/eventstore"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRejectsEmptyDSN(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}

func TestLoadJSONOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"postgresDSN":"postgres://x/y","defaultBufferSize":4}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PostgresDSN != "postgres://x/y" {
		t.Fatalf("expected overlay dsn, got %q", cfg.PostgresDSN)
	}
	if cfg.DefaultBufferSize != 4 {
		t.Fatalf("expected overlay bufferSize=4, got %d", cfg.DefaultBufferSize)
	}
	if cfg.DefaultMaxSize != Default().DefaultMaxSize {
		t.Fatalf("expected untouched field to keep default")
	}
}

func TestLoadRejectsYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("postgresDSN: x"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected yaml to be rejected")
	}
}

func TestFromEnvOverlay(t *testing.T) {
	t.Setenv("EVENTSTORE_POSTGRES_DSN", "postgres://env/host")
	t.Setenv("EVENTSTORE_DEFAULT_MAX_SIZE", "42")
	cfg := Default()
	FromEnv(&cfg)
	if cfg.PostgresDSN != "postgres://env/host" {
		t.Fatalf("expected env dsn, got %q", cfg.PostgresDSN)
	}
	if cfg.DefaultMaxSize != 42 {
		t.Fatalf("expected env maxSize=42, got %d", cfg.DefaultMaxSize)
	}
}
