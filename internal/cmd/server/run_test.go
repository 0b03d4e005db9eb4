package serverrun

import (
	"testing"

	cfgpkg "github.com/c-moss-talk/eventstore/internal/config"
)

func TestOptionsValidationRejectsEmptyDSN(t *testing.T) {
	cfg := cfgpkg.Default()
	opts := Options{Config: cfg}
	if err := opts.Config.Validate(); err == nil {
		t.Fatalf("expected validation error for a config with no postgres dsn")
	}
}

func TestOptionsValidationAcceptsDSN(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.PostgresDSN = "postgres://localhost/eventstore"
	opts := Options{Config: cfg}
	if err := opts.Config.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
