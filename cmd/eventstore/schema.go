package main

import (
	"context"
	"fmt"

	cfgpkg "github.com/c-moss-talk/eventstore/internal/config"
	"github.com/c-moss-talk/eventstore/internal/storage/postgres"
)

// runSchemaInit connects to Postgres and applies the embedded schema,
// independently of starting the HTTP server or any background workers.
func runSchemaInit(ctx context.Context, cfg cfgpkg.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	gateway, err := postgres.Open(ctx, cfg.PostgresDSN, cfg.NotifyChannel)
	if err != nil {
		return err
	}
	defer gateway.Close()

	if err := gateway.Bootstrap(ctx); err != nil {
		return fmt.Errorf("schema init: %w", err)
	}
	fmt.Println("schema init: ok")
	return nil
}
