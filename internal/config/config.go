// Package config loads the event store's runtime configuration from
// built-in defaults, an optional JSON file, and environment variable
// overrides, in that order of increasing precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the top-level configuration for a server process.
type Config struct {
	PostgresDSN               string        `json:"postgresDSN"`
	NotifyChannel             string        `json:"notifyChannel"`
	DefaultBufferSize         int           `json:"defaultBufferSize"`
	DefaultMaxSize            int           `json:"defaultMaxSize"`
	CatchUpBatchSize          int           `json:"catchUpBatchSize"`
	AdvisoryLockRetryInterval time.Duration `json:"advisoryLockRetryInterval"`
	HTTPAddr                  string        `json:"httpAddr"`
	LogLevel                  string        `json:"logLevel"`
	LogFormat                 string        `json:"logFormat"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		NotifyChannel:             "eventstore_events",
		DefaultBufferSize:         1,
		DefaultMaxSize:            1000,
		CatchUpBatchSize:          500,
		AdvisoryLockRetryInterval: 2 * time.Second,
		HTTPAddr:                  ":8080",
		LogLevel:                  "info",
		LogFormat:                 "text",
	}
}

// Load reads configuration from a JSON file layered onto Default. If path is
// empty it returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch filepath.Ext(path) {
	case ".json", "":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	default:
		return Config{}, errors.New("config: only JSON config files are supported")
	}
	return cfg, nil
}

// Validate reports configuration errors that should abort server start.
func (c Config) Validate() error {
	if c.PostgresDSN == "" {
		return fmt.Errorf("config: postgresDSN is required")
	}
	if c.DefaultMaxSize < c.DefaultBufferSize {
		return fmt.Errorf("config: defaultMaxSize (%d) must be >= defaultBufferSize (%d)", c.DefaultMaxSize, c.DefaultBufferSize)
	}
	return nil
}
