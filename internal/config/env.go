package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays EVENTSTORE_* environment variables onto cfg. Env always
// wins over file and defaults.
func FromEnv(cfg *Config) {
	if v := os.Getenv("EVENTSTORE_POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("EVENTSTORE_NOTIFY_CHANNEL"); v != "" {
		cfg.NotifyChannel = v
	}
	if v := os.Getenv("EVENTSTORE_DEFAULT_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultBufferSize = n
		}
	}
	if v := os.Getenv("EVENTSTORE_DEFAULT_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultMaxSize = n
		}
	}
	if v := os.Getenv("EVENTSTORE_CATCH_UP_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CatchUpBatchSize = n
		}
	}
	if v := os.Getenv("EVENTSTORE_ADVISORY_LOCK_RETRY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.AdvisoryLockRetryInterval = d
		}
	}
	if v := os.Getenv("EVENTSTORE_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("EVENTSTORE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("EVENTSTORE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
}
