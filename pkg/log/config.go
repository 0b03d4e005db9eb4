package log

import (
	"fmt"
	golog "log"
	"strings"
)

// Config is a declarative description of a logger, suitable for building
// from environment variables or a config file.
type Config struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// ParseLevel parses a case-insensitive level name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// ApplyConfig builds a Logger from a Config, defaulting to info/text.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var formatter Formatter
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		formatter = &JSONFormatter{}
	case "", "text":
		formatter = &TextFormatter{}
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return NewLogger(
		WithLevel(level),
		WithFormatter(formatter),
		WithOutput(NewConsoleOutput()),
	), nil
}

// stdLogWriter adapts a Logger to an io.Writer for use with log.SetOutput.
type stdLogWriter struct {
	logger Logger
}

func (w stdLogWriter) Write(p []byte) (int, error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// RedirectStdLog routes the standard library's global logger (used by some
// third-party drivers) through logger.
func RedirectStdLog(logger Logger) {
	golog.SetFlags(0)
	golog.SetOutput(stdLogWriter{logger: logger})
}

// ToStdLogger adapts logger to a *log.Logger for libraries that require one.
func ToStdLogger(logger Logger) *golog.Logger {
	return golog.New(stdLogWriter{logger: logger}, "", 0)
}
