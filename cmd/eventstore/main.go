package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	clientcmd "github.com/c-moss-talk/eventstore/internal/cmd/client"
	serverrun "github.com/c-moss-talk/eventstore/internal/cmd/server"
	cfgpkg "github.com/c-moss-talk/eventstore/internal/config"
	logpkg "github.com/c-moss-talk/eventstore/pkg/log"
	"github.com/spf13/cobra"
)

func main() {
	level := os.Getenv("EVENTSTORE_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "eventstore",
		Short: "eventstore runtime CLI",
		Long:  "eventstore is a persistent event-store subscription engine. This CLI manages the server and basic operations.",
	}

	rootCmd.AddCommand(newServerCommand())
	rootCmd.AddCommand(newSchemaCommand())
	rootCmd.AddCommand(clientcmd.NewRoot(apiURLFromEnv).Commands()...)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServerCommand() *cobra.Command {
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}

	startCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the event store HTTP server",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			bootstrap, _ := cmd.Flags().GetBool("bootstrap")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := serverrun.Run(ctx, serverrun.Options{Config: cfg, Bootstrap: bootstrap}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	addConfigFlags(startCmd)
	startCmd.Flags().Bool("bootstrap", false, "Run the idempotent schema bootstrap before serving")
	serverCmd.AddCommand(startCmd)
	return serverCmd
}

func newSchemaCommand() *cobra.Command {
	schemaCmd := &cobra.Command{Use: "schema", Short: "Schema operations"}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the event store schema if it does not already exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runSchemaInit(ctx, cfg)
		},
	}
	addConfigFlags(initCmd)
	schemaCmd.AddCommand(initCmd)
	return schemaCmd
}

func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Path to a JSON config file")
	cmd.Flags().String("postgres-dsn", "", "Postgres connection string (overrides config file; $EVENTSTORE_POSTGRES_DSN takes precedence)")
	cmd.Flags().String("http", "", "HTTP listen address (overrides config file; $EVENTSTORE_HTTP_ADDR takes precedence)")
	cmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	cmd.Flags().String("log-format", "", "Log format: text|json")
}

// loadConfig layers built-in defaults, an optional --config file, explicit
// flags, and EVENTSTORE_* environment variables, in that order of
// increasing precedence.
func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfgpkg.Config{}, fmt.Errorf("load config: %w", err)
	}

	if v, _ := cmd.Flags().GetString("postgres-dsn"); v != "" {
		cfg.PostgresDSN = v
	}
	if v, _ := cmd.Flags().GetString("http"); v != "" {
		cfg.HTTPAddr = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.LogFormat = v
	}

	cfgpkg.FromEnv(&cfg)
	return cfg, nil
}

func apiURLFromEnv() string {
	if v := os.Getenv("EVENTSTORE_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
