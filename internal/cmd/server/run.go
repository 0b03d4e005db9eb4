package serverrun

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/c-moss-talk/eventstore/internal/advisorylock"
	cfgpkg "github.com/c-moss-talk/eventstore/internal/config"
	"github.com/c-moss-talk/eventstore/internal/notifybus"
	"github.com/c-moss-talk/eventstore/internal/notifypipeline"
	"github.com/c-moss-talk/eventstore/internal/orchestrator"
	httpserver "github.com/c-moss-talk/eventstore/internal/server/http"
	"github.com/c-moss-talk/eventstore/internal/storage/postgres"
	"github.com/c-moss-talk/eventstore/internal/subscription"
	logpkg "github.com/c-moss-talk/eventstore/pkg/log"
)

// Options configures one server process.
type Options struct {
	Config cfgpkg.Config
	// Bootstrap, when true, runs the idempotent schema bootstrap before
	// serving. It is set by `eventstore server start --bootstrap`, a
	// convenience for single-node deployments that start fresh every time;
	// `eventstore schema init` applies the schema without calling Run.
	Bootstrap bool
}

// Run opens the storage gateway, starts the advisory-lock manager and
// notification pipeline, and serves HTTP until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return err
	}

	procLogger, err := logpkg.ApplyConfig(&logpkg.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		procLogger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel), logpkg.WithFormatter(&logpkg.TextFormatter{}))
	}
	logpkg.RedirectStdLog(procLogger)

	procLogger.Info("starting eventstore server",
		logpkg.Str("http", cfg.HTTPAddr),
		logpkg.Str("notify_channel", cfg.NotifyChannel),
		logpkg.Str("level", cfg.LogLevel),
		logpkg.Str("format", cfg.LogFormat),
	)

	gateway, err := postgres.Open(sctx, cfg.PostgresDSN, cfg.NotifyChannel)
	if err != nil {
		return err
	}
	defer gateway.Close()

	if opts.Bootstrap {
		if err := gateway.Bootstrap(sctx); err != nil {
			return err
		}
		procLogger.Info("schema bootstrap complete")
	}

	lockMgr := advisorylock.New(gateway.Pool(), cfg.AdvisoryLockRetryInterval, procLogger)
	bus := notifybus.New()
	pipeline := notifypipeline.New(gateway.Pool(), cfg.NotifyChannel, bus, procLogger, cfg.AdvisoryLockRetryInterval)
	supervisor := subscription.NewSupervisor(gateway, lockMgr, bus, procLogger, cfg.AdvisoryLockRetryInterval, cfg.CatchUpBatchSize)
	orch := orchestrator.New(gateway, supervisor, lockMgr)
	hsrv := httpserver.New(orch, procLogger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		lockMgr.Run(sctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		pipeline.Run(sctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, cfg.HTTPAddr); err != nil && sctx.Err() == nil {
			log.Printf("http error: %v", err)
		}
	}()

	<-sctx.Done()
	hsrv.Close()
	supervisor.Shutdown()
	wg.Wait()
	return nil
}
