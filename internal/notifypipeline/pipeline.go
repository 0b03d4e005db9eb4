// Package notifypipeline carries newly-committed event ranges from
// Postgres's LISTEN/NOTIFY channel into the process-local registration bus.
// It is a three-stage pipeline — Listener, Reader, Broadcaster — so that a
// slow or backlogged Broadcaster never blocks the Listener's LISTEN session,
// which must stay responsive or the database-side notify queue backs up.
package notifypipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c-moss-talk/eventstore/internal/eventstore"
	"github.com/c-moss-talk/eventstore/internal/notifybus"
	logpkg "github.com/c-moss-talk/eventstore/pkg/log"
)

// raw is one undecoded NOTIFY payload handed from the Listener to the
// Reader stage.
type raw struct {
	payload string
}

// Pipeline owns the dedicated LISTEN session and the two in-process stages
// that decode its payloads and fan them out onto bus.
type Pipeline struct {
	pool    *pgxpool.Pool
	channel string
	bus     *notifybus.Bus
	logger  logpkg.Logger

	retryInterval time.Duration
	rawCh         chan raw
}

// New wires a Pipeline. channel must match the notify channel name the
// storage gateway's schema trigger was bootstrapped with.
func New(pool *pgxpool.Pool, channel string, bus *notifybus.Bus, logger logpkg.Logger, retryInterval time.Duration) *Pipeline {
	return &Pipeline{
		pool:          pool,
		channel:       channel,
		bus:           bus,
		logger:        logger.WithComponent("notifypipeline"),
		retryInterval: retryInterval,
		rawCh:         make(chan raw, 256),
	}
}

// Run drives all three stages until ctx is cancelled. The Listener stage
// reconnects with backoff on session loss, mirroring the advisory-lock
// manager's dedicated-session recovery loop.
func (p *Pipeline) Run(ctx context.Context) {
	go p.readerLoop(ctx)
	p.listenerLoop(ctx)
}

// listenerLoop holds one dedicated connection issuing LISTEN and blocking on
// WaitForNotification. Advisory-lock sessions and LISTEN sessions must each
// own a connection outside the pool's normal borrow/return cycle.
func (p *Pipeline) listenerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := p.listenOnce(ctx); err != nil {
			p.logger.Warn("listen session ended, retrying", logpkg.Err(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.retryInterval):
		}
	}
}

func (p *Pipeline) listenOnce(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("notifypipeline: acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+quoteIdent(p.channel)); err != nil {
		return fmt.Errorf("notifypipeline: listen %s: %w", p.channel, err)
	}
	p.logger.Info("listening for notifications", logpkg.Str("channel", p.channel))

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		select {
		case p.rawCh <- raw{payload: n.Payload}:
		default:
			p.logger.Warn("reader stage backlogged, dropping a notification; subscribers recover via catch-up")
		}
	}
}

// readerLoop is the Reader stage: decode "stream_uuid,from,to" payloads and
// publish them. It is a separate goroutine/stage so a slow Broadcaster
// (i.e. a topic with many subscribers whose channels are momentarily full)
// cannot stall the Listener's WaitForNotification loop.
func (p *Pipeline) readerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-p.rawCh:
			batch, topic, err := decode(r.payload)
			if err != nil {
				p.logger.Warn("malformed notification payload, dropping", logpkg.Str("payload", r.payload), logpkg.Err(err))
				continue
			}
			p.broadcast(topic, batch)
		}
	}
}

// broadcast is the Broadcaster stage. Every batch is published twice: once
// under its specific stream id for stream-scoped subscribers, and once more
// under AllStream so a "$all" subscription sees every stream's live traffic
// without the storage gateway needing to know about it.
func (p *Pipeline) broadcast(topic string, batch notifybus.Batch) {
	p.bus.Publish(topic, batch)
	if topic != eventstore.AllStream {
		p.bus.Publish(eventstore.AllStream, batch)
	}
}

func decode(payload string) (notifybus.Batch, string, error) {
	parts := strings.SplitN(payload, ",", 3)
	if len(parts) != 3 {
		return notifybus.Batch{}, "", fmt.Errorf("expected 3 comma-separated fields, got %d", len(parts))
	}
	from, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return notifybus.Batch{}, "", fmt.Errorf("from_event_number: %w", err)
	}
	to, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return notifybus.Batch{}, "", fmt.Errorf("to_event_number: %w", err)
	}
	return notifybus.Batch{FromEventNumber: from, ToEventNumber: to}, parts[0], nil
}

// quoteIdent quotes an identifier for use directly in a LISTEN statement,
// since LISTEN does not accept a bound parameter.
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
