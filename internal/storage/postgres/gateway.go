// Package postgres is the storage gateway: typed operations over the
// relational database backing the event store. Every exported method takes
// a context and returns a domain error from eventstore's taxonomy rather
// than a raw driver error; transport failures are wrapped, never swallowed.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c-moss-talk/eventstore/internal/eventstore"
)

//go:embed schema.sql
var schemaSQL string

// Gateway wraps a pooled connection to Postgres and the configured
// notification channel name.
type Gateway struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// Open connects to Postgres using dsn and returns a ready Gateway.
func Open(ctx context.Context, dsn, notifyChannel string) (*Gateway, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Gateway{pool: pool, notifyChannel: notifyChannel}, nil
}

// Close releases the pool.
func (g *Gateway) Close() { g.pool.Close() }

// Pool exposes the underlying pool for components that need a raw
// connection, such as the advisory-lock manager and the LISTEN session.
func (g *Gateway) Pool() *pgxpool.Pool { return g.pool }

// Ping checks connectivity for health probes.
func (g *Gateway) Ping(ctx context.Context) error { return g.pool.Ping(ctx) }

// Bootstrap creates the schema if absent. It is idempotent: re-running it
// against an already-initialized database is a no-op.
func (g *Gateway) Bootstrap(ctx context.Context) error {
	sql := strings.ReplaceAll(schemaSQL, "%%NOTIFY_CHANNEL%%", g.notifyChannel)
	if _, err := g.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("postgres: bootstrap: %w", err)
	}
	return nil
}

// CreateStream creates a stream row if absent, returning its internal id.
func (g *Gateway) CreateStream(ctx context.Context, streamID string) (int64, error) {
	var id int64
	err := g.pool.QueryRow(ctx,
		`INSERT INTO streams (stream_id) VALUES ($1) RETURNING id`, streamID,
	).Scan(&id)
	if isUniqueViolation(err) {
		return 0, eventstore.ErrStreamExists
	}
	if err != nil {
		return 0, wrapTransport("create_stream", err)
	}
	return id, nil
}

// AppendEvents appends events transactionally, assigning contiguous
// stream_version and globally monotonic event_number. expectedVersion < 0
// means "no optimistic concurrency check".
func (g *Gateway) AppendEvents(ctx context.Context, streamID string, expectedVersion int64, events []eventstore.RecordedEvent) (int64, error) {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return 0, wrapTransport("append_events", err)
	}
	defer tx.Rollback(ctx)

	var internalID, latest int64
	err = tx.QueryRow(ctx, `SELECT id, latest_version FROM streams WHERE stream_id = $1 FOR UPDATE`, streamID).Scan(&internalID, &latest)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, eventstore.ErrStreamNotFound
	}
	if err != nil {
		return 0, wrapTransport("append_events", err)
	}
	if expectedVersion >= 0 && latest != expectedVersion {
		return 0, eventstore.ErrWrongExpectedVersion
	}

	batch := &pgx.Batch{}
	version := latest
	for _, ev := range events {
		version++
		id := ev.EventID
		if id == uuid.Nil {
			id = uuid.New()
		}
		batch.Queue(
			`INSERT INTO events (event_id, event_number, stream_id, stream_version, event_type, data, metadata)
			 VALUES ($1, nextval('events_event_number_seq'), $2, $3, $4, $5, $6)`,
			id, internalID, version, ev.EventType, ev.Payload, ev.Metadata,
		)
	}
	br := tx.SendBatch(ctx, batch)
	for range events {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return 0, wrapTransport("append_events", err)
		}
	}
	if err := br.Close(); err != nil {
		return 0, wrapTransport("append_events", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE streams SET latest_version = $1 WHERE id = $2`, version, internalID); err != nil {
		return 0, wrapTransport("append_events", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, wrapTransport("append_events", err)
	}
	return version, nil
}

// ReadStreamForward reads up to maxCount events starting after fromVersion.
// For eventstore.AllStream, fromVersion/returned ordering is by event_number
// across every stream instead of per-stream stream_version.
func (g *Gateway) ReadStreamForward(ctx context.Context, streamID string, fromVersion int64, maxCount int) ([]eventstore.RecordedEvent, error) {
	if streamID == eventstore.AllStream {
		return g.readAllForward(ctx, fromVersion, maxCount)
	}

	var internalID int64
	err := g.pool.QueryRow(ctx, `SELECT id FROM streams WHERE stream_id = $1`, streamID).Scan(&internalID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eventstore.ErrStreamNotFound
	}
	if err != nil {
		return nil, wrapTransport("read_stream_forward", err)
	}

	rows, err := g.pool.Query(ctx,
		`SELECT event_id, event_number, stream_version, event_type, data, metadata, created_at
		 FROM events WHERE stream_id = $1 AND stream_version > $2
		 ORDER BY stream_version ASC LIMIT $3`,
		internalID, fromVersion, maxCount,
	)
	if err != nil {
		return nil, wrapTransport("read_stream_forward", err)
	}
	defer rows.Close()

	out := make([]eventstore.RecordedEvent, 0, maxCount)
	for rows.Next() {
		var ev eventstore.RecordedEvent
		if err := rows.Scan(&ev.EventID, &ev.EventNumber, &ev.StreamVersion, &ev.EventType, &ev.Payload, &ev.Metadata, &ev.CreatedAt); err != nil {
			return nil, wrapTransport("read_stream_forward", err)
		}
		ev.StreamID = streamID
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapTransport("read_stream_forward", err)
	}
	return out, nil
}

func (g *Gateway) readAllForward(ctx context.Context, fromEventNumber int64, maxCount int) ([]eventstore.RecordedEvent, error) {
	rows, err := g.pool.Query(ctx,
		`SELECT e.event_id, e.event_number, e.stream_version, e.event_type, e.data, e.metadata, e.created_at, s.stream_id
		 FROM events e JOIN streams s ON s.id = e.stream_id
		 WHERE e.event_number > $1
		 ORDER BY e.event_number ASC LIMIT $2`,
		fromEventNumber, maxCount,
	)
	if err != nil {
		return nil, wrapTransport("read_stream_forward", err)
	}
	defer rows.Close()

	out := make([]eventstore.RecordedEvent, 0, maxCount)
	for rows.Next() {
		var ev eventstore.RecordedEvent
		if err := rows.Scan(&ev.EventID, &ev.EventNumber, &ev.StreamVersion, &ev.EventType, &ev.Payload, &ev.Metadata, &ev.CreatedAt, &ev.StreamID); err != nil {
			return nil, wrapTransport("read_stream_forward", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapTransport("read_stream_forward", err)
	}
	return out, nil
}

// ReadForwardByEventNumber reads up to maxCount events with event_number >
// fromEventNumber, restricted to streamID unless streamID is
// eventstore.AllStream. Unlike ReadStreamForward (which paginates a single
// stream by stream_version, the natural cursor for a plain stream read),
// this is the primitive the subscription catch-up routine and the
// subscription actor's live-notification handler use: both need to resume from a
// durable event_number watermark that is globally comparable even for a
// subscription scoped to one stream.
func (g *Gateway) ReadForwardByEventNumber(ctx context.Context, streamID string, fromEventNumber int64, maxCount int) ([]eventstore.RecordedEvent, error) {
	if streamID == eventstore.AllStream {
		return g.readAllForward(ctx, fromEventNumber, maxCount)
	}
	rows, err := g.pool.Query(ctx,
		`SELECT e.event_id, e.event_number, e.stream_version, e.event_type, e.data, e.metadata, e.created_at
		 FROM events e JOIN streams s ON s.id = e.stream_id
		 WHERE s.stream_id = $1 AND e.event_number > $2
		 ORDER BY e.event_number ASC LIMIT $3`,
		streamID, fromEventNumber, maxCount,
	)
	if err != nil {
		return nil, wrapTransport("read_forward_by_event_number", err)
	}
	defer rows.Close()

	out := make([]eventstore.RecordedEvent, 0, maxCount)
	for rows.Next() {
		var ev eventstore.RecordedEvent
		if err := rows.Scan(&ev.EventID, &ev.EventNumber, &ev.StreamVersion, &ev.EventType, &ev.Payload, &ev.Metadata, &ev.CreatedAt); err != nil {
			return nil, wrapTransport("read_forward_by_event_number", err)
		}
		ev.StreamID = streamID
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapTransport("read_forward_by_event_number", err)
	}
	return out, nil
}

// CurrentEventNumber returns the highest event_number visible for streamID
// (or across every stream, for eventstore.AllStream), 0 if none yet. It
// resolves the subscribe-time start_from: :current option.
func (g *Gateway) CurrentEventNumber(ctx context.Context, streamID string) (int64, error) {
	var n *int64
	var err error
	if streamID == eventstore.AllStream {
		err = g.pool.QueryRow(ctx, `SELECT MAX(event_number) FROM events`).Scan(&n)
	} else {
		err = g.pool.QueryRow(ctx,
			`SELECT MAX(e.event_number) FROM events e JOIN streams s ON s.id = e.stream_id WHERE s.stream_id = $1`,
			streamID,
		).Scan(&n)
	}
	if err != nil {
		return 0, wrapTransport("current_event_number", err)
	}
	if n == nil {
		return 0, nil
	}
	return *n, nil
}

// SubscribeToStream idempotently inserts the durable subscription row,
// returning the existing row's state if already present.
func (g *Gateway) SubscribeToStream(ctx context.Context, streamID, subscriptionName string, startFrom int64) (eventstore.Subscription, error) {
	var sub eventstore.Subscription
	err := g.pool.QueryRow(ctx,
		`INSERT INTO subscriptions (stream_uuid, subscription_name, last_seen)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (stream_uuid, subscription_name) DO UPDATE SET stream_uuid = EXCLUDED.stream_uuid
		 RETURNING id, stream_uuid, subscription_name, COALESCE(last_seen, -1), created_at`,
		streamID, subscriptionName, nullIfNegative(startFrom-1),
	).Scan(&sub.ID, &sub.StreamID, &sub.SubscriptionName, &sub.LastSeen, &sub.CreatedAt)
	if err != nil {
		return eventstore.Subscription{}, wrapTransport("subscribe_to_stream", err)
	}
	return sub, nil
}

// AckLastSeenEvent conditionally advances the durable watermark; it never
// moves last_seen backwards.
func (g *Gateway) AckLastSeenEvent(ctx context.Context, streamID, subscriptionName string, lastSeen int64) error {
	_, err := g.pool.Exec(ctx,
		`UPDATE subscriptions SET last_seen = $1
		 WHERE stream_uuid = $2 AND subscription_name = $3 AND (last_seen IS NULL OR last_seen < $1)`,
		lastSeen, streamID, subscriptionName,
	)
	if err != nil {
		return wrapTransport("ack_last_seen_event", err)
	}
	return nil
}

// DeleteSubscription removes the durable row.
func (g *Gateway) DeleteSubscription(ctx context.Context, streamID, subscriptionName string) error {
	_, err := g.pool.Exec(ctx,
		`DELETE FROM subscriptions WHERE stream_uuid = $1 AND subscription_name = $2`,
		streamID, subscriptionName,
	)
	if err != nil {
		return wrapTransport("delete_subscription", err)
	}
	return nil
}

func nullIfNegative(v int64) interface{} {
	if v < 0 {
		return nil
	}
	return v
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func wrapTransport(op string, err error) error {
	return fmt.Errorf("postgres: %s: %w", op, err)
}
