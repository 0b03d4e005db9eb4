package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/c-moss-talk/eventstore/internal/eventstore"
)

// testDSN returns the connection string for a live Postgres instance, or ""
// if EVENTSTORE_POSTGRES_TEST is unset. Tests that need a real database skip
// themselves rather than failing in environments without one.
func testDSN() string { return os.Getenv("EVENTSTORE_POSTGRES_TEST") }

func openTestGateway(t *testing.T) *Gateway {
	t.Helper()
	dsn := testDSN()
	if dsn == "" {
		t.Skip("EVENTSTORE_POSTGRES_TEST not set; skipping integration test")
	}
	g, err := Open(context.Background(), dsn, "eventstore_events_test")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(g.Close)
	if err := g.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return g
}

func TestAppendAndReadForward(t *testing.T) {
	g := openTestGateway(t)
	ctx := context.Background()

	streamID := "stream-append-read"
	if _, err := g.CreateStream(ctx, streamID); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	events := []eventstore.RecordedEvent{
		{EventType: "a", Payload: []byte("1")},
		{EventType: "a", Payload: []byte("2")},
	}
	version, err := g.AppendEvents(ctx, streamID, -1, events)
	if err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected version 2, got %d", version)
	}

	got, err := g.ReadStreamForward(ctx, streamID, 0, 10)
	if err != nil {
		t.Fatalf("ReadStreamForward: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].StreamVersion != 1 || got[1].StreamVersion != 2 {
		t.Fatalf("unexpected versions: %+v", got)
	}
}

func TestAppendRejectsWrongExpectedVersion(t *testing.T) {
	g := openTestGateway(t)
	ctx := context.Background()

	streamID := "stream-wrong-version"
	if _, err := g.CreateStream(ctx, streamID); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	if _, err := g.AppendEvents(ctx, streamID, 5, []eventstore.RecordedEvent{{EventType: "a"}}); err != eventstore.ErrWrongExpectedVersion {
		t.Fatalf("expected wrong_expected_version, got %v", err)
	}
}

func TestCreateStreamTwiceIsStreamExists(t *testing.T) {
	g := openTestGateway(t)
	ctx := context.Background()

	streamID := "stream-dup"
	if _, err := g.CreateStream(ctx, streamID); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	if _, err := g.CreateStream(ctx, streamID); err != eventstore.ErrStreamExists {
		t.Fatalf("expected stream_exists, got %v", err)
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	g := openTestGateway(t)
	ctx := context.Background()

	first, err := g.SubscribeToStream(ctx, "stream-sub", "sub1", 1)
	if err != nil {
		t.Fatalf("SubscribeToStream: %v", err)
	}
	if err := g.AckLastSeenEvent(ctx, "stream-sub", "sub1", 5); err != nil {
		t.Fatalf("AckLastSeenEvent: %v", err)
	}
	second, err := g.SubscribeToStream(ctx, "stream-sub", "sub1", 1)
	if err != nil {
		t.Fatalf("SubscribeToStream (attach): %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same subscription id on re-subscribe")
	}
	if second.LastSeen != 5 {
		t.Fatalf("expected attach to preserve advanced last_seen=5, got %d", second.LastSeen)
	}
}

func TestAckLastSeenEventNeverRegresses(t *testing.T) {
	g := openTestGateway(t)
	ctx := context.Background()

	if _, err := g.SubscribeToStream(ctx, "stream-monotonic", "sub1", 1); err != nil {
		t.Fatalf("SubscribeToStream: %v", err)
	}
	if err := g.AckLastSeenEvent(ctx, "stream-monotonic", "sub1", 10); err != nil {
		t.Fatalf("AckLastSeenEvent: %v", err)
	}
	if err := g.AckLastSeenEvent(ctx, "stream-monotonic", "sub1", 3); err != nil {
		t.Fatalf("AckLastSeenEvent: %v", err)
	}
	sub, err := g.SubscribeToStream(ctx, "stream-monotonic", "sub1", 1)
	if err != nil {
		t.Fatalf("SubscribeToStream (attach): %v", err)
	}
	if sub.LastSeen != 10 {
		t.Fatalf("expected last_seen to stay at 10, got %d", sub.LastSeen)
	}
}
