package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/c-moss-talk/eventstore/internal/advisorylock"
	"github.com/c-moss-talk/eventstore/internal/eventstore"
	"github.com/c-moss-talk/eventstore/internal/notifybus"
	logpkg "github.com/c-moss-talk/eventstore/pkg/log"
)

// fakeGateway is an in-memory stand-in for the storage gateway, grounded on
// the same signatures as internal/storage/postgres.Gateway so the FSM can
// be exercised without a live database.
type fakeGateway struct {
	mu     sync.Mutex
	events []eventstore.RecordedEvent
	subs   map[string]*eventstore.Subscription
	acked  map[string]int64
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{subs: make(map[string]*eventstore.Subscription), acked: make(map[string]int64)}
}

func (g *fakeGateway) append(events ...eventstore.RecordedEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, events...)
}

func (g *fakeGateway) SubscribeToStream(ctx context.Context, streamID, name string, startFrom int64) (eventstore.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := streamID + "/" + name
	if existing, ok := g.subs[key]; ok {
		return *existing, nil
	}
	sub := &eventstore.Subscription{ID: int64(len(g.subs) + 1), StreamID: streamID, SubscriptionName: name, LastSeen: startFrom - 1}
	g.subs[key] = sub
	return *sub, nil
}

func (g *fakeGateway) AckLastSeenEvent(ctx context.Context, streamID, name string, lastSeen int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := streamID + "/" + name
	if cur, ok := g.acked[key]; !ok || lastSeen > cur {
		g.acked[key] = lastSeen
	}
	if sub, ok := g.subs[key]; ok {
		sub.LastSeen = g.acked[key]
	}
	return nil
}

func (g *fakeGateway) DeleteSubscription(ctx context.Context, streamID, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.subs, streamID+"/"+name)
	return nil
}

func (g *fakeGateway) ReadForwardByEventNumber(ctx context.Context, streamID string, fromEventNumber int64, maxCount int) ([]eventstore.RecordedEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []eventstore.RecordedEvent
	for _, ev := range g.events {
		if ev.EventNumber > fromEventNumber {
			out = append(out, ev)
			if len(out) >= maxCount {
				break
			}
		}
	}
	return out, nil
}

func (g *fakeGateway) CurrentEventNumber(ctx context.Context, streamID string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.events) == 0 {
		return 0, nil
	}
	return g.events[len(g.events)-1].EventNumber, nil
}

// fakeLockManager always grants the lock; it never reports Lost unless the
// test does so explicitly.
type fakeLockManager struct{}

func (fakeLockManager) TryAcquire(ctx context.Context, key int64, lost chan advisorylock.Lost) (advisorylock.Ref, error) {
	return advisorylock.Ref{}, nil
}

func (fakeLockManager) Release(ctx context.Context, ref advisorylock.Ref) error { return nil }

// chanSink delivers every batch onto a channel so tests can wait for it.
type chanSink struct {
	ch chan []Delivered
}

func newChanSink() *chanSink { return &chanSink{ch: make(chan []Delivered, 32)} }

func (s *chanSink) Send(batch []Delivered) error {
	cp := make([]Delivered, len(batch))
	copy(cp, batch)
	s.ch <- cp
	return nil
}

func testLogger() logpkg.Logger {
	l, _ := logpkg.ApplyConfig(&logpkg.Config{Level: "error", Format: "text"})
	return l
}

func mkEvent(streamID string, n int64) eventstore.RecordedEvent {
	return eventstore.RecordedEvent{StreamID: streamID, EventNumber: n, StreamVersion: n, EventType: "test", Payload: []byte("{}")}
}

func waitBatch(t *testing.T, ch chan []Delivered, timeout time.Duration) []Delivered {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a delivered batch")
		return nil
	}
}

func TestCatchUpDeliversBacklogThenGoesLive(t *testing.T) {
	gw := newFakeGateway()
	gw.append(mkEvent("orders-1", 1), mkEvent("orders-1", 2), mkEvent("orders-1", 3))

	bus := notifybus.New()
	a := NewActor("orders-1", "billing", gw, fakeLockManager{}, bus, testLogger(), 10*time.Millisecond, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	sink := newChanSink()
	opts := eventstore.SubscribeOptions{StartFrom: eventstore.StartFrom{Origin: true}, BufferSize: 5, MaxSize: 100}
	if err := a.ConnectSubscriber(ctx, "ep-1", sink, opts); err != nil {
		t.Fatalf("ConnectSubscriber: %v", err)
	}

	got := waitBatch(t, sink.ch, time.Second)
	if len(got) != 3 {
		t.Fatalf("expected 3 events in the catch-up batch, got %d", len(got))
	}
	if got[0].Event.EventNumber != 1 || got[2].Event.EventNumber != 3 {
		t.Fatalf("unexpected event numbers: %+v", got)
	}

	if err := a.Ack(ctx, "ep-1", 3); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	gw.append(mkEvent("orders-1", 4))
	bus.Publish("orders-1", notifybus.Batch{FromEventNumber: 4, ToEventNumber: 4})

	got = waitBatch(t, sink.ch, time.Second)
	if len(got) != 1 || got[0].Event.EventNumber != 4 {
		t.Fatalf("expected live event 4, got %+v", got)
	}
}

func TestUnsubscribeLastEndpointGoesUnsubscribed(t *testing.T) {
	gw := newFakeGateway()
	bus := notifybus.New()
	a := NewActor("orders-2", "billing", gw, fakeLockManager{}, bus, testLogger(), 10*time.Millisecond, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	sink := newChanSink()
	opts := eventstore.SubscribeOptions{StartFrom: eventstore.StartFrom{Origin: true}, BufferSize: 5, MaxSize: 100}
	if err := a.ConnectSubscriber(ctx, "ep-1", sink, opts); err != nil {
		t.Fatalf("ConnectSubscriber: %v", err)
	}

	last, err := a.UnsubscribeEndpoint(ctx, "ep-1")
	if err != nil {
		t.Fatalf("UnsubscribeEndpoint: %v", err)
	}
	if !last {
		t.Fatalf("expected ep-1 to be the last endpoint")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if a.State() == StateUnsubscribed {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected state unsubscribed, got %v", a.State())
}

func TestSelectorRejectsAreStillCheckpointed(t *testing.T) {
	gw := newFakeGateway()
	gw.append(mkEvent("orders-3", 1), mkEvent("orders-3", 2), mkEvent("orders-3", 3))

	bus := notifybus.New()
	a := NewActor("orders-3", "billing", gw, fakeLockManager{}, bus, testLogger(), 10*time.Millisecond, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	sink := newChanSink()
	opts := eventstore.SubscribeOptions{
		StartFrom:  eventstore.StartFrom{Origin: true},
		Selector:   "event_number == 2",
		BufferSize: 5,
		MaxSize:    100,
	}
	if err := a.ConnectSubscriber(ctx, "ep-1", sink, opts); err != nil {
		t.Fatalf("ConnectSubscriber: %v", err)
	}

	got := waitBatch(t, sink.ch, time.Second)
	if len(got) != 1 || got[0].Event.EventNumber != 2 {
		t.Fatalf("expected only event 2 to be delivered, got %+v", got)
	}

	if err := a.Ack(ctx, "ep-1", 2); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	gw.mu.Lock()
	acked := gw.acked["orders-3/billing"]
	gw.mu.Unlock()
	if acked != 3 {
		t.Fatalf("expected last_seen to advance past rejected events 1 and 3 to 3, got %d", acked)
	}
}
