// Package subscription implements the per-subscription finite-state
// machine (catch-up/live streaming), the subscriber set with partitioned
// fan-out, and the supervisor that keeps one actor alive per
// (stream_id, subscription_name).
package subscription

import (
	"github.com/c-moss-talk/eventstore/internal/advisorylock"
	"github.com/c-moss-talk/eventstore/internal/celfilter"
	"github.com/c-moss-talk/eventstore/internal/eventstore"
)

// State is the FSM's current mode. Transitions are defined in fsm.go.
type State int

const (
	StateInitial State = iota
	StateRequestCatchUp
	StateCatchingUp
	StateSubscribed
	StateMaxCapacity
	StateDisconnected
	StateUnsubscribed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateRequestCatchUp:
		return "request_catch_up"
	case StateCatchingUp:
		return "catching_up"
	case StateSubscribed:
		return "subscribed"
	case StateMaxCapacity:
		return "max_capacity"
	case StateDisconnected:
		return "disconnected"
	case StateUnsubscribed:
		return "unsubscribed"
	default:
		return "unknown"
	}
}

// Delivered is one event as handed to an endpoint: the raw event plus the
// value produced by the subscription's mapper (identity if no mapper).
type Delivered struct {
	Event  eventstore.RecordedEvent
	Mapped any
}

// EndpointSink is how the subscription actor pushes a batch of events to a
// connected consumer. Implementations must not block indefinitely; flow
// control is ack-driven, not timeout-driven, but a sink is still expected
// to return once the batch is handed off to its transport.
type EndpointSink interface {
	Send(batch []Delivered) error
}

// inFlightEvent remembers the partition key alongside the event so an
// endpoint's events can be re-queued correctly if it dies.
type inFlightEvent struct {
	event       eventstore.RecordedEvent
	mapped      any
	partitionKey string
}

// subscriber is one connected consumer endpoint.
type subscriber struct {
	endpointID string
	sink       EndpointSink
	bufferSize int
	inFlight   []inFlightEvent
	sendSeq    int64 // round-robin tie-break; increments on every delivery
}

func newSubscriber(endpointID string, sink EndpointSink, bufferSize int) *subscriber {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &subscriber{endpointID: endpointID, sink: sink, bufferSize: bufferSize}
}

func (s *subscriber) available() bool { return len(s.inFlight) < s.bufferSize }

func (s *subscriber) holdsPartition(key string) bool {
	for _, e := range s.inFlight {
		if e.partitionKey == key {
			return true
		}
	}
	return false
}

// queuedEvent is one event waiting in a partition queue.
type queuedEvent struct {
	event        eventstore.RecordedEvent
	mapped       any
	partitionKey string
}

// partitionQueue is a FIFO ordered by ascending event_number.
type partitionQueue struct {
	items []queuedEvent
}

func (q *partitionQueue) empty() bool { return len(q.items) == 0 }
func (q *partitionQueue) peekHead() queuedEvent { return q.items[0] }
func (q *partitionQueue) pushBack(e queuedEvent) { q.items = append(q.items, e) }

func (q *partitionQueue) popHead() queuedEvent {
	e := q.items[0]
	q.items = q.items[1:]
	return e
}

// prependDescending re-inserts events at the front of the queue. events
// must already be in ascending event_number order (an endpoint's in-flight
// list always is); iterating in reverse and prepending one at a time keeps
// the combined queue ascending so the head remains the lowest.
func (q *partitionQueue) prependDescending(events []inFlightEvent) {
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		q.items = append([]queuedEvent{{event: e.event, mapped: e.mapped, partitionKey: e.partitionKey}}, q.items...)
	}
}

// Subscription is the in-memory state of one subscription, owned
// exclusively by its actor goroutine.
type Subscription struct {
	StreamID         string
	SubscriptionName string
	SubscriptionID   int64

	state  State
	lockRef *advisorylock.Ref

	evaluator *celfilter.Evaluator
	bufferSize int
	maxSize    int

	lastReceived int64
	lastSent     int64
	lastAck      int64

	partitions         map[string]*partitionQueue
	queueSize          int
	processedEventIDs  map[int64]struct{}
	subscribers        map[string]*subscriber
}

func newSubscription(streamID, name string) *Subscription {
	return &Subscription{
		StreamID:          streamID,
		SubscriptionName:  name,
		state:             StateInitial,
		partitions:        make(map[string]*partitionQueue),
		processedEventIDs: make(map[int64]struct{}),
		subscribers:       make(map[string]*subscriber),
	}
}

func (s *Subscription) partitionFor(key string) *partitionQueue {
	pq, ok := s.partitions[key]
	if !ok {
		pq = &partitionQueue{}
		s.partitions[key] = pq
	}
	return pq
}
