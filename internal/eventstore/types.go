// Package eventstore holds the data types shared by every layer of the
// subscription engine: recorded events, streams, durable subscription rows,
// and the error taxonomy returned by the storage gateway and the
// subscription actors.
package eventstore

import (
	"time"

	"github.com/google/uuid"
)

// AllStream is the synthetic stream id covering every event across every
// stream, in global event_number order.
const AllStream = "$all"

// RecordedEvent is one immutable event as stored and delivered. Payload and
// Metadata are opaque to the engine; callers own serialization.
type RecordedEvent struct {
	EventID       uuid.UUID
	EventNumber   int64
	StreamVersion int64
	StreamID      string
	EventType     string
	Payload       []byte
	Metadata      []byte
	CreatedAt     time.Time
}

// Stream is the durable row identifying a named append-only sequence.
type Stream struct {
	ID            int64
	StreamID      string
	LatestVersion int64
	CreatedAt     time.Time
}

// StartFrom describes where a new subscription begins reading.
type StartFrom struct {
	// Origin, when true, starts from event number 1 (or stream_version 1).
	Origin bool
	// Current, when true, starts from the current end of the stream/$all.
	Current bool
	// EventNumber is used when neither Origin nor Current is set.
	EventNumber int64
}

// Subscription is the durable cursor row: (stream_id_or_$all, name).
type Subscription struct {
	ID               int64
	StreamID         string
	SubscriptionName string
	LastSeen         int64 // -1 means "no events acknowledged yet"
	CreatedAt        time.Time
}

// SubscribeOptions configures a new subscription at CONNECT_SUBSCRIBER/
// SUBSCRIBE time. StartFrom only has effect the first time a subscription
// row is created; later connects attach to the existing cursor.
type SubscribeOptions struct {
	StartFrom        StartFrom
	Mapper           string // CEL expression, identity if empty
	Selector         string // CEL expression, accept-all if empty
	PartitionBy      string // CEL expression, single partition if empty
	BufferSize       int
	MaxSize          int
	ConcurrencyLimit int
}
