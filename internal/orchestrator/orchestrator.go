// Package orchestrator exposes the subscription engine's public operations
// — subscribe_to_stream, unsubscribe_from_stream, delete_subscription, and
// stream append/read — as a small typed API that transports (HTTP, CLI) sit
// on top of, without any of them needing to know about actors, the
// supervisor, or the storage gateway directly.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/c-moss-talk/eventstore/internal/endpointid"
	"github.com/c-moss-talk/eventstore/internal/eventstore"
	"github.com/c-moss-talk/eventstore/internal/subscription"
)

// StreamGateway is the subset of the storage gateway the orchestrator needs
// for plain stream operations, narrowed so tests can substitute a fake
// instead of a live Postgres instance.
type StreamGateway interface {
	CreateStream(ctx context.Context, streamID string) (int64, error)
	AppendEvents(ctx context.Context, streamID string, expectedVersion int64, events []eventstore.RecordedEvent) (int64, error)
	ReadStreamForward(ctx context.Context, streamID string, fromVersion int64, maxCount int) ([]eventstore.RecordedEvent, error)
	Ping(ctx context.Context) error
}

// LockLiveness reports whether the advisory-lock manager currently holds
// its dedicated session, independent of any individual subscription's lock.
type LockLiveness interface {
	Alive() bool
}

// Orchestrator is the single entry point every transport is built on.
type Orchestrator struct {
	gateway    StreamGateway
	supervisor *subscription.Supervisor
	idgen      *endpointid.Generator
	lockHealth LockLiveness
}

// New wires an Orchestrator over an already-open gateway, an
// already-running supervisor, and the advisory-lock manager backing it, so
// CheckHealth can report on both without either transport needing to know
// about them directly.
func New(gateway StreamGateway, supervisor *subscription.Supervisor, lockHealth LockLiveness) *Orchestrator {
	return &Orchestrator{gateway: gateway, supervisor: supervisor, idgen: endpointid.NewGenerator(), lockHealth: lockHealth}
}

// CheckHealth reports whether storage is reachable and the advisory-lock
// session is established. Transports use it to back a readiness probe.
func (o *Orchestrator) CheckHealth(ctx context.Context) error {
	if err := o.gateway.Ping(ctx); err != nil {
		return fmt.Errorf("orchestrator: check_health: storage unreachable: %w", err)
	}
	if o.lockHealth != nil && !o.lockHealth.Alive() {
		return errors.New("orchestrator: check_health: advisory-lock session not established")
	}
	return nil
}

// AppendToStream is a thin pass-through to the storage gateway; it exists on
// Orchestrator so every transport shares one seam for future cross-cutting
// concerns (auth, rate limiting, metrics) without touching the gateway.
func (o *Orchestrator) AppendToStream(ctx context.Context, streamID string, expectedVersion int64, events []eventstore.RecordedEvent) (int64, error) {
	return o.gateway.AppendEvents(ctx, streamID, expectedVersion, events)
}

// CreateStream creates streamID if absent.
func (o *Orchestrator) CreateStream(ctx context.Context, streamID string) (int64, error) {
	return o.gateway.CreateStream(ctx, streamID)
}

// ReadStreamForward reads a page of a single stream ordered by
// stream_version, the plain external-read cursor.
func (o *Orchestrator) ReadStreamForward(ctx context.Context, streamID string, fromVersion int64, maxCount int) ([]eventstore.RecordedEvent, error) {
	return o.gateway.ReadStreamForward(ctx, streamID, fromVersion, maxCount)
}

// EndpointHandle identifies one connected consumer endpoint so later
// Ack/Unsubscribe calls know which actor and which subscriber row to target.
type EndpointHandle struct {
	EndpointID       string
	StreamID         string
	SubscriptionName string
}

// SubscribeToStream connects a new consumer endpoint to the named
// subscription on streamID, starting (and registering with the supervisor)
// its actor if this is the first endpoint to ever connect.
func (o *Orchestrator) SubscribeToStream(ctx context.Context, streamID, subscriptionName string, sink subscription.EndpointSink, opts eventstore.SubscribeOptions) (EndpointHandle, error) {
	actor := o.supervisor.ActorFor(streamID, subscriptionName)
	endpointID := o.idgen.Next().String()
	if err := actor.ConnectSubscriber(ctx, endpointID, sink, opts); err != nil {
		return EndpointHandle{}, fmt.Errorf("orchestrator: subscribe_to_stream: %w", err)
	}
	return EndpointHandle{EndpointID: endpointID, StreamID: streamID, SubscriptionName: subscriptionName}, nil
}

// Ack acknowledges delivery up to and including eventNumber for h.
func (o *Orchestrator) Ack(ctx context.Context, h EndpointHandle, eventNumber int64) error {
	actor := o.supervisor.ActorFor(h.StreamID, h.SubscriptionName)
	if err := actor.Ack(ctx, h.EndpointID, eventNumber); err != nil {
		return fmt.Errorf("orchestrator: ack: %w", err)
	}
	return nil
}

// UnsubscribeFromStream disconnects one endpoint. The durable subscription
// row and its watermark survive; a later subscribe_to_stream resumes from
// where it left off.
func (o *Orchestrator) UnsubscribeFromStream(ctx context.Context, h EndpointHandle) error {
	actor := o.supervisor.ActorFor(h.StreamID, h.SubscriptionName)
	if _, err := actor.UnsubscribeEndpoint(ctx, h.EndpointID); err != nil {
		return fmt.Errorf("orchestrator: unsubscribe_from_stream: %w", err)
	}
	return nil
}

// DeleteSubscription stops the subscription's actor (if running) and
// permanently removes its durable row and watermark.
func (o *Orchestrator) DeleteSubscription(ctx context.Context, streamID, subscriptionName string) error {
	if err := o.supervisor.Delete(ctx, streamID, subscriptionName); err != nil {
		return fmt.Errorf("orchestrator: delete_subscription: %w", err)
	}
	return nil
}
