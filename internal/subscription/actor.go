package subscription

import (
	"context"
	"time"

	"github.com/c-moss-talk/eventstore/internal/advisorylock"
	"github.com/c-moss-talk/eventstore/internal/celfilter"
	"github.com/c-moss-talk/eventstore/internal/eventstore"
	"github.com/c-moss-talk/eventstore/internal/notifybus"
	logpkg "github.com/c-moss-talk/eventstore/pkg/log"
)

// StorageGateway is the subset of the storage gateway the actor needs. It
// is an interface so the FSM can be unit-tested against a fake, per the
// no-live-database requirement on invariant tests.
type StorageGateway interface {
	SubscribeToStream(ctx context.Context, streamID, subscriptionName string, startFrom int64) (eventstore.Subscription, error)
	AckLastSeenEvent(ctx context.Context, streamID, subscriptionName string, lastSeen int64) error
	DeleteSubscription(ctx context.Context, streamID, subscriptionName string) error
	ReadForwardByEventNumber(ctx context.Context, streamID string, fromEventNumber int64, maxCount int) ([]eventstore.RecordedEvent, error)
	CurrentEventNumber(ctx context.Context, streamID string) (int64, error)
}

// LockManager is the subset of the advisory-lock manager the actor needs.
type LockManager interface {
	TryAcquire(ctx context.Context, key int64, lost chan advisorylock.Lost) (advisorylock.Ref, error)
	Release(ctx context.Context, ref advisorylock.Ref) error
}

// mailbox message types. The actor processes exactly one to completion
// before the next, per the cooperative-actor concurrency model.
type msgSubscribeRetry struct{}

type msgConnectSubscriber struct {
	endpointID string
	sink       EndpointSink
	opts       eventstore.SubscribeOptions
	result     chan error
}

type msgUnsubscribeEndpoint struct {
	endpointID string
	result     chan bool // true if this was the last endpoint
}

type msgAck struct {
	endpointID  string
	eventNumber int64
	result      chan error
}

type msgLockLost struct {
	lost advisorylock.Lost
}

type msgShutdown struct{}

// Actor owns one Subscription's state machine and mailbox.
type Actor struct {
	sub *Subscription

	gateway     StorageGateway
	lockManager LockManager
	bus         *notifybus.Bus
	logger      logpkg.Logger

	retryInterval    time.Duration
	catchUpBatchSize int

	mailbox chan any
	lostCh  chan advisorylock.Lost

	busCh    <-chan notifybus.Batch
	busUnsub func()

	opts eventstore.SubscribeOptions
}

// NewActor constructs an idle actor. Run must be started in its own
// goroutine for the subscription to do anything.
func NewActor(streamID, name string, gateway StorageGateway, lockManager LockManager, bus *notifybus.Bus, logger logpkg.Logger, retryInterval time.Duration, catchUpBatchSize int) *Actor {
	return &Actor{
		sub:              newSubscription(streamID, name),
		gateway:          gateway,
		lockManager:      lockManager,
		bus:              bus,
		logger:           logger.WithComponent("subscription").With(logpkg.StreamID(streamID), logpkg.SubscriptionName(name)),
		retryInterval:    retryInterval,
		catchUpBatchSize: catchUpBatchSize,
		mailbox:          make(chan any, 64),
		lostCh:           make(chan advisorylock.Lost, 1),
	}
}

// send enqueues a fire-and-forget message; Shutdown uses it.
func (a *Actor) send(msg any) { a.mailbox <- msg }

// ConnectSubscriber registers opts for the first connecting endpoint (which
// determines start_from/selector/mapper/partition_by/buffer_size/max_size
// for the whole subscription) and blocks until the actor has processed it.
func (a *Actor) ConnectSubscriber(ctx context.Context, endpointID string, sink EndpointSink, opts eventstore.SubscribeOptions) error {
	result := make(chan error, 1)
	msg := msgConnectSubscriber{endpointID: endpointID, sink: sink, opts: opts, result: result}
	select {
	case a.mailbox <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UnsubscribeEndpoint removes one endpoint and reports whether it was the
// last one (the subscription is now unsubscribed).
func (a *Actor) UnsubscribeEndpoint(ctx context.Context, endpointID string) (bool, error) {
	result := make(chan bool, 1)
	select {
	case a.mailbox <- msgUnsubscribeEndpoint{endpointID: endpointID, result: result}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case last := <-result:
		return last, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Ack applies an acknowledgement from endpointID.
func (a *Actor) Ack(ctx context.Context, endpointID string, eventNumber int64) error {
	result := make(chan error, 1)
	select {
	case a.mailbox <- msgAck{endpointID: endpointID, eventNumber: eventNumber, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops Run. It does not delete the durable row.
func (a *Actor) Shutdown() { a.send(msgShutdown{}) }

// State returns the current FSM state, for diagnostics/health/tests.
func (a *Actor) State() State { return a.sub.state }

// Run is the actor's message loop. It processes exactly one message (from
// the mailbox, the lock-loss channel, or the registration-bus topic) to
// completion before the next, and retries SUBSCRIBE periodically while
// initial or disconnected.
func (a *Actor) Run(ctx context.Context) {
	ticker := time.NewTicker(a.retryInterval)
	defer ticker.Stop()
	defer func() {
		if a.busUnsub != nil {
			a.busUnsub()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.mailbox:
			if _, ok := msg.(msgShutdown); ok {
				return
			}
			a.handle(ctx, msg)
		case lost := <-a.lostCh:
			a.handle(ctx, msgLockLost{lost: lost})
		case batch, ok := <-a.busChOrNil():
			if ok {
				a.handleNotifyBatch(ctx, batch)
			}
		case <-ticker.C:
			if a.sub.state == StateInitial || a.sub.state == StateDisconnected {
				a.handle(ctx, msgSubscribeRetry{})
			}
		}
	}
}

// busChOrNil returns a.busCh, or a nil channel (which blocks forever in a
// select) when the actor has not yet subscribed to the registration bus.
func (a *Actor) busChOrNil() <-chan notifybus.Batch {
	if a.busCh == nil {
		return nil
	}
	return a.busCh
}

func (a *Actor) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case msgSubscribeRetry:
		a.onSubscribe(ctx)
	case msgConnectSubscriber:
		m.result <- a.onConnectSubscriber(ctx, m)
	case msgUnsubscribeEndpoint:
		m.result <- a.onUnsubscribe(ctx, m.endpointID)
	case msgAck:
		m.result <- a.onAck(ctx, m.endpointID, m.eventNumber)
	case msgLockLost:
		a.onLockLost()
	}
}

func (a *Actor) handleNotifyBatch(ctx context.Context, batch notifybus.Batch) {
	events, err := a.gateway.ReadForwardByEventNumber(ctx, a.sub.StreamID, batch.FromEventNumber-1, int(batch.ToEventNumber-batch.FromEventNumber+1))
	if err != nil {
		a.logger.Warn("failed to read notified range; will recover via catch-up", logpkg.Err(err))
		return
	}
	a.onNotifyEvents(ctx, events)
}

func (a *Actor) compileEvaluator(opts eventstore.SubscribeOptions) error {
	ev, err := celfilter.Compile(opts.Selector, opts.Mapper, opts.PartitionBy)
	if err != nil {
		return err
	}
	a.sub.evaluator = ev
	return nil
}
