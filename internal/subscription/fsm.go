package subscription

import (
	"context"

	"github.com/c-moss-talk/eventstore/internal/eventstore"
	logpkg "github.com/c-moss-talk/eventstore/pkg/log"
)

// onConnectSubscriber handles CONNECT_SUBSCRIBER, valid in any state. The
// first endpoint to connect fixes start_from/selector/mapper/partition_by/
// buffer_size/max_size for the subscription's whole lifetime; later
// connects just add another endpoint to the fan-out set.
func (a *Actor) onConnectSubscriber(ctx context.Context, m msgConnectSubscriber) error {
	first := len(a.sub.subscribers) == 0 && a.sub.state == StateInitial
	if first {
		a.opts = m.opts
		if err := a.compileEvaluator(m.opts); err != nil {
			return err
		}
		a.sub.bufferSize = m.opts.BufferSize
		a.sub.maxSize = m.opts.MaxSize
		if a.sub.bufferSize <= 0 {
			a.sub.bufferSize = 1
		}
		if a.sub.maxSize <= 0 {
			a.sub.maxSize = 1000
		}
	}

	if _, reconnect := a.sub.subscribers[m.endpointID]; !reconnect {
		limit := a.opts.ConcurrencyLimit
		if limit <= 0 {
			limit = 1
		}
		if len(a.sub.subscribers) >= limit {
			return eventstore.ErrSubscriptionAlreadyExists
		}
	}

	bufferSize := m.opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = a.sub.bufferSize
	}
	a.sub.connectSubscriber(m.endpointID, m.sink, bufferSize)

	switch a.sub.state {
	case StateInitial:
		a.onSubscribe(ctx)
	case StateDisconnected:
		a.onSubscribe(ctx)
	case StateSubscribed, StateMaxCapacity, StateCatchingUp:
		return a.sub.fanOut(a.deliver)
	case StateUnsubscribed:
		a.sub.state = StateInitial
		a.onSubscribe(ctx)
	}
	return nil
}

// onUnsubscribe handles UNSUBSCRIBE for one endpoint. If it is the last
// endpoint the subscription releases its lock and registration-bus
// subscription and moves to unsubscribed; the durable row is left intact
// (it only disappears via an explicit delete_subscription call).
func (a *Actor) onUnsubscribe(ctx context.Context, endpointID string) bool {
	last := a.sub.disconnectSubscriber(endpointID)
	if !last {
		return false
	}
	a.releaseLock(ctx)
	a.unsubscribeFromBus()
	a.sub.state = StateUnsubscribed
	a.logger.Info("subscription unsubscribed, no endpoints remain")
	return true
}

// onAck handles ACK_EVENTS from one endpoint: apply it to the subscriber
// set, persist the new watermark if it advanced, and pump the fan-out loop
// again since acking frees buffer slots. Because notifybus delivery is
// at-most-once, a drained queue (queue_size back to zero) doesn't mean
// there's nothing left upstream — a notification could have been dropped
// while we were full. Draining is therefore the trigger to re-run
// catch_up_from_stream and confirm last_received is really caught up with
// the log, the same way request_catch_up/max_capacity re-check on every ACK.
func (a *Actor) onAck(ctx context.Context, endpointID string, n int64) error {
	prevAck := a.sub.lastAck
	if err := a.sub.ack(endpointID, n); err != nil {
		return err
	}
	if a.sub.lastAck != prevAck {
		if err := a.gateway.AckLastSeenEvent(ctx, a.sub.StreamID, a.sub.SubscriptionName, a.sub.lastAck); err != nil {
			a.logger.Warn("failed to persist last_seen watermark", logpkg.Err(err))
		}
	}
	if a.sub.state == StateMaxCapacity && a.sub.queueSize < a.sub.maxSize {
		a.sub.state = StateSubscribed
	}
	if a.sub.queueSize == 0 && (a.sub.state == StateSubscribed || a.sub.state == StateMaxCapacity || a.sub.state == StateRequestCatchUp) {
		a.sub.state = StateRequestCatchUp
		a.catchUp(ctx)
		return nil
	}
	return a.sub.fanOut(a.deliver)
}

// onSubscribe handles SUBSCRIBE from initial/disconnected: create-or-find
// the durable subscription row, try to take the advisory lock keyed by its
// id, and on success begin catch-up. On failure (lock already held
// elsewhere, or a transport error) it stays in its current state and is
// retried by the actor's ticker.
func (a *Actor) onSubscribe(ctx context.Context) {
	startFrom, err := a.resolveStartFrom(ctx)
	if err != nil {
		a.logger.Warn("failed to resolve start_from, will retry", logpkg.Err(err))
		return
	}

	row, err := a.gateway.SubscribeToStream(ctx, a.sub.StreamID, a.sub.SubscriptionName, startFrom)
	if err != nil {
		a.logger.Warn("failed to create/find subscription row, will retry", logpkg.Err(err))
		return
	}
	a.sub.SubscriptionID = row.ID

	ref, err := a.lockManager.TryAcquire(ctx, row.ID, a.lostCh)
	if err != nil {
		a.logger.Debug("advisory lock not acquired, will retry", logpkg.Err(err))
		return
	}
	a.sub.lockRef = &ref

	a.sub.lastReceived = row.LastSeen
	a.sub.lastSent = row.LastSeen
	a.sub.lastAck = row.LastSeen

	ch, unsub := a.bus.Subscribe(a.sub.StreamID)
	a.busCh = ch
	a.busUnsub = unsub

	a.logger.Info("advisory lock acquired, beginning catch-up", logpkg.SubscriptionID(a.sub.SubscriptionID))
	a.sub.state = StateRequestCatchUp
	a.catchUp(ctx)
}

// resolveStartFrom turns the first endpoint's requested StartFrom into an
// absolute event_number: the first event to deliver, so the durable row
// starts with last_seen one below it. origin means "from the beginning"
// (event 1); current means "skip everything already in the log" (one past
// the log's current head).
func (a *Actor) resolveStartFrom(ctx context.Context) (int64, error) {
	sf := a.opts.StartFrom
	if sf.Origin {
		return 1, nil
	}
	if sf.Current {
		head, err := a.gateway.CurrentEventNumber(ctx, a.sub.StreamID)
		if err != nil {
			return 0, err
		}
		return head + 1, nil
	}
	return sf.EventNumber, nil
}

// catchUp reads the backlog after last_received in batches until the
// subscription reaches the log's current head, then transitions to
// subscribed for live delivery. It runs synchronously inside the actor
// goroutine, which is safe because each subscription has its own actor.
func (a *Actor) catchUp(ctx context.Context) {
	a.sub.state = StateCatchingUp
	for {
		events, err := a.gateway.ReadForwardByEventNumber(ctx, a.sub.StreamID, a.sub.lastReceived, a.catchUpBatchSize)
		if err != nil {
			a.logger.Warn("catch-up read failed, will retry on next trigger", logpkg.Err(err))
			return
		}
		if len(events) == 0 {
			break
		}
		a.sub.lastReceived = events[len(events)-1].EventNumber
		if err := a.sub.enqueue(events); err != nil {
			a.logger.Warn("catch-up enqueue failed, will retry on next trigger", logpkg.Err(err))
			return
		}
		if err := a.sub.fanOut(a.deliver); err != nil {
			a.logger.Warn("catch-up fan-out failed", logpkg.Err(err))
			return
		}
		if a.sub.queueSize >= a.sub.maxSize {
			a.sub.state = StateMaxCapacity
			return
		}
		if len(events) < a.catchUpBatchSize {
			break
		}
	}
	a.sub.state = StateSubscribed
}

// onNotifyEvents handles a NOTIFY_EVENTS batch delivered via the
// registration bus while subscribed (or catching up, in which case it is a
// redundant wake-up — the next catch-up pass will pick the events up
// anyway and this enqueue is still correct since enqueue only ever
// advances forward). notifybus delivery is at-most-once (a full subscriber
// channel drops the batch rather than blocking), so the first fresh event
// number is not guaranteed to be last_received+1; when it isn't, this is a
// gap rather than live traffic, and the only safe recovery is a storage
// read of whatever was missed instead of trusting the notified range.
func (a *Actor) onNotifyEvents(ctx context.Context, events []eventstore.RecordedEvent) {
	if a.sub.state == StateUnsubscribed || a.sub.state == StateInitial || a.sub.state == StateDisconnected {
		return
	}
	fresh := make([]eventstore.RecordedEvent, 0, len(events))
	for _, ev := range events {
		if ev.EventNumber > a.sub.lastReceived {
			fresh = append(fresh, ev)
		}
	}
	if len(fresh) == 0 {
		return
	}
	if fresh[0].EventNumber > a.sub.lastReceived+1 {
		a.logger.Warn("gap in notified events, falling back to catch-up",
			logpkg.Int64("last_received", a.sub.lastReceived),
			logpkg.Int64("first_notified", fresh[0].EventNumber))
		a.catchUp(ctx)
		return
	}
	a.sub.lastReceived = fresh[len(fresh)-1].EventNumber
	if err := a.sub.enqueue(fresh); err != nil {
		a.logger.Warn("enqueue of notified events failed", logpkg.Err(err))
		return
	}
	if a.sub.queueSize >= a.sub.maxSize {
		a.sub.state = StateMaxCapacity
	}
	if err := a.sub.fanOut(a.deliver); err != nil {
		a.logger.Warn("fan-out failed", logpkg.Err(err))
	}
}

// onLockLost handles the advisory-lock manager reporting that the session
// holding our lock died. The subscription purges all in-flight/queued
// state (none of it is durable) and falls back to disconnected, from which
// it will periodically retry SUBSCRIBE.
func (a *Actor) onLockLost() {
	a.unsubscribeFromBus()
	a.sub.lockRef = nil
	a.sub.partitions = make(map[string]*partitionQueue)
	a.sub.queueSize = 0
	a.sub.processedEventIDs = make(map[int64]struct{})
	for _, sub := range a.sub.subscribers {
		sub.inFlight = nil
	}
	a.sub.state = StateDisconnected
	a.logger.Warn("advisory lock lost, subscription disconnected")
}

func (a *Actor) releaseLock(ctx context.Context) {
	if a.sub.lockRef == nil {
		return
	}
	if err := a.lockManager.Release(ctx, *a.sub.lockRef); err != nil {
		a.logger.Warn("failed to release advisory lock", logpkg.Err(err))
	}
	a.sub.lockRef = nil
}

func (a *Actor) unsubscribeFromBus() {
	if a.busUnsub != nil {
		a.busUnsub()
		a.busUnsub = nil
		a.busCh = nil
	}
}

// deliver is the sendBatch hook fanOut calls once per endpoint per round.
func (a *Actor) deliver(endpointID string, batch []Delivered) error {
	sub, ok := a.sub.subscribers[endpointID]
	if !ok {
		return nil
	}
	if err := sub.sink.Send(batch); err != nil {
		a.logger.Warn("endpoint sink failed, disconnecting it", logpkg.EndpointID(endpointID), logpkg.Err(err))
		a.sub.disconnectSubscriber(endpointID)
		return nil
	}
	return nil
}
