package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c-moss-talk/eventstore/internal/notifybus"
	logpkg "github.com/c-moss-talk/eventstore/pkg/log"
)

// key identifies one subscription actor by the pair the durable row is
// unique on.
type key struct {
	streamID string
	name     string
}

// Supervisor keeps exactly one live Actor per (stream_id, subscription_name)
// and starts one on first connect. It does not restart actors that exit
// (Shutdown/ctx cancellation). An actor whose last endpoint unsubscribes
// does not exit: it stays registered in the unsubscribed state and serves
// the next connect.
type Supervisor struct {
	gateway          StorageGateway
	lockManager      LockManager
	bus              *notifybus.Bus
	logger           logpkg.Logger
	retryInterval    time.Duration
	catchUpBatchSize int

	mu      sync.Mutex
	actors  map[key]*Actor
	cancels map[key]context.CancelFunc
}

// NewSupervisor wires together the shared dependencies every actor it
// spawns will use.
func NewSupervisor(gateway StorageGateway, lockManager LockManager, bus *notifybus.Bus, logger logpkg.Logger, retryInterval time.Duration, catchUpBatchSize int) *Supervisor {
	return &Supervisor{
		gateway:          gateway,
		lockManager:      lockManager,
		bus:              bus,
		logger:           logger,
		retryInterval:    retryInterval,
		catchUpBatchSize: catchUpBatchSize,
		actors:           make(map[key]*Actor),
		cancels:          make(map[key]context.CancelFunc),
	}
}

// ActorFor returns the actor for (streamID, name), starting one if none is
// currently running.
func (sup *Supervisor) ActorFor(streamID, name string) *Actor {
	k := key{streamID: streamID, name: name}

	sup.mu.Lock()
	defer sup.mu.Unlock()

	if a, ok := sup.actors[k]; ok {
		return a
	}
	a := NewActor(streamID, name, sup.gateway, sup.lockManager, sup.bus, sup.logger, sup.retryInterval, sup.catchUpBatchSize)
	ctx, cancel := context.WithCancel(context.Background())
	sup.actors[k] = a
	sup.cancels[k] = cancel
	go func() {
		a.Run(ctx)
		sup.forget(k)
	}()
	return a
}

// forget drops a terminated actor from the registry so a later reconnect
// starts a fresh one.
func (sup *Supervisor) forget(k key) {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	delete(sup.actors, k)
	delete(sup.cancels, k)
}

// Delete stops the actor (if any) and removes the durable subscription row.
// It is the only path that actually erases subscription state; plain
// UNSUBSCRIBE leaves the row and watermark intact for a future resubscribe.
func (sup *Supervisor) Delete(ctx context.Context, streamID, name string) error {
	k := key{streamID: streamID, name: name}

	sup.mu.Lock()
	if cancel, ok := sup.cancels[k]; ok {
		cancel()
	}
	delete(sup.actors, k)
	delete(sup.cancels, k)
	sup.mu.Unlock()

	if err := sup.gateway.DeleteSubscription(ctx, streamID, name); err != nil {
		return fmt.Errorf("supervisor: delete subscription %s/%s: %w", streamID, name, err)
	}
	return nil
}

// Shutdown stops every live actor. It does not delete any durable state.
func (sup *Supervisor) Shutdown() {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	for _, cancel := range sup.cancels {
		cancel()
	}
}
