package subscription

import (
	"sort"

	"github.com/c-moss-talk/eventstore/internal/eventstore"
)

var (
	errUnknownSubscriber = eventstore.ErrUnknownSubscriber
	errInvalidAck        = eventstore.ErrInvalidAck
)

// connectSubscriber registers a new endpoint. If one already exists under
// the same id it is replaced (a reconnect), without touching its in-flight
// state — CONNECT_SUBSCRIBER on an id that is still live is treated as a
// no-op refresh of the sink.
func (s *Subscription) connectSubscriber(endpointID string, sink EndpointSink, bufferSize int) {
	if existing, ok := s.subscribers[endpointID]; ok {
		existing.sink = sink
		return
	}
	if bufferSize <= 0 {
		bufferSize = s.bufferSize
	}
	s.subscribers[endpointID] = newSubscriber(endpointID, sink, bufferSize)
}

// disconnectSubscriber removes endpointID, re-queuing its in-flight events
// so they become re-deliverable to another endpoint (or the same one, if it
// reconnects under a new endpoint id). Returns true if it was the last
// subscriber.
func (s *Subscription) disconnectSubscriber(endpointID string) bool {
	sub, ok := s.subscribers[endpointID]
	if ok {
		s.requeue(sub)
		delete(s.subscribers, endpointID)
	}
	return len(s.subscribers) == 0
}

// requeue prepends sub's in-flight events back onto their partition queues.
func (s *Subscription) requeue(sub *subscriber) {
	if len(sub.inFlight) == 0 {
		return
	}
	byPartition := make(map[string][]inFlightEvent)
	for _, e := range sub.inFlight {
		byPartition[e.partitionKey] = append(byPartition[e.partitionKey], e)
	}
	for key, events := range byPartition {
		s.partitionFor(key).prependDescending(events)
		s.queueSize += len(events)
	}
	sub.inFlight = nil
}

// enqueue evaluates the selector for each event in arrival order. Rejected
// events are marked processed immediately (so checkpointing can still
// advance past them) and advance last_sent; accepted events are appended to
// their partition queue. Returns an error only for a selector/mapper/
// partition_by evaluation failure, which aborts enqueue for the remaining
// events in this batch — the caller is expected to log and retry on the
// next trigger, per the no-drop invariant.
func (s *Subscription) enqueue(events []eventstore.RecordedEvent) error {
	for _, ev := range events {
		accept, err := s.evaluator.Select(ev)
		if err != nil {
			return err
		}
		if !accept {
			s.processedEventIDs[ev.EventNumber] = struct{}{}
			s.advanceLastSent(ev.EventNumber)
			continue
		}
		key, err := s.evaluator.PartitionKey(ev)
		if err != nil {
			return err
		}
		mapped, err := s.evaluator.Map(ev)
		if err != nil {
			return err
		}
		s.partitionFor(key).pushBack(queuedEvent{event: ev, mapped: mapped, partitionKey: key})
		s.queueSize++
	}
	return nil
}

func (s *Subscription) advanceLastSent(n int64) {
	if n > s.lastSent {
		s.lastSent = n
	}
}

// fanOut runs one round of the partitioned fan-out algorithm: partitions
// are visited in ascending order of their head event_number so global
// ordering is preferred; within a partition, events go to a single sticky
// endpoint at a time. It accumulates one batch per endpoint and sends each
// batch once at the end of the round, then runs checkpointing.
//
// sendBatch is called once per endpoint with that endpoint's batch. An
// error from it stops the remaining sends and is returned; batches already
// sent in the round stay sent and in flight.
func (s *Subscription) fanOut(sendBatch func(endpointID string, batch []Delivered) error) error {
	type pending struct {
		endpointID string
		batch      []Delivered
	}
	batches := make(map[string]*pending)

	for {
		keys := s.partitionKeysSortedByHead()
		if len(keys) == 0 {
			break
		}
		progressed := false
		for _, key := range keys {
			pq := s.partitions[key]
			if pq.empty() {
				continue
			}
			head := pq.peekHead()
			ep := s.selectEndpoint(key)
			if ep == nil {
				continue
			}
			pq.popHead()
			s.queueSize--
			ep.inFlight = append(ep.inFlight, inFlightEvent{event: head.event, mapped: head.mapped, partitionKey: key})
			ep.sendSeq++
			s.advanceLastSent(head.event.EventNumber)

			b, ok := batches[ep.endpointID]
			if !ok {
				b = &pending{endpointID: ep.endpointID}
				batches[ep.endpointID] = b
			}
			b.batch = append(b.batch, Delivered{Event: head.event, Mapped: head.mapped})
			progressed = true
		}
		if !progressed {
			break
		}
	}

	for _, b := range batches {
		if len(b.batch) == 0 {
			continue
		}
		if err := sendBatch(b.endpointID, b.batch); err != nil {
			return err
		}
	}
	s.checkpoint()
	s.gcEmptyPartitions()
	return nil
}

func (s *Subscription) gcEmptyPartitions() {
	for k, pq := range s.partitions {
		if pq.empty() {
			delete(s.partitions, k)
		}
	}
}

func (s *Subscription) partitionKeysSortedByHead() []string {
	keys := make([]string, 0, len(s.partitions))
	for k, pq := range s.partitions {
		if !pq.empty() {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return s.partitions[keys[i]].peekHead().event.EventNumber < s.partitions[keys[j]].peekHead().event.EventNumber
	})
	return keys
}

// selectEndpoint implements the sticky-partition, smallest-sendSeq
// round-robin endpoint selection described for partition p.
func (s *Subscription) selectEndpoint(partitionKey string) *subscriber {
	var sticky *subscriber
	for _, sub := range s.subscribers {
		if sub.holdsPartition(partitionKey) {
			sticky = sub
			break
		}
	}
	if sticky != nil {
		if sticky.available() {
			return sticky
		}
		return nil
	}

	var best *subscriber
	for _, sub := range s.subscribers {
		if !sub.available() {
			continue
		}
		if best == nil || sub.sendSeq < best.sendSeq {
			best = sub
		}
	}
	return best
}

// ack applies an acknowledgement from endpointID for every in-flight event
// with event_number <= n, then runs checkpointing.
func (s *Subscription) ack(endpointID string, n int64) error {
	sub, ok := s.subscribers[endpointID]
	if !ok {
		return errUnknownSubscriber
	}
	if len(sub.inFlight) == 0 {
		if n <= s.lastAck {
			return nil // stale ack, ignore
		}
		return errInvalidAck
	}

	i := 0
	for i < len(sub.inFlight) && sub.inFlight[i].event.EventNumber <= n {
		s.processedEventIDs[sub.inFlight[i].event.EventNumber] = struct{}{}
		i++
	}
	if i == 0 {
		if n <= s.lastAck {
			return nil
		}
		return errInvalidAck
	}
	sub.inFlight = sub.inFlight[i:]
	s.checkpoint()
	return nil
}

// checkpoint advances last_ack contiguously through processedEventIDs,
// returning whether it moved.
func (s *Subscription) checkpoint() bool {
	advanced := false
	for {
		next := s.lastAck + 1
		if _, ok := s.processedEventIDs[next]; !ok {
			break
		}
		delete(s.processedEventIDs, next)
		s.lastAck = next
		advanced = true
	}
	return advanced
}
