package eventstore

import "errors"

// Error taxonomy returned by the storage gateway and the subscription
// actors. Callers should use errors.Is against these sentinels; transport
// errors are wrapped with %w rather than collapsed into a sentinel.
var (
	ErrStreamExists              = errors.New("eventstore: stream_exists")
	ErrStreamNotFound            = errors.New("eventstore: stream_not_found")
	ErrWrongExpectedVersion      = errors.New("eventstore: wrong_expected_version")
	ErrSubscriptionAlreadyExists = errors.New("eventstore: subscription_already_exists")
	ErrUnknownSubscriber         = errors.New("eventstore: unknown_subscriber")
	ErrInvalidAck                = errors.New("eventstore: invalid_ack")
	ErrLockAlreadyTaken          = errors.New("eventstore: lock_already_taken")
	ErrNotLeader                 = errors.New("eventstore: not_leader")
)
