// Package types contains the core domain types shared across all epochbus
// internal packages. It deliberately has zero imports of other epochbus
// packages so that the lease, queue, topic and reply layers can all import it
// without creating import cycles.
package types

import "time"

// Status is the lifecycle state of a stored message inside a queue.
// Exactly one status holds for a message at any instant.
type Status uint8

const (
	// StatusReady means the message sits in the ready FIFO waiting for a
	// receiver.
	StatusReady Status = iota
	// StatusLocked means the message has been delivered under a lease and is
	// awaiting settlement within the lock window.
	StatusLocked
	// StatusDeferred means the message was deferred by a consumer. It stays in
	// the store but is only retrievable by sequence number.
	StatusDeferred
	// StatusScheduled means the message has a future activation time and is
	// not yet visible to receivers.
	StatusScheduled
	// StatusRemoved means the message has left the store: completed,
	// dead-lettered, expired, or cancelled while scheduled.
	StatusRemoved
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusLocked:
		return "locked"
	case StatusDeferred:
		return "deferred"
	case StatusScheduled:
		return "scheduled"
	case StatusRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Dead-letter reasons set by the engine itself.
const (
	ReasonTTLExpired               = "TTLExpired"
	ReasonMaxDeliveryCountExceeded = "MaxDeliveryCountExceeded"
)

// Message is an immutable publish request. It is owned by the caller until it
// is handed to Publish or Schedule, after which the queue keeps its own copy.
type Message struct {
	// MessageID is a free-form identifier. When empty the queue assigns a ULID
	// at publish time.
	MessageID string

	// CorrelationID links a reply to its originating request. Payloads that
	// implement Correlated take precedence over this field.
	CorrelationID string

	// TimeToLive bounds how long the message may wait in the ready FIFO.
	// Nil means unset and the owning queue's MaxTimeToLive ceiling applies.
	// A value <= 0 means the message is already expired on arrival.
	TimeToLive *time.Duration

	// Payload is opaque to the engine.
	Payload any

	// DeadLetterReason and DeadLetterDescription are only set on copies that
	// were re-published into a dead-letter queue.
	DeadLetterReason      string
	DeadLetterDescription string
}

// ReceivedMessage is the read-only projection of a stored message handed to
// consumers and returned by Peek. SequenceNumber is the stable handle for
// later operations (ReceiveDeferred, CancelScheduled).
type ReceivedMessage struct {
	Message

	SequenceNumber   int64
	EnqueuedAt       time.Time
	DeliveryAttempts int
	State            Status

	// ScheduledFor is the activation time of a scheduled message. Zero once
	// the message has been activated or if it was never scheduled.
	ScheduledFor time.Time

	// LockToken and LockedUntil are set only on deliveries.
	LockToken   string
	LockedUntil time.Time
}

// Deferred reports whether the message was deferred at the time of the
// projection.
func (m ReceivedMessage) Deferred() bool { return m.State == StatusDeferred }

// TTL returns a pointer to d for use as Message.TimeToLive.
func TTL(d time.Duration) *time.Duration { return &d }

// Correlated is implemented by payloads that carry a correlation identifier
// for the request/reply pattern.
type Correlated interface {
	CorrelationID() string
}
