// Package queue implements the epochbus delivery engine: a per-queue message
// store with a ready FIFO, scheduled and deferred sets, peek-lock leasing with
// expiry-driven redelivery, and an owned dead-letter queue.
//
// Domain types (Message, ReceivedMessage, Status) live in internal/types so
// that the lease, topic and reply packages can share them. This file
// re-exports them as aliases so callers can use queue.Message / queue.Status
// directly.
package queue

import "github.com/snehjoshi/epochbus/internal/types"

// Re-export core domain types from the types package.
type (
	Message         = types.Message
	ReceivedMessage = types.ReceivedMessage
	Status          = types.Status
)

// Re-export status constants.
const (
	StatusReady     = types.StatusReady
	StatusLocked    = types.StatusLocked
	StatusDeferred  = types.StatusDeferred
	StatusScheduled = types.StatusScheduled
	StatusRemoved   = types.StatusRemoved
)

// Re-export engine dead-letter reasons.
const (
	ReasonTTLExpired               = types.ReasonTTLExpired
	ReasonMaxDeliveryCountExceeded = types.ReasonMaxDeliveryCountExceeded
)
