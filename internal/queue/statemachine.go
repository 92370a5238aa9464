package queue

// Stored message lifecycle transition rules.
//
//	SCHEDULED ──► READY ◄──────────────┐
//	   │            │                  │ (abandon / lock expiry)
//	   │            ▼                  │
//	   │         LOCKED ───────────────┤
//	   │            │                  │
//	   │      ┌─────┼──────────┐       │
//	   ▼      ▼     ▼          ▼       │
//	REMOVED ◄─┘  DEFERRED ──► LOCKED ──┘ (receive deferred)
//	(complete / dead-letter / TTL / cancel)

// ValidTransition reports whether the transition from → to is a legal state
// change for a stored message.
//
// The queue drives every transition through its own methods; this table is
// what those methods are tested against.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusScheduled:
		// Activation, or CancelScheduled before activation.
		return to == StatusReady || to == StatusRemoved
	case StatusReady:
		// Paired with a receiver, or swept by the TTL check.
		return to == StatusLocked || to == StatusRemoved
	case StatusLocked:
		// Complete / dead-letter → REMOVED, abandon / expiry → READY or back to
		// DEFERRED (for deferred-origin leases), defer → DEFERRED.
		return to == StatusRemoved || to == StatusReady || to == StatusDeferred
	case StatusDeferred:
		// Only ReceiveDeferred can take a message out of DEFERRED.
		return to == StatusLocked
	case StatusRemoved:
		return false
	}
	return false
}
