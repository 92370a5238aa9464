package queue

import (
	"fmt"
	"time"

	"github.com/snehjoshi/epochbus/internal/lease"
	"github.com/snehjoshi/epochbus/internal/metrics"
)

// Actions is the settlement set for one delivery. Exactly one of Complete,
// Abandon, Defer and DeadLetter succeeds; later calls fail with
// ErrAlreadySettled, and calls after the lock expired fail with
// ErrLockExpired.
type Actions struct {
	q     *Queue
	s     *stored
	gen   uint64
	lease *lease.Lease

	complete, abandon, deferMsg func() error
}

// newActions builds the lease-guarded settlement closures for delivery gen
// of s.
func newActions(q *Queue, s *stored, gen uint64, l *lease.Lease) *Actions {
	a := &Actions{q: q, s: s, gen: gen, lease: l}
	a.complete = a.guard(settleComplete, "", "")
	a.abandon = a.guard(settleAbandon, "", "")
	a.deferMsg = a.guard(settleDefer, "", "")
	return a
}

// guard returns the settlement kind wrapped in the lease's single-settlement
// handler.
func (a *Actions) guard(kind settlement, reason, description string) func() error {
	return a.lease.Handler(func() error {
		return a.q.settle(a.s, a.gen, kind, reason, description)
	})
}

// Delivery pairs a received message with its settlement actions. It is what
// ReceiveMessage and ReceiveDeferredMessage return.
type Delivery struct {
	Message ReceivedMessage
	*Actions
}

type settlement uint8

const (
	settleComplete settlement = iota
	settleAbandon
	settleDefer
	settleDeadLetter
)

// LockToken returns the token of the lease backing this delivery.
func (a *Actions) LockToken() string { return a.lease.Token() }

// LockedUntil returns the current lease deadline.
func (a *Actions) LockedUntil() time.Time { return a.lease.ExpiresAt() }

// Complete removes the message permanently.
func (a *Actions) Complete() error { return a.complete() }

// Abandon releases the lock. The message goes to the back of ready, or back
// to deferred if it was obtained with ReceiveDeferred. The delivery count is
// not incremented.
func (a *Actions) Abandon() error { return a.abandon() }

// Defer releases the lock and parks the message until ReceiveDeferred asks
// for it by sequence number.
func (a *Actions) Defer() error { return a.deferMsg() }

// DeadLetter removes the message and publishes a copy carrying reason and
// description into the dead-letter queue. It fails with
// ErrUnsupportedOperation on a dead-letter queue's own messages, without
// consuming the settlement.
func (a *Actions) DeadLetter(reason, description string) error {
	if a.q.isDLQ {
		return fmt.Errorf("%w: dead-letter from dead-letter queue %q", ErrUnsupportedOperation, a.q.name)
	}
	return a.guard(settleDeadLetter, reason, description)()
}

// RenewLock extends the lease to now + LockDuration.
func (a *Actions) RenewLock() error { return a.lease.Renew() }

// settle applies a lease-authorized settlement to delivery gen of s.
func (q *Queue) settle(s *stored, gen uint64, kind settlement, reason, description string) error {
	q.mu.Lock()
	if s.gen != gen || s.status != StatusLocked {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s sequence %d is %s", ErrInvalidState, q.name, s.seq, s.status)
	}
	s.lease = nil
	fromDeferred := s.fromDeferred
	s.fromDeferred = false

	var (
		dl *deadLetter
		ev metrics.Event
	)
	switch kind {
	case settleComplete:
		q.removeLocked(s)
		ev = metrics.EventCompleted
	case settleAbandon:
		if fromDeferred {
			s.status = StatusDeferred
		} else {
			q.pushReadyLocked(s)
		}
		ev = metrics.EventAbandoned
	case settleDefer:
		s.status = StatusDeferred
		ev = metrics.EventDeferred
	case settleDeadLetter:
		q.removeLocked(s)
		dl = &deadLetter{msg: deadLetterCopy(s.msg, reason, description), reason: reason}
	}
	q.mu.Unlock()

	if dl != nil {
		q.forwardDeadLetter(*dl)
	} else {
		q.metrics.Record(ev, q.name)
	}
	q.dispatch()
	return nil
}
