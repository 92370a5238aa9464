package queue

import (
	"sort"
	"time"

	"github.com/snehjoshi/epochbus/internal/lease"
	"github.com/snehjoshi/epochbus/internal/metrics"
)

// delivery is one receiver/message pairing produced under the lock and
// invoked after it is released.
type delivery struct {
	handler Handler
	msg     ReceivedMessage
	act     *Actions
}

// deadLetter is a DLQ hand-off produced under the lock.
type deadLetter struct {
	msg    Message
	reason string
}

// work is everything one dispatch pass must do outside the lock.
type work struct {
	deliveries  []delivery
	deadLetters []deadLetter
	activated   int
}

func (w *work) empty() bool {
	return len(w.deliveries) == 0 && len(w.deadLetters) == 0 && w.activated == 0
}

// dispatch runs the expire → activate → pair loop until no progress is made.
//
// Callbacks invoked from here commonly settle inline, which re-enters
// dispatch. Only one goroutine runs the loop at a time: a re-entrant or
// concurrent call sets redispatch and returns, and the owner goes round again.
func (q *Queue) dispatch() {
	q.mu.Lock()
	if q.dispatching {
		q.redispatch = true
		q.mu.Unlock()
		return
	}
	q.dispatching = true

	for {
		q.redispatch = false
		w := q.collectLocked(time.Now())
		q.mu.Unlock()

		q.run(w)

		q.mu.Lock()
		// Cleared under the same lock hold that observed no more work, so a
		// concurrent caller either sees dispatching=false or is seen here.
		if w.empty() && !q.redispatch {
			q.dispatching = false
			q.mu.Unlock()
			return
		}
	}
}

// collectLocked performs one pass of state transitions. Caller holds mu.
func (q *Queue) collectLocked(now time.Time) *work {
	w := &work{}
	if q.closed {
		return w
	}

	q.sweepHeadLocked(now, w)
	q.activateDueLocked(now, w)

	for q.waiting.Len() > 0 {
		q.sweepHeadLocked(now, w)
		head := q.ready.Front()
		if head == nil {
			break
		}
		s := q.ready.Remove(head).(*stored)
		s.readyElem = nil
		rcv := q.waiting.Remove(q.waiting.Front()).(*waiter)
		rcv.elem = nil

		act := q.lockLocked(s, false)
		w.deliveries = append(w.deliveries, delivery{
			handler: rcv.handler,
			msg:     s.view(),
			act:     act,
		})
	}
	return w
}

// sweepHeadLocked dead-letters expired messages at the head of ready.
// Dead-letter queues never expire their messages.
func (q *Queue) sweepHeadLocked(now time.Time, w *work) {
	if q.isDLQ {
		return
	}
	for head := q.ready.Front(); head != nil; head = q.ready.Front() {
		s := head.Value.(*stored)
		if !q.expired(s.msg, s.enqueuedAt, now) {
			return
		}
		q.removeLocked(s)
		w.deadLetters = append(w.deadLetters, deadLetter{
			msg:    deadLetterCopy(s.msg, ReasonTTLExpired, ""),
			reason: ReasonTTLExpired,
		})
	}
}

// activateDueLocked moves due scheduled messages to the back of ready in
// activation-time order, then sequence order.
func (q *Queue) activateDueLocked(now time.Time, w *work) {
	if len(q.scheduled) == 0 {
		return
	}
	var due []*stored
	for _, s := range q.scheduled {
		if !now.Before(s.scheduledFor) {
			due = append(due, s)
		}
	}
	if len(due) == 0 {
		return
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].scheduledFor.Equal(due[j].scheduledFor) {
			return due[i].seq < due[j].seq
		}
		return due[i].scheduledFor.Before(due[j].scheduledFor)
	})
	for _, s := range due {
		delete(q.scheduled, s.seq)
		s.scheduledFor = time.Time{}
		q.pushReadyLocked(s)
	}
	w.activated = len(due)
}

// lockLocked marks s locked under a fresh lease and returns its action set.
func (q *Queue) lockLocked(s *stored, fromDeferred bool) *Actions {
	s.status = StatusLocked
	s.fromDeferred = fromDeferred
	s.gen++
	gen := s.gen
	s.lease = lease.New(q.cfg.LockDuration, func() { q.expire(s, gen) })
	return newActions(q, s, gen, s.lease)
}

// run performs the out-of-lock half of a dispatch pass.
func (q *Queue) run(w *work) {
	for _, dl := range w.deadLetters {
		q.forwardDeadLetter(dl)
	}
	if w.activated > 0 {
		q.log.Debug("scheduled messages activated", "count", w.activated)
	}
	for _, d := range w.deliveries {
		q.metrics.Record(metrics.EventDelivered, q.name)
		d.handler(d.msg, d.act)
	}
}

// ─── Lock expiry ──────────────────────────────────────────────────────────────

// expire is the lease expiry callback for delivery gen of s.
func (q *Queue) expire(s *stored, gen uint64) {
	q.mu.Lock()
	if s.gen != gen || s.status != StatusLocked {
		q.mu.Unlock()
		return
	}
	s.lease = nil
	s.attempts++
	attempts := s.attempts

	var dl *deadLetter
	switch {
	case !q.isDLQ && attempts > q.cfg.MaxDeliveryAttempts:
		q.removeLocked(s)
		dl = &deadLetter{
			msg:    deadLetterCopy(s.msg, ReasonMaxDeliveryCountExceeded, ""),
			reason: ReasonMaxDeliveryCountExceeded,
		}
	case s.fromDeferred:
		s.status = StatusDeferred
	default:
		q.pushReadyLocked(s)
	}
	s.fromDeferred = false
	q.mu.Unlock()

	q.metrics.Record(metrics.EventLockExpired, q.name)
	q.log.Debug("lock expired", "seq", s.seq, "attempts", attempts)
	if dl != nil {
		q.forwardDeadLetter(*dl)
	}
	q.dispatch()
}

// ─── Dead-letter hand-off ─────────────────────────────────────────────────────

func deadLetterCopy(msg Message, reason, description string) Message {
	msg.TimeToLive = nil
	msg.DeadLetterReason = reason
	msg.DeadLetterDescription = description
	return msg
}

// forwardDeadLetter publishes dl into the DLQ and notifies the hook.
func (q *Queue) forwardDeadLetter(dl deadLetter) {
	if q.dlq == nil {
		return
	}
	rm, err := q.dlq.enqueue(dl.msg)
	if err != nil {
		q.log.Warn("dead-letter hand-off failed",
			"message_id", dl.msg.MessageID, "reason", dl.reason, "err", err)
		return
	}
	q.metrics.RecordDeadLetter(q.name, dl.reason)
	q.log.Debug("message dead-lettered",
		"message_id", dl.msg.MessageID, "reason", dl.reason, "dlq_seq", rm.SequenceNumber)
	if q.hook != nil {
		q.hook(q.name, rm)
	}
}
