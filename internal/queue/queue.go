package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"

	"github.com/snehjoshi/epochbus/internal/id"
	"github.com/snehjoshi/epochbus/internal/lease"
	"github.com/snehjoshi/epochbus/internal/metrics"
	"github.com/snehjoshi/epochbus/internal/scheduler"
)

// ─── Errors ───────────────────────────────────────────────────────────────────

var (
	// ErrMessageNotFound is returned when a sequence number is unknown to the
	// queue.
	ErrMessageNotFound = errors.New("message not found")

	// ErrInvalidState is returned when a message exists but is not in the state
	// the operation requires (e.g. ReceiveDeferred on a ready message).
	ErrInvalidState = errors.New("message in invalid state for operation")

	// ErrUnsupportedOperation is returned for direct publishes to a dead-letter
	// queue and for dead-lettering a dead-letter queue's own messages.
	ErrUnsupportedOperation = errors.New("operation not supported")

	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue closed")

	// Lease errors, re-exported so callers only need this package.
	ErrLockExpired    = lease.ErrLockExpired
	ErrAlreadySettled = lease.ErrAlreadySettled
)

// ─── Per-queue config ─────────────────────────────────────────────────────────

// Config holds tunable parameters for a single queue instance.
type Config struct {
	// LockDuration is the lease length granted on every delivery.
	LockDuration time.Duration

	// MaxDeliveryAttempts is how many lock expiries a message may survive
	// before it is dead-lettered with MaxDeliveryCountExceeded.
	MaxDeliveryAttempts int

	// MaxTimeToLive is the TTL ceiling applied to every message, including
	// messages published without a TTL.
	MaxTimeToLive time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		LockDuration:        30 * time.Second,
		MaxDeliveryAttempts: 10,
		MaxTimeToLive:       7 * 24 * time.Hour,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LockDuration <= 0 {
		c.LockDuration = d.LockDuration
	}
	if c.MaxDeliveryAttempts <= 0 {
		c.MaxDeliveryAttempts = d.MaxDeliveryAttempts
	}
	if c.MaxTimeToLive <= 0 {
		c.MaxTimeToLive = d.MaxTimeToLive
	}
	return c
}

// ─── Names ────────────────────────────────────────────────────────────────────

const dlqPrefix = "__dlq__"

// DLQName returns the name of the dead-letter queue paired with queueName.
func DLQName(queueName string) string { return dlqPrefix + queueName }

// IsDLQName reports whether name follows the dead-letter naming convention.
func IsDLQName(name string) bool { return strings.HasPrefix(name, dlqPrefix) }

// ─── Options ──────────────────────────────────────────────────────────────────

// DeadLetterHook observes every message a queue moves into its dead-letter
// queue. source is the name of the queue that dead-lettered the message and
// msg is the copy as stored in the DLQ.
type DeadLetterHook func(source string, msg ReceivedMessage)

// Option is a functional option for New.
type Option func(*Queue)

// WithScheduler makes the queue register its scheduled-activation wakeups on
// a shared scheduler. The caller owns s and must Start it. Without this
// option every queue runs a private scheduler that Close stops.
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(q *Queue) { q.sched = s }
}

// WithMetrics attaches a metrics.Registry that records every transition.
func WithMetrics(reg *metrics.Registry) Option {
	return func(q *Queue) { q.metrics = reg }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithDeadLetterHook installs a hook called after every dead-letter hand-off.
func WithDeadLetterHook(h DeadLetterHook) Option {
	return func(q *Queue) { q.hook = h }
}

// ─── In-memory data structures ────────────────────────────────────────────────

// stored is the engine's own record of a message. Every field below msg is
// guarded by Queue.mu.
type stored struct {
	msg        Message
	seq        int64
	enqueuedAt time.Time
	attempts   int
	status     Status

	scheduledFor time.Time
	readyElem    *list.Element

	// gen increases on every lock so a stale expiry or settlement cannot act
	// on a later delivery of the same message.
	gen          uint64
	lease        *lease.Lease
	fromDeferred bool
}

func bySeq(a, b *stored) bool { return a.seq < b.seq }

// view projects s into the read-only form handed to consumers.
func (s *stored) view() ReceivedMessage {
	rm := ReceivedMessage{
		Message:          s.msg,
		SequenceNumber:   s.seq,
		EnqueuedAt:       s.enqueuedAt,
		DeliveryAttempts: s.attempts,
		State:            s.status,
		ScheduledFor:     s.scheduledFor,
	}
	if s.lease != nil {
		rm.LockToken = s.lease.Token()
		rm.LockedUntil = s.lease.ExpiresAt()
	}
	return rm
}

// waiter is one registered receiver in the waiting FIFO.
type waiter struct {
	handler Handler
	elem    *list.Element
}

// Handler is the receive callback. act authorizes exactly one settlement of
// msg; the callback runs outside every queue lock and may settle inline. It
// runs on the goroutine driving dispatch, so it must not block waiting for
// another delivery from the same queue.
type Handler func(msg ReceivedMessage, act *Actions)

// Stats is a point-in-time snapshot of a queue.
type Stats struct {
	Name         string
	Ready        int
	Locked       int
	Deferred     int
	Scheduled    int
	Waiting      int
	NextSequence int64
}

// Total is the number of messages held by the queue.
func (s Stats) Total() int { return s.Ready + s.Locked + s.Deferred + s.Scheduled }

// ─── Queue ────────────────────────────────────────────────────────────────────

// Queue is the epochbus delivery engine.
//
// Architecture:
//   - messages holds every live message by sequence number; index orders the
//     same records for Peek.
//   - ready is a FIFO of *stored; redeliveries are appended at the back.
//   - waiting is a FIFO of *waiter; dispatch pairs the two heads.
//   - scheduled holds messages with a future activation time. A one-shot
//     wakeup per message on the scheduler guarantees activation without other
//     traffic.
//
// mu guards state transitions only. Receiver callbacks and dead-letter
// hand-offs always run after mu is released.
//
// All public methods are safe for concurrent use.
type Queue struct {
	name  string
	owner string // scheduler owner key, unique per instance
	cfg   Config

	isDLQ bool
	dlq   *Queue

	sched     *scheduler.Scheduler
	ownsSched bool
	metrics   *metrics.Registry
	log       *slog.Logger
	hook      DeadLetterHook

	mu        sync.Mutex
	nextSeq   int64
	messages  map[int64]*stored
	index     *btree.BTreeG[*stored]
	ready     *list.List // *stored
	waiting   *list.List // *waiter
	scheduled map[int64]*stored

	// dispatch trampoline flags
	dispatching bool
	redispatch  bool

	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a queue together with its dead-letter queue (named
// DLQName(name)). Zero Config fields fall back to DefaultConfig.
//
// Call Close when the queue is no longer needed.
func New(name string, cfg Config, opts ...Option) *Queue {
	q := newQueue(name, cfg.withDefaults(), false)
	for _, o := range opts {
		o(q)
	}
	if q.log == nil {
		q.log = slog.Default()
	}
	q.log = q.log.With("queue", name)
	if q.sched == nil {
		q.sched = scheduler.New()
		q.sched.Start(context.Background())
		q.ownsSched = true
	}

	q.dlq = newQueue(DLQName(name), q.cfg, true)
	q.dlq.sched = q.sched
	q.dlq.metrics = q.metrics
	q.dlq.log = q.log.With("dlq", true)
	return q
}

func newQueue(name string, cfg Config, isDLQ bool) *Queue {
	return &Queue{
		name:      name,
		owner:     name + "#" + id.MustNew(),
		cfg:       cfg,
		isDLQ:     isDLQ,
		messages:  make(map[int64]*stored),
		index:     btree.NewG[*stored](32, bySeq),
		ready:     list.New(),
		waiting:   list.New(),
		scheduled: make(map[int64]*stored),
		done:      make(chan struct{}),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.cfg }

// DeadLetterQueue returns the paired DLQ, or nil when q is itself a DLQ.
func (q *Queue) DeadLetterQueue() *Queue { return q.dlq }

// IsDeadLetterQueue reports whether q is a dead-letter queue.
func (q *Queue) IsDeadLetterQueue() bool { return q.isDLQ }

// ─── Publish / Schedule ───────────────────────────────────────────────────────

// Publish appends msg to the ready FIFO and runs dispatch. A message with an
// empty MessageID is assigned a ULID.
func (q *Queue) Publish(msg Message) error {
	if q.isDLQ {
		return fmt.Errorf("%w: publish to dead-letter queue %q", ErrUnsupportedOperation, q.name)
	}
	if _, err := q.enqueue(msg); err != nil {
		return err
	}
	q.metrics.Record(metrics.EventPublished, q.name)
	return nil
}

// enqueue stores msg as ready and dispatches. It is also the internal
// dead-letter hand-off path, which is why it skips the DLQ check.
func (q *Queue) enqueue(msg Message) (ReceivedMessage, error) {
	if msg.MessageID == "" {
		msg.MessageID = id.MustNew()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ReceivedMessage{}, ErrClosed
	}
	s := q.insertLocked(msg, StatusReady)
	q.pushReadyLocked(s)
	view := s.view()
	q.mu.Unlock()

	q.dispatch()
	return view, nil
}

// Schedule stores msg for activation at at and returns its sequence number.
// A time at or before now activates on the next dispatch.
func (q *Queue) Schedule(msg Message, at time.Time) (int64, error) {
	if q.isDLQ {
		return 0, fmt.Errorf("%w: schedule on dead-letter queue %q", ErrUnsupportedOperation, q.name)
	}
	if msg.MessageID == "" {
		msg.MessageID = id.MustNew()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, ErrClosed
	}
	s := q.insertLocked(msg, StatusScheduled)
	s.scheduledFor = at
	q.scheduled[s.seq] = s
	seq := s.seq
	q.mu.Unlock()

	q.sched.Schedule(q.wakeupKey(seq), q.owner, at, q.dispatch)
	q.metrics.Record(metrics.EventScheduled, q.name)
	q.dispatch()
	return seq, nil
}

// CancelScheduled removes a message that has not been activated yet.
func (q *Queue) CancelScheduled(seq int64) error {
	q.mu.Lock()
	s, ok := q.messages[seq]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s sequence %d", ErrMessageNotFound, q.name, seq)
	}
	if s.status != StatusScheduled {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s sequence %d is %s, not scheduled", ErrInvalidState, q.name, seq, s.status)
	}
	q.removeLocked(s)
	q.mu.Unlock()

	q.sched.Cancel(q.wakeupKey(seq))
	return nil
}

func (q *Queue) wakeupKey(seq int64) string {
	return fmt.Sprintf("%s/%d", q.owner, seq)
}

// ─── Receive ──────────────────────────────────────────────────────────────────

// Receive registers a one-shot receiver. h is invoked once, with the next
// message dispatch pairs it with.
func (q *Queue) Receive(h Handler) error {
	if _, err := q.register(h); err != nil {
		return err
	}
	q.dispatch()
	return nil
}

func (q *Queue) register(h Handler) (*waiter, error) {
	w := &waiter{handler: h}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	w.elem = q.waiting.PushBack(w)
	return w, nil
}

// withdraw removes w from the waiting FIFO if dispatch has not popped it.
func (q *Queue) withdraw(w *waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w.elem != nil {
		q.waiting.Remove(w.elem)
		w.elem = nil
	}
}

const (
	waitPending int32 = iota
	waitResolved
	waitCancelled
)

// ReceiveMessage blocks until a message is delivered, ctx is done, or the
// queue closes. An already-cancelled ctx fails without registering. If ctx is
// cancelled while waiting the registration is withdrawn, and a message that
// raced into it is abandoned rather than dropped.
func (q *Queue) ReceiveMessage(ctx context.Context) (*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := make(chan *Delivery, 1)
	var state atomic.Int32
	w, err := q.register(func(msg ReceivedMessage, act *Actions) {
		if state.CompareAndSwap(waitPending, waitResolved) {
			ch <- &Delivery{Message: msg, Actions: act}
			return
		}
		_ = act.Abandon()
	})
	if err != nil {
		return nil, err
	}
	q.dispatch()

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
	case <-q.done:
	}

	cause := ctx.Err()
	if cause == nil {
		cause = ErrClosed
	}
	if state.CompareAndSwap(waitPending, waitCancelled) {
		q.withdraw(w)
		return nil, cause
	}
	// Delivered concurrently with cancellation: hand it back.
	d := <-ch
	_ = d.Abandon()
	return nil, cause
}

// TryReceive delivers the ready head immediately if there is one and no
// registered receiver is queued ahead of the caller. It never blocks.
func (q *Queue) TryReceive() (*Delivery, bool) {
	w := &work{}
	q.mu.Lock()
	if q.closed || q.waiting.Len() > 0 {
		q.mu.Unlock()
		return nil, false
	}
	q.sweepHeadLocked(time.Now(), w)
	head := q.ready.Front()
	var d *Delivery
	if head != nil {
		s := q.ready.Remove(head).(*stored)
		s.readyElem = nil
		act := q.lockLocked(s, false)
		d = &Delivery{Message: s.view(), Actions: act}
	}
	q.mu.Unlock()

	for _, dl := range w.deadLetters {
		q.forwardDeadLetter(dl)
	}
	if d == nil {
		return nil, false
	}
	q.metrics.Record(metrics.EventDelivered, q.name)
	return d, true
}

// ReceiveDeferred locks the deferred message seq and invokes h with it,
// bypassing the ready FIFO and the waiting receivers.
func (q *Queue) ReceiveDeferred(seq int64, h Handler) error {
	d, err := q.ReceiveDeferredMessage(seq)
	if err != nil {
		return err
	}
	h(d.Message, d.Actions)
	return nil
}

// ReceiveDeferredMessage is the synchronous form of ReceiveDeferred.
func (q *Queue) ReceiveDeferredMessage(seq int64) (*Delivery, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	s, ok := q.messages[seq]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s sequence %d", ErrMessageNotFound, q.name, seq)
	}
	if s.status != StatusDeferred {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s sequence %d is %s, not deferred", ErrInvalidState, q.name, seq, s.status)
	}
	act := q.lockLocked(s, true)
	view := s.view()
	q.mu.Unlock()

	q.metrics.Record(metrics.EventDelivered, q.name)
	return &Delivery{Message: view, Actions: act}, nil
}

// ReceiveReadyMessage locks the ready message seq out of FIFO order. It fails
// with ErrInvalidState if seq is not ready, for instance because a receiver
// has already taken it. Abandoning the delivery returns the message to the
// back of ready.
func (q *Queue) ReceiveReadyMessage(seq int64) (*Delivery, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	s, ok := q.messages[seq]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s sequence %d", ErrMessageNotFound, q.name, seq)
	}
	if s.status != StatusReady || s.readyElem == nil {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s sequence %d is %s, not ready", ErrInvalidState, q.name, seq, s.status)
	}
	q.ready.Remove(s.readyElem)
	s.readyElem = nil
	act := q.lockLocked(s, false)
	view := s.view()
	q.mu.Unlock()

	q.metrics.Record(metrics.EventDelivered, q.name)
	return &Delivery{Message: view, Actions: act}, nil
}

// ─── Peek ─────────────────────────────────────────────────────────────────────

// Peek returns the first message with sequence number >= from without
// locking it. Ready, locked and deferred messages are visible; scheduled
// messages are not until they activate.
func (q *Queue) Peek(from int64) (ReceivedMessage, bool) {
	msgs := q.PeekMany(from, 1)
	if len(msgs) == 0 {
		return ReceivedMessage{}, false
	}
	return msgs[0], true
}

// PeekMany returns up to max messages in ascending sequence order starting at
// from, with the same visibility rules as Peek.
func (q *Queue) PeekMany(from int64, max int) []ReceivedMessage {
	if max <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []ReceivedMessage
	q.index.AscendGreaterOrEqual(&stored{seq: from}, func(s *stored) bool {
		if s.status == StatusScheduled {
			return true
		}
		out = append(out, s.view())
		return len(out) < max
	})
	return out
}

// IsExpired reports whether msg has outlived min(TTL, MaxTimeToLive) as of
// now.
func (q *Queue) IsExpired(msg ReceivedMessage) bool {
	return q.expired(msg.Message, msg.EnqueuedAt, time.Now())
}

func (q *Queue) expired(msg Message, enqueuedAt, now time.Time) bool {
	limit := q.cfg.MaxTimeToLive
	if msg.TimeToLive != nil {
		if *msg.TimeToLive <= 0 {
			return true
		}
		if *msg.TimeToLive < limit {
			limit = *msg.TimeToLive
		}
	}
	return now.Sub(enqueuedAt) > limit
}

// ─── Stats / lifecycle ────────────────────────────────────────────────────────

// Stats returns a snapshot of the queue's message counts.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Stats{
		Name:         q.name,
		Ready:        q.ready.Len(),
		Scheduled:    len(q.scheduled),
		Waiting:      q.waiting.Len(),
		NextSequence: q.nextSeq,
	}
	for _, s := range q.messages {
		switch s.status {
		case StatusLocked:
			st.Locked++
		case StatusDeferred:
			st.Deferred++
		}
	}
	return st
}

// Done is closed when the queue is closed.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Len returns the number of messages held by the queue in any state.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Close stops every lease timer and scheduled wakeup, wakes blocked
// ReceiveMessage callers with ErrClosed, and closes the dead-letter queue.
// Messages still held are discarded with the queue. Close is idempotent.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.done)
		for _, s := range q.messages {
			if s.lease != nil {
				s.lease.Stop()
			}
		}
		for e := q.waiting.Front(); e != nil; e = e.Next() {
			e.Value.(*waiter).elem = nil
		}
		q.waiting.Init()
		q.mu.Unlock()

		q.sched.CancelOwner(q.owner)
		if q.dlq != nil {
			_ = q.dlq.Close()
		}
		if q.ownsSched {
			q.sched.Stop()
		}
	})
	return nil
}

// ─── store helpers (caller holds mu) ──────────────────────────────────────────

func (q *Queue) insertLocked(msg Message, status Status) *stored {
	s := &stored{
		msg:        msg,
		seq:        q.nextSeq,
		enqueuedAt: time.Now(),
		status:     status,
	}
	q.nextSeq++
	q.messages[s.seq] = s
	q.index.ReplaceOrInsert(s)
	return s
}

func (q *Queue) pushReadyLocked(s *stored) {
	s.status = StatusReady
	s.readyElem = q.ready.PushBack(s)
}

func (q *Queue) removeLocked(s *stored) {
	if s.readyElem != nil {
		q.ready.Remove(s.readyElem)
		s.readyElem = nil
	}
	delete(q.scheduled, s.seq)
	delete(q.messages, s.seq)
	q.index.Delete(s)
	s.status = StatusRemoved
	s.lease = nil
}
