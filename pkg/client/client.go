// Package client is the typed Go API for epochbus.
//
// # Quick start
//
//	b, _ := broker.New(cfg)
//	c := client.New(b)
//
//	// Send
//	s, _ := client.NewSender[Order](c, "orders")
//	err := s.Publish(ctx, client.Message[Order]{Payload: order})
//
//	// Send in 1 hour
//	seq, err := s.Schedule(ctx, client.Message[Order]{Payload: order}, time.Now().Add(time.Hour))
//
//	// Receive
//	r, _ := client.NewReceiver[Order](c, "orders", client.ReceiverOptions{})
//	m, err := r.ReceiveMessage(ctx)
//	process(m.Payload)
//	r.Complete(m)
//
// # Error handling
//
// A message whose payload is not a T is abandoned back to its queue and
// ErrPayloadTypeMismatch is returned. Settlement on a ReceiveAndDelete
// receiver returns ErrUnsupportedOperation. Lock and state errors are the
// queue package's sentinels and can be checked with errors.Is.
//
// # Concurrency
//
// Client, Sender, Receiver and ReplyReceiver are safe for concurrent use.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/snehjoshi/epochbus/internal/broker"
	"github.com/snehjoshi/epochbus/internal/queue"
	"github.com/snehjoshi/epochbus/internal/reply"
	"github.com/snehjoshi/epochbus/internal/types"
)

// ─── Errors ───────────────────────────────────────────────────────────────────

var (
	// ErrPayloadTypeMismatch is returned when a message's payload does not
	// have the receiver's payload type.
	ErrPayloadTypeMismatch = errors.New("client: payload type mismatch")

	// ErrUnsupportedOperation is returned for settlement on a receiver that
	// is not in PeekLock mode.
	ErrUnsupportedOperation = queue.ErrUnsupportedOperation

	// ErrLockExpired is returned when settling a message the receiver no
	// longer holds a lock for.
	ErrLockExpired = queue.ErrLockExpired
)

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRateLimit overrides the producers section of the broker's config.
// Every Sender created from the client gets its own token bucket of maxRate
// messages per second with the given burst. maxRate <= 0 disables throttling.
func WithRateLimit(maxRate, burst int) ClientOption {
	return func(c *Client) {
		c.maxRate = maxRate
		c.burst = burst
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client creates typed senders and receivers for the entities of one broker.
type Client struct {
	b       *broker.Broker
	maxRate int
	burst   int
	log     *slog.Logger
}

// New creates a Client for b.
func New(b *broker.Broker, opts ...ClientOption) *Client {
	p := b.Config().Producers
	c := &Client{b: b, maxRate: p.MaxRate, burst: p.Burst}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// Broker returns the underlying broker.
func (c *Client) Broker() *broker.Broker { return c.b }

func (c *Client) limiter() *rate.Limiter {
	if c.maxRate <= 0 {
		return nil
	}
	burst := c.burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.maxRate), burst)
}

// ─── Messages ─────────────────────────────────────────────────────────────────

// Message is a typed outgoing message.
type Message[T any] struct {
	// MessageID is optional. A ULID is assigned when empty.
	MessageID     string
	CorrelationID string
	// TimeToLive is optional; build it with types.TTL.
	TimeToLive *time.Duration
	Payload    T
}

func (m Message[T]) untyped() queue.Message {
	return queue.Message{
		MessageID:     m.MessageID,
		CorrelationID: m.CorrelationID,
		TimeToLive:    m.TimeToLive,
		Payload:       m.Payload,
	}
}

// ReceivedMessage is a typed message as seen by a receiver.
type ReceivedMessage[T any] struct {
	Message[T]
	DeadLetterReason      string
	DeadLetterDescription string
	SequenceNumber        int64
	EnqueuedAt            time.Time
	DeliveryAttempts      int
	State                 types.Status
	ScheduledFor          time.Time
	LockToken             string
	LockedUntil           time.Time
}

// typed converts rm, reporting false when its payload is not a T. A nil
// payload converts to T's zero value.
func typed[T any](rm queue.ReceivedMessage) (*ReceivedMessage[T], bool) {
	var payload T
	if rm.Payload != nil {
		p, ok := rm.Payload.(T)
		if !ok {
			return nil, false
		}
		payload = p
	}
	return &ReceivedMessage[T]{
		Message: Message[T]{
			MessageID:     rm.MessageID,
			CorrelationID: rm.CorrelationID,
			TimeToLive:    rm.TimeToLive,
			Payload:       payload,
		},
		DeadLetterReason:      rm.DeadLetterReason,
		DeadLetterDescription: rm.DeadLetterDescription,
		SequenceNumber:        rm.SequenceNumber,
		EnqueuedAt:            rm.EnqueuedAt,
		DeliveryAttempts:      rm.DeliveryAttempts,
		State:                 rm.State,
		ScheduledFor:          rm.ScheduledFor,
		LockToken:             rm.LockToken,
		LockedUntil:           rm.LockedUntil,
	}, true
}

func mismatch[T any](rm queue.ReceivedMessage) error {
	var want T
	return fmt.Errorf("%w: sequence %d carries %T, want %T", ErrPayloadTypeMismatch, rm.SequenceNumber, rm.Payload, want)
}

// ─── Sender ───────────────────────────────────────────────────────────────────

// Sender publishes typed messages to a queue or topic.
type Sender[T any] struct {
	target  broker.Target
	limiter *rate.Limiter
}

// NewSender creates a sender for the queue or topic called name.
func NewSender[T any](c *Client, name string) (*Sender[T], error) {
	t, err := c.b.Target(name)
	if err != nil {
		return nil, err
	}
	return &Sender[T]{target: t, limiter: c.limiter()}, nil
}

func (s *Sender[T]) wait(ctx context.Context) error {
	if s.limiter == nil {
		return ctx.Err()
	}
	return s.limiter.Wait(ctx)
}

// Publish sends msg.
func (s *Sender[T]) Publish(ctx context.Context, msg Message[T]) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	return s.target.Publish(msg.untyped())
}

// PublishBatch sends msgs in order and stops at the first failure. It
// returns how many were sent.
func (s *Sender[T]) PublishBatch(ctx context.Context, msgs []Message[T]) (int, error) {
	for i, m := range msgs {
		if err := s.wait(ctx); err != nil {
			return i, err
		}
		if err := s.target.Publish(m.untyped()); err != nil {
			return i, fmt.Errorf("publish batch item %d: %w", i, err)
		}
	}
	return len(msgs), nil
}

// Schedule stores msg for activation at at and returns its sequence number.
func (s *Sender[T]) Schedule(ctx context.Context, msg Message[T], at time.Time) (int64, error) {
	if err := s.wait(ctx); err != nil {
		return 0, err
	}
	return s.target.Schedule(msg.untyped(), at)
}

// CancelScheduled removes a scheduled message that has not activated yet.
func (s *Sender[T]) CancelScheduled(seq int64) error {
	return s.target.CancelScheduled(seq)
}

// ─── Receiver ─────────────────────────────────────────────────────────────────

// ReceiveMode controls how received messages are settled.
type ReceiveMode uint8

const (
	// PeekLock hands out locked messages that the caller settles explicitly.
	PeekLock ReceiveMode = iota
	// ReceiveAndDelete completes every message as it is received.
	ReceiveAndDelete
)

// SubQueue selects the queue a receiver reads from.
type SubQueue uint8

const (
	SubQueueNone SubQueue = iota
	SubQueueDeadLetter
)

// ReceiverOptions configures a Receiver. The zero value is PeekLock on the
// main queue.
type ReceiverOptions struct {
	Mode     ReceiveMode
	SubQueue SubQueue
}

// Receiver receives typed messages from a queue or a topic subscription.
type Receiver[T any] struct {
	q    *queue.Queue
	mode ReceiveMode

	mu       sync.Mutex
	inflight map[int64]*queue.Actions
}

// NewReceiver creates a receiver for queue name.
func NewReceiver[T any](c *Client, name string, opts ReceiverOptions) (*Receiver[T], error) {
	q, err := c.b.Queue(name)
	if err != nil {
		return nil, err
	}
	return newReceiver[T](q, opts), nil
}

// NewSubscriptionReceiver creates a receiver for subscription sub of topic.
func NewSubscriptionReceiver[T any](c *Client, topic, sub string, opts ReceiverOptions) (*Receiver[T], error) {
	q, err := c.b.Subscription(topic, sub)
	if err != nil {
		return nil, err
	}
	return newReceiver[T](q, opts), nil
}

func newReceiver[T any](q *queue.Queue, opts ReceiverOptions) *Receiver[T] {
	if opts.SubQueue == SubQueueDeadLetter {
		q = q.DeadLetterQueue()
	}
	return &Receiver[T]{
		q:        q,
		mode:     opts.Mode,
		inflight: make(map[int64]*queue.Actions),
	}
}

// Mode returns the receive mode.
func (r *Receiver[T]) Mode() ReceiveMode { return r.mode }

// QueueName returns the name of the queue the receiver reads from.
func (r *Receiver[T]) QueueName() string { return r.q.Name() }

// PeekMessage returns the first visible message with sequence number >= from
// without locking it.
func (r *Receiver[T]) PeekMessage(from int64) (*ReceivedMessage[T], bool, error) {
	rm, ok := r.q.Peek(from)
	if !ok {
		return nil, false, nil
	}
	m, ok := typed[T](rm)
	if !ok {
		return nil, false, mismatch[T](rm)
	}
	return m, true, nil
}

// PeekMessages returns up to max visible messages starting at from.
func (r *Receiver[T]) PeekMessages(from int64, max int) ([]*ReceivedMessage[T], error) {
	raw := r.q.PeekMany(from, max)
	out := make([]*ReceivedMessage[T], 0, len(raw))
	for _, rm := range raw {
		m, ok := typed[T](rm)
		if !ok {
			return out, mismatch[T](rm)
		}
		out = append(out, m)
	}
	return out, nil
}

// ReceiveMessage blocks until a message is delivered or ctx is done.
func (r *Receiver[T]) ReceiveMessage(ctx context.Context) (*ReceivedMessage[T], error) {
	d, err := r.q.ReceiveMessage(ctx)
	if err != nil {
		return nil, err
	}
	return r.accept(d)
}

// ReceiveDeferredMessage locks and returns the deferred message seq.
func (r *Receiver[T]) ReceiveDeferredMessage(seq int64) (*ReceivedMessage[T], error) {
	d, err := r.q.ReceiveDeferredMessage(seq)
	if err != nil {
		return nil, err
	}
	return r.accept(d)
}

func (r *Receiver[T]) accept(d *queue.Delivery) (*ReceivedMessage[T], error) {
	m, ok := typed[T](d.Message)
	if !ok {
		_ = d.Abandon()
		return nil, mismatch[T](d.Message)
	}
	if r.mode == ReceiveAndDelete {
		if err := d.Complete(); err != nil {
			return nil, err
		}
		return m, nil
	}
	r.mu.Lock()
	r.inflight[m.SequenceNumber] = d.Actions
	r.mu.Unlock()
	return m, nil
}

// actions returns the held actions for m. take removes them.
func (r *Receiver[T]) actions(m *ReceivedMessage[T], take bool) (*queue.Actions, error) {
	if r.mode != PeekLock {
		return nil, fmt.Errorf("%w: settlement requires PeekLock mode", ErrUnsupportedOperation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	act, ok := r.inflight[m.SequenceNumber]
	if !ok {
		return nil, fmt.Errorf("%w: sequence %d is not held by this receiver", ErrLockExpired, m.SequenceNumber)
	}
	if take {
		delete(r.inflight, m.SequenceNumber)
	}
	return act, nil
}

func (r *Receiver[T]) settleWith(m *ReceivedMessage[T], fn func(*queue.Actions) error) error {
	act, err := r.actions(m, true)
	if err != nil {
		return err
	}
	return fn(act)
}

// Complete removes m from the queue.
func (r *Receiver[T]) Complete(m *ReceivedMessage[T]) error {
	return r.settleWith(m, (*queue.Actions).Complete)
}

// Abandon releases the lock on m.
func (r *Receiver[T]) Abandon(m *ReceivedMessage[T]) error {
	return r.settleWith(m, (*queue.Actions).Abandon)
}

// Defer parks m until ReceiveDeferredMessage asks for it.
func (r *Receiver[T]) Defer(m *ReceivedMessage[T]) error {
	return r.settleWith(m, (*queue.Actions).Defer)
}

// DeadLetter moves m to the dead-letter queue with reason and description.
func (r *Receiver[T]) DeadLetter(m *ReceivedMessage[T], reason, description string) error {
	act, err := r.actions(m, false)
	if err != nil {
		return err
	}
	if err := act.DeadLetter(reason, description); err != nil {
		if !errors.Is(err, ErrUnsupportedOperation) {
			r.forget(m.SequenceNumber)
		}
		return err
	}
	r.forget(m.SequenceNumber)
	return nil
}

// RenewLock extends the lock on m and updates m.LockedUntil.
func (r *Receiver[T]) RenewLock(m *ReceivedMessage[T]) error {
	act, err := r.actions(m, false)
	if err != nil {
		return err
	}
	if err := act.RenewLock(); err != nil {
		if errors.Is(err, ErrLockExpired) {
			r.forget(m.SequenceNumber)
		}
		return err
	}
	m.LockedUntil = act.LockedUntil()
	return nil
}

func (r *Receiver[T]) forget(seq int64) {
	r.mu.Lock()
	delete(r.inflight, seq)
	r.mu.Unlock()
}

// Close abandons every message the receiver still holds.
func (r *Receiver[T]) Close() error {
	r.mu.Lock()
	held := r.inflight
	r.inflight = make(map[int64]*queue.Actions)
	r.mu.Unlock()

	var err error
	for _, act := range held {
		if aerr := act.Abandon(); aerr != nil && !errors.Is(aerr, queue.ErrLockExpired) &&
			!errors.Is(aerr, queue.ErrAlreadySettled) {
			err = errors.Join(err, aerr)
		}
	}
	return err
}

// ─── ReplyReceiver ────────────────────────────────────────────────────────────

// ReplyReceiver waits for typed replies by correlation identifier. Only
// messages whose payload is a T can match; others are parked as deferred.
// Create one ReplyReceiver per reply queue.
type ReplyReceiver[T any] struct {
	r *reply.Receiver
}

// NewReplyReceiver creates a reply receiver on queue name.
func NewReplyReceiver[T any](c *Client, name string) (*ReplyReceiver[T], error) {
	q, err := c.b.Queue(name)
	if err != nil {
		return nil, err
	}
	extract := func(m queue.ReceivedMessage) (string, bool) {
		if _, ok := m.Payload.(T); !ok {
			return "", false
		}
		return reply.DefaultExtractor(m)
	}
	return &ReplyReceiver[T]{
		r: reply.New(q, reply.WithExtractor(extract), reply.WithLogger(c.log)),
	}, nil
}

// ReceiveReply blocks until the reply correlated with correlationID arrives,
// completes it and returns it.
func (rr *ReplyReceiver[T]) ReceiveReply(ctx context.Context, correlationID string) (*ReceivedMessage[T], error) {
	rm, err := rr.r.ReceiveReply(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	m, ok := typed[T](*rm)
	if !ok {
		return nil, mismatch[T](*rm)
	}
	return m, nil
}

// Pending returns the number of outstanding ReceiveReply calls.
func (rr *ReplyReceiver[T]) Pending() int { return rr.r.Pending() }
