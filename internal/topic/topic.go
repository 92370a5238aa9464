// Package topic implements publish/subscribe fan-out on top of the queue
// engine.
//
// A Topic owns an inner queue with one permanent internal receiver. Every
// message delivered to that receiver is copied into each current
// subscription, and the topic-level copy is completed straight away, so the
// topic itself never holds undelivered messages beyond the fan-out instant.
// Each subscription is an ordinary queue with its own lease, retry and
// dead-letter behaviour.
package topic

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/snehjoshi/epochbus/internal/queue"
)

var (
	// ErrSubscriptionExists is returned by AddSubscription for a taken name.
	ErrSubscriptionExists = errors.New("subscription already exists")

	// ErrSubscriptionNotFound is returned when a subscription name is unknown.
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// SubscriptionQueueName is the queue name given to subscription sub of
// topic.
func SubscriptionQueueName(topic, sub string) string {
	return topic + "/subscriptions/" + sub
}

// Topic is safe for concurrent use.
type Topic struct {
	name  string
	cfg   queue.Config
	opts  []queue.Option
	inner *queue.Queue
	log   *slog.Logger

	mu     sync.RWMutex
	subs   map[string]*queue.Queue
	closed bool

	// detached holds removed subscriptions until Close; their holders may
	// still drain them.
	detached []*queue.Queue
}

// New creates a topic. opts are applied to the inner queue and to every
// subscription queue, so a shared scheduler, metrics registry or dead-letter
// hook reaches all of them.
func New(name string, cfg queue.Config, opts ...queue.Option) *Topic {
	t := &Topic{
		name:  name,
		cfg:   cfg,
		opts:  opts,
		inner: queue.New(name, cfg, opts...),
		log:   slog.Default().With("topic", name),
		subs:  make(map[string]*queue.Queue),
	}
	if err := t.inner.Receive(t.fanOut); err != nil {
		// Only fails on a closed queue, which a fresh one never is.
		panic(fmt.Sprintf("topic %q: register fan-out receiver: %v", name, err))
	}
	return t
}

// WithLogger replaces the topic's logger and returns t.
func (t *Topic) WithLogger(l *slog.Logger) *Topic {
	if l != nil {
		t.log = l.With("topic", t.name)
	}
	return t
}

// fanOut is the permanent internal receiver.
func (t *Topic) fanOut(msg queue.ReceivedMessage, act *queue.Actions) {
	t.mu.RLock()
	targets := make([]*queue.Queue, 0, len(t.subs))
	for _, s := range t.subs {
		targets = append(targets, s)
	}
	t.mu.RUnlock()

	for _, s := range targets {
		cp := queue.Message{
			MessageID:     msg.MessageID,
			CorrelationID: msg.CorrelationID,
			TimeToLive:    msg.TimeToLive,
			Payload:       msg.Payload,
		}
		if err := s.Publish(cp); err != nil && !errors.Is(err, queue.ErrClosed) {
			t.log.Warn("fan-out publish failed",
				"subscription", s.Name(), "message_id", msg.MessageID, "err", err)
		}
	}
	if err := act.Complete(); err != nil {
		t.log.Warn("complete topic copy failed", "seq", msg.SequenceNumber, "err", err)
	}

	if err := t.inner.Receive(t.fanOut); err != nil && !errors.Is(err, queue.ErrClosed) {
		t.log.Error("re-register fan-out receiver failed", "err", err)
	}
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// Publish publishes msg to the topic.
func (t *Topic) Publish(msg queue.Message) error { return t.inner.Publish(msg) }

// Schedule schedules msg for fan-out at at and returns its sequence number.
func (t *Topic) Schedule(msg queue.Message, at time.Time) (int64, error) {
	return t.inner.Schedule(msg, at)
}

// CancelScheduled cancels a scheduled topic message.
func (t *Topic) CancelScheduled(seq int64) error { return t.inner.CancelScheduled(seq) }

// Peek inspects the topic-level queue. After fan-out it is normally empty.
func (t *Topic) Peek(from int64) (queue.ReceivedMessage, bool) { return t.inner.Peek(from) }

// PeekMany inspects the topic-level queue.
func (t *Topic) PeekMany(from int64, max int) []queue.ReceivedMessage {
	return t.inner.PeekMany(from, max)
}

// DeadLetterQueue returns the topic-level DLQ, which receives topic messages
// whose TTL lapsed before fan-out.
func (t *Topic) DeadLetterQueue() *queue.Queue { return t.inner.DeadLetterQueue() }

// Stats returns the topic-level queue stats.
func (t *Topic) Stats() queue.Stats { return t.inner.Stats() }

// AddSubscription creates subscription name. A zero cfg inherits the topic's
// configuration. Messages published before the call are not delivered to it.
func (t *Topic) AddSubscription(name string, cfg queue.Config) (*queue.Queue, error) {
	if cfg == (queue.Config{}) {
		cfg = t.cfg
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, queue.ErrClosed
	}
	if _, ok := t.subs[name]; ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrSubscriptionExists, t.name, name)
	}
	q := queue.New(SubscriptionQueueName(t.name, name), cfg, t.opts...)
	t.subs[name] = q
	t.log.Info("subscription added", "subscription", name)
	return q, nil
}

// RemoveSubscription detaches subscription name so later publishes skip it.
// The queue stays open: messages already fanned out to it can still be
// received and settled through a previously obtained handle. It is closed
// with the topic.
func (t *Topic) RemoveSubscription(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.subs[name]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrSubscriptionNotFound, t.name, name)
	}
	delete(t.subs, name)
	t.detached = append(t.detached, q)
	t.log.Info("subscription removed", "subscription", name, "remaining", q.Len())
	return nil
}

// Subscription returns subscription name.
func (t *Topic) Subscription(name string) (*queue.Queue, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	q, ok := t.subs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrSubscriptionNotFound, t.name, name)
	}
	return q, nil
}

// Subscriptions returns the subscription names in sorted order.
func (t *Topic) Subscriptions() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.subs))
	for n := range t.subs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close closes the topic queue, every subscription and every detached
// subscription.
func (t *Topic) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	detached := t.detached
	t.subs = make(map[string]*queue.Queue)
	t.detached = nil
	t.mu.Unlock()

	err := t.inner.Close()
	for _, q := range subs {
		err = errors.Join(err, q.Close())
	}
	for _, q := range detached {
		err = errors.Join(err, q.Close())
	}
	return err
}
