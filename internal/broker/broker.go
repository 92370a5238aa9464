// Package broker is the named entity registry for epochbus.
//
// A Broker owns every queue and topic of one bus instance, together with the
// infrastructure they share: one scheduler for scheduled-message activation,
// one metrics registry, one logger and the optional dead-letter archive.
// Application code resolves entities by name through the Broker and never
// constructs queues on its own.
//
//	Sender   → Broker.Target       → queue.Queue.Publish / topic.Topic.Publish
//	Receiver → Broker.Queue        → queue.Queue.ReceiveMessage
//	         → Broker.Subscription → queue.Queue.ReceiveMessage
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/snehjoshi/epochbus/internal/config"
	"github.com/snehjoshi/epochbus/internal/dlq"
	"github.com/snehjoshi/epochbus/internal/metrics"
	"github.com/snehjoshi/epochbus/internal/queue"
	"github.com/snehjoshi/epochbus/internal/scheduler"
	"github.com/snehjoshi/epochbus/internal/topic"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrEntityNotFound is returned when no queue, topic or subscription has
	// the requested name.
	ErrEntityNotFound = errors.New("broker: entity not found")

	// ErrEntityExists is returned when a name is already taken. Queues and
	// topics share one name space.
	ErrEntityExists = errors.New("broker: entity already exists")

	// ErrInvalidName is returned when an entity name fails validation.
	ErrInvalidName = errors.New("broker: invalid name")

	// ErrClosed is returned by every mutating call after Close.
	ErrClosed = queue.ErrClosed
)

// nameRe validates entity names: 1–64 chars, lowercase letters/digits/hyphens,
// must start with a letter or digit.
var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9\-]{0,63}$`)

// ValidateName reports whether name is a valid entity name.
func ValidateName(name string) bool { return nameRe.MatchString(name) }

func checkName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// ─── Entities ─────────────────────────────────────────────────────────────────

// Kind distinguishes queues from topics.
type Kind uint8

const (
	KindQueue Kind = iota
	KindTopic
)

func (k Kind) String() string {
	if k == KindTopic {
		return "topic"
	}
	return "queue"
}

// Target is anything a sender can publish to: a queue or a topic.
type Target interface {
	Name() string
	Publish(msg queue.Message) error
	Schedule(msg queue.Message, at time.Time) (int64, error)
	CancelScheduled(seq int64) error
}

var (
	_ Target = (*queue.Queue)(nil)
	_ Target = (*topic.Topic)(nil)
)

// Subscription declares one subscription for CreateTopic. A zero Config
// inherits the topic's.
type Subscription struct {
	Name   string
	Config queue.Config
}

// EntityInfo is a depth snapshot of one queue or topic.
type EntityInfo struct {
	Name          string
	Kind          Kind
	Stats         queue.Stats
	DLQDepth      int
	Subscriptions []SubscriptionInfo
}

// SubscriptionInfo is a depth snapshot of one topic subscription.
type SubscriptionInfo struct {
	Name     string
	Stats    queue.Stats
	DLQDepth int
}

// Summary is a cheap aggregated snapshot of the whole bus.
type Summary struct {
	Queues         int
	Topics         int
	Subscriptions  int
	TotalDepth     int
	TotalScheduled int
	DLQAlerts      int // entities whose DLQ holds at least one message
}

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Broker.
type Option func(*Broker)

// WithMetrics attaches a metrics.Registry shared by every entity. Without it
// the broker creates its own, available through Metrics.
func WithMetrics(reg *metrics.Registry) Option {
	return func(b *Broker) { b.metrics = reg }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// WithArchive journals every dead-lettered message of every entity to a. The
// caller keeps ownership of a. When absent and archive.enabled is set in the
// config, the broker opens and owns the archive itself.
func WithArchive(a *dlq.Archive) Option {
	return func(b *Broker) { b.archive = a }
}

// ─── Broker ───────────────────────────────────────────────────────────────────

// Broker is safe for concurrent use.
type Broker struct {
	cfg      *config.Config
	defaults config.EntityConfig

	sched   *scheduler.Scheduler
	cancel  context.CancelFunc
	metrics *metrics.Registry
	log     *slog.Logger

	archive     *dlq.Archive
	ownsArchive bool

	mu     sync.RWMutex
	queues map[string]*queue.Queue
	topics map[string]*topic.Topic
	closed bool
}

// New validates cfg and builds every queue and topic it declares. A nil cfg
// is config.Default(). The scheduler is started immediately.
func New(cfg *config.Config, opts ...Option) (*Broker, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("broker: config: %w", err)
	}

	b := &Broker{
		cfg:      cfg,
		defaults: cfg.Defaults,
		sched:    scheduler.New(),
		queues:   make(map[string]*queue.Queue),
		topics:   make(map[string]*topic.Topic),
	}
	for _, o := range opts {
		o(b)
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	if b.metrics == nil {
		b.metrics = metrics.New()
	}
	if b.archive == nil && cfg.Archive.Enabled {
		a, err := dlq.OpenArchive(cfg.Archive.Path)
		if err != nil {
			return nil, fmt.Errorf("broker: %w", err)
		}
		b.archive = a
		b.ownsArchive = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.sched.Start(ctx)

	if err := b.declare(cfg); err != nil {
		_ = b.Close()
		return nil, err
	}
	b.log.Info("broker ready", "queues", len(cfg.Queues), "topics", len(cfg.Topics),
		"archive", b.archive != nil)
	return b, nil
}

// declare creates the entities listed in cfg.
func (b *Broker) declare(cfg *config.Config) error {
	for _, qs := range cfg.Queues {
		if _, err := b.CreateQueue(qs.Name, b.entityConfig(qs.EntityConfig)); err != nil {
			return err
		}
	}
	for _, ts := range cfg.Topics {
		subs := make([]Subscription, 0, len(ts.Subscriptions))
		for _, s := range ts.Subscriptions {
			subs = append(subs, Subscription{
				Name:   s.Name,
				Config: s.EntityConfig.Merge(ts.EntityConfig).Merge(b.defaults).QueueConfig(),
			})
		}
		if _, err := b.CreateTopic(ts.Name, b.entityConfig(ts.EntityConfig), subs...); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) entityConfig(e config.EntityConfig) queue.Config {
	return e.Merge(b.defaults).QueueConfig()
}

// queueOptions are applied to every queue the broker creates, including topic
// inner queues and subscriptions.
func (b *Broker) queueOptions() []queue.Option {
	opts := []queue.Option{
		queue.WithScheduler(b.sched),
		queue.WithMetrics(b.metrics),
		queue.WithLogger(b.log),
	}
	if b.archive != nil {
		opts = append(opts, queue.WithDeadLetterHook(b.archive.Hook(b.log)))
	}
	return opts
}

// Config returns the configuration the broker was built from.
func (b *Broker) Config() *config.Config { return b.cfg }

// Metrics returns the shared metrics registry.
func (b *Broker) Metrics() *metrics.Registry { return b.metrics }

// Archive returns the dead-letter archive, or nil when archiving is off.
func (b *Broker) Archive() *dlq.Archive { return b.archive }

// ─── Entity lifecycle ─────────────────────────────────────────────────────────

// CreateQueue creates queue name. Zero cfg fields fall back to the config's
// defaults section.
func (b *Broker) CreateQueue(name string, cfg queue.Config) (*queue.Queue, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	cfg = b.fill(cfg)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.claimLocked(name); err != nil {
		return nil, err
	}
	q := queue.New(name, cfg, b.queueOptions()...)
	b.queues[name] = q
	b.log.Info("queue created", "queue", name,
		"lock_duration", cfg.LockDuration, "max_delivery_attempts", cfg.MaxDeliveryAttempts)
	return q, nil
}

// CreateTopic creates topic name with the given subscriptions.
func (b *Broker) CreateTopic(name string, cfg queue.Config, subs ...Subscription) (*topic.Topic, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	for _, s := range subs {
		if err := checkName(s.Name); err != nil {
			return nil, fmt.Errorf("topic %s: %w", name, err)
		}
	}
	cfg = b.fill(cfg)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.claimLocked(name); err != nil {
		return nil, err
	}
	t := topic.New(name, cfg, b.queueOptions()...).WithLogger(b.log)
	for _, s := range subs {
		sc := s.Config
		if sc != (queue.Config{}) {
			sc = b.fill(sc)
		}
		if _, err := t.AddSubscription(s.Name, sc); err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("%w: %w", ErrEntityExists, err)
		}
	}
	b.topics[name] = t
	b.log.Info("topic created", "topic", name, "subscriptions", len(subs))
	return t, nil
}

// AddSubscription adds subscription sub to an existing topic.
func (b *Broker) AddSubscription(topicName, sub string, cfg queue.Config) (*queue.Queue, error) {
	if err := checkName(sub); err != nil {
		return nil, err
	}
	t, err := b.Topic(topicName)
	if err != nil {
		return nil, err
	}
	if cfg != (queue.Config{}) {
		cfg = b.fill(cfg)
	}
	q, err := t.AddSubscription(sub, cfg)
	if errors.Is(err, topic.ErrSubscriptionExists) {
		return nil, fmt.Errorf("%w: %w", ErrEntityExists, err)
	}
	return q, err
}

// RemoveSubscription detaches subscription sub of topicName. Messages already
// fanned out to it stay receivable through an existing handle until the topic
// is closed.
func (b *Broker) RemoveSubscription(topicName, sub string) error {
	t, err := b.Topic(topicName)
	if err != nil {
		return err
	}
	if err := t.RemoveSubscription(sub); err != nil {
		if errors.Is(err, topic.ErrSubscriptionNotFound) {
			return fmt.Errorf("%w: %w", ErrEntityNotFound, err)
		}
		return err
	}
	return nil
}

// Delete removes and closes queue or topic name. Messages it still holds are
// discarded.
func (b *Broker) Delete(name string) error {
	b.mu.Lock()
	q, isQueue := b.queues[name]
	t, isTopic := b.topics[name]
	delete(b.queues, name)
	delete(b.topics, name)
	b.mu.Unlock()

	switch {
	case isQueue:
		b.log.Info("queue deleted", "queue", name)
		return q.Close()
	case isTopic:
		b.log.Info("topic deleted", "topic", name)
		return t.Close()
	}
	return fmt.Errorf("%w: %s", ErrEntityNotFound, name)
}

// fill completes cfg from the defaults section.
func (b *Broker) fill(cfg queue.Config) queue.Config {
	d := b.entityConfig(config.EntityConfig{})
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = d.LockDuration
	}
	if cfg.MaxDeliveryAttempts <= 0 {
		cfg.MaxDeliveryAttempts = d.MaxDeliveryAttempts
	}
	if cfg.MaxTimeToLive <= 0 {
		cfg.MaxTimeToLive = d.MaxTimeToLive
	}
	return cfg
}

// claimLocked fails when the broker is closed or name is taken. Caller holds mu.
func (b *Broker) claimLocked(name string) error {
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.queues[name]; ok {
		return fmt.Errorf("%w: queue %s", ErrEntityExists, name)
	}
	if _, ok := b.topics[name]; ok {
		return fmt.Errorf("%w: topic %s", ErrEntityExists, name)
	}
	return nil
}

// ─── Lookup ───────────────────────────────────────────────────────────────────

// Queue returns queue name.
func (b *Broker) Queue(name string) (*queue.Queue, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: queue %s", ErrEntityNotFound, name)
	}
	return q, nil
}

// Topic returns topic name.
func (b *Broker) Topic(name string) (*topic.Topic, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.topics[name]
	if !ok {
		return nil, fmt.Errorf("%w: topic %s", ErrEntityNotFound, name)
	}
	return t, nil
}

// Subscription returns subscription sub of topic topicName.
func (b *Broker) Subscription(topicName, sub string) (*queue.Queue, error) {
	t, err := b.Topic(topicName)
	if err != nil {
		return nil, err
	}
	q, err := t.Subscription(sub)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEntityNotFound, err)
	}
	return q, nil
}

// Target returns the queue or topic called name as a publish target.
func (b *Broker) Target(name string) (Target, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if q, ok := b.queues[name]; ok {
		return q, nil
	}
	if t, ok := b.topics[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, name)
}

// List returns every queue and topic name in sorted order.
func (b *Broker) List() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.queues)+len(b.topics))
	for n := range b.queues {
		names = append(names, n)
	}
	for n := range b.topics {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ─── Stats ────────────────────────────────────────────────────────────────────

// Stats returns a depth snapshot for every entity, sorted by name.
func (b *Broker) Stats() []EntityInfo {
	b.mu.RLock()
	queues := make([]*queue.Queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	topics := make([]*topic.Topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.RUnlock()

	out := make([]EntityInfo, 0, len(queues)+len(topics))
	for _, q := range queues {
		out = append(out, EntityInfo{
			Name:     q.Name(),
			Kind:     KindQueue,
			Stats:    q.Stats(),
			DLQDepth: dlq.Len(q),
		})
	}
	for _, t := range topics {
		info := EntityInfo{
			Name:     t.Name(),
			Kind:     KindTopic,
			Stats:    t.Stats(),
			DLQDepth: t.DeadLetterQueue().Len(),
		}
		for _, sub := range t.Subscriptions() {
			q, err := t.Subscription(sub)
			if err != nil {
				continue // removed concurrently
			}
			info.Subscriptions = append(info.Subscriptions, SubscriptionInfo{
				Name:     sub,
				Stats:    q.Stats(),
				DLQDepth: dlq.Len(q),
			})
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Summary aggregates Stats in a single pass.
func (b *Broker) Summary() Summary {
	var s Summary
	for _, e := range b.Stats() {
		if e.Kind == KindTopic {
			s.Topics++
		} else {
			s.Queues++
		}
		s.TotalDepth += e.Stats.Total()
		s.TotalScheduled += e.Stats.Scheduled
		if e.DLQDepth > 0 {
			s.DLQAlerts++
		}
		for _, sub := range e.Subscriptions {
			s.Subscriptions++
			s.TotalDepth += sub.Stats.Total()
			s.TotalScheduled += sub.Stats.Scheduled
			if sub.DLQDepth > 0 {
				s.DLQAlerts++
			}
		}
	}
	return s
}

// ─── Shutdown ─────────────────────────────────────────────────────────────────

// Close closes every entity, stops the scheduler and closes an archive the
// broker opened itself. Close is idempotent.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	queues, topics := b.queues, b.topics
	b.queues = make(map[string]*queue.Queue)
	b.topics = make(map[string]*topic.Topic)
	b.mu.Unlock()

	var err error
	for _, t := range topics {
		err = errors.Join(err, t.Close())
	}
	for _, q := range queues {
		err = errors.Join(err, q.Close())
	}
	b.cancel()
	b.sched.Stop()
	if b.ownsArchive {
		err = errors.Join(err, b.archive.Close())
	}
	b.log.Info("broker closed")
	return err
}
