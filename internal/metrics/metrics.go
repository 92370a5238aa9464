// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for epochbus. It avoids prometheus/client_golang so the engine
// stays embeddable with no additional dependencies.
//
// # Counter naming convention
//
// Every counter uses a string label key so that a single sync.Map can hold
// all label combinations without nested maps.
//
//	Published / Scheduled / Delivered / Completed / Abandoned / Deferred / LockExpired  →  key = "queue"
//	DeadLettered                                                                         →  key = "queue\treason"
//
// # Prometheus text output
//
// Registry.Handler() returns an http.Handler that renders all counters in the
// Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Get returns the current value for key (0 if never touched).
func (lc *labelCounter) Get(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key/value pair in ascending key order.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	var keys []string
	lc.vals.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	for _, k := range keys {
		fn(k, lc.Get(k))
	}
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all epochbus message counters. The zero value is ready to
// use; a nil *Registry is accepted by every recording helper and does nothing.
type Registry struct {
	Published   labelCounter
	Scheduled   labelCounter
	Delivered   labelCounter
	Completed   labelCounter
	Abandoned   labelCounter
	Deferred    labelCounter
	LockExpired labelCounter

	// key = "queue\treason"
	DeadLettered labelCounter
}

// New returns an empty Registry.
func New() *Registry { return &Registry{} }

// Event identifies a per-queue counter for Record.
type Event uint8

const (
	EventPublished Event = iota
	EventScheduled
	EventDelivered
	EventCompleted
	EventAbandoned
	EventDeferred
	EventLockExpired
)

// Record increments the counter for ev on queue. Safe on a nil receiver.
func (r *Registry) Record(ev Event, queue string) {
	if r == nil {
		return
	}
	if c := r.counter(ev); c != nil {
		c.Inc(QueueKey(queue))
	}
}

// RecordDeadLetter increments the dead-letter counter. Safe on a nil receiver.
func (r *Registry) RecordDeadLetter(queue, reason string) {
	if r == nil {
		return
	}
	r.DeadLettered.Inc(DeadLetterKey(queue, reason))
}

func (r *Registry) counter(ev Event) *labelCounter {
	switch ev {
	case EventPublished:
		return &r.Published
	case EventScheduled:
		return &r.Scheduled
	case EventDelivered:
		return &r.Delivered
	case EventCompleted:
		return &r.Completed
	case EventAbandoned:
		return &r.Abandoned
	case EventDeferred:
		return &r.Deferred
	case EventLockExpired:
		return &r.LockExpired
	}
	return nil
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

var queueFamilies = []struct {
	ev         Event
	name, help string
}{
	{EventPublished, "epochbus_messages_published_total", "Total messages published"},
	{EventScheduled, "epochbus_messages_scheduled_total", "Total messages scheduled for future activation"},
	{EventDelivered, "epochbus_messages_delivered_total", "Total deliveries under a lease"},
	{EventCompleted, "epochbus_messages_completed_total", "Total messages completed by consumers"},
	{EventAbandoned, "epochbus_messages_abandoned_total", "Total messages abandoned by consumers"},
	{EventDeferred, "epochbus_messages_deferred_total", "Total messages deferred by consumers"},
	{EventLockExpired, "epochbus_lock_expired_total", "Total leases that expired before settlement"},
}

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder

		for _, f := range queueFamilies {
			c := r.counter(f.ev)
			writeFamily(&b, f.name, f.help, "counter",
				func(fn func(labels, val string)) {
					c.Each(func(key string, val int64) {
						fn(fmt.Sprintf(`queue=%q`, key), fmt.Sprintf("%d", val))
					})
				})
		}

		writeFamily(&b, "epochbus_messages_dead_lettered_total",
			"Total messages moved to a dead-letter queue", "counter",
			func(fn func(labels, val string)) {
				r.DeadLettered.Each(func(key string, val int64) {
					q, reason := splitTwo(key)
					fn(fmt.Sprintf(`queue=%q,reason=%q`, q, reason),
						fmt.Sprintf("%d", val))
				})
			})

		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b, skipping the
// header when there are no samples.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// QueueKey builds the label key used by the per-queue counters.
func QueueKey(queue string) string { return queue }

// DeadLetterKey builds the label key used by DeadLettered.
func DeadLetterKey(queue, reason string) string {
	return queue + "\t" + reason
}
