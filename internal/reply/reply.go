// Package reply resolves request/reply waits against a reply queue by
// correlation identifier, independent of the order replies arrive in.
//
// ReceiveReply first scans the queue's deferred messages for a match. If
// none is found it registers ordinary receivers: a matching delivery resolves
// the wait and is completed; a non-matching one is abandoned, and if it is
// still ready afterwards that exact message is parked as deferred so it stops
// cycling through the ready FIFO. Deferred replies are found again by the scan of a
// later ReceiveReply, or handed straight to a wait that registered while the
// message was being parked.
//
// Use one Receiver per reply queue: waits are coordinated through the
// Receiver's own registry.
package reply

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/snehjoshi/epochbus/internal/queue"
	"github.com/snehjoshi/epochbus/internal/types"
)

// Extractor returns the correlation identifier carried by msg.
type Extractor func(msg queue.ReceivedMessage) (string, bool)

// DefaultExtractor prefers a payload implementing types.Correlated and falls
// back to the message's CorrelationID field.
func DefaultExtractor(msg queue.ReceivedMessage) (string, bool) {
	if c, ok := msg.Payload.(types.Correlated); ok {
		return c.CorrelationID(), true
	}
	if msg.CorrelationID != "" {
		return msg.CorrelationID, true
	}
	return "", false
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithExtractor overrides how correlation identifiers are read.
func WithExtractor(e Extractor) Option {
	return func(r *Receiver) { r.extract = e }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Receiver) { r.log = l }
}

// Receiver is safe for concurrent use.
type Receiver struct {
	q       *queue.Queue
	extract Extractor
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string][]*wait
}

// New wraps q.
func New(q *queue.Queue, opts ...Option) *Receiver {
	r := &Receiver{
		q:       q,
		extract: DefaultExtractor,
		pending: make(map[string][]*wait),
	}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	r.log = r.log.With("reply_queue", q.Name())
	return r
}

// ─── wait ─────────────────────────────────────────────────────────────────────

const (
	waitPending int32 = iota
	waitResolved
	waitCancelled
)

// wait is one outstanding ReceiveReply call.
type wait struct {
	cid   string
	state atomic.Int32
	ch    chan queue.ReceivedMessage
}

// resolve hands msg to the wait. Only the first resolve or cancel wins.
func (w *wait) resolve(msg queue.ReceivedMessage) bool {
	if !w.state.CompareAndSwap(waitPending, waitResolved) {
		return false
	}
	w.ch <- msg
	return true
}

func (w *wait) cancel() bool { return w.state.CompareAndSwap(waitPending, waitCancelled) }

func (w *wait) done() bool { return w.state.Load() != waitPending }

func (r *Receiver) add(w *wait) {
	r.mu.Lock()
	r.pending[w.cid] = append(r.pending[w.cid], w)
	r.mu.Unlock()
}

func (r *Receiver) remove(w *wait) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws := r.pending[w.cid]
	for i, x := range ws {
		if x == w {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(r.pending, w.cid)
	} else {
		r.pending[w.cid] = ws
	}
}

// claim returns the oldest still-pending wait for cid, or nil.
func (r *Receiver) claim(cid string) *wait {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.pending[cid] {
		if !w.done() {
			return w
		}
	}
	return nil
}

// ─── ReceiveReply ─────────────────────────────────────────────────────────────

// ReceiveReply blocks until a message correlated with correlationID arrives,
// completes it and returns it.
//
// An already-cancelled ctx fails without registering anything. If ctx is
// cancelled while waiting, the wait resolves with ctx's error and any message
// later delivered to its pending registration is abandoned.
func (r *Receiver) ReceiveReply(ctx context.Context, correlationID string) (*queue.ReceivedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w := &wait{cid: correlationID, ch: make(chan queue.ReceivedMessage, 1)}
	r.add(w)
	defer r.remove(w)

	r.scanDeferred(w)
	if !w.done() {
		if err := r.q.Receive(r.onDelivery(w)); err != nil {
			if w.cancel() {
				return nil, err
			}
		}
	}

	select {
	case msg := <-w.ch:
		return &msg, nil
	case <-ctx.Done():
		if w.cancel() {
			return nil, ctx.Err()
		}
	case <-r.q.Done():
		if w.cancel() {
			return nil, queue.ErrClosed
		}
	}
	// Resolved concurrently with cancellation. The reply is already
	// completed, so hand it over rather than lose it.
	msg := <-w.ch
	return &msg, nil
}

// scanDeferred walks deferred messages in sequence order looking for w's
// reply. Deferred messages past their TTL are dead-lettered on the way.
func (r *Receiver) scanDeferred(w *wait) {
	const batch = 64
	for from := int64(0); ; {
		msgs := r.q.PeekMany(from, batch)
		if len(msgs) == 0 {
			return
		}
		for _, m := range msgs {
			from = m.SequenceNumber + 1
			if m.State != queue.StatusDeferred {
				continue
			}
			if r.q.IsExpired(m) {
				r.expireDeferred(m.SequenceNumber)
				continue
			}
			if cid, ok := r.extract(m); !ok || cid != w.cid {
				continue
			}
			d, err := r.q.ReceiveDeferredMessage(m.SequenceNumber)
			if err != nil {
				// Taken by someone else since the peek.
				continue
			}
			r.settle(w, d)
			return
		}
	}
}

func (r *Receiver) expireDeferred(seq int64) {
	d, err := r.q.ReceiveDeferredMessage(seq)
	if err != nil {
		return
	}
	if err := d.DeadLetter(queue.ReasonTTLExpired, ""); err != nil {
		// Dead-letter queues cannot dead-letter their own messages.
		_ = d.Abandon()
		return
	}
	r.log.Debug("expired deferred reply dead-lettered", "seq", seq)
}

// settle resolves w with d and completes it, or puts d back if w was
// already resolved or cancelled.
func (r *Receiver) settle(w *wait, d *queue.Delivery) {
	if !w.resolve(d.Message) {
		_ = d.Abandon()
		return
	}
	if err := d.Complete(); err != nil {
		r.log.Warn("complete reply failed", "seq", d.Message.SequenceNumber, "err", err)
	}
}

// onDelivery is the ordinary receive callback for w.
func (r *Receiver) onDelivery(w *wait) queue.Handler {
	var h queue.Handler
	h = func(msg queue.ReceivedMessage, act *queue.Actions) {
		if w.done() {
			// Stale registration of a finished wait: never drop the message.
			_ = act.Abandon()
			return
		}

		if cid, ok := r.extract(msg); ok {
			if target := r.claim(cid); target != nil {
				r.settle(target, &queue.Delivery{Message: msg, Actions: act})
				if target != w && !w.done() {
					_ = r.q.Receive(h)
				}
				return
			}
		}

		_ = act.Abandon()
		r.park(msg.SequenceNumber)
		if !w.done() {
			_ = r.q.Receive(h)
		}
	}
	return h
}

// park defers message seq if it is still ready after being abandoned, so it
// stops cycling through the ready FIFO. Nothing happens if another receiver
// took it in the meantime, and no other message is ever touched.
func (r *Receiver) park(seq int64) {
	d, err := r.q.ReceiveReadyMessage(seq)
	if err != nil {
		return
	}
	cid, ok := r.extract(d.Message)
	if ok {
		if target := r.claim(cid); target != nil {
			r.settle(target, d)
			return
		}
	}
	if err := d.Defer(); err != nil {
		r.log.Warn("defer unclaimed reply failed", "seq", seq, "err", err)
		return
	}
	if !ok {
		return
	}
	// A wait for cid may have registered after the claim above and finished
	// its deferred scan before this message was parked.
	if target := r.claim(cid); target != nil {
		d, err := r.q.ReceiveDeferredMessage(seq)
		if err != nil {
			return
		}
		r.settle(target, d)
	}
}

// Pending returns the number of outstanding ReceiveReply calls.
func (r *Receiver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ws := range r.pending {
		n += len(ws)
	}
	return n
}
