package reply_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/snehjoshi/epochbus/internal/queue"
	"github.com/snehjoshi/epochbus/internal/reply"
	"github.com/snehjoshi/epochbus/internal/types"
)

type response struct {
	ID   string
	Body string
}

func (r response) CorrelationID() string { return r.ID }

func newReplyQueue(t *testing.T) (*queue.Queue, *reply.Receiver) {
	t.Helper()
	q := queue.New("replies", queue.DefaultConfig())
	t.Cleanup(func() { _ = q.Close() })
	return q, reply.New(q)
}

func publishReply(t *testing.T, q *queue.Queue, id, body string) {
	t.Helper()
	if err := q.Publish(queue.Message{Payload: response{ID: id, Body: body}}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func receiveReply(t *testing.T, r *reply.Receiver, id string) response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := r.ReceiveReply(ctx, id)
	if err != nil {
		t.Fatalf("ReceiveReply(%s): %v", id, err)
	}
	resp, ok := m.Payload.(response)
	if !ok {
		t.Fatalf("payload type %T", m.Payload)
	}
	return resp
}

func TestReceiveReply_Single(t *testing.T) {
	q, r := newReplyQueue(t)
	publishReply(t, q, "1", "one")

	if got := receiveReply(t, r, "1"); got.Body != "one" {
		t.Fatalf("body = %q", got.Body)
	}
	if q.Len() != 0 {
		t.Fatalf("reply not completed, queue Len = %d", q.Len())
	}
}

func TestReceiveReply_SameOrder(t *testing.T) {
	q, r := newReplyQueue(t)
	publishReply(t, q, "1", "one")
	publishReply(t, q, "2", "two")

	if got := receiveReply(t, r, "1"); got.Body != "one" {
		t.Fatalf("reply 1 body = %q", got.Body)
	}
	if got := receiveReply(t, r, "2"); got.Body != "two" {
		t.Fatalf("reply 2 body = %q", got.Body)
	}
}

func TestReceiveReply_ReverseOrder(t *testing.T) {
	q, r := newReplyQueue(t)
	publishReply(t, q, "1", "one")
	publishReply(t, q, "2", "two")

	if got := receiveReply(t, r, "2"); got.Body != "two" {
		t.Fatalf("reply 2 body = %q", got.Body)
	}
	if got := receiveReply(t, r, "1"); got.Body != "one" {
		t.Fatalf("reply 1 body = %q", got.Body)
	}
	if q.Len() != 0 {
		t.Fatalf("queue Len = %d after both replies", q.Len())
	}
}

func TestReceiveReply_WaitBeforePublish(t *testing.T) {
	q, r := newReplyQueue(t)

	type result struct {
		resp response
		err  error
	}
	results := make(map[string]chan result)
	for _, id := range []string{"a", "b"} {
		ch := make(chan result, 1)
		results[id] = ch
		go func(id string) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			m, err := r.ReceiveReply(ctx, id)
			if err != nil {
				ch <- result{err: err}
				return
			}
			ch <- result{resp: m.Payload.(response)}
		}(id)
	}
	deadline := time.Now().Add(time.Second)
	for r.Pending() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	publishReply(t, q, "b", "bee")
	publishReply(t, q, "a", "ay")

	for id, want := range map[string]string{"a": "ay", "b": "bee"} {
		res := <-results[id]
		if res.err != nil {
			t.Fatalf("ReceiveReply(%s): %v", id, res.err)
		}
		if res.resp.Body != want {
			t.Errorf("ReceiveReply(%s) body = %q, want %q", id, res.resp.Body, want)
		}
	}
}

func TestReceiveReply_NonMatchingIsParked(t *testing.T) {
	q, r := newReplyQueue(t)
	publishReply(t, q, "other", "x")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := r.ReceiveReply(ctx, "mine"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}

	m, ok := q.Peek(0)
	if !ok || m.State != queue.StatusDeferred {
		t.Fatalf("non-matching reply should be parked as deferred: %+v", m)
	}
	// The parked reply is still found by a later wait.
	if got := receiveReply(t, r, "other"); got.Body != "x" {
		t.Fatalf("body = %q", got.Body)
	}
}

func TestReceiveReply_ParksOnlyTheAbandonedReply(t *testing.T) {
	q, r := newReplyQueue(t)
	publishReply(t, q, "stale", "old")
	publishReply(t, q, "mine", "new")

	// "stale" is delivered first, abandoned and parked; "mine" sits ahead of
	// it in ready afterwards and must reach the wait, not be parked.
	if got := receiveReply(t, r, "mine"); got.Body != "new" {
		t.Fatalf("body = %q", got.Body)
	}

	msgs := q.PeekMany(0, 10)
	if len(msgs) != 1 {
		t.Fatalf("want only the stale reply left, got %d messages", len(msgs))
	}
	if msgs[0].SequenceNumber != 0 || msgs[0].State != queue.StatusDeferred {
		t.Errorf("stale reply = seq %d state %s, want seq 0 deferred", msgs[0].SequenceNumber, msgs[0].State)
	}
	if msgs[0].DeliveryAttempts != 0 {
		t.Errorf("parking must not count as a delivery attempt, got %d", msgs[0].DeliveryAttempts)
	}
}

func TestReceiveReply_CorrelationIDField(t *testing.T) {
	q, r := newReplyQueue(t)
	if err := q.Publish(queue.Message{CorrelationID: "req-7", Payload: "plain"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, err := r.ReceiveReply(ctx, "req-7")
	if err != nil {
		t.Fatalf("ReceiveReply: %v", err)
	}
	if m.Payload != "plain" {
		t.Fatalf("payload = %v", m.Payload)
	}
}

func TestReceiveReply_CustomExtractor(t *testing.T) {
	q := queue.New("replies", queue.DefaultConfig())
	t.Cleanup(func() { _ = q.Close() })
	r := reply.New(q, reply.WithExtractor(func(m queue.ReceivedMessage) (string, bool) {
		s, ok := m.Payload.(string)
		return s, ok
	}))

	if err := q.Publish(queue.Message{Payload: "k1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := r.ReceiveReply(ctx, "k1"); err != nil {
		t.Fatalf("ReceiveReply: %v", err)
	}
}

func TestReceiveReply_Cancellation(t *testing.T) {
	q, r := newReplyQueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.ReceiveReply(ctx, "1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("pre-cancelled: want context.Canceled, got %v", err)
	}
	if q.Stats().Waiting != 0 || r.Pending() != 0 {
		t.Fatal("pre-cancelled wait registered something")
	}

	ctx, cancel = context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := r.ReceiveReply(ctx, "1")
		errc <- err
	}()
	deadline := time.Now().Add(time.Second)
	for q.Stats().Waiting == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled wait: want context.Canceled, got %v", err)
	}

	publishReply(t, q, "1", "late")
	m, ok := q.Peek(0)
	if !ok {
		t.Fatal("message published after cancellation was lost")
	}
	if m.State != queue.StatusReady {
		t.Fatalf("message should be abandoned back to ready, state = %s", m.State)
	}
}

func TestReceiveReply_ExpiredDeferredIsDeadLettered(t *testing.T) {
	q, r := newReplyQueue(t)
	if err := q.Publish(queue.Message{
		Payload:    response{ID: "stale"},
		TimeToLive: types.TTL(40 * time.Millisecond),
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	d, err := q.ReceiveMessage(ctx)
	cancel()
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if err := d.Defer(); err != nil {
		t.Fatalf("Defer: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, _ = r.ReceiveReply(ctx, "fresh")

	if q.Len() != 0 {
		t.Fatalf("expired deferred reply still in queue")
	}
	m, ok := q.DeadLetterQueue().Peek(0)
	if !ok || m.DeadLetterReason != queue.ReasonTTLExpired {
		t.Fatalf("DLQ entry = %+v, %v", m, ok)
	}
}

func TestReceiveReply_QueueClosed(t *testing.T) {
	q := queue.New("replies", queue.DefaultConfig())
	r := reply.New(q)

	errc := make(chan error, 1)
	go func() {
		_, err := r.ReceiveReply(context.Background(), "x")
		errc <- err
	}()
	deadline := time.Now().Add(time.Second)
	for r.Pending() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	_ = q.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, queue.ErrClosed) {
			t.Fatalf("want ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ReceiveReply not released by Close")
	}
}

func TestDefaultExtractor(t *testing.T) {
	if id, ok := reply.DefaultExtractor(queue.ReceivedMessage{Message: queue.Message{Payload: response{ID: "p"}, CorrelationID: "f"}}); !ok || id != "p" {
		t.Errorf("Correlated payload should win, got %q %v", id, ok)
	}
	if id, ok := reply.DefaultExtractor(queue.ReceivedMessage{Message: queue.Message{CorrelationID: "f"}}); !ok || id != "f" {
		t.Errorf("field fallback: got %q %v", id, ok)
	}
	if _, ok := reply.DefaultExtractor(queue.ReceivedMessage{}); ok {
		t.Error("message without correlation should report false")
	}
}
