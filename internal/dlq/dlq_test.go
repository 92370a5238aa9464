package dlq_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/snehjoshi/epochbus/internal/dlq"
	"github.com/snehjoshi/epochbus/internal/queue"
)

func newQueue(t *testing.T, opts ...queue.Option) *queue.Queue {
	t.Helper()
	q := queue.New("orders", queue.DefaultConfig(), opts...)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// deadLetter publishes payload to q and dead-letters it with reason.
func deadLetter(t *testing.T, q *queue.Queue, payload any, reason string) {
	t.Helper()
	if err := q.Publish(queue.Message{Payload: payload}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := q.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if err := d.DeadLetter(reason, "test"); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}
}

func TestDLQ_LenAndPeek(t *testing.T) {
	q := newQueue(t)
	if n := dlq.Len(q); n != 0 {
		t.Fatalf("Len before any dead letter: want 0, got %d", n)
	}

	deadLetter(t, q, "a", "r1")
	deadLetter(t, q, "b", "r2")

	if n := dlq.Len(q); n != 2 {
		t.Fatalf("Len: want 2, got %d", n)
	}
	msgs, err := dlq.Peek(q, 10)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Payload != "a" || msgs[1].DeadLetterReason != "r2" {
		t.Fatalf("Peek = %+v", msgs)
	}
	if n := dlq.Len(q); n != 2 {
		t.Fatalf("Peek consumed messages, Len = %d", n)
	}
	if n := dlq.Len(q.DeadLetterQueue()); n != 0 {
		t.Fatalf("Len of a DLQ itself: want 0, got %d", n)
	}
}

func TestDLQ_Drain(t *testing.T) {
	q := newQueue(t)
	for _, p := range []string{"a", "b", "c"} {
		deadLetter(t, q, p, "bad")
	}

	got, err := dlq.Drain(q, 2)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(got) != 2 || got[0].Payload != "a" || got[1].Payload != "b" {
		t.Fatalf("Drain(2) = %+v", got)
	}
	if n := dlq.Len(q); n != 1 {
		t.Fatalf("Len after Drain: want 1, got %d", n)
	}

	got, _ = dlq.Drain(q, 10)
	if len(got) != 1 {
		t.Fatalf("second Drain: want 1, got %d", len(got))
	}
	got, _ = dlq.Drain(q, 10)
	if len(got) != 0 {
		t.Fatalf("Drain of empty DLQ: want 0, got %d", len(got))
	}
}

func TestDLQ_Replay(t *testing.T) {
	q := newQueue(t)
	deadLetter(t, q, "retry-me", "transient")
	original, _ := dlq.Peek(q, 1)

	n, err := dlq.Replay(q, 10)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != 1 {
		t.Fatalf("Replay count: want 1, got %d", n)
	}
	if dlq.Len(q) != 0 {
		t.Fatal("replayed message still in DLQ")
	}

	m, ok := q.Peek(0)
	if !ok {
		t.Fatal("replayed message missing from source queue")
	}
	if m.Payload != "retry-me" || m.DeadLetterReason != "" || m.DeadLetterDescription != "" {
		t.Fatalf("replayed message = %+v", m)
	}
	if m.MessageID != original[0].MessageID {
		t.Errorf("MessageID changed on replay: %q → %q", original[0].MessageID, m.MessageID)
	}
}

func TestDLQ_ReplayIntoClosedQueueKeepsMessage(t *testing.T) {
	q := queue.New("orders", queue.DefaultConfig())
	t.Cleanup(func() { _ = q.Close() })
	deadLetter(t, q, "x", "r")

	// Mirrors Replay's failure path: a publish that fails leaves the DLQ
	// entry in place.
	d := q.DeadLetterQueue()
	other := queue.New("other", queue.DefaultConfig())
	_ = other.Close()

	del, ok := d.TryReceive()
	if !ok {
		t.Fatal("TryReceive on DLQ found nothing")
	}
	if err := other.Publish(del.Message.Message); !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
	_ = del.Abandon()
	if dlq.Len(q) != 1 {
		t.Fatal("abandoned DLQ message lost")
	}
}

func TestDLQ_HelpersRejectDLQ(t *testing.T) {
	q := newQueue(t)
	d := q.DeadLetterQueue()
	if _, err := dlq.Peek(d, 1); !errors.Is(err, dlq.ErrNoDeadLetterQueue) {
		t.Errorf("Peek: want ErrNoDeadLetterQueue, got %v", err)
	}
	if _, err := dlq.Drain(d, 1); !errors.Is(err, dlq.ErrNoDeadLetterQueue) {
		t.Errorf("Drain: want ErrNoDeadLetterQueue, got %v", err)
	}
	if _, err := dlq.Replay(d, 1); !errors.Is(err, dlq.ErrNoDeadLetterQueue) {
		t.Errorf("Replay: want ErrNoDeadLetterQueue, got %v", err)
	}
}

// ─── Archive ─────────────────────────────────────────────────────────────────

func openArchive(t *testing.T) *dlq.Archive {
	t.Helper()
	a, err := dlq.OpenArchive(filepath.Join(t.TempDir(), "deadletters.db"))
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

type invoice struct {
	Number int    `json:"number"`
	Total  string `json:"total"`
}

func TestArchive_HookJournalsDeadLetters(t *testing.T) {
	a := openArchive(t)
	q := newQueue(t, queue.WithDeadLetterHook(a.Hook(nil)))

	deadLetter(t, q, invoice{Number: 7, Total: "9.99"}, "validation")
	deadLetter(t, q, "second", "validation")

	recs, err := a.List("orders", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("List: want 2 records, got %d", len(recs))
	}
	if recs[0].Reason != "validation" || recs[0].Description != "test" || recs[0].Source != "orders" {
		t.Errorf("record[0] = %+v", recs[0])
	}
	if string(recs[0].Payload) != `{"number":7,"total":"9.99"}` {
		t.Errorf("record[0] payload = %s", recs[0].Payload)
	}
	if recs[0].Key >= recs[1].Key {
		t.Errorf("records not in dead-letter order: %s then %s", recs[0].Key, recs[1].Key)
	}

	if n, _ := a.Count("orders"); n != 2 {
		t.Errorf("Count: want 2, got %d", n)
	}
	if got, _ := a.List("orders", 1); len(got) != 1 {
		t.Errorf("List limit 1: got %d", len(got))
	}
	if got, _ := a.List("unknown", 0); len(got) != 0 {
		t.Errorf("List of unknown source: got %d", len(got))
	}
	if srcs, _ := a.Sources(); len(srcs) != 1 || srcs[0] != "orders" {
		t.Errorf("Sources = %v", srcs)
	}
}

func TestArchive_UnencodablePayload(t *testing.T) {
	a := openArchive(t)
	msg := queue.ReceivedMessage{Message: queue.Message{MessageID: "m", Payload: make(chan int)}}
	if err := a.Record("q", msg); err != nil {
		t.Fatalf("Record: %v", err)
	}
	recs, _ := a.List("q", 0)
	if len(recs) != 1 || recs[0].Payload != nil || recs[0].PayloadText == "" {
		t.Fatalf("record = %+v", recs)
	}
}
