// Package dlq provides utilities for inspecting, draining and replaying the
// messages a queue has moved to its dead-letter queue.
//
// A dead-letter queue in epochbus is an ordinary queue.Queue named
// "__dlq__<queue>" and owned by its source queue. It accepts messages only
// through the engine's internal hand-off and never expires them.
//
//   - Peek:   read (but don't consume) the first N dead-lettered messages.
//   - Drain:  destructively consume and return the next N messages.
//   - Replay: move messages back to the source queue for reprocessing.
//
// Archive adds an optional on-disk journal of every dead-lettered message.
package dlq

import (
	"errors"
	"fmt"

	"github.com/snehjoshi/epochbus/internal/queue"
)

// ErrNoDeadLetterQueue is returned for a queue that is itself a DLQ.
var ErrNoDeadLetterQueue = errors.New("queue has no dead-letter queue")

func deadLetterQueue(q *queue.Queue) (*queue.Queue, error) {
	d := q.DeadLetterQueue()
	if d == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoDeadLetterQueue, q.Name())
	}
	return d, nil
}

// Peek returns up to max messages from q's DLQ without locking them.
func Peek(q *queue.Queue, max int) ([]queue.ReceivedMessage, error) {
	d, err := deadLetterQueue(q)
	if err != nil {
		return nil, fmt.Errorf("dlq.Peek: %w", err)
	}
	return d.PeekMany(0, max), nil
}

// Len returns the number of messages in q's DLQ, or 0 if q is a DLQ.
func Len(q *queue.Queue) int {
	d := q.DeadLetterQueue()
	if d == nil {
		return 0
	}
	return d.Len()
}

// Drain receives and completes up to max ready messages from q's DLQ and
// returns them. It stops early when the DLQ has nothing ready.
func Drain(q *queue.Queue, max int) ([]queue.ReceivedMessage, error) {
	d, err := deadLetterQueue(q)
	if err != nil {
		return nil, fmt.Errorf("dlq.Drain: %w", err)
	}

	var out []queue.ReceivedMessage
	for len(out) < max {
		del, ok := d.TryReceive()
		if !ok {
			break
		}
		if err := del.Complete(); err != nil {
			return out, fmt.Errorf("dlq.Drain: complete seq %d: %w", del.Message.SequenceNumber, err)
		}
		out = append(out, del.Message)
	}
	return out, nil
}

// Replay moves up to max messages from q's DLQ back into q. Each message is
// republished with its dead-letter reason cleared and the same MessageID,
// and is completed in the DLQ only after the publish succeeded. Returns the
// number of messages replayed.
func Replay(q *queue.Queue, max int) (int, error) {
	d, err := deadLetterQueue(q)
	if err != nil {
		return 0, fmt.Errorf("dlq.Replay: %w", err)
	}

	replayed := 0
	for replayed < max {
		del, ok := d.TryReceive()
		if !ok {
			break
		}

		fresh := del.Message.Message
		fresh.DeadLetterReason = ""
		fresh.DeadLetterDescription = ""

		if pubErr := q.Publish(fresh); pubErr != nil {
			// Leave it in the DLQ so the caller can retry.
			_ = del.Abandon()
			return replayed, fmt.Errorf("dlq.Replay: publish to %s: %w", q.Name(), pubErr)
		}
		if err := del.Complete(); err != nil {
			return replayed, fmt.Errorf("dlq.Replay: complete seq %d: %w", del.Message.SequenceNumber, err)
		}
		replayed++
	}
	return replayed, nil
}
