package dlq

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/epochbus/internal/id"
	"github.com/snehjoshi/epochbus/internal/queue"
)

// Record is one archived dead-letter entry.
type Record struct {
	Key            string          `json:"key"`
	Source         string          `json:"source"`
	MessageID      string          `json:"message_id"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	Reason         string          `json:"reason"`
	Description    string          `json:"description,omitempty"`
	SequenceNumber int64           `json:"dlq_sequence"`
	DeadLetteredAt time.Time       `json:"dead_lettered_at"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	PayloadText    string          `json:"payload_text,omitempty"`
}

// Archive is a bbolt-backed, append-only journal of dead-lettered messages,
// one bucket per source queue. It is an audit trail for post-run inspection:
// nothing is ever loaded back into a queue from it.
//
// Keys are ULIDs, so a bucket iterates in dead-letter order.
type Archive struct {
	db *bbolt.DB
}

// OpenArchive opens (or creates) the archive file at path.
func OpenArchive(path string) (*Archive, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	return &Archive{db: db}, nil
}

// Record journals msg as dead-lettered by source.
func (a *Archive) Record(source string, msg queue.ReceivedMessage) error {
	key, err := id.New()
	if err != nil {
		return fmt.Errorf("archive: key: %w", err)
	}
	rec := Record{
		Key:            key,
		Source:         source,
		MessageID:      msg.MessageID,
		CorrelationID:  msg.CorrelationID,
		Reason:         msg.DeadLetterReason,
		Description:    msg.DeadLetterDescription,
		SequenceNumber: msg.SequenceNumber,
		DeadLetteredAt: msg.EnqueuedAt,
	}
	if msg.Payload != nil {
		if raw, err := json.Marshal(msg.Payload); err == nil {
			rec.Payload = raw
		} else {
			rec.PayloadText = fmt.Sprintf("%v", msg.Payload)
		}
	}

	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive: marshal %s: %w", msg.MessageID, err)
	}
	return a.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(source))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), val)
	})
}

// List returns up to limit records for source, oldest first. limit <= 0
// returns everything.
func (a *Archive) List(source string, limit int) ([]Record, error) {
	var out []Record
	err := a.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(source))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("archive: decode %s: %w", k, err)
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Count returns the number of records for source.
func (a *Archive) Count(source string) (int, error) {
	n := 0
	err := a.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket([]byte(source)); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n, err
}

// Sources lists every source queue with at least one record.
func (a *Archive) Sources() ([]string, error) {
	var out []string
	err := a.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			out = append(out, string(name))
			return nil
		})
	})
	return out, err
}

// Hook returns a queue.DeadLetterHook that journals every dead-lettered
// message. Write failures are logged and never block the hand-off.
func (a *Archive) Hook(log *slog.Logger) queue.DeadLetterHook {
	if log == nil {
		log = slog.Default()
	}
	return func(source string, msg queue.ReceivedMessage) {
		if err := a.Record(source, msg); err != nil {
			log.Warn("dead-letter archive write failed",
				"queue", source, "message_id", msg.MessageID, "err", err)
		}
	}
}

// Close closes the underlying bbolt database.
func (a *Archive) Close() error {
	return a.db.Close()
}
