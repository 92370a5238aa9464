package client

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// ErrNoSender is returned when no sender is registered for a payload type.
var ErrNoSender = errors.New("client: no sender registered for payload type")

// DispatchOptions are the per-message settings a Dispatcher applies.
type DispatchOptions struct {
	CorrelationID string
	TimeToLive    *time.Duration
}

// Dispatcher routes payloads to the Sender registered for their type, so
// callers can publish any registered type without holding its Sender.
type Dispatcher struct {
	mu      sync.RWMutex
	senders map[reflect.Type]any // *Sender[T] keyed by T
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{senders: make(map[reflect.Type]any)}
}

// Register makes s the sender for payload type T, replacing any earlier one.
func Register[T any](d *Dispatcher, s *Sender[T]) {
	d.mu.Lock()
	d.senders[reflect.TypeFor[T]()] = s
	d.mu.Unlock()
}

func senderFor[T any](d *Dispatcher) (*Sender[T], error) {
	t := reflect.TypeFor[T]()
	d.mu.RLock()
	s, ok := d.senders[t]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNoSender, t)
	}
	return s.(*Sender[T]), nil
}

// Dispatch publishes payload through the sender registered for T.
func Dispatch[T any](ctx context.Context, d *Dispatcher, payload T, opts DispatchOptions) error {
	s, err := senderFor[T](d)
	if err != nil {
		return err
	}
	return s.Publish(ctx, Message[T]{
		CorrelationID: opts.CorrelationID,
		TimeToLive:    opts.TimeToLive,
		Payload:       payload,
	})
}

// DispatchScheduled schedules payload for at through the sender registered
// for T and returns its sequence number.
func DispatchScheduled[T any](ctx context.Context, d *Dispatcher, payload T, at time.Time, opts DispatchOptions) (int64, error) {
	s, err := senderFor[T](d)
	if err != nil {
		return 0, err
	}
	return s.Schedule(ctx, Message[T]{
		CorrelationID: opts.CorrelationID,
		TimeToLive:    opts.TimeToLive,
		Payload:       payload,
	}, at)
}

// CancelDispatched cancels a message scheduled through the sender
// registered for T.
func CancelDispatched[T any](d *Dispatcher, seq int64) error {
	s, err := senderFor[T](d)
	if err != nil {
		return err
	}
	return s.CancelScheduled(seq)
}
