// Package lease implements the time-boxed, single-use settlement permit that
// backs one delivery attempt of one message.
//
// A Lease is created by the queue at delivery time. Its expiry is a one-shot
// timer armed immediately and rearmed by Renew; if the lease is still
// uncleared when the timer fires, the onExpire callback runs exactly once on
// the timer goroutine. Settlement actions are wrapped by Settle, which lets
// exactly one of them through.
package lease

import (
	"errors"
	"sync"
	"time"

	"github.com/snehjoshi/epochbus/internal/id"
)

var (
	// ErrLockExpired is returned when a settlement or renewal is attempted
	// after the lease expired.
	ErrLockExpired = errors.New("lease: lock expired")

	// ErrAlreadySettled is returned on a second settlement attempt.
	ErrAlreadySettled = errors.New("lease: message already settled")
)

// Lease is safe for concurrent use. The zero value is not usable; call New.
type Lease struct {
	token    string
	duration time.Duration
	onExpire func()

	mu        sync.Mutex
	expiresAt time.Time
	cleared   bool
	expired   bool
	timer     *time.Timer
}

// New creates a lease of length d and arms its expiry timer. onExpire may be
// nil. It is invoked without any lease lock held.
func New(d time.Duration, onExpire func()) *Lease {
	l := &Lease{
		token:     id.MustNew(),
		duration:  d,
		onExpire:  onExpire,
		expiresAt: time.Now().Add(d),
	}
	l.timer = time.AfterFunc(d, l.fire)
	return l
}

// Token returns the opaque lock token identifying this lease.
func (l *Lease) Token() string { return l.token }

// Duration returns the lock duration the lease was created with.
func (l *Lease) Duration() time.Duration { return l.duration }

// ExpiresAt returns the current expiry deadline.
func (l *Lease) ExpiresAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiresAt
}

// Cleared reports whether a settlement went through.
func (l *Lease) Cleared() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cleared
}

// Expired reports whether the expiry timer won.
func (l *Lease) Expired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expired
}

// Settle runs action if and only if this is the first settlement attempt and
// the lease has not expired. The expiry check comes first, so a late call
// after expiry always reports ErrLockExpired.
func (l *Lease) Settle(action func() error) error {
	l.mu.Lock()
	if l.expired {
		l.mu.Unlock()
		return ErrLockExpired
	}
	if l.cleared {
		l.mu.Unlock()
		return ErrAlreadySettled
	}
	l.cleared = true
	l.timer.Stop()
	l.mu.Unlock()

	if action == nil {
		return nil
	}
	return action()
}

// Handler wraps action in a closure guarded by Settle.
func (l *Lease) Handler(action func() error) func() error {
	return func() error { return l.Settle(action) }
}

// Renew pushes the deadline to now + Duration and rearms the timer.
// Renewing a cleared lease is a no-op; renewing an expired one fails.
func (l *Lease) Renew() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.expired {
		return ErrLockExpired
	}
	if l.cleared {
		return nil
	}
	l.expiresAt = time.Now().Add(l.duration)
	l.timer.Reset(l.duration)
	return nil
}

// Stop disarms the timer without settling. Used when the owning queue shuts
// down.
func (l *Lease) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timer.Stop()
}

// fire runs on the timer goroutine.
func (l *Lease) fire() {
	l.mu.Lock()
	if l.cleared || l.expired {
		l.mu.Unlock()
		return
	}
	// A Renew that raced with this firing moved the deadline; rearm instead.
	if remaining := time.Until(l.expiresAt); remaining > 0 {
		l.timer.Reset(remaining)
		l.mu.Unlock()
		return
	}
	l.expired = true
	l.mu.Unlock()

	if l.onExpire != nil {
		l.onExpire()
	}
}
