package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Scheduler runs callbacks at or after their wakeup time.
//
// Usage:
//
//	s := New()
//	s.Start(ctx)
//	defer s.Stop()
//
//	s.Schedule("orders/7", "orders", at, func() { q.activateDue() })
//
// Callbacks run on the scheduler goroutine one at a time and must not block
// for long. All methods are safe for concurrent use.
type Scheduler struct {
	mu    sync.Mutex
	h     minHeap
	byKey map[string]*item
	order uint64

	// notify has capacity 1. Schedule signals it whenever a new item might be
	// earlier than the current timer deadline.
	notify chan struct{}

	startOnce sync.Once
	done      chan struct{}
	stopped   bool
	wg        sync.WaitGroup
}

// New creates a Scheduler. Call Start to begin running callbacks.
func New() *Scheduler {
	h := make(minHeap, 0, 64)
	heap.Init(&h)
	return &Scheduler{
		h:      h,
		byKey:  make(map[string]*item),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Schedule registers fire to run at or after at. Scheduling a key that is
// already pending replaces the previous entry. A wakeup already in the past
// runs promptly. Schedule after Stop is a no-op.
func (s *Scheduler) Schedule(key, owner string, at time.Time, fire func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if prev, ok := s.byKey[key]; ok {
		prev.cancelled = true
		s.h.remove(prev.heapIdx)
		delete(s.byKey, key)
	}

	s.order++
	it := &item{key: key, owner: owner, at: at, order: s.order, fire: fire}
	heap.Push(&s.h, it)
	s.byKey[key] = it
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Cancel removes a pending wakeup. It reports whether the key was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.byKey[key]
	if !ok {
		return false
	}
	it.cancelled = true
	s.h.remove(it.heapIdx)
	delete(s.byKey, key)
	return true
}

// CancelOwner removes every pending wakeup registered by owner and returns how
// many were removed.
func (s *Scheduler) CancelOwner(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, it := range s.byKey {
		if it.owner != owner {
			continue
		}
		it.cancelled = true
		s.h.remove(it.heapIdx)
		delete(s.byKey, key)
		n++
	}
	return n
}

// Len returns the number of pending wakeups.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

// CountByOwner returns the number of pending wakeups registered by owner.
func (s *Scheduler) CountByOwner(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.byKey {
		if it.owner == owner {
			n++
		}
	}
	return n
}

// Start launches the background goroutine. Calls after the first are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run(ctx)
	})
}

// Stop shuts down the background goroutine and waits for it to exit. Pending
// wakeups are dropped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.done)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// ─── run loop ────────────────────────────────────────────────────────────────

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	for {
		s.mu.Lock()
		next := s.peek()
		var at time.Time
		if next != nil {
			at = next.at
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-s.notify:
			}
			continue
		}

		delay := time.Until(at)
		if delay <= 0 {
			s.fireRoot()
			continue
		}

		if t == nil {
			t = time.NewTimer(delay)
		} else {
			t.Reset(delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.notify:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		case <-t.C:
			s.fireRoot()
		}
	}
}

// fireRoot pops the root if it is due and runs its callback outside the lock.
func (s *Scheduler) fireRoot() {
	s.mu.Lock()
	it := s.peek()
	if it == nil || time.Now().Before(it.at) {
		s.mu.Unlock()
		return
	}
	heap.Pop(&s.h)
	delete(s.byKey, it.key)
	s.mu.Unlock()

	if it.fire != nil {
		it.fire()
	}
}

// peek returns the root, discarding lazily cancelled entries. Caller holds mu.
func (s *Scheduler) peek() *item {
	for s.h.Len() > 0 {
		root := s.h[0]
		if !root.cancelled {
			return root
		}
		heap.Pop(&s.h)
	}
	return nil
}
