// Package scheduler implements a min-heap based wakeup scheduler.
//
// Queues register a one-shot wakeup for every scheduled message so that the
// message is activated on time even when no other traffic reaches the queue.
// One goroutine peeks at the heap root (the soonest wakeup), sleeps until it
// is due, then pops it and runs its callback. A buffered notify channel lets
// Schedule interrupt that sleep when a sooner wakeup arrives.
//
//   - peek   O(1)
//   - insert O(log N)
//   - cancel O(log N) via heap.Remove on the tracked index
package scheduler

import (
	"container/heap"
	"time"
)

// item is one entry in the heap.
type item struct {
	key   string    // unique wakeup key, usually "<queue>/<seq>"
	owner string    // queue name; lets CancelOwner drop a whole queue's wakeups
	at    time.Time // sort key
	order uint64    // insertion order, tie-break for equal at
	fire  func()

	// heapIdx is the item's current position in the heap slice, kept up to
	// date by Swap.
	heapIdx int

	// cancelled marks an item for lazy deletion by the run loop.
	cancelled bool
}

// minHeap satisfies heap.Interface. The earliest wakeup sits at index 0.
type minHeap []*item

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].order < h[j].order
	}
	return h[i].at.Before(h[j].at)
}

func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *minHeap) Push(x any) {
	it := x.(*item)
	it.heapIdx = len(*h)
	*h = append(*h, it)
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.heapIdx = -1
	*h = old[:n-1]
	return it
}

func (h *minHeap) remove(idx int) *item {
	return heap.Remove(h, idx).(*item)
}
