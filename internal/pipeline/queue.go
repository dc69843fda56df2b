// Package pipeline implements the request serialization machinery: the
// ParkingGate pre-queue barrier and the single QueueWorker that drains
// it, grounded on spec §4.1/§4.2 and
// original_source/api_utils/queue_worker.py.
package pipeline

import (
	"context"
	"sync"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
)

// Queue is a FIFO of pending gateway.QueueItem with peek/requeue support
// for the worker's head-of-queue disconnect sweep (spec §4.2).
type Queue struct {
	mu     sync.Mutex
	items  []*gateway.QueueItem
	notify chan struct{}
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push enqueues item at the tail.
func (q *Queue) Push(item *gateway.QueueItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// PushFront re-queues item at the head. The worker's QuotaExceeded
// re-queue uses Push (tail), not PushFront.
func (q *Queue) PushFront(item *gateway.QueueItem) {
	q.mu.Lock()
	q.items = append([]*gateway.QueueItem{item}, q.items...)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop blocks until an item is available or ctx is done, then removes and
// returns the head item.
func (q *Queue) Pop(ctx context.Context) (*gateway.QueueItem, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
			continue
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// SweepDisconnected scans up to maxCheck head items (spec: 10), marking
// cancelled and reporting to disconnected any whose originating HTTP
// request is no longer alive. Swept items stay in place, so the queue
// order is unchanged; the worker skips them when it pops them.
func (q *Queue) SweepDisconnected(maxCheck int, disconnected func(item *gateway.QueueItem) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if n > maxCheck {
		n = maxCheck
	}
	for i := 0; i < n; i++ {
		item := q.items[i]
		if item.Cancelled {
			continue
		}
		if item.HTTPRequestAlive != nil && !item.HTTPRequestAlive() {
			item.Cancelled = true
			_ = disconnected(item)
		}
	}
}
