// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package telemetry

import (
	"context"
	"sync"
)

// DefaultQueueCapacity bounds in-memory sealed batches awaiting transport.
const DefaultQueueCapacity = 1024

// Queue is the bounded multi-producer/single-consumer hand-off between the
// batcher (real-time context) and transport (network context). A full queue
// sheds the oldest pending batch so the newest data always gets a slot.
type Queue struct {
	mu       sync.Mutex
	items    []*Batch
	capacity int
	wake     chan struct{}
}

// NewQueue creates a queue; zero or negative capacity selects the default.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		capacity: capacity,
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue adds a sealed batch. When the queue is full the oldest pending
// batch is removed, marked overflow_dropped, and returned so the caller can
// record the loss.
func (q *Queue) Enqueue(b *Batch) (dropped *Batch) {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		dropped = q.items[0]
		q.items = q.items[1:]
		dropped.Status = StatusOverflowDropped
	}
	q.items = append(q.items, b)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return dropped
}

// Dequeue removes the oldest batch, blocking until one is available or the
// context ends.
func (q *Queue) Dequeue(ctx context.Context) (*Batch, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			b := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return b, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}

// Len returns the number of queued batches.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
