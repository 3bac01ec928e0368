package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrFinished is returned by Enqueue once the producer marked the queue finished.
	ErrFinished = errors.New("queue finished")
	// ErrEndOfStream is returned by Dequeue once the queue is finished and drained.
	ErrEndOfStream = errors.New("queue end of stream")
)

// Bounded is a FIFO with a hard capacity and a "producer finished" flag.
//
// Producers block in Enqueue while the queue is full (backpressure);
// consumers block in Dequeue while it is empty and not finished.
// PushFront is reserved for retries so already-delayed work is picked up next.
type Bounded[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	finished bool

	// wake is closed and replaced on every state change.
	wake chan struct{}
}

func NewBounded[T any](capacity int) *Bounded[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Bounded[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
		wake:     make(chan struct{}),
	}
}

// Enqueue appends item, waiting while the queue is full.
func (q *Bounded[T]) Enqueue(ctx context.Context, item T) error {
	return q.push(ctx, item, false)
}

// PushFront inserts item at the head, waiting while the queue is full.
func (q *Bounded[T]) PushFront(ctx context.Context, item T) error {
	return q.push(ctx, item, true)
}

// TryPush appends item if there is room. It never blocks.
func (q *Bounded[T]) TryPush(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished || len(q.items) >= q.capacity {
		return false
	}
	q.insertLocked(item, false)
	return true
}

// TryPushFront inserts item at the head if there is room. It never blocks.
func (q *Bounded[T]) TryPushFront(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished || len(q.items) >= q.capacity {
		return false
	}
	q.insertLocked(item, true)
	return true
}

func (q *Bounded[T]) push(ctx context.Context, item T, front bool) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.mu.Lock()
		if q.finished {
			q.mu.Unlock()
			return ErrFinished
		}
		if len(q.items) < q.capacity {
			q.insertLocked(item, front)
			q.mu.Unlock()
			return nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *Bounded[T]) insertLocked(item T, front bool) {
	if front {
		var zero T
		q.items = append(q.items, zero)
		copy(q.items[1:], q.items)
		q.items[0] = item
	} else {
		q.items = append(q.items, item)
	}
	if len(q.items) > q.capacity {
		// Callers check capacity under the same lock; reaching this is a bug.
		panic(fmt.Sprintf("queue: capacity violation (%d > %d)", len(q.items), q.capacity))
	}
	q.signalLocked()
}

// Dequeue removes the head item, waiting while the queue is empty.
// It returns ErrEndOfStream once the queue is finished and empty. A done ctx
// wins over queued items.
func (q *Bounded[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.signalLocked()
			q.mu.Unlock()
			return item, nil
		}
		if q.finished {
			q.mu.Unlock()
			return zero, ErrEndOfStream
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// MarkFinished records that nothing more will be enqueued. Idempotent.
func (q *Bounded[T]) MarkFinished() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return
	}
	q.finished = true
	q.signalLocked()
}

func (q *Bounded[T]) Finished() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finished
}

func (q *Bounded[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Bounded[T]) Cap() int { return q.capacity }

// Items returns a copy of the queued items, head first.
func (q *Bounded[T]) Items() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}

// Range calls fn for each queued item, front first, while holding the
// queue lock. fn must not call back into the queue.
func (q *Bounded[T]) Range(fn func(T) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if !fn(it) {
			return
		}
	}
}

// changed returns a channel closed on the next state change.
func (q *Bounded[T]) changed() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.wake
}

func (q *Bounded[T]) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}
