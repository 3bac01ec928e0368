package queue

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"newsup/internal/clock"
)

// Delayed holds items that are not yet eligible for a ready queue and
// promotes them once their fire time has passed.
//
// Entries live in a min-heap ordered by (fireAt, seq). An entry is never
// visible in the ready queue before fireAt. Add never blocks: when the ready
// queue is full, due entries wait in the heap until a consumer makes room.
type Delayed[T any] struct {
	clock clock.Clock
	ready *Bounded[T]

	mu      sync.Mutex
	entries entryHeap[T]
	seq     uint64

	kick chan struct{}
}

// Pending is a snapshot of one buffered entry.
type Pending[T any] struct {
	Item   T
	FireAt time.Time
}

func NewDelayed[T any](ready *Bounded[T], c clock.Clock) *Delayed[T] {
	if c == nil {
		c = clock.Real()
	}
	return &Delayed[T]{
		clock: c,
		ready: ready,
		kick:  make(chan struct{}, 1),
	}
}

// Ready returns the queue entries are promoted into.
func (d *Delayed[T]) Ready() *Bounded[T] { return d.ready }

// Add schedules item for the ready queue after delay. A zero delay goes
// straight to the ready queue when nothing older is waiting and there is room.
func (d *Delayed[T]) Add(item T, delay time.Duration) {
	d.mu.Lock()
	now := d.clock.Now()
	if delay <= 0 && !d.hasDueLocked(now) && d.ready.TryPush(item) {
		d.mu.Unlock()
		return
	}
	if delay < 0 {
		delay = 0
	}
	d.seq++
	heap.Push(&d.entries, &entry[T]{item: item, fireAt: now.Add(delay), seq: d.seq})
	d.mu.Unlock()

	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Delayed[T]) hasDueLocked(now time.Time) bool {
	return len(d.entries) > 0 && !d.entries[0].fireAt.After(now)
}

// PromoteDue moves every elapsed entry into the ready queue, oldest fire
// time first, stopping early if the ready queue fills up. It returns the
// number promoted, the next fire time still pending (zero if none), and
// whether due entries were left behind for lack of room.
func (d *Delayed[T]) PromoteDue() (promoted int, next time.Time, blocked bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	for len(d.entries) > 0 {
		top := d.entries[0]
		if top.fireAt.After(now) {
			return promoted, top.fireAt, false
		}
		if !d.ready.TryPush(top.item) {
			return promoted, time.Time{}, true
		}
		heap.Pop(&d.entries)
		promoted++
	}
	return promoted, time.Time{}, false
}

// Run is the single promoter loop. It sleeps until the nearest fire time,
// a new Add, or (when blocked) room in the ready queue.
func (d *Delayed[T]) Run(ctx context.Context) error {
	for {
		var roomCh <-chan struct{}
		// Grab the change channel before promoting so a dequeue racing with
		// PromoteDue still wakes us.
		readyChanged := d.ready.changed()

		_, next, blocked := d.PromoteDue()

		var timer <-chan time.Time
		if blocked {
			roomCh = readyChanged
		} else if !next.IsZero() {
			timer = d.clock.After(next.Sub(d.clock.Now()))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.kick:
		case <-timer:
		case <-roomCh:
		}
	}
}

// Len returns the number of buffered (not yet promoted) entries.
func (d *Delayed[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Snapshot returns the buffered entries in promotion order.
func (d *Delayed[T]) Snapshot() []Pending[T] {
	d.mu.Lock()
	cp := make([]*entry[T], len(d.entries))
	copy(cp, d.entries)
	d.mu.Unlock()

	sort.Slice(cp, func(i, j int) bool { return cp[i].less(cp[j]) })
	out := make([]Pending[T], len(cp))
	for i, e := range cp {
		out[i] = Pending[T]{Item: e.item, FireAt: e.fireAt}
	}
	return out
}

// Range visits ready items (zero fireAt) and then buffered entries in
// promotion order. Each part is visited under its own lock, so fn may read
// item state safely but must not call back into the queue. An entry promoted
// between the two passes can be seen twice or not at all.
func (d *Delayed[T]) Range(fn func(item T, fireAt time.Time) bool) {
	stopped := false
	d.ready.Range(func(it T) bool {
		if !fn(it, time.Time{}) {
			stopped = true
			return false
		}
		return true
	})
	if stopped {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]*entry[T], len(d.entries))
	copy(cp, d.entries)
	sort.Slice(cp, func(i, j int) bool { return cp[i].less(cp[j]) })
	for _, e := range cp {
		if !fn(e.item, e.fireAt) {
			return
		}
	}
}

// Lookup returns the first item matching fn. Introspection only; O(n).
func (d *Delayed[T]) Lookup(fn func(T) bool) (item T, fireAt time.Time, ok bool) {
	d.Range(func(it T, at time.Time) bool {
		if fn(it) {
			item, fireAt, ok = it, at, true
			return false
		}
		return true
	})
	return item, fireAt, ok
}

type entry[T any] struct {
	item   T
	fireAt time.Time
	seq    uint64
}

func (e *entry[T]) less(o *entry[T]) bool {
	if e.fireAt.Equal(o.fireAt) {
		return e.seq < o.seq
	}
	return e.fireAt.Before(o.fireAt)
}

type entryHeap[T any] []*entry[T]

func (h entryHeap[T]) Len() int           { return len(h) }
func (h entryHeap[T]) Less(i, j int) bool { return h[i].less(h[j]) }
func (h entryHeap[T]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap[T]) Push(x any)        { *h = append(*h, x.(*entry[T])) }
func (h *entryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
