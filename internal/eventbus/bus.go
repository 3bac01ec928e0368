// Package eventbus carries upload progress events from the scheduler to
// in-process observers (logging, sd_notify status). Publishing never
// blocks: an observer that falls behind loses events and the loss is
// counted.
package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// Event types published by an upload run.
const (
	UploadStarted      = "upload.started"       // Data: article.Inventory
	UploadReadComplete = "upload.read_complete" // Data: upload.CounterSnapshot
	UploadFile         = "upload.file"          // Data: article.FileRef
	UploadArticle      = "upload.article"       // Data: upload.Outcome
	UploadDone         = "upload.done"          // Data: upload.Result
)

type Bus interface {
	Publish(e Event)
	// Subscribe delivers events whose Type is in types, or every event when
	// types is empty. unsubscribe closes ch and may be called repeatedly.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus { return &bus{} }

type observer struct {
	ch    chan Event
	types []string
}

func (o *observer) wants(typ string) bool {
	return len(o.types) == 0 || slices.Contains(o.types, typ)
}

type bus struct {
	// Sends happen under the read lock and closes under the write lock.
	mu        sync.RWMutex
	observers []*observer
	dropped   atomic.Uint64
}

func (b *bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, o := range b.observers {
		if !o.wants(e.Type) {
			continue
		}
		select {
		case o.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *bus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	o := &observer{ch: make(chan Event, max(buffer, 1)), types: slices.Clone(types)}
	b.mu.Lock()
	b.observers = append(b.observers, o)
	b.mu.Unlock()

	var once sync.Once
	return o.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.observers = slices.DeleteFunc(b.observers, func(x *observer) bool { return x == o })
			close(o.ch)
		})
	}
}

func (b *bus) Dropped() uint64 { return b.dropped.Load() }
