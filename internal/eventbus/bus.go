// Package eventbus is an in-process fanout of engine and service events.
//
// Publish never blocks; each subscriber owns a bounded buffer and a slow
// subscriber loses events instead of stalling the publisher.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a small, ideally JSON-serializable signal.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	// Subscribe receives every event. Types, when given, restrict delivery
	// to events whose type equals or starts with one of them followed by a
	// dot ("task" matches "task.failed").
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

// Counter is implemented by buses that track lost deliveries.
type Counter interface {
	Dropped() uint64
}

func New() *MemBus {
	return &MemBus{subs: map[uint64]*sub{}}
}

// MemBus owns no goroutines.
type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

type sub struct {
	ch    chan Event
	types []string
}

func (s *sub) wants(typ string) bool {
	if len(s.types) == 0 {
		return true
	}
	for _, t := range s.types {
		if typ == t || strings.HasPrefix(typ, t+".") {
			return true
		}
	}
	return false
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock so unsubscribe cannot close a
	// channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *MemBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer), types: types}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

// Dropped counts deliveries lost to full subscriber buffers.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }

// Subscribers is the current subscriber count.
func (b *MemBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
