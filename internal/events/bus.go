package events

import (
	"sync"

	"gpubridge/pkg/logger"
)

// DefaultCapacity is the per-subscriber buffer of a bus.
const DefaultCapacity = 1024

// Bus fans published events out to every subscriber. Publishing never blocks;
// a subscriber whose buffer is full misses the event.
type Bus struct {
	capacity int

	mu     sync.RWMutex
	subs   map[int]chan *Event
	next   int
	closed bool
}

// NewBus creates a bus. A non-positive capacity uses DefaultCapacity.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{capacity: capacity, subs: make(map[int]chan *Event)}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			logger.Warnf("event subscriber lagging, dropped %s", e.Type)
		}
	}
}

// Subscribe returns a receive channel that is closed by Close.
func (b *Bus) Subscribe() <-chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan *Event, b.capacity)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[b.next] = ch
	b.next++
	return ch
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
