package worker

import (
	"encoding/json"
	"sync"

	"gpubridge/pkg/logger"
)

// eventBuffer is the per-subscriber queue depth.
const eventBuffer = 256

// EventKind identifies what happened on a worker.
type EventKind int

const (
	InstanceConnected EventKind = iota + 1
	InstanceDisconnected
	GenerationProgress
	GenerationCompleted
	GenerationError
	GenerationCancelled
)

func (k EventKind) String() string {
	switch k {
	case InstanceConnected:
		return "instance_connected"
	case InstanceDisconnected:
		return "instance_disconnected"
	case GenerationProgress:
		return "generation_progress"
	case GenerationCompleted:
		return "generation_completed"
	case GenerationError:
		return "generation_error"
	case GenerationCancelled:
		return "generation_cancelled"
	default:
		return "unknown"
	}
}

// Event is emitted by the manager for every state change it observes.
// Job-scoped fields are zero for instance events.
type Event struct {
	Kind        EventKind
	InstanceID  int64
	JobID       int64
	PromptID    string
	Percent     int16
	CurrentNode *string
	Outputs     json.RawMessage
	Error       string
}

// eventHub fans events out to subscribers without blocking the publisher.
type eventHub struct {
	mu   sync.RWMutex
	next int
	subs map[int]chan Event
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[int]chan Event)}
}

func (h *eventHub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	ch := make(chan Event, eventBuffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

func (h *eventHub) publish(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			logger.Warnf("worker event subscriber lagging, dropped %s for job %d", e.Kind, e.JobID)
		}
	}
}

func (h *eventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
