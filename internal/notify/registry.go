// Package notify tracks interactive client sessions and fans out server push messages.
package notify

import (
	"encoding/json"
	"sync"
	"time"

	"gpubridge/pkg/logger"
)

// sendBuffer is the per-connection outbound queue depth.
const sendBuffer = 256

// MessageKind distinguishes data frames from control signals.
type MessageKind int

const (
	KindText MessageKind = iota
	KindPing
	KindClose
)

// Message is one outbound item for a client session.
type Message struct {
	Kind MessageKind
	Data []byte
}

// TextMessage wraps a JSON payload.
func TextMessage(data []byte) Message {
	return Message{Kind: KindText, Data: data}
}

// Connection is a registered client session.
type Connection struct {
	ID          string
	UserID      *int64
	ConnectedAt time.Time

	send chan Message
}

// Registry maps connection id to session. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Add registers a session and returns the channel its writer loop drains.
// Adding an existing id replaces (and closes) the previous session.
func (r *Registry) Add(id string, userID *int64) <-chan Message {
	c := &Connection{
		ID:          id,
		UserID:      userID,
		ConnectedAt: time.Now(),
		send:        make(chan Message, sendBuffer),
	}

	r.mu.Lock()
	if old, ok := r.conns[id]; ok {
		close(old.send)
	}
	r.conns[id] = c
	r.mu.Unlock()

	return c.send
}

// Remove unregisters a session and closes its channel. Unknown ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok {
		delete(r.conns, id)
		close(c.send)
	}
}

// Get returns a snapshot of a session's metadata.
func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return Connection{ID: c.ID, UserID: c.UserID, ConnectedAt: c.ConnectedAt}, true
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast enqueues msg for every session. Sessions whose queue is full are skipped.
func (r *Registry) Broadcast(msg Message) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns {
		if !trySend(c, msg) {
			logger.Debugf("dropping broadcast for slow connection %s", c.ID)
		}
	}
}

// SendToUser enqueues msg for every session of userID and returns how many accepted it.
func (r *Registry) SendToUser(userID int64, msg Message) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	delivered := 0
	for _, c := range r.conns {
		if c.UserID != nil && *c.UserID == userID && trySend(c, msg) {
			delivered++
		}
	}
	return delivered
}

// PingAll enqueues a liveness probe for every session.
func (r *Registry) PingAll() {
	r.Broadcast(Message{Kind: KindPing})
}

// ShutdownAll asks every session to close, then clears the registry.
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.conns {
		trySend(c, Message{Kind: KindClose})
		close(c.send)
		delete(r.conns, id)
	}
	logger.Infof("notification registry shut down")
}

// BroadcastJSON marshals v and broadcasts it as a text frame.
func (r *Registry) BroadcastJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.Broadcast(TextMessage(data))
	return nil
}

// SendJSONToUser marshals v and sends it to userID's sessions.
func (r *Registry) SendJSONToUser(userID int64, v interface{}) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return r.SendToUser(userID, TextMessage(data)), nil
}

// trySend must be called with at least the read lock held; channels are only
// closed under the write lock, so the send cannot hit a closed channel.
func trySend(c *Connection, msg Message) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}
