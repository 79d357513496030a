// Package events carries platform events from producers to persistence and
// to the per-user, webhook and email delivery channels.
package events

import (
	"time"

	"gpubridge/pkg/store/mysql"
)

// Event types routed to specific users.
const (
	TypeJobCompleted  = "job.completed"
	TypeJobFailed     = "job.failed"
	TypeJobCancelled  = "job.cancelled"
	TypeCollabMention = "collab.mention"
)

// Event is a platform event. Build with New and the With* methods.
type Event struct {
	ID               int64
	Type             string
	SourceEntityType string
	SourceEntityID   *int64
	ActorUserID      *int64
	Payload          map[string]interface{}
	Timestamp        time.Time
}

// New creates an event of eventType stamped with the current time.
func New(eventType string) *Event {
	return &Event{
		Type:      eventType,
		Payload:   map[string]interface{}{},
		Timestamp: time.Now().UTC(),
	}
}

// WithSource sets the entity the event is about.
func (e *Event) WithSource(entityType string, entityID int64) *Event {
	e.SourceEntityType = entityType
	e.SourceEntityID = &entityID
	return e
}

// WithActor sets the user who caused the event.
func (e *Event) WithActor(userID int64) *Event {
	e.ActorUserID = &userID
	return e
}

// WithPayload replaces the payload.
func (e *Event) WithPayload(payload map[string]interface{}) *Event {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	e.Payload = payload
	return e
}

func (e *Event) model() *mysql.PlatformEvent {
	return &mysql.PlatformEvent{
		EventType:        e.Type,
		SourceEntityType: e.SourceEntityType,
		SourceEntityID:   e.SourceEntityID,
		ActorUserID:      e.ActorUserID,
		Payload:          mysql.JSONMap(e.Payload),
		CreatedAt:        e.Timestamp,
	}
}
