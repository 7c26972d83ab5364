// Package notify fans comment mutations out to the subscribers of the
// thread's root entity.
package notify

import "remark/api/internal/store"

type EventKind string

const (
	EventCreated EventKind = "CREATED"
	EventUpdated EventKind = "UPDATED"
	EventDelete  EventKind = "DELETE"
)

// Event is the message each subscriber receives.
type Event struct {
	Event   EventKind         `json:"event"`
	Payload store.CommentData `json:"payload"`
}

func NewEvent(kind EventKind, c store.Comment) Event {
	return Event{Event: kind, Payload: c.Data()}
}
