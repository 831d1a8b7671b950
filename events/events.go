// Package events provides the coordination event stream. Cursors record
// the last event id they have seen and checkpoints record the event id
// they were taken at, so the stream is what agents resume against.
package events

import (
	"context"
	"time"
)

// Type identifies the kind of coordination event.
type Type string

const (
	TypeHierarchySynced        Type = "hierarchy.synced"
	TypeCursorUpdated          Type = "cursor.updated"
	TypeCheckpointCreated      Type = "checkpoint.created"
	TypeEscalationCreated      Type = "escalation.created"
	TypeEscalationAcknowledged Type = "escalation.acknowledged"
	TypeEscalationResolved     Type = "escalation.resolved"
)

// Event is a single coordination event. IDs are time-ordered, so later
// events always compare greater than earlier ones.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	GraphID   string         `json:"graph_id"`
	Subject   string         `json:"subject,omitempty"` // id of the entity the event is about
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler processes published events.
type Handler func(ctx context.Context, ev *Event) error

// Bus is the in-process event backbone. Components publish coordination
// events; the server subscribes to fan them out over SSE.
type Bus interface {
	// Publish assigns the event an id and timestamp if unset and
	// delivers it to all subscribers.
	Publish(ctx context.Context, ev *Event) error

	// Subscribe registers a handler for all published events.
	// Returns an unsubscribe function.
	Subscribe(handler Handler) (unsubscribe func())

	// History returns recent events for a graph in chronological order,
	// or for all graphs if graphID is empty.
	History(graphID string, limit int) ([]*Event, error)
}
