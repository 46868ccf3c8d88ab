// Package bus provides the fan-out pub/sub abstraction that decouples
// event delivery from the processes holding the sockets. Delivery is
// at-least-once per subscriber; every consumer in this design is
// idempotent and re-derives state rather than accumulating deltas.
package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is one published message on a topic.
type Event struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	// Origin is the connection id the event originated from, when any.
	// Subscribers use it to suppress echoing an event back to its source.
	Origin    string `json:"origin,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NewEvent builds an event with a JSON-encoded payload.
func NewEvent(eventType string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return Event{
		Type:      eventType,
		Payload:   data,
		Timestamp: time.Now().Unix(),
	}, nil
}

// Handler consumes delivered events. Handlers must be idempotent under
// duplicate delivery.
type Handler func(Event)

// Subscription is a handle to an active topic subscription.
type Subscription struct {
	cancel func()
}

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s != nil && s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Bus fans events out to all subscribers of a topic.
type Bus interface {
	Publish(topic string, ev Event) error
	Subscribe(topic string, h Handler) (*Subscription, error)
	Close() error
}

// Topic name builders. These are the only topic families the engine uses.

// RoomTopic addresses every member of a document's room.
func RoomTopic(documentID string) string { return "room:" + documentID }

// UserTopic addresses every connection of one user (direct delivery,
// notifications, forced logout).
func UserTopic(userID string) string { return "user:" + userID }

// PresenceTopic carries a user's status changes to their contacts.
func PresenceTopic(userID string) string { return "presence:" + userID }
