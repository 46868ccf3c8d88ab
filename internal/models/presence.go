package models

import "time"

// PresenceStatus enumerates the liveness states a user can be in.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceRecord tracks one user's liveness across all of their connections.
// Invariant: Status is offline if and only if Connections is empty.
type PresenceRecord struct {
	UserID       string          `json:"user_id"`
	Status       PresenceStatus  `json:"status"`
	LastActivity int64           `json:"last_activity"`
	Connections  map[string]bool `json:"connections"`
}

// LastActivityTime returns LastActivity as time.Time.
func (p *PresenceRecord) LastActivityTime() time.Time {
	return time.Unix(p.LastActivity, 0)
}

// PresenceEvent is broadcast to a user's contacts when their status changes.
type PresenceEvent struct {
	UserID    string         `json:"user_id"`
	Status    PresenceStatus `json:"status"`
	Timestamp int64          `json:"timestamp"`
}
