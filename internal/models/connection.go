package models

// Connection describes one authenticated websocket connection.
// Connections are transient: they exist only while the socket is open and
// are owned exclusively by the session gateway.
type Connection struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
	// Rooms is the set of document ids this connection has joined.
	Rooms map[string]bool `json:"rooms"`
	// OpenedAt is the unix timestamp the connection was accepted.
	OpenedAt int64 `json:"opened_at"`
}
