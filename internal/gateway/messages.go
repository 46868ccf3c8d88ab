package gateway

import "encoding/json"

// Envelope wraps every message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound message types. The dispatch switch in client.handle covers
// exactly this set; anything else earns an error reply.
const (
	msgJoinRoom     = "join-room"
	msgLeaveRoom    = "leave-room"
	msgSubmitChange = "submit-change"
	msgAcquireLock  = "acquire-lock"
	msgReleaseLock  = "release-lock"
	msgHeartbeat    = "heartbeat"
	msgTypingStart  = "typing-start"
	msgTypingStop   = "typing-stop"
)

// Outbound message types produced directly by the gateway. Broadcast
// types (member-joined, document-changed, section-locked, ...) arrive
// through the bus and keep their published type.
const (
	msgJoined         = "joined"
	msgChangeAccepted = "change-accepted"
	msgChangeRejected = "change-rejected"
	msgLockDenied     = "lock-denied"
	msgError          = "error"
)

type joinRoomPayload struct {
	DocumentID string `json:"document_id"`
}

type leaveRoomPayload struct {
	DocumentID string `json:"document_id"`
}

type submitChangePayload struct {
	DocumentID  string          `json:"document_id"`
	BaseVersion int64           `json:"base_version"`
	Patch       json.RawMessage `json:"patch"`
}

type lockPayload struct {
	DocumentID string `json:"document_id"`
	SectionID  string `json:"section_id"`
	Kind       string `json:"kind,omitempty"`
}

type heartbeatPayload struct {
	// Status optionally carries an explicit presence change alongside the
	// liveness signal.
	Status string `json:"status,omitempty"`
}

type typingPayload struct {
	DocumentID string `json:"document_id"`
}

type changeAcceptedPayload struct {
	DocumentID string `json:"document_id"`
	NewVersion int64  `json:"new_version"`
}

type changeRejectedPayload struct {
	DocumentID     string          `json:"document_id"`
	CurrentVersion int64           `json:"current_version"`
	Content        json.RawMessage `json:"content"`
	Reason         string          `json:"reason"`
}

type lockDeniedPayload struct {
	DocumentID string `json:"document_id"`
	SectionID  string `json:"section_id"`
	Holder     string `json:"holder,omitempty"`
	Reason     string `json:"reason"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
