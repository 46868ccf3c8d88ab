package presence

import (
	"time"

	"github.com/pactdesk/collab/internal/bus"
	"github.com/pactdesk/collab/internal/logging"
)

// TypingEvent is the payload of typing-started / typing-stopped
// broadcasts on a room topic.
type TypingEvent struct {
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id"`
}

// TypingStarted raises the (document, user) typing flag and announces it
// to the room. The flag auto-clears after the TTL so a crashed client
// never leaves a stale indicator; repeating the call refreshes the TTL
// without re-broadcasting.
func (t *Tracker) TypingStarted(documentID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.typing[documentID]
	if !ok {
		users = make(map[string]*time.Timer)
		t.typing[documentID] = users
	}

	if timer, active := users[userID]; active {
		timer.Reset(t.cfg.TypingTTL)
		return
	}

	users[userID] = time.AfterFunc(t.cfg.TypingTTL, func() {
		t.expireTyping(documentID, userID)
	})
	go t.publishTyping("typing-started", documentID, userID)
}

// TypingStopped clears the flag and announces the stop. A stop without a
// preceding start is a no-op.
func (t *Tracker) TypingStopped(documentID, userID string) {
	t.mu.Lock()
	cleared := t.stopTypingLocked(documentID, userID)
	t.mu.Unlock()

	if cleared {
		t.publishTyping("typing-stopped", documentID, userID)
	}
}

// Typing reports whether the flag is currently raised.
func (t *Tracker) Typing(documentID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, active := t.typing[documentID][userID]
	return active
}

// expireTyping is the timer callback for an unanswered typing-started.
func (t *Tracker) expireTyping(documentID, userID string) {
	t.mu.Lock()
	cleared := t.stopTypingLocked(documentID, userID)
	t.mu.Unlock()

	if cleared {
		t.publishTyping("typing-stopped", documentID, userID)
	}
}

// stopTypingLocked removes the flag and its timer. Caller holds t.mu.
func (t *Tracker) stopTypingLocked(documentID, userID string) bool {
	users, ok := t.typing[documentID]
	if !ok {
		return false
	}
	timer, active := users[userID]
	if !active {
		return false
	}
	timer.Stop()
	delete(users, userID)
	if len(users) == 0 {
		delete(t.typing, documentID)
	}
	return true
}

// clearTypingLocked drops every typing flag the user holds, announcing
// each stop. Runs when the user's last connection closes. Caller holds
// t.mu.
func (t *Tracker) clearTypingLocked(userID string) {
	for documentID := range t.typing {
		if t.stopTypingLocked(documentID, userID) {
			go t.publishTyping("typing-stopped", documentID, userID)
		}
	}
}

func (t *Tracker) publishTyping(eventType, documentID, userID string) {
	ev, err := bus.NewEvent(eventType, TypingEvent{
		DocumentID: documentID,
		UserID:     userID,
	})
	if err == nil {
		err = t.bus.Publish(bus.RoomTopic(documentID), ev)
	}
	if err != nil {
		logging.Error("Failed to publish typing event", err,
			map[string]interface{}{
				"document_id": documentID,
				"user_id":     userID,
				"type":        eventType,
			})
	}
}
