// Package notify fans accepted-change notifications out to the other
// members of a document's room, addressed per user rather than per room
// so every device of an interested user hears about it. Delivery is fire
// and forget: the change is already persisted and broadcast by the time a
// notification goes out.
package notify

import (
	"sync"

	"github.com/pactdesk/collab/internal/bus"
	"github.com/pactdesk/collab/internal/logging"
)

// MemberSource lists the users currently in a document's room. The room
// registry implements this.
type MemberSource interface {
	MembersOf(documentID string) []string
}

// Notification is the payload of a notification event on a user topic.
type Notification struct {
	DocumentID  string `json:"document_id"`
	SubmitterID string `json:"submitter_id"`
	NewVersion  int64  `json:"new_version"`
}

// Notifier implements merge.Notifier over the bus.
type Notifier struct {
	bus bus.Bus

	mu      sync.RWMutex
	members MemberSource
}

// New creates a notifier. Bind the member source before the first change
// flows; until then notifications are silently skipped.
func New(b bus.Bus) *Notifier {
	return &Notifier{bus: b}
}

// Bind attaches the member source. Split from New because the registry
// that provides membership is itself constructed around the merge engine
// that carries this notifier.
func (n *Notifier) Bind(members MemberSource) {
	n.mu.Lock()
	n.members = members
	n.mu.Unlock()
}

// ChangeAccepted delivers a notification to every room member except the
// submitter.
func (n *Notifier) ChangeAccepted(documentID, submitterID string, newVersion int64) {
	n.mu.RLock()
	members := n.members
	n.mu.RUnlock()
	if members == nil {
		return
	}

	ev, err := bus.NewEvent("notification", Notification{
		DocumentID:  documentID,
		SubmitterID: submitterID,
		NewVersion:  newVersion,
	})
	if err != nil {
		logging.Error("Failed to encode notification", err)
		return
	}

	for _, userID := range members.MembersOf(documentID) {
		if userID == submitterID {
			continue
		}
		if err := n.bus.Publish(bus.UserTopic(userID), ev); err != nil {
			logging.Error("Failed to deliver notification", err,
				map[string]interface{}{
					"document_id": documentID,
					"user_id":     userID,
				})
		}
	}
}
