package notify

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pactdesk/collab/internal/bus"
)

type staticMembers map[string][]string

func (m staticMembers) MembersOf(documentID string) []string {
	return m[documentID]
}

func collect(t *testing.T, b bus.Bus, topic string) func() []bus.Event {
	t.Helper()

	var mu sync.Mutex
	var events []bus.Event
	_, err := b.Subscribe(topic, func(ev bus.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	return func() []bus.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]bus.Event(nil), events...)
	}
}

func TestChangeAcceptedNotifiesOtherMembers(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	aliceEvents := collect(t, b, bus.UserTopic("alice"))
	bobEvents := collect(t, b, bus.UserTopic("bob"))

	n := New(b)
	n.Bind(staticMembers{"d1": {"alice", "bob"}})

	n.ChangeAccepted("d1", "alice", 7)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(bobEvents()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	got := bobEvents()
	if len(got) != 1 || got[0].Type != "notification" {
		t.Fatalf("Expected one notification for bob, got %+v", got)
	}
	var payload Notification
	if err := json.Unmarshal(got[0].Payload, &payload); err != nil {
		t.Fatalf("Bad notification payload: %v", err)
	}
	if payload.SubmitterID != "alice" || payload.NewVersion != 7 {
		t.Errorf("Unexpected notification: %+v", payload)
	}

	// The submitter is not notified of their own change.
	if got := aliceEvents(); len(got) != 0 {
		t.Errorf("Expected no notification for submitter, got %+v", got)
	}
}

func TestUnboundNotifierIsInert(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	n := New(b)
	n.ChangeAccepted("d1", "alice", 1) // must not panic
}
