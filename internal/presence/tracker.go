// Package presence tracks per-user liveness from heartbeats and
// connection churn, and broadcasts status changes to the user's contacts
// only. All broadcasts are best-effort: a delivery failure never fails
// the action that triggered it.
package presence

import (
	"sync"
	"time"

	"github.com/pactdesk/collab/internal/bus"
	"github.com/pactdesk/collab/internal/logging"
	"github.com/pactdesk/collab/internal/models"
)

// ContactResolver yields the users that should learn about a status
// change: the union of co-members across the user's open documents. The
// room registry implements this.
type ContactResolver interface {
	Contacts(userID string) []string
}

// Config tunes liveness windows.
type Config struct {
	// IdleAfter flips online users to away when no heartbeat arrived
	// within the window.
	IdleAfter time.Duration
	// SweepInterval is how often the idle sweep runs.
	SweepInterval time.Duration
	// TypingTTL auto-clears a typing flag that was never stopped.
	TypingTTL time.Duration
}

// Tracker holds presence records for all connected users.
// Invariant: a user's status is offline if and only if they have zero
// open connections; offline users carry no record at all.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*models.PresenceRecord
	// typing holds auto-expiry timers keyed by document then user.
	typing map[string]map[string]*time.Timer

	bus      bus.Bus
	contacts ContactResolver
	cfg      Config

	now     func() time.Time
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewTracker creates a tracker. Call Start to run the idle sweeper.
func NewTracker(b bus.Bus, contacts ContactResolver, cfg Config) *Tracker {
	return &Tracker{
		records:  make(map[string]*models.PresenceRecord),
		typing:   make(map[string]map[string]*time.Timer),
		bus:      b,
		contacts: contacts,
		cfg:      cfg,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the idle sweeper.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.sweepLoop()
}

// Stop terminates the sweeper and waits for it.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.mu.Unlock()

	close(t.stopCh)
	t.wg.Wait()
}

func (t *Tracker) sweepLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.sweepIdle()
		}
	}
}

// sweepIdle transitions online users with stale heartbeats to away.
func (t *Tracker) sweepIdle() {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.cfg.IdleAfter).Unix()
	for _, rec := range t.records {
		if rec.Status == models.PresenceOnline && rec.LastActivity < cutoff {
			t.setStatusLocked(rec, models.PresenceAway)
		}
	}
}

// ConnectionOpened registers a connection for a user. Safe to call
// concurrently for the same user across devices; repeating a connection
// id is a no-op.
func (t *Tracker) ConnectionOpened(userID, connectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[userID]
	if !ok {
		rec = &models.PresenceRecord{
			UserID:      userID,
			Status:      models.PresenceOffline,
			Connections: make(map[string]bool),
		}
		t.records[userID] = rec
	}
	rec.Connections[connectionID] = true
	rec.LastActivity = t.now().Unix()
	t.setStatusLocked(rec, models.PresenceOnline)
}

// ConnectionClosed deregisters a connection and returns how many
// connections the user still has open. The user goes offline only when
// the count reaches zero.
func (t *Tracker) ConnectionClosed(userID, connectionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[userID]
	if !ok {
		return 0
	}
	delete(rec.Connections, connectionID)

	remaining := len(rec.Connections)
	if remaining == 0 {
		t.setStatusLocked(rec, models.PresenceOffline)
		delete(t.records, userID)
		t.clearTypingLocked(userID)
	}
	return remaining
}

// Heartbeat records client activity: it refreshes the idle clock and
// lifts an away user back to online.
func (t *Tracker) Heartbeat(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[userID]
	if !ok {
		return
	}
	rec.LastActivity = t.now().Unix()
	if rec.Status == models.PresenceAway {
		t.setStatusLocked(rec, models.PresenceOnline)
	}
}

// SetStatus applies an explicit status change for a connected user.
// Idempotent: repeating the current status produces no broadcast. A user
// with open connections cannot be forced offline this way.
func (t *Tracker) SetStatus(userID string, status models.PresenceStatus) {
	if status == models.PresenceOffline {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[userID]
	if !ok {
		return
	}
	rec.LastActivity = t.now().Unix()
	t.setStatusLocked(rec, status)
}

// Status returns the user's current status; users without open
// connections are offline.
func (t *Tracker) Status(userID string) models.PresenceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[userID]
	if !ok {
		return models.PresenceOffline
	}
	return rec.Status
}

// Connections returns how many connections a user has open.
func (t *Tracker) Connections(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[userID]
	if !ok {
		return 0
	}
	return len(rec.Connections)
}

// setStatusLocked applies a status transition and broadcasts it to the
// user's contacts when the status actually changed. Caller holds t.mu.
func (t *Tracker) setStatusLocked(rec *models.PresenceRecord, status models.PresenceStatus) {
	if rec.Status == status {
		return
	}
	rec.Status = status

	event := models.PresenceEvent{
		UserID:    rec.UserID,
		Status:    status,
		Timestamp: t.now().Unix(),
	}
	// Resolve contacts and publish outside the lock.
	go t.broadcast(event)
}

// broadcast delivers a presence-update to the user's contacts, never
// globally. Failures are logged and swallowed.
func (t *Tracker) broadcast(event models.PresenceEvent) {
	ev, err := bus.NewEvent("presence-update", event)
	if err != nil {
		logging.Error("Failed to encode presence update", err)
		return
	}

	if err := t.bus.Publish(bus.PresenceTopic(event.UserID), ev); err != nil {
		logging.Error("Failed to publish presence update", err,
			map[string]interface{}{"user_id": event.UserID})
	}
	for _, contact := range t.contacts.Contacts(event.UserID) {
		if err := t.bus.Publish(bus.UserTopic(contact), ev); err != nil {
			logging.Error("Failed to deliver presence update to contact", err,
				map[string]interface{}{
					"user_id": event.UserID,
					"contact": contact,
				})
		}
	}
}
