// Package lock implements typed, expiring section locks for one document.
//
// A Table is owned by its document's actor and is not safe for concurrent
// use; all mutation funnels through the actor's serialized entry point.
// Expiry is checked at acquisition and release time against the caller's
// clock, never by a background sweep that could race a grant.
package lock

import (
	"time"

	"github.com/pactdesk/collab/internal/models"
)

// Grant is the outcome of an acquire request.
type Grant struct {
	Granted   bool
	SectionID string
	Holder    string
	Kind      models.LockKind
	ExpiresAt int64
	// Reason explains a denial to the requester.
	Reason string
}

// Table holds the live locks of one document, keyed by section id. A
// section carries either one exclusive lock or any number of shared locks.
type Table struct {
	documentID string
	sections   map[string][]*models.Lock
}

// NewTable creates an empty lock table for a document.
func NewTable(documentID string) *Table {
	return &Table{
		documentID: documentID,
		sections:   make(map[string][]*models.Lock),
	}
}

// prune drops expired locks for a section and returns the survivors.
func (t *Table) prune(sectionID string, now time.Time) []*models.Lock {
	live := t.sections[sectionID][:0]
	for _, l := range t.sections[sectionID] {
		if l.Live(now) {
			live = append(live, l)
		}
	}
	if len(live) == 0 {
		delete(t.sections, sectionID)
		return nil
	}
	t.sections[sectionID] = live
	return live
}

// Acquire attempts to lock a section. An exclusive request succeeds only
// when no live lock exists on the section; a shared request succeeds when
// no live exclusive lock exists. A holder re-acquiring its own lock of the
// same kind refreshes the expiry.
func (t *Table) Acquire(sectionID, userID string, kind models.LockKind, ttl time.Duration, now time.Time) Grant {
	live := t.prune(sectionID, now)

	for _, l := range live {
		if l.HolderID == userID && l.Kind == kind {
			l.ExpiresAt = now.Add(ttl).Unix()
			return Grant{
				Granted:   true,
				SectionID: sectionID,
				Holder:    userID,
				Kind:      kind,
				ExpiresAt: l.ExpiresAt,
			}
		}
	}

	if kind == models.LockExclusive && len(live) > 0 {
		return denied(sectionID, live[0], "section already locked")
	}
	if kind == models.LockShared {
		for _, l := range live {
			if l.Kind == models.LockExclusive {
				return denied(sectionID, l, "section exclusively locked")
			}
		}
	}

	granted := &models.Lock{
		DocumentID: t.documentID,
		SectionID:  sectionID,
		HolderID:   userID,
		Kind:       kind,
		AcquiredAt: now.Unix(),
		ExpiresAt:  now.Add(ttl).Unix(),
	}
	t.sections[sectionID] = append(t.sections[sectionID], granted)

	return Grant{
		Granted:   true,
		SectionID: sectionID,
		Holder:    userID,
		Kind:      kind,
		ExpiresAt: granted.ExpiresAt,
	}
}

func denied(sectionID string, holder *models.Lock, reason string) Grant {
	return Grant{
		Granted:   false,
		SectionID: sectionID,
		Holder:    holder.HolderID,
		Kind:      holder.Kind,
		ExpiresAt: holder.ExpiresAt,
		Reason:    reason,
	}
}

// Release removes the caller's live lock on a section. Releasing an
// absent, expired, or foreign lock is a no-op; the return value reports
// whether a live lock was actually released.
func (t *Table) Release(sectionID, userID string, now time.Time) bool {
	live := t.prune(sectionID, now)

	for i, l := range live {
		if l.HolderID == userID {
			remaining := append(live[:i], live[i+1:]...)
			if len(remaining) == 0 {
				delete(t.sections, sectionID)
			} else {
				t.sections[sectionID] = remaining
			}
			return true
		}
	}
	return false
}

// ReleaseAll removes every live lock a user holds and returns the affected
// section ids. Called on disconnect and room leave so a departing user's
// exclusive locks never strand the room.
func (t *Table) ReleaseAll(userID string, now time.Time) []string {
	var released []string
	for sectionID := range t.sections {
		if t.Release(sectionID, userID, now) {
			released = append(released, sectionID)
		}
	}
	return released
}

// Live returns all unexpired locks, for seeding a joining client's view.
func (t *Table) Live(now time.Time) []*models.Lock {
	var out []*models.Lock
	for sectionID := range t.sections {
		out = append(out, t.prune(sectionID, now)...)
	}
	return out
}
