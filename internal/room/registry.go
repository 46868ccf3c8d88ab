// Package room tracks which users have which document open and funnels
// every state-mutating operation on a document — join, leave, lock
// traffic, change submission — through that document's serialized entry
// point. Each document is an isolated unit keyed by id; unrelated
// documents process fully in parallel.
package room

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pactdesk/collab/internal/auth"
	"github.com/pactdesk/collab/internal/bus"
	apperrors "github.com/pactdesk/collab/internal/errors"
	"github.com/pactdesk/collab/internal/lock"
	"github.com/pactdesk/collab/internal/logging"
	"github.com/pactdesk/collab/internal/merge"
	"github.com/pactdesk/collab/internal/models"
	"github.com/pactdesk/collab/internal/store"
)

// JoinResult seeds a joining client's local view without a second round
// trip.
type JoinResult struct {
	DocumentID string          `json:"document_id"`
	Members    []string        `json:"members"`
	Version    int64           `json:"version"`
	Content    json.RawMessage `json:"content"`
	Locks      []*models.Lock  `json:"locks"`
}

// MemberEvent is the payload of member-joined / member-left broadcasts.
type MemberEvent struct {
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id"`
}

// LockEvent is the payload of section-locked / section-unlocked broadcasts.
type LockEvent struct {
	DocumentID string          `json:"document_id"`
	SectionID  string          `json:"section_id"`
	Holder     string          `json:"holder"`
	Kind       models.LockKind `json:"kind"`
	ExpiresAt  int64           `json:"expires_at,omitempty"`
}

// document is one room's state. All fields behind mu; mu is the
// document's serialized entry point and is held across store calls, which
// only ever blocks traffic for this document.
type document struct {
	mu      sync.Mutex
	id      string
	members map[string]map[string]bool // userID -> connection ids
	version int64
	content json.RawMessage
	locks   *lock.Table
	loaded  bool
	dead    bool
}

// Registry owns the arena of document rooms.
type Registry struct {
	mu   sync.Mutex
	docs map[string]*document

	bus     bus.Bus
	store   store.DocumentStore
	engine  *merge.Engine
	authz   auth.Authorizer
	lockTTL time.Duration

	// now is the clock used for lock expiry; injectable in tests.
	now func() time.Time
}

// NewRegistry creates a registry.
func NewRegistry(b bus.Bus, docs store.DocumentStore, engine *merge.Engine, authz auth.Authorizer, lockTTL time.Duration) *Registry {
	return &Registry{
		docs:    make(map[string]*document),
		bus:     b,
		store:   docs,
		engine:  engine,
		authz:   authz,
		lockTTL: lockTTL,
		now:     time.Now,
	}
}

// acquire returns the live document for id, creating it on first use. The
// returned document is locked; the caller must unlock it.
func (r *Registry) acquire(id string) *document {
	for {
		r.mu.Lock()
		doc, ok := r.docs[id]
		if !ok {
			doc = &document{
				id:      id,
				members: make(map[string]map[string]bool),
				locks:   lock.NewTable(id),
			}
			r.docs[id] = doc
		}
		r.mu.Unlock()

		doc.mu.Lock()
		if !doc.dead {
			return doc
		}
		// Lost a race with garbage collection; retry.
		doc.mu.Unlock()
	}
}

// gc removes the document from the arena once its membership is empty.
// Must be called with doc.mu held.
func (r *Registry) gc(doc *document) {
	if len(doc.members) > 0 {
		return
	}
	doc.dead = true
	r.mu.Lock()
	delete(r.docs, doc.id)
	r.mu.Unlock()
}

// Join adds (userID, connectionID) to a document's room. The caller must
// hold read access; on denial nothing is joined and nothing broadcast.
// Joining twice from the same connection is a no-op, not an error.
func (r *Registry) Join(ctx context.Context, documentID, userID, connectionID string) (*JoinResult, error) {
	if !r.authz.Authorize(userID, documentID, auth.ActionRead) {
		return nil, apperrors.New(apperrors.ErrAccessDenied, "no read access to document "+documentID)
	}

	doc := r.acquire(documentID)
	defer doc.mu.Unlock()

	if !doc.loaded {
		stored, err := r.store.Get(ctx, documentID)
		switch {
		case err == nil:
			doc.version = stored.Version
			doc.content = stored.Content
		case apperrors.Is(err, apperrors.ErrNotFound):
			// First ever open: the document materializes on first save.
			doc.version = 0
			doc.content = json.RawMessage("{}")
		default:
			r.gc(doc)
			return nil, err
		}
		doc.loaded = true
	}

	conns, present := doc.members[userID]
	if present && conns[connectionID] {
		return r.joinResult(doc, userID), nil
	}
	if !present {
		conns = make(map[string]bool)
		doc.members[userID] = conns
	}
	conns[connectionID] = true

	if !present {
		// First connection of this user in the room.
		r.publishRoom(documentID, "member-joined", connectionID, MemberEvent{
			DocumentID: documentID,
			UserID:     userID,
		})
	}

	logging.Info("Joined room", map[string]interface{}{
		"document_id":   documentID,
		"user_id":       userID,
		"connection_id": connectionID,
	})

	return r.joinResult(doc, userID), nil
}

// joinResult snapshots the room for the joining user. The member list
// excludes the user itself. Must be called with doc.mu held.
func (r *Registry) joinResult(doc *document, userID string) *JoinResult {
	members := make([]string, 0, len(doc.members))
	for u := range doc.members {
		if u != userID {
			members = append(members, u)
		}
	}
	sort.Strings(members)

	return &JoinResult{
		DocumentID: doc.id,
		Members:    members,
		Version:    doc.version,
		Content:    doc.content,
		Locks:      doc.locks.Live(r.now()),
	}
}

// Leave removes (userID, connectionID) from the room. When the user's
// last connection in the room is gone, their locks are released and
// member-left is broadcast; otherwise the user is still present via
// another device and nothing is announced.
func (r *Registry) Leave(documentID, userID, connectionID string) {
	doc := r.acquire(documentID)
	defer doc.mu.Unlock()

	conns, ok := doc.members[userID]
	if !ok || !conns[connectionID] {
		r.gc(doc)
		return
	}
	delete(conns, connectionID)
	if len(conns) > 0 {
		return
	}
	delete(doc.members, userID)

	for _, sectionID := range doc.locks.ReleaseAll(userID, r.now()) {
		r.publishRoom(documentID, "section-unlocked", connectionID, LockEvent{
			DocumentID: documentID,
			SectionID:  sectionID,
			Holder:     userID,
		})
	}

	r.publishRoom(documentID, "member-left", connectionID, MemberEvent{
		DocumentID: documentID,
		UserID:     userID,
	})

	logging.Info("Left room", map[string]interface{}{
		"document_id": documentID,
		"user_id":     userID,
	})

	r.gc(doc)
}

// AcquireLock requests a section lock for a room member. Grants broadcast
// section-locked to the room; denials are answered to the requester only.
func (r *Registry) AcquireLock(documentID, sectionID, userID, connectionID string, kind models.LockKind) (lock.Grant, error) {
	doc := r.acquire(documentID)
	defer doc.mu.Unlock()

	if _, ok := doc.members[userID]; !ok {
		r.gc(doc)
		return lock.Grant{}, apperrors.New(apperrors.ErrAccessDenied, "not a member of document "+documentID)
	}

	grant := doc.locks.Acquire(sectionID, userID, kind, r.lockTTL, r.now())
	if grant.Granted {
		r.publishRoom(documentID, "section-locked", "", LockEvent{
			DocumentID: documentID,
			SectionID:  sectionID,
			Holder:     grant.Holder,
			Kind:       grant.Kind,
			ExpiresAt:  grant.ExpiresAt,
		})
	}
	return grant, nil
}

// ReleaseLock releases the caller's lock on a section. Releasing an
// absent or expired lock is a no-op.
func (r *Registry) ReleaseLock(documentID, sectionID, userID, connectionID string) {
	doc := r.acquire(documentID)
	defer doc.mu.Unlock()

	if doc.locks.Release(sectionID, userID, r.now()) {
		r.publishRoom(documentID, "section-unlocked", "", LockEvent{
			DocumentID: documentID,
			SectionID:  sectionID,
			Holder:     userID,
		})
	}
	r.gc(doc)
}

// Submit runs a change submission through the merge engine under the
// document's serialized entry point.
func (r *Registry) Submit(ctx context.Context, sub models.ChangeSubmission) (merge.Result, error) {
	if !r.authz.Authorize(sub.SubmitterID, sub.DocumentID, auth.ActionWrite) {
		return merge.Result{}, apperrors.New(apperrors.ErrAccessDenied, "no write access to document "+sub.DocumentID)
	}

	doc := r.acquire(sub.DocumentID)
	defer doc.mu.Unlock()

	if _, ok := doc.members[sub.SubmitterID]; !ok {
		r.gc(doc)
		return merge.Result{}, apperrors.New(apperrors.ErrAccessDenied, "not a member of document "+sub.DocumentID)
	}

	result, newContent, err := r.engine.Submit(ctx, sub, doc.version, doc.content)
	if err != nil {
		return merge.Result{}, err
	}
	if result.Accepted {
		doc.version = result.NewVersion
		doc.content = newContent
	} else if newContent != nil {
		// The store had moved past our cached view; adopt its state.
		doc.version = result.CurrentVersion
		doc.content = newContent
	}
	return result, nil
}

// Contacts returns the union of co-members across every document the user
// currently participates in. Presence broadcasts are scoped to this set.
func (r *Registry) Contacts(userID string) []string {
	r.mu.Lock()
	docs := make([]*document, 0, len(r.docs))
	for _, d := range r.docs {
		docs = append(docs, d)
	}
	r.mu.Unlock()

	seen := map[string]bool{}
	for _, d := range docs {
		d.mu.Lock()
		if _, member := d.members[userID]; member {
			for u := range d.members {
				if u != userID {
					seen[u] = true
				}
			}
		}
		d.mu.Unlock()
	}

	contacts := make([]string, 0, len(seen))
	for u := range seen {
		contacts = append(contacts, u)
	}
	sort.Strings(contacts)
	return contacts
}

// MembersOf returns the users currently in a document's room.
func (r *Registry) MembersOf(documentID string) []string {
	r.mu.Lock()
	doc, ok := r.docs[documentID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	doc.mu.Lock()
	members := make([]string, 0, len(doc.members))
	for u := range doc.members {
		members = append(members, u)
	}
	doc.mu.Unlock()

	sort.Strings(members)
	return members
}

// RoomsOf returns the documents the connection's user is currently in.
// Used by the gateway for disconnect cleanup.
func (r *Registry) RoomsOf(userID string) []string {
	r.mu.Lock()
	docs := make([]*document, 0, len(r.docs))
	for _, d := range r.docs {
		docs = append(docs, d)
	}
	r.mu.Unlock()

	var rooms []string
	for _, d := range docs {
		d.mu.Lock()
		if _, member := d.members[userID]; member {
			rooms = append(rooms, d.id)
		}
		d.mu.Unlock()
	}
	sort.Strings(rooms)
	return rooms
}

func (r *Registry) publishRoom(documentID, eventType, origin string, payload interface{}) {
	ev, err := bus.NewEvent(eventType, payload)
	if err == nil {
		ev.Origin = origin
		err = r.bus.Publish(bus.RoomTopic(documentID), ev)
	}
	if err != nil {
		// Best effort: membership and lock state are authoritative here;
		// clients re-derive on join.
		logging.Error("Failed to publish room event", err,
			map[string]interface{}{
				"document_id": documentID,
				"type":        eventType,
			})
	}
}
