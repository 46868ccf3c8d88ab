// Package merge implements the optimistic-concurrency change pipeline: a
// submission is validated against the document's current version, then
// persisted, then broadcast, then (optionally) notified — in that order,
// so a bus failure can never roll back a persisted change.
package merge

import (
	"context"
	"encoding/json"

	"github.com/pactdesk/collab/internal/bus"
	apperrors "github.com/pactdesk/collab/internal/errors"
	"github.com/pactdesk/collab/internal/logging"
	"github.com/pactdesk/collab/internal/models"
	"github.com/pactdesk/collab/internal/store"
)

// ApplyFunc interprets an opaque patch against current content. The
// default replaces content wholesale: whole-section locking plus
// last-writer-wins, no finer merge.
type ApplyFunc func(current, patch json.RawMessage) (json.RawMessage, error)

// Replace is the default ApplyFunc.
func Replace(_, patch json.RawMessage) (json.RawMessage, error) {
	return patch, nil
}

// Notifier receives a fire-and-forget notification after an accepted
// change has been persisted and broadcast. Failures are logged, never
// propagated.
type Notifier interface {
	ChangeAccepted(documentID, submitterID string, newVersion int64)
}

// Result is the outcome of one submission.
type Result struct {
	Accepted   bool
	NewVersion int64
	// CurrentVersion and Content describe server state on rejection so
	// the client can rebase and resubmit.
	CurrentVersion int64
	Content        json.RawMessage
	Reason         string
}

// ChangedEvent is the payload of a document-changed broadcast.
type ChangedEvent struct {
	DocumentID  string          `json:"document_id"`
	SubmitterID string          `json:"submitter_id"`
	Patch       json.RawMessage `json:"patch"`
	NewVersion  int64           `json:"new_version"`
}

// Engine validates, persists, and broadcasts change submissions. Callers
// must serialize Submit per document; the room registry's document actor
// provides that serialization.
type Engine struct {
	store    store.DocumentStore
	bus      bus.Bus
	apply    ApplyFunc
	notifier Notifier
}

// NewEngine creates an engine. apply may be nil for the default
// whole-content replacement; notifier may be nil.
func NewEngine(docs store.DocumentStore, b bus.Bus, apply ApplyFunc, notifier Notifier) *Engine {
	if apply == nil {
		apply = Replace
	}
	return &Engine{store: docs, bus: b, apply: apply, notifier: notifier}
}

// Submit processes one submission against the caller-held current state
// and returns the result plus the new content for the caller to cache.
// This same path serves live submissions and offline-queue replays.
func (e *Engine) Submit(ctx context.Context, sub models.ChangeSubmission, currentVersion int64, currentContent json.RawMessage) (Result, json.RawMessage, error) {
	if sub.BaseVersion != currentVersion {
		return e.reject(ctx, sub, currentVersion, currentContent), nil, nil
	}

	newContent, err := e.apply(currentContent, sub.Patch)
	if err != nil {
		return Result{}, nil, apperrors.Wrap(apperrors.ErrInvalid, "patch could not be applied", err)
	}

	newVersion, err := e.store.Save(ctx, sub.DocumentID, currentVersion, newContent)
	if apperrors.Is(err, apperrors.ErrVersionConflict) {
		// The store moved past the caller's cached view (external
		// writer). Re-derive and reject so the client rebases.
		doc, getErr := e.store.Get(ctx, sub.DocumentID)
		if getErr != nil {
			return Result{}, nil, getErr
		}
		return e.reject(ctx, sub, doc.Version, doc.Content), doc.Content, nil
	}
	if err != nil {
		return Result{}, nil, err
	}

	e.broadcast(sub, newVersion)

	if e.notifier != nil {
		go e.notifier.ChangeAccepted(sub.DocumentID, sub.SubmitterID, newVersion)
	}

	return Result{Accepted: true, NewVersion: newVersion}, newContent, nil
}

func (e *Engine) reject(_ context.Context, sub models.ChangeSubmission, currentVersion int64, content json.RawMessage) Result {
	logging.Debug("Change rejected",
		map[string]interface{}{
			"document_id":     sub.DocumentID,
			"submitter_id":    sub.SubmitterID,
			"base_version":    sub.BaseVersion,
			"current_version": currentVersion,
		})
	return Result{
		Accepted:       false,
		CurrentVersion: currentVersion,
		Content:        content,
		Reason:         "base version is stale",
	}
}

func (e *Engine) broadcast(sub models.ChangeSubmission, newVersion int64) {
	ev, err := bus.NewEvent("document-changed", ChangedEvent{
		DocumentID:  sub.DocumentID,
		SubmitterID: sub.SubmitterID,
		Patch:       sub.Patch,
		NewVersion:  newVersion,
	})
	if err == nil {
		ev.Origin = sub.ConnectionID
		err = e.bus.Publish(bus.RoomTopic(sub.DocumentID), ev)
	}
	if err != nil {
		// Persistence already succeeded; late joiners recover current
		// state on join.
		logging.Error("Failed to broadcast accepted change", err,
			map[string]interface{}{
				"document_id": sub.DocumentID,
				"new_version": newVersion,
			})
	}
}
