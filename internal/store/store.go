// Package store defines the document persistence collaborator and its
// implementations. The version is stored atomically with the content; it
// is the source of truth for optimistic concurrency.
package store

import (
	"context"
	"encoding/json"

	apperrors "github.com/pactdesk/collab/internal/errors"
)

// Document is one persisted document state.
type Document struct {
	ID        string          `db:"id" json:"id"`
	Content   json.RawMessage `db:"content" json:"content"`
	Version   int64           `db:"version" json:"version"`
	UpdatedAt int64           `db:"updated_at" json:"updated_at"`
}

// DocumentStore is the external persistence contract. Save succeeds only
// when expectedVersion matches the stored version and returns the new
// version (expectedVersion + 1); a mismatch returns VERSION_CONFLICT and
// leaves stored state untouched. A document that does not exist yet has
// version 0.
type DocumentStore interface {
	Get(ctx context.Context, id string) (*Document, error)
	Save(ctx context.Context, id string, expectedVersion int64, content json.RawMessage) (int64, error)
}

func notFound(id string) error {
	return apperrors.New(apperrors.ErrNotFound, "document not found: "+id)
}

func versionConflict(id string) error {
	return apperrors.New(apperrors.ErrVersionConflict, "stale version for document "+id)
}
