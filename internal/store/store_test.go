package store

import (
	"context"
	"encoding/json"
	"testing"

	apperrors "github.com/pactdesk/collab/internal/errors"
)

// Both implementations must satisfy the same contract.
func stores(t *testing.T) map[string]DocumentStore {
	t.Helper()

	sqlite, err := OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]DocumentStore{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestSaveCreatesAtVersionOne(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			v, err := s.Save(ctx, "d1", 0, json.RawMessage(`{"body":"draft"}`))
			if err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			if v != 1 {
				t.Errorf("Expected version 1, got %d", v)
			}

			doc, err := s.Get(ctx, "d1")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if doc.Version != 1 {
				t.Errorf("Expected stored version 1, got %d", doc.Version)
			}
			if string(doc.Content) != `{"body":"draft"}` {
				t.Errorf("Unexpected content: %s", doc.Content)
			}
		})
	}
}

func TestSaveVersionIncrementsByOne(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			var v int64
			var err error
			for i := int64(0); i < 5; i++ {
				v, err = s.Save(ctx, "d1", i, json.RawMessage(`{}`))
				if err != nil {
					t.Fatalf("Save at version %d failed: %v", i, err)
				}
				if v != i+1 {
					t.Fatalf("Expected version %d, got %d", i+1, v)
				}
			}
		})
	}
}

func TestSaveStaleVersionRejectedWithoutMutation(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := s.Save(ctx, "d1", 0, json.RawMessage(`{"v":"first"}`)); err != nil {
				t.Fatalf("Initial save failed: %v", err)
			}

			_, err := s.Save(ctx, "d1", 0, json.RawMessage(`{"v":"stale"}`))
			if !apperrors.Is(err, apperrors.ErrVersionConflict) {
				t.Fatalf("Expected VERSION_CONFLICT, got %v", err)
			}

			doc, err := s.Get(ctx, "d1")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if doc.Version != 1 {
				t.Errorf("Expected version unchanged at 1, got %d", doc.Version)
			}
			if string(doc.Content) != `{"v":"first"}` {
				t.Errorf("Expected content unchanged, got %s", doc.Content)
			}
		})
	}
}

func TestGetMissingDocument(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), "nope")
			if !apperrors.Is(err, apperrors.ErrNotFound) {
				t.Errorf("Expected NOT_FOUND, got %v", err)
			}
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenSQLite(dir)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	if _, err := s.Save(ctx, "d1", 0, json.RawMessage(`{"body":"kept"}`)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	s.Close()

	reopened, err := OpenSQLite(dir)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer reopened.Close()

	doc, err := reopened.Get(ctx, "d1")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if doc.Version != 1 || string(doc.Content) != `{"body":"kept"}` {
		t.Errorf("Unexpected document after reopen: %+v", doc)
	}
}
