package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-process DocumentStore for tests and single-node
// deployments without durability requirements.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]*Document
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*Document)}
}

// Seed inserts a document at an explicit version, bypassing the
// optimistic-concurrency check. Test setup helper.
func (s *MemoryStore) Seed(id string, version int64, content json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[id] = &Document{
		ID:        id,
		Content:   content,
		Version:   version,
		UpdatedAt: time.Now().Unix(),
	}
}

// Get implements DocumentStore.
func (s *MemoryStore) Get(_ context.Context, id string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, notFound(id)
	}
	copied := *doc
	return &copied, nil
}

// Save implements DocumentStore.
func (s *MemoryStore) Save(_ context.Context, id string, expectedVersion int64, content json.RawMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := int64(0)
	if doc, ok := s.docs[id]; ok {
		current = doc.Version
	}
	if current != expectedVersion {
		return 0, versionConflict(id)
	}

	s.docs[id] = &Document{
		ID:        id,
		Content:   content,
		Version:   expectedVersion + 1,
		UpdatedAt: time.Now().Unix(),
	}
	return expectedVersion + 1, nil
}
