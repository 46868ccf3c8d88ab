package queue

import (
	"context"
	"sync"

	apperrors "github.com/pactdesk/collab/internal/errors"
	"github.com/pactdesk/collab/internal/models"
)

// Storage persists queue items and conflict records so queued work
// survives restarts. Implementations must preserve insertion order in
// ListPending: drain order is FIFO per entity.
type Storage interface {
	Insert(ctx context.Context, item *models.MutationQueueItem) error
	Update(ctx context.Context, item *models.MutationQueueItem) error
	Delete(ctx context.Context, id models.UUID) error
	Get(ctx context.Context, id models.UUID) (*models.MutationQueueItem, error)
	// ListPending returns pending items in insertion order.
	ListPending(ctx context.Context) ([]*models.MutationQueueItem, error)
	// List returns items with the given status in insertion order.
	List(ctx context.Context, status models.MutationStatus) ([]*models.MutationQueueItem, error)
	// CountActive counts items still occupying queue capacity: pending
	// and conflict.
	CountActive(ctx context.Context) (int, error)

	InsertConflict(ctx context.Context, rec *models.ConflictRecord) error
	GetConflict(ctx context.Context, id models.UUID) (*models.ConflictRecord, error)
	DeleteConflict(ctx context.Context, id models.UUID) error
	ListConflicts(ctx context.Context) ([]*models.ConflictRecord, error)
}

// MemoryStorage is an in-memory Storage for tests and ephemeral runs.
type MemoryStorage struct {
	mu        sync.Mutex
	order     []models.UUID
	items     map[models.UUID]*models.MutationQueueItem
	conflicts map[models.UUID]*models.ConflictRecord
	confOrder []models.UUID
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		items:     make(map[models.UUID]*models.MutationQueueItem),
		conflicts: make(map[models.UUID]*models.ConflictRecord),
	}
}

func (s *MemoryStorage) Insert(_ context.Context, item *models.MutationQueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *item
	s.items[item.ID] = &cp
	s.order = append(s.order, item.ID)
	return nil
}

func (s *MemoryStorage) Update(_ context.Context, item *models.MutationQueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[item.ID]; !ok {
		return apperrors.New(apperrors.ErrNotFound, "queue item not found: "+string(item.ID))
	}
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *MemoryStorage) Delete(_ context.Context, id models.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, id)
	return nil
}

func (s *MemoryStorage) Get(_ context.Context, id models.UUID) (*models.MutationQueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, apperrors.New(apperrors.ErrNotFound, "queue item not found: "+string(id))
	}
	cp := *item
	return &cp, nil
}

func (s *MemoryStorage) ListPending(ctx context.Context) ([]*models.MutationQueueItem, error) {
	return s.listByStatus(models.MutationPending), nil
}

func (s *MemoryStorage) List(_ context.Context, status models.MutationStatus) ([]*models.MutationQueueItem, error) {
	return s.listByStatus(status), nil
}

func (s *MemoryStorage) listByStatus(status models.MutationStatus) []*models.MutationQueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.MutationQueueItem
	for _, id := range s.order {
		if item, ok := s.items[id]; ok && item.Status == status {
			cp := *item
			out = append(out, &cp)
		}
	}
	return out
}

func (s *MemoryStorage) CountActive(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, item := range s.items {
		if item.Status == models.MutationPending || item.Status == models.MutationConflict {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStorage) InsertConflict(_ context.Context, rec *models.ConflictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.conflicts[rec.ID] = &cp
	s.confOrder = append(s.confOrder, rec.ID)
	return nil
}

func (s *MemoryStorage) GetConflict(_ context.Context, id models.UUID) (*models.ConflictRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.conflicts[id]
	if !ok {
		return nil, apperrors.New(apperrors.ErrNotFound, "conflict record not found: "+string(id))
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStorage) DeleteConflict(_ context.Context, id models.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conflicts, id)
	return nil
}

func (s *MemoryStorage) ListConflicts(_ context.Context) ([]*models.ConflictRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.ConflictRecord
	for _, id := range s.confOrder {
		if rec, ok := s.conflicts[id]; ok {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}
