// Package queue implements the client-resident offline mutation queue:
// durable FIFO replay of mutations captured while disconnected, with
// exponential backoff, conflict detection against server state, and
// pluggable resolution strategies.
package queue

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/pactdesk/collab/internal/config"
	"github.com/pactdesk/collab/internal/crypto"
	apperrors "github.com/pactdesk/collab/internal/errors"
	"github.com/pactdesk/collab/internal/logging"
	"github.com/pactdesk/collab/internal/models"
)

// Strategy decides who wins when the server changed an entity after the
// queued mutation's base snapshot.
type Strategy string

const (
	StrategyClientWins Strategy = "client-wins"
	StrategyServerWins Strategy = "server-wins"
	StrategyManual     Strategy = "manual"
)

// ServerState is the server's current view of an entity.
type ServerState struct {
	Exists    bool
	Payload   json.RawMessage
	UpdatedAt int64
}

// Transport pushes mutations to the server and fetches current entity
// state for conflict checks. The live websocket session provides one
// implementation; tests provide fakes.
type Transport interface {
	Fetch(ctx context.Context, entityType, entityID string) (ServerState, error)
	Push(ctx context.Context, kind models.MutationKind, entityType, entityID string, payload json.RawMessage) error
}

// Options tunes a Queue.
type Options struct {
	// MaxItems bounds active (pending + conflict) items.
	MaxItems int
	// MaxRetries is the ceiling of transient-failure retries per item.
	MaxRetries int
	// BackoffBase is the base retry delay; retry n waits base * 2^n.
	BackoffBase time.Duration
	// BackoffCap bounds the exponent.
	BackoffCap int
	// Strategy is the default conflict resolution.
	Strategy Strategy
}

// OptionsFromConfig maps the queue section of the loaded configuration.
// Embedded client builds construct their queue through this.
func OptionsFromConfig(cfg config.QueueConfig) Options {
	return Options{
		MaxItems:    cfg.MaxItems,
		MaxRetries:  cfg.MaxRetries,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
		Strategy:    Strategy(cfg.Resolution),
	}
}

// Queue manages durable offline mutations. Payloads are encrypted at
// rest with a device-local key and decrypted only for submission.
type Queue struct {
	storage   Storage
	transport Transport
	key       []byte
	opts      Options

	// draining guards against overlapping drains: connectivity flapping
	// must not replay the same item twice concurrently.
	draining atomic.Bool

	now func() time.Time
}

// New creates a queue. key encrypts payloads at rest; derive it with
// crypto.DeriveKey or load it from a platform key store.
func New(storage Storage, transport Transport, key []byte, opts Options) *Queue {
	return &Queue{
		storage:   storage,
		transport: transport,
		key:       key,
		opts:      opts,
		now:       time.Now,
	}
}

// Enqueue captures one mutation for later replay. Returns QUEUE_FULL
// when active items already reached the configured bound.
func (q *Queue) Enqueue(ctx context.Context, kind models.MutationKind, entityType, entityID string, payload json.RawMessage, baseUpdated int64) (*models.MutationQueueItem, error) {
	active, err := q.storage.CountActive(ctx)
	if err != nil {
		return nil, err
	}
	if active >= q.opts.MaxItems {
		return nil, apperrors.New(apperrors.ErrQueueFull, "offline queue is full")
	}

	ciphertext, err := crypto.Encrypt(payload, q.key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCrypto, "failed to encrypt payload", err)
	}

	now := q.now().Unix()
	item := &models.MutationQueueItem{
		ID:          models.NewUUID(),
		Kind:        kind,
		EntityType:  entityType,
		EntityID:    entityID,
		Payload:     ciphertext,
		BaseUpdated: baseUpdated,
		Status:      models.MutationPending,
		NextRetryAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.storage.Insert(ctx, item); err != nil {
		return nil, err
	}

	logging.Info("Enqueued offline mutation", map[string]interface{}{
		"item_id":     item.ID,
		"kind":        kind,
		"entity_type": entityType,
		"entity_id":   entityID,
	})
	return item, nil
}

// Drain replays ready items in FIFO order per entity. A failed, deferred
// or conflicted item holds every later item for the same entity so the
// server never sees that entity's mutations out of order; other entities
// keep draining. Reentrant calls return immediately.
func (q *Queue) Drain(ctx context.Context) error {
	if !q.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer q.draining.Store(false)

	held := make(map[string]bool)

	// Entities with an unresolved conflict stay held.
	conflicted, err := q.storage.List(ctx, models.MutationConflict)
	if err != nil {
		return err
	}
	for _, item := range conflicted {
		held[entityKey(item)] = true
	}

	pending, err := q.storage.ListPending(ctx)
	if err != nil {
		return err
	}

	for _, item := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		key := entityKey(item)
		if held[key] {
			continue
		}
		if item.NextRetryAt > q.now().Unix() {
			held[key] = true
			continue
		}
		if !q.processItem(ctx, item) {
			held[key] = true
		}
	}
	return nil
}

func entityKey(item *models.MutationQueueItem) string {
	return item.EntityType + "/" + item.EntityID
}

// processItem replays one item. Returns true when the entity may keep
// draining (item synced or discarded), false when later items must hold.
func (q *Queue) processItem(ctx context.Context, item *models.MutationQueueItem) bool {
	payload, err := crypto.Decrypt(item.Payload, q.key)
	if err != nil {
		// Undecryptable payloads can never succeed.
		q.fail(ctx, item, apperrors.Wrap(apperrors.ErrCrypto, "failed to decrypt payload", err))
		return false
	}

	server, err := q.transport.Fetch(ctx, item.EntityType, item.EntityID)
	if err != nil {
		q.retryOrFail(ctx, item, err)
		return false
	}

	if server.Exists && server.UpdatedAt > item.BaseUpdated {
		return q.resolveConflict(ctx, item, payload, server)
	}

	if err := q.transport.Push(ctx, item.Kind, item.EntityType, item.EntityID, payload); err != nil {
		q.retryOrFail(ctx, item, err)
		return false
	}

	q.complete(ctx, item)
	return true
}

// resolveConflict applies the configured strategy. Returns true when the
// entity may keep draining.
func (q *Queue) resolveConflict(ctx context.Context, item *models.MutationQueueItem, payload json.RawMessage, server ServerState) bool {
	logging.Warn("Offline mutation conflicts with server state", map[string]interface{}{
		"item_id":          item.ID,
		"entity_type":      item.EntityType,
		"entity_id":        item.EntityID,
		"base_updated_at":  item.BaseUpdated,
		"server_timestamp": server.UpdatedAt,
		"strategy":         q.opts.Strategy,
	})

	switch q.opts.Strategy {
	case StrategyClientWins:
		if err := q.transport.Push(ctx, item.Kind, item.EntityType, item.EntityID, payload); err != nil {
			q.retryOrFail(ctx, item, err)
			return false
		}
		q.complete(ctx, item)
		return true

	case StrategyServerWins:
		q.discard(ctx, item)
		return true

	default:
		// Manual: persist both sides and park the entity until Resolve.
		rec := &models.ConflictRecord{
			ID:              models.NewUUID(),
			ItemID:          item.ID,
			EntityType:      item.EntityType,
			EntityID:        item.EntityID,
			LocalPayload:    string(payload),
			ServerPayload:   string(server.Payload),
			LocalTimestamp:  item.BaseUpdated,
			ServerTimestamp: server.UpdatedAt,
			DetectedAt:      q.now().Unix(),
		}
		if err := q.storage.InsertConflict(ctx, rec); err != nil {
			logging.Error("Failed to persist conflict record", err,
				map[string]interface{}{"item_id": item.ID})
			return false
		}
		item.Status = models.MutationConflict
		item.UpdatedAt = q.now().Unix()
		if err := q.storage.Update(ctx, item); err != nil {
			logging.Error("Failed to mark queue item conflicted", err,
				map[string]interface{}{"item_id": item.ID})
		}
		return false
	}
}

// Resolution picks a side of a parked conflict.
type Resolution string

const (
	KeepLocal  Resolution = "keep-local"
	KeepServer Resolution = "keep-server"
)

// Resolve settles a conflict that the manual strategy parked. KeepLocal
// pushes the queued payload despite the newer server state; KeepServer
// discards it. Either way the conflict record and the item leave the
// queue, unparking the entity for the next Drain.
func (q *Queue) Resolve(ctx context.Context, conflictID models.UUID, resolution Resolution) error {
	rec, err := q.storage.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	item, err := q.storage.Get(ctx, rec.ItemID)
	if err != nil {
		return err
	}

	switch resolution {
	case KeepLocal:
		if err := q.transport.Push(ctx, item.Kind, item.EntityType, item.EntityID, json.RawMessage(rec.LocalPayload)); err != nil {
			return apperrors.Wrap(apperrors.ErrSyncFailed, "failed to push resolved mutation", err)
		}
		q.complete(ctx, item)
	case KeepServer:
		q.discard(ctx, item)
	default:
		return apperrors.New(apperrors.ErrInvalid, "unknown resolution: "+string(resolution))
	}

	if err := q.storage.DeleteConflict(ctx, conflictID); err != nil {
		return err
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"conflict_id": conflictID,
		"item_id":     item.ID,
		"resolution":  resolution,
	})
	return nil
}

// retryOrFail schedules a retry with exponential backoff, or marks the
// item failed once the error is permanent or the ceiling is reached.
func (q *Queue) retryOrFail(ctx context.Context, item *models.MutationQueueItem, cause error) {
	if !apperrors.Retryable(cause) {
		q.fail(ctx, item, cause)
		return
	}

	item.RetryCount++
	if item.RetryCount >= q.opts.MaxRetries {
		q.fail(ctx, item, cause)
		return
	}

	delay := q.backoff(item.RetryCount)
	item.NextRetryAt = q.now().Add(delay).Unix()
	item.LastError = cause.Error()
	item.UpdatedAt = q.now().Unix()
	if err := q.storage.Update(ctx, item); err != nil {
		logging.Error("Failed to reschedule queue item", err,
			map[string]interface{}{"item_id": item.ID})
		return
	}

	logging.Warn("Mutation replay failed, will retry", map[string]interface{}{
		"item_id":     item.ID,
		"retry_count": item.RetryCount,
		"max_retries": q.opts.MaxRetries,
		"delay":       delay.String(),
		"error":       cause.Error(),
	})
}

func (q *Queue) backoff(retryCount int) time.Duration {
	exp := retryCount
	if exp > q.opts.BackoffCap {
		exp = q.opts.BackoffCap
	}
	return q.opts.BackoffBase * (1 << uint(exp))
}

func (q *Queue) complete(ctx context.Context, item *models.MutationQueueItem) {
	if err := q.storage.Delete(ctx, item.ID); err != nil {
		logging.Error("Failed to remove synced queue item", err,
			map[string]interface{}{"item_id": item.ID})
		return
	}
	logging.Info("Mutation synced", map[string]interface{}{
		"item_id":     item.ID,
		"entity_type": item.EntityType,
		"entity_id":   item.EntityID,
	})
}

func (q *Queue) discard(ctx context.Context, item *models.MutationQueueItem) {
	item.Status = models.MutationDiscarded
	item.UpdatedAt = q.now().Unix()
	if err := q.storage.Update(ctx, item); err != nil {
		logging.Error("Failed to mark queue item discarded", err,
			map[string]interface{}{"item_id": item.ID})
	}
}

func (q *Queue) fail(ctx context.Context, item *models.MutationQueueItem, cause error) {
	item.Status = models.MutationFailed
	item.LastError = cause.Error()
	item.UpdatedAt = q.now().Unix()
	if err := q.storage.Update(ctx, item); err != nil {
		logging.Error("Failed to mark queue item failed", err,
			map[string]interface{}{"item_id": item.ID})
		return
	}
	logging.Error("Mutation replay failed permanently", cause,
		map[string]interface{}{
			"item_id":     item.ID,
			"retry_count": item.RetryCount,
		})
}

// RetryFailed resets failed items to pending for another drain cycle.
// Returns how many items were reset.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	failed, err := q.storage.List(ctx, models.MutationFailed)
	if err != nil {
		return 0, err
	}

	now := q.now().Unix()
	count := 0
	for _, item := range failed {
		item.Status = models.MutationPending
		item.RetryCount = 0
		item.NextRetryAt = now
		item.LastError = ""
		item.UpdatedAt = now
		if err := q.storage.Update(ctx, item); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Pending returns pending items in drain order.
func (q *Queue) Pending(ctx context.Context) ([]*models.MutationQueueItem, error) {
	return q.storage.ListPending(ctx)
}

// Conflicts returns parked conflicts awaiting Resolve.
func (q *Queue) Conflicts(ctx context.Context) ([]*models.ConflictRecord, error) {
	return q.storage.ListConflicts(ctx)
}
