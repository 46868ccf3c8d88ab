package models

// MutationKind enumerates the operations a queued mutation can perform.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// MutationStatus tracks a queue item's lifecycle.
type MutationStatus string

const (
	MutationPending   MutationStatus = "pending"
	MutationSynced    MutationStatus = "synced"
	MutationConflict  MutationStatus = "conflict"
	MutationFailed    MutationStatus = "failed"
	MutationDiscarded MutationStatus = "discarded"
)

// MutationQueueItem is one client-resident durable mutation created while
// offline (or after an immediate send failed). Payload is ciphertext
// produced with a locally-held key; it is decrypted before submission and
// never transmitted in that form.
type MutationQueueItem struct {
	ID          UUID           `db:"id" json:"id"`
	Kind        MutationKind   `db:"kind" json:"kind"`
	EntityType  string         `db:"entity_type" json:"entity_type"`
	EntityID    string         `db:"entity_id" json:"entity_id"`
	Payload     string         `db:"payload" json:"payload"`
	BaseUpdated int64          `db:"base_updated_at" json:"base_updated_at"`
	Status      MutationStatus `db:"status" json:"status"`
	RetryCount  int            `db:"retry_count" json:"retry_count"`
	NextRetryAt int64          `db:"next_retry_at" json:"next_retry_at"`
	LastError   string         `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   int64          `db:"created_at" json:"created_at"`
	UpdatedAt   int64          `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for MutationQueueItem.
func (MutationQueueItem) TableName() string {
	return "mutation_queue"
}
