package models

import "time"

// ConflictRecord holds both sides of a detected conflict so a user (or an
// automated policy) can resolve it later. It is attached to a
// MutationQueueItem in conflict status and removed together with it once
// resolved.
type ConflictRecord struct {
	ID              UUID   `db:"id" json:"id"`
	ItemID          UUID   `db:"item_id" json:"item_id"`
	EntityType      string `db:"entity_type" json:"entity_type"`
	EntityID        string `db:"entity_id" json:"entity_id"`
	LocalPayload    string `db:"local_payload" json:"local_payload"`
	ServerPayload   string `db:"server_payload" json:"server_payload"`
	LocalTimestamp  int64  `db:"local_timestamp" json:"local_timestamp"`
	ServerTimestamp int64  `db:"server_timestamp" json:"server_timestamp"`
	DetectedAt      int64  `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictRecord.
func (ConflictRecord) TableName() string {
	return "conflict_records"
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *ConflictRecord) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
