package models

import "time"

// LockKind distinguishes exclusive from shared section locks.
type LockKind string

const (
	LockExclusive LockKind = "exclusive"
	LockShared    LockKind = "shared"
)

// Lock is a time-bounded claim on a document section.
// A lock is live while now <= ExpiresAt; an expired lock is treated as
// absent even when no explicit release ever arrived.
type Lock struct {
	DocumentID string   `json:"document_id"`
	SectionID  string   `json:"section_id"`
	HolderID   string   `json:"holder_id"`
	Kind       LockKind `json:"kind"`
	AcquiredAt int64    `json:"acquired_at"`
	ExpiresAt  int64    `json:"expires_at"`
}

// Live reports whether the lock is still in force at the given instant.
func (l *Lock) Live(now time.Time) bool {
	return now.Unix() <= l.ExpiresAt
}
