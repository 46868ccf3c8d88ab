package queue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	apperrors "github.com/pactdesk/collab/internal/errors"
	"github.com/pactdesk/collab/internal/models"
)

// SQLiteStorage persists the queue in a local SQLite database so queued
// mutations survive process restarts.
type SQLiteStorage struct {
	db *sql.DB
}

// OpenSQLite opens (and bootstraps) the queue database under dataDir.
func OpenSQLite(dataDir string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "queue.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS mutation_queue (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		base_updated_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_mutation_queue_status ON mutation_queue(status);
	CREATE INDEX IF NOT EXISTS idx_mutation_queue_entity ON mutation_queue(entity_type, entity_id);

	CREATE TABLE IF NOT EXISTS conflict_records (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		local_payload TEXT NOT NULL,
		server_payload TEXT NOT NULL,
		local_timestamp INTEGER NOT NULL,
		server_timestamp INTEGER NOT NULL,
		detected_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

const itemColumns = "id, kind, entity_type, entity_id, payload, base_updated_at, status, retry_count, next_retry_at, last_error, created_at, updated_at"

func (s *SQLiteStorage) Insert(ctx context.Context, item *models.MutationQueueItem) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO mutation_queue ("+itemColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		item.ID, item.Kind, item.EntityType, item.EntityID, item.Payload,
		item.BaseUpdated, item.Status, item.RetryCount, item.NextRetryAt,
		item.LastError, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to insert queue item", err)
	}
	return nil
}

func (s *SQLiteStorage) Update(ctx context.Context, item *models.MutationQueueItem) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mutation_queue SET status = ?, retry_count = ?, next_retry_at = ?,
		 last_error = ?, updated_at = ? WHERE id = ?`,
		item.Status, item.RetryCount, item.NextRetryAt,
		item.LastError, item.UpdatedAt, item.ID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to update queue item", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, "queue item not found: "+string(item.ID))
	}
	return nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, id models.UUID) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM mutation_queue WHERE id = ?", id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete queue item", err)
	}
	return nil
}

func (s *SQLiteStorage) Get(ctx context.Context, id models.UUID) (*models.MutationQueueItem, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM mutation_queue WHERE id = ?", id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, "queue item not found: "+string(id))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load queue item", err)
	}
	return item, nil
}

func (s *SQLiteStorage) ListPending(ctx context.Context) ([]*models.MutationQueueItem, error) {
	return s.list(ctx, models.MutationPending)
}

func (s *SQLiteStorage) List(ctx context.Context, status models.MutationStatus) ([]*models.MutationQueueItem, error) {
	return s.list(ctx, status)
}

func (s *SQLiteStorage) list(ctx context.Context, status models.MutationStatus) ([]*models.MutationQueueItem, error) {
	// rowid preserves insertion order across equal created_at seconds.
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+itemColumns+" FROM mutation_queue WHERE status = ? ORDER BY created_at, rowid", status)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list queue items", err)
	}
	defer rows.Close()

	var items []*models.MutationQueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan queue item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list queue items", err)
	}
	return items, nil
}

func (s *SQLiteStorage) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM mutation_queue WHERE status IN (?, ?)",
		models.MutationPending, models.MutationConflict).Scan(&n)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to count queue items", err)
	}
	return n, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanItem(row scannable) (*models.MutationQueueItem, error) {
	item := &models.MutationQueueItem{}
	err := row.Scan(&item.ID, &item.Kind, &item.EntityType, &item.EntityID,
		&item.Payload, &item.BaseUpdated, &item.Status, &item.RetryCount,
		&item.NextRetryAt, &item.LastError, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *SQLiteStorage) InsertConflict(ctx context.Context, rec *models.ConflictRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conflict_records (id, item_id, entity_type, entity_id,
		 local_payload, server_payload, local_timestamp, server_timestamp, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ItemID, rec.EntityType, rec.EntityID,
		rec.LocalPayload, rec.ServerPayload,
		rec.LocalTimestamp, rec.ServerTimestamp, rec.DetectedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to insert conflict record", err)
	}
	return nil
}

func (s *SQLiteStorage) GetConflict(ctx context.Context, id models.UUID) (*models.ConflictRecord, error) {
	rec := &models.ConflictRecord{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, item_id, entity_type, entity_id, local_payload, server_payload,
		 local_timestamp, server_timestamp, detected_at
		 FROM conflict_records WHERE id = ?`, id).
		Scan(&rec.ID, &rec.ItemID, &rec.EntityType, &rec.EntityID,
			&rec.LocalPayload, &rec.ServerPayload,
			&rec.LocalTimestamp, &rec.ServerTimestamp, &rec.DetectedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, "conflict record not found: "+string(id))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load conflict record", err)
	}
	return rec, nil
}

func (s *SQLiteStorage) DeleteConflict(ctx context.Context, id models.UUID) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM conflict_records WHERE id = ?", id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete conflict record", err)
	}
	return nil
}

func (s *SQLiteStorage) ListConflicts(ctx context.Context) ([]*models.ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, item_id, entity_type, entity_id, local_payload, server_payload,
		 local_timestamp, server_timestamp, detected_at
		 FROM conflict_records ORDER BY detected_at, rowid`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list conflict records", err)
	}
	defer rows.Close()

	var recs []*models.ConflictRecord
	for rows.Next() {
		rec := &models.ConflictRecord{}
		err := rows.Scan(&rec.ID, &rec.ItemID, &rec.EntityType, &rec.EntityID,
			&rec.LocalPayload, &rec.ServerPayload,
			&rec.LocalTimestamp, &rec.ServerTimestamp, &rec.DetectedAt)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan conflict record", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list conflict records", err)
	}
	return recs, nil
}
