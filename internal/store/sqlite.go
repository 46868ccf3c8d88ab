package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	apperrors "github.com/pactdesk/collab/internal/errors"
)

// SQLiteStore is a DocumentStore backed by a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and bootstraps) the document database under dataDir.
// The database runs in WAL mode with a single writer, which is all SQLite
// supports anyway.
func OpenSQLite(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "documents.db")

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
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		content BLOB NOT NULL,
		version INTEGER NOT NULL CHECK(version > 0),
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get implements DocumentStore.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Document, error) {
	doc := &Document{ID: id}
	var content []byte

	err := s.db.QueryRowContext(ctx,
		"SELECT content, version, updated_at FROM documents WHERE id = ?", id).
		Scan(&content, &doc.Version, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load document", err)
	}

	doc.Content = json.RawMessage(content)
	return doc, nil
}

// Save implements DocumentStore. The version check and the write happen in
// one transaction, so content and version advance atomically.
func (s *SQLiteStore) Save(ctx context.Context, id string, expectedVersion int64, content json.RawMessage) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		"SELECT version FROM documents WHERE id = ?", id).Scan(&current)
	if err == sql.ErrNoRows {
		current = 0
	} else if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to read version", err)
	}

	if current != expectedVersion {
		return 0, versionConflict(id)
	}

	newVersion := expectedVersion + 1
	now := time.Now().Unix()

	if current == 0 {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO documents (id, content, version, updated_at) VALUES (?, ?, ?, ?)",
			id, []byte(content), newVersion, now)
	} else {
		_, err = tx.ExecContext(ctx,
			"UPDATE documents SET content = ?, version = ?, updated_at = ? WHERE id = ?",
			[]byte(content), newVersion, now, id)
	}
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to write document", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit", err)
	}
	return newVersion, nil
}
