// Package filestore persists user attachments durably. A file is
// captured once per user submission and referenced by name and ID in all
// later turns, which caps conversation context growth.
package filestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// File is one stored attachment.
type File struct {
	ID        string
	ScopeKey  string
	Name      string
	MIME      string
	Size      int
	CreatedAt time.Time
}

// Store is a SQLite-backed blob store for attachments.
type Store struct {
	db *sql.DB
}

// NewStore creates a file store on the given database connection,
// running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate filestore schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS files (
			id         TEXT PRIMARY KEY,
			scope_key  TEXT NOT NULL,
			name       TEXT NOT NULL,
			mime       TEXT NOT NULL,
			data       BLOB NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_files_scope ON files(scope_key);
	`)
	return err
}

// Put stores one attachment and returns its ID.
func (s *Store) Put(ctx context.Context, scopeKey, name, mime string, data []byte) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate file ID: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO files (id, scope_key, name, mime, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id.String(), scopeKey, name, mime, data,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("insert file: %w", err)
	}
	return id.String(), nil
}

// Get returns one stored file with its data.
func (s *Store) Get(ctx context.Context, id string) (*File, []byte, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, scope_key, name, mime, data, created_at FROM files WHERE id = ?`, id)

	var f File
	var data []byte
	var createdAt string
	if err := row.Scan(&f.ID, &f.ScopeKey, &f.Name, &f.MIME, &data, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, fmt.Errorf("file not found: %s", id)
		}
		return nil, nil, fmt.Errorf("get file: %w", err)
	}
	f.Size = len(data)
	f.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &f, data, nil
}

// List returns metadata for all files stored under a scope, newest first.
func (s *Store) List(ctx context.Context, scopeKey string) ([]File, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope_key, name, mime, LENGTH(data), created_at
		 FROM files WHERE scope_key = ? ORDER BY created_at DESC`, scopeKey)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		var createdAt string
		if err := rows.Scan(&f.ID, &f.ScopeKey, &f.Name, &f.MIME, &f.Size, &createdAt); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		f.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		files = append(files, f)
	}
	return files, rows.Err()
}
