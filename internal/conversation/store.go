// Package conversation persists ordered message history per scope. A
// scope is the (feature-area, workspace, user) key that partitions all
// per-conversation state. The store is append-only: messages are never
// mutated after append, except to attach post-hoc metadata (retrieval
// citations) to the most recent assistant message.
package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hivedesk/assistant/internal/llm"
)

// Scope identifies one conversation: a feature area (e.g. "crm",
// "tasks"), the workspace, and the user.
type Scope struct {
	Feature   string
	Workspace string
	User      string
}

// Key returns the canonical scope key used for storage and rate-limit
// partitioning.
func (s Scope) Key() string {
	return s.Feature + "/" + s.Workspace + "/" + s.User
}

// Store is a SQLite-backed conversation store. All public methods are
// safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a conversation store on the given database
// connection, running migrations on first use. Conversations are created
// lazily on first append; there is no TTL.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate conversation schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		scope_key  TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		role       TEXT NOT NULL,
		parts      TEXT NOT NULL,
		metadata   TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(scope_key, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_scope ON messages(scope_key, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append adds a message to the end of the scope's history.
func (s *Store) Append(ctx context.Context, scope Scope, msg llm.Message) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate message ID: %w", err)
	}

	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return fmt.Errorf("marshal message parts: %w", err)
	}

	var metadata any
	if msg.Metadata != nil {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("marshal message metadata: %w", err)
		}
		metadata = string(raw)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, scope_key, seq, role, parts, metadata, created_at)
		 VALUES (?, ?,
		         (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE scope_key = ?),
		         ?, ?, ?, ?)`,
		id.String(),
		scope.Key(),
		scope.Key(),
		string(msg.Role),
		string(parts),
		metadata,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// All returns the scope's full message history in append order. A scope
// with no history returns an empty slice, not an error.
func (s *Store) All(ctx context.Context, scope Scope) ([]llm.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, parts, metadata FROM messages
		 WHERE scope_key = ? ORDER BY seq ASC`,
		scope.Key(),
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []llm.Message
	for rows.Next() {
		var role, parts string
		var metadata sql.NullString
		if err := rows.Scan(&role, &parts, &metadata); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		msg := llm.Message{Role: llm.Role(role)}
		if err := json.Unmarshal([]byte(parts), &msg.Parts); err != nil {
			return nil, fmt.Errorf("unmarshal message parts: %w", err)
		}
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal message metadata: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Clear irreversibly deletes the scope's history. Other scopes are
// untouched.
func (s *Store) Clear(ctx context.Context, scope Scope) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE scope_key = ?`, scope.Key())
	if err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}
	return nil
}

// AttachMetadata merges the given keys into the metadata of the scope's
// most recent assistant message. This is the only permitted post-append
// mutation; it exists so retrieval citations can travel with the
// assistant turn they informed.
func (s *Store) AttachMetadata(ctx context.Context, scope Scope, meta map[string]any) error {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, metadata FROM messages
		 WHERE scope_key = ? AND role = ?
		 ORDER BY seq DESC LIMIT 1`,
		scope.Key(), string(llm.RoleAssistant),
	)

	var id string
	var existing sql.NullString
	if err := row.Scan(&id, &existing); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("no assistant message to attach metadata to")
		}
		return fmt.Errorf("find assistant message: %w", err)
	}

	merged := make(map[string]any)
	if existing.Valid {
		if err := json.Unmarshal([]byte(existing.String), &merged); err != nil {
			return fmt.Errorf("unmarshal existing metadata: %w", err)
		}
	}
	for k, v := range meta {
		merged[k] = v
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE messages SET metadata = ? WHERE id = ?`, string(raw), id)
	if err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	return nil
}

// Count returns the number of messages in the scope's history.
func (s *Store) Count(ctx context.Context, scope Scope) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE scope_key = ?`, scope.Key())
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
