package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS chain_sessions (
	id         TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chain_sessions_updated_at ON chain_sessions(updated_at);
`

// SQLiteRepository persists chain sessions in a local sqlite database.
// Sessions survive process restarts; payloads are stored as JSON keyed
// by session id.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (creating if needed) the session database at
// the given path. An empty path defaults to ~/.config/chaind/sessions.db.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dbPath = filepath.Join(home, ".config", "chaind", "sessions.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	// Single-writer access pattern; busy timeout covers reaper overlap.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(sessionSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

// Get implements Repository.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*ChainSession, error) {
	var payload string
	err := r.db.QueryRowContext(ctx,
		"SELECT payload FROM chain_sessions WHERE id = ?", id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session %s: %w", id, err)
	}

	var s ChainSession
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return nil, fmt.Errorf("corrupt session payload %s: %w", id, err)
	}
	return &s, nil
}

// Put implements Repository.
func (r *SQLiteRepository) Put(ctx context.Context, s *ChainSession) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", s.SessionID, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO chain_sessions (id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		s.SessionID, string(payload), s.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to store session %s: %w", s.SessionID, err)
	}
	return nil
}

// Delete implements Repository.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx,
		"DELETE FROM chain_sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// ListIdle implements Repository.
func (r *SQLiteRepository) ListIdle(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id FROM chain_sessions WHERE updated_at < ?", cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list idle sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close implements Repository.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
