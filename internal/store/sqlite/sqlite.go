// Package sqlite implements the snapshot store on an embedded single-file
// SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"appbroker/internal/store"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	app_id     TEXT PRIMARY KEY,
	plugin     TEXT NOT NULL,
	state      TEXT NOT NULL,
	body       TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

// Store persists snapshots in one table keyed by app id.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the database file at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite store: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create snapshots table: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Put(ctx context.Context, appID string, snap *store.Snapshot) error {
	body, err := snap.Clone().Marshal()
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", appID, err)
	}

	query := `
	INSERT INTO snapshots (app_id, plugin, state, body, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(app_id) DO UPDATE SET
		plugin = excluded.plugin,
		state = excluded.state,
		body = excluded.body,
		updated_at = excluded.updated_at`

	updated := snap.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, query, appID, snap.Plugin, snap.State, string(body), updated.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("put snapshot %s: %w", appID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, appID string) (*store.Snapshot, error) {
	var body string
	err := s.db.QueryRowContext(ctx, "SELECT body FROM snapshots WHERE app_id = ?", appID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", appID, err)
	}
	return store.Unmarshal([]byte(body))
}

func (s *Store) Delete(ctx context.Context, appID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM snapshots WHERE app_id = ?", appID); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", appID, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]*store.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT body FROM snapshots ORDER BY app_id")
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*store.Snapshot
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		snap, err := store.Unmarshal([]byte(body))
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
