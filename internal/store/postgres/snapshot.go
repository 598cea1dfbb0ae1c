package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"appbroker/internal/store"
)

func (s *Store) Put(ctx context.Context, appID string, snap *store.Snapshot) error {
	body, err := snap.Clone().Marshal()
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", appID, err)
	}

	query := `
		INSERT INTO snapshots (app_id, plugin, state, body, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (app_id) DO UPDATE SET
			plugin = EXCLUDED.plugin,
			state = EXCLUDED.state,
			body = EXCLUDED.body,
			updated_at = EXCLUDED.updated_at
	`

	updated := snap.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, query, appID, snap.Plugin, snap.State, string(body), updated); err != nil {
		return fmt.Errorf("failed to put snapshot %s: %w", appID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, appID string) (*store.Snapshot, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, "SELECT body FROM snapshots WHERE app_id = $1", appID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot %s: %w", appID, err)
	}
	return store.Unmarshal(body)
}

func (s *Store) Delete(ctx context.Context, appID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM snapshots WHERE app_id = $1", appID); err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", appID, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]*store.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT body FROM snapshots ORDER BY app_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*store.Snapshot
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		snap, err := store.Unmarshal(body)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// CountByState reports how many snapshots sit in each state.
func (s *Store) CountByState(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM snapshots GROUP BY state")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}
