package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no snapshot exists for an app id.
var ErrNotFound = errors.New("snapshot not found")

// Store persists application snapshots keyed by app id.
// Implementations only isolate at key level: concurrent calls on distinct
// keys must not block each other beyond what the database itself requires.
type Store interface {
	// Put creates or replaces the snapshot stored under appID.
	Put(ctx context.Context, appID string, snap *Snapshot) error

	// Get returns the snapshot for appID or ErrNotFound.
	Get(ctx context.Context, appID string) (*Snapshot, error)

	// Delete removes the snapshot. Deleting a missing key is not an error.
	Delete(ctx context.Context, appID string) error

	// List returns every stored snapshot ordered by app id.
	List(ctx context.Context) ([]*Snapshot, error)

	Close() error
}
