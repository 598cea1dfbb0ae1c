// Package store contains the persistence layer for application snapshots.
package store

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// SnapshotVersion is the schema version written by this build.
const SnapshotVersion = 1

// Snapshot is the persisted form of an application record. It is
// independent of any executor type so stores never import backends.
type Snapshot struct {
	Version    int               `json:"version"`
	AppID      string            `json:"app_id"`
	Plugin     string            `json:"plugin"`
	State      string            `json:"state"`
	Handle     map[string]string `json:"handle,omitempty"`
	StartTime  *time.Time        `json:"start_time,omitempty"`
	EndTime    *time.Time        `json:"end_time,omitempty"`
	Terminated bool              `json:"terminated"`

	// Collaborators maps a collaborator role to the base URL it was started on.
	Collaborators map[string]string `json:"collaborators,omitempty"`

	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so stores never share maps with callers.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Handle = maps.Clone(s.Handle)
	out.Collaborators = maps.Clone(s.Collaborators)
	if s.StartTime != nil {
		t := *s.StartTime
		out.StartTime = &t
	}
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	return &out
}

// Marshal encodes the snapshot for byte-oriented stores.
func (s *Snapshot) Marshal() ([]byte, error) {
	if s.Version == 0 {
		s.Version = SnapshotVersion
	}
	return json.Marshal(s)
}

// Unmarshal decodes a snapshot and rejects versions newer than this build.
func Unmarshal(b []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Version > SnapshotVersion {
		return nil, fmt.Errorf("snapshot %s has version %d, newest supported is %d", s.AppID, s.Version, SnapshotVersion)
	}
	return &s, nil
}
