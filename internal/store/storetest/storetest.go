// Package storetest holds the behaviour every store.Store must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"appbroker/internal/store"
)

// Run exercises a store implementation. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, newStore(t)) })
	t.Run("DeleteAndList", func(t *testing.T) { testDeleteAndList(t, newStore(t)) })
	t.Run("ConcurrentKeys", func(t *testing.T) { testConcurrentKeys(t, newStore(t)) })
}

// Snapshot builds a populated snapshot for appID.
func Snapshot(appID string) *store.Snapshot {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &store.Snapshot{
		Version:   store.SnapshotVersion,
		AppID:     appID,
		Plugin:    "kubejobs",
		State:     "ongoing",
		Handle:    map[string]string{"job": appID, "namespace": "default"},
		StartTime: &start,
		Collaborators: map[string]string{
			"monitor": "http://monitor:5001",
		},
		CreatedAt: start.Add(-time.Minute),
		UpdatedAt: start,
	}
}

func testRoundTrip(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	want := Snapshot("kj-1")
	if err := s.Put(ctx, want.AppID, want); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.Get(ctx, want.AppID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.AppID != want.AppID {
		t.Errorf("got AppID %q, want %q", got.AppID, want.AppID)
	}
	if got.State != want.State {
		t.Errorf("got State %q, want %q", got.State, want.State)
	}
	if got.StartTime == nil || !got.StartTime.Equal(*want.StartTime) {
		t.Errorf("got StartTime %v, want %v", got.StartTime, want.StartTime)
	}
	if got.Handle["job"] != "kj-1" || got.Handle["namespace"] != "default" {
		t.Errorf("got Handle %v, want %v", got.Handle, want.Handle)
	}
	if got.Collaborators["monitor"] != want.Collaborators["monitor"] {
		t.Errorf("got Collaborators %v, want %v", got.Collaborators, want.Collaborators)
	}
}

func testGetMissing(t *testing.T, s store.Store) {
	defer s.Close()

	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got error %v, want ErrNotFound", err)
	}
}

func testOverwrite(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	snap := Snapshot("kj-2")
	if err := s.Put(ctx, snap.AppID, snap); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	snap.State = "completed"
	snap.Terminated = true
	if err := s.Put(ctx, snap.AppID, snap); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	got, err := s.Get(ctx, snap.AppID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != "completed" || !got.Terminated {
		t.Errorf("got state %q terminated %v, want completed true", got.State, got.Terminated)
	}
}

func testDeleteAndList(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		if err := s.Put(ctx, id, Snapshot(id)); err != nil {
			t.Fatalf("Put(%s) failed: %v", id, err)
		}
	}
	if err := s.Delete(ctx, "b"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete(ctx, "never-existed"); err != nil {
		t.Errorf("Delete of missing key returned %v, want nil", err)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(list))
	}
	if list[0].AppID != "a" || list[1].AppID != "c" {
		t.Errorf("got order %s,%s, want a,c", list[0].AppID, list[1].AppID)
	}
}

func testConcurrentKeys(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("app-%02d", i)
			if err := s.Put(ctx, id, Snapshot(id)); err != nil {
				errs <- err
				return
			}
			if _, err := s.Get(ctx, id); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent access failed: %v", err)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != n {
		t.Errorf("got %d snapshots, want %d", len(list), n)
	}
}
