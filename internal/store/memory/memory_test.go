package memory

import (
	"context"
	"testing"

	"appbroker/internal/store"
	"appbroker/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestMemoryStore_IsolatesCallerMaps(t *testing.T) {
	s := New()
	ctx := context.Background()

	snap := storetest.Snapshot("kj-iso")
	if err := s.Put(ctx, snap.AppID, snap); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	snap.Handle["job"] = "mutated"

	got, _ := s.Get(ctx, snap.AppID)
	if got.Handle["job"] != "kj-iso" {
		t.Errorf("got handle %q, want %q", got.Handle["job"], "kj-iso")
	}
}
