package social

import (
	"context"
	"testing"

	"github.com/lattice-proxy/lattice-proxy/internal/storage"
)

func TestEnsureLocalPeerMintsIdentityOnce(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()

	me, err := EnsureLocalPeer(ctx, store, "alice@example.com", "Alice")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if me.InstanceID == "" || me.KeyHash == "" || len(me.PublicKey) == 0 {
		t.Fatalf("incomplete fresh identity: %+v", me)
	}
	if me.UserID != "alice@example.com" || me.Name != "Alice" {
		t.Fatalf("configured identity not adopted: %+v", me)
	}

	again, err := EnsureLocalPeer(ctx, store, "alice@example.com", "Alice")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if again.InstanceID != me.InstanceID || again.KeyHash != me.KeyHash {
		t.Fatal("identity must be stable across restarts")
	}
}

func TestEnsureLocalPeerFoldsConfigChanges(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()

	me, err := EnsureLocalPeer(ctx, store, "alice@example.com", "Alice")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	renamed, err := EnsureLocalPeer(ctx, store, "alice@example.com", "Alice B.")
	if err != nil {
		t.Fatalf("ensure renamed: %v", err)
	}
	if renamed.Name != "Alice B." {
		t.Fatalf("display name change not folded in, got %q", renamed.Name)
	}
	if renamed.InstanceID != me.InstanceID {
		t.Fatal("rename must not mint a new instance id")
	}

	var persisted LocalPeer
	if err := store.Load(ctx, storage.KeyLocalPeer, &persisted); err != nil {
		t.Fatalf("load persisted identity: %v", err)
	}
	if persisted.Name != "Alice B." {
		t.Fatalf("rename not persisted, got %q", persisted.Name)
	}
}

func TestEnsureOptionsWritesDefaultsOnce(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()

	defaults := Options{Description: "desk", AutoAcceptOffers: true}
	opts, err := EnsureOptions(ctx, store, defaults)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if opts != defaults {
		t.Fatalf("expected defaults on first run, got %+v", opts)
	}

	// Persisted options win over changed defaults on later runs.
	opts, err = EnsureOptions(ctx, store, Options{Description: "changed"})
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if opts != defaults {
		t.Fatalf("persisted options overridden: %+v", opts)
	}
}
