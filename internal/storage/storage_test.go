package storage

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

type peerRecord struct {
	InstanceID string `json:"instanceId"`
	Name       string `json:"name"`
}

// backends that must behave identically through the Store interface.
func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	fs := NewFileStore(filepath.Join(dir, "test.store"))
	if err := fs.Initialize(context.Background(), "correct horse"); err != nil {
		t.Fatalf("initialize file store: %v", err)
	}

	ss, err := OpenSQLStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { ss.Close() })

	return map[string]Store{
		"memory": NewMemStore(),
		"file":   fs,
		"sqlite": ss,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			in := peerRecord{InstanceID: "inst-1", Name: "Alice"}
			if err := store.Save(ctx, InstanceKey(in.InstanceID), in); err != nil {
				t.Fatalf("save: %v", err)
			}

			var out peerRecord
			if err := store.Load(ctx, InstanceKey(in.InstanceID), &out); err != nil {
				t.Fatalf("load: %v", err)
			}
			if !reflect.DeepEqual(in, out) {
				t.Fatalf("round trip mismatch: %+v != %+v", in, out)
			}

			// Overwrite wins.
			in.Name = "Alice (laptop)"
			if err := store.Save(ctx, InstanceKey(in.InstanceID), in); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			if err := store.Load(ctx, InstanceKey(in.InstanceID), &out); err != nil {
				t.Fatalf("reload: %v", err)
			}
			if out.Name != "Alice (laptop)" {
				t.Fatalf("expected overwritten name, got %q", out.Name)
			}
		})
	}
}

func TestStoreMissingKey(t *testing.T) {
	ctx := context.Background()
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			var out peerRecord
			err := store.Load(ctx, "nope", &out)
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStoreKeysAndReset(t *testing.T) {
	ctx := context.Background()
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{KeyOptions, KeyLocalPeer, InstanceKey("b"), InstanceKey("a")} {
				if err := store.Save(ctx, key, peerRecord{}); err != nil {
					t.Fatalf("save %s: %v", key, err)
				}
			}

			keys, err := store.Keys(ctx)
			if err != nil {
				t.Fatalf("keys: %v", err)
			}
			want := []string{InstanceKey("a"), InstanceKey("b"), KeyLocalPeer, KeyOptions}
			if !reflect.DeepEqual(keys, want) {
				t.Fatalf("expected sorted keys %v, got %v", want, keys)
			}

			if err := store.Reset(ctx); err != nil {
				t.Fatalf("reset: %v", err)
			}
			keys, err = store.Keys(ctx)
			if err != nil {
				t.Fatalf("keys after reset: %v", err)
			}
			if len(keys) != 0 {
				t.Fatalf("expected empty store after reset, got %v", keys)
			}
		})
	}
}
