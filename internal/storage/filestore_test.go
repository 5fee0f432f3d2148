package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lattice.store")

	fs := NewFileStore(path)
	if err := fs.Unlock(ctx, "pass"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized before init, got %v", err)
	}
	if err := fs.Initialize(ctx, "pass"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := fs.Initialize(ctx, "pass"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists on second init, got %v", err)
	}

	if err := fs.Save(ctx, KeyLocalPeer, map[string]string{"userId": "alice@example.com"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Fresh handle simulates a restart.
	reopened := NewFileStore(path)
	if err := reopened.Unlock(ctx, "pass"); err != nil {
		t.Fatalf("unlock after restart: %v", err)
	}
	var me map[string]string
	if err := reopened.Load(ctx, KeyLocalPeer, &me); err != nil {
		t.Fatalf("load after restart: %v", err)
	}
	if me["userId"] != "alice@example.com" {
		t.Fatalf("expected persisted record, got %v", me)
	}
}

func TestFileStoreWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lattice.store")

	fs := NewFileStore(path)
	if err := fs.Initialize(ctx, "correct"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := fs.Save(ctx, "k", "v"); err != nil {
		t.Fatalf("save: %v", err)
	}

	reopened := NewFileStore(path)
	if err := reopened.Unlock(ctx, "wrong"); !errors.Is(err, ErrInvalidPass) {
		t.Fatalf("expected ErrInvalidPass, got %v", err)
	}
}

func TestFileStoreLockedBeforeUnlock(t *testing.T) {
	ctx := context.Background()
	fs := NewFileStore(filepath.Join(t.TempDir(), "lattice.store"))

	var out string
	if err := fs.Load(ctx, "k", &out); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked on load, got %v", err)
	}
	if err := fs.Save(ctx, "k", "v"); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked on save, got %v", err)
	}
	if _, err := fs.Keys(ctx); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked on keys, got %v", err)
	}
}

func TestFileStoreRejectsEmptyPassphrase(t *testing.T) {
	fs := NewFileStore(filepath.Join(t.TempDir(), "lattice.store"))
	if err := fs.Initialize(context.Background(), ""); !errors.Is(err, ErrInvalidPass) {
		t.Fatalf("expected ErrInvalidPass for empty passphrase, got %v", err)
	}
}

func TestFileStoreCorruptFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lattice.store")
	if err := os.WriteFile(path, []byte("not json at all"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	fs := NewFileStore(path)
	if err := fs.Unlock(ctx, "pass"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestFileStorePermissions(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lattice.store")

	fs := NewFileStore(path)
	if err := fs.Initialize(ctx, "pass"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Fatalf("expected file mode 0600, got %o", mode)
	}
}
