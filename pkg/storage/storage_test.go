package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/d-kuro/authkit/pkg/constants"
)

func newBackends(t *testing.T) map[string]CredentialStore {
	t.Helper()

	fsStore, err := NewFileSystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("filesystem store: %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})

	sqliteStore, err := OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = sqliteStore.Close() })

	return map[string]CredentialStore{
		"filesystem": fsStore,
		"memory":     NewMemoryStore(),
		"redis":      NewRedisStore(rdb),
		"sqlite":     sqliteStore,
	}
}

func TestCredentialStoreRoundTrip(t *testing.T) {
	for name, store := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := store.Load(ctx, constants.AccessTokenKey); !errors.Is(err, ErrStorageNotFound) {
				t.Fatalf("Expected ErrStorageNotFound on empty store, got %v", err)
			}

			if err := store.Store(ctx, constants.AccessTokenKey, "access-1"); err != nil {
				t.Fatalf("Store failed: %v", err)
			}
			if err := store.Store(ctx, constants.RefreshTokenKey, "refresh-1"); err != nil {
				t.Fatalf("Store failed: %v", err)
			}
			if err := store.Store(ctx, constants.AccessTokenKey, "access-2"); err != nil {
				t.Fatalf("Overwrite failed: %v", err)
			}

			got, err := store.Load(ctx, constants.AccessTokenKey)
			if err != nil || got != "access-2" {
				t.Errorf("Expected access-2, got %q (%v)", got, err)
			}
			got, err = store.Load(ctx, constants.RefreshTokenKey)
			if err != nil || got != "refresh-1" {
				t.Errorf("Expected refresh-1, got %q (%v)", got, err)
			}

			if err := store.Delete(ctx, constants.AccessTokenKey); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if err := store.Delete(ctx, constants.AccessTokenKey); err != nil {
				t.Fatalf("Second delete should be a no-op, got %v", err)
			}
			if _, err := store.Load(ctx, constants.AccessTokenKey); !errors.Is(err, ErrStorageNotFound) {
				t.Errorf("Expected ErrStorageNotFound after delete, got %v", err)
			}
			if got, _ := store.Load(ctx, constants.RefreshTokenKey); got != "refresh-1" {
				t.Errorf("Delete should not touch other keys, got %q", got)
			}

			if store.GetStoragePath() == "" {
				t.Error("GetStoragePath should not be empty")
			}
		})
	}
}

func TestFileSystemStoreSharedAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := MustNewFileSystemStore(dir)
	second := MustNewFileSystemStore(dir)

	if err := first.Store(ctx, constants.AccessTokenKey, "shared"); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	got, err := second.Load(ctx, constants.AccessTokenKey)
	if err != nil || got != "shared" {
		t.Errorf("Expected second instance to see shared value, got %q (%v)", got, err)
	}

	info, err := os.Stat(filepath.Join(dir, constants.SessionFileName))
	if err != nil {
		t.Fatalf("Session file missing: %v", err)
	}
	if perm := info.Mode().Perm(); perm != constants.FilePermissions {
		t.Errorf("Expected permissions %o, got %o", constants.FilePermissions, perm)
	}
}

func TestFileSystemStoreRemovesEmptySession(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	store := MustNewFileSystemStore(dir)

	if err := store.Store(ctx, constants.AccessTokenKey, "value"); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := store.Delete(ctx, constants.AccessTokenKey); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, constants.SessionFileName)); !os.IsNotExist(err) {
		t.Errorf("Expected session file to be removed, stat err = %v", err)
	}
}

func TestFileSystemStoreCorrupted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, constants.SessionFileName)
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	store := MustNewFileSystemStore(dir)
	if _, err := store.Load(context.Background(), constants.AccessTokenKey); !errors.Is(err, ErrStorageCorrupted) {
		t.Errorf("Expected ErrStorageCorrupted, got %v", err)
	}
}

func TestRedisStoreOptions(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := NewRedisStore(rdb, WithRedisPrefix("app:"), WithRedisTTL(time.Minute))
	if err := store.Store(context.Background(), constants.RefreshTokenKey, "r"); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	if !mr.Exists("app:" + constants.RefreshTokenKey) {
		t.Fatal("Expected prefixed key in redis")
	}
	if ttl := mr.TTL("app:" + constants.RefreshTokenKey); ttl != time.Minute {
		t.Errorf("Expected TTL of 1m, got %v", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := store.Load(context.Background(), constants.RefreshTokenKey); !errors.Is(err, ErrStorageNotFound) {
		t.Errorf("Expected expired key to be not found, got %v", err)
	}
}
