package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/d-kuro/authkit/pkg/constants"
)

// FileSystemStore implements CredentialStore with a single JSON document on disk.
// Writes take an advisory file lock so several processes sharing one session file
// never interleave a read-modify-write cycle.
type FileSystemStore struct {
	baseDir string
	mu      sync.Mutex
	lock    *flock.Flock
}

// NewFileSystemStore creates a new filesystem-based credential store.
// If baseDir is empty, it will use the default directory (~/.authkit).
func NewFileSystemStore(baseDir string) (*FileSystemStore, error) {
	if baseDir == "" {
		var err error
		baseDir, err = getDefaultStorageDir()
		if err != nil {
			return nil, err
		}
	}

	// Ensure the directory exists
	if err := ensureDir(baseDir); err != nil {
		return nil, err
	}

	return &FileSystemStore{
		baseDir: baseDir,
		lock:    flock.New(filepath.Join(baseDir, constants.SessionLockFileName)),
	}, nil
}

// MustNewFileSystemStore creates a new file system store and panics if an error occurs.
// This is useful for initialization code where errors are not expected.
func MustNewFileSystemStore(baseDir string) *FileSystemStore {
	store, err := NewFileSystemStore(baseDir)
	if err != nil {
		panic(err)
	}
	return store
}

// Load implements CredentialStore.Load.
func (fs *FileSystemStore) Load(ctx context.Context, key string) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.lockShared(ctx); err != nil {
		return "", err
	}
	defer func() { _ = fs.lock.Unlock() }()

	values, err := readSessionFile(fs.getSessionPath())
	if err != nil {
		return "", err
	}
	value, ok := values[key]
	if !ok {
		return "", fmt.Errorf("key %q: %w", key, ErrStorageNotFound)
	}
	return value, nil
}

// Store implements CredentialStore.Store.
func (fs *FileSystemStore) Store(ctx context.Context, key, value string) error {
	return fs.update(ctx, func(values map[string]string) {
		values[key] = value
	})
}

// Delete implements CredentialStore.Delete.
func (fs *FileSystemStore) Delete(ctx context.Context, key string) error {
	return fs.update(ctx, func(values map[string]string) {
		delete(values, key)
	})
}

// GetStoragePath implements CredentialStore.GetStoragePath.
func (fs *FileSystemStore) GetStoragePath() string {
	return fs.baseDir
}

func (fs *FileSystemStore) update(ctx context.Context, mutate func(map[string]string)) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.lockExclusive(ctx); err != nil {
		return err
	}
	defer func() { _ = fs.lock.Unlock() }()

	path := fs.getSessionPath()
	values, err := readSessionFile(path)
	if err != nil {
		if !errors.Is(err, ErrStorageNotFound) {
			return err
		}
		values = make(map[string]string)
	}

	mutate(values)

	if len(values) == 0 {
		return removeFile(path)
	}
	return writeSessionFile(path, values)
}

func (fs *FileSystemStore) lockShared(ctx context.Context) error {
	ok, err := fs.lock.TryRLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("acquire session read lock: %w", err)
	}
	if !ok {
		return ErrStorageLocked
	}
	return nil
}

func (fs *FileSystemStore) lockExclusive(ctx context.Context) error {
	ok, err := fs.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("acquire session write lock: %w", err)
	}
	if !ok {
		return ErrStorageLocked
	}
	return nil
}

// getSessionPath returns the full path to the session file.
func (fs *FileSystemStore) getSessionPath() string {
	return filepath.Join(fs.baseDir, constants.SessionFileName)
}

// readSessionFile loads the session document from a JSON file.
func readSessionFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session file does not exist at %s: %w", path, ErrStorageNotFound)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("failed to read session file at %s: %w", path, ErrStoragePermission)
		}
		return nil, fmt.Errorf("failed to read session file at %s: %w", path, err)
	}

	values := make(map[string]string)
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse session JSON at %s: %w", path, ErrStorageCorrupted)
	}
	return values, nil
}

// writeSessionFile replaces the session file atomically.
func writeSessionFile(path string, values map[string]string) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session to JSON for %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := ensureDir(dir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("failed to create temp session file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if err := tmp.Chmod(constants.FilePermissions); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to restrict session file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write session file at %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close session file at %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace session file at %s: %w", path, err)
	}
	return nil
}

// lockRetryDelay is how often a contended session lock is retried.
const lockRetryDelay = 25 * time.Millisecond

// getDefaultStorageDir returns ~/.authkit.
func getDefaultStorageDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, constants.DefaultStorageDir), nil
}

// ensureDir creates the directory if it doesn't exist.
func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, constants.DirPermissions); err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("failed to create directory %s: %w", dir, ErrStoragePermission)
		}
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// removeFile removes a file.
func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file at %s: %w", path, err)
	}
	return nil
}
