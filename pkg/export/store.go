package export

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/uaesivakumar/upr-authority/pkg/canonical"
)

// ObjectStore is content-addressed storage for export bundles. Store is
// idempotent: the same bytes land under the same key.
type ObjectStore interface {
	// Store persists data and returns its storage key and SHA-256 hex hash.
	Store(ctx context.Context, data []byte) (key, hash string, err error)
	// Get retrieves a bundle by its storage key.
	Get(ctx context.Context, key string) ([]byte, error)
}

// keyFor derives the storage key for a bundle from its hash.
func keyFor(prefix, hash string) string {
	return prefix + hash + ".json"
}

// parseKey validates a storage key and returns the embedded hash.
func parseKey(prefix, key string) (string, error) {
	rest := strings.TrimPrefix(key, prefix)
	hash := strings.TrimSuffix(rest, ".json")
	if hash == rest || len(hash) != 64 {
		return "", fmt.Errorf("export: invalid object key %q", key)
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return "", fmt.Errorf("export: invalid object key %q: %w", key, err)
	}
	return hash, nil
}

// FileStore keeps bundles on the local filesystem.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the store, ensuring the directory exists.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("export: ensure dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Store(ctx context.Context, data []byte) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := canonical.Hash(data)
	key := keyFor("", hash)
	path := filepath.Join(s.baseDir, key)

	if _, err := os.Stat(path); err == nil {
		return key, hash, nil
	}

	// Write to temp, then rename, so readers never see a torn bundle.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", "", fmt.Errorf("export: write bundle: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", "", fmt.Errorf("export: commit bundle: %w", err)
	}
	return key, hash, nil
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := parseKey("", key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.baseDir, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("export: bundle not found: %s", key)
		}
		return nil, fmt.Errorf("export: read bundle: %w", err)
	}
	return data, nil
}
