package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileKV stores each key as a JSON file in a directory. Writes go through a
// temp file and rename so a crash never leaves a torn value behind.
type FileKV struct {
	dir string
	mu  sync.RWMutex
	now func() time.Time
}

type fileEntry struct {
	Value     string     `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// NewFileKV creates the directory if needed and returns a store rooted there.
func NewFileKV(dir string) (*FileKV, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".fieldsync", "cache")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &FileKV{dir: dir, now: time.Now}, nil
}

// Dir returns the cache directory.
func (f *FileKV) Dir() string {
	return f.dir
}

func (f *FileKV) path(key string) string {
	return filepath.Join(f.dir, url.PathEscape(key)+".json")
}

// Get returns the value for key, or ErrMiss.
func (f *FileKV) Get(ctx context.Context, key string) (string, error) {
	f.mu.RLock()
	data, err := os.ReadFile(f.path(key))
	f.mu.RUnlock()
	if os.IsNotExist(err) {
		return "", ErrMiss
	}
	if err != nil {
		return "", fmt.Errorf("failed to read cache entry %s: %w", key, err)
	}

	var entry fileEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return "", fmt.Errorf("failed to decode cache entry %s: %w", key, err)
	}
	if entry.ExpiresAt != nil && !f.now().Before(*entry.ExpiresAt) {
		return "", ErrMiss
	}
	return entry.Value, nil
}

// Set writes value under key.
func (f *FileKV) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	entry := fileEntry{Value: value}
	if ttl > 0 {
		exp := f.now().Add(ttl)
		entry.ExpiresAt = &exp
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close cache entry: %w", err)
	}
	if err := os.Rename(tmpName, f.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (f *FileKV) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete cache entry %s: %w", key, err)
	}
	return nil
}
