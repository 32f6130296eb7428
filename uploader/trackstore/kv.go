package trackstore

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
)

// KV is the flat string-keyed substrate Tracks are persisted into. Writes
// overwrite unconditionally, last writer wins. Implementations must tolerate
// concurrent use.
type KV interface {
	Get(key string) (value string, ok bool)
	Set(key, value string) error
	Delete(key string) error
	Keys() []string
}

// MemoryKV is an in-process KV. Contents do not survive a restart; use it
// for tests or when resuming across processes is not needed.
type MemoryKV struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryKV ...
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: map[string]string{}}
}

// Get ...
func (kv *MemoryKV) Get(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	value, ok := kv.values[key]
	return value, ok
}

// Set ...
func (kv *MemoryKV) Set(key, value string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.values[key] = value
	return nil
}

// Delete ...
func (kv *MemoryKV) Delete(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.values, key)
	return nil
}

// Keys ...
func (kv *MemoryKV) Keys() []string {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	keys := make([]string, 0, len(kv.values))
	for key := range kv.values {
		keys = append(keys, key)
	}
	return keys
}

// FileKV persists every key as one file under a root directory, so Tracks
// survive process restarts. Key names are escaped to stay filesystem-safe.
type FileKV struct {
	root string
}

// NewFileKV creates the root directory if needed.
func NewFileKV(root string) (*FileKV, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileKV{root: root}, nil
}

// Get treats any unreadable entry as absent.
func (kv *FileKV) Get(key string) (string, bool) {
	data, err := os.ReadFile(kv.path(key))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Set ...
func (kv *FileKV) Set(key, value string) error {
	if err := os.WriteFile(kv.path(key), []byte(value), 0600); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Delete ...
func (kv *FileKV) Delete(key string) error {
	err := os.Remove(kv.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Keys ...
func (kv *FileKV) Keys() []string {
	entries, err := os.ReadDir(kv.root)
	if err != nil {
		return nil
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key, err := url.QueryUnescape(entry.Name())
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

func (kv *FileKV) path(key string) string {
	return filepath.Join(kv.root, url.QueryEscape(key))
}
