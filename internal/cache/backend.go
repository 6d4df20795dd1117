package cache

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// Backend persists the cache snapshot across process restarts.
type Backend interface {
	Load() (map[string]json.RawMessage, error)
	Save(snapshot map[string]json.RawMessage) error
	Close() error
}

// JSONFileBackend keeps the snapshot in one JSON file, written atomically
// via temp file + rename so a crash mid-write never corrupts the cache.
type JSONFileBackend struct {
	path string
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{path: path}
}

func (b *JSONFileBackend) Load() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, err
	}
	var snapshot map[string]json.RawMessage
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	if snapshot == nil {
		snapshot = map[string]json.RawMessage{}
	}
	return snapshot, nil
}

func (b *JSONFileBackend) Save(snapshot map[string]json.RawMessage) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(b.path, data, 0o600)
}

func (b *JSONFileBackend) Close() error { return nil }

// InMemoryBackend holds the snapshot in process memory; used by tests and
// as the fallback when no durable location is configured.
type InMemoryBackend struct {
	mu       sync.Mutex
	snapshot map[string]json.RawMessage
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{}
}

func (b *InMemoryBackend) Load() (map[string]json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneSnapshot(b.snapshot), nil
}

func (b *InMemoryBackend) Save(snapshot map[string]json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = cloneSnapshot(snapshot)
	return nil
}

func (b *InMemoryBackend) Close() error { return nil }

func cloneSnapshot(snapshot map[string]json.RawMessage) map[string]json.RawMessage {
	clone := make(map[string]json.RawMessage, len(snapshot))
	for key, blob := range snapshot {
		clone[key] = append(json.RawMessage(nil), blob...)
	}
	return clone
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
