// Package cache is the durable key-value layer that lets a restarted
// client re-derive its visible state before any remote round trip
// completes. The key set is closed and typed; values are JSON blobs.
package cache

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Key identifies one recognized durable entry.
type Key string

const (
	KeyAuthenticated     Key = "authenticated-flag"
	KeyAuthTimestamp     Key = "auth-timestamp"
	KeyActiveWorkspace   Key = "active-workspace"
	KeyWorkspaceSelected Key = "workspace-selected-flag"
)

// AllKeys is the complete recognized key set, in clear-all order.
func AllKeys() []Key {
	return []Key{KeyAuthenticated, KeyAuthTimestamp, KeyActiveWorkspace, KeyWorkspaceSelected}
}

// Cache is a synchronous durable store: writes are visible to subsequent
// reads within the process immediately, and are flushed to the backend
// before the mutating call returns.
type Cache struct {
	mu      sync.Mutex
	backend Backend
	logger  *zap.Logger
	entries map[Key]json.RawMessage
}

// New loads the snapshot held by backend. A backend read failure starts
// the cache empty rather than failing the caller; an unreadable cache is
// equivalent to a cold start.
func New(backend Backend, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	entries := map[Key]json.RawMessage{}
	if backend != nil {
		loaded, err := backend.Load()
		if err != nil {
			logger.Warn("durable cache unreadable, starting empty", zap.Error(err))
		} else {
			for name, blob := range loaded {
				entries[Key(name)] = blob
			}
		}
	}
	return &Cache{backend: backend, logger: logger, entries: entries}
}

// SetBool stores a boolean under key.
func (c *Cache) SetBool(key Key, value bool) {
	c.setJSON(key, value)
}

// Bool reads a boolean. A missing or corrupt entry reads as (false, false)
// and a corrupt entry is discarded.
func (c *Cache) Bool(key Key) (bool, bool) {
	var value bool
	ok := c.getJSON(key, &value)
	return value, ok
}

// SetTime stores an instant under key.
func (c *Cache) SetTime(key Key, value time.Time) {
	c.setJSON(key, value)
}

// Time reads an instant; missing or corrupt entries read as unset.
func (c *Cache) Time(key Key) (time.Time, bool) {
	var value time.Time
	ok := c.getJSON(key, &value)
	return value, ok
}

// SetJSON stores an arbitrary JSON-encodable value under key.
func (c *Cache) SetJSON(key Key, value any) {
	c.setJSON(key, value)
}

// GetJSON decodes the blob under key into out. Deserialization fails
// closed: a parse error discards the corrupt key and reports the value as
// unset, it never propagates to the caller.
func (c *Cache) GetJSON(key Key, out any) bool {
	return c.getJSON(key, out)
}

// Clear removes the given keys as one atomic step: no reader observes a
// partially cleared set.
func (c *Cache) Clear(keys ...Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	c.persistLocked()
}

func (c *Cache) setJSON(key Key, value any) {
	blob, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache value not encodable", zap.String("key", string(key)), zap.Error(err))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = blob
	c.persistLocked()
}

func (c *Cache) getJSON(key Key, out any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	blob, ok := c.entries[key]
	if !ok {
		return false
	}
	if err := json.Unmarshal(blob, out); err != nil {
		c.logger.Warn("discarding corrupt cache entry",
			zap.String("key", string(key)),
			zap.Error(err))
		delete(c.entries, key)
		c.persistLocked()
		return false
	}
	return true
}

func (c *Cache) persistLocked() {
	if c.backend == nil {
		return
	}
	snapshot := make(map[string]json.RawMessage, len(c.entries))
	for key, blob := range c.entries {
		snapshot[string(key)] = blob
	}
	if err := c.backend.Save(snapshot); err != nil {
		c.logger.Warn("durable cache write failed", zap.Error(err))
	}
}
