package cache

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
)

// FilePersistentCache is a TTL cache that survives restarts by mirroring its
// contents to a JSON file. Useful when plan generation is expensive and the
// process is short-lived.
type FilePersistentCache struct {
	store    map[string]persistedItem
	mutex    sync.RWMutex
	ttl      time.Duration
	filePath string
	logger   Logger
}

type persistedItem struct {
	Value      any   `json:"value"`
	Expiration int64 `json:"expiration"`
}

// NewFilePersistentCache creates a persistent cache backed by the given file.
// An unreadable or missing file starts the cache empty.
func NewFilePersistentCache(defaultTTL time.Duration, filePath string, logger Logger) *FilePersistentCache {
	c := &FilePersistentCache{
		store:    make(map[string]persistedItem),
		ttl:      defaultTTL,
		filePath: filePath,
		logger:   logger,
	}
	c.loadFromFile()
	go c.cleanupLoop(10 * time.Minute)
	return c
}

func (c *FilePersistentCache) loadFromFile() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	data, err := os.ReadFile(c.filePath)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, &c.store); err != nil && c.logger != nil {
		c.logger.Error("Failed to load persistent cache", map[string]any{
			"path":  c.filePath,
			"error": err.Error(),
		})
	}
}

// saveToFileLocked writes the store to disk. Caller holds the mutex.
func (c *FilePersistentCache) saveToFileLocked() {
	data, err := json.Marshal(c.store)
	if err != nil {
		if c.logger != nil {
			c.logger.Error("Failed to encode persistent cache", map[string]any{"error": err.Error()})
		}
		return
	}
	if err := os.WriteFile(c.filePath, data, 0o644); err != nil && c.logger != nil {
		c.logger.Error("Failed to write persistent cache", map[string]any{
			"path":  c.filePath,
			"error": err.Error(),
		})
	}
}

// Get retrieves an item from the cache.
func (c *FilePersistentCache) Get(ctx context.Context, key string) (any, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}

	c.mutex.RLock()
	item, found := c.store[key]
	c.mutex.RUnlock()

	if !found {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item not found", nil))
	}
	if time.Now().UnixNano() > item.Expiration {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item expired", nil))
	}
	return item.Value, nil
}

// Set adds or updates an item and persists the store.
func (c *FilePersistentCache) Set(ctx context.Context, key string, value any) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}

	c.mutex.Lock()
	c.store[key] = persistedItem{
		Value:      value,
		Expiration: time.Now().Add(c.ttl).UnixNano(),
	}
	c.saveToFileLocked()
	c.mutex.Unlock()

	if c.logger != nil {
		c.logger.Info("Persistent cache item set", map[string]any{"key": key})
	}
	return nil
}

// cleanupLoop periodically removes expired items and saves the file.
func (c *FilePersistentCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		c.mutex.Lock()
		now := time.Now().UnixNano()
		for key, item := range c.store {
			if now > item.Expiration {
				delete(c.store, key)
			}
		}
		c.saveToFileLocked()
		c.mutex.Unlock()
	}
}
