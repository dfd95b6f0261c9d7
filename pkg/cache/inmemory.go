package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type memoryEntry struct {
	data    []byte
	written time.Time
}

// MemoryStore is a thread-safe, process-local Store. Values are kept in their
// encoded form so a hit returns a fresh copy, exactly as a disk read would.
// It is primarily intended for tests and for runs that must not touch disk.
type MemoryStore struct {
	ttl    time.Duration
	now    Clock
	logger zerolog.Logger

	mu   sync.RWMutex
	data map[Key]memoryEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(ttl time.Duration, logger zerolog.Logger, opts ...Option) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:    ttl,
		now:    applyOptions(opts).now,
		logger: logger.With().Str("component", "MemoryStore").Logger(),
		data:   make(map[Key]memoryEntry),
	}
}

// Get implements Store.
func (c *MemoryStore) Get(_ context.Context, key Key, out any) (bool, error) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()

	if !ok || expired(entry.written, c.now(), c.ttl) {
		return false, nil
	}
	if err := Decode(entry.data, out); err != nil {
		c.logger.Warn().Err(err).Str("key", key.String()).Str("reason", decodeReason(err)).Msg("Discarding undecodable cache entry.")
		return false, nil
	}
	return true, nil
}

// Set implements Store.
func (c *MemoryStore) Set(_ context.Context, key Key, value any) error {
	data, err := Encode(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = memoryEntry{data: data, written: c.now()}
	return nil
}

// Delete implements Store.
func (c *MemoryStore) Delete(_ context.Context, key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// Clear implements Store.
func (c *MemoryStore) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[Key]memoryEntry)
	return nil
}

// ClearExpired implements Store.
func (c *MemoryStore) ClearExpired(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for key, entry := range c.data {
		if expired(entry.written, now, c.ttl) {
			delete(c.data, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of entries held, expired or not.
func (c *MemoryStore) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
