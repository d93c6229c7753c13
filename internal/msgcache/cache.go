// Package msgcache keeps the client-side view of each thread's messages: a
// TTL cache over durable key-value storage and a ledger of messages the
// backend has not yet confirmed.
package msgcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"elucide/internal/kv"
	"elucide/internal/model"
)

const (
	// DefaultPrefix namespaces every key the client writes.
	DefaultPrefix = "elucide_chat_"
	// DefaultTTL bounds how long a cached thread is served without refetching.
	DefaultTTL = time.Hour

	threadKeyPart  = "thread_"
	pendingKeyPart = "pending_"
)

// Entry is the persisted layout of one cached thread.
type Entry struct {
	Messages []model.Message `json:"messages"`
	// LastUpdated is unix milliseconds of the last write.
	LastUpdated int64 `json:"lastUpdated"`
}

// Stats counts cache outcomes since construction.
type Stats struct {
	Hits    int
	Misses  int
	Expired int
	Corrupt int
	Writes  int
}

// Cache is the local cache store. Every read merges in the ledger's pending
// messages for the thread and every write stores the same superset.
type Cache struct {
	mu     sync.Mutex
	kv     kv.Storage
	ledger *Ledger
	prefix string
	ttl    time.Duration
	now    func() time.Time
	log    *zap.Logger
	stats  Stats
}

// Key returns the storage key for threadID.
func (c *Cache) Key(threadID string) string {
	return c.prefix + threadKeyPart + threadID
}

// Get returns the thread's messages, or false when there is no live entry.
// Expired and unreadable entries are deleted.
func (c *Cache) Get(threadID string) ([]model.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.load(threadID)
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	return model.Merge(entry.Messages, c.ledger.Pending(threadID)), true
}

// Put stores messages plus any pending messages for the thread and returns
// the stored list.
func (c *Cache) Put(threadID string, messages []model.Message) []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store(threadID, messages)
}

// UpdateMessage replaces msg by id in the cached thread, or appends it. A
// thread without a live entry is left uncached so a partial list is never
// served as the whole thread.
func (c *Cache) UpdateMessage(threadID string, msg model.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.load(threadID)
	if !ok {
		return false
	}
	messages := model.CloneMessages(entry.Messages)
	if !model.ReplaceByID(messages, msg.ID, msg) {
		messages = append(messages, msg)
	}
	c.store(threadID, messages)
	return true
}

// Replace swaps the message identified by oldID for canonical in place.
func (c *Cache) Replace(threadID string, oldID model.ID, canonical model.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.load(threadID)
	if !ok {
		return false
	}
	messages := model.CloneMessages(entry.Messages)
	if !model.ReplaceByID(messages, oldID, canonical) {
		return false
	}
	c.store(threadID, messages)
	return true
}

// Remove drops ids from the cached thread.
func (c *Cache) Remove(threadID string, ids ...model.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.load(threadID)
	if !ok {
		return
	}
	c.store(threadID, model.RemoveIDs(model.CloneMessages(entry.Messages), ids...))
}

// Invalidate removes one thread's entry.
func (c *Cache) Invalidate(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evict(threadID, "invalidated")
}

// InvalidateAll removes every cached thread. Pending-ledger records are kept.
func (c *Cache) InvalidateAll() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, err := c.kv.Keys(c.prefix + threadKeyPart)
	if err != nil {
		return 0, fmt.Errorf("list cache keys: %w", err)
	}
	removed := 0
	var errs []error
	for _, key := range keys {
		if err := c.kv.Delete(key); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	c.log.Info("cache_invalidated_all", zap.Int("entries", removed))
	return removed, errors.Join(errs...)
}

// Threads lists thread ids with a stored entry, live or not.
func (c *Cache) Threads() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	base := c.prefix + threadKeyPart
	keys, err := c.kv.Keys(base)
	if err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, strings.TrimPrefix(key, base))
	}
	return out, nil
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// load reads a live entry. Callers hold c.mu.
func (c *Cache) load(threadID string) (Entry, bool) {
	raw, err := c.kv.Get(c.Key(threadID))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			c.stats.Corrupt++
			c.log.Warn("cache_read_failed", zap.String("thread", threadID), zap.Error(err))
			c.evict(threadID, "read_failed")
		}
		return Entry{}, false
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.stats.Corrupt++
		c.log.Warn("cache_entry_corrupt", zap.String("thread", threadID), zap.Error(err))
		c.evict(threadID, "corrupt")
		return Entry{}, false
	}

	age := c.now().Sub(time.UnixMilli(entry.LastUpdated))
	if age > c.ttl {
		c.stats.Expired++
		c.log.Debug("cache_entry_expired", zap.String("thread", threadID), zap.Duration("age", age))
		c.evict(threadID, "expired")
		return Entry{}, false
	}
	return entry, true
}

// store writes messages ∪ pending. Callers hold c.mu.
func (c *Cache) store(threadID string, messages []model.Message) []model.Message {
	merged := model.Merge(messages, c.ledger.Pending(threadID))
	raw, err := json.Marshal(Entry{Messages: merged, LastUpdated: c.now().UnixMilli()})
	if err != nil {
		c.log.Error("cache_encode_failed", zap.String("thread", threadID), zap.Error(err))
		return merged
	}
	if err := c.kv.Set(c.Key(threadID), raw); err != nil {
		c.log.Warn("cache_write_failed", zap.String("thread", threadID), zap.Error(err))
		return merged
	}
	c.stats.Writes++
	return merged
}

func (c *Cache) evict(threadID, reason string) {
	if err := c.kv.Delete(c.Key(threadID)); err != nil {
		c.log.Warn("cache_evict_failed", zap.String("thread", threadID), zap.String("reason", reason), zap.Error(err))
	}
}
