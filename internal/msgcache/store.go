package msgcache

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"elucide/internal/kv"
	"elucide/internal/logging"
	"elucide/internal/model"
)

// Options configures a Store.
type Options struct {
	Prefix string
	TTL    time.Duration
	Logger *zap.Logger
	Now    func() time.Time
	// Ephemeral keeps the ledger in memory only.
	Ephemeral bool
}

// Store pairs one cache with one ledger over shared storage.
type Store struct {
	Cache  *Cache
	Ledger *Ledger
	log    *zap.Logger
}

// NewStore builds a store and restores any ledger left by a previous run.
func NewStore(storage kv.Storage, opts Options) (*Store, error) {
	if storage == nil {
		return nil, fmt.Errorf("msgcache: storage is required")
	}
	prefix := opts.Prefix
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultPrefix
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := logging.OrNop(opts.Logger).Named("msgcache")

	ledger := &Ledger{
		threads: map[string][]*pendingEntry{},
		prefix:  prefix,
		now:     now,
		log:     log,
	}
	if !opts.Ephemeral {
		ledger.kv = storage
	}
	cache := &Cache{
		kv:     storage,
		ledger: ledger,
		prefix: prefix,
		ttl:    ttl,
		now:    now,
		log:    log,
	}
	ledger.cache = cache

	s := &Store{Cache: cache, Ledger: ledger, log: log}
	if ledger.kv != nil {
		n, err := ledger.restore()
		if err != nil {
			return nil, fmt.Errorf("restore pending ledger: %w", err)
		}
		if n > 0 {
			log.Info("ledger_restored", zap.Int("pending", n))
		}
	}
	return s, nil
}

// Confirm swaps an optimistic message for its canonical record in the cache
// and clears it from the ledger.
func (s *Store) Confirm(threadID string, optimistic model.ID, canonical model.Message) {
	// Ledger first: the cache write would otherwise merge the stale pending copy back in.
	s.Ledger.Remove(threadID, optimistic)
	s.Cache.Replace(threadID, optimistic, canonical)
	s.log.Debug("message_confirmed",
		zap.String("thread", threadID),
		zap.String("optimistic_id", optimistic.String()),
		zap.String("id", canonical.ID.String()),
	)
}

// Rollback removes optimistic messages from the ledger and the cache.
func (s *Store) Rollback(threadID string, ids ...model.ID) {
	for _, id := range ids {
		s.Ledger.Remove(threadID, id)
	}
	s.Cache.Remove(threadID, ids...)
	s.log.Debug("messages_rolled_back", zap.String("thread", threadID), zap.Int("count", len(ids)))
}
