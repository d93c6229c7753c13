package msgcache

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"elucide/internal/kv"
	"elucide/internal/model"
)

type pendingEntry struct {
	msg         model.Message
	held        bool
	attempts    int
	nextAttempt time.Time
}

// pendingRecord is the durable form of a thread's ledger.
type pendingRecord struct {
	Messages []model.Message `json:"messages"`
	Attempts []int           `json:"attempts"`
}

// Ledger tracks messages shown locally but not yet confirmed by the backend.
// Entries are kept per thread in insertion order. It never calls into the
// cache while holding its own lock.
type Ledger struct {
	mu      sync.Mutex
	threads map[string][]*pendingEntry
	kv      kv.Storage
	cache   *Cache
	prefix  string
	now     func() time.Time
	log     *zap.Logger
}

// Add records msg as pending and writes it through to the cache. Held entries
// belong to an in-flight turn and are skipped by the sweep until released.
// Adding an id that is already pending updates it.
func (l *Ledger) Add(threadID string, msg model.Message, hold bool) {
	l.mu.Lock()
	entries := l.threads[threadID]
	found := false
	for _, e := range entries {
		if e.msg.ID == msg.ID {
			e.msg = msg
			e.held = hold
			found = true
			break
		}
	}
	if !found {
		l.threads[threadID] = append(entries, &pendingEntry{msg: msg, held: hold})
	}
	l.persistLocked(threadID)
	l.mu.Unlock()

	l.cache.UpdateMessage(threadID, msg)
}

// Remove drops id from the thread's pending list.
func (l *Ledger) Remove(threadID string, id model.ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.removeLocked(threadID, id)
}

// Pending returns the thread's pending messages in insertion order.
func (l *Ledger) Pending(threadID string) []model.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.threads[threadID]
	if len(entries) == 0 {
		return nil
	}
	out := make([]model.Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.msg)
	}
	return out
}

// Has reports whether the thread has any pending message.
func (l *Ledger) Has(threadID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.threads[threadID]) > 0
}

// IsPending reports whether id is pending in the thread.
func (l *Ledger) IsPending(threadID string, id model.ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.threads[threadID] {
		if e.msg.ID == id {
			return true
		}
	}
	return false
}

// Update replaces the pending copy of msg, keeping its hold and retry state.
func (l *Ledger) Update(threadID string, msg model.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.threads[threadID] {
		if e.msg.ID == msg.ID {
			e.msg = msg
			l.persistLocked(threadID)
			return true
		}
	}
	return false
}

// Release hands held entries to the sweep. They become due immediately.
func (l *Ledger) Release(threadID string, ids ...model.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.threads[threadID] {
		for _, id := range ids {
			if e.msg.ID == id {
				e.held = false
				e.nextAttempt = time.Time{}
			}
		}
	}
}

// Threads lists threads with pending messages, sorted.
func (l *Ledger) Threads() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.threads))
	for id, entries := range l.threads {
		if len(entries) > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the total number of pending messages.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, entries := range l.threads {
		n += len(entries)
	}
	return n
}

// due returns the leading run of released entries whose backoff has elapsed.
// It stops at the first held or waiting entry so persistence stays in order.
func (l *Ledger) due(threadID string, now time.Time) []model.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.Message
	for _, e := range l.threads[threadID] {
		if e.held || now.Before(e.nextAttempt) {
			break
		}
		out = append(out, e.msg)
	}
	return out
}

// recordFailure bumps the attempt counter and schedules the next try.
// It returns the new attempt count, or 0 when the entry is gone.
func (l *Ledger) recordFailure(threadID string, id model.ID, delay time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.threads[threadID] {
		if e.msg.ID == id {
			e.attempts++
			e.nextAttempt = l.now().Add(delay)
			l.persistLocked(threadID)
			return e.attempts
		}
	}
	return 0
}

func (l *Ledger) attempts(threadID string, id model.ID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.threads[threadID] {
		if e.msg.ID == id {
			return e.attempts
		}
	}
	return 0
}

func (l *Ledger) removeLocked(threadID string, id model.ID) bool {
	entries := l.threads[threadID]
	for i, e := range entries {
		if e.msg.ID != id {
			continue
		}
		entries = append(entries[:i:i], entries[i+1:]...)
		if len(entries) == 0 {
			delete(l.threads, threadID)
		} else {
			l.threads[threadID] = entries
		}
		l.persistLocked(threadID)
		return true
	}
	return false
}

func (l *Ledger) key(threadID string) string {
	return l.prefix + pendingKeyPart + threadID
}

// persistLocked mirrors the thread's ledger to storage so pending messages
// survive a restart. Callers hold l.mu.
func (l *Ledger) persistLocked(threadID string) {
	if l.kv == nil {
		return
	}
	entries := l.threads[threadID]
	if len(entries) == 0 {
		if err := l.kv.Delete(l.key(threadID)); err != nil {
			l.log.Warn("ledger_delete_failed", zap.String("thread", threadID), zap.Error(err))
		}
		return
	}
	rec := pendingRecord{
		Messages: make([]model.Message, 0, len(entries)),
		Attempts: make([]int, 0, len(entries)),
	}
	for _, e := range entries {
		rec.Messages = append(rec.Messages, e.msg)
		rec.Attempts = append(rec.Attempts, e.attempts)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		l.log.Error("ledger_encode_failed", zap.String("thread", threadID), zap.Error(err))
		return
	}
	if err := l.kv.Set(l.key(threadID), raw); err != nil {
		l.log.Warn("ledger_write_failed", zap.String("thread", threadID), zap.Error(err))
	}
}

// restore loads ledgers written by a previous run. Restored entries are
// released; the turn that held them no longer exists.
func (l *Ledger) restore() (int, error) {
	base := l.prefix + pendingKeyPart
	keys, err := l.kv.Keys(base)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	restored := 0
	var errs []error
	for _, key := range keys {
		threadID := strings.TrimPrefix(key, base)
		raw, err := l.kv.Get(key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var rec pendingRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			l.log.Warn("ledger_record_corrupt", zap.String("thread", threadID), zap.Error(err))
			_ = l.kv.Delete(key)
			continue
		}
		entries := make([]*pendingEntry, 0, len(rec.Messages))
		for i, msg := range rec.Messages {
			e := &pendingEntry{msg: msg}
			if i < len(rec.Attempts) {
				e.attempts = rec.Attempts[i]
			}
			entries = append(entries, e)
		}
		if len(entries) > 0 {
			l.threads[threadID] = entries
			restored += len(entries)
		}
	}
	return restored, errors.Join(errs...)
}
