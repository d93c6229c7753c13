// Package threads mirrors the user's threads and folders with optimistic
// local updates.
package threads

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"elucide/internal/logging"
	"elucide/internal/model"
)

// DefaultSyncInterval is how often Run flushes pending thread updates.
const DefaultSyncInterval = 5 * time.Second

var (
	// ErrThreadNotFound indicates an id missing from the local mirror.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrBackendRequired indicates a missing backend dependency.
	ErrBackendRequired = errors.New("threads backend is required")
)

// Backend is the thread persistence surface.
type Backend interface {
	FetchThreads(ctx context.Context) ([]model.Thread, error)
	CreateThread(ctx context.Context) (model.Thread, error)
	UpdateThread(ctx context.Context, threadID string, patch model.ThreadPatch) (model.Thread, error)
	DeleteThread(ctx context.Context, threadID string) error
}

// Invalidator drops cached state for a deleted thread.
type Invalidator interface {
	Invalidate(threadID string)
}

// Options configures a Store.
type Options struct {
	Logger *zap.Logger
	Now    func() time.Time
	// Cache, when set, is invalidated for threads that are deleted.
	Cache Invalidator
}

// pendingUpdate is a locally applied patch waiting for SyncPending.
type pendingUpdate struct {
	patch   model.ThreadPatch
	version uint64
}

// Store holds the thread list. Writes apply locally first and roll back
// when the backend rejects them.
type Store struct {
	backend Backend
	cache   Invalidator
	log     *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	threads  []model.Thread
	pending  map[string]pendingUpdate
	version  uint64
	lastSync time.Time
}

// NewStore constructs an empty mirror.
func NewStore(backend Backend, opts Options) (*Store, error) {
	if backend == nil {
		return nil, ErrBackendRequired
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		backend: backend,
		cache:   opts.Cache,
		log:     logging.OrNop(opts.Logger).Named("threads"),
		now:     now,
		pending: map[string]pendingUpdate{},
	}, nil
}

// Fetch replaces the mirror with the backend's list. Pending local patches
// are re-applied on top.
func (s *Store) Fetch(ctx context.Context) ([]model.Thread, error) {
	fetched, err := s.backend.FetchThreads(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	threads := make([]model.Thread, 0, len(fetched))
	for _, th := range fetched {
		if p, ok := s.pending[th.ID.String()]; ok {
			th = p.patch.Apply(th)
		}
		threads = append(threads, th)
	}
	s.threads = threads
	s.lastSync = s.now()
	s.log.Debug("threads_fetched", zap.Int("count", len(threads)))
	return s.sortedLocked(), nil
}

// List returns the mirror, most recently updated first.
func (s *Store) List() []model.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

// Get returns one thread from the mirror.
func (s *Store) Get(threadID string) (model.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(threadID)
	if i < 0 {
		return model.Thread{}, false
	}
	return s.threads[i], true
}

// Create inserts a placeholder thread, then swaps in the backend's record.
// The placeholder is removed if creation fails.
func (s *Store) Create(ctx context.Context) (model.Thread, error) {
	now := s.now()
	placeholder := model.Thread{ID: model.NewOptimisticID(), CreatedAt: now, UpdatedAt: now}
	s.mu.Lock()
	s.threads = append([]model.Thread{placeholder}, s.threads...)
	s.mu.Unlock()

	created, err := s.backend.CreateThread(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(placeholder.ID.String())
	if err != nil {
		if i >= 0 {
			s.threads = append(s.threads[:i], s.threads[i+1:]...)
		}
		s.log.Warn("thread_create_failed", zap.Error(err))
		return model.Thread{}, fmt.Errorf("create thread: %w", err)
	}
	if i >= 0 {
		s.threads[i] = created
	} else {
		s.threads = append([]model.Thread{created}, s.threads...)
	}
	s.log.Debug("thread_created", zap.String("thread", created.ID.String()))
	return created, nil
}

// Update applies patch to a thread. With optimistic set the patch is kept
// locally and queued for SyncPending; otherwise it is sent now and rolled
// back if the backend rejects it. A patch without UpdatedAt bumps recency.
func (s *Store) Update(ctx context.Context, threadID string, patch model.ThreadPatch, optimistic bool) (model.Thread, error) {
	if patch.UpdatedAt == nil {
		now := s.now()
		patch.UpdatedAt = &now
	}

	s.mu.Lock()
	i := s.indexLocked(threadID)
	if i < 0 {
		s.mu.Unlock()
		return model.Thread{}, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	previous := s.threads[i]
	applied := patch.Apply(previous)
	s.threads[i] = applied
	if optimistic {
		s.version++
		s.pending[threadID] = pendingUpdate{
			patch:   s.pending[threadID].patch.Merge(patch),
			version: s.version,
		}
		s.mu.Unlock()
		return applied, nil
	}
	s.mu.Unlock()

	updated, err := s.backend.UpdateThread(ctx, threadID, patch)

	s.mu.Lock()
	defer s.mu.Unlock()
	i = s.indexLocked(threadID)
	if err != nil {
		if i >= 0 {
			// Undo only this patch; optimistic patches made meanwhile stay.
			reverted := patch.Revert(s.threads[i], previous)
			if p, ok := s.pending[threadID]; ok {
				reverted = p.patch.Apply(reverted)
			}
			s.threads[i] = reverted
		}
		s.log.Warn("thread_update_failed", zap.String("thread", threadID), zap.Error(err))
		return model.Thread{}, fmt.Errorf("update thread %s: %w", threadID, err)
	}
	if p, ok := s.pending[threadID]; ok {
		updated = p.patch.Apply(updated)
	}
	if i >= 0 {
		s.threads[i] = updated
	}
	return updated, nil
}

// MoveToFolder files a thread under folderID; an empty id moves it to the
// top level and is sent to the backend as a null folder_id.
func (s *Store) MoveToFolder(ctx context.Context, threadID, folderID string) (model.Thread, error) {
	return s.Update(ctx, threadID, model.ThreadPatch{FolderID: model.StringPtr(folderID)}, true)
}

// Touch bumps a thread's recency after a completed turn. Threads the mirror
// does not know are updated on the backend directly.
func (s *Store) Touch(ctx context.Context, threadID string) error {
	if _, ok := s.Get(threadID); ok {
		_, err := s.Update(ctx, threadID, model.ThreadPatch{}, true)
		return err
	}
	now := s.now()
	_, err := s.backend.UpdateThread(ctx, threadID, model.ThreadPatch{UpdatedAt: &now})
	return err
}

// HasPending reports whether local patches await SyncPending.
func (s *Store) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

// SyncPending sends every queued patch. Patches the backend rejects stay
// queued for the next call; a patch changed during the call is kept too.
func (s *Store) SyncPending(ctx context.Context) error {
	s.mu.Lock()
	batch := make(map[string]pendingUpdate, len(s.pending))
	for id, p := range s.pending {
		batch[id] = p
	}
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	var (
		errMu sync.Mutex
		errs  []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for threadID, p := range batch {
		g.Go(func() error {
			updated, err := s.backend.UpdateThread(gctx, threadID, p.patch)
			s.mu.Lock()
			defer s.mu.Unlock()
			if err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("sync thread %s: %w", threadID, err))
				errMu.Unlock()
				return nil
			}
			if cur, ok := s.pending[threadID]; ok && cur.version == p.version {
				delete(s.pending, threadID)
				if i := s.indexLocked(threadID); i >= 0 {
					s.threads[i] = updated
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	if len(errs) == 0 {
		s.lastSync = s.now()
	}
	remaining := len(s.pending)
	s.mu.Unlock()

	if err := errors.Join(errs...); err != nil {
		s.log.Warn("thread_sync_failed", zap.Int("pending", remaining), zap.Error(err))
		return err
	}
	s.log.Debug("thread_sync", zap.Int("synced", len(batch)))
	return nil
}

// Run flushes pending patches every interval until ctx ends, then makes a
// final attempt.
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), interval)
			defer cancel()
			_ = s.SyncPending(flushCtx)
			return nil
		case <-ticker.C:
			_ = s.SyncPending(ctx)
		}
	}
}

// Delete removes a thread locally, then on the backend. The thread is put
// back in place if the backend refuses.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	s.mu.Lock()
	i := s.indexLocked(threadID)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	removed := s.threads[i]
	s.threads = append(s.threads[:i:i], s.threads[i+1:]...)
	pending, hadPending := s.pending[threadID]
	delete(s.pending, threadID)
	s.mu.Unlock()

	if err := s.backend.DeleteThread(ctx, threadID); err != nil {
		s.mu.Lock()
		at := min(i, len(s.threads))
		s.threads = append(s.threads[:at:at], append([]model.Thread{removed}, s.threads[at:]...)...)
		if hadPending {
			s.pending[threadID] = pending
		}
		s.mu.Unlock()
		s.log.Warn("thread_delete_failed", zap.String("thread", threadID), zap.Error(err))
		return fmt.Errorf("delete thread %s: %w", threadID, err)
	}
	if s.cache != nil {
		s.cache.Invalidate(threadID)
	}
	s.log.Debug("thread_deleted", zap.String("thread", threadID))
	return nil
}

func (s *Store) indexLocked(threadID string) int {
	for i, th := range s.threads {
		if th.ID.String() == threadID {
			return i
		}
	}
	return -1
}

func (s *Store) sortedLocked() []model.Thread {
	out := append([]model.Thread(nil), s.threads...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}
