package msgcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"elucide/internal/completion/core"
	"elucide/internal/model"
)

const (
	DefaultSweepInterval    = 5 * time.Second
	DefaultSweepMaxAttempts = 20
	defaultSweepRate        = 10
	defaultSweepBurst       = 5
	defaultSweepConcurrency = 4
)

// Persister creates a message on the backend and returns the canonical record.
type Persister interface {
	CreateMessage(ctx context.Context, msg model.NewMessage) (model.Message, error)
}

// ConfirmFunc observes a pending message the sweep has persisted.
type ConfirmFunc func(threadID string, optimistic model.ID, canonical model.Message)

// SweepConfig tunes the background reconciliation.
type SweepConfig struct {
	Interval time.Duration
	// MaxAttempts abandons an entry after this many failures; 0 retries forever.
	MaxAttempts int
	Backoff     core.RetryPolicy
	// RatePerSecond and Burst bound backend writes across all threads.
	RatePerSecond float64
	Burst         int
	Concurrency   int
}

// SweepResult summarizes one pass.
type SweepResult struct {
	Persisted int
	Failed    int
	Abandoned int
}

// Sweeper periodically persists released ledger entries.
type Sweeper struct {
	store     *Store
	persister Persister
	cfg       SweepConfig
	limiter   *rate.Limiter
	log       *zap.Logger
	sweeping  sync.Mutex

	mu        sync.Mutex
	observers []ConfirmFunc
}

// NewSweeper constructs a sweeper with defaults for unset config.
func NewSweeper(store *Store, persister Persister, cfg SweepConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if cfg.Backoff.BaseDelay <= 0 {
		cfg.Backoff.BaseDelay = cfg.Interval
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = 5 * time.Minute
	}
	cfg.Backoff = core.NormalizeRetryPolicy(cfg.Backoff)
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = defaultSweepRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultSweepBurst
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultSweepConcurrency
	}
	return &Sweeper{
		store:     store,
		persister: persister,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		log:       store.log.Named("sweep"),
	}
}

// OnConfirm registers fn to run after each successful persist.
func (s *Sweeper) OnConfirm(fn ConfirmFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Run sweeps every interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.log.Info("sweep_started", zap.Duration("interval", s.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweep_stopped")
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && !core.IsCanceled(err) {
				s.log.Warn("sweep_failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce runs a single pass over every thread with pending messages.
// Threads are swept concurrently; within a thread messages are persisted in
// order and the pass stops at the first failure. Overlapping calls return
// immediately with an empty result.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	if !s.sweeping.TryLock() {
		return SweepResult{}, nil
	}
	defer s.sweeping.Unlock()

	var persisted, failed, abandoned atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, threadID := range s.store.Ledger.Threads() {
		g.Go(func() error {
			p, f, a, err := s.sweepThread(gctx, threadID)
			persisted.Add(int64(p))
			failed.Add(int64(f))
			abandoned.Add(int64(a))
			return err
		})
	}
	err := g.Wait()

	res := SweepResult{Persisted: int(persisted.Load()), Failed: int(failed.Load()), Abandoned: int(abandoned.Load())}
	if res != (SweepResult{}) {
		s.log.Info("sweep_pass",
			zap.Int("persisted", res.Persisted),
			zap.Int("failed", res.Failed),
			zap.Int("abandoned", res.Abandoned),
			zap.Int("remaining", s.store.Ledger.Len()),
		)
	}
	return res, err
}

func (s *Sweeper) sweepThread(ctx context.Context, threadID string) (persisted, failed, abandoned int, err error) {
	for _, msg := range s.store.Ledger.due(threadID, s.store.Ledger.now()) {
		if err := s.limiter.Wait(ctx); err != nil {
			return persisted, failed, abandoned, err
		}
		canonical, err := s.persister.CreateMessage(ctx, msg.ToNew())
		if err != nil {
			if core.IsCanceled(err) {
				return persisted, failed, abandoned, err
			}
			if s.handleFailure(threadID, msg, err) {
				abandoned++
				// An abandoned entry no longer blocks the thread.
				continue
			}
			failed++
			return persisted, failed, abandoned, nil
		}

		// The turn may have rolled the message back while the write was in flight.
		if !s.store.Ledger.IsPending(threadID, msg.ID) {
			s.log.Warn("sweep_persisted_removed_message",
				zap.String("thread", threadID),
				zap.String("optimistic_id", msg.ID.String()),
				zap.String("id", canonical.ID.String()),
			)
			continue
		}
		s.store.Confirm(threadID, msg.ID, canonical)
		persisted++
		s.notify(threadID, msg.ID, canonical)
	}
	return persisted, failed, abandoned, nil
}

// handleFailure schedules a retry and reports whether the entry was abandoned.
func (s *Sweeper) handleFailure(threadID string, msg model.Message, cause error) bool {
	attempt := s.store.Ledger.attempts(threadID, msg.ID)
	delay := core.ComputeBackoffDelay(s.cfg.Backoff, attempt)
	attempts := s.store.Ledger.recordFailure(threadID, msg.ID, delay)

	fields := []zap.Field{
		zap.String("thread", threadID),
		zap.String("optimistic_id", msg.ID.String()),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	}
	if s.cfg.MaxAttempts > 0 && attempts >= s.cfg.MaxAttempts {
		s.store.Rollback(threadID, msg.ID)
		s.log.Error("pending_message_abandoned", fields...)
		return true
	}
	s.log.Warn("pending_message_persist_failed", append(fields, zap.Duration("retry_in", delay))...)
	return false
}

func (s *Sweeper) notify(threadID string, optimistic model.ID, canonical model.Message) {
	s.mu.Lock()
	observers := append([]ConfirmFunc(nil), s.observers...)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(threadID, optimistic, canonical)
	}
}

// ErrPendingRemain is returned by Flush when entries are still pending after
// a pass that persisted nothing.
var ErrPendingRemain = errors.New("pending messages remain")

// Flush sweeps until nothing released is left or ctx ends. Held entries and
// entries waiting on backoff are not forced.
func (s *Sweeper) Flush(ctx context.Context) error {
	for {
		res, err := s.SweepOnce(ctx)
		if err != nil {
			return err
		}
		if res.Persisted == 0 {
			if s.store.Ledger.Len() > 0 {
				return ErrPendingRemain
			}
			return nil
		}
	}
}
