// Package chat drives a conversation on top of the local message cache: the
// streaming session state machine and the thread selection controller.
package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"elucide/internal/completion/core"
	"elucide/internal/logging"
	"elucide/internal/model"
	"elucide/internal/msgcache"
)

const defaultPersistTimeout = 30 * time.Second

var (
	// ErrStoreRequired indicates a missing message store dependency.
	ErrStoreRequired = errors.New("message store is required")
	// ErrBackendRequired indicates a missing backend dependency.
	ErrBackendRequired = errors.New("backend is required")
	// ErrStreamerRequired indicates a missing completion streamer.
	ErrStreamerRequired = errors.New("streamer is required")
)

// Backend is the persistence surface a session needs.
type Backend interface {
	FetchMessages(ctx context.Context, threadID string) ([]model.Message, error)
	CreateMessage(ctx context.Context, msg model.NewMessage) (model.Message, error)
}

// Recency bumps a thread's ordering after a completed turn.
type Recency interface {
	Touch(ctx context.Context, threadID string) error
}

// Config wires an Env.
type Config struct {
	Store    *msgcache.Store
	Backend  Backend
	Streamer core.Streamer
	// Recency is optional.
	Recency Recency
	Logger  *zap.Logger

	Model       string
	MaxTokens   int
	Temperature *float64
	// PersistTimeout bounds the post-stream message writes.
	PersistTimeout time.Duration
	Now            func() time.Time
}

// Env is the shared context every session and controller is built from.
// It owns the global stream slot: at most one turn streams at a time.
type Env struct {
	store          *msgcache.Store
	backend        Backend
	streamer       core.Streamer
	recency        Recency
	log            *zap.Logger
	model          string
	maxTokens      int
	temperature    *float64
	persistTimeout time.Duration
	now            func() time.Time

	slot streamSlot

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewEnv validates cfg and constructs an Env.
func NewEnv(cfg Config) (*Env, error) {
	if cfg.Store == nil {
		return nil, ErrStoreRequired
	}
	if cfg.Backend == nil {
		return nil, ErrBackendRequired
	}
	if cfg.Streamer == nil {
		return nil, ErrStreamerRequired
	}
	timeout := cfg.PersistTimeout
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Env{
		store:          cfg.Store,
		backend:        cfg.Backend,
		streamer:       cfg.Streamer,
		recency:        cfg.Recency,
		log:            logging.OrNop(cfg.Logger).Named("chat"),
		model:          cfg.Model,
		maxTokens:      cfg.MaxTokens,
		temperature:    cfg.Temperature,
		persistTimeout: timeout,
		now:            now,
		sessions:       map[*Session]struct{}{},
	}, nil
}

// Store returns the message store shared by all sessions.
func (e *Env) Store() *msgcache.Store {
	return e.store
}

// AttachSweeper routes messages the sweep confirms into live sessions so
// their in-memory lists pick up canonical ids.
func (e *Env) AttachSweeper(sw *msgcache.Sweeper) {
	sw.OnConfirm(func(threadID string, optimistic model.ID, canonical model.Message) {
		for _, s := range e.sessionsFor(threadID) {
			s.applyConfirmed(optimistic, canonical)
		}
	})
}

// NewSession starts a session for threadID seeded with messages, which must
// be the thread's whole history.
func (e *Env) NewSession(threadID string, messages []model.Message) *Session {
	return e.openSession(threadID, messages, true)
}

func (e *Env) openSession(threadID string, messages []model.Message, loaded bool) *Session {
	s := newSession(e, threadID, messages, loaded)
	e.mu.Lock()
	e.sessions[s] = struct{}{}
	e.mu.Unlock()
	return s
}

func (e *Env) forget(s *Session) {
	e.mu.Lock()
	delete(e.sessions, s)
	e.mu.Unlock()
}

func (e *Env) sessionsFor(threadID string) []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Session
	for s := range e.sessions {
		if s.threadID == threadID {
			out = append(out, s)
		}
	}
	return out
}

// streamSlot holds the single in-flight turn across all sessions.
type streamSlot struct {
	mu    sync.Mutex
	owner *turn
}

// acquire makes t the active turn, aborting whichever turn held the slot.
func (s *streamSlot) acquire(t *turn) {
	s.mu.Lock()
	prev := s.owner
	s.owner = t
	s.mu.Unlock()
	if prev != nil && prev != t {
		prev.cancel()
	}
}

func (s *streamSlot) release(t *turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner == t {
		s.owner = nil
	}
}
