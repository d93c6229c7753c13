package chat

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"elucide/internal/completion/core"
)

// ErrTurnInFlight rejects a refresh while the current session is streaming.
var ErrTurnInFlight = errors.New("a response is still streaming")

// Observer receives events from whichever session is current. Nil fields
// are skipped.
type Observer struct {
	OnChange  func()
	OnStream  func(chunk string, last bool)
	OnFinish  func()
	OnError   func(error)
	OnLoading func(bool)
}

// fetch is one message load for the selected thread.
type fetch struct {
	gen    uint64
	cancel context.CancelFunc
	ended  bool
}

// Controller tracks the selected thread and keeps exactly one session
// rendering it.
type Controller struct {
	env *Env
	log *zap.Logger

	mu       sync.Mutex
	gen      uint64
	threadID string
	session  *Session
	inflight *fetch
	loading  bool

	obsMu     sync.Mutex
	observers []Observer

	wg sync.WaitGroup
}

// NewController returns a controller with no thread selected.
func NewController(env *Env) *Controller {
	return &Controller{env: env, log: env.log.Named("controller")}
}

// Watch registers obs for the current and all future sessions.
func (c *Controller) Watch(obs Observer) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, obs)
}

// Current returns the session of the selected thread, or nil.
func (c *Controller) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// ThreadID returns the selected thread id.
func (c *Controller) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// IsLoading reports whether a message fetch is in flight.
func (c *Controller) IsLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Select makes threadID current. The previous thread's messages are cleared
// before anything else happens; the new thread is served from the cache, or
// fetched in the background when the cache has no entry. An empty threadID
// deselects.
func (c *Controller) Select(ctx context.Context, threadID string) *Session {
	c.mu.Lock()
	c.gen++
	prevFetch := c.endFetchLocked()
	prev := c.session
	c.threadID = threadID
	c.session = nil
	c.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	if prevFetch {
		c.notifyLoading(false)
	}
	c.notifyChange()
	if threadID == "" {
		return nil
	}

	cached, hit := c.env.store.Cache.Get(threadID)
	// On a miss the session stays unloaded until the fetch lands.
	session := c.env.openSession(threadID, cached, hit)
	c.bind(session)

	c.mu.Lock()
	if c.threadID != threadID || c.session != nil {
		// A newer Select won while we were reading the cache.
		c.mu.Unlock()
		session.Close()
		return nil
	}
	c.session = session
	c.mu.Unlock()
	c.notifyChange()

	if hit {
		c.log.Debug("thread_selected", zap.String("thread", threadID), zap.Bool("cached", true), zap.Int("messages", len(cached)))
		return session
	}
	c.log.Debug("thread_selected", zap.String("thread", threadID), zap.Bool("cached", false))
	c.startFetch(ctx, threadID, session)
	return session
}

// SelectNew makes a freshly created thread current. Its history is known to
// be empty, so it is cached as such and served without a fetch.
func (c *Controller) SelectNew(ctx context.Context, threadID string) *Session {
	if threadID != "" {
		c.env.store.Cache.Put(threadID, nil)
	}
	return c.Select(ctx, threadID)
}

// Refresh drops the selected thread's cache entry and fetches it again.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	threadID, session := c.threadID, c.session
	if session == nil {
		c.mu.Unlock()
		return ErrNoThread
	}
	if session.IsLoading() {
		c.mu.Unlock()
		return ErrTurnInFlight
	}
	c.gen++
	prevFetch := c.endFetchLocked()
	c.mu.Unlock()
	if prevFetch {
		c.notifyLoading(false)
	}

	c.env.store.Cache.Invalidate(threadID)
	c.startFetch(ctx, threadID, session)
	return nil
}

// Wait blocks until background fetches have finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close deselects the thread and waits for background work.
func (c *Controller) Close() {
	c.Select(context.Background(), "")
	c.Wait()
}

func (c *Controller) startFetch(ctx context.Context, threadID string, session *Session) {
	fctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.session != session {
		c.mu.Unlock()
		cancel()
		return
	}
	f := &fetch{gen: c.gen, cancel: cancel}
	c.inflight = f
	c.loading = true
	c.wg.Add(1)
	c.mu.Unlock()
	c.notifyLoading(true)

	go func() {
		defer c.wg.Done()
		defer cancel()

		fetched, err := c.env.backend.FetchMessages(fctx, threadID)

		c.mu.Lock()
		if c.inflight != f || f.ended {
			c.mu.Unlock()
			c.log.Debug("fetch_discarded", zap.String("thread", threadID), zap.Uint64("selection", f.gen), zap.Error(err))
			return
		}
		c.endFetchLocked()
		n := 0
		if err == nil {
			n = session.absorb(fetched)
		}
		c.mu.Unlock()
		c.notifyLoading(false)

		if err != nil {
			if !core.IsCanceled(err) {
				c.log.Warn("fetch_failed", zap.String("thread", threadID), zap.Error(err))
				c.notifyError(err)
			}
			return
		}
		session.notifyChange()
		c.log.Debug("fetch_applied", zap.String("thread", threadID), zap.Int("messages", n))
	}()
}

// endFetchLocked aborts the in-flight fetch and clears loading. It reports
// whether a loading state was ended, so each true is paired with one false.
func (c *Controller) endFetchLocked() bool {
	f := c.inflight
	c.inflight = nil
	if f == nil || f.ended {
		return false
	}
	f.ended = true
	f.cancel()
	c.loading = false
	return true
}

// bind forwards session events to the controller's observers while the
// session is current.
func (c *Controller) bind(s *Session) {
	current := func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.session == s
	}
	s.OnChange(func() {
		if current() {
			c.notifyChange()
		}
	})
	s.OnStream(func(chunk string, last bool) {
		if !current() {
			return
		}
		for _, obs := range c.snapshot() {
			if obs.OnStream != nil {
				obs.OnStream(chunk, last)
			}
		}
	})
	s.OnFinish(func() {
		if !current() {
			return
		}
		for _, obs := range c.snapshot() {
			if obs.OnFinish != nil {
				obs.OnFinish()
			}
		}
	})
	s.OnError(func(err error) {
		if current() {
			c.notifyError(err)
		}
	})
}

func (c *Controller) snapshot() []Observer {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	return append([]Observer(nil), c.observers...)
}

func (c *Controller) notifyChange() {
	for _, obs := range c.snapshot() {
		if obs.OnChange != nil {
			obs.OnChange()
		}
	}
}

func (c *Controller) notifyError(err error) {
	for _, obs := range c.snapshot() {
		if obs.OnError != nil {
			obs.OnError(err)
		}
	}
}

func (c *Controller) notifyLoading(loading bool) {
	for _, obs := range c.snapshot() {
		if obs.OnLoading != nil {
			obs.OnLoading(loading)
		}
	}
}
