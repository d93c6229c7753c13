package chat

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"elucide/internal/completion/core"
	"elucide/internal/model"
)

var (
	// ErrEmptyContent rejects a submit with nothing to send.
	ErrEmptyContent = errors.New("message content is empty")
	// ErrNoThread rejects a submit before a thread is resolved.
	ErrNoThread = errors.New("no thread selected")
	// ErrInvalidRole rejects an unknown message role.
	ErrInvalidRole = errors.New("invalid message role")
	// ErrSessionClosed rejects a submit after the thread was deselected.
	ErrSessionClosed = errors.New("session is closed")
	// ErrHistoryNotLoaded rejects a submit before the thread's messages are
	// known, so a turn never starts from a partial history.
	ErrHistoryNotLoaded = errors.New("thread history is not loaded yet")
)

// Input is one user submission.
type Input struct {
	Content  string
	Role     model.Role
	ImageURL string
	// Model overrides the env's default model for this turn.
	Model string
}

// turn is one request/response cycle. cancel is the abort handle shared by
// Stop and the global stream slot.
type turn struct {
	gen       uint64
	ctx       context.Context
	cancel    context.CancelFunc
	user      model.ID
	assistant model.ID
}

func (t *turn) aborted() bool {
	return t.ctx.Err() != nil
}

// Session owns the rendered message list of one thread and runs its turns.
type Session struct {
	env      *Env
	threadID string
	log      *zap.Logger

	mu       sync.Mutex
	state    State
	messages []model.Message
	gen      uint64
	current  *turn
	closed   bool
	// loaded is false until messages holds the whole thread.
	loaded bool

	obsMu     sync.Mutex
	onStream  []func(chunk string, last bool)
	onFinish  []func()
	onError   []func(error)
	onChange  []func()
	onLoading []func(bool)

	wg sync.WaitGroup
}

func newSession(env *Env, threadID string, messages []model.Message, loaded bool) *Session {
	return &Session{
		env:      env,
		threadID: threadID,
		log:      env.log.With(zap.String("thread", threadID)),
		state:    StateIdle,
		messages: model.CloneMessages(messages),
		loaded:   loaded,
	}
}

// ThreadID returns the thread the session renders.
func (s *Session) ThreadID() string {
	return s.threadID
}

// Messages returns a copy of the rendered list.
func (s *Session) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.CloneMessages(s.messages)
}

// State returns the current turn state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsLoading reports whether a response is still streaming.
func (s *Session) IsLoading() bool {
	return s.State().Loading()
}

// OnStream registers fn for every applied chunk. The terminal call has
// last=true and an empty chunk and fires once per completed turn.
func (s *Session) OnStream(fn func(chunk string, last bool)) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.onStream = append(s.onStream, fn)
}

// OnFinish registers fn to run after the terminal chunk of a completed turn.
func (s *Session) OnFinish(fn func()) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.onFinish = append(s.onFinish, fn)
}

// OnError registers fn for turns that fail.
func (s *Session) OnError(fn func(error)) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.onError = append(s.onError, fn)
}

// OnChange registers fn for any change to Messages or State.
func (s *Session) OnChange(fn func()) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// OnLoading registers fn for IsLoading transitions.
func (s *Session) OnLoading(fn func(bool)) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.onLoading = append(s.onLoading, fn)
}

// Append submits in and returns once the optimistic user and assistant
// messages are in place. The response streams in the background; any turn
// streaming elsewhere is aborted first.
func (s *Session) Append(ctx context.Context, in Input) error {
	if strings.TrimSpace(in.Content) == "" {
		return ErrEmptyContent
	}
	if strings.TrimSpace(s.threadID) == "" {
		return ErrNoThread
	}
	role := in.Role
	if role == "" {
		role = model.RoleUser
	}
	if !role.Valid() {
		return ErrInvalidRole
	}
	modelName := in.Model
	if modelName == "" {
		modelName = s.env.model
	}

	now := s.env.now()
	user := model.Message{
		ID:        model.NewOptimisticID(),
		ThreadID:  s.threadID,
		Role:      role,
		Content:   in.Content,
		Model:     modelName,
		ImageURL:  in.ImageURL,
		CreatedAt: now,
		UpdatedAt: now,
	}
	assistant := model.Message{
		ID:        model.NewOptimisticID(),
		ThreadID:  s.threadID,
		Role:      model.RoleAssistant,
		Model:     modelName,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.loaded {
		s.mu.Unlock()
		return ErrHistoryNotLoaded
	}
	if prev := s.current; prev != nil {
		prev.cancel()
	}
	wasLoading := s.state.Loading()
	history := requestHistory(s.messages, user)

	runCtx, cancel := context.WithCancel(ctx)
	s.gen++
	t := &turn{gen: s.gen, ctx: runCtx, cancel: cancel, user: user.ID, assistant: assistant.ID}
	s.current = t
	s.state = StateSending
	s.messages = append(s.messages, user, assistant)

	store := s.env.store
	store.Ledger.Add(s.threadID, user, true)
	store.Ledger.Add(s.threadID, assistant, true)
	store.Cache.Put(s.threadID, s.messages)
	s.env.slot.acquire(t)
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Debug("turn_started",
		zap.Uint64("turn", t.gen),
		zap.String("model", modelName),
		zap.Int("history", len(history)),
	)
	if !wasLoading {
		s.notifyLoading(true)
	}
	s.notifyChange()

	req := &core.Request{
		ThreadID:    s.threadID,
		Model:       modelName,
		Messages:    history,
		MaxTokens:   s.env.maxTokens,
		Temperature: s.env.temperature,
	}
	go s.run(t, req)
	return nil
}

// Stop aborts the in-flight turn. Content already streamed is kept.
func (s *Session) Stop() {
	s.mu.Lock()
	stopped := s.stopLocked()
	s.mu.Unlock()
	if stopped {
		s.notifyLoading(false)
		s.notifyChange()
	}
}

func (s *Session) stopLocked() bool {
	t := s.current
	if t == nil || !s.state.Loading() {
		return false
	}
	s.state = StateCancelled
	t.cancel()
	return true
}

// Wait blocks until every started turn, including its persistence, is done.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Close stops the session and detaches it from sweep confirmations.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	stopped := s.stopLocked()
	s.mu.Unlock()
	s.env.forget(s)
	if stopped {
		s.notifyLoading(false)
	}
}

func (s *Session) run(t *turn, req *core.Request) {
	defer s.wg.Done()
	defer t.cancel()

	events, err := s.env.streamer.Stream(t.ctx, req)
	if err != nil {
		s.endTurn(t, err)
		return
	}

	s.mu.Lock()
	if s.gen == t.gen && s.state == StateSending {
		s.state = StateStreaming
	}
	s.mu.Unlock()

	for {
		select {
		case <-t.ctx.Done():
			s.endTurn(t, t.ctx.Err())
			return
		case ev, ok := <-events:
			if !ok {
				s.endTurn(t, core.ErrStreamEnded)
				return
			}
			switch ev.Type {
			case core.EventTextDelta:
				if ev.TextDelta == "" {
					continue
				}
				if !s.applyChunk(t, ev.TextDelta) {
					s.endTurn(t, t.ctx.Err())
					return
				}
			case core.EventDone:
				s.endTurn(t, nil)
				return
			case core.EventError:
				err := ev.Err
				if err == nil {
					err = core.ErrStreamEnded
				}
				s.endTurn(t, err)
				return
			}
		}
	}
}

// applyChunk appends delta to the turn's assistant message. It reports false
// once the turn has been aborted; no chunk is applied after that.
func (s *Session) applyChunk(t *turn, delta string) bool {
	s.mu.Lock()
	if t.aborted() {
		s.mu.Unlock()
		return false
	}
	idx := model.IndexOf(s.messages, t.assistant)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	msg := s.messages[idx]
	msg.Content += delta
	msg.UpdatedAt = s.env.now()
	s.messages[idx] = msg
	s.env.store.Cache.Put(s.threadID, s.messages)
	s.mu.Unlock()

	s.notifyStream(delta, false)
	s.notifyChange()
	return true
}

// endTurn settles a turn. A nil cause completes it; an abort keeps partial
// content; any other error rolls the turn back.
func (s *Session) endTurn(t *turn, cause error) {
	s.env.slot.release(t)
	switch {
	case cause == nil && !t.aborted():
		s.complete(t)
	case t.aborted() || core.IsCanceled(cause):
		s.cancelled(t)
	default:
		s.failed(t, cause)
	}
}

func (s *Session) complete(t *turn) {
	s.mu.Lock()
	user, assistant := s.turnMessages(t)
	endedLoading := s.settleLocked(t, StateFinalizing)
	keepAssistant := strings.TrimSpace(assistant.Content) != ""
	if keepAssistant {
		s.env.store.Ledger.Update(s.threadID, assistant)
	} else {
		// Nothing to persist: drop the placeholder everywhere.
		s.messages = model.RemoveIDs(s.messages, t.assistant)
		s.env.store.Rollback(s.threadID, t.assistant)
	}
	s.mu.Unlock()

	s.log.Debug("turn_streamed", zap.Uint64("turn", t.gen), zap.Int("chars", len(assistant.Content)))
	if endedLoading {
		s.notifyLoading(false)
	}
	s.notifyStream("", true)
	s.notifyFinish()
	s.notifyChange()

	pending := []model.Message{user}
	if keepAssistant {
		pending = append(pending, assistant)
	}
	s.persist(t, pending)

	if s.env.recency != nil {
		ctx, cancel := s.persistContext(t)
		if err := s.env.recency.Touch(ctx, s.threadID); err != nil {
			s.log.Warn("thread_touch_failed", zap.Error(err))
		}
		cancel()
	}

	s.mu.Lock()
	if s.gen == t.gen && s.state == StateFinalizing {
		s.state = StateIdle
	}
	s.mu.Unlock()
	s.notifyChange()
}

// persist writes the turn's messages in order. Each success swaps the
// optimistic record for the canonical one; on the first failure the rest are
// released to the sweep.
func (s *Session) persist(t *turn, pending []model.Message) {
	ctx, cancel := s.persistContext(t)
	defer cancel()

	for i, msg := range pending {
		canonical, err := s.env.backend.CreateMessage(ctx, msg.ToNew())
		if err != nil {
			ids := make([]model.ID, 0, len(pending)-i)
			for _, rest := range pending[i:] {
				ids = append(ids, rest.ID)
			}
			s.env.store.Ledger.Release(s.threadID, ids...)
			s.log.Warn("turn_persist_failed",
				zap.Uint64("turn", t.gen),
				zap.Int("released", len(ids)),
				zap.Error(err),
			)
			return
		}
		s.confirm(msg.ID, canonical)
	}
	s.log.Debug("turn_persisted", zap.Uint64("turn", t.gen), zap.Int("messages", len(pending)))
}

func (s *Session) persistContext(t *turn) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(t.ctx), s.env.persistTimeout)
}

func (s *Session) cancelled(t *turn) {
	s.mu.Lock()
	user, assistant := s.turnMessages(t)
	endedLoading := s.settleLocked(t, StateCancelled)
	ledger := s.env.store.Ledger
	ids := []model.ID{user.ID}
	cached := s.messages
	if strings.TrimSpace(assistant.Content) == "" {
		// The empty placeholder stays on screen but is never stored.
		ledger.Remove(s.threadID, t.assistant)
		cached = model.RemoveIDs(s.messages, t.assistant)
	} else {
		ledger.Update(s.threadID, assistant)
		ids = append(ids, assistant.ID)
	}
	ledger.Release(s.threadID, ids...)
	s.env.store.Cache.Put(s.threadID, cached)
	s.mu.Unlock()

	s.log.Info("turn_cancelled", zap.Uint64("turn", t.gen), zap.Int("partial_chars", len(assistant.Content)))
	if endedLoading {
		s.notifyLoading(false)
	}
	s.notifyChange()
}

func (s *Session) failed(t *turn, cause error) {
	s.mu.Lock()
	endedLoading := s.settleLocked(t, StateErrored)
	s.messages = model.RemoveIDs(s.messages, t.user, t.assistant)
	s.env.store.Rollback(s.threadID, t.user, t.assistant)
	s.mu.Unlock()

	s.log.Warn("turn_failed", zap.Uint64("turn", t.gen), zap.Error(cause))
	if endedLoading {
		s.notifyLoading(false)
	}
	s.notifyError(cause)
	s.notifyChange()
}

// settleLocked moves the session to st if t is still its latest turn and
// reports whether that ended a loading state.
func (s *Session) settleLocked(t *turn, st State) bool {
	if s.gen != t.gen {
		return false
	}
	wasLoading := s.state.Loading()
	s.state = st
	return wasLoading
}

// turnMessages returns the turn's current user and assistant records.
func (s *Session) turnMessages(t *turn) (user, assistant model.Message) {
	if i := model.IndexOf(s.messages, t.user); i >= 0 {
		user = s.messages[i]
	}
	if i := model.IndexOf(s.messages, t.assistant); i >= 0 {
		assistant = s.messages[i]
	}
	return user, assistant
}

func (s *Session) confirm(optimistic model.ID, canonical model.Message) {
	s.mu.Lock()
	model.ReplaceByID(s.messages, optimistic, canonical)
	s.env.store.Confirm(s.threadID, optimistic, canonical)
	s.mu.Unlock()
	s.notifyChange()

	// A session reopened on the same thread renders the same optimistic record.
	for _, other := range s.env.sessionsFor(s.threadID) {
		if other != s {
			other.applyConfirmed(optimistic, canonical)
		}
	}
}

// applyConfirmed picks up a confirmation made outside the session.
func (s *Session) applyConfirmed(optimistic model.ID, canonical model.Message) {
	s.mu.Lock()
	replaced := model.ReplaceByID(s.messages, optimistic, canonical)
	s.mu.Unlock()
	if replaced {
		s.notifyChange()
	}
}

// absorb replaces the confirmed part of the rendered list with fetched and
// writes the result to the cache. Optimistic messages still in the ledger
// stay after it; any other optimistic record is dropped. Callers notify.
func (s *Session) absorb(fetched []model.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var optimistic []model.Message
	for _, msg := range s.messages {
		if msg.ID.IsOptimistic() && s.env.store.Ledger.IsPending(s.threadID, msg.ID) {
			optimistic = append(optimistic, msg)
		}
	}
	s.messages = s.env.store.Cache.Put(s.threadID, model.Merge(fetched, optimistic))
	s.loaded = true
	return len(s.messages)
}

func requestHistory(messages []model.Message, next model.Message) []core.Message {
	out := make([]core.Message, 0, len(messages)+1)
	for _, msg := range append(model.CloneMessages(messages), next) {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		out = append(out, core.Message{Role: core.Role(msg.Role), Content: msg.Content})
	}
	return out
}

func (s *Session) notifyStream(chunk string, last bool) {
	s.obsMu.Lock()
	fns := append([]func(string, bool){}, s.onStream...)
	s.obsMu.Unlock()
	for _, fn := range fns {
		fn(chunk, last)
	}
}

func (s *Session) notifyFinish() {
	s.obsMu.Lock()
	fns := append([]func(){}, s.onFinish...)
	s.obsMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *Session) notifyError(err error) {
	s.obsMu.Lock()
	fns := append([]func(error){}, s.onError...)
	s.obsMu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (s *Session) notifyChange() {
	s.obsMu.Lock()
	fns := append([]func(){}, s.onChange...)
	s.obsMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *Session) notifyLoading(loading bool) {
	s.obsMu.Lock()
	fns := append([]func(bool){}, s.onLoading...)
	s.obsMu.Unlock()
	for _, fn := range fns {
		fn(loading)
	}
}
