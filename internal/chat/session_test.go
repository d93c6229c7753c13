package chat

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"elucide/internal/backend/backendtest"
	"elucide/internal/completion/core"
	"elucide/internal/model"
	"elucide/internal/msgcache"
)

func TestNewEnvRequiresDependencies(t *testing.T) {
	t.Parallel()

	if _, err := NewEnv(Config{}); !errors.Is(err, ErrStoreRequired) {
		t.Fatalf("NewEnv() error = %v, want %v", err, ErrStoreRequired)
	}
	h := newHarness(t)
	if _, err := NewEnv(Config{Store: h.store}); !errors.Is(err, ErrBackendRequired) {
		t.Fatalf("NewEnv() error = %v, want %v", err, ErrBackendRequired)
	}
	if _, err := NewEnv(Config{Store: h.store, Backend: h.client}); !errors.Is(err, ErrStreamerRequired) {
		t.Fatalf("NewEnv() error = %v, want %v", err, ErrStreamerRequired)
	}
}

func TestAppendRejectsEmptyContentAndMissingThread(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s := h.env.NewSession("t1", nil)
	if err := s.Append(context.Background(), Input{Content: "  "}); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("Append() error = %v, want %v", err, ErrEmptyContent)
	}
	if err := s.Append(context.Background(), Input{Content: "hi", Role: "tool"}); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("Append() error = %v, want %v", err, ErrInvalidRole)
	}
	orphan := h.env.NewSession("", nil)
	if err := orphan.Append(context.Background(), Input{Content: "hi"}); !errors.Is(err, ErrNoThread) {
		t.Fatalf("Append() error = %v, want %v", err, ErrNoThread)
	}
	s.Close()
	if err := s.Append(context.Background(), Input{Content: "hi"}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Append() after Close error = %v, want %v", err, ErrSessionClosed)
	}
	if got := len(s.Messages()); got != 0 {
		t.Fatalf("rejected appends left %d messages", got)
	}
}

func TestAppendStreamPersistScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	thread := h.server.SeedThread("user-1", "T1").ID.String()
	seeded := h.server.SeedMessages(thread, model.NewMessage{Role: model.RoleUser, Content: "hi"})
	h.store.Cache.Put(thread, seeded)

	cached, ok := h.store.Cache.Get(thread)
	if !ok {
		t.Fatalf("seeded cache entry missing")
	}
	s := h.env.NewSession(thread, cached)
	chunks := watchChunks(s)
	var finished int
	var mu sync.Mutex
	s.OnFinish(func() {
		mu.Lock()
		finished++
		mu.Unlock()
	})

	if err := s.Append(context.Background(), Input{Content: "how are you"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got := s.Messages()
	if len(got) != 3 {
		t.Fatalf("messages after Append = %v, want 3 entries", contents(got))
	}
	if got[0].ID != seeded[0].ID {
		t.Fatalf("messages[0] = %s, want %s", got[0].ID, seeded[0].ID)
	}
	user, assistant := got[1], got[2]
	if !user.ID.IsOptimistic() || user.Content != "how are you" || user.Role != model.RoleUser {
		t.Fatalf("optimistic user = %#v", user)
	}
	if !assistant.ID.IsOptimistic() || assistant.Content != "" || assistant.Role != model.RoleAssistant {
		t.Fatalf("optimistic assistant = %#v", assistant)
	}
	if !s.IsLoading() {
		t.Fatalf("IsLoading() = false right after Append")
	}
	if fromCache, _ := h.store.Cache.Get(thread); len(fromCache) != 3 {
		t.Fatalf("cache after Append = %v", contents(fromCache))
	}

	stream := h.streamer.next(t)
	wantHistory := []core.Message{
		{Role: core.RoleUser, Content: "hi"},
		{Role: core.RoleUser, Content: "how are you"},
	}
	if len(stream.req.Messages) != len(wantHistory) {
		t.Fatalf("request history = %#v", stream.req.Messages)
	}
	for i := range wantHistory {
		if stream.req.Messages[i] != wantHistory[i] {
			t.Fatalf("request history[%d] = %#v, want %#v", i, stream.req.Messages[i], wantHistory[i])
		}
	}
	if stream.req.Model != "gpt-4o" || stream.req.ThreadID != thread {
		t.Fatalf("request = %#v", stream.req)
	}

	stream.delta("I'm")
	chunks.wait(t, "I'm")
	stream.delta(" good")
	chunks.wait(t, " good")
	if content := s.Messages()[2].Content; content != "I'm good" {
		t.Fatalf("assistant content = %q, want %q", content, "I'm good")
	}
	if fromCache, _ := h.store.Cache.Get(thread); fromCache[2].Content != "I'm good" {
		t.Fatalf("cache did not follow stream: %v", contents(fromCache))
	}

	stream.done()
	s.Wait()

	final := s.Messages()
	if len(final) != 3 {
		t.Fatalf("final messages = %v", contents(final))
	}
	for i, m := range final {
		if m.ID.IsOptimistic() {
			t.Fatalf("messages[%d] still optimistic: %s", i, m.ID)
		}
	}
	if final[1].Content != "how are you" || final[2].Content != "I'm good" {
		t.Fatalf("final contents = %v", contents(final))
	}
	if h.store.Ledger.Has(thread) {
		t.Fatalf("ledger still pending: %v", h.store.Ledger.Pending(thread))
	}
	fromCache, _ := h.store.Cache.Get(thread)
	for i := range final {
		if fromCache[i].ID != final[i].ID {
			t.Fatalf("cache ids diverge at %d: %s vs %s", i, fromCache[i].ID, final[i].ID)
		}
	}
	assertUniqueIDs(t, fromCache)

	if n := chunks.terminalCount(); n != 1 {
		t.Fatalf("terminal OnStream fired %d times, want 1", n)
	}
	mu.Lock()
	if finished != 1 {
		t.Fatalf("OnFinish fired %d times, want 1", finished)
	}
	mu.Unlock()
	if s.State() != StateIdle {
		t.Fatalf("State() = %s, want %s", s.State(), StateIdle)
	}
	if touched := h.recency.calls(); len(touched) != 1 || touched[0] != thread {
		t.Fatalf("recency touches = %v", touched)
	}
	stored := h.server.Messages(thread)
	if len(stored) != 3 || stored[2].Content != "I'm good" || stored[2].Role != model.RoleAssistant {
		t.Fatalf("backend messages = %v", contents(stored))
	}
}

func TestStopKeepsPartialContentAndReleasesLedger(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s := h.env.NewSession("t1", nil)
	chunks := watchChunks(s)
	var loading []bool
	var mu sync.Mutex
	s.OnLoading(func(v bool) {
		mu.Lock()
		loading = append(loading, v)
		mu.Unlock()
	})

	if err := s.Append(context.Background(), Input{Content: "tell me a story"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	stream := h.streamer.next(t)
	stream.delta("Once")
	chunks.wait(t, "Once")
	stream.delta(" upon")
	chunks.wait(t, " upon")

	s.Stop()
	stream.delta(" a time")
	stream.done()
	s.Wait()

	got := s.Messages()
	if len(got) != 2 || got[1].Content != "Once upon" {
		t.Fatalf("messages after Stop = %v, want partial %q", contents(got), "Once upon")
	}
	if s.State() != StateCancelled {
		t.Fatalf("State() = %s, want %s", s.State(), StateCancelled)
	}
	if n := chunks.terminalCount(); n != 0 {
		t.Fatalf("terminal OnStream fired %d times for a cancelled turn", n)
	}
	fromCache, _ := h.store.Cache.Get("t1")
	if len(fromCache) != 2 || fromCache[1].Content != "Once upon" {
		t.Fatalf("cache after Stop = %v", contents(fromCache))
	}
	pending := h.store.Ledger.Pending("t1")
	if len(pending) != 2 || pending[1].Content != "Once upon" {
		t.Fatalf("ledger after Stop = %v", contents(pending))
	}
	if n := h.server.Count(backendtest.RouteCreateMessage); n != 0 {
		t.Fatalf("cancelled turn persisted %d messages", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(loading) != 2 || !loading[0] || loading[1] {
		t.Fatalf("loading transitions = %v, want [true false]", loading)
	}
}

func TestStopBeforeFirstChunkDropsEmptyAssistantFromLedger(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s := h.env.NewSession("t1", nil)
	if err := s.Append(context.Background(), Input{Content: "hello"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	h.streamer.next(t)
	s.Stop()
	s.Wait()

	if got := s.Messages(); len(got) != 2 {
		t.Fatalf("messages = %v, want user and empty assistant kept on screen", contents(got))
	}
	pending := h.store.Ledger.Pending("t1")
	if len(pending) != 1 || pending[0].Content != "hello" {
		t.Fatalf("ledger = %v, want only the user message", contents(pending))
	}
	if fromCache, _ := h.store.Cache.Get("t1"); len(fromCache) != 1 || fromCache[0].Content != "hello" {
		t.Fatalf("cache = %v, want the empty assistant left out", contents(fromCache))
	}
}

func TestEmptyReplyLeavesNoOptimisticRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	thread := h.server.SeedThread("user-1", "").ID.String()
	s := h.env.NewSession(thread, nil)
	if err := s.Append(context.Background(), Input{Content: "anyone there"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	h.streamer.next(t).done()
	s.Wait()

	got := s.Messages()
	if len(got) != 1 || got[0].Content != "anyone there" || got[0].ID.IsOptimistic() {
		t.Fatalf("messages = %#v, want only the persisted user message", got)
	}
	fromCache, _ := h.store.Cache.Get(thread)
	for _, m := range fromCache {
		if m.ID.IsOptimistic() {
			t.Fatalf("cache keeps optimistic %s role=%s content=%q", m.ID, m.Role, m.Content)
		}
	}
	if h.store.Ledger.Has(thread) {
		t.Fatalf("ledger = %v, want empty", contents(h.store.Ledger.Pending(thread)))
	}
}

func TestFetchDropsOptimisticRecordsNoLongerPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	thread := h.server.SeedThread("user-1", "").ID.String()
	h.server.SeedMessages(thread, model.NewMessage{Role: model.RoleUser, Content: "stored"})

	abandoned := model.Message{ID: model.NewOptimisticID(), ThreadID: thread, Role: model.RoleUser, Content: "abandoned"}
	queued := model.Message{ID: model.NewOptimisticID(), ThreadID: thread, Role: model.RoleUser, Content: "queued"}
	h.store.Ledger.Add(thread, queued, false)

	s := h.env.NewSession(thread, []model.Message{abandoned, queued})
	s.absorb(h.server.Messages(thread))

	want := []string{"stored", "queued"}
	if got := contents(s.Messages()); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("messages = %v, want %v", got, want)
	}
	fromCache, _ := h.store.Cache.Get(thread)
	if got := contents(fromCache); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("cache = %v, want %v", got, want)
	}
}

func TestStreamErrorRollsBackTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	prior := []model.Message{{ID: model.ConfirmedID("m1"), ThreadID: "t1", Role: model.RoleUser, Content: "hi"}}
	h.store.Cache.Put("t1", prior)
	s := h.env.NewSession("t1", prior)
	chunks := watchChunks(s)
	errs := make(chan error, 1)
	s.OnError(func(err error) { errs <- err })

	if err := s.Append(context.Background(), Input{Content: "again"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	stream := h.streamer.next(t)
	stream.delta("half an ans")
	chunks.wait(t, "half an ans")
	boom := errors.New("connection reset")
	stream.events <- core.Event{Type: core.EventError, Err: boom, Done: &core.DonePayload{Reason: core.StopReasonError}}
	s.Wait()

	if err := <-errs; !errors.Is(err, boom) {
		t.Fatalf("OnError() err = %v, want %v", err, boom)
	}
	if got := s.Messages(); len(got) != 1 || got[0].ID.String() != "m1" {
		t.Fatalf("messages after error = %v, want rollback to prior", contents(got))
	}
	if h.store.Ledger.Has("t1") {
		t.Fatalf("ledger kept rolled back messages")
	}
	if fromCache, _ := h.store.Cache.Get("t1"); len(fromCache) != 1 {
		t.Fatalf("cache after error = %v", contents(fromCache))
	}
	if s.State() != StateErrored {
		t.Fatalf("State() = %s, want %s", s.State(), StateErrored)
	}
}

func TestOpenErrorRollsBackTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.streamer.openErr = core.ErrMissingAPIKey
	s := h.env.NewSession("t1", nil)
	errs := make(chan error, 1)
	s.OnError(func(err error) { errs <- err })

	if err := s.Append(context.Background(), Input{Content: "hi"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	s.Wait()
	if err := <-errs; !errors.Is(err, core.ErrMissingAPIKey) {
		t.Fatalf("OnError() err = %v", err)
	}
	if len(s.Messages()) != 0 || h.store.Ledger.Has("t1") {
		t.Fatalf("open failure left optimistic state behind")
	}
}

func TestPersistFailureLeavesTurnForSweep(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	thread := h.server.SeedThread("user-1", "").ID.String()
	h.server.Fail(backendtest.RouteCreateMessage, http.StatusServiceUnavailable, -1)

	s := h.env.NewSession(thread, nil)
	chunks := watchChunks(s)
	if err := s.Append(context.Background(), Input{Content: "ping"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	stream := h.streamer.next(t)
	stream.delta("pong")
	stream.done()
	s.Wait()

	if n := chunks.terminalCount(); n != 1 {
		t.Fatalf("terminal OnStream fired %d times, want 1", n)
	}
	if s.State() != StateIdle {
		t.Fatalf("State() = %s, want %s", s.State(), StateIdle)
	}
	// The user write failed, so the assistant write was never attempted.
	if n := h.server.Count(backendtest.RouteCreateMessage); n != 1 {
		t.Fatalf("create attempts = %d, want 1", n)
	}
	if got := h.store.Ledger.Pending(thread); len(got) != 2 {
		t.Fatalf("ledger = %v, want both messages pending", contents(got))
	}

	h.server.Recover(backendtest.RouteCreateMessage)
	sweeper := msgcache.NewSweeper(h.store, h.client, msgcache.SweepConfig{})
	h.env.AttachSweeper(sweeper)
	if err := sweeper.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	got := s.Messages()
	if len(got) != 2 || got[0].ID.IsOptimistic() || got[1].ID.IsOptimistic() {
		t.Fatalf("session not reconciled by sweep: %v", got)
	}
	if got[1].Content != "pong" {
		t.Fatalf("assistant content = %q", got[1].Content)
	}
	stored := h.server.Messages(thread)
	if len(stored) != 2 || stored[0].Content != "ping" || stored[1].Content != "pong" {
		t.Fatalf("backend messages = %v", contents(stored))
	}
}

func TestNewAppendAbortsStreamInAnotherSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	first := h.env.NewSession("a", nil)
	second := h.env.NewSession("b", nil)
	firstChunks := watchChunks(first)

	if err := first.Append(context.Background(), Input{Content: "one"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	stream := h.streamer.next(t)
	stream.delta("partial")
	firstChunks.wait(t, "partial")

	if err := second.Append(context.Background(), Input{Content: "two"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	first.Wait()
	if first.State() != StateCancelled {
		t.Fatalf("first State() = %s, want %s", first.State(), StateCancelled)
	}
	stream.delta(" ignored")
	if got := first.Messages()[1].Content; got != "partial" {
		t.Fatalf("first assistant = %q, want %q", got, "partial")
	}

	next := h.streamer.next(t)
	if next.req.ThreadID != "b" {
		t.Fatalf("second stream thread = %q", next.req.ThreadID)
	}
	if !second.IsLoading() {
		t.Fatalf("second session should still be streaming")
	}
	next.done()
	second.Wait()
}

func TestAppendDuringStreamAbortsPreviousTurnOfSameSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s := h.env.NewSession("t1", nil)
	var loading []bool
	var mu sync.Mutex
	s.OnLoading(func(v bool) {
		mu.Lock()
		loading = append(loading, v)
		mu.Unlock()
	})

	if err := s.Append(context.Background(), Input{Content: "first"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	h.streamer.next(t)
	if err := s.Append(context.Background(), Input{Content: "second"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	stream := h.streamer.next(t)
	stream.delta("answer")
	stream.done()
	s.Wait()

	got := s.Messages()
	if len(got) != 4 || got[1].Content != "" || got[3].Content != "answer" {
		t.Fatalf("messages = %v", contents(got))
	}
	assertUniqueIDs(t, got)
	if s.State() != StateIdle {
		t.Fatalf("State() = %s, want %s", s.State(), StateIdle)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(loading) != 2 || !loading[0] || loading[1] {
		t.Fatalf("loading transitions = %v, want [true false]", loading)
	}
}
