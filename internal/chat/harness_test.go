package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"elucide/internal/backend"
	"elucide/internal/backend/backendtest"
	"elucide/internal/completion/core"
	"elucide/internal/kv"
	"elucide/internal/model"
	"elucide/internal/msgcache"
)

// scriptedStream is one open completion stream the test drives by hand.
type scriptedStream struct {
	req    *core.Request
	events chan core.Event
}

func (s *scriptedStream) delta(text string) {
	s.events <- core.Event{Type: core.EventTextDelta, TextDelta: text}
}

func (s *scriptedStream) done() {
	s.events <- core.Event{Type: core.EventDone, Done: &core.DonePayload{Reason: core.StopReasonStop}}
}

type scriptedStreamer struct {
	mu      sync.Mutex
	openErr error
	opened  chan *scriptedStream
}

func newScriptedStreamer() *scriptedStreamer {
	return &scriptedStreamer{opened: make(chan *scriptedStream, 8)}
}

func (s *scriptedStreamer) Stream(ctx context.Context, req *core.Request) (<-chan core.Event, error) {
	s.mu.Lock()
	err := s.openErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	st := &scriptedStream{req: req, events: make(chan core.Event, 16)}
	s.opened <- st
	return st.events, nil
}

func (s *scriptedStreamer) next(t *testing.T) *scriptedStream {
	t.Helper()
	select {
	case st := <-s.opened:
		return st
	case <-time.After(2 * time.Second):
		t.Fatalf("no stream opened")
		return nil
	}
}

type recencyRecorder struct {
	mu      sync.Mutex
	touched []string
}

func (r *recencyRecorder) Touch(ctx context.Context, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = append(r.touched, threadID)
	return nil
}

func (r *recencyRecorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.touched...)
}

type harness struct {
	env      *Env
	store    *msgcache.Store
	server   *backendtest.Server
	client   *backend.Client
	streamer *scriptedStreamer
	recency  *recencyRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	server := backendtest.New(t)
	client, err := backend.New(backend.Config{
		BaseURL: server.URL,
		UserID:  "user-1",
		Retry:   core.RetryPolicy{MaxRetries: -1},
	})
	if err != nil {
		t.Fatalf("backend.New() error = %v", err)
	}
	store, err := msgcache.NewStore(kv.NewMemory(), msgcache.Options{})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	streamer := newScriptedStreamer()
	recency := &recencyRecorder{}
	env, err := NewEnv(Config{
		Store:    store,
		Backend:  client,
		Streamer: streamer,
		Recency:  recency,
		Model:    "gpt-4o",
	})
	if err != nil {
		t.Fatalf("NewEnv() error = %v", err)
	}
	return &harness{env: env, store: store, server: server, client: client, streamer: streamer, recency: recency}
}

// chunkWaiter collects OnStream calls so tests can wait for applied chunks.
type chunkWaiter struct {
	chunks chan string
	mu     sync.Mutex
	lasts  int
}

func watchChunks(s *Session) *chunkWaiter {
	w := &chunkWaiter{chunks: make(chan string, 32)}
	s.OnStream(func(chunk string, last bool) {
		if last {
			w.mu.Lock()
			w.lasts++
			w.mu.Unlock()
			return
		}
		w.chunks <- chunk
	})
	return w
}

func (w *chunkWaiter) wait(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-w.chunks:
		if got != want {
			t.Fatalf("chunk = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("chunk %q never applied", want)
	}
}

func (w *chunkWaiter) terminalCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lasts
}

func contents(list []model.Message) []string {
	out := make([]string, 0, len(list))
	for _, m := range list {
		out = append(out, m.Content)
	}
	return out
}

func assertUniqueIDs(t *testing.T, list []model.Message) {
	t.Helper()
	seen := map[model.ID]bool{}
	for _, m := range list {
		if seen[m.ID] {
			t.Fatalf("duplicate id %s", m.ID)
		}
		seen[m.ID] = true
	}
}
