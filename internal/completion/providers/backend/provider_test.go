package backendprovider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"elucide/internal/completion/core"
)

func TestStreamRelaysChunksUntilEOF(t *testing.T) {
	t.Parallel()

	var got streamRequest
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != StreamPath {
			t.Errorf("path = %q, want %q", r.URL.Path, StreamPath)
		}
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		flusher := w.(http.Flusher)
		for _, part := range []string{"Hel", "lo ", "world"} {
			_, _ = w.Write([]byte(part))
			flusher.Flush()
		}
	}))
	defer server.Close()

	p := New(Config{BaseURL: server.URL, Token: "tok"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := p.Stream(ctx, &core.Request{
		ThreadID: "t1",
		Model:    "gpt-4o",
		System:   "sys",
		Messages: []core.Message{{Role: core.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	text, done, err := core.Collect(ctx, stream, nil)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if text != "Hello world" {
		t.Fatalf("text = %q, want %q", text, "Hello world")
	}
	if done == nil || done.Reason != core.StopReasonStop {
		t.Fatalf("done = %#v, want stop", done)
	}
	if got.ThreadID != "t1" || got.Model != "gpt-4o" || len(got.Messages) != 2 || got.Messages[0].Role != core.RoleSystem {
		t.Fatalf("request body = %#v", got)
	}
	if auth != "Bearer tok" {
		t.Fatalf("Authorization = %q, want bearer token", auth)
	}
}

func TestStreamRetriesUnavailableThenFailsOnClientError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			http.Error(w, "busy", http.StatusServiceUnavailable)
		default:
			http.Error(w, "bad thread", http.StatusBadRequest)
		}
	}))
	defer server.Close()

	p := New(Config{BaseURL: server.URL, Retry: core.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := p.Stream(ctx, &core.Request{Model: "m", Messages: []core.Message{{Role: core.RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	_, done, err := core.Collect(ctx, stream, nil)
	if err == nil || !strings.Contains(err.Error(), "status 400") {
		t.Fatalf("Collect() error = %v, want status 400", err)
	}
	if done == nil || done.Reason != core.StopReasonError {
		t.Fatalf("done = %#v, want error reason", done)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
}

func TestStreamCancelEmitsAborted(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	p := New(Config{BaseURL: server.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := p.Stream(ctx, &core.Request{Model: "m", Messages: []core.Message{{Role: core.RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	var aborted bool
	for ev := range stream {
		if ev.Type == core.EventTextDelta {
			cancel()
		}
		if ev.Type == core.EventError && ev.Done != nil && ev.Done.Reason == core.StopReasonAborted {
			aborted = true
		}
	}
	if !aborted {
		t.Fatalf("expected aborted terminal event")
	}
}

func TestRelayHoldsSplitRunes(t *testing.T) {
	t.Parallel()

	euro := []byte("€") // 3 bytes
	body := &chunkedReader{parts: [][]byte{append([]byte("a"), euro[:1]...), euro[1:], []byte("b")}}
	events := make(chan core.Event, 8)
	if err := relay(context.Background(), body, events); err != nil {
		t.Fatalf("relay() error = %v", err)
	}
	close(events)

	var deltas []string
	for ev := range events {
		deltas = append(deltas, ev.TextDelta)
	}
	if strings.Join(deltas, "") != "a€b" {
		t.Fatalf("joined = %q, want %q", strings.Join(deltas, ""), "a€b")
	}
	if deltas[0] != "a" {
		t.Fatalf("first delta = %q, want the complete prefix only", deltas[0])
	}
}

type chunkedReader struct {
	parts [][]byte
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.parts) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.parts[0])
	r.parts = r.parts[1:]
	return n, nil
}
