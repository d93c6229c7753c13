// Package backendtest provides an in-memory chat backend for tests.
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"elucide/internal/model"
)

// Route keys for counters and injected failures.
const (
	RouteListThreads   = "list_threads"
	RouteCreateThread  = "create_thread"
	RouteUpdateThread  = "update_thread"
	RouteDeleteThread  = "delete_thread"
	RouteListMessages  = "list_messages"
	RouteCreateMessage = "create_message"
	RouteListFolders   = "list_folders"
	RouteCreateFolder  = "create_folder"
	RouteUpdateFolder  = "update_folder"
	RouteDeleteFolder  = "delete_folder"
	RouteStream        = "stream"
)

type failure struct {
	status int
	times  int // <0 means forever
}

// Server is a fake backend on an httptest server.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	now          func() time.Time
	seq          int
	threads      map[string]model.Thread
	folders      map[string]model.Folder
	messages     map[string][]model.Message
	created      []model.NewMessage
	counts       map[string]int
	failures     map[string]failure
	fetchDelay   map[string]time.Duration
	chunks       []string
	chunkDelay   time.Duration
	streamBodies []json.RawMessage
}

// New starts a server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		now:        time.Now,
		threads:    map[string]model.Thread{},
		folders:    map[string]model.Folder{},
		messages:   map[string][]model.Message{},
		counts:     map[string]int{},
		failures:   map[string]failure{},
		fetchDelay: map[string]time.Duration{},
		chunks:     []string{"Hello", " from", " the backend"},
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/api/v1/chat", func(r chi.Router) {
		r.Get("/threads", s.handle(RouteListThreads, s.listThreads))
		r.Post("/threads", s.handle(RouteCreateThread, s.createThread))
		r.Patch("/threads/{id}", s.handle(RouteUpdateThread, s.updateThread))
		r.Delete("/threads/{id}", s.handle(RouteDeleteThread, s.deleteThread))
		r.Get("/threads/{id}/messages", s.handle(RouteListMessages, s.listMessages))
		r.Post("/messages", s.handle(RouteCreateMessage, s.createMessage))
		r.Get("/folders", s.handle(RouteListFolders, s.listFolders))
		r.Post("/folders", s.handle(RouteCreateFolder, s.createFolder))
		r.Patch("/folders/{id}", s.handle(RouteUpdateFolder, s.updateFolder))
		r.Delete("/folders/{id}", s.handle(RouteDeleteFolder, s.deleteFolder))
		r.Post("/stream", s.handle(RouteStream, s.stream))
	})
	return r
}

// handle counts the request and applies any injected failure for route.
func (s *Server) handle(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.counts[route]++
		f, failing := s.failures[route]
		if failing {
			if f.times > 0 {
				f.times--
				if f.times == 0 {
					delete(s.failures, route)
				} else {
					s.failures[route] = f
				}
			}
		}
		s.mu.Unlock()

		if failing {
			writeJSON(w, f.status, map[string]string{"message": fmt.Sprintf("injected %s failure", route)})
			return
		}
		next(w, r)
	}
}

// Fail makes the next times requests to route answer with status. A negative
// times fails until Recover is called.
func (s *Server) Fail(route string, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = failure{status: status, times: times}
}

// Recover clears injected failures for route.
func (s *Server) Recover(route string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, route)
}

// Count returns how many requests route has received.
func (s *Server) Count(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[route]
}

// SetStream scripts the chunks returned by the stream endpoint.
func (s *Server) SetStream(chunks []string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append([]string(nil), chunks...)
	s.chunkDelay = delay
}

// SetFetchDelay delays message listing for threadID.
func (s *Server) SetFetchDelay(threadID string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchDelay[threadID] = delay
}

// SeedThread stores a thread and returns it.
func (s *Server) SeedThread(userID, title string) model.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	th := model.Thread{
		ID:        model.ConfirmedID(s.nextID("thread")),
		UserID:    userID,
		CreatedAt: s.now(),
		UpdatedAt: s.now(),
	}
	if title != "" {
		th.Title = model.StringPtr(title)
	}
	s.threads[th.ID.String()] = th
	return th
}

// SeedMessages appends confirmed messages to threadID.
func (s *Server) SeedMessages(threadID string, msgs ...model.NewMessage) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		m.ThreadID = threadID
		out = append(out, s.storeMessage(m))
	}
	return out
}

// Messages returns the stored messages for threadID.
func (s *Server) Messages(threadID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.CloneMessages(s.messages[threadID])
}

// Created returns every accepted create-message payload in arrival order.
func (s *Server) Created() []model.NewMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.NewMessage(nil), s.created...)
}

// StreamBodies returns the raw JSON bodies posted to the stream endpoint.
func (s *Server) StreamBodies() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.streamBodies...)
}

// Thread returns the stored thread.
func (s *Server) Thread(id string) (model.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[id]
	return th, ok
}

func (s *Server) nextID(kind string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", kind, s.seq)
}

func (s *Server) storeMessage(m model.NewMessage) model.Message {
	msg := model.Message{
		ID:        model.ConfirmedID(s.nextID("msg")),
		ThreadID:  m.ThreadID,
		Role:      m.Role,
		Content:   m.Content,
		Model:     m.Model,
		ImageURL:  m.ImageURL,
		CreatedAt: s.now(),
		UpdatedAt: s.now(),
	}
	s.messages[m.ThreadID] = append(s.messages[m.ThreadID], msg)
	s.created = append(s.created, m)
	return msg
}

func (s *Server) listThreads(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	s.mu.Lock()
	out := make([]model.Thread, 0, len(s.threads))
	for _, th := range s.threads {
		if userID == "" || th.UserID == userID {
			out = append(out, th)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createThread(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "user_id is required"})
		return
	}
	th := s.SeedThread(body.UserID, "")
	writeJSON(w, http.StatusCreated, th)
}

func (s *Server) updateThread(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch model.ThreadPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	s.mu.Lock()
	th, ok := s.threads[id]
	if ok {
		if patch.UpdatedAt == nil {
			now := s.now()
			patch.UpdatedAt = &now
		}
		th = patch.Apply(th)
		s.threads[id] = th
	}
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "thread not found"})
		return
	}
	writeJSON(w, http.StatusOK, th)
}

func (s *Server) deleteThread(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	_, ok := s.threads[id]
	delete(s.threads, id)
	delete(s.messages, id)
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "thread not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	delay := s.fetchDelay[id]
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	s.mu.Lock()
	out := model.CloneMessages(s.messages[id])
	s.mu.Unlock()
	if out == nil {
		out = []model.Message{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createMessage(w http.ResponseWriter, r *http.Request) {
	var body model.NewMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	if err := body.Validate(); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": err.Error()})
		return
	}
	s.mu.Lock()
	msg := s.storeMessage(body)
	if th, ok := s.threads[body.ThreadID]; ok {
		th.UpdatedAt = s.now()
		s.threads[body.ThreadID] = th
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) listFolders(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	s.mu.Lock()
	out := make([]model.Folder, 0, len(s.folders))
	for _, f := range s.folders {
		if userID == "" || f.UserID == userID {
			out = append(out, f)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createFolder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID   string  `json:"user_id"`
		Name     string  `json:"name"`
		ParentID *string `json:"parent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "name is required"})
		return
	}
	s.mu.Lock()
	f := model.Folder{
		ID:        s.nextID("folder"),
		UserID:    body.UserID,
		Name:      body.Name,
		ParentID:  body.ParentID,
		CreatedAt: s.now(),
		UpdatedAt: s.now(),
	}
	s.folders[f.ID] = f
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) updateFolder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch model.FolderPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	s.mu.Lock()
	f, ok := s.folders[id]
	if ok {
		if patch.Name != nil {
			f.Name = *patch.Name
		}
		if patch.ParentID != nil {
			f.ParentID = patch.ParentID
		}
		f.UpdatedAt = s.now()
		s.folders[id] = f
	}
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "folder not found"})
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) deleteFolder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	_, ok := s.folders[id]
	delete(s.folders, id)
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "folder not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	s.mu.Lock()
	s.streamBodies = append(s.streamBodies, body)
	chunks := append([]string(nil), s.chunks...)
	delay := s.chunkDelay
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for _, chunk := range chunks {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if _, err := w.Write([]byte(chunk)); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
