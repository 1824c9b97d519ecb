// Package devserver is a self-contained development backend that speaks the
// same REST and push protocol as the production posts service.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/g960059/postsync/internal/api"
	"github.com/g960059/postsync/internal/logging"
	"github.com/g960059/postsync/internal/model"
)

const maxListLimit = 1000

type Server struct {
	store   *Store
	hub     *Hub
	workers *Workers
	logger  logging.Logger
	httpSrv *http.Server

	mu       sync.Mutex
	listener net.Listener
}

func NewServer(addr string, st *Store, hub *Hub, workers *Workers, logger logging.Logger) *Server {
	s := &Server{
		store:   st,
		hub:     hub,
		workers: workers,
		logger:  logging.OrDiscard(logger),
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logging.HTTPMiddleware(s.logger))

	r.Post("/posts", s.createPost)
	r.Get("/posts", s.listPosts)
	r.Get("/posts/search", s.searchPosts)
	r.Get("/posts/{id}", s.getPost)
	r.Post("/posts/{id}/describe", s.describePost)
	r.Post("/posts/{id}/sentiment", s.sentimentPost)
	r.Get("/events/posts/{id}", s.postEvents)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeDetail(w, http.StatusNotFound, "Not Found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeDetail(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})
	return r
}

func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpSrv.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.WithField("addr", ln.Addr().String()).Info("dev backend listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve dev backend: %w", err)
		}
		return nil
	}
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.httpSrv.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) createPost(w http.ResponseWriter, r *http.Request) {
	var req api.CreatePostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidation(w, []string{"body"}, "invalid JSON body")
		return
	}
	id, err := s.store.CreatePost(r.Context(), NewPost{
		Username:      req.Username,
		Content:       req.Content,
		ImageFilename: req.ImageFilename,
		ImageStatus:   model.ImageStatus(req.ImageStatus),
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	resp := api.CreatePostResponse{ID: id}
	if req.ImageFilename != nil && *req.ImageFilename != "" {
		resp.OriginalURL = "/images/original/" + *req.ImageFilename
		resp.ReducedURL = "/images/reduced/" + *req.ImageFilename
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listPosts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ListFilter{
		User:     q.Get("user"),
		OrderBy:  q.Get("order_by"),
		OrderDir: q.Get("order_dir"),
	}
	if f.OrderBy == "" {
		f.OrderBy = "created_at"
	}
	if f.OrderDir == "" {
		f.OrderDir = "desc"
	}
	if f.OrderBy != "created_at" && f.OrderBy != "id" {
		writeValidation(w, []string{"query", "order_by"}, "String should match pattern '^(created_at|id)$'")
		return
	}
	if f.OrderDir != "asc" && f.OrderDir != "desc" {
		writeValidation(w, []string{"query", "order_dir"}, "String should match pattern '^(asc|desc)$'")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			writeValidation(w, []string{"query", "limit"}, fmt.Sprintf("Input should be between 1 and %d", maxListLimit))
			return
		}
		f.Limit = n
	}
	posts, err := s.store.ListPosts(r.Context(), f)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

func (s *Server) searchPosts(w http.ResponseWriter, r *http.Request) {
	if !r.URL.Query().Has("q") {
		writeValidation(w, []string{"query", "q"}, "Field required")
		return
	}
	posts, err := s.store.SearchPosts(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

func (s *Server) getPost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := s.store.GetPost(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) describePost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	status, err := s.store.MarkDescriptionPending(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if status == model.StatusPending {
		if _, err := s.workers.Enqueue(model.AttributeDescription, id); err != nil {
			s.writeStoreError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, api.TriggerResponse{Status: status})
}

func (s *Server) sentimentPost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, started, err := s.store.MarkSentimentPending(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if started {
		if _, err := s.workers.Enqueue(model.AttributeSentiment, id); err != nil {
			s.writeStoreError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, rec)
}

// postEvents streams description events for one post. The stream opens with
// a "ready" event and stays open until the client goes away.
func (s *Server) postEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeDetail(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	events, unsubscribe := s.hub.Subscribe(id)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, "event: ready\ndata: {}\n\n"); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-events:
			payload, err := json.Marshal(evt)
			if err != nil {
				s.logger.WithError(err).WithField("post_id", id).Warn("encode description event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: description\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeDetail(w, http.StatusNotFound, "Post not found")
	case errors.Is(err, ErrNoImage):
		writeDetail(w, http.StatusBadRequest, "Post has no image")
	case errors.Is(err, ErrNoContent):
		writeDetail(w, http.StatusBadRequest, "Post has no content for sentiment analysis")
	case errors.Is(err, ErrUsernameRequired):
		writeDetail(w, http.StatusBadRequest, "username is required")
	case errors.Is(err, ErrEmptyPost):
		writeDetail(w, http.StatusBadRequest, "Either content or image must be provided")
	case errors.Is(err, ErrEmptyQuery):
		writeDetail(w, http.StatusBadRequest, "Search query cannot be empty")
	case errors.Is(err, ErrQueueFull):
		writeDetail(w, http.StatusServiceUnavailable, "job queue full")
	default:
		s.logger.WithError(err).Error("dev backend request failed")
		writeDetail(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeValidation(w, []string{"path", "post_id"}, "Input should be a valid integer")
		return 0, false
	}
	return id, true
}

type validationIssue struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

func writeValidation(w http.ResponseWriter, loc []string, msg string) {
	writeJSON(w, http.StatusUnprocessableEntity, api.BackendError{
		Detail: []validationIssue{{Loc: loc, Msg: msg, Type: "value_error"}},
	})
}

func writeDetail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.BackendError{Detail: msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
