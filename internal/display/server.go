// Package display serves the record store to a rendering client over HTTP and
// a websocket, and accepts the two user intents.
package display

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

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/g960059/postsync/internal/api"
	"github.com/g960059/postsync/internal/guard"
	"github.com/g960059/postsync/internal/logging"
	"github.com/g960059/postsync/internal/metrics"
	"github.com/g960059/postsync/internal/model"
)

const wsWriteTimeout = 5 * time.Second

// Engine is the part of the sync engine the display surface needs.
type Engine interface {
	Snapshot() []model.PostRecord
	Get(id int64) (model.PostRecord, bool)
	Changed() <-chan struct{}
	VersionedSnapshot() ([]model.PostRecord, uint64)
	RequestDescription(id int64) bool
	RequestSentiment(id int64) bool
	Reload(ctx context.Context) (int, error)
	ActiveChannels() map[string]int
}

type Server struct {
	engine  Engine
	logger  logging.Logger
	metrics *metrics.Metrics
	httpSrv *http.Server

	mu          sync.Mutex
	listener    net.Listener
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(addr string, engine Engine, logger logging.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		engine:  engine,
		logger:  logging.OrDiscard(logger),
		metrics: m,
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

	r.Get("/metrics", s.metrics.Handler().ServeHTTP)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.healthHandler)
		r.Get("/posts", s.listPosts)
		r.Get("/posts/{id}", s.getPost)
		r.Post("/posts/{id}/describe", s.intentHandler(model.AttributeDescription))
		r.Post("/posts/{id}/sentiment", s.intentHandler(model.AttributeSentiment))
		r.Post("/reload", s.reload)
		r.Get("/ws", s.streamPosts)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, api.ErrRefInvalid, "method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusNotFound, api.ErrRefNotFound, "route not found")
	})
	return r
}

// Start listens on the configured address and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpSrv.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.WithField("addr", ln.Addr().String()).Info("display surface listening")

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
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve display: %w", err)
		}
		return nil
	}
}

// Addr is the bound address once Start is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.httpSrv.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		s.shutdownErr = s.httpSrv.Shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion:  api.SchemaVersion,
		GeneratedAt:    time.Now().UTC(),
		Status:         "ok",
		Posts:          len(s.engine.Snapshot()),
		ActiveChannels: s.engine.ActiveChannels(),
	})
}

func (s *Server) listPosts(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.envelope())
}

func (s *Server) getPost(w http.ResponseWriter, r *http.Request) {
	id, ok := s.postID(w, r)
	if !ok {
		return
	}
	rec, found := s.engine.Get(id)
	if !found {
		s.writeError(w, http.StatusNotFound, api.ErrRefNotFound, "post not found")
		return
	}
	s.writeJSON(w, http.StatusOK, view(rec))
}

func (s *Server) intentHandler(attr model.Attribute) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.postID(w, r)
		if !ok {
			return
		}
		if _, found := s.engine.Get(id); !found {
			s.writeError(w, http.StatusNotFound, api.ErrRefNotFound, "post not found")
			return
		}
		var started bool
		switch attr {
		case model.AttributeDescription:
			started = s.engine.RequestDescription(id)
		case model.AttributeSentiment:
			started = s.engine.RequestSentiment(id)
		}
		s.logger.WithFields(logging.Fields{
			"post_id":   id,
			"attribute": attr,
			"started":   started,
		}).Debug("intent received")
		s.writeJSON(w, http.StatusAccepted, api.IntentResponse{
			SchemaVersion: api.SchemaVersion,
			PostID:        id,
			Intent:        string(attr),
			Status:        "accepted",
		})
	}
}

func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.Reload(r.Context())
	if err != nil {
		s.logger.WithError(err).Warn("reload failed")
		s.writeError(w, http.StatusBadGateway, api.ErrBackendUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.ReloadResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Count:         n,
	})
}

// streamPosts pushes the full snapshot on connect and after every store write.
// Client messages are ignored.
func (s *Server) streamPosts(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.CloseNow() //nolint:errcheck

	ctx := conn.CloseRead(r.Context())
	for {
		changed := s.engine.Changed()
		writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		err := wsjson.Write(writeCtx, conn, s.envelope())
		cancel()
		if err != nil {
			return
		}
		select {
		case <-changed:
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck
			return
		}
	}
}

func (s *Server) envelope() api.PostsEnvelope {
	snap, version := s.engine.VersionedSnapshot()
	posts := make([]api.PostView, 0, len(snap))
	for _, rec := range snap {
		posts = append(posts, view(rec))
	}
	return api.PostsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Version:       version,
		Posts:         posts,
	}
}

func view(rec model.PostRecord) api.PostView {
	return api.PostView{Post: rec, SentimentAvailable: guard.SentimentAvailable(rec)}
}

func (s *Server) postID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, api.ErrRefInvalid, "post id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	})
}
