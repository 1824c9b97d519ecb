// Package events subscribes to the backend's per-post server-sent event
// stream and delivers decoded description events. Reconnection is internal;
// subscribers only ever see well-formed events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/postsync/internal/logging"
	"github.com/g960059/postsync/internal/metrics"
	"github.com/g960059/postsync/internal/model"
)

const DescriptionEventName = "description"

type Config struct {
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
}

// Source opens the raw push stream of one post. appclient.Client is the
// production implementation.
type Source interface {
	OpenEvents(ctx context.Context, postID int64) (io.ReadCloser, error)
}

type Stream struct {
	source  Source
	cfg     Config
	logger  logging.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

func NewStream(source Source, cfg Config, logger logging.Logger, m *metrics.Metrics) *Stream {
	if cfg.RetryMinBackoff <= 0 {
		cfg.RetryMinBackoff = 250 * time.Millisecond
	}
	if cfg.RetryMaxBackoff <= 0 {
		cfg.RetryMaxBackoff = 4 * time.Second
	}
	if cfg.RetryMaxBackoff < cfg.RetryMinBackoff {
		cfg.RetryMaxBackoff = cfg.RetryMinBackoff
	}
	return &Stream{
		source:  source,
		cfg:     cfg,
		logger:  logging.OrDiscard(logger),
		metrics: m,
	}
}

// Handle is one open subscription.
type Handle struct {
	id     uuid.UUID
	postID int64
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	onEvent func(model.DescriptionEvent)
}

func (h *Handle) ID() uuid.UUID {
	return h.id
}

func (h *Handle) PostID() int64 {
	return h.postID
}

// Close stops the subscription. It is idempotent, never blocks and is safe to
// call from inside the event callback. An event that passed the closed check
// just before Close may still be handed to the callback once; owners that
// need a hard cutoff must check ownership in the callback.
func (h *Handle) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
}

// Done is closed once the reader goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) deliver(evt model.DescriptionEvent) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	cb := h.onEvent
	h.mu.Unlock()
	if cb != nil {
		cb(evt)
	}
}

// Open subscribes to description events for postID. The connection is made
// in the background and re-established with backoff until the handle is
// closed.
func (s *Stream) Open(postID int64, onEvent func(model.DescriptionEvent)) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		id:      uuid.New(),
		postID:  postID,
		cancel:  cancel,
		done:    make(chan struct{}),
		onEvent: onEvent,
	}
	s.wg.Add(1)
	go s.run(ctx, h)
	return h
}

// Wait blocks until every reader goroutine opened by s has exited.
func (s *Stream) Wait() {
	s.wg.Wait()
}

func (s *Stream) run(ctx context.Context, h *Handle) {
	defer s.wg.Done()
	defer close(h.done)

	log := s.logger.WithFields(logging.Fields{
		"post_id":   h.postID,
		"handle_id": h.id.String(),
	})
	backoff := s.cfg.RetryMinBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		connected, err := s.consume(ctx, h)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = s.cfg.RetryMinBackoff
		}
		log.WithError(err).WithField("backoff", backoff.String()).Debug("event stream reconnecting")
		s.metrics.StreamReconnect()
		if err := sleepWithContext(ctx, backoff); err != nil {
			return
		}
		backoff *= 2
		if backoff > s.cfg.RetryMaxBackoff {
			backoff = s.cfg.RetryMaxBackoff
		}
	}
}

// consume reads one connection until it fails. It reports whether any frame
// arrived, which resets the reconnect backoff.
func (s *Stream) consume(ctx context.Context, h *Handle) (bool, error) {
	body, err := s.source.OpenEvents(ctx, h.postID)
	if err != nil {
		return false, err
	}
	defer body.Close() //nolint:errcheck

	frames := newFrameReader(body)
	received := false
	for {
		f, err := frames.next()
		if err != nil {
			return received, err
		}
		received = true
		s.metrics.StreamEvent(f.Name)
		if f.Name != DescriptionEventName {
			continue
		}
		var evt model.DescriptionEvent
		if err := json.Unmarshal(f.Data, &evt); err != nil {
			s.logger.WithFields(logging.Fields{
				"post_id":   h.postID,
				"handle_id": h.id.String(),
			}).WithError(err).Debug("dropping undecodable event")
			continue
		}
		if evt.PostID == 0 {
			evt.PostID = h.postID
		}
		h.deliver(evt)
	}
}

// Probe opens the push stream of postID and returns the name of the first
// frame the server sends.
func Probe(ctx context.Context, source Source, postID int64) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	body, err := source.OpenEvents(ctx, postID)
	if err != nil {
		return "", err
	}
	defer body.Close() //nolint:errcheck
	f, err := newFrameReader(body).next()
	if err != nil {
		return "", fmt.Errorf("event stream: %w", err)
	}
	return f.Name, nil
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
