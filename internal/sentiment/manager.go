// Package sentiment drives sentiment analysis jobs. The backend offers no push
// channel for this attribute, so progress is followed by polling the post.
package sentiment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"

	"github.com/g960059/postsync/internal/guard"
	"github.com/g960059/postsync/internal/logging"
	"github.com/g960059/postsync/internal/metrics"
	"github.com/g960059/postsync/internal/model"
	"github.com/g960059/postsync/internal/store"
)

const DefaultInterval = time.Second

type Backend interface {
	TriggerSentiment(ctx context.Context, id int64) error
	GetPost(ctx context.Context, id int64) (model.PostRecord, error)
}

type RetryConfig struct {
	MaxRetries int
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 5,
		MinBackoff: 250 * time.Millisecond,
		MaxBackoff: 4 * time.Second,
	}
}

type Options struct {
	Interval time.Duration
	Retry    RetryConfig
	Logger   logging.Logger
	Metrics  *metrics.Metrics
}

type Manager struct {
	store    *store.Store
	backend  Backend
	interval time.Duration
	fetch    failsafe.Executor[model.PostRecord]
	logger   logging.Logger
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[int64]*loop
	closed bool
}

type loop struct {
	id     uuid.UUID
	postID int64
	cancel context.CancelFunc
}

func New(st *store.Store, backend Backend, opts Options) *Manager {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    st,
		backend:  backend,
		interval: opts.Interval,
		fetch:    failsafe.With[model.PostRecord](newRetryPolicy(opts.Retry)),
		logger:   logging.OrDiscard(opts.Logger),
		metrics:  opts.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[int64]*loop),
	}
}

func newRetryPolicy(cfg RetryConfig) retrypolicy.RetryPolicy[model.PostRecord] {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultRetryConfig().MinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	return retrypolicy.NewBuilder[model.PostRecord]().
		WithBackoff(cfg.MinBackoff, cfg.MaxBackoff).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ model.PostRecord, err error) bool {
			return isRetryable(err)
		}).
		ReturnLastFailure().
		Build()
}

// isRetryable reports whether a poll fetch failure may be retried. Typed HTTP
// failures decide for themselves; cancellation never retries; anything else is
// a transport error.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var typed interface{ Retryable() bool }
	if errors.As(err, &typed) {
		return typed.Retryable()
	}
	return true
}

// Request starts a sentiment job for id when the guard allows it. The record
// is marked PENDING before Request returns. It reports whether a job started.
func (m *Manager) Request(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	if !m.store.PatchIf(id, guard.CanRequestSentiment, model.PostPatch{SentimentStatus: model.Set(model.StatusPending)}) {
		return false
	}
	m.wg.Add(1)
	go m.start(id)
	return true
}

func (m *Manager) start(id int64) {
	defer m.wg.Done()
	err := m.backend.TriggerSentiment(m.ctx, id)
	m.metrics.Trigger(model.AttributeSentiment, err)
	if err != nil && m.ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.logger.WithFields(logging.Fields{
			"post_id":   id,
			"attribute": model.AttributeSentiment,
		}).WithError(err).Warn("sentiment trigger failed")
		m.store.Patch(id, model.PostPatch{SentimentStatus: model.Set(model.StatusFailed)})
		m.stopLocked(id)
		return
	}
	if m.closed {
		return
	}
	m.stopLocked(id)
	ctx, cancel := context.WithCancel(m.ctx)
	l := &loop{id: uuid.New(), postID: id, cancel: cancel}
	m.active[id] = l
	m.metrics.ChannelOpened(model.AttributeSentiment)
	m.wg.Add(1)
	go m.poll(ctx, l)
}

func (m *Manager) poll(ctx context.Context, l *loop) {
	defer m.wg.Done()
	log := m.logger.WithFields(logging.Fields{
		"post_id":   l.postID,
		"attribute": model.AttributeSentiment,
		"handle_id": l.id.String(),
	})
	for {
		rec, err := m.fetch.WithContext(ctx).Get(func() (model.PostRecord, error) {
			rec, err := m.backend.GetPost(ctx, l.postID)
			m.metrics.PollFetch(err)
			return rec, err
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.WithError(err).Warn("sentiment poll gave up")
			m.finish(l, func() {
				m.store.Patch(l.postID, model.PostPatch{SentimentStatus: model.Set(model.StatusFailed)})
			})
			return
		}
		if m.applyFetch(l, rec) {
			log.WithField("status", rec.SentimentStatus).Info("sentiment sync finished")
			return
		}
		if err := sleepWithContext(ctx, m.interval); err != nil {
			return
		}
	}
}

// applyFetch replaces the record with a fetched value while l is still the
// registered loop. It reports whether the loop should stop.
func (m *Manager) applyFetch(l *loop, rec model.PostRecord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[l.postID] != l {
		return true
	}
	rec.ID = l.postID
	m.store.Replace(rec)
	if rec.SentimentStatus == model.StatusPending {
		return false
	}
	m.stopLocked(l.postID)
	return true
}

func (m *Manager) finish(l *loop, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[l.postID] != l {
		return
	}
	fn()
	m.stopLocked(l.postID)
}

// Dispose cancels the poll loop for id, if any. A fetch in flight is not
// applied.
func (m *Manager) Dispose(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked(id)
}

func (m *Manager) DisposeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.active {
		m.stopLocked(id)
	}
}

func (m *Manager) stopLocked(id int64) {
	l, ok := m.active[id]
	if !ok {
		return
	}
	delete(m.active, id)
	l.cancel()
	m.metrics.ChannelClosed(model.AttributeSentiment)
}

func (m *Manager) Active(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Wait blocks until every trigger and poll loop started so far has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.DisposeAll()
	m.wg.Wait()
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
