// Package engine is the entry point the display layer uses: two intents, read
// access to the record store and the reload and refresh paths that keep the
// store in step with the backend.
package engine

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/g960059/postsync/internal/appclient"
	"github.com/g960059/postsync/internal/config"
	"github.com/g960059/postsync/internal/describe"
	"github.com/g960059/postsync/internal/events"
	"github.com/g960059/postsync/internal/guard"
	"github.com/g960059/postsync/internal/logging"
	"github.com/g960059/postsync/internal/metrics"
	"github.com/g960059/postsync/internal/model"
	"github.com/g960059/postsync/internal/sentiment"
	"github.com/g960059/postsync/internal/store"
)

var ErrUnknownPost = errors.New("unknown post")

type Backend interface {
	describe.Backend
	sentiment.Backend
	ListPosts(ctx context.Context, opts appclient.ListOptions) ([]model.PostRecord, error)
	SearchPosts(ctx context.Context, q string) ([]model.PostRecord, error)
}

type Options struct {
	Sentiment sentiment.Options
	Logger    logging.Logger
	Metrics   *metrics.Metrics
}

type Engine struct {
	store     *store.Store
	backend   Backend
	describe  *describe.Manager
	sentiment *sentiment.Manager
	logger    logging.Logger
	reloads   singleflight.Group
	onClose   []func()
}

func New(backend Backend, opener describe.Opener, opts Options) *Engine {
	logger := logging.OrDiscard(opts.Logger)
	st := store.New()
	sentOpts := opts.Sentiment
	if sentOpts.Logger == nil {
		sentOpts.Logger = logger
	}
	if sentOpts.Metrics == nil {
		sentOpts.Metrics = opts.Metrics
	}
	return &Engine{
		store:     st,
		backend:   backend,
		describe:  describe.New(st, backend, opener, describe.Options{Logger: logger, Metrics: opts.Metrics}),
		sentiment: sentiment.New(st, backend, sentOpts),
		logger:    logger,
	}
}

// NewFromConfig wires the REST client and the push stream for cfg.
func NewFromConfig(cfg config.Config, logger logging.Logger, m *metrics.Metrics) *Engine {
	client := appclient.New(cfg.BackendURL).WithUnaryTimeout(cfg.RequestTimeout)
	stream := events.NewStream(client, events.Config{
		RetryMinBackoff: cfg.StreamRetryMinBackoff,
		RetryMaxBackoff: cfg.StreamRetryMaxBackoff,
	}, logger, m)
	opener := describe.OpenerFunc(func(id int64, onEvent func(model.DescriptionEvent)) describe.Subscription {
		return stream.Open(id, onEvent)
	})
	e := New(client, opener, Options{
		Sentiment: sentiment.Options{
			Interval: cfg.PollInterval,
			Retry: sentiment.RetryConfig{
				MaxRetries: cfg.PollMaxRetries,
				MinBackoff: cfg.PollRetryMinBackoff,
				MaxBackoff: cfg.PollRetryMaxBackoff,
			},
		},
		Logger:  logger,
		Metrics: m,
	})
	e.onClose = append(e.onClose, stream.Wait)
	return e
}

// RequestDescription asks for an image description of post id. It never
// blocks on the network and reports whether a job was started.
func (e *Engine) RequestDescription(id int64) bool {
	return e.describe.Request(id)
}

// RequestSentiment asks for a sentiment classification of post id. It never
// blocks on the network and reports whether a job was started.
func (e *Engine) RequestSentiment(id int64) bool {
	return e.sentiment.Request(id)
}

func (e *Engine) Snapshot() []model.PostRecord {
	return e.store.Snapshot()
}

func (e *Engine) Get(id int64) (model.PostRecord, bool) {
	return e.store.Get(id)
}

func (e *Engine) Changed() <-chan struct{} {
	return e.store.Changed()
}

// VersionedSnapshot returns the records and the store version they belong to.
func (e *Engine) VersionedSnapshot() ([]model.PostRecord, uint64) {
	return e.store.VersionedSnapshot()
}

func (e *Engine) Version() uint64 {
	return e.store.Version()
}

// Reload replaces the store with the backend's full post list. Concurrent
// calls share one fetch.
func (e *Engine) Reload(ctx context.Context) (int, error) {
	v, err, shared := e.reloads.Do("posts", func() (any, error) {
		posts, err := e.backend.ListPosts(ctx, appclient.ListOptions{})
		if err != nil {
			return 0, fmt.Errorf("reload posts: %w", err)
		}
		e.store.Load(posts)
		return len(posts), nil
	})
	if err != nil {
		return 0, err
	}
	e.logger.WithFields(logging.Fields{"count": v, "shared": shared}).Debug("posts reloaded")
	return v.(int), nil
}

// Refresh re-fetches one post and replaces the local record.
func (e *Engine) Refresh(ctx context.Context, id int64) (model.PostRecord, error) {
	if _, ok := e.store.Get(id); !ok {
		return model.PostRecord{}, ErrUnknownPost
	}
	rec, err := e.backend.GetPost(ctx, id)
	if err != nil {
		return model.PostRecord{}, fmt.Errorf("refresh post %d: %w", id, err)
	}
	if !e.store.Replace(rec) {
		return model.PostRecord{}, ErrUnknownPost
	}
	return rec, nil
}

// Search lists one user's posts, newest first, without touching the store.
func (e *Engine) Search(ctx context.Context, user string) ([]model.PostRecord, error) {
	return e.backend.ListPosts(ctx, appclient.ListOptions{
		User:     user,
		OrderBy:  "created_at",
		OrderDir: "desc",
	})
}

// SearchText runs the backend's content and username search.
func (e *Engine) SearchText(ctx context.Context, q string) ([]model.PostRecord, error) {
	return e.backend.SearchPosts(ctx, q)
}

// Await blocks until attr of post id is no longer PENDING. A description that
// is READY while its channel still waits for the text counts as pending.
func (e *Engine) Await(ctx context.Context, id int64, attr model.Attribute) (model.PostRecord, error) {
	for {
		changed := e.store.Changed()
		rec, ok := e.store.Get(id)
		if !ok {
			return model.PostRecord{}, ErrUnknownPost
		}
		if !e.pending(rec, attr) {
			return rec, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return rec, ctx.Err()
		}
	}
}

func (e *Engine) pending(rec model.PostRecord, attr model.Attribute) bool {
	switch attr {
	case model.AttributeDescription:
		if rec.DescriptionStatus == model.StatusPending {
			return true
		}
		return rec.DescriptionStatus == model.StatusReady &&
			!guard.DescriptionAvailable(rec) &&
			e.describe.Active(rec.ID)
	case model.AttributeSentiment:
		return rec.SentimentStatus == model.StatusPending
	case model.AttributeImage:
		return rec.ImageStatus == model.ImagePending
	}
	return false
}

// ActiveChannels counts open channels per attribute.
func (e *Engine) ActiveChannels() map[string]int {
	return map[string]int{
		string(model.AttributeDescription): e.describe.ActiveCount(),
		string(model.AttributeSentiment):   e.sentiment.ActiveCount(),
	}
}

// Close disposes every channel and waits for background work to stop.
func (e *Engine) Close() {
	e.describe.Close()
	e.sentiment.Close()
	for _, fn := range e.onClose {
		fn()
	}
}
