// Package describe drives image description jobs: it triggers the backend,
// follows progress over the post's push stream and merges each event into the
// record store until the description reaches a terminal status.
package describe

import (
	"context"
	"sync"

	"github.com/g960059/postsync/internal/api"
	"github.com/g960059/postsync/internal/guard"
	"github.com/g960059/postsync/internal/logging"
	"github.com/g960059/postsync/internal/metrics"
	"github.com/g960059/postsync/internal/model"
	"github.com/g960059/postsync/internal/store"
)

type Backend interface {
	TriggerDescription(ctx context.Context, id int64) (api.TriggerResponse, error)
	GetPost(ctx context.Context, id int64) (model.PostRecord, error)
}

// Subscription is an open push channel. Close must be idempotent and must not
// block on the delivery of the event that called it.
type Subscription interface {
	Close()
}

// Opener starts a subscription. onEvent must not be invoked before Open
// returns.
type Opener interface {
	Open(postID int64, onEvent func(model.DescriptionEvent)) Subscription
}

type OpenerFunc func(postID int64, onEvent func(model.DescriptionEvent)) Subscription

func (f OpenerFunc) Open(postID int64, onEvent func(model.DescriptionEvent)) Subscription {
	return f(postID, onEvent)
}

type Options struct {
	Logger  logging.Logger
	Metrics *metrics.Metrics
}

type Manager struct {
	store   *store.Store
	backend Backend
	opener  Opener
	logger  logging.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[int64]*channel
	closed bool
}

type channel struct {
	postID int64
	sub    Subscription
}

func New(st *store.Store, backend Backend, opener Opener, opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:   st,
		backend: backend,
		opener:  opener,
		logger:  logging.OrDiscard(opts.Logger),
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		active:  make(map[int64]*channel),
	}
}

// Request starts a description job for id when the guard allows it. The
// record is marked PENDING before Request returns; the trigger call and the
// subscription happen in the background. It reports whether a job started.
func (m *Manager) Request(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	pending := model.PostPatch{
		DescriptionStatus: model.Set(model.StatusPending),
		ImageDescription:  model.Clear[string](),
	}
	if !m.store.PatchIf(id, guard.CanRequestDescription, pending) {
		return false
	}
	m.wg.Add(1)
	go m.start(id)
	return true
}

func (m *Manager) start(id int64) {
	defer m.wg.Done()
	log := m.logger.WithFields(logging.Fields{
		"post_id":   id,
		"attribute": model.AttributeDescription,
	})

	resp, err := m.backend.TriggerDescription(m.ctx, id)
	m.metrics.Trigger(model.AttributeDescription, err)
	if err != nil {
		if m.ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("description trigger failed")
		m.mu.Lock()
		m.store.Patch(id, model.PostPatch{DescriptionStatus: model.Set(model.StatusFailed)})
		m.disposeLocked(id)
		m.mu.Unlock()
		return
	}

	ch, ok := m.register(id)
	if !ok {
		return
	}
	log.WithField("status", resp.Status).Debug("description subscription opened")
	m.reconcile(ch, resp)
}

func (m *Manager) register(id int64) (*channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false
	}
	m.disposeLocked(id)
	ch := &channel{postID: id}
	ch.sub = m.opener.Open(id, func(evt model.DescriptionEvent) {
		m.apply(ch, evt.Patch())
	})
	m.active[id] = ch
	m.metrics.ChannelOpened(model.AttributeDescription)
	return ch, true
}

// reconcile fetches the record once after subscribing. The backend answers
// READY without publishing an event when a description already exists, and
// events emitted before the stream connected are not replayed.
func (m *Manager) reconcile(ch *channel, resp api.TriggerResponse) {
	rec, err := m.backend.GetPost(m.ctx, ch.postID)
	if err != nil {
		if m.ctx.Err() != nil {
			return
		}
		m.logger.WithFields(logging.Fields{
			"post_id":   ch.postID,
			"attribute": model.AttributeDescription,
		}).WithError(err).Debug("description reconcile fetch failed")
		if resp.Status == model.StatusReady {
			// no event will follow; READY without text stays requestable
			m.settle(ch, model.PostPatch{DescriptionStatus: model.Set(model.StatusReady)})
		}
		return
	}
	switch {
	case resp.Status == model.StatusReady:
		m.settle(ch, model.PostPatch{
			DescriptionStatus: model.Set(model.StatusReady),
			ImageDescription:  descriptionField(rec.ImageDescription),
		})
	case rec.DescriptionStatus.Terminal():
		m.apply(ch, model.PostPatch{
			DescriptionStatus: model.Set(rec.DescriptionStatus),
			ImageDescription:  descriptionField(rec.ImageDescription),
		})
	}
}

// apply merges patch while ch is still the registered channel for its post and
// closes the channel once the merged record is settled. READY without text
// keeps the channel open for the text that follows.
func (m *Manager) apply(ch *channel, patch model.PostPatch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[ch.postID] != ch {
		return
	}
	if !patch.IsEmpty() {
		m.store.Patch(ch.postID, patch)
	}
	rec, ok := m.store.Get(ch.postID)
	if ok && !guard.DescriptionSettled(rec) {
		return
	}
	m.finishLocked(ch.postID, rec.DescriptionStatus)
}

// settle merges patch and closes ch whatever the merged state is.
func (m *Manager) settle(ch *channel, patch model.PostPatch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[ch.postID] != ch {
		return
	}
	m.store.Patch(ch.postID, patch)
	rec, _ := m.store.Get(ch.postID)
	m.finishLocked(ch.postID, rec.DescriptionStatus)
}

func (m *Manager) finishLocked(id int64, status model.AttributeStatus) {
	m.logger.WithFields(logging.Fields{
		"post_id":   id,
		"attribute": model.AttributeDescription,
		"status":    status,
	}).Info("description sync finished")
	m.disposeLocked(id)
}

// Dispose closes the channel for id, if any.
func (m *Manager) Dispose(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disposeLocked(id)
}

func (m *Manager) DisposeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.active {
		m.disposeLocked(id)
	}
}

func (m *Manager) disposeLocked(id int64) {
	ch, ok := m.active[id]
	if !ok {
		return
	}
	delete(m.active, id)
	ch.sub.Close()
	m.metrics.ChannelClosed(model.AttributeDescription)
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

// Wait blocks until every background trigger started so far has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close disposes every channel, cancels in-flight triggers and waits for them.
// Later requests are ignored.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.DisposeAll()
	m.wg.Wait()
}

// descriptionField leaves the text untouched when the fetched record has none,
// so a fetch never erases text an event already delivered.
func descriptionField(v *string) model.Field[string] {
	if !model.HasText(v) {
		return model.Field[string]{}
	}
	return model.Set(*v)
}
