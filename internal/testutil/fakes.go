package testutil

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/g960059/postsync/internal/api"
	"github.com/g960059/postsync/internal/appclient"
	"github.com/g960059/postsync/internal/model"
)

// FakeBackend is an in-memory backend for the sync managers. Zero value is
// not usable; use NewFakeBackend.
type FakeBackend struct {
	mu sync.Mutex

	posts map[int64]model.PostRecord

	DescribeResponse api.TriggerResponse
	DescribeErr      error
	SentimentErr     error
	// GetErrs are returned, in order, by the next GetPost calls before the
	// stored post is served.
	GetErrs []error
	// OnGet, when set, runs on every GetPost call and may rewrite the post.
	OnGet func(call int, rec model.PostRecord) model.PostRecord
	// TriggerGate, when non-nil, blocks trigger calls until it is closed or
	// the context ends.
	TriggerGate chan struct{}
	// ListGate, when non-nil, blocks ListPosts until it is closed.
	ListGate chan struct{}
	ListErr  error

	listCalls      int
	describeCalls  map[int64]int
	sentimentCalls map[int64]int
	getCalls       map[int64]int
}

func NewFakeBackend(records ...model.PostRecord) *FakeBackend {
	b := &FakeBackend{
		posts:            make(map[int64]model.PostRecord),
		DescribeResponse: api.TriggerResponse{Status: model.StatusPending},
		describeCalls:    make(map[int64]int),
		sentimentCalls:   make(map[int64]int),
		getCalls:         make(map[int64]int),
	}
	for _, r := range records {
		b.posts[r.ID] = r
	}
	return b
}

func (b *FakeBackend) SetPost(rec model.PostRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.posts[rec.ID] = rec
}

func (b *FakeBackend) Update(id int64, fn func(*model.PostRecord)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.posts[id]
	fn(&rec)
	b.posts[id] = rec
}

func (b *FakeBackend) wait(ctx context.Context) error {
	b.mu.Lock()
	gate := b.TriggerGate
	b.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *FakeBackend) TriggerDescription(ctx context.Context, id int64) (api.TriggerResponse, error) {
	b.mu.Lock()
	b.describeCalls[id]++
	b.mu.Unlock()
	if err := b.wait(ctx); err != nil {
		return api.TriggerResponse{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.DescribeErr != nil {
		return api.TriggerResponse{}, b.DescribeErr
	}
	return b.DescribeResponse, nil
}

func (b *FakeBackend) TriggerSentiment(ctx context.Context, id int64) error {
	b.mu.Lock()
	b.sentimentCalls[id]++
	b.mu.Unlock()
	if err := b.wait(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.SentimentErr
}

func (b *FakeBackend) GetPost(ctx context.Context, id int64) (model.PostRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.PostRecord{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.getCalls[id]++
	if len(b.GetErrs) > 0 {
		err := b.GetErrs[0]
		b.GetErrs = b.GetErrs[1:]
		return model.PostRecord{}, err
	}
	rec, ok := b.posts[id]
	if !ok {
		return model.PostRecord{}, fmt.Errorf("post %d not found", id)
	}
	if b.OnGet != nil {
		rec = b.OnGet(b.getCalls[id], rec)
		b.posts[id] = rec
	}
	return rec, nil
}

func (b *FakeBackend) ListPosts(ctx context.Context, opts appclient.ListOptions) ([]model.PostRecord, error) {
	b.mu.Lock()
	b.listCalls++
	gate := b.ListGate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ListErr != nil {
		return nil, b.ListErr
	}
	out := make([]model.PostRecord, 0, len(b.posts))
	for _, rec := range b.posts {
		if opts.User != "" && rec.Username != opts.User {
			continue
		}
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, c model.PostRecord) int {
		if opts.OrderDir == "asc" {
			return int(a.ID - c.ID)
		}
		return int(c.ID - a.ID)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (b *FakeBackend) SearchPosts(_ context.Context, q string) ([]model.PostRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q = strings.ToLower(q)
	var out []model.PostRecord
	for _, rec := range b.posts {
		content := ""
		if rec.Content != nil {
			content = *rec.Content
		}
		if strings.Contains(strings.ToLower(content), q) || strings.Contains(strings.ToLower(rec.Username), q) {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, c model.PostRecord) int { return int(c.ID - a.ID) })
	return out, nil
}

func (b *FakeBackend) ListCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listCalls
}

func (b *FakeBackend) DescribeCalls(id int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.describeCalls[id]
}

func (b *FakeBackend) SentimentCalls(id int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sentimentCalls[id]
}

func (b *FakeBackend) GetCalls(id int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getCalls[id]
}

// FakeOpener records subscriptions and lets tests push events into them.
type FakeOpener struct {
	mu   sync.Mutex
	subs map[int64][]*FakeSubscription
}

func NewFakeOpener() *FakeOpener {
	return &FakeOpener{subs: make(map[int64][]*FakeSubscription)}
}

func (o *FakeOpener) Open(postID int64, onEvent func(model.DescriptionEvent)) *FakeSubscription {
	sub := &FakeSubscription{postID: postID, onEvent: onEvent}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subs[postID] = append(o.subs[postID], sub)
	return sub
}

// Subscriptions returns every subscription opened for postID, oldest first.
func (o *FakeOpener) Subscriptions(postID int64) []*FakeSubscription {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*FakeSubscription(nil), o.subs[postID]...)
}

// Latest returns the newest subscription for postID, or nil.
func (o *FakeOpener) Latest(postID int64) *FakeSubscription {
	subs := o.Subscriptions(postID)
	if len(subs) == 0 {
		return nil
	}
	return subs[len(subs)-1]
}

func (o *FakeOpener) OpenCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, subs := range o.subs {
		n += len(subs)
	}
	return n
}

type FakeSubscription struct {
	postID  int64
	onEvent func(model.DescriptionEvent)

	mu     sync.Mutex
	closed int
}

func (s *FakeSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
}

func (s *FakeSubscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed > 0
}

// Emit delivers evt unless the subscription is closed.
func (s *FakeSubscription) Emit(evt model.DescriptionEvent) bool {
	if s.Closed() {
		return false
	}
	s.onEvent(evt)
	return true
}

// Deliver calls the callback even after Close, simulating an event that raced
// with disposal.
func (s *FakeSubscription) Deliver(evt model.DescriptionEvent) {
	s.onEvent(evt)
}
