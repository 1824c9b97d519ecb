package devserver

import (
	"sync"

	"github.com/g960059/postsync/internal/model"
)

const subscriberBuffer = 16

// Hub fans description events out to the push subscribers of each post.
// Publishing never blocks; a subscriber with a full buffer misses the event.
type Hub struct {
	mu   sync.Mutex
	subs map[int64]map[chan model.DescriptionEvent]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[int64]map[chan model.DescriptionEvent]struct{}{}}
}

func (h *Hub) Subscribe(postID int64) (<-chan model.DescriptionEvent, func()) {
	ch := make(chan model.DescriptionEvent, subscriberBuffer)
	h.mu.Lock()
	set, ok := h.subs[postID]
	if !ok {
		set = map[chan model.DescriptionEvent]struct{}{}
		h.subs[postID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[postID], ch)
			if len(h.subs[postID]) == 0 {
				delete(h.subs, postID)
			}
		})
	}
}

func (h *Hub) Publish(evt model.DescriptionEvent) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	sent := 0
	for ch := range h.subs[evt.PostID] {
		select {
		case ch <- evt:
			sent++
		default:
		}
	}
	return sent
}

func (h *Hub) Subscribers(postID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[postID])
}
