package devserver

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/g960059/postsync/internal/logging"
	"github.com/g960059/postsync/internal/model"
)

var ErrQueueFull = errors.New("job queue full")

const jobQueueSize = 256

type Job struct {
	ID     uuid.UUID
	Kind   model.Attribute
	PostID int64
}

// Workers runs describe and sentiment jobs in process. Results are written to
// the store; describe results are also published to the hub.
type Workers struct {
	store  *Store
	hub    *Hub
	delay  time.Duration
	logger logging.Logger

	jobs   chan Job
	wg     sync.WaitGroup
	once   sync.Once
	cancel context.CancelFunc
}

func NewWorkers(st *Store, hub *Hub, delay time.Duration, logger logging.Logger) *Workers {
	return &Workers{
		store:  st,
		hub:    hub,
		delay:  delay,
		logger: logging.OrDiscard(logger),
		jobs:   make(chan Job, jobQueueSize),
	}
}

func (w *Workers) Start(ctx context.Context, n int) {
	if n <= 0 {
		n = 1
	}
	ctx, w.cancel = context.WithCancel(ctx)
	for i := 0; i < n; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-w.jobs:
					w.process(ctx, job)
				}
			}
		}()
	}
}

func (w *Workers) Enqueue(kind model.Attribute, postID int64) (uuid.UUID, error) {
	job := Job{ID: uuid.New(), Kind: kind, PostID: postID}
	select {
	case w.jobs <- job:
		w.logger.WithFields(logging.Fields{
			"job_id":  job.ID.String(),
			"kind":    kind,
			"post_id": postID,
		}).Debug("job enqueued")
		return job.ID, nil
	default:
		return uuid.Nil, ErrQueueFull
	}
}

func (w *Workers) Stop() {
	w.once.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
	})
	w.wg.Wait()
}

func (w *Workers) process(ctx context.Context, job Job) {
	if w.delay > 0 {
		timer := time.NewTimer(w.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	var err error
	switch job.Kind {
	case model.AttributeDescription:
		err = w.describe(ctx, job.PostID)
	case model.AttributeSentiment:
		err = w.classify(ctx, job.PostID)
	default:
		err = fmt.Errorf("unknown job kind %q", job.Kind)
	}
	entry := w.logger.WithFields(logging.Fields{
		"job_id":  job.ID.String(),
		"kind":    job.Kind,
		"post_id": job.PostID,
	})
	if err != nil {
		entry.WithError(err).Warn("job failed")
		return
	}
	entry.Debug("job done")
}

func (w *Workers) describe(ctx context.Context, id int64) error {
	rec, err := w.store.GetPost(ctx, id)
	if err != nil {
		return err
	}
	if !model.HasText(rec.ImageFilename) {
		if err := w.store.SetDescription(ctx, id, model.StatusFailed, nil); err != nil {
			return err
		}
		w.publish(ctx, id)
		return ErrNoImage
	}
	text := describeFilename(*rec.ImageFilename)
	if err := w.store.SetDescription(ctx, id, model.StatusReady, &text); err != nil {
		return err
	}
	w.publish(ctx, id)
	return nil
}

// publish pushes the stored description state, not the worker's local copy.
func (w *Workers) publish(ctx context.Context, id int64) {
	rec, err := w.store.GetPost(ctx, id)
	if err != nil {
		w.logger.WithError(err).WithField("post_id", id).Warn("read description state")
		return
	}
	evt := model.DescriptionEvent{
		PostID:            id,
		DescriptionStatus: model.Set(rec.DescriptionStatus),
		ImageDescription:  model.Clear[string](),
	}
	if rec.ImageDescription != nil {
		evt.ImageDescription = model.Set(*rec.ImageDescription)
	}
	w.hub.Publish(evt)
}

func (w *Workers) classify(ctx context.Context, id int64) error {
	rec, err := w.store.GetPost(ctx, id)
	if err != nil {
		return err
	}
	if !model.HasText(rec.Content) {
		if err := w.store.SetSentiment(ctx, id, model.StatusFailed, nil, nil); err != nil {
			return err
		}
		return ErrNoContent
	}
	label, score := Classify(*rec.Content)
	return w.store.SetSentiment(ctx, id, model.StatusReady, &label, &score)
}

func describeFilename(name string) string {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	words := strings.FieldsFunc(base, func(r rune) bool {
		return r == '_' || r == '-' || r == '.' || unicode.IsSpace(r)
	})
	if len(words) == 0 {
		return "An image."
	}
	return "An image of " + strings.ToLower(strings.Join(words, " ")) + "."
}

var (
	positiveWords = wordSet("good", "great", "love", "happy", "nice", "excellent", "amazing", "wonderful", "fun", "best", "beautiful", "awesome", "glad", "enjoy", "like")
	negativeWords = wordSet("bad", "terrible", "hate", "sad", "awful", "worst", "angry", "boring", "ugly", "poor", "horrible", "disappointing", "annoying", "tired", "dislike")
)

// Classify labels text POSITIVE or NEGATIVE with a score in [0.5, 1].
func Classify(text string) (string, float64) {
	var pos, neg int
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	}) {
		if _, ok := positiveWords[word]; ok {
			pos++
		}
		if _, ok := negativeWords[word]; ok {
			neg++
		}
	}
	label := "POSITIVE"
	if neg > pos {
		label = "NEGATIVE"
	}
	total := pos + neg
	if total == 0 {
		return label, 0.5
	}
	diff := pos - neg
	if diff < 0 {
		diff = -diff
	}
	return label, 0.5 + 0.5*float64(diff)/float64(total)
}

func wordSet(words ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}
