// Package guard decides whether a synchronization attempt may start for a
// post. The checks never duplicate an in-flight job and never re-run one that
// already produced a usable result; FAILED is always retryable.
package guard

import "github.com/g960059/postsync/internal/model"

func CanRequestDescription(r model.PostRecord) bool {
	if !model.HasText(r.ImageFilename) {
		return false
	}
	if r.DescriptionStatus == model.StatusPending {
		return false
	}
	return !DescriptionAvailable(r)
}

func CanRequestSentiment(r model.PostRecord) bool {
	if !model.HasText(r.Content) {
		return false
	}
	if r.SentimentStatus == model.StatusPending {
		return false
	}
	return !SentimentAvailable(r)
}

// DescriptionAvailable reports whether the description is READY with text.
// READY alone is a transient state while the text is still in flight.
func DescriptionAvailable(r model.PostRecord) bool {
	return r.DescriptionStatus == model.StatusReady && model.HasText(r.ImageDescription)
}

// DescriptionSettled reports whether a description channel has nothing left
// to wait for.
func DescriptionSettled(r model.PostRecord) bool {
	return r.DescriptionStatus == model.StatusFailed || DescriptionAvailable(r)
}

// SentimentAvailable reports whether the sentiment result is complete enough
// to show.
func SentimentAvailable(r model.PostRecord) bool {
	return r.SentimentStatus == model.StatusReady &&
		model.HasText(r.SentimentLabel) &&
		r.SentimentScore != nil
}
