package api

import (
	"time"

	"github.com/g960059/postsync/internal/model"
)

const SchemaVersion = "v1"

// Error codes returned by the display surface.
const (
	ErrRefInvalid         = "E_REF_INVALID"
	ErrRefNotFound        = "E_REF_NOT_FOUND"
	ErrPreconditionFailed = "E_PRECONDITION_FAILED"
	ErrBackendUnavailable = "E_BACKEND_UNAVAILABLE"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

// BackendError is the error body of the posts backend ({"detail": "..."}).
// detail may also be a validation list, so it is kept raw.
type BackendError struct {
	Detail any `json:"detail"`
}

// TriggerResponse acknowledges a job trigger, e.g. {"status":"PENDING"}.
type TriggerResponse struct {
	Status model.AttributeStatus `json:"status"`
}

type CreatePostRequest struct {
	Username      string  `json:"username"`
	Content       *string `json:"content,omitempty"`
	ImageFilename *string `json:"image_filename,omitempty"`
	ImageStatus   string  `json:"image_status,omitempty"`
}

type CreatePostResponse struct {
	ID          int64  `json:"id"`
	OriginalURL string `json:"original_url,omitempty"`
	ReducedURL  string `json:"reduced_url,omitempty"`
}

type PostView struct {
	Post               model.PostRecord `json:"post"`
	SentimentAvailable bool             `json:"sentiment_available"`
}

type PostsEnvelope struct {
	SchemaVersion string     `json:"schema_version"`
	GeneratedAt   time.Time  `json:"generated_at"`
	Version       uint64     `json:"version"`
	Posts         []PostView `json:"posts"`
}

type IntentResponse struct {
	SchemaVersion string `json:"schema_version"`
	PostID        int64  `json:"post_id"`
	Intent        string `json:"intent"`
	Status        string `json:"status"`
}

type ReloadResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Count         int       `json:"count"`
}
