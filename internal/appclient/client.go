package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/g960059/postsync/internal/api"
	"github.com/g960059/postsync/internal/model"
	"github.com/g960059/postsync/internal/security"
)

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

const defaultUnaryTimeout = 10 * time.Second

func New(baseURL string) *Client {
	return NewWithClient(baseURL, &http.Client{})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

// BaseURL is the backend root without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}


type ListOptions struct {
	User     string
	OrderBy  string
	OrderDir string
	Limit    int
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (e *RequestError) NotFound() bool {
	return e != nil && e.StatusCode == http.StatusNotFound
}

func (c *Client) ListPosts(ctx context.Context, opts ListOptions) ([]model.PostRecord, error) {
	query := url.Values{}
	if user := strings.TrimSpace(opts.User); user != "" {
		query.Set("user", user)
	}
	if orderBy := strings.TrimSpace(opts.OrderBy); orderBy != "" {
		query.Set("order_by", orderBy)
	}
	if orderDir := strings.TrimSpace(opts.OrderDir); orderDir != "" {
		query.Set("order_dir", orderDir)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	return c.getPosts(ctx, "/posts", query)
}

func (c *Client) SearchPosts(ctx context.Context, q string) ([]model.PostRecord, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, fmt.Errorf("search query is required")
	}
	query := url.Values{}
	query.Set("q", q)
	return c.getPosts(ctx, "/posts/search", query)
}

func (c *Client) GetPost(ctx context.Context, id int64) (model.PostRecord, error) {
	body, err := c.request(ctx, http.MethodGet, postPath(id, ""), nil, nil)
	if err != nil {
		return model.PostRecord{}, err
	}
	var rec model.PostRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return model.PostRecord{}, fmt.Errorf("decode post %d: %w", id, err)
	}
	return rec, nil
}

func (c *Client) TriggerDescription(ctx context.Context, id int64) (api.TriggerResponse, error) {
	body, err := c.request(ctx, http.MethodPost, postPath(id, "/describe"), nil, nil)
	if err != nil {
		return api.TriggerResponse{}, err
	}
	var resp api.TriggerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return api.TriggerResponse{}, fmt.Errorf("decode describe response: %w", err)
	}
	return resp, nil
}

// TriggerSentiment starts sentiment analysis. The response body is not
// interpreted; callers learn the outcome by fetching the post.
func (c *Client) TriggerSentiment(ctx context.Context, id int64) error {
	_, err := c.request(ctx, http.MethodPost, postPath(id, "/sentiment"), nil, nil)
	return err
}

// CreatePost seeds a post on backends that accept JSON bodies.
func (c *Client) CreatePost(ctx context.Context, req api.CreatePostRequest) (api.CreatePostResponse, error) {
	body, err := c.request(ctx, http.MethodPost, "/posts", nil, req)
	if err != nil {
		return api.CreatePostResponse{}, err
	}
	var resp api.CreatePostResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return api.CreatePostResponse{}, fmt.Errorf("decode create response: %w", err)
	}
	return resp, nil
}

// EventsURL is the server-push endpoint for one post.
func (c *Client) EventsURL(id int64) string {
	return c.baseURL + eventsPath(id)
}

// OpenEvents connects to the server-push stream of one post and returns its
// body. The unary timeout does not apply; the stream lives until ctx ends.
func (c *Client) OpenEvents(ctx context.Context, id int64) (io.ReadCloser, error) {
	req, cancel, err := c.newRequest(ctx, http.MethodGet, eventsPath(id), nil, nil, true)
	if err != nil {
		return nil, err
	}
	defer cancel()
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close() //nolint:errcheck
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, decodeRequestError(resp.StatusCode, payload)
	}
	return resp.Body, nil
}

func (c *Client) getPosts(ctx context.Context, path string, query url.Values) ([]model.PostRecord, error) {
	body, err := c.request(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return nil, err
	}
	var records []model.PostRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("decode posts: %w", err)
	}
	if records == nil {
		records = []model.PostRecord{}
	}
	return records, nil
}

func postPath(id int64, suffix string) string {
	return "/posts/" + strconv.FormatInt(id, 10) + suffix
}

func eventsPath(id int64) string {
	return "/events/posts/" + strconv.FormatInt(id, 10)
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	req, cancel, err := c.newRequest(ctx, method, path, query, body, false)
	if err != nil {
		return nil, err
	}
	defer cancel()
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, decodeRequestError(resp.StatusCode, payload)
	}
	return payload, nil
}

// newRequest builds a request against the backend. Unless longLived is set,
// the request is bounded by the unary timeout; the returned cancel releases it.
func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any, longLived bool) (*http.Request, context.CancelFunc, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx, cancel := ctx, context.CancelFunc(func() {})
	if !longLived && c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			cancel()
			return nil, nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, cancel, nil
}

func decodeRequestError(status int, payload []byte) *RequestError {
	code := fmt.Sprintf("HTTP_%d", status)
	var be api.BackendError
	if err := json.Unmarshal(payload, &be); err == nil && be.Detail != nil {
		switch d := be.Detail.(type) {
		case string:
			return &RequestError{StatusCode: status, Code: code, Message: d}
		default:
			raw, _ := json.Marshal(d)
			return &RequestError{StatusCode: status, Code: code, Message: string(raw)}
		}
	}
	var er api.ErrorResponse
	if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
		return &RequestError{StatusCode: status, Code: er.Error.Code, Message: er.Error.Message}
	}
	return &RequestError{StatusCode: status, Code: code, Message: security.RedactPayload(strings.TrimSpace(string(payload)))}
}
