package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"stemflow/internal/events"
)

// Error is a non-2xx reply from the daemon.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon returned %d", e.StatusCode)
	}
	return fmt.Sprintf("daemon returned %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an API error with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Client talks to the daemon HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// NewClient constructs a client for baseURL. A bare host:port bind address is
// accepted and treated as plain HTTP.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: BaseURL(baseURL),
		token:   strings.TrimSpace(token),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL normalizes a bind address such as ":7487" into a dialable URL.
func BaseURL(bind string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(bind), "/")
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return trimmed
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		return "http://" + trimmed
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// Submit enqueues a job.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/jobs", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JobQuery filters a job listing. History reads the persisted job history
// instead of the current daemon session.
type JobQuery struct {
	History  bool
	Limit    int
	Statuses []string
}

// ListJobs returns the jobs matching q.
func (c *Client) ListJobs(ctx context.Context, q JobQuery) ([]Job, error) {
	query := url.Values{}
	for _, status := range q.Statuses {
		query.Add("status", status)
	}
	if q.History {
		query.Set("history", "1")
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	var resp JobListResponse
	if err := c.do(ctx, http.MethodGet, "/api/jobs", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// GetJob returns one job snapshot.
func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	var resp Job
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RemoveJob cancels a queued job.
func (c *Client) RemoveJob(ctx context.Context, id string) (*Job, error) {
	var resp Job
	if err := c.do(ctx, http.MethodDelete, "/api/jobs/"+url.PathEscape(id), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartBatch starts processing the queue.
func (c *Client) StartBatch(ctx context.Context) (*BatchStartResponse, error) {
	var resp BatchStartResponse
	if err := c.do(ctx, http.MethodPost, "/api/batch/start", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StopBatch requests the active batch to stop.
func (c *Client) StopBatch(ctx context.Context) (*BatchStopResponse, error) {
	var resp BatchStopResponse
	if err := c.do(ctx, http.MethodPost, "/api/batch/stop", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BatchStatus returns the coordinator status.
func (c *Client) BatchStatus(ctx context.Context) (*BatchStatus, error) {
	var resp BatchStatus
	if err := c.do(ctx, http.MethodGet, "/api/batch/status", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListBatches returns recent batch history, newest first.
func (c *Client) ListBatches(ctx context.Context, limit int) ([]Batch, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp BatchListResponse
	if err := c.do(ctx, http.MethodGet, "/api/batches", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Batches, nil
}

// Events fetches progress events after since. When wait is set the daemon
// holds the request until an event arrives.
func (c *Client) Events(ctx context.Context, since uint64, limit int, wait bool) (*EventsResponse, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatUint(since, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if wait {
		query.Set("wait", "1")
	}
	var resp EventsResponse
	if err := c.do(ctx, http.MethodGet, "/api/events", query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LogQuery filters a log fetch.
type LogQuery struct {
	Since     uint64
	Limit     int
	Follow    bool
	Tail      bool
	JobID     string
	Component string
}

// Logs fetches daemon log lines.
func (c *Client) Logs(ctx context.Context, q LogQuery) (*LogStreamResponse, error) {
	query := url.Values{}
	if q.Since > 0 {
		query.Set("since", strconv.FormatUint(q.Since, 10))
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Follow {
		query.Set("follow", "1")
	}
	if q.Tail {
		query.Set("tail", "1")
	}
	if q.JobID != "" {
		query.Set("job", q.JobID)
	}
	if q.Component != "" {
		query.Set("component", q.Component)
	}
	var resp LogStreamResponse
	if err := c.do(ctx, http.MethodGet, "/api/logs", query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health returns daemon health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TestNotification asks the daemon to send a test notification.
func (c *Client) TestNotification(ctx context.Context) (*NotificationTestResponse, error) {
	var resp NotificationTestResponse
	if err := c.do(ctx, http.MethodPost, "/api/notifications/test", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LatestSequence returns the sequence of the newest progress event, or 0
// when none has been published.
func (c *Client) LatestSequence(ctx context.Context) (uint64, error) {
	resp, err := c.Events(ctx, math.MaxUint64, 1, false)
	if err != nil {
		return 0, err
	}
	return resp.Next, nil
}

// Watch streams progress events after since over a websocket until ctx
// ends, the daemon closes the stream, or fn returns an error. Events already
// in the daemon history are replayed first.
func (c *Client) Watch(ctx context.Context, since uint64, fn func(events.Event) error) error {
	endpoint := c.baseURL
	endpoint = strings.Replace(endpoint, "http://", "ws://", 1)
	endpoint = strings.Replace(endpoint, "https://", "wss://", 1)
	u, err := url.Parse(endpoint + "/api/events/ws")
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	u.RawQuery = url.Values{"since": {strconv.FormatUint(since, 10)}}.Encode()

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return &Error{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return fmt.Errorf("websocket connect: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var evt events.Event
		if err := conn.ReadJSON(&evt); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := fn(evt); err != nil {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(raw))
		}
		return &Error{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
