package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/h1v3-io/hitl/pkg/protocol"
)

var (
	ErrNotFound     = errors.New("request not found")
	ErrPollTimeout  = errors.New("timeout waiting for response")
	ErrExpired      = errors.New("request expired")
	ErrAlreadyFinal = errors.New("request already completed")
)

// APIError is returned for HTTP statuses the client has no sentinel for.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: status %d: %s", e.StatusCode, e.Body)
}

// Client talks to the broker HTTP API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger

	// RetryFor bounds how long WaitForResponse keeps retrying transport
	// failures before giving up. Zero retries until ctx is done.
	RetryFor time.Duration
}

// New creates a client for the broker at baseURL. The HTTP client has no
// overall timeout since long polls are bounded by ctx and the poll window.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
		Logger:     slog.Default(),
		RetryFor:   30 * time.Second,
	}
}

// CreateParams describes a request to create.
type CreateParams struct {
	Type      protocol.WidgetType `json:"type"`
	SessionID string              `json:"sessionId,omitempty"`
	Input     any                 `json:"input"`
	Timeout   int                 `json:"timeout,omitempty"` // seconds
}

// CreateRequest creates a pending request.
func (c *Client) CreateRequest(ctx context.Context, p CreateParams) (*protocol.Request, error) {
	var out protocol.Request
	if err := c.do(ctx, http.MethodPost, "/api/requests", p, &out); err != nil {
		return nil, fmt.Errorf("client: create request: %w", err)
	}
	return &out, nil
}

// GetRequest fetches the current snapshot of a request.
func (c *Client) GetRequest(ctx context.Context, id string) (*protocol.Request, error) {
	var out protocol.Request
	if err := c.do(ctx, http.MethodGet, "/api/requests/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, fmt.Errorf("client: get request %s: %w", id, err)
	}
	return &out, nil
}

// ListOptions filters ListRequests.
type ListOptions struct {
	Status    protocol.Status
	SessionID string
	Limit     int
}

// ListRequests returns requests matching opts, newest first.
func (c *Client) ListRequests(ctx context.Context, opts ListOptions) ([]*protocol.Request, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.SessionID != "" {
		q.Set("sessionId", opts.SessionID)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/api/requests"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out []*protocol.Request
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("client: list requests: %w", err)
	}
	return out, nil
}

// Wait issues one long poll of up to pollSeconds (0 uses the server default).
// An expired request returns its snapshot with ErrExpired; an elapsed poll
// window returns ErrPollTimeout.
func (c *Client) Wait(ctx context.Context, id string, pollSeconds int) (*protocol.Request, error) {
	path := "/api/requests/" + url.PathEscape(id) + "/wait"
	if pollSeconds > 0 {
		path += "?timeout=" + strconv.Itoa(pollSeconds)
	}
	var out protocol.Request
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		var snap *snapshotError
		if errors.As(err, &snap) {
			return snap.req, fmt.Errorf("client: wait %s: %w", id, snap.err)
		}
		return nil, fmt.Errorf("client: wait %s: %w", id, err)
	}
	return &out, nil
}

// WaitForResponse polls until the request resolves or ctx is done. Poll
// timeouts re-issue the wait; transport failures and 5xx responses are
// retried with exponential backoff.
func (c *Client) WaitForResponse(ctx context.Context, id string, pollSeconds int) (*protocol.Request, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxInterval = 5 * time.Second
	eb.MaxElapsedTime = c.RetryFor
	bkoff := backoff.WithContext(eb, ctx)

	for {
		var (
			req     *protocol.Request
			waitErr error
		)
		err := backoff.RetryNotify(func() error {
			req, waitErr = c.Wait(ctx, id, pollSeconds)
			if waitErr != nil && retryable(ctx, waitErr) {
				return waitErr
			}
			return nil
		}, bkoff, func(err error, next time.Duration) {
			c.logger().Warn("wait failed, retrying", "request", id, "error", err, "in", next)
		})
		if err != nil {
			return nil, err
		}
		bkoff.Reset()

		if errors.Is(waitErr, ErrPollTimeout) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return req, waitErr
	}
}

// SubmitResponse answers a pending request. If the request already reached a
// terminal state the decided snapshot is returned with ErrAlreadyFinal.
func (c *Client) SubmitResponse(ctx context.Context, id string, output any) (*protocol.Request, error) {
	body := map[string]any{"output": output}
	var out protocol.Request
	if err := c.do(ctx, http.MethodPost, "/api/requests/"+url.PathEscape(id)+"/response", body, &out); err != nil {
		var snap *snapshotError
		if errors.As(err, &snap) {
			return snap.req, fmt.Errorf("client: submit response %s: %w", id, snap.err)
		}
		return nil, fmt.Errorf("client: submit response %s: %w", id, err)
	}
	return &out, nil
}

// Health checks that the broker is reachable.
func (c *Client) Health(ctx context.Context) error {
	var out map[string]string
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, &out); err != nil {
		return fmt.Errorf("client: health: %w", err)
	}
	if out["status"] != "ok" {
		return fmt.Errorf("client: health: status %q", out["status"])
	}
	return nil
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// snapshotError carries the request snapshot some error responses include.
type snapshotError struct {
	err error
	req *protocol.Request
}

func (e *snapshotError) Error() string { return e.err.Error() }
func (e *snapshotError) Unwrap() error { return e.err }

type errorBody struct {
	Error   string            `json:"error"`
	Request *protocol.Request `json:"request"`
}

// do sends in as JSON and decodes any 2xx body into out. Other statuses map
// to the package's error values.
func (c *Client) do(ctx context.Context, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
	var eb errorBody
	json.Unmarshal(raw, &eb)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusRequestTimeout:
		return ErrPollTimeout
	case http.StatusGone:
		return &snapshotError{err: ErrExpired, req: eb.Request}
	case http.StatusConflict:
		return &snapshotError{err: ErrAlreadyFinal, req: eb.Request}
	}
	msg := eb.Error
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	return &APIError{StatusCode: resp.StatusCode, Body: msg}
}

// retryable reports whether err is a transient failure worth retrying: a
// transport error while ctx is still live, or a 5xx from the server.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
