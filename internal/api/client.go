package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrUnavailable is returned when no daemon answers at the configured bind.
var ErrUnavailable = errors.New("ziplined API unavailable")

// Client talks to a running daemon.
type Client struct {
	base      *url.URL
	http      *http.Client
	token     string
	requester string
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithToken sets the bearer token sent on every API call.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithRequester sets the default requester identity.
func WithRequester(requester string) ClientOption {
	return func(c *Client) { c.requester = strings.TrimSpace(requester) }
}

// WithHTTPClient replaces the transport; tests pass httptest clients here.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// NewClient builds a client for bind, which may be host:port or a URL.
func NewClient(bind string, opts ...ClientOption) (*Client, error) {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil, ErrUnavailable
	}
	if !strings.Contains(bind, "://") {
		bind = "http://" + bind
	}
	base, err := url.Parse(bind)
	if err != nil {
		return nil, fmt.Errorf("parse api bind: %w", err)
	}
	base.Path = ""
	base.RawQuery = ""
	base.Fragment = ""

	c := &Client{
		base: base,
		// No timeout; long-poll calls block until the caller cancels.
		http: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Requester returns the default requester identity.
func (c *Client) Requester() string { return c.requester }

// Resolve asks the daemon for a folder's archive.
func (c *Client) Resolve(ctx context.Context, path string) (ResolveResponse, error) {
	var out ResolveResponse
	err := c.do(ctx, http.MethodPost, "/api/resolve", nil, ResolveRequest{Path: path, Requester: c.requester}, &out)
	return out, err
}

// Job fetches a build record.
func (c *Client) Job(ctx context.Context, jobID string) (JobResponse, error) {
	var out JobResponse
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID), nil, nil, &out)
	return out, err
}

// Events long-polls a job's progress stream.
func (c *Client) Events(ctx context.Context, jobID string, since uint64, wait time.Duration) (EventsResponse, error) {
	values := url.Values{}
	values.Set("since", strconv.FormatUint(since, 10))
	if wait > 0 {
		values.Set("wait", wait.String())
	}
	var out EventsResponse
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID)+"/events", values, nil, &out)
	return out, err
}

// Cancel detaches the client's requester from a job.
func (c *Client) Cancel(ctx context.Context, jobID string) (CancelResponse, error) {
	var out CancelResponse
	err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/cancel", nil, CancelRequest{Requester: c.requester}, &out)
	return out, err
}

// CancelPath detaches the client's requester from the build serving path.
func (c *Client) CancelPath(ctx context.Context, path string) (CancelResponse, error) {
	var out CancelResponse
	err := c.do(ctx, http.MethodPost, "/api/cancel", nil, CancelRequest{Requester: c.requester, Path: path}, &out)
	return out, err
}

// URL issues a download link for a finished job.
func (c *Client) URL(ctx context.Context, jobID string) (ResolveResponse, error) {
	var out ResolveResponse
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID)+"/url", nil, nil, &out)
	return out, err
}

// CacheStats returns cache totals.
func (c *Client) CacheStats(ctx context.Context) (CacheStatsResponse, error) {
	var out CacheStatsResponse
	err := c.do(ctx, http.MethodGet, "/api/cache", nil, nil, &out)
	return out, err
}

// CacheEntries lists cached artifacts.
func (c *Client) CacheEntries(ctx context.Context) (CacheEntriesResponse, error) {
	var out CacheEntriesResponse
	err := c.do(ctx, http.MethodGet, "/api/cache/entries", nil, nil, &out)
	return out, err
}

// Sweep runs the janitor now.
func (c *Client) Sweep(ctx context.Context) (SweepResponse, error) {
	var out SweepResponse
	err := c.do(ctx, http.MethodPost, "/api/cache/sweep", nil, nil, &out)
	return out, err
}

// Evict removes one cache entry.
func (c *Client) Evict(ctx context.Context, fingerprint string) (EvictResponse, error) {
	var out EvictResponse
	err := c.do(ctx, http.MethodDelete, "/api/cache/"+url.PathEscape(fingerprint), nil, nil, &out)
	return out, err
}

// Health reports daemon liveness.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := c.do(ctx, http.MethodGet, "/api/health", nil, nil, &out)
	return out, err
}

// LogQuery selects a page of daemon logs.
type LogQuery struct {
	Since     uint64
	Limit     int
	Follow    bool
	Tail      bool
	Component string
	JobID     string
}

// Logs fetches daemon log events.
func (c *Client) Logs(ctx context.Context, q LogQuery) (LogStreamResponse, error) {
	values := url.Values{}
	if q.Since > 0 {
		values.Set("since", strconv.FormatUint(q.Since, 10))
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Follow {
		values.Set("follow", "1")
	}
	if q.Tail {
		values.Set("tail", "1")
	}
	if strings.TrimSpace(q.Component) != "" {
		values.Set("component", q.Component)
	}
	if strings.TrimSpace(q.JobID) != "" {
		values.Set("job", q.JobID)
	}
	var out LogStreamResponse
	err := c.do(ctx, http.MethodGet, "/api/logs", values, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c == nil {
		return ErrUnavailable
	}
	endpoint := c.base.ResolveReference(&url.URL{Path: path, RawQuery: query.Encode()})

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.requester != "" {
		req.Header.Set(RequesterHeader, c.requester)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if IsUnavailable(err) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &Error{Status: resp.StatusCode}
	var payload ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}

// IsUnavailable reports whether err means the daemon could not be reached.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		err = urlErr.Err
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
