package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/errorkb/internal/pattern"
)

const (
	defaultClientTimeout = 10 * time.Second
	maxResponseBytes     = 4 << 20
)

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to a central errorkbd. It implements syncer.Central.
// Network failures, 429, and 5xx are returned wrapping
// pattern.ErrSyncTransient; other statuses map back to the store sentinels.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: central base url is required", pattern.ErrValidation)
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid central base url %q", pattern.ErrValidation, cfg.BaseURL)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultClientTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: hc,
	}, nil
}

// FindOrCreatePattern implements syncer.Central.
func (c *Client) FindOrCreatePattern(ctx context.Context, req *pattern.PatternSyncRequest) (*pattern.PatternSyncResult, error) {
	var res pattern.PatternSyncResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/patterns/find-or-create", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// FindOrCreateSolution implements syncer.Central.
func (c *Client) FindOrCreateSolution(ctx context.Context, req *pattern.SolutionSyncRequest) (*pattern.SolutionSyncResult, error) {
	var res pattern.SolutionSyncResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/solutions/find-or-create", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RecordFeedback implements syncer.Central.
func (c *Client) RecordFeedback(ctx context.Context, req *pattern.FeedbackSyncRequest) error {
	if req == nil || req.SolutionID == "" {
		return fmt.Errorf("%w: solution id is required", pattern.ErrValidation)
	}
	return c.do(ctx, http.MethodPost, "/api/v1/solutions/"+url.PathEscape(req.SolutionID)+"/feedback", req, nil)
}

// AppendSyncRecord implements syncer.Central.
func (c *Client) AppendSyncRecord(ctx context.Context, rec *pattern.SyncRecord) error {
	return c.do(ctx, http.MethodPost, "/api/v1/sync-records", rec, rec)
}

// Search finds central patterns similar to raw. An empty language searches
// every language.
func (c *Client) Search(ctx context.Context, raw, language string, limit int) ([]pattern.Match, error) {
	q := url.Values{"q": {raw}}
	if language != "" {
		q.Set("language", language)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var res SearchResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/patterns/search?"+q.Encode(), nil, &res); err != nil {
		return nil, err
	}
	return res.Matches, nil
}

// GetPattern returns a central pattern and its solutions.
func (c *Client) GetPattern(ctx context.Context, id string) (*PatternResponse, error) {
	var res PatternResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/patterns/"+url.PathEscape(id), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetSummary returns central counts.
func (c *Client) GetSummary(ctx context.Context) (*pattern.Summary, error) {
	var res pattern.Summary
	if err := c.do(ctx, http.MethodGet, "/api/v1/summary", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Health reports whether the daemon and its store are up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encoding request: %v", pattern.ErrValidation, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: building request: %v", pattern.ErrValidation, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", pattern.ErrSyncTransient, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", pattern.ErrSyncTransient, err)
	}

	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// statusError restores the sentinel a server-side error was mapped from.
func statusError(status int, body []byte) error {
	var er ErrorResponse
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		msg = er.Error
	}

	var sentinel error
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		sentinel = pattern.ErrSyncTransient
		if status == http.StatusServiceUnavailable {
			sentinel = errors.Join(pattern.ErrSyncTransient, pattern.ErrStoreUnavailable)
		}
	case status == http.StatusNotFound:
		sentinel = pattern.ErrNotFound
	case status == http.StatusBadRequest:
		sentinel = pattern.ErrValidation
	case status == http.StatusConflict:
		sentinel = pattern.ErrSyncConflict
	default:
		sentinel = errors.New(http.StatusText(status))
	}
	return fmt.Errorf("%w: central returned %d: %s", sentinel, status, msg)
}
