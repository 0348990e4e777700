// Package xeros provides a small Go client for the Xeros workflow daemon API.
package xeros

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Run status values reported by the daemon.
const (
	StatusPending            = "pending"
	StatusRunning            = "running"
	StatusCompleted          = "completed"
	StatusFailed             = "failed"
	StatusPartiallyCompleted = "partially_completed"
	StatusCancelled          = "cancelled"
)

// Client is a thin wrapper around the Xeros HTTP API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// StepResult mirrors the per-step record stored on a run.
type StepResult struct {
	Status     string          `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Attempts   int             `json:"attempts"`
	DurationNS int64           `json:"duration_ns"`
	Cached     bool            `json:"cached,omitempty"`
	Note       string          `json:"note,omitempty"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
}

// Run is the lifecycle record of one chain execution.
type Run struct {
	ID              string                `json:"id"`
	ChainID         string                `json:"chain_id"`
	DisplayName     string                `json:"display_name"`
	Params          map[string]any        `json:"params,omitempty"`
	Status          string                `json:"status"`
	Steps           map[string]StepResult `json:"steps,omitempty"`
	Cursor          int                   `json:"cursor"`
	CancelRequested bool                  `json:"cancel_requested,omitempty"`
	ErrorCode       string                `json:"error_code,omitempty"`
	LastError       string                `json:"last_error,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	StartedAt       time.Time             `json:"started_at,omitempty"`
	FinishedAt      time.Time             `json:"finished_at,omitempty"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// Terminal reports whether the run has reached a final status.
func (r *Run) Terminal() bool {
	switch r.Status {
	case StatusCompleted, StatusFailed, StatusPartiallyCompleted, StatusCancelled:
		return true
	}
	return false
}

// RunList is one page of runs.
type RunList struct {
	Runs   []*Run `json:"runs"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// ListQuery filters ListRuns and Stats.
type ListQuery struct {
	Statuses []string
	ChainID  string
	Query    string
	Limit    int
	Offset   int
	Since    time.Time
	Until    time.Time
}

func (q ListQuery) values() url.Values {
	v := url.Values{}
	if len(q.Statuses) > 0 {
		v.Set("status", strings.Join(q.Statuses, ","))
	}
	if q.ChainID != "" {
		v.Set("chain_id", q.ChainID)
	}
	if q.Query != "" {
		v.Set("q", q.Query)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		v.Set("until", q.Until.UTC().Format(time.RFC3339))
	}
	return v
}

// Stats aggregates run counts per status.
type Stats struct {
	Total              int `json:"total"`
	Pending            int `json:"pending"`
	Running            int `json:"running"`
	Completed          int `json:"completed"`
	PartiallyCompleted int `json:"partially_completed"`
	Failed             int `json:"failed"`
	Cancelled          int `json:"cancelled"`
}

// ChainStep describes one step of a registered chain.
type ChainStep struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	Required      bool   `json:"required"`
	ParallelGroup string `json:"parallel_group,omitempty"`
	Handler       string `json:"handler,omitempty"`
}

// Chain is a registered chain template.
type Chain struct {
	ID          string      `json:"id"`
	DisplayName string      `json:"display_name"`
	Description string      `json:"description,omitempty"`
	RunIDPrefix string      `json:"run_id_prefix,omitempty"`
	Steps       []ChainStep `json:"steps"`
}

// APIError represents an error response from the daemon.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("xeros api error (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("xeros api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an API error with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NewClient constructs a client. httpClient may be nil.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, errors.New("xeros: base url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("xeros: invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("xeros: base url %q must be absolute", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken configures the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the configured bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SubmitRun queues a run of chainID with the given parameters.
func (c *Client) SubmitRun(ctx context.Context, chainID string, params map[string]any) (*Run, error) {
	if strings.TrimSpace(chainID) == "" {
		return nil, errors.New("xeros: chain id is required")
	}
	body := struct {
		ChainID string         `json:"chain_id"`
		Params  map[string]any `json:"params,omitempty"`
	}{ChainID: chainID, Params: params}
	var run Run
	if err := c.do(ctx, http.MethodPost, "/api/v1/runs", nil, body, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun fetches a run by id.
func (c *Client) GetRun(ctx context.Context, id string) (*Run, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("xeros: run id is required")
	}
	var run Run
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+id, nil, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// CancelRun requests cancellation of a run.
func (c *Client) CancelRun(ctx context.Context, id string) (*Run, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("xeros: run id is required")
	}
	var run Run
	if err := c.do(ctx, http.MethodPost, "/api/v1/runs/"+id+"/cancel", nil, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns one page of runs matching q.
func (c *Client) ListRuns(ctx context.Context, q ListQuery) (*RunList, error) {
	var list RunList
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs", q.values(), nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Stats returns per-status counts for runs matching q.
func (c *Client) Stats(ctx context.Context, q ListQuery) (*Stats, error) {
	var stats Stats
	if err := c.do(ctx, http.MethodGet, "/api/v1/stats", q.values(), nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ListChains returns the chain templates registered on the daemon.
func (c *Client) ListChains(ctx context.Context) ([]Chain, error) {
	var out struct {
		Chains []Chain `json:"chains"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/chains", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Chains, nil
}

// WaitRun polls the run until it reaches a terminal status or ctx ends.
func (c *Client) WaitRun(ctx context.Context, id string, interval time.Duration) (*Run, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) newRequest(ctx context.Context, method, p string, query url.Values, body any) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, p)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, p string, query url.Values, body, out any) error {
	req, err := c.newRequest(ctx, method, p, query, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if len(data) > 0 {
			var envelope struct {
				Error *APIError `json:"error"`
			}
			if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error != nil {
				apiErr.Code = envelope.Error.Code
				apiErr.Message = envelope.Error.Message
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
