// Package client provides a client for the build farm HTTP API.
package client

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

	"github.com/narvanalabs/buildfarm/internal/api/handlers"
	"github.com/narvanalabs/buildfarm/internal/api/health"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/queue"
)

// Error is a non-2xx API response.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// IsConflict reports whether err is a 409 from the API.
func IsConflict(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

// Client is an API client for the build farm.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// NewClient creates a new API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithToken returns a new client with the specified auth token.
func (c *Client) WithToken(token string) *Client {
	return &Client{
		baseURL:    c.baseURL,
		httpClient: c.httpClient,
		token:      token,
	}
}

// WithHTTPClient returns a new client that sends requests through hc.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	return &Client{
		baseURL:    c.baseURL,
		httpClient: hc,
		token:      c.token,
	}
}

// Submit queues a new job.
func (c *Client) Submit(ctx context.Context, req handlers.SubmitRequest) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	if err := c.do(ctx, http.MethodPost, "/v1/queue", req, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Stats counts waiting, running and pinned entries.
func (c *Client) Stats(ctx context.Context) (*models.QueueStats, error) {
	var stats models.QueueStats
	if err := c.do(ctx, http.MethodGet, "/v1/queue/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Describe returns an entry with its job and payload.
func (c *Client) Describe(ctx context.Context, id int64) (*queue.EntryDetail, error) {
	var detail queue.EntryDetail
	if err := c.do(ctx, http.MethodGet, entryPath(id, ""), nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// Destroy removes an entry and its job.
func (c *Client) Destroy(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, entryPath(id, ""), nil, nil)
}

// Score recomputes an entry's score.
func (c *Client) Score(ctx context.Context, id int64) (*handlers.ScoreResponse, error) {
	var resp handlers.ScoreResponse
	if err := c.do(ctx, http.MethodPost, entryPath(id, "/score"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetScore pins an entry's score. It needs an admin token.
func (c *Client) SetScore(ctx context.Context, id int64, score int) (*handlers.ScoreResponse, error) {
	var resp handlers.ScoreResponse
	if err := c.do(ctx, http.MethodPut, entryPath(id, "/score"), handlers.ScoreRequest{Score: &score}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Assign hands an entry to a builder.
func (c *Client) Assign(ctx context.Context, id int64, builderID string) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	if err := c.do(ctx, http.MethodPost, entryPath(id, "/assign"), handlers.AssignRequest{BuilderID: builderID}, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Reset returns an entry to the waiting state.
func (c *Client) Reset(ctx context.Context, id int64) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	if err := c.do(ctx, http.MethodPost, entryPath(id, "/reset"), nil, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Outcome reports how a running job ended.
func (c *Client) Outcome(ctx context.Context, id int64, status models.OutcomeStatus, logTail string) error {
	return c.do(ctx, http.MethodPost, entryPath(id, "/outcome"),
		handlers.OutcomeRequest{Status: status, LogTail: logTail}, nil)
}

// Estimate returns when an entry is expected to start.
func (c *Client) Estimate(ctx context.Context, id int64) (*handlers.EstimateResponse, error) {
	var resp handlers.EstimateResponse
	if err := c.do(ctx, http.MethodGet, entryPath(id, "/estimate"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Candidates lists dispatchable entries for builders of the given processors.
func (c *Client) Candidates(ctx context.Context, processors []string) ([]int64, error) {
	q := url.Values{}
	for _, p := range processors {
		q.Add("processor", p)
	}
	var resp handlers.CandidatesResponse
	if err := c.do(ctx, http.MethodGet, "/v1/candidates?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.QueueIDs, nil
}

// Pool returns the eligible builder counts per platform.
func (c *Client) Pool(ctx context.Context) (*models.PoolSnapshot, error) {
	var snap models.PoolSnapshot
	if err := c.do(ctx, http.MethodGet, "/v1/builders/pool", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// NextFree estimates the wait for a builder of platform p.
func (c *Client) NextFree(ctx context.Context, p models.Platform) (*handlers.NextFreeResponse, error) {
	q := url.Values{}
	q.Set("processor", p.Processor)
	q.Set("virtualized", strconv.FormatBool(p.Virtualized))
	var resp handlers.NextFreeResponse
	if err := c.do(ctx, http.MethodGet, "/v1/builders/next-free?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat registers a builder or refreshes it.
func (c *Client) Heartbeat(ctx context.Context, hb models.Heartbeat) (*models.Builder, error) {
	var b models.Builder
	if err := c.do(ctx, http.MethodPost, "/v1/builders/heartbeat", hb, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Health fetches the service health. An unhealthy service still returns
// its report together with an error.
func (c *Client) Health(ctx context.Context) (*health.Response, error) {
	var resp health.Response
	err := c.do(ctx, http.MethodGet, "/health", nil, &resp)
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		if jerr := json.Unmarshal([]byte(apiErr.Message), &resp); jerr == nil {
			return &resp, err
		}
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func entryPath(id int64, suffix string) string {
	return "/v1/queue/" + strconv.FormatInt(id, 10) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var payload handlers.APIError
		if json.Unmarshal(data, &payload) == nil && payload.Code != "" {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Message
		}
		return apiErr
	}

	if result == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
