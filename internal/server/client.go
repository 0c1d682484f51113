package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dshills/osgrep/internal/engine"
	"github.com/dshills/osgrep/internal/indexer"
	"github.com/dshills/osgrep/internal/store"
	"github.com/dshills/osgrep/pkg/types"
)

// APIError is a non-2xx response from the daemon
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Is maps 409 to indexer.ErrLockHeld
func (e *APIError) Is(target error) bool {
	return target == indexer.ErrLockHeld && e.StatusCode == http.StatusConflict
}

// Client talks to a daemon on the local machine
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a client for the daemon listening on 127.0.0.1:port
func NewClient(port int, token string) *Client {
	return NewClientURL("http://127.0.0.1:"+strconv.Itoa(port), token)
}

// NewClientURL returns a client for baseURL
func NewClientURL(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		// index requests can run for minutes; callers bound them with ctx
		http: &http.Client{Timeout: 0},
	}
}

// Health checks that the daemon answers, within a short deadline
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var resp HealthResponse
	return c.do(ctx, http.MethodGet, "/health", nil, &resp)
}

// Search runs a query on the daemon
func (c *Client) Search(ctx context.Context, req SearchRequest) ([]types.SearchResult, error) {
	var resp SearchResponse
	if err := c.do(ctx, http.MethodPost, "/search", req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Ask asks a question on the daemon
func (c *Client) Ask(ctx context.Context, req SearchRequest) (*store.AskResponse, error) {
	var resp store.AskResponse
	if err := c.do(ctx, http.MethodPost, "/ask", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Index asks the daemon to index its project
func (c *Client) Index(ctx context.Context, req IndexRequest) (*indexer.Statistics, error) {
	var stats indexer.Statistics
	if err := c.do(ctx, http.MethodPost, "/index", req, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Status returns the daemon's project status
func (c *Client) Status(ctx context.Context) (*engine.Status, error) {
	var st engine.Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
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
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxRequestBytes))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
