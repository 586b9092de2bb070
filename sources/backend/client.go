// Package backend opens agent event streams against the miow HTTP backend.
//
// The backend serves POST /api/generate-stream as server-sent events and a
// POST /api/health endpoint used to gate streaming. Everything else the
// backend offers (file ranking, signature and context debug views) is a plain
// request/response call and is not wrapped here.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	agentstream "github.com/haowjy/miow-stream-go"
)

// DefaultBaseURL is where the backend listens when run locally.
const DefaultBaseURL = "http://localhost:3001"

// Client talks to one miow backend. It implements agentstream.Opener.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	chunkSize     int
	healthTimeout time.Duration
	logger        *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client. It must not set a Timeout, which
// would cut off long-running streams; use contexts instead.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithChunkSize sets the read size for stream bodies.
func WithChunkSize(n int) ClientOption {
	return func(c *Client) {
		c.chunkSize = n
	}
}

// WithHealthTimeout bounds the health request.
func WithHealthTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.healthTimeout = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("backend base URL must be http(s): %q", baseURL)
	}

	c := &Client{
		baseURL:       baseURL,
		httpClient:    &http.Client{},
		chunkSize:     agentstream.DefaultChunkSize,
		healthTimeout: 10 * time.Second,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalized backend URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// generateRequest is the JSON body of POST /api/generate-stream.
type generateRequest struct {
	CodebasePath string `json:"codebase_path"`
	UserPrompt   string `json:"user_prompt"`
}

// Open issues the streaming generation request and returns the response body
// as a source. The session that receives it owns the connection.
func (c *Client) Open(ctx context.Context, req agentstream.Request) (agentstream.Source, error) {
	if strings.TrimSpace(req.CodebasePath) == "" {
		return nil, &agentstream.SourceError{Message: "codebase path is required", Err: agentstream.ErrBackendUnavailable}
	}

	httpReq, err := c.buildHTTPRequest(ctx, "/api/generate-stream", generateRequest{
		CodebasePath: req.CodebasePath,
		UserPrompt:   req.Prompt,
	})
	if err != nil {
		return nil, err
	}

	// Set Accept header for SSE
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &agentstream.SourceError{Message: "generate-stream request failed", Err: fmt.Errorf("%w: %w", agentstream.ErrBackendUnavailable, err)}
	}

	// Check for immediate errors
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.handleErrorResponse(resp)
	}

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		c.logger.Warn("generate-stream response is not an event stream", "content_type", ct)
	}

	return agentstream.NewReaderSource(resp.Body, c.chunkSize), nil
}

// HealthResponse is the body of POST /api/health.
type HealthResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	QdrantConnected  bool   `json:"qdrant_connected"`
	GeminiConfigured bool   `json:"gemini_configured"`
}

// Ready reports whether the backend can run a generation. The vector store is
// optional on the backend side, the LLM key is not.
func (h *HealthResponse) Ready() bool {
	return h != nil && h.Status == "healthy" && h.GeminiConfigured
}

// Health queries the backend health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	if c.healthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.healthTimeout)
		defer cancel()
	}

	httpReq, err := c.buildHTTPRequest(ctx, "/api/health", struct{}{})
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &agentstream.SourceError{Message: "health request failed", Err: fmt.Errorf("%w: %w", agentstream.ErrBackendUnavailable, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.handleErrorResponse(resp)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}
	return &health, nil
}

// buildHTTPRequest creates a JSON POST request for a backend endpoint.
func (c *Client) buildHTTPRequest(ctx context.Context, path string, body any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

// handleErrorResponse turns a non-200 response into a SourceError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	// Try to parse structured error
	var errResp struct {
		Error string `json:"error"`
	}
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		message = errResp.Error
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	return &agentstream.SourceError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Err:        agentstream.ErrBackendUnavailable,
	}
}
