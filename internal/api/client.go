// ABOUTME: HTTP client for the Policy RAG API: health, thread creation, streaming chat
// ABOUTME: Decodes the newline-delimited SSE chat stream into structured chunks

package api

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
)

const (
	defaultShortTimeout  = 5 * time.Second
	defaultStreamTimeout = 30 * time.Second
)

// StreamChunk is one decoded unit of the chat stream. A chunk carries zero
// or more fields; an absent field means "no update this chunk".
type StreamChunk struct {
	Content  string   `json:"content,omitempty"`
	Sources  []string `json:"sources,omitempty"`
	ThreadID string   `json:"thread_id,omitempty"`
	Done     bool     `json:"done,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// threadResponse is the JSON body of POST /threads.
type threadResponse struct {
	ThreadID string `json:"thread_id"`
}

// chatRequest is the JSON body sent to POST /chat/stream.
type chatRequest struct {
	Question string  `json:"question"`
	ThreadID *string `json:"thread_id"`
}

// Client talks to the Policy RAG API.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	shortTimeout  time.Duration
	streamTimeout time.Duration
	logger        *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeouts overrides the per-call timeouts: short covers health checks
// and thread creation, stream covers the whole streaming exchange.
func WithTimeouts(short, stream time.Duration) Option {
	return func(c *Client) {
		c.shortTimeout = short
		c.streamTimeout = stream
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a Client for the API at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    http.DefaultClient,
		shortTimeout:  defaultShortTimeout,
		streamTimeout: defaultStreamTimeout,
		logger:        slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckHealth reports whether the backend answers GET /health. Any failure
// (network, timeout, non-2xx) is false; it never returns an error.
func (c *Client) CheckHealth(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.shortTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("health check failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// CreateThread asks the backend for a new conversation thread and returns
// its id. Failures carry a classified, user-presentable error.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.shortTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/threads", nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classify("Starting a conversation", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return "", classifyStatus(resp.StatusCode)
	}

	var tr threadResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", newError(KindServer, "The server returned an unreadable response.", err)
	}
	if tr.ThreadID == "" {
		return "", newError(KindServer, "The server did not return a thread id.", nil)
	}
	return tr.ThreadID, nil
}

// StreamChat sends question to POST /chat/stream and returns the decoded
// chunk stream. threadID may be empty for a new conversation. The stream
// timeout covers the whole exchange, not just connection setup; the caller
// must Close the returned stream.
func (c *Client) StreamChat(ctx context.Context, question, threadID string) (Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, c.streamTimeout)

	body := chatRequest{Question: question}
	if threadID != "" {
		body.ThreadID = &threadID
	}
	payload, err := json.Marshal(body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/stream", bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, classify("Sending the message", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		cancel()
		return nil, classifyStatus(resp.StatusCode)
	}

	return newChunkStream(resp.Body, cancel, c.logger), nil
}
