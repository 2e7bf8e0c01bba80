// Package bus is a typed client for the event-bus service's REST and SSE
// endpoints. It carries a mutable header bag whose entries (notably the
// agent JWT) are overlaid onto every request.
package bus

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
)

const (
	defaultTimeout   = 30 * time.Second
	keepaliveTimeout = 5 * time.Second
)

// APIError is a non-2xx response from the bus service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bus: %s (status %d)", e.Message, e.Status)
}

// Client is a typed wrapper around the bus REST surface. All methods are
// safe for concurrent use; header-bag mutations are visible to all
// subsequent calls.
type Client struct {
	baseURL    string
	projectKey string
	http       *http.Client
	streamHTTP *http.Client // no overall timeout; SSE reads are long-lived

	headers *HeaderBag
}

// New creates a bus client. Trailing slashes are stripped from baseURL so
// path joining is uniform. projectKey is sent as the bearer credential on
// every request.
func New(baseURL, projectKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		projectKey: projectKey,
		http:       &http.Client{Timeout: defaultTimeout},
		streamHTTP: &http.Client{},
		headers:    NewHeaderBag(),
	}
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// SetHeader sets a header applied to all subsequent requests.
func (c *Client) SetHeader(key, value string) { c.headers.Set(key, value) }

// RemoveHeader removes a header from the bag.
func (c *Client) RemoveHeader(key string) { c.headers.Remove(key) }

// Header returns the current value of a bag entry ("" if unset).
func (c *Client) Header(key string) string { return c.headers.Get(key) }

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.projectKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.headers.Apply(req.Header)
	return req, nil
}

// do performs a request and decodes a JSON response into out (if non-nil).
// Errors are surfaced by HTTP status plus a body-derived message; there is
// no retry at this layer.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(resp)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}

// errorMessage extracts a human-readable message from an error response
// body, falling back to the raw body or the HTTP status text.
func errorMessage(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	if s := strings.TrimSpace(string(data)); s != "" {
		return s
	}
	return http.StatusText(resp.StatusCode)
}

// ListAgents returns up to limit agents known to the service.
func (c *Client) ListAgents(ctx context.Context, limit int) ([]Agent, error) {
	var agents []Agent
	path := "/v1/agents?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// RegisterAgent registers a local session as an agent. The service is
// idempotent per (machine_id, session_id): the same pair returns the same
// agent ID.
func (c *Client) RegisterAgent(ctx context.Context, req RegisterRequest) (*Agent, error) {
	var agent Agent
	if err := c.do(ctx, http.MethodPost, "/v1/agents", req, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// DeregisterAgent removes an agent record.
func (c *Client) DeregisterAgent(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/agents/"+url.PathEscape(agentID), nil, nil)
}

// HeartbeatAgent refreshes the agent's liveness timestamp.
func (c *Client) HeartbeatAgent(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodPatch, "/v1/agents/"+url.PathEscape(agentID)+"/heartbeat", nil, nil)
}

// GetMessage fetches a single message by ID.
func (c *Client) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	var msg Message
	if err := c.do(ctx, http.MethodGet, "/v1/messages/"+url.PathEscape(messageID), nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ClaimMessage claims a pending message for an agent. Fails with a conflict
// when another agent won the race.
func (c *Client) ClaimMessage(ctx context.Context, messageID, agentID string) error {
	body := map[string]string{"claimed_by": agentID}
	return c.do(ctx, http.MethodPatch, "/v1/messages/"+url.PathEscape(messageID)+"/claim", body, nil)
}

// UpdateMessageStatus transitions a message's status.
func (c *Client) UpdateMessageStatus(ctx context.Context, messageID, status string) error {
	body := map[string]string{"status": status}
	return c.do(ctx, http.MethodPatch, "/v1/messages/"+url.PathEscape(messageID)+"/status", body, nil)
}

// SendMessage posts a new message to the bus.
func (c *Client) SendMessage(ctx context.Context, msg *Message) (*Message, error) {
	var created Message
	if err := c.do(ctx, http.MethodPost, "/v1/messages", msg, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// PostAudit uploads a batch of audit entries.
func (c *Client) PostAudit(ctx context.Context, entries []AuditEntry) error {
	body := map[string]any{"entries": entries}
	return c.do(ctx, http.MethodPost, "/v1/audit", body, nil)
}

// Keepalive issues a cheap GET against the service. Used by the stream
// consumer to detect silently-dead sockets.
func (c *Client) Keepalive(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, keepaliveTimeout)
	defer cancel()
	_, err := c.ListAgents(ctx, 1)
	return err
}

// OpenStream opens the SSE subscription and returns the response body for
// the caller to read. lastEventID, when non-empty, is sent as the
// Last-Event-ID resume hint.
func (c *Client) OpenStream(ctx context.Context, machineID, lastEventID string) (io.ReadCloser, error) {
	path := "/v1/messages/stream?machine_id=" + url.QueryEscape(machineID)
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, &APIError{Status: resp.StatusCode, Message: errorMessage(resp)}
	}
	return resp.Body, nil
}
