// Package backend is the narrow JSON-over-HTTP client for the workspace
// backend. The backend owns all domain records (tasks, CRM, contacts,
// meetings, expenses, documents, settings) and the authoritative plan
// quota counters; the orchestrator only invokes named actions against it
// and reads quota state.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hivedesk/assistant/internal/httpkit"
	"github.com/hivedesk/assistant/internal/quota"
)

// Invoker executes one named domain action. Every action is idempotent
// per invocation: (args) → data on success, error with a human-readable
// message on failure.
type Invoker interface {
	Invoke(ctx context.Context, action string, args map[string]any) (json.RawMessage, error)
}

// Client talks to the workspace backend. It implements [Invoker] and
// [quota.UsageProvider].
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a backend client. A nil logger discards diagnostics.
func New(baseURL, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: httpkit.NewClient(),
		logger:     logger,
	}
}

// actionResponse is the uniform envelope every action endpoint returns.
type actionResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Invoke executes a named action. A transport-level failure returns a
// wrapped error; a backend-reported failure returns an error carrying
// the backend's message so it can travel back to the model verbatim.
func (c *Client) Invoke(ctx context.Context, action string, args map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal action args: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/assistant/actions/%s", c.baseURL, url.PathEscape(action))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("invoke %s: backend status %d: %s",
			action, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}

	var ar actionResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("invoke %s: decode response: %w", action, err)
	}
	if !ar.Success {
		return nil, fmt.Errorf("%s", ar.Message)
	}

	c.logger.Debug("action invoked", "action", action)
	return ar.Data, nil
}

// Usage implements [quota.UsageProvider]. The backend serializes the
// counters; the orchestrator never writes them.
func (c *Client) Usage(ctx context.Context, scopeKey string) (quota.State, error) {
	endpoint := fmt.Sprintf("%s/api/assistant/quota?scope=%s", c.baseURL, url.QueryEscape(scopeKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return quota.State{}, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return quota.State{}, fmt.Errorf("fetch quota: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return quota.State{}, fmt.Errorf("fetch quota: backend status %d", resp.StatusCode)
	}

	var state quota.State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return quota.State{}, fmt.Errorf("decode quota state: %w", err)
	}
	return state, nil
}
