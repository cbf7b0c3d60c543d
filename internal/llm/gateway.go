package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hivedesk/assistant/internal/config"
	"github.com/hivedesk/assistant/internal/httpkit"
	"github.com/hivedesk/assistant/internal/quota"
)

// GatewayClient talks to the managed Hivedesk model gateway. The gateway
// fronts the actual language model, enforces plan quota, and runs content
// moderation on both input and output.
type GatewayClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGatewayClient creates a gateway client. A nil logger discards
// diagnostics.
func NewGatewayClient(baseURL, apiKey string, logger *slog.Logger) *GatewayClient {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &GatewayClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		// Model calls with tools need time; the per-request context still
		// bounds each call.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(5 * time.Minute)),
		logger:     logger,
	}
}

// respondRequest is the wire format sent to the gateway. Messages use the
// part schema from types.go unchanged.
type respondRequest struct {
	Model        string     `json:"model"`
	System       string     `json:"system,omitempty"`
	Messages     []Message  `json:"messages"`
	Tools        []ToolSpec `json:"tools,omitempty"`
	ToolsEnabled bool       `json:"tools_enabled"`
}

// respondResponse is the wire format returned by the gateway.
type respondResponse struct {
	Model     string     `json:"model"`
	CreatedAt time.Time  `json:"created_at"`
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Flagged   bool       `json:"flagged,omitempty"`
	FlagStage string     `json:"flag_stage,omitempty"`
	Usage     struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// gatewayError is the JSON error body the gateway returns on non-200.
type gatewayError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
	Plan    string `json:"plan,omitempty"`
	Used    int    `json:"used"`
	Limit   int    `json:"limit"`
}

// Respond implements [Client].
func (c *GatewayClient) Respond(ctx context.Context, req Request) (*Reply, error) {
	body := respondRequest{
		Model:        req.Model,
		System:       req.SystemPrompt,
		Messages:     req.History,
		Tools:        req.Tools,
		ToolsEnabled: req.ToolsEnabled,
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "gateway request", "payload", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/assistant/respond", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyError(resp)
	}

	var wire respondResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &TransportError{Message: "decode response", Err: err}
	}
	c.logger.Log(ctx, config.LevelTrace, "gateway response",
		"text_len", len(wire.Text), "tool_calls", len(wire.ToolCalls))

	// The gateway moderates generated output after the fact; a flagged
	// reply must never reach the user.
	if wire.Flagged {
		stage := StageOutput
		if wire.FlagStage == string(StageInput) {
			stage = StageInput
		}
		return nil, &ModerationError{Stage: stage}
	}

	return &Reply{
		Text:         wire.Text,
		ToolCalls:    wire.ToolCalls,
		Model:        wire.Model,
		CreatedAt:    wire.CreatedAt,
		InputTokens:  wire.Usage.InputTokens,
		OutputTokens: wire.Usage.OutputTokens,
	}, nil
}

// classifyError maps a non-200 gateway response to the error taxonomy.
// Quota exhaustion and moderation rejections have dedicated types; all
// other failures are transport errors.
func (c *GatewayClient) classifyError(resp *http.Response) error {
	body := httpkit.ReadErrorBody(resp.Body, 4096)

	var ge gatewayError
	if err := json.Unmarshal([]byte(body), &ge); err == nil {
		switch ge.Error {
		case "quota_exceeded":
			return &quota.Error{State: quota.State{Plan: ge.Plan, Used: ge.Used, Limit: ge.Limit}}
		case "moderation":
			stage := StageInput
			if ge.Stage == string(StageOutput) {
				stage = StageOutput
			}
			return &ModerationError{Stage: stage}
		}
	}

	return &TransportError{Status: resp.StatusCode, Message: body}
}

// Ping checks if the gateway is reachable.
func (c *GatewayClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/assistant/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway error %d", resp.StatusCode)
	}
	return nil
}
