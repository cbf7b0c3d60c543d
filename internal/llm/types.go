// Package llm defines the provider-neutral message schema exchanged with
// the model gateway and the client interface the agent loop calls.
//
// All fields use proper Go types — wire format conversion happens at the
// gateway boundary (gateway.go).
package llm

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies who produced a message.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a conversation. A tool message's parts are
// exactly the tool results answering the immediately preceding assistant
// message's tool calls, matched by call ID.
type Message struct {
	Role     Role           `json:"role"`
	Parts    []Part         `json:"parts"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Part is a tagged union: exactly one of the pointer fields (or Text) is
// set. Construct parts with the TextPart/FilePart/CallPart/ResultPart
// helpers rather than struct literals.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineFile *InlineFile `json:"inline_file,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// InlineFile carries raw file bytes inside a message. Data is base64 on
// the wire (Go's encoding/json handles []byte automatically).
type InlineFile struct {
	Name string `json:"name"`
	MIME string `json:"mime"`
	Data []byte `json:"data"`
}

// ToolCall is a model-issued request to execute a named action.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolResult answers exactly one ToolCall, correlated by ID. Its outcome
// is either success (OK with Payload) or failure (Reason) — never both,
// never neither. Use Succeed/Fail to construct one.
type ToolResult struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// Succeed builds a success result for the given call. The payload must be
// valid JSON; plain strings should be pre-quoted by the caller.
func Succeed(call ToolCall, payload json.RawMessage) ToolResult {
	return ToolResult{ID: call.ID, Name: call.Name, OK: true, Payload: payload}
}

// Fail builds a failure result for the given call.
func Fail(call ToolCall, reason string) ToolResult {
	return ToolResult{ID: call.ID, Name: call.Name, OK: false, Reason: reason}
}

// TextPart wraps plain text as a Part.
func TextPart(text string) Part { return Part{Text: text} }

// FilePart wraps an inline file as a Part.
func FilePart(name, mime string, data []byte) Part {
	return Part{InlineFile: &InlineFile{Name: name, MIME: mime, Data: data}}
}

// CallPart wraps a tool call as a Part.
func CallPart(call ToolCall) Part { return Part{ToolCall: &call} }

// ResultPart wraps a tool result as a Part.
func ResultPart(res ToolResult) Part { return Part{ToolResult: &res} }

// TextMessage builds a message containing a single text part.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{TextPart(text)}}
}

// ToolMessage builds the single tool message answering one assistant turn.
func ToolMessage(results []ToolResult) Message {
	parts := make([]Part, len(results))
	for i, r := range results {
		parts[i] = ResultPart(r)
	}
	return Message{Role: RoleTool, Parts: parts}
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Text != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the tool calls carried by this message, in order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Parts {
		if p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

// ToolResults returns the tool results carried by this message, in order.
func (m Message) ToolResults() []ToolResult {
	var results []ToolResult
	for _, p := range m.Parts {
		if p.ToolResult != nil {
			results = append(results, *p.ToolResult)
		}
	}
	return results
}

// HasToolCalls reports whether the message carries any tool calls.
func (m Message) HasToolCalls() bool {
	for _, p := range m.Parts {
		if p.ToolCall != nil {
			return true
		}
	}
	return false
}

// ToolSpec describes one action offered to the model. Parameters is a
// JSON Schema fragment.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is one model invocation.
type Request struct {
	Model        string
	SystemPrompt string
	History      []Message
	Tools        []ToolSpec

	// ToolsEnabled hints that the user's text carries action intent and
	// the model should reach for tools. When false the tools are still
	// offered but usage is left to the model. Cost/latency optimization,
	// not a correctness requirement.
	ToolsEnabled bool
}

// Reply is the unified model response. Either Text is the terminal answer
// or ToolCalls requests another round of action execution.
type Reply struct {
	Text      string
	ToolCalls []ToolCall

	Model        string
	CreatedAt    time.Time
	InputTokens  int
	OutputTokens int
}
