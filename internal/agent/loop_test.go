package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hivedesk/assistant/internal/actions"
	"github.com/hivedesk/assistant/internal/conversation"
	"github.com/hivedesk/assistant/internal/filestore"
	"github.com/hivedesk/assistant/internal/history"
	"github.com/hivedesk/assistant/internal/llm"
	"github.com/hivedesk/assistant/internal/quota"
	"github.com/hivedesk/assistant/internal/ratelimit"
	"github.com/hivedesk/assistant/internal/retrieval"
	"github.com/hivedesk/assistant/internal/sanitize"
)

var testScope = conversation.Scope{Feature: "chat", Workspace: "acme", User: "dana"}

// scriptedClient replays a fixed sequence of replies and records every
// request it saw. Past the script's end it repeats the last reply.
type scriptedClient struct {
	mu       sync.Mutex
	replies  []*llm.Reply
	err      error
	requests []llm.Request
}

func (c *scriptedClient) Respond(_ context.Context, req llm.Request) (*llm.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}
	i := len(c.requests) - 1
	if i >= len(c.replies) {
		i = len(c.replies) - 1
	}
	return c.replies[i], nil
}

func (c *scriptedClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// loopingClient always requests another tool round, with fresh call IDs.
type loopingClient struct {
	n int
}

func (c *loopingClient) Respond(_ context.Context, _ llm.Request) (*llm.Reply, error) {
	c.n++
	return &llm.Reply{ToolCalls: []llm.ToolCall{
		{ID: fmt.Sprintf("c%d", c.n), Name: "createTask", Args: map[string]any{"title": "again"}},
	}}, nil
}

type fakeUsage struct {
	state quota.State
	calls int
}

func (f *fakeUsage) Usage(_ context.Context, _ string) (quota.State, error) {
	f.calls++
	return f.state, nil
}

// testSession wires a session over in-memory stores with a createTask
// action that records executions.
func testSession(t *testing.T, client llm.Client, mutate ...func(*Config, *Deps)) (*Session, *conversation.Store) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := conversation.NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	files, err := filestore.NewStore(db)
	if err != nil {
		t.Fatalf("new filestore: %v", err)
	}

	registry := actions.NewRegistry()
	registry.Register(&actions.Action{
		Name: "createTask",
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"success": true, "id": "t1"}, nil
		},
	})

	cfg := Config{Model: "hd-large", SystemPrompt: "assist", MaxToolIterations: 10}
	deps := Deps{
		Store:      store,
		Reducer:    history.New(history.Options{}, nil),
		Limiter:    ratelimit.New(time.Minute, 10),
		Client:     client,
		Registry:   registry,
		Dispatcher: actions.NewDispatcher(registry, nil, nil, nil),
		Sanitizer:  sanitize.New("", ""),
		Files:      files,
	}
	for _, m := range mutate {
		m(&cfg, &deps)
	}

	return New(testScope, cfg, deps), store
}

func TestHappyPathCreateTask(t *testing.T) {
	call := llm.ToolCall{ID: "c1", Name: "createTask", Args: map[string]any{"title": "call Acme tomorrow"}}
	client := &scriptedClient{replies: []*llm.Reply{
		{ToolCalls: []llm.ToolCall{call}},
		{Text: "Done — task created."},
	}}
	session, store := testSession(t, client)

	result, err := session.Run(context.Background(), Input{Text: "create a task to call Acme tomorrow"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.State != StateCompleted {
		t.Errorf("state = %q, want completed", result.State)
	}
	if result.Text != "Done — task created." {
		t.Errorf("text = %q", result.Text)
	}
	if result.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", result.Iterations)
	}

	// Exactly 4 messages: user, assistant-with-call, tool result, final
	// assistant text.
	msgs, err := store.All(context.Background(), testScope)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Fatalf("stored %d messages, want 4", len(msgs))
	}
	if msgs[0].Role != llm.RoleUser || msgs[0].Text() != "create a task to call Acme tomorrow" {
		t.Errorf("message 0 = %+v", msgs[0])
	}
	if !msgs[1].HasToolCalls() {
		t.Error("message 1 missing tool call")
	}
	results := msgs[2].ToolResults()
	if msgs[2].Role != llm.RoleTool || len(results) != 1 || results[0].ID != "c1" || !results[0].OK {
		t.Errorf("message 2 = %+v", msgs[2])
	}
	if msgs[3].Role != llm.RoleAssistant || msgs[3].Text() != "Done — task created." {
		t.Errorf("message 3 = %+v", msgs[3])
	}

	// The action verb flips the tools hint on.
	if !client.requests[0].ToolsEnabled {
		t.Error("ToolsEnabled = false for an action request")
	}
}

func TestToolsHintHeuristicAndOverride(t *testing.T) {
	client := &scriptedClient{replies: []*llm.Reply{{Text: "ok"}}}
	session, _ := testSession(t, client)

	if _, err := session.Run(context.Background(), Input{Text: "how was Q3 revenue?"}); err != nil {
		t.Fatal(err)
	}
	if client.requests[0].ToolsEnabled {
		t.Error("ToolsEnabled = true for a plain question")
	}

	force := true
	if _, err := session.Run(context.Background(), Input{Text: "how was Q3 revenue?", ForceTools: &force}); err != nil {
		t.Fatal(err)
	}
	if !client.requests[1].ToolsEnabled {
		t.Error("ForceTools override ignored")
	}
}

func TestTooManyIterations(t *testing.T) {
	client := &loopingClient{}
	session, store := testSession(t, client, func(cfg *Config, _ *Deps) {
		cfg.MaxToolIterations = 3
	})

	result, err := session.Run(context.Background(), Input{Text: "create endless tasks"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.State != StateIterationCap {
		t.Errorf("state = %q, want iteration_cap", result.State)
	}
	var iterErr *TooManyIterationsError
	if !errors.As(result.Err, &iterErr) || iterErr.Max != 3 {
		t.Errorf("err = %v", result.Err)
	}

	msgs, _ := store.All(context.Background(), testScope)
	last := msgs[len(msgs)-1]
	if last.Role != llm.RoleAssistant || !strings.Contains(last.Text(), "action steps") {
		t.Errorf("terminal message = %+v", last)
	}
}

func TestQuotaBlockShortCircuits(t *testing.T) {
	client := &scriptedClient{replies: []*llm.Reply{{Text: "never"}}}
	provider := &fakeUsage{state: quota.State{Plan: "free", Used: 25, Limit: 25}}
	session, store := testSession(t, client, func(_ *Config, deps *Deps) {
		deps.Gate = quota.NewGate(provider)
	})

	result, err := session.Run(context.Background(), Input{Text: "hello"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if client.calls() != 0 {
		t.Errorf("model called %d times despite exhausted quota", client.calls())
	}
	if result.State != StateQuotaBlocked {
		t.Errorf("state = %q, want quota_blocked", result.State)
	}
	for _, want := range []string{"free", "25 of 25"} {
		if !strings.Contains(result.Text, want) {
			t.Errorf("terminal text missing %q: %q", want, result.Text)
		}
	}

	// Exactly one assistant message, nothing else.
	msgs, _ := store.All(context.Background(), testScope)
	if len(msgs) != 1 || msgs[0].Role != llm.RoleAssistant {
		t.Errorf("stored messages = %+v", msgs)
	}
}

func TestRateBlockNoModelCall(t *testing.T) {
	client := &scriptedClient{replies: []*llm.Reply{{Text: "never"}}}
	limiter := ratelimit.New(time.Minute, 1)
	limiter.Record()
	session, _ := testSession(t, client, func(_ *Config, deps *Deps) {
		deps.Limiter = limiter
	})

	result, err := session.Run(context.Background(), Input{Text: "hello"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if client.calls() != 0 {
		t.Error("model called despite rate block")
	}
	if result.State != StateRateBlocked {
		t.Errorf("state = %q, want rate_blocked", result.State)
	}
	if result.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive", result.RetryAfter)
	}
	if !strings.Contains(result.Text, "seconds") {
		t.Errorf("terminal text missing retry hint: %q", result.Text)
	}
	// A denied attempt does not consume window capacity.
	if limiter.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", limiter.Pending())
	}
}

func TestBusyRejectsReentry(t *testing.T) {
	client := &scriptedClient{replies: []*llm.Reply{{Text: "ok"}}}
	session, _ := testSession(t, client)

	session.running.Store(true)
	_, err := session.Run(context.Background(), Input{Text: "hello"})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	session.running.Store(false)

	if _, err := session.Run(context.Background(), Input{Text: "hello"}); err != nil {
		t.Fatalf("run after release: %v", err)
	}
}

func TestModerationTerminal(t *testing.T) {
	client := &scriptedClient{err: &llm.ModerationError{Stage: llm.StageInput}}
	session, store := testSession(t, client)

	result, err := session.Run(context.Background(), Input{Text: "something unsavory"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.State != StateModeration {
		t.Errorf("state = %q, want moderation", result.State)
	}
	if !strings.Contains(result.Text, "flagged") {
		t.Errorf("terminal text = %q", result.Text)
	}

	msgs, _ := store.All(context.Background(), testScope)
	last := msgs[len(msgs)-1]
	if last.Role != llm.RoleAssistant || last.Text() != result.Text {
		t.Errorf("terminal message not stored: %+v", last)
	}
}

func TestTransportTerminal(t *testing.T) {
	client := &scriptedClient{err: &llm.TransportError{Status: 502, Message: "bad gateway"}}
	session, _ := testSession(t, client)

	result, err := session.Run(context.Background(), Input{Text: "hello"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.State != StateTransport {
		t.Errorf("state = %q, want transport", result.State)
	}
}

func TestUnknownToolFeedsBackIntoLoop(t *testing.T) {
	client := &scriptedClient{replies: []*llm.Reply{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "teleport", Args: map[string]any{}}}},
		{Text: "Sorry, I can't do that."},
	}}
	session, store := testSession(t, client)

	result, err := session.Run(context.Background(), Input{Text: "teleport me"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// Unknown tools are recoverable: the loop continues and the model
	// answers after seeing the failure result.
	if result.State != StateCompleted {
		t.Errorf("state = %q, want completed", result.State)
	}

	msgs, _ := store.All(context.Background(), testScope)
	results := msgs[2].ToolResults()
	if len(results) != 1 || results[0].OK || !strings.Contains(results[0].Reason, "unknown tool") {
		t.Errorf("tool message = %+v", msgs[2])
	}
}

func TestRetrievalAugmentsModelTextOnly(t *testing.T) {
	client := &scriptedClient{replies: []*llm.Reply{{Text: "Acme was founded in 1999. [1]"}}}
	session, store := testSession(t, client, func(_ *Config, deps *Deps) {
		mgr := retrieval.NewManager("mock")
		mgr.Register(&stubProvider{results: []retrieval.Result{
			{Title: "Acme history", URL: "https://acme.example/about", Snippet: "Founded 1999"},
		}})
		deps.Augmenter = retrieval.NewAugmenter(mgr, nil, nil)
	})

	result, err := session.Run(context.Background(), Input{Text: "when was Acme founded?", Retrieve: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Retrieval == nil || result.Retrieval.Count != 1 {
		t.Errorf("retrieval context = %+v", result.Retrieval)
	}

	// The model sees the sources and citation instructions.
	sent := client.requests[0].History
	lastSent := sent[len(sent)-1]
	if !strings.Contains(lastSent.Text(), "Acme history") || !strings.Contains(lastSent.Text(), "cite") {
		t.Errorf("model did not receive retrieval block: %q", lastSent.Text())
	}

	// The stored user message stays untouched.
	msgs, _ := store.All(context.Background(), testScope)
	if msgs[0].Text() != "when was Acme founded?" {
		t.Errorf("stored user message altered: %q", msgs[0].Text())
	}

	// Retrieval metadata travels with the assistant turn it informed.
	final := msgs[len(msgs)-1]
	if final.Metadata["retrieval"] == nil {
		t.Errorf("retrieval metadata missing: %+v", final.Metadata)
	}
}

func TestRetrievalFailureDegradesSilently(t *testing.T) {
	client := &scriptedClient{replies: []*llm.Reply{{Text: "best guess answer"}}}
	session, _ := testSession(t, client, func(_ *Config, deps *Deps) {
		mgr := retrieval.NewManager("mock")
		mgr.Register(&stubProvider{err: errors.New("search down")})
		deps.Augmenter = retrieval.NewAugmenter(mgr, nil, nil)
	})

	result, err := session.Run(context.Background(), Input{Text: "question", Retrieve: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.State != StateCompleted || result.Retrieval != nil {
		t.Errorf("result = %+v, want completed without retrieval", result)
	}
}

func TestAttachmentStoredOnceAndReferenced(t *testing.T) {
	call := llm.ToolCall{ID: "c1", Name: "createTask", Args: map[string]any{"title": "review"}}
	client := &scriptedClient{replies: []*llm.Reply{
		{ToolCalls: []llm.ToolCall{call}},
		{Text: "Filed."},
	}}
	session, store := testSession(t, client)

	_, err := session.Run(context.Background(), Input{
		Text:        "upload and create a review task",
		Attachments: []Attachment{{Name: "q3.pdf", MIME: "application/pdf", Data: []byte("pdfbytes")}},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// The first model request carries the raw bytes.
	first := client.requests[0].History
	var sawInline bool
	for _, p := range first[len(first)-1].Parts {
		if p.InlineFile != nil && p.InlineFile.Name == "q3.pdf" {
			sawInline = true
		}
	}
	if !sawInline {
		t.Error("outgoing message missing inline file")
	}

	// The stored user message references the file by name and ID.
	msgs, _ := store.All(context.Background(), testScope)
	if !strings.Contains(msgs[0].Text(), "q3.pdf") || !strings.Contains(msgs[0].Text(), "stored as") {
		t.Errorf("stored user message = %q", msgs[0].Text())
	}

	// The next turn replays history from the store, so the bytes are
	// never sent twice.
	if _, err := session.Run(context.Background(), Input{Text: "thanks"}); err != nil {
		t.Fatalf("second turn: %v", err)
	}
	last := client.requests[len(client.requests)-1]
	for _, m := range last.History {
		for _, p := range m.Parts {
			if p.InlineFile != nil {
				t.Error("raw bytes resent on a later turn")
			}
		}
	}
}

func TestNudgeOnEmptyAfterTools(t *testing.T) {
	call := llm.ToolCall{ID: "c1", Name: "createTask", Args: map[string]any{"title": "x"}}
	client := &scriptedClient{replies: []*llm.Reply{
		{ToolCalls: []llm.ToolCall{call}},
		{Text: ""},
		{Text: "Task created."},
	}}
	session, store := testSession(t, client)

	result, err := session.Run(context.Background(), Input{Text: "create a task"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if client.calls() != 3 {
		t.Errorf("model calls = %d, want 3 (one nudge)", client.calls())
	}
	if result.Text != "Task created." {
		t.Errorf("text = %q", result.Text)
	}

	// The nudge is never persisted.
	msgs, _ := store.All(context.Background(), testScope)
	if len(msgs) != 4 {
		t.Errorf("stored %d messages, want 4", len(msgs))
	}
}

func TestEmptyResponseFallback(t *testing.T) {
	client := &scriptedClient{replies: []*llm.Reply{{Text: ""}}}
	session, _ := testSession(t, client)

	result, err := session.Run(context.Background(), Input{Text: "hello"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Text == "" {
		t.Error("empty terminal text surfaced to the user")
	}
}

func TestSanitizerAppliedToTerminalText(t *testing.T) {
	client := &scriptedClient{replies: []*llm.Reply{
		{Text: "Spending:\n```chart\n[{\"name\":\"Travel\",\"value\":120}]\n```"},
	}}
	session, store := testSession(t, client)

	result, err := session.Run(context.Background(), Input{Text: "show my spending"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Contains(result.Text, "```") {
		t.Errorf("fence delimiter leaked: %q", result.Text)
	}
	if !strings.Contains(result.Text, "| Travel | 120 |") {
		t.Errorf("chart not rendered: %q", result.Text)
	}

	msgs, _ := store.All(context.Background(), testScope)
	if msgs[len(msgs)-1].Text() != result.Text {
		t.Error("stored text differs from returned text")
	}
}

// stubProvider is a minimal retrieval.Provider for loop tests.
type stubProvider struct {
	results []retrieval.Result
	err     error
}

func (s *stubProvider) Name() string { return "mock" }
func (s *stubProvider) Search(_ context.Context, _ string, _ retrieval.Options) ([]retrieval.Result, error) {
	return s.results, s.err
}
