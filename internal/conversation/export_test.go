package conversation

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hivedesk/assistant/internal/llm"
)

func seedTranscript(t *testing.T, store *Store) {
	t.Helper()
	ctx := context.Background()
	call := llm.ToolCall{ID: "c1", Name: "createTask", Args: map[string]any{"due_date": "2026-03-02", "title": "call Acme"}}

	msgs := []llm.Message{
		llm.TextMessage(llm.RoleUser, "create a task to call Acme"),
		{Role: llm.RoleAssistant, Parts: []llm.Part{llm.CallPart(call)}},
		llm.ToolMessage([]llm.ToolResult{llm.Succeed(call, json.RawMessage(`{"success":true}`))}),
		llm.TextMessage(llm.RoleAssistant, "Done — **task created**."),
	}
	for _, m := range msgs {
		if err := store.Append(ctx, testScope, m); err != nil {
			t.Fatal(err)
		}
	}
}

func TestExportText(t *testing.T) {
	store := setupTestStore(t)
	seedTranscript(t, store)

	out, err := store.ExportText(context.Background(), testScope)
	if err != nil {
		t.Fatalf("export text: %v", err)
	}

	for _, want := range []string{
		"[user]",
		"create a task to call Acme",
		// Args render sorted for diffable exports.
		"→ createTask(due_date=2026-03-02, title=call Acme)",
		"← createTask: ok",
		"[assistant]",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("transcript missing %q:\n%s", want, out)
		}
	}
}

func TestExportTextFailedCall(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	call := llm.ToolCall{ID: "c1", Name: "logExpense"}
	if err := store.Append(ctx, testScope,
		llm.ToolMessage([]llm.ToolResult{llm.Fail(call, "currency is required")})); err != nil {
		t.Fatal(err)
	}

	out, err := store.ExportText(ctx, testScope)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "← logExpense: failed: currency is required") {
		t.Errorf("transcript missing failure line:\n%s", out)
	}
}

func TestExportHTML(t *testing.T) {
	store := setupTestStore(t)
	seedTranscript(t, store)

	out, err := store.ExportHTML(context.Background(), testScope)
	if err != nil {
		t.Fatalf("export html: %v", err)
	}

	// Assistant markdown is rendered; other roles stay preformatted.
	if !strings.Contains(out, "<strong>task created</strong>") {
		t.Errorf("assistant markdown not rendered:\n%s", out)
	}
	if !strings.Contains(out, "<pre>create a task to call Acme") {
		t.Errorf("user message not preformatted:\n%s", out)
	}
	if !strings.Contains(out, `class="message message-tool"`) {
		t.Errorf("tool message section missing:\n%s", out)
	}
}

func TestExportHTMLEscapesUserText(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	if err := store.Append(ctx, testScope,
		llm.TextMessage(llm.RoleUser, `<script>alert(1)</script>`)); err != nil {
		t.Fatal(err)
	}

	out, err := store.ExportHTML(ctx, testScope)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "<script>") {
		t.Error("user HTML not escaped")
	}
	if !strings.Contains(out, "&lt;script&gt;") {
		t.Error("escaped form missing")
	}
}

func TestTranscriptInlineFile(t *testing.T) {
	msg := llm.Message{Role: llm.RoleUser, Parts: []llm.Part{
		llm.TextPart("here is the doc"),
		llm.FilePart("q3.pdf", "application/pdf", make([]byte, 1024)),
	}}
	out := Transcript([]llm.Message{msg})
	if !strings.Contains(out, "(attached file: q3.pdf, application/pdf, 1024 bytes)") {
		t.Errorf("file reference missing:\n%s", out)
	}
}
