package conversation

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/hivedesk/assistant/internal/llm"
)

// ExportText renders the scope's history as a plain-text transcript.
// Tool calls and results are summarized on one line each; inline file
// bytes are replaced by a name reference.
func (s *Store) ExportText(ctx context.Context, scope Scope) (string, error) {
	messages, err := s.All(ctx, scope)
	if err != nil {
		return "", err
	}
	return Transcript(messages), nil
}

// ExportHTML renders the scope's transcript as HTML. Assistant messages
// are markdown and converted with goldmark; other roles are emitted as
// preformatted text.
func (s *Store) ExportHTML(ctx context.Context, scope Scope) (string, error) {
	messages, err := s.All(ctx, scope)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("<div class=\"transcript\">\n")
	for _, m := range messages {
		b.WriteString(fmt.Sprintf("<section class=\"message message-%s\">\n", m.Role))
		if m.Role == llm.RoleAssistant {
			var buf bytes.Buffer
			if err := goldmark.Convert([]byte(renderMessage(m)), &buf); err != nil {
				return "", fmt.Errorf("render assistant markdown: %w", err)
			}
			b.Write(buf.Bytes())
		} else {
			b.WriteString("<pre>")
			b.WriteString(htmlEscape(renderMessage(m)))
			b.WriteString("</pre>\n")
		}
		b.WriteString("</section>\n")
	}
	b.WriteString("</div>\n")
	return b.String(), nil
}

// Transcript renders messages as a plain-text transcript.
func Transcript(messages []llm.Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(fmt.Sprintf("[%s]\n%s\n", m.Role, renderMessage(m)))
	}
	return b.String()
}

func renderMessage(m llm.Message) string {
	var lines []string
	for _, p := range m.Parts {
		switch {
		case p.Text != "":
			lines = append(lines, p.Text)
		case p.InlineFile != nil:
			lines = append(lines, fmt.Sprintf("(attached file: %s, %s, %d bytes)",
				p.InlineFile.Name, p.InlineFile.MIME, len(p.InlineFile.Data)))
		case p.ToolCall != nil:
			lines = append(lines, fmt.Sprintf("→ %s(%s)", p.ToolCall.Name, compactArgs(p.ToolCall.Args)))
		case p.ToolResult != nil:
			if p.ToolResult.OK {
				lines = append(lines, fmt.Sprintf("← %s: ok", p.ToolResult.Name))
			} else {
				lines = append(lines, fmt.Sprintf("← %s: failed: %s", p.ToolResult.Name, p.ToolResult.Reason))
			}
		}
	}
	return strings.Join(lines, "\n")
}

func compactArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	// Stable order keeps exports diffable.
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = fmt.Sprintf("%s=%v", k, args[k])
	}
	return strings.Join(pairs, ", ")
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
