// Package prompts contains the LLM prompt text the assistant sends.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation, benefit from
// compile-time embedding, and can be validated by tests.
package prompts

import (
	"fmt"
	"strings"
	"time"
)

// systemTemplate is the base system prompt. The two format verbs are the
// feature surface name and the current date.
const systemTemplate = `You are the workspace assistant embedded in the %s surface of a team
productivity app. You help users manage tasks, notes, CRM records,
contacts, meetings, expenses, documents, and settings.

Today's date is %s.

Guidelines:
- Be concise. Answer in markdown.
- When the user asks you to create or change something, use the
  available tools rather than describing what you would do.
- Report tool outcomes truthfully. If an action failed, say so and
  explain what the user can do about it.
- Never invent record IDs or pretend an action succeeded.`

// SystemPrompt returns the assembled system prompt for a feature
// surface. Extra sections (persona overrides from configuration) are
// appended verbatim, separated by blank lines.
func SystemPrompt(feature string, now time.Time, extras ...string) string {
	if feature == "" {
		feature = "workspace"
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(systemTemplate, feature, now.Format("Monday, January 2, 2006")))
	for _, extra := range extras {
		if extra == "" {
			continue
		}
		sb.WriteString("\n\n")
		sb.WriteString(extra)
	}
	return sb.String()
}

// CitationInstructions is appended to the system prompt for turns that
// carry retrieved web context. It tells the model how to cite.
const CitationInstructions = `Web context from a live search is included with this request. When your
answer draws on it, cite sources inline by bracketed number, e.g. [2],
and end your answer with a "Sources:" list of the cited entries.`

// EmptyResponseNudge is injected when the model returns no content
// after executing tool calls, giving it one more chance to produce a
// user-visible response.
const EmptyResponseNudge = "You executed tool calls but did not provide a response to the user. Please respond now."

// EmptyResponseFallback is the user-facing message when the model fails
// to produce content even after being nudged.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."

// AttachmentNote renders the durable reference to a stored attachment
// that replaces inline file bytes in conversation history.
func AttachmentNote(name, fileID string) string {
	return fmt.Sprintf("[attached file %q, stored as %s]", name, fileID)
}
