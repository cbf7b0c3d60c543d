// Package history derives the bounded "relevant history" subset sent to
// the model and prunes oversized tool-result payloads before they are
// stored or resent.
package history

import (
	"encoding/json"
	"log/slog"

	"github.com/tiktoken-go/tokenizer"

	"github.com/hivedesk/assistant/internal/llm"
)

// Options configures a Reducer.
type Options struct {
	// MaxMessages is the number of most recent messages kept in the
	// window. Default 15.
	MaxMessages int

	// TokenBudget further trims the selected window from the oldest end
	// when its token estimate exceeds this value. Zero disables token
	// trimming.
	TokenBudget int

	// Prune caps applied to stored and resent tool results.
	Prune PruneOptions
}

// Reducer selects the message window sent to the model. The invariant it
// protects: a tool-call message and its matching tool-result message are
// never split across the cut boundary.
type Reducer struct {
	maxMessages int
	tokenBudget int
	prune       PruneOptions
	codec       tokenizer.Codec
	logger      *slog.Logger
}

// New creates a reducer. A nil logger discards diagnostics.
func New(opts Options, logger *slog.Logger) *Reducer {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 15
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	r := &Reducer{
		maxMessages: opts.MaxMessages,
		tokenBudget: opts.TokenBudget,
		prune:       opts.Prune.withDefaults(),
		logger:      logger,
	}

	if opts.TokenBudget > 0 {
		// Cl100kBase is close enough for budgeting across the gateway's
		// model lineup; exact counts are the gateway's concern.
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			logger.Warn("tokenizer unavailable, falling back to byte estimate", "error", err)
		} else {
			r.codec = codec
		}
	}

	return r
}

// RelevantHistory returns the most recent window of messages, extended
// backward when the cut would separate a tool call from its result, then
// trimmed forward (pairs kept whole) while the token budget is exceeded.
// The input slice is never mutated.
func (r *Reducer) RelevantHistory(all []llm.Message) []llm.Message {
	cut := len(all) - r.maxMessages
	if cut < 0 {
		cut = 0
	}

	// A tool message's calls live in the assistant message immediately
	// before it. Walk the cut backward until the window opens on
	// something other than an orphaned tool message.
	for cut > 0 && all[cut].Role == llm.RoleTool {
		cut--
	}

	if r.tokenBudget > 0 {
		cut = r.trimToBudget(all, cut)
	}

	return all[cut:]
}

// trimToBudget advances the cut past whole turns until the window fits
// the token budget. The newest two messages are always kept so the model
// sees at least the current exchange.
func (r *Reducer) trimToBudget(all []llm.Message, cut int) int {
	for r.estimate(all[cut:]) > r.tokenBudget && len(all)-cut > 2 {
		step := 1
		if all[cut].HasToolCalls() && cut+1 < len(all) && all[cut+1].Role == llm.RoleTool {
			// Drop the call and its result together.
			step = 2
		}
		if len(all)-(cut+step) < 2 {
			break
		}
		cut += step
	}
	return cut
}

// estimate approximates the token cost of a message window. Tool calls
// and results are counted via their JSON encoding since that is how they
// travel on the wire.
func (r *Reducer) estimate(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		for _, p := range m.Parts {
			switch {
			case p.Text != "":
				total += r.countTokens(p.Text)
			case p.InlineFile != nil:
				// Base64 expansion: roughly one token per three bytes.
				total += len(p.InlineFile.Data) / 3
			case p.ToolCall != nil:
				raw, _ := json.Marshal(p.ToolCall)
				total += r.countTokens(string(raw))
			case p.ToolResult != nil:
				raw, _ := json.Marshal(p.ToolResult)
				total += r.countTokens(string(raw))
			}
		}
	}
	return total
}

func (r *Reducer) countTokens(text string) int {
	if r.codec != nil {
		if _, tokens, err := r.codec.Encode(text); err == nil {
			return len(tokens)
		}
	}
	// Fallback: ~4 bytes per token for English-ish text.
	return len(text) / 4
}
