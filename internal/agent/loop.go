// Package agent runs the conversational turn state machine: admission,
// model requests, tool rounds, and terminal handling. One Session serves
// one conversation scope; a turn is one user submission through to a
// terminal assistant response.
package agent

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hivedesk/assistant/internal/actions"
	"github.com/hivedesk/assistant/internal/conversation"
	"github.com/hivedesk/assistant/internal/events"
	"github.com/hivedesk/assistant/internal/filestore"
	"github.com/hivedesk/assistant/internal/history"
	"github.com/hivedesk/assistant/internal/llm"
	"github.com/hivedesk/assistant/internal/metrics"
	"github.com/hivedesk/assistant/internal/prompts"
	"github.com/hivedesk/assistant/internal/quota"
	"github.com/hivedesk/assistant/internal/ratelimit"
	"github.com/hivedesk/assistant/internal/retrieval"
	"github.com/hivedesk/assistant/internal/sanitize"
)

// State is a turn's terminal state.
type State string

// Terminal states. A turn always ends in exactly one of these.
const (
	StateCompleted    State = "completed"
	StateRateBlocked  State = "rate_blocked"
	StateQuotaBlocked State = "quota_blocked"
	StateModeration   State = "moderation"
	StateIterationCap State = "iteration_cap"
	StateTransport    State = "transport"
)

// Config tunes one session.
type Config struct {
	// Model is the gateway model identifier.
	Model string

	// SystemPrompt is sent with every model request.
	SystemPrompt string

	// MaxToolIterations caps model/tool round-trips per turn. Default 10.
	MaxToolIterations int

	// RetrievalCount is the number of hits requested per retrieval pass.
	RetrievalCount int
}

// Deps are the session's collaborators. Gate, Augmenter, Files, Usage,
// Bus, and Metrics are optional; Logger defaults to discard.
type Deps struct {
	Store      *conversation.Store
	Reducer    *history.Reducer
	Limiter    *ratelimit.Limiter
	Gate       *quota.Gate
	Client     llm.Client
	Registry   *actions.Registry
	Dispatcher *actions.Dispatcher
	Augmenter  *retrieval.Augmenter
	Sanitizer  *sanitize.Sanitizer
	Files      *filestore.Store
	Usage      *quota.Store
	Logger     *slog.Logger
	Bus        *events.Bus
	Metrics    *metrics.Collector
}

// Attachment is one file included with a user submission.
type Attachment struct {
	Name string
	MIME string
	Data []byte
}

// Input is one user submission.
type Input struct {
	Text        string
	Attachments []Attachment

	// ForceTools overrides the action-intent heuristic when non-nil.
	ForceTools *bool

	// Retrieve asks for a web retrieval pass before the first model call.
	Retrieve      bool
	RetrievalMode retrieval.Mode
}

// Result is a finished turn. Err carries the terminal error for blocked
// or failed turns; Text is always the user-visible assistant message.
type Result struct {
	State      State
	Text       string
	Iterations int
	Err        error
	RetryAfter time.Duration
	Quota      *quota.State
	Retrieval  *retrieval.Context
}

// Session drives turns for one conversation scope. It is constructed
// per scope, never shared across scopes; the rate limiter inside it is
// scope-local by construction.
type Session struct {
	scope   conversation.Scope
	cfg     Config
	deps    Deps
	running atomic.Bool
}

// New creates a session for a scope.
func New(scope conversation.Scope, cfg Config, deps Deps) *Session {
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = 10
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Sanitizer == nil {
		deps.Sanitizer = sanitize.New("", "")
	}
	return &Session{scope: scope, cfg: cfg, deps: deps}
}

// Scope returns the session's conversation scope.
func (s *Session) Scope() conversation.Scope { return s.scope }

// Run executes one turn. A second submission while a turn is in flight
// returns [ErrBusy] without touching any state. Infrastructure failures
// (storage) return a plain error; every taxonomy outcome returns a
// Result whose Text has already been appended to the conversation.
func (s *Session) Run(ctx context.Context, in Input) (*Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer s.running.Store(false)

	start := time.Now()
	s.deps.Bus.Publish(events.KindTurnStart, map[string]any{
		"scope":       s.scope.Key(),
		"text_len":    len(in.Text),
		"attachments": len(in.Attachments),
	})

	// Admission. Blocks never reach the model and append only the
	// synthetic assistant message describing the block.
	var quotaState *quota.State
	if dec := s.deps.Limiter.Admit(); !dec.Allowed {
		s.deps.Metrics.RateDenied()
		s.deps.Bus.Publish(events.KindRateBlocked, map[string]any{
			"scope":               s.scope.Key(),
			"retry_after_seconds": dec.RetryAfter.Seconds(),
		})
		return s.terminal(ctx, &ratelimit.Error{RetryAfter: dec.RetryAfter}, 0, nil, start)
	}
	if s.deps.Gate != nil {
		state, err := s.deps.Gate.Check(ctx, s.scope.Key())
		switch {
		case err == nil:
			quotaState = &state
		case classify(err) == StateQuotaBlocked:
			s.deps.Metrics.QuotaBlocked()
			s.deps.Bus.Publish(events.KindQuotaBlocked, map[string]any{
				"scope": s.scope.Key(),
				"plan":  state.Plan, "used": state.Used, "limit": state.Limit,
			})
			return s.terminal(ctx, err, 0, quotaState, start)
		default:
			// The gateway reports quota authoritatively on the call
			// itself, so a failed pre-check does not block the turn.
			s.deps.Logger.Warn("quota pre-check failed, proceeding", "error", err)
		}
	}
	s.deps.Limiter.Record()

	// Persist the user message. Attachment bytes are stored exactly once
	// per submission; the stored message carries a durable reference
	// while the outgoing copy carries the raw bytes for this turn only.
	stored, outgoing := s.userMessages(ctx, in)
	if err := s.append(ctx, stored); err != nil {
		return nil, err
	}

	all, err := s.deps.Store.All(ctx, s.scope)
	if err != nil {
		return nil, err
	}
	working := append([]llm.Message(nil), s.deps.Reducer.RelevantHistory(all)...)
	working[len(working)-1] = outgoing

	// Retrieval augments only the text sent to the model, never the
	// stored user-visible message.
	var rctx *retrieval.Context
	if in.Retrieve && s.deps.Augmenter != nil {
		block, rc := s.deps.Augmenter.Augment(ctx, in.Text, retrieval.Options{
			Count: s.cfg.RetrievalCount,
			Mode:  in.RetrievalMode,
		})
		if block != "" {
			rctx = rc
			augmented := outgoing
			augmented.Parts = append(append([]llm.Part(nil), outgoing.Parts...),
				llm.TextPart(block+"\n\n"+prompts.CitationInstructions))
			working[len(working)-1] = augmented
		}
	}

	toolsEnabled := wantsTools(in.Text)
	if in.ForceTools != nil {
		toolsEnabled = *in.ForceTools
	}

	return s.loop(ctx, working, toolsEnabled, quotaState, rctx, start)
}

// loop is the Requesting ↔ ToolPending cycle. It exits on the first
// reply without tool calls, or via the iteration cap.
func (s *Session) loop(ctx context.Context, working []llm.Message, toolsEnabled bool, quotaState *quota.State, rctx *retrieval.Context, start time.Time) (*Result, error) {
	specs := s.deps.Registry.Specs()
	iterations := 0
	nudged := false

	for {
		if iterations >= s.cfg.MaxToolIterations {
			return s.terminal(ctx, &TooManyIterationsError{Max: s.cfg.MaxToolIterations}, iterations, quotaState, start)
		}
		iterations++

		s.deps.Metrics.ModelCall()
		s.deps.Bus.Publish(events.KindModelCall, map[string]any{
			"scope":     s.scope.Key(),
			"iteration": iterations,
			"model":     s.cfg.Model,
			"messages":  len(working),
		})

		reply, err := s.deps.Client.Respond(ctx, llm.Request{
			Model:        s.cfg.Model,
			SystemPrompt: s.cfg.SystemPrompt,
			History:      working,
			Tools:        specs,
			ToolsEnabled: toolsEnabled,
		})
		if err != nil {
			return s.terminal(ctx, err, iterations, quotaState, start)
		}

		s.recordUsage(ctx, reply)
		s.deps.Bus.Publish(events.KindModelReply, map[string]any{
			"scope":      s.scope.Key(),
			"iteration":  iterations,
			"tokens_in":  reply.InputTokens,
			"tokens_out": reply.OutputTokens,
			"tool_calls": len(reply.ToolCalls),
		})

		if len(reply.ToolCalls) == 0 {
			if reply.Text == "" && iterations > 1 && !nudged {
				// Tools ran but the model went quiet. One nudge.
				nudged = true
				working = append(working, llm.TextMessage(llm.RoleUser, prompts.EmptyResponseNudge))
				continue
			}
			return s.finish(ctx, reply.Text, iterations, quotaState, rctx, start)
		}

		// Tool round: append the assistant turn with its calls, execute
		// the whole batch concurrently, answer with a single tool
		// message, and re-enter Requesting.
		assistant := llm.Message{Role: llm.RoleAssistant}
		if reply.Text != "" {
			assistant.Parts = append(assistant.Parts, llm.TextPart(reply.Text))
		}
		for _, call := range reply.ToolCalls {
			assistant.Parts = append(assistant.Parts, llm.CallPart(call))
		}
		if err := s.append(ctx, assistant); err != nil {
			return nil, err
		}
		working = append(working, assistant)

		results := s.deps.Dispatcher.ExecuteAll(ctx, reply.ToolCalls)
		for i := range results {
			results[i] = s.deps.Reducer.PruneToolResult(results[i])
		}
		toolMsg := llm.ToolMessage(results)
		if err := s.append(ctx, toolMsg); err != nil {
			return nil, err
		}
		working = append(working, toolMsg)
	}
}

// finish sanitizes and appends the terminal assistant text, attaches
// retrieval metadata, and closes out the turn.
func (s *Session) finish(ctx context.Context, text string, iterations int, quotaState *quota.State, rctx *retrieval.Context, start time.Time) (*Result, error) {
	display, stats := s.deps.Sanitizer.Sanitize(text)
	for i := 0; i < stats.BlocksDropped; i++ {
		s.deps.Metrics.BlockDropped()
	}
	if display == "" {
		display = prompts.EmptyResponseFallback
	}

	if err := s.append(ctx, llm.TextMessage(llm.RoleAssistant, display)); err != nil {
		return nil, err
	}
	if rctx != nil {
		if err := s.deps.Store.AttachMetadata(ctx, s.scope, map[string]any{"retrieval": rctx}); err != nil {
			s.deps.Logger.Warn("attach retrieval metadata failed", "error", err)
		}
	}

	s.deps.Metrics.TurnCompleted(string(StateCompleted), iterations)
	s.deps.Bus.Publish(events.KindTurnComplete, map[string]any{
		"scope":      s.scope.Key(),
		"state":      string(StateCompleted),
		"iterations": iterations,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	s.deps.Logger.Info("turn completed",
		"scope", s.scope.Key(), "iterations", iterations,
		"elapsed_ms", time.Since(start).Milliseconds())

	return &Result{
		State:      StateCompleted,
		Text:       display,
		Iterations: iterations,
		Quota:      quotaState,
		Retrieval:  rctx,
	}, nil
}

// terminal handles every taxonomy error: it appends exactly one
// user-visible assistant message describing the outcome and ends the
// turn without retry.
func (s *Session) terminal(ctx context.Context, cause error, iterations int, quotaState *quota.State, start time.Time) (*Result, error) {
	state := classify(cause)
	text := terminalText(cause)

	if err := s.append(ctx, llm.TextMessage(llm.RoleAssistant, text)); err != nil {
		return nil, err
	}

	s.deps.Metrics.TurnCompleted(string(state), iterations)
	s.deps.Bus.Publish(events.KindTurnComplete, map[string]any{
		"scope":      s.scope.Key(),
		"state":      string(state),
		"iterations": iterations,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	s.deps.Logger.Warn("turn ended in error",
		"scope", s.scope.Key(), "state", string(state), "error", cause)

	return &Result{
		State:      state,
		Text:       text,
		Iterations: iterations,
		Err:        cause,
		RetryAfter: retryAfter(cause),
		Quota:      quotaState,
	}, nil
}

// userMessages builds the stored and outgoing forms of one submission.
// Attachments are persisted once; the stored form references them by
// name and ID so history stays bounded, while the outgoing form carries
// the bytes inline for this turn's model call.
func (s *Session) userMessages(ctx context.Context, in Input) (stored, outgoing llm.Message) {
	stored = llm.Message{Role: llm.RoleUser, Parts: []llm.Part{llm.TextPart(in.Text)}}
	outgoing = llm.Message{Role: llm.RoleUser, Parts: []llm.Part{llm.TextPart(in.Text)}}

	for _, att := range in.Attachments {
		outgoing.Parts = append(outgoing.Parts, llm.FilePart(att.Name, att.MIME, att.Data))

		if s.deps.Files == nil {
			stored.Parts = append(stored.Parts, llm.FilePart(att.Name, att.MIME, att.Data))
			continue
		}
		id, err := s.deps.Files.Put(ctx, s.scope.Key(), att.Name, att.MIME, att.Data)
		if err != nil {
			s.deps.Logger.Warn("attachment store failed, keeping inline", "name", att.Name, "error", err)
			stored.Parts = append(stored.Parts, llm.FilePart(att.Name, att.MIME, att.Data))
			continue
		}
		stored.Parts = append(stored.Parts, llm.TextPart(prompts.AttachmentNote(att.Name, id)))
	}
	return stored, outgoing
}

func (s *Session) append(ctx context.Context, msg llm.Message) error {
	if err := s.deps.Store.Append(ctx, s.scope, msg); err != nil {
		return err
	}
	s.deps.Bus.Publish(events.KindMessageAppended, map[string]any{
		"scope": s.scope.Key(),
		"role":  string(msg.Role),
	})
	return nil
}

func (s *Session) recordUsage(ctx context.Context, reply *llm.Reply) {
	if s.deps.Usage == nil {
		return
	}
	err := s.deps.Usage.Record(ctx, quota.Record{
		ScopeKey:     s.scope.Key(),
		Model:        reply.Model,
		InputTokens:  reply.InputTokens,
		OutputTokens: reply.OutputTokens,
	})
	if err != nil {
		s.deps.Logger.Warn("usage record failed", "error", err)
	}
}
