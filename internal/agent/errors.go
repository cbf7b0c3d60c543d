package agent

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hivedesk/assistant/internal/llm"
	"github.com/hivedesk/assistant/internal/quota"
	"github.com/hivedesk/assistant/internal/ratelimit"
)

// ErrBusy is returned when a new submission arrives while a turn for the
// same scope is still in flight. The caller should ignore the submission
// or surface a "still thinking" indicator; it must not queue it.
var ErrBusy = errors.New("a turn is already in flight for this scope")

// TooManyIterationsError is the terminal error when the model keeps
// requesting tool rounds past the configured cap.
type TooManyIterationsError struct {
	Max int
}

func (e *TooManyIterationsError) Error() string {
	return fmt.Sprintf("tool loop exceeded %d iterations", e.Max)
}

// classify maps a terminal error onto the turn's final state.
func classify(err error) State {
	var (
		rateErr  *ratelimit.Error
		quotaErr *quota.Error
		modErr   *llm.ModerationError
		iterErr  *TooManyIterationsError
	)
	switch {
	case errors.As(err, &rateErr):
		return StateRateBlocked
	case errors.As(err, &quotaErr):
		return StateQuotaBlocked
	case errors.As(err, &modErr):
		return StateModeration
	case errors.As(err, &iterErr):
		return StateIterationCap
	default:
		return StateTransport
	}
}

// terminalText renders the single user-visible assistant message for a
// terminal error. Rate and quota messages carry the exact numbers the
// caller needs to act on.
func terminalText(err error) string {
	var (
		rateErr  *ratelimit.Error
		quotaErr *quota.Error
		modErr   *llm.ModerationError
		iterErr  *TooManyIterationsError
	)
	switch {
	case errors.As(err, &rateErr):
		secs := int(math.Ceil(rateErr.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		return fmt.Sprintf("You're sending requests too quickly. Please wait %d seconds and try again.", secs)
	case errors.As(err, &quotaErr):
		return fmt.Sprintf("Your %q plan's AI allowance is used up (%d of %d requests). Upgrade your plan or wait for your allowance to reset.",
			quotaErr.Plan, quotaErr.Used, quotaErr.Limit)
	case errors.As(err, &modErr):
		if modErr.Stage == llm.StageOutput {
			return "The generated response was withheld by our content filters. Please try a different request."
		}
		return "Your message was flagged by our content filters and can't be processed. Please rephrase and try again."
	case errors.As(err, &iterErr):
		return "I couldn't finish this request within the allowed number of action steps. Please try breaking it into smaller pieces."
	default:
		return "Something went wrong reaching the AI service. Please try again in a moment."
	}
}

// retryAfter extracts the rate-limit backoff from a terminal error, zero
// when not rate-related.
func retryAfter(err error) time.Duration {
	var rateErr *ratelimit.Error
	if errors.As(err, &rateErr) {
		return rateErr.RetryAfter
	}
	return 0
}
