package agent

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hivedesk/assistant/internal/llm"
	"github.com/hivedesk/assistant/internal/quota"
	"github.com/hivedesk/assistant/internal/ratelimit"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want State
	}{
		{"rate", &ratelimit.Error{RetryAfter: time.Second}, StateRateBlocked},
		{"quota", &quota.Error{State: quota.State{Plan: "free", Used: 25, Limit: 25}}, StateQuotaBlocked},
		{"moderation", &llm.ModerationError{Stage: llm.StageInput}, StateModeration},
		{"iterations", &TooManyIterationsError{Max: 10}, StateIterationCap},
		{"transport", &llm.TransportError{Status: 502, Message: "bad gateway"}, StateTransport},
		{"plain", errors.New("dial tcp: refused"), StateTransport},
	}
	for _, tt := range tests {
		if got := classify(tt.err); got != tt.want {
			t.Errorf("%s: classify = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestTerminalTextRate(t *testing.T) {
	got := terminalText(&ratelimit.Error{RetryAfter: 54500 * time.Millisecond})
	if !strings.Contains(got, "55 seconds") {
		t.Errorf("retry seconds not rounded up: %q", got)
	}

	// Sub-second waits still tell the user to wait at least one second.
	got = terminalText(&ratelimit.Error{RetryAfter: 200 * time.Millisecond})
	if !strings.Contains(got, "1 second") {
		t.Errorf("sub-second floor missing: %q", got)
	}
}

func TestTerminalTextQuota(t *testing.T) {
	got := terminalText(&quota.Error{State: quota.State{Plan: "free", Used: 25, Limit: 25}})
	for _, want := range []string{`"free"`, "25 of 25"} {
		if !strings.Contains(got, want) {
			t.Errorf("quota text missing %q: %q", want, got)
		}
	}
}

func TestTerminalTextModerationStages(t *testing.T) {
	in := terminalText(&llm.ModerationError{Stage: llm.StageInput})
	out := terminalText(&llm.ModerationError{Stage: llm.StageOutput})
	if in == out {
		t.Error("input and output moderation share one message")
	}
	if !strings.Contains(in, "rephrase") {
		t.Errorf("input text = %q", in)
	}
	if !strings.Contains(out, "withheld") {
		t.Errorf("output text = %q", out)
	}
}

func TestRetryAfter(t *testing.T) {
	if got := retryAfter(&ratelimit.Error{RetryAfter: 3 * time.Second}); got != 3*time.Second {
		t.Errorf("retryAfter = %v", got)
	}
	if got := retryAfter(errors.New("other")); got != 0 {
		t.Errorf("retryAfter(non-rate) = %v, want 0", got)
	}
}
