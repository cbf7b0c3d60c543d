// Package quota gates model calls on plan-based usage ceilings. The
// workspace backend owns and serializes the usage counters; this package
// only classifies the backend-reported state. It is orthogonal to the
// local rate limiter: the limiter is time-based and local, the quota is
// authoritative and plan-scoped.
package quota

import (
	"context"
	"fmt"
)

// State is the backend-reported usage for one workspace/user scope.
// Read-only to the orchestrator.
type State struct {
	Plan  string `json:"plan"`
	Used  int    `json:"used"`
	Limit int    `json:"limit"`
}

// Remaining returns the allowance left on the plan. Never negative.
func (s State) Remaining() int {
	if s.Used >= s.Limit {
		return 0
	}
	return s.Limit - s.Used
}

// Exhausted reports whether the plan ceiling has been reached.
// A zero limit means the plan has no AI allowance at all.
func (s State) Exhausted() bool {
	return s.Used >= s.Limit
}

// Error is the terminal error for an exhausted plan. It carries the exact
// usage, limit, and plan so callers can render a precise remaining-
// allowance message. Never confuse it with a transport failure.
type Error struct {
	State
}

func (e *Error) Error() string {
	return fmt.Sprintf("plan %q quota exhausted: %d/%d requests used", e.Plan, e.Used, e.Limit)
}

// UsageProvider reports the authoritative plan usage for a scope key.
// The workspace backend implements this.
type UsageProvider interface {
	Usage(ctx context.Context, scopeKey string) (State, error)
}

// Gate pre-checks plan usage before a model call.
type Gate struct {
	provider UsageProvider
}

// NewGate creates a quota gate backed by the given provider.
func NewGate(provider UsageProvider) *Gate {
	return &Gate{provider: provider}
}

// Check returns nil when the scope still has allowance, a [*Error] when
// the plan is exhausted, and a wrapped provider error when the state
// could not be learned.
func (g *Gate) Check(ctx context.Context, scopeKey string) (State, error) {
	state, err := g.provider.Usage(ctx, scopeKey)
	if err != nil {
		return State{}, fmt.Errorf("fetch quota state: %w", err)
	}
	if state.Exhausted() {
		return state, &Error{State: state}
	}
	return state, nil
}
