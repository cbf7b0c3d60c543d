package llm

import "context"

// Client is the model gateway interface the agent loop depends on.
// Respond blocks until the model produces a reply or fails with one of
// the typed errors: [*TransportError] for network/service failure,
// [*ModerationError] when input or output is flagged, or
// [*quota.Error] (via errors.As) when plan usage is exhausted.
type Client interface {
	Respond(ctx context.Context, req Request) (*Reply, error)
}
