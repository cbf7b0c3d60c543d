package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hivedesk/assistant/internal/events"
)

// Context is the metadata of one retrieval pass, recorded alongside the
// turn it augmented.
type Context struct {
	Query     string    `json:"query"`
	Provider  string    `json:"provider"`
	Count     int       `json:"count"`
	FetchedAt time.Time `json:"fetched_at"`
	Hits      []Result  `json:"hits"`
}

// Augmenter wraps a manager and produces prompt-ready context blocks.
// Retrieval is best-effort: a failed or empty pass yields no block and
// the turn proceeds without augmentation.
type Augmenter struct {
	manager *Manager
	logger  *slog.Logger
	bus     *events.Bus
}

// NewAugmenter creates an augmenter. Bus may be nil.
func NewAugmenter(manager *Manager, logger *slog.Logger, bus *events.Bus) *Augmenter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Augmenter{manager: manager, logger: logger, bus: bus}
}

// Augment runs one retrieval pass for the query and returns the context
// block to prepend to the model request, plus the pass metadata. A nil
// Context means the turn should proceed unaugmented; Augment never
// returns an error to the caller.
func (a *Augmenter) Augment(ctx context.Context, query string, opts Options) (string, *Context) {
	if a == nil || a.manager == nil || !a.manager.Configured() {
		return "", nil
	}

	hits, err := a.manager.Search(ctx, query, opts)
	if err != nil {
		a.logger.Warn("retrieval failed, continuing without context",
			"provider", a.manager.Primary(), "error", err)
		return "", nil
	}
	if len(hits) == 0 {
		a.logger.Debug("retrieval returned no results", "query", query)
		return "", nil
	}

	rc := &Context{
		Query:     query,
		Provider:  a.manager.Primary(),
		Count:     len(hits),
		FetchedAt: time.Now().UTC(),
		Hits:      hits,
	}

	a.bus.Publish(events.KindRetrieval, map[string]any{
		"provider": rc.Provider,
		"count":    rc.Count,
	})
	a.logger.Debug("retrieval augmented turn", "provider", rc.Provider, "hits", rc.Count)

	return FormatBlock(hits), rc
}

// FormatBlock renders retrieved hits as a numbered source list the
// model can cite by index.
func FormatBlock(hits []Result) string {
	var b strings.Builder
	b.WriteString("Web context (cite sources by number):\n")
	for i, h := range hits {
		fmt.Fprintf(&b, "[%d] %s\n    %s\n", i+1, h.Title, h.URL)
		if h.Snippet != "" {
			fmt.Fprintf(&b, "    %s\n", h.Snippet)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
