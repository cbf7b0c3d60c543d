// Package actions maps model-issued tool calls to workspace domain
// actions. The registry is a closed, typed set of named actions; the
// dispatcher executes one model turn's calls concurrently and is the
// sole producer of tool results.
package actions

import (
	"context"
	"sort"

	"github.com/hivedesk/assistant/internal/llm"
)

// Handler executes one action. The returned string is a human-readable
// summary when data is nil; data, when non-nil, becomes the structured
// success payload.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Action is one callable workspace action.
type Action struct {
	Name        string
	Description string
	// Parameters is a JSON Schema fragment describing the arguments.
	Parameters map[string]any
	Handler    Handler
}

// Registry holds the available actions. Registration happens at startup;
// the registry is read-only afterward, so lookups need no locking.
type Registry struct {
	actions map[string]*Action
}

// NewRegistry creates an empty action registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]*Action)}
}

// Register adds an action to the registry, replacing any previous action
// with the same name.
func (r *Registry) Register(a *Action) {
	r.actions[a.Name] = a
}

// Get retrieves an action by name, or nil if unregistered.
func (r *Registry) Get(name string) *Action {
	return r.actions[name]
}

// Specs returns the tool specifications offered to the model, sorted by
// name for stable prompts.
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.actions))
	for _, a := range r.actions {
		specs = append(specs, llm.ToolSpec{
			Name:        a.Name,
			Description: a.Description,
			Parameters:  a.Parameters,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Names returns all registered action names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
