// Package tool defines the tool contract, the registry agents resolve tools
// from, and the invoker that executes calls with timeout and retry.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quantfolio/researchd/pkg/types"
)

// Tool is an executable capability an agent may invoke. Implementations must
// be safe for concurrent use and must honor context cancellation.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	// Timeout returns the per-attempt deadline for this tool. Zero means
	// the invoker default applies.
	Timeout() time.Duration
	Invoke(ctx context.Context, args types.Record) (types.Record, error)
}

// Registry holds the tools available to a deployment. Registration happens
// at startup; lookups are concurrent.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Duplicate names are rejected.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool with empty name")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the schema descriptors for all registered tools, sorted by
// name. Used by the API tool listing and by backend prompts.
func (r *Registry) Schemas() []types.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]types.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		schemas = append(schemas, types.ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// Subset returns the schemas for the named tools only, preserving the given
// order. Unknown names are skipped.
func (r *Registry) Subset(names []string) []types.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]types.ToolSchema, 0, len(names))
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			schemas = append(schemas, types.ToolSchema{
				Name:        t.Name(),
				Description: t.Description(),
				InputSchema: t.InputSchema(),
			})
		}
	}
	return schemas
}

// Transient wraps an error as a retryable tool failure.
func Transient(toolName string, err error) error {
	return &types.ToolError{Kind: types.ToolTransient, Tool: toolName, Err: err}
}

// Permanent wraps an error as a non-retryable tool failure.
func Permanent(toolName string, err error) error {
	return &types.ToolError{Kind: types.ToolPermanent, Tool: toolName, Err: err}
}
