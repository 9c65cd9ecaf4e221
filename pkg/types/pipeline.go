// Package types defines the shared data model for researchd runs:
// pipelines, task results, events, and tool call records.
package types

import (
	"encoding/json"
	"time"
)

// Record is a named, loosely-typed value set produced by tools and agents.
// Output records are always checked against a JSON Schema before they cross
// a component boundary.
type Record = map[string]any

// NodeSpec describes one task node in a pipeline: which agent role owns it,
// what it is trying to produce, and which predecessors feed it.
type NodeSpec struct {
	// ID is the node identifier, unique within the pipeline.
	ID string `json:"id"`

	// Role names the agent persona responsible for this node
	// (e.g. "research_analyst").
	Role string `json:"role"`

	// Goal is the instruction the agent pursues.
	Goal string `json:"goal"`

	// DependsOn lists predecessor node IDs whose outputs feed this node.
	DependsOn []string `json:"depends_on,omitempty"`

	// Tools is the allowlist of tool names this node's agent may call.
	// Empty means no tools.
	Tools []string `json:"tools,omitempty"`

	// OutputSchema is the JSON Schema the node's final answer must satisfy.
	OutputSchema json.RawMessage `json:"output_schema"`

	// MaxIterations overrides the configured reasoning iteration budget
	// for this node (0 = use default).
	MaxIterations int `json:"max_iterations,omitempty"`
}

// Pipeline is a directed acyclic set of task nodes submitted as one run.
type Pipeline struct {
	Name  string     `json:"name"`
	Nodes []NodeSpec `json:"nodes"`
}

// RunContext carries the immutable initial inputs of a run (subject ticker,
// date range, ...). It is created once per run and read-only thereafter;
// Clone is for callers that need to hand out a copy.
type RunContext map[string]string

// Clone returns an independent copy of the context.
func (c RunContext) Clone() RunContext {
	if c == nil {
		return nil
	}
	out := make(RunContext, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// SubmitRequest is the wire form of a run submission.
type SubmitRequest struct {
	Pipeline  Pipeline   `json:"pipeline"`
	Context   RunContext `json:"context,omitempty"`
	AutoStart bool       `json:"auto_start,omitempty"`
}

// RunMeta is the lightweight view of a run used by listings and the SSE
// handshake.
type RunMeta struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Status     RunStatus  `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Run is the full stored view of a run.
type Run struct {
	RunMeta
	Pipeline *Pipeline  `json:"pipeline,omitempty"`
	Context  RunContext `json:"context,omitempty"`
}
