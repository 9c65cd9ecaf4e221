package types

import (
	"errors"
	"fmt"
	"strings"
)

// GraphError reports a malformed pipeline, detected at graph construction.
// It is fatal: nothing is scheduled.
type GraphError struct {
	Reason string
	// Nodes lists offending node IDs (duplicates, unresolved references).
	Nodes []string
	// Cycle lists the node IDs forming a dependency cycle, in order.
	Cycle []string
}

func (e *GraphError) Error() string {
	var b strings.Builder
	b.WriteString("invalid task graph: ")
	b.WriteString(e.Reason)
	if len(e.Nodes) > 0 {
		fmt.Fprintf(&b, " (nodes: %s)", strings.Join(e.Nodes, ", "))
	}
	if len(e.Cycle) > 0 {
		fmt.Fprintf(&b, " (cycle: %s)", strings.Join(e.Cycle, " -> "))
	}
	return b.String()
}

// AgentErrorKind classifies agent runtime failures, all scoped to one node.
type AgentErrorKind string

const (
	// AgentReasoningExhausted means the iteration budget ran out before a
	// final answer was produced.
	AgentReasoningExhausted AgentErrorKind = "reasoning_exhausted"
	// AgentOutputSchemaMismatch means the final answer failed output schema
	// validation, including the one allowed corrective retry.
	AgentOutputSchemaMismatch AgentErrorKind = "output_schema_mismatch"
	// AgentBackendUnavailable means the reasoning backend failed permanently
	// or exhausted its retry budget.
	AgentBackendUnavailable AgentErrorKind = "backend_unavailable"
)

// AgentError is a failure of one node's reasoning loop.
type AgentError struct {
	Kind   AgentErrorKind
	NodeID string
	Err    error
}

func (e *AgentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent %s: %s: %v", e.NodeID, e.Kind, e.Err)
	}
	return fmt.Sprintf("agent %s: %s", e.NodeID, e.Kind)
}

func (e *AgentError) Unwrap() error { return e.Err }

// ToolErrorKind classifies tool invocation failures.
type ToolErrorKind string

const (
	// ToolTransient covers network and rate-limit class failures; the
	// invoker retries these.
	ToolTransient ToolErrorKind = "transient"
	// ToolPermanent covers validation-class failures; surfaced immediately
	// after a single attempt.
	ToolPermanent ToolErrorKind = "permanent"
	// ToolTimeout means the per-tool deadline elapsed; retried like a
	// transient failure.
	ToolTimeout ToolErrorKind = "timeout"
)

// ToolError is a single tool call failure.
type ToolError struct {
	Kind ToolErrorKind
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Kind, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Retryable reports whether the invoker's retry policy applies.
func (e *ToolError) Retryable() bool {
	return e.Kind == ToolTransient || e.Kind == ToolTimeout
}

// RunErrorKind classifies whole-run failures.
type RunErrorKind string

const (
	RunTaskFailed     RunErrorKind = "task_failed"
	RunCancelled      RunErrorKind = "cancelled"
	RunPartialFailure RunErrorKind = "partial_failure"
)

// RunError is the run-scoped failure returned by the orchestrator. NodeID
// names the first failing node in deterministic (topological) order when
// Kind is RunTaskFailed or RunPartialFailure.
type RunError struct {
	Kind   RunErrorKind
	RunID  string
	NodeID string
	Cause  error
}

func (e *RunError) Error() string {
	switch {
	case e.NodeID != "" && e.Cause != nil:
		return fmt.Sprintf("run %s: %s at node %s: %v", e.RunID, e.Kind, e.NodeID, e.Cause)
	case e.NodeID != "":
		return fmt.Sprintf("run %s: %s at node %s", e.RunID, e.Kind, e.NodeID)
	}
	return fmt.Sprintf("run %s: %s", e.RunID, e.Kind)
}

func (e *RunError) Unwrap() error { return e.Cause }

// ErrInfo flattens any error into its wire form, preserving the taxonomy
// kind when the error carries one.
func ErrInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	var (
		agentErr *AgentError
		toolErr  *ToolError
		runErr   *RunError
		graphErr *GraphError
	)
	switch {
	case errors.As(err, &agentErr):
		return &ErrorInfo{Kind: string(agentErr.Kind), Message: agentErr.Error()}
	case errors.As(err, &toolErr):
		return &ErrorInfo{Kind: string(toolErr.Kind), Message: toolErr.Error()}
	case errors.As(err, &runErr):
		return &ErrorInfo{Kind: string(runErr.Kind), Message: runErr.Error()}
	case errors.As(err, &graphErr):
		return &ErrorInfo{Kind: "graph_invalid", Message: graphErr.Error()}
	}
	return &ErrorInfo{Kind: "error", Message: err.Error()}
}
