package types

import "time"

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	// RunStatusPartial means at least one terminal node produced an output
	// while one or more nodes failed or were skipped.
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusPartial, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of one task node within a run.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	// TaskStatusSkipped marks nodes never scheduled because a transitive
	// predecessor failed or the run was cancelled before they became ready.
	TaskStatusSkipped TaskStatus = "skipped"
	// TaskStatusCancelled marks nodes that were mid-reasoning when the run
	// was cancelled.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusSkipped, TaskStatusCancelled:
		return true
	}
	return false
}

// ErrorInfo is the serializable form of a failure attached to results and
// events.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// TaskResult records the terminal state of one node. It is written exactly
// once per terminal transition, by the orchestrator only.
type TaskResult struct {
	NodeID     string     `json:"node_id"`
	Status     TaskStatus `json:"status"`
	Output     Record     `json:"output,omitempty"` // present iff succeeded
	Error      *ErrorInfo `json:"error,omitempty"`  // present iff failed
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RunResult is the aggregate outcome returned to the submitter.
//
// Outputs maps terminal node IDs to their output records. A failed or
// skipped node's output is never substituted with a default; it is simply
// absent, and FailedNodes/SkippedNodes name the culprits.
type RunResult struct {
	RunID        string                `json:"run_id"`
	Status       RunStatus             `json:"status"`
	Outputs      map[string]Record     `json:"outputs,omitempty"`
	Results      map[string]TaskResult `json:"results"`
	FailedNodes  []string              `json:"failed_nodes,omitempty"`
	SkippedNodes []string              `json:"skipped_nodes,omitempty"`
	Error        *ErrorInfo            `json:"error,omitempty"`
}
