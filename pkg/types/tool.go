package types

import (
	"encoding/json"
	"time"
)

// ToolCall is one agent-issued request to invoke a named tool.
type ToolCall struct {
	Tool    string `json:"tool"`
	Args    Record `json:"args,omitempty"`
	NodeID  string `json:"node_id,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

// ToolOutcome is the normalized result of a tool invocation, after the
// invoker's retry policy has run its course.
type ToolOutcome struct {
	OK       bool          `json:"ok"`
	Result   Record        `json:"result,omitempty"`
	Error    *ErrorInfo    `json:"error,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
	Attempts int           `json:"attempts"`
}

// ToolSchema is the published description of a registered tool, handed to
// the reasoning backend and exposed on the API.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}
