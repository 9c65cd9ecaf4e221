// Package backend abstracts the reasoning model behind the agent loop.
package backend

import (
	"context"
	"errors"

	"github.com/quantfolio/researchd/pkg/types"
)

// Message is one entry of the conversation sent to the model.
type Message struct {
	Role       string          // "system", "user", "assistant", or "tool"
	Content    string
	ToolCallID string          // set on tool result messages
	ToolCalls  []types.ToolCall // set on assistant messages that requested tools
}

// DecisionRequest asks the model for the agent's next action.
type DecisionRequest struct {
	Messages []Message
	Tools    []types.ToolSchema
}

// Backend produces the next action for an agent given its conversation so
// far. Implementations must be safe for concurrent use.
type Backend interface {
	Name() string
	Decide(ctx context.Context, req DecisionRequest) (types.Action, error)
}

// TransientError marks a backend failure worth retrying, such as a rate
// limit or an upstream outage.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient backend error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var terr *TransientError
	return errors.As(err, &terr)
}
