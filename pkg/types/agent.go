package types

// ActionType discriminates the two things a reasoning backend may decide:
// call a tool, or finish with an answer. Anything else the backend emits is
// a protocol violation the runtime converts into a corrective observation.
type ActionType string

const (
	ActionToolCall    ActionType = "tool_call"
	ActionFinalAnswer ActionType = "final_answer"
)

// Action is the backend's next step for an agent.
type Action struct {
	Type    ActionType `json:"type"`
	Thought string     `json:"thought,omitempty"`
	// ToolCall is set iff Type == ActionToolCall.
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	// Final is set iff Type == ActionFinalAnswer.
	Final Record `json:"final,omitempty"`
}

// Step is one thought/action/observation entry in an agent's transcript.
// The transcript is local to a single node execution and discarded when the
// node finishes.
type Step struct {
	Thought     string `json:"thought,omitempty"`
	Action      string `json:"action"`
	Observation string `json:"observation"`
}
