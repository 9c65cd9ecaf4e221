package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// EventType categorizes run, task, and tool lifecycle events.
type EventType string

const (
	EventRunStarted   EventType = "run_started"
	EventNodeStarted  EventType = "node_started"
	EventToolInvoked  EventType = "tool_invoked"
	EventToolCompleted EventType = "tool_completed"
	EventNodeCompleted EventType = "node_completed"
	EventNodeFailed    EventType = "node_failed"
	EventNodeSkipped   EventType = "node_skipped"
	EventNodeCancelled EventType = "node_cancelled"
	EventRunCompleted  EventType = "run_completed"
	EventRunFailed     EventType = "run_failed"

	// EventSubscriberLagged is injected into a single subscriber's stream
	// when its buffer overflowed and older events were dropped. It never
	// appears in the bus history.
	EventSubscriberLagged EventType = "subscriber_lagged"
)

// Event is one immutable entry in a run's ordered event stream. Seq is
// strictly increasing and global across the run, so subscribers can detect
// gaps.
type Event struct {
	Seq       uint64          `json:"seq"`
	RunID     string          `json:"run_id"`
	Type      EventType       `json:"type"`
	NodeID    string          `json:"node_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ToSSE renders the event in Server-Sent Events framing, with the sequence
// number as the event ID so clients can resume via Last-Event-ID.
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, data))
}

// ParseEventID parses an SSE Last-Event-ID header back into a sequence
// number. Returns 0 for empty or malformed input, which replays everything
// the history still holds.
func ParseEventID(raw string) uint64 {
	if raw == "" {
		return 0
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

// NodeEventData is the payload of node lifecycle events.
type NodeEventData struct {
	Status TaskStatus `json:"status"`
	Role   string     `json:"role,omitempty"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

// ToolEventData is the payload of tool_invoked/tool_completed events. One
// pair is published per attempt, so observers can tell "slow" from
// "failing".
type ToolEventData struct {
	Tool      string     `json:"tool"`
	Attempt   int        `json:"attempt"`
	ElapsedMS int64      `json:"elapsed_ms,omitempty"`
	OK        bool       `json:"ok,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

// RunEventData is the payload of run lifecycle events.
type RunEventData struct {
	Status RunStatus  `json:"status"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

// LagEventData is the payload of subscriber_lagged marker events: the span
// of sequence numbers the subscriber missed.
type LagEventData struct {
	Dropped uint64 `json:"dropped"`
	FromSeq uint64 `json:"from_seq"`
	ToSeq   uint64 `json:"to_seq"`
}
