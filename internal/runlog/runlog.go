// Package runlog is the append-only per-run event journal (component C):
// every state transition a run goes through is recorded as a typed Event
// with a strictly increasing, gap-free sequence number, and the journal is
// the data source for the stream fan-out (component G).
package runlog

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of event recorded in a run's journal, per
// spec.md §3.
type Type string

// Event types, in roughly the order a happy-path run emits them.
const (
	TypeRunStarted       Type = "run_started"
	TypeAssistantDelta   Type = "assistant_delta"
	TypeToolCallProposed Type = "tool_call_proposed"
	TypeToolCallApproved Type = "tool_call_approved"
	TypeToolCallRejected Type = "tool_call_rejected"
	TypeToolResult       Type = "tool_result"
	TypeRunCompleted     Type = "run_completed"
	TypeRunFailed        Type = "run_failed"
	TypeRunInterrupted   Type = "run_interrupted"
)

// TerminalTypes are the event types that may legally be the last event of a
// run's journal, matching the run's terminal status.
var TerminalTypes = map[Type]bool{
	TypeRunCompleted:   true,
	TypeRunFailed:      true,
	TypeRunInterrupted: true,
}

// Event is a single immutable journal entry. Once appended, an Event is
// never mutated or deleted (spec.md §4.C).
type Event struct {
	EventID   string          `json:"event_id"`
	Seq       int64           `json:"seq"`
	SessionID string          `json:"session_id"`
	RunID     string          `json:"run_id"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Page is one page of a List call: the events in range plus an opaque
// cursor for the next page, empty when exhausted.
type Page struct {
	Events     []Event
	NextCursor string
}

// MarshalPayload is a small convenience used by every call site that builds
// an event payload from a Go value instead of hand-building a
// json.RawMessage.
func MarshalPayload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
