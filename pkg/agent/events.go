package agent

import (
	"github.com/kestrelhq/kestrel/pkg/planner"
	"github.com/kestrelhq/kestrel/pkg/protocol"
)

// EventType tags the closed event union streamed to transports.
type EventType string

const (
	EventToken        EventType = "token"
	EventPlan         EventType = "plan"
	EventToolStarted  EventType = "tool_started"
	EventToolActivity EventType = "tool_activity"
	EventToolFinished EventType = "tool_finished"
	EventHitlPending  EventType = "hitl_pending"
	EventError        EventType = "error"
	EventDone         EventType = "done"
)

// Event is one element of the request's output stream. Exactly one of
// the payload fields is set, selected by Type. Every stream terminates
// with a single Done or Error.
type Event struct {
	Type EventType `json:"type"`

	// Token is a streamed text fragment.
	Token string `json:"token,omitempty"`

	// Plan is emitted once per (re)planning round.
	Plan *planner.Plan `json:"plan,omitempty"`

	// StepID and ToolName accompany the tool lifecycle events.
	StepID   string `json:"step_id,omitempty"`
	ToolName string `json:"tool_name,omitempty"`

	// Activity is the rendered hint, e.g. "Fetching https://…".
	Activity string `json:"activity,omitempty"`

	// Output is the tool's result text on tool_finished.
	Output string `json:"output,omitempty"`

	// Hitl describes a pending human confirmation.
	Hitl *HitlRequest `json:"hitl,omitempty"`

	// Err is set on error events.
	Err *Error `json:"error,omitempty"`

	// Final is the synthesized answer on done events.
	Final string `json:"final,omitempty"`

	// Usage accumulates token accounting, reported on done.
	Usage protocol.TokenUsage `json:"usage,omitempty"`

	// TraceID correlates the terminal event with the request's trace
	// and the persisted assistant message. Empty when tracing is off.
	TraceID string `json:"trace_id,omitempty"`
}

// HitlRequest describes the confirmation a suspended skill waits for.
type HitlRequest struct {
	ID       string         `json:"id"`
	SkillID  string         `json:"skill_id"`
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args"`
	Question string         `json:"question"`
}

func TokenEvent(text string) Event {
	return Event{Type: EventToken, Token: text}
}

func PlanEvent(p *planner.Plan) Event {
	return Event{Type: EventPlan, Plan: p}
}

func ErrorEvent(err *Error) Event {
	return Event{Type: EventError, Err: err}
}

func DoneEvent(final string, usage protocol.TokenUsage) Event {
	return Event{Type: EventDone, Final: final, Usage: usage}
}
