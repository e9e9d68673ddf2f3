package core

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// EventKind names an observable step of an execution.
type EventKind string

const (
	EventRequestSent           EventKind = "request_sent"
	EventResponseReceived      EventKind = "response_received"
	EventStreamFragment        EventKind = "stream_fragment"
	EventToolSelected          EventKind = "tool_selected"
	EventToolExecuting         EventKind = "tool_executing"
	EventToolResult            EventKind = "tool_result"
	EventToolError             EventKind = "tool_error"
	EventMessageCreated        EventKind = "message_created"
	EventIterationStart        EventKind = "iteration_start"
	EventIterationLimitReached EventKind = "iteration_limit_reached"
	EventExecutionError        EventKind = "execution_error"
	EventExecutionComplete     EventKind = "execution_complete"
)

// Terminal reports whether no further events follow this kind.
func (k EventKind) Terminal() bool {
	return k == EventExecutionComplete || k == EventExecutionError
}

// Event is an immutable record of one execution step. Payload holds the
// kind-specific struct declared below; use PayloadAs to read it.
type Event struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	ThreadID  string    `json:"thread_id"`
	Agent     string    `json:"agent"`
	Iteration int       `json:"iteration"`
	Payload   any       `json:"payload,omitempty"`
}

// NewEvent stamps a new event with a fresh id and UTC timestamp.
func NewEvent(kind EventKind, threadID, agent string, iteration int, payload any) Event {
	return Event{
		ID:        NewID(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		ThreadID:  threadID,
		Agent:     agent,
		Iteration: iteration,
		Payload:   payload,
	}
}

// NewID generates a new unique identifier.
func NewID() string { return uuid.NewString() }

// PayloadAs returns the payload of ev typed as T.
func PayloadAs[T any](ev Event) (T, bool) {
	p, ok := ev.Payload.(T)
	return p, ok
}

// RequestSent is emitted before each completion request.
type RequestSent struct {
	Model        string `json:"model"`
	MessageCount int    `json:"message_count"`
	ToolCount    int    `json:"tool_count"`
	Stream       bool   `json:"stream"`
}

// ResponseReceived carries the aggregated completion result.
type ResponseReceived struct {
	Content     string     `json:"content"`
	ToolCalls   []ToolCall `json:"tool_calls,omitempty"`
	Metrics     Metrics    `json:"metrics"`
	Diagnostics []string   `json:"diagnostics,omitempty"`
}

// StreamFragment is an incremental piece of assistant content.
type StreamFragment struct {
	Text string `json:"text"`
}

// ToolSelected announces a call chosen by the model, in request order.
type ToolSelected struct {
	Index        int            `json:"index"`
	CallID       string         `json:"call_id"`
	Name         string         `json:"name"`
	Arguments    map[string]any `json:"arguments"`
	Unresolvable bool           `json:"unresolvable,omitempty"`
	Diagnostic   string         `json:"diagnostic,omitempty"`
}

// ToolExecuting marks the start of a tool invocation.
type ToolExecuting struct {
	Index  int    `json:"index"`
	CallID string `json:"call_id"`
	Name   string `json:"name"`
}

// ToolResult reports a successful tool invocation.
type ToolResult struct {
	Index      int    `json:"index"`
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Result     string `json:"result"`
	DurationMs int64  `json:"duration_ms"`
}

// ToolErrorPayload reports a failed tool invocation.
type ToolErrorPayload struct {
	Index      int       `json:"index"`
	CallID     string    `json:"call_id"`
	Name       string    `json:"name"`
	Kind       ErrorKind `json:"kind"`
	Error      string    `json:"error"`
	DurationMs int64     `json:"duration_ms"`
}

// MessageCreated carries a message right after it was appended to the thread.
type MessageCreated struct {
	Message Message `json:"message"`
}

// IterationStart opens an iteration.
type IterationStart struct {
	Iteration     int `json:"iteration"`
	MaxIterations int `json:"max_iterations"`
}

// IterationLimitReached is emitted when the cap stops the run.
type IterationLimitReached struct {
	Iterations    int `json:"iterations"`
	MaxIterations int `json:"max_iterations"`
}

// ExecutionErrorPayload ends a run in the fatal_error state.
type ExecutionErrorPayload struct {
	Kind  ErrorKind `json:"kind"`
	Error string    `json:"error"`

	err *ExecutionError
}

// NewExecutionErrorPayload describes err and keeps it for in-process
// consumers. Serialized events carry only Kind and Error.
func NewExecutionErrorPayload(err *ExecutionError) ExecutionErrorPayload {
	msg := string(err.Kind)
	if err.Err != nil {
		msg = err.Err.Error()
	}
	return ExecutionErrorPayload{Kind: err.Kind, Error: msg, err: err}
}

// Err returns the error that ended the run. Payloads decoded from the wire
// rebuild it from Kind and Error.
func (p ExecutionErrorPayload) Err() error {
	if p.err != nil {
		return p.err
	}
	return &ExecutionError{Kind: p.Kind, Err: errors.New(p.Error)}
}

// ExecutionComplete ends a run in the complete or iteration_limit state.
type ExecutionComplete struct {
	State      State      `json:"state"`
	Iterations int        `json:"iterations"`
	DurationMs int64      `json:"duration_ms"`
	Usage      TokenUsage `json:"usage"`
	Content    string     `json:"content"`
}
