package core

import "time"

// AgentResult is returned by a complete-mode run.
type AgentResult struct {
	Content     string           `json:"content"`
	Thread      *Thread          `json:"thread"`
	NewMessages []Message        `json:"new_messages"`
	State       State            `json:"state"`
	Details     ExecutionDetails `json:"details"`
}

// ExecutionDetails is the event log of one run plus derived aggregates.
type ExecutionDetails struct {
	Events     []Event   `json:"events"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Iterations int       `json:"iterations"`
}

// TotalDuration is the wall-clock duration of the run.
func (d ExecutionDetails) TotalDuration() time.Duration {
	if d.EndTime.IsZero() {
		return 0
	}
	return d.EndTime.Sub(d.StartTime)
}

// TotalUsage sums token usage over all completion responses.
func (d ExecutionDetails) TotalUsage() TokenUsage {
	return SumUsage(d.Events)
}

// SumUsage sums token usage over the response_received events in events.
func SumUsage(events []Event) TokenUsage {
	var u TokenUsage
	for _, ev := range events {
		if p, ok := PayloadAs[ResponseReceived](ev); ok {
			u = u.Add(p.Metrics.Usage())
		}
	}
	return u
}

// ToolCallRecord pairs a tool selection with its outcome.
type ToolCallRecord struct {
	Iteration int            `json:"iteration"`
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Success   bool           `json:"success"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorKind ErrorKind      `json:"error_kind,omitempty"`
	Duration  time.Duration  `json:"duration"`
}

// ToolCalls returns one record per selected tool call in selection order.
// Calls interrupted before reporting an outcome keep a zero Duration and
// Success=false.
func (d ExecutionDetails) ToolCalls() []ToolCallRecord {
	type slot struct{ iteration, index int }
	var records []ToolCallRecord
	pos := map[slot]int{}
	for _, ev := range d.Events {
		switch p := ev.Payload.(type) {
		case ToolSelected:
			pos[slot{ev.Iteration, p.Index}] = len(records)
			records = append(records, ToolCallRecord{Iteration: ev.Iteration, CallID: p.CallID, Name: p.Name, Arguments: p.Arguments})
		case ToolResult:
			if i, ok := pos[slot{ev.Iteration, p.Index}]; ok {
				records[i].Success = true
				records[i].Result = p.Result
				records[i].Duration = time.Duration(p.DurationMs) * time.Millisecond
			}
		case ToolErrorPayload:
			if i, ok := pos[slot{ev.Iteration, p.Index}]; ok {
				records[i].Error = p.Error
				records[i].ErrorKind = p.Kind
				records[i].Duration = time.Duration(p.DurationMs) * time.Millisecond
			}
		}
	}
	return records
}
