package core

import (
	"fmt"
	"time"
)

// MessageFactory is the only construction path for messages. Every message it
// creates carries the producing agent and model identity plus a metrics record.
type MessageFactory struct {
	agent string
	model string
	now   func() time.Time
}

// NewMessageFactory binds a factory to an agent and model identity.
func NewMessageFactory(agent, model string) *MessageFactory {
	return &MessageFactory{agent: agent, model: model, now: func() time.Time { return time.Now().UTC() }}
}

// Agent returns the bound agent name.
func (f *MessageFactory) Agent() string { return f.agent }

// Model returns the bound model identifier.
func (f *MessageFactory) Model() string { return f.model }

func (f *MessageFactory) base(role Role) Message {
	return Message{
		Role:      role,
		Source:    Source{Agent: f.agent, Model: f.model},
		Metrics:   Metrics{},
		CreatedAt: f.now(),
	}
}

// CreateUserMessage records end-user input with optional attachments.
func (f *MessageFactory) CreateUserMessage(text string, attachments ...Attachment) Message {
	m := f.base(RoleUser)
	m.Content = text
	m.Source.Model = ""
	if len(attachments) > 0 {
		m.Attachments = append([]Attachment(nil), attachments...)
	}
	return m
}

// CreateUserMessageWithParts records multimodal user input.
func (f *MessageFactory) CreateUserMessageWithParts(parts ...Part) Message {
	m := f.base(RoleUser)
	m.Source.Model = ""
	m.Parts = append([]Part(nil), parts...)
	return m
}

// CreateSystemMessage builds an instruction message. System instructions are
// sent with each request but are not stored in the thread by the engine.
func (f *MessageFactory) CreateSystemMessage(text string) Message {
	m := f.base(RoleSystem)
	m.Content = text
	return m
}

// CreateAssistantMessage records model output. Tool calls are copied so later
// mutation by the caller cannot reach the thread.
func (f *MessageFactory) CreateAssistantMessage(content string, toolCalls []ToolCall, metrics Metrics) Message {
	m := f.base(RoleAssistant)
	m.Content = content
	m.Metrics = metrics
	if metrics.Model != "" {
		m.Source.Model = metrics.Model
	}
	if len(toolCalls) > 0 {
		m.ToolCalls = make([]ToolCall, len(toolCalls))
		for i, tc := range toolCalls {
			m.ToolCalls[i] = tc.Clone()
		}
	}
	return m
}

// CreateToolResultMessage records the outcome of one tool call.
func (f *MessageFactory) CreateToolResultMessage(toolName, resultText, correlationID string, durationMs int64, success bool) Message {
	m := f.base(RoleTool)
	m.Name = toolName
	m.Content = resultText
	m.ToolCallID = correlationID
	m.Metrics.DurationMs = durationMs
	if !success {
		m.Failed = true
		m.ErrorKind = ErrorKindToolInvocation
	}
	return m
}

// CreateErrorMessage records a failure. A non-empty correlationID produces a
// tool-role message answering that call; otherwise a system notice is built.
func (f *MessageFactory) CreateErrorMessage(kind ErrorKind, detail, correlationID string) Message {
	role := RoleSystem
	if correlationID != "" {
		role = RoleTool
	}
	m := f.base(role)
	m.Failed = true
	m.ErrorKind = kind
	m.ToolCallID = correlationID
	m.Content = fmt.Sprintf("Error (%s): %s", kind, detail)
	return m
}

// CreateIterationLimitMessage explains that the run stopped at its iteration cap.
func (f *MessageFactory) CreateIterationLimitMessage(iterationsUsed int) Message {
	m := f.base(RoleAssistant)
	m.Content = fmt.Sprintf(
		"I reached the maximum number of iterations (%d) before finishing this task. "+
			"The conversation can be resumed to continue from here.", iterationsUsed)
	return m
}
