package testutil

import "github.com/hupe1980/agentloop/core"

// ThreadBuilder provides a fluent helper for constructing threads in tests.
// Example:
//
//	th := NewThreadBuilder("t1").Meta("user", "ada").User("hello").Build()
type ThreadBuilder struct {
	thread  *core.Thread
	factory *core.MessageFactory
}

// NewThreadBuilder starts a thread with the given id (empty generates one).
func NewThreadBuilder(id string) *ThreadBuilder {
	return &ThreadBuilder{thread: core.NewThread(id), factory: core.NewMessageFactory("agent", "scripted")}
}

// Agent sets the agent and model identity of subsequent messages (chainable).
func (b *ThreadBuilder) Agent(agent, model string) *ThreadBuilder {
	b.factory = core.NewMessageFactory(agent, model)
	return b
}

// Meta stores a metadata value (chainable).
func (b *ThreadBuilder) Meta(key string, value any) *ThreadBuilder {
	b.thread.SetMetadata(key, value)
	return b
}

// User appends a user message (chainable).
func (b *ThreadBuilder) User(text string, attachments ...core.Attachment) *ThreadBuilder {
	b.thread.Append(b.factory.CreateUserMessage(text, attachments...))
	return b
}

// Assistant appends an assistant message, optionally requesting tool calls (chainable).
func (b *ThreadBuilder) Assistant(text string, calls ...core.ToolCall) *ThreadBuilder {
	b.thread.Append(b.factory.CreateAssistantMessage(text, calls, core.Metrics{}))
	return b
}

// ToolResult appends a successful tool message answering callID (chainable).
func (b *ThreadBuilder) ToolResult(name, callID, result string) *ThreadBuilder {
	b.thread.Append(b.factory.CreateToolResultMessage(name, result, callID, 0, true))
	return b
}

// Build returns the thread.
func (b *ThreadBuilder) Build() *core.Thread { return b.thread }
