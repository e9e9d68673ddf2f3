package core

import (
	"strings"
	"time"
)

// Role identifies the author category of a Message.
type Role string

const (
	// RoleUser marks end-user input.
	RoleUser Role = "user"
	// RoleAssistant marks model output.
	RoleAssistant Role = "assistant"
	// RoleSystem marks instructions and engine-level notices.
	RoleSystem Role = "system"
	// RoleTool marks the outcome of a tool call.
	RoleTool Role = "tool"
)

// Source records which agent and model produced a message.
type Source struct {
	Agent string `json:"agent,omitempty"`
	Model string `json:"model,omitempty"`
}

// TokenUsage aggregates token counts reported by the completion service.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add returns the element-wise sum of u and o.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// IsZero reports whether no tokens were recorded.
func (u TokenUsage) IsZero() bool { return u == TokenUsage{} }

// Metrics is attached to every Message. Zero values mean "not measured".
type Metrics struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	LatencyMs        int64  `json:"latency_ms"`
	DurationMs       int64  `json:"duration_ms"`
	Model            string `json:"model,omitempty"`
	FinishReason     string `json:"finish_reason,omitempty"`
}

// Usage extracts the token counts.
func (m Metrics) Usage() TokenUsage {
	return TokenUsage{PromptTokens: m.PromptTokens, CompletionTokens: m.CompletionTokens, TotalTokens: m.TotalTokens}
}

// Message is one entry of a Thread. Messages are created exclusively through
// MessageFactory and never edited after being appended.
type Message struct {
	ID          string       `json:"id"`
	Sequence    int          `json:"sequence"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Parts       []Part       `json:"parts,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolCallID  string       `json:"tool_call_id,omitempty"` // correlation with an assistant ToolCall
	Name        string       `json:"name,omitempty"`         // tool name for tool-role messages
	Failed      bool         `json:"failed,omitempty"`
	ErrorKind   ErrorKind    `json:"error_kind,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Source      Source       `json:"source"`
	Metrics     Metrics      `json:"metrics"`
	CreatedAt   time.Time    `json:"created_at"`
}

// HasToolCalls reports whether the message requests tool execution.
func (m Message) HasToolCalls() bool { return len(m.ToolCalls) > 0 }

// Text returns Content, or the concatenated text parts when Content is empty.
func (m Message) Text() string {
	if m.Content != "" || len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// clone returns a deep copy of slices and maps reachable from the message.
func (m Message) clone() Message {
	c := m
	if m.Parts != nil {
		c.Parts = make([]Part, len(m.Parts))
		copy(c.Parts, m.Parts)
	}
	if m.ToolCalls != nil {
		c.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			c.ToolCalls[i] = tc.Clone()
		}
	}
	if m.Attachments != nil {
		c.Attachments = make([]Attachment, len(m.Attachments))
		copy(c.Attachments, m.Attachments)
	}
	return c
}
