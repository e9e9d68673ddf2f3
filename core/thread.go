package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// Thread is the append-only conversation record an engine run reads and
// extends. It is owned by at most one execution at a time (see Acquire) and
// must always be handled by pointer.
//
// Contract:
//   - Append assigns strictly increasing sequence numbers and never edits
//     earlier messages
//   - History returns a copy
//   - Clone performs a deep copy for safe divergence
type Thread struct {
	ID        string         `json:"id"`
	Messages  []Message      `json:"messages"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`

	owned atomic.Bool
}

// NewThread creates an empty thread. An empty id yields a generated one.
func NewThread(id string) *Thread {
	if id == "" {
		id = NewID()
	}
	now := time.Now().UTC()
	return &Thread{ID: id, Messages: []Message{}, Metadata: map[string]any{}, CreatedAt: now, UpdatedAt: now}
}

// Append stores m as the newest message, assigning its sequence number and,
// when empty, a deterministic id derived from the thread id.
func (t *Thread) Append(m Message) Message {
	seq := 1
	if n := len(t.Messages); n > 0 {
		seq = t.Messages[n-1].Sequence + 1
	}
	m.Sequence = seq
	if m.ID == "" {
		m.ID = fmt.Sprintf("%s-%d", t.ID, seq)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	t.Messages = append(t.Messages, m.clone())
	t.UpdatedAt = m.CreatedAt
	return m
}

// Len returns the number of messages.
func (t *Thread) Len() int { return len(t.Messages) }

// Last returns the newest message.
func (t *Thread) Last() (Message, bool) {
	if len(t.Messages) == 0 {
		return Message{}, false
	}
	return t.Messages[len(t.Messages)-1], true
}

// History returns a copy of all messages.
func (t *Thread) History() []Message {
	return t.Since(0)
}

// Since returns copies of the messages after the first n.
func (t *Thread) Since(n int) []Message {
	if n < 0 {
		n = 0
	}
	if n >= len(t.Messages) {
		return []Message{}
	}
	out := make([]Message, 0, len(t.Messages)-n)
	for _, m := range t.Messages[n:] {
		out = append(out, m.clone())
	}
	return out
}

// SetMetadata stores a metadata value.
func (t *Thread) SetMetadata(key string, value any) {
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	t.Metadata[key] = value
}

// Acquire claims exclusive ownership for the duration of a run.
func (t *Thread) Acquire() error {
	if !t.owned.CompareAndSwap(false, true) {
		return ErrThreadBusy
	}
	return nil
}

// Release gives up ownership obtained by Acquire.
func (t *Thread) Release() { t.owned.Store(false) }

// Clone returns a deep copy without the ownership flag.
func (t *Thread) Clone() *Thread {
	c := &Thread{ID: t.ID, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt}
	c.Messages = t.History()
	c.Metadata = make(map[string]any, len(t.Metadata))
	for k, v := range t.Metadata {
		c.Metadata[k] = v
	}
	return c
}

// canonicalMessage is the timing-free projection of a Message used by Digest.
type canonicalMessage struct {
	ID           string       `json:"id"`
	Sequence     int          `json:"sequence"`
	Role         Role         `json:"role"`
	Content      string       `json:"content"`
	Parts        []Part       `json:"parts,omitempty"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	ToolCallID   string       `json:"tool_call_id,omitempty"`
	Name         string       `json:"name,omitempty"`
	Failed       bool         `json:"failed,omitempty"`
	ErrorKind    ErrorKind    `json:"error_kind,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	Source       Source       `json:"source"`
	Usage        TokenUsage   `json:"usage"`
	Model        string       `json:"model,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

// Digest returns a SHA-256 over the thread content, excluding wall-clock
// timestamps, latency and duration measurements. Two runs driven by the same
// completions and tool outputs produce the same digest.
func (t *Thread) Digest() string {
	msgs := make([]canonicalMessage, 0, len(t.Messages))
	for _, m := range t.Messages {
		msgs = append(msgs, canonicalMessage{
			ID:           m.ID,
			Sequence:     m.Sequence,
			Role:         m.Role,
			Content:      m.Content,
			Parts:        m.Parts,
			ToolCalls:    m.ToolCalls,
			ToolCallID:   m.ToolCallID,
			Name:         m.Name,
			Failed:       m.Failed,
			ErrorKind:    m.ErrorKind,
			Attachments:  m.Attachments,
			Source:       m.Source,
			Usage:        m.Metrics.Usage(),
			Model:        m.Metrics.Model,
			FinishReason: m.Metrics.FinishReason,
		})
	}
	b, err := json.Marshal(struct {
		ID       string             `json:"id"`
		Messages []canonicalMessage `json:"messages"`
	}{ID: t.ID, Messages: msgs})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
