package model

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentloop/core"
)

// Step is one scripted completion outcome.
type Step struct {
	Response *Response
	Err      error
	Delay    time.Duration
}

// Responder computes a completion dynamically from the request.
type Responder func(ctx context.Context, req Request) (*Response, error)

// ScriptedModel is a deterministic in-memory Model for tests and examples.
// Each call consumes the next Step; once the script is exhausted the
// Responder (if any) is used. Stream replays the same Response as content
// and tool-call fragments, so batch and streaming runs observe identical
// completions.
type ScriptedModel struct {
	mu        sync.Mutex
	info      Info
	steps     []Step
	responder Responder
	requests  []Request

	// FragmentSize is the number of runes per streamed content fragment.
	FragmentSize int
}

// NewScriptedModel constructs a ScriptedModel with tool and streaming support.
func NewScriptedModel(name, provider string) *ScriptedModel {
	return &ScriptedModel{
		info: Info{
			Name:              name,
			Provider:          provider,
			SupportsTools:     true,
			SupportsStreaming: true,
		},
		FragmentSize: 3,
	}
}

// AddResponse appends a successful completion to the script.
func (m *ScriptedModel) AddResponse(resp Response) *ScriptedModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, Step{Response: &resp})
	return m
}

// AddText appends a plain assistant answer.
func (m *ScriptedModel) AddText(content string, usage core.TokenUsage) *ScriptedModel {
	return m.AddResponse(Response{Content: content, FinishReason: "stop", Usage: usage})
}

// AddToolCalls appends a completion requesting the given tool calls.
func (m *ScriptedModel) AddToolCalls(usage core.TokenUsage, calls ...core.RawToolCall) *ScriptedModel {
	return m.AddResponse(Response{ToolCalls: calls, FinishReason: "tool_calls", Usage: usage})
}

// AddError appends a failing step.
func (m *ScriptedModel) AddError(err error) *ScriptedModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, Step{Err: err})
	return m
}

// AddStep appends an arbitrary step.
func (m *ScriptedModel) AddStep(s Step) *ScriptedModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, s)
	return m
}

// WithResponder sets the fallback used once the script is exhausted.
func (m *ScriptedModel) WithResponder(r Responder) *ScriptedModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responder = r
	return m
}

// Calls returns the number of completion requests received.
func (m *ScriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of the received requests.
func (m *ScriptedModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *ScriptedModel) next(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	n := len(m.requests)
	var step *Step
	if len(m.steps) > 0 {
		s := m.steps[0]
		m.steps = m.steps[1:]
		step = &s
	}
	responder := m.responder
	m.mu.Unlock()

	if step == nil {
		if responder == nil {
			return nil, fmt.Errorf("scripted model: no response scripted for call %d", n)
		}
		return responder(ctx, req)
	}
	if step.Delay > 0 {
		t := time.NewTimer(step.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	resp := *step.Response
	return &resp, nil
}

// Generate implements Model.
func (m *ScriptedModel) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := m.next(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Model == "" {
		resp.Model = m.info.Name
	}
	return resp, nil
}

// Stream implements Model by fragmenting the next scripted response.
func (m *ScriptedModel) Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	out := make(chan Chunk, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		resp, err := m.next(ctx, req)
		if err != nil {
			errCh <- err
			return
		}
		model := resp.Model
		if model == "" {
			model = m.info.Name
		}

		send := func(c Chunk) bool {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return false
			case out <- c:
				return true
			}
		}

		for _, frag := range splitRunes(resp.Content, m.FragmentSize) {
			if !send(Chunk{Content: frag}) {
				return
			}
		}

		// Interleave call fragments: first halves for every index, then the rest.
		type parts struct{ id, name, head, tail string }
		calls := make([]parts, len(resp.ToolCalls))
		for i, raw := range resp.ToolCalls {
			id, name, args := rawCallParts(raw)
			half := len(args) / 2
			calls[i] = parts{id: id, name: name, head: args[:half], tail: args[half:]}
		}
		for i, c := range calls {
			if !send(Chunk{ToolCall: &ToolCallDelta{Index: i, ID: c.id, Name: c.name, Arguments: c.head}}) {
				return
			}
		}
		for i, c := range calls {
			if !send(Chunk{ToolCall: &ToolCallDelta{Index: i, Arguments: c.tail, Complete: true}}) {
				return
			}
		}

		usage := resp.Usage
		send(Chunk{FinishReason: resp.FinishReason, Usage: &usage, Model: model})
	}()

	return out, errCh
}

// Info implements Model.
func (m *ScriptedModel) Info() Info { return m.info }

func splitRunes(s string, size int) []string {
	if s == "" {
		return nil
	}
	if size <= 0 {
		return []string{s}
	}
	r := []rune(s)
	out := make([]string, 0, len(r)/size+1)
	for i := 0; i < len(r); i += size {
		end := i + size
		if end > len(r) {
			end = len(r)
		}
		out = append(out, string(r[i:end]))
	}
	return out
}

// rawCallParts extracts id, name and the argument text from either raw shape
// using the normalizer's key aliases, keeping string arguments byte-for-byte.
func rawCallParts(raw core.RawToolCall) (id, name, args string) {
	id, name, payload, _ := core.ToolCallParts(raw)
	switch v := payload.(type) {
	case nil:
		args = ""
	case string:
		args = v
	case []byte:
		args = string(v)
	case json.RawMessage:
		args = string(v)
	default:
		b, err := json.Marshal(v)
		if err == nil {
			args = string(b)
		}
	}
	return id, name, args
}
