package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ToolCall is a normalized request from the model to invoke a named tool.
// Unresolvable calls are still represented so the orchestrator can report them
// back to the model instead of dropping them.
type ToolCall struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Arguments    map[string]any `json:"arguments"`
	Unresolvable bool           `json:"unresolvable,omitempty"`
	// InvalidArguments marks a payload that could not be decoded into an
	// object. Arguments is empty in that case.
	InvalidArguments bool   `json:"invalid_arguments,omitempty"`
	Diagnostic       string `json:"diagnostic,omitempty"`
}

// ArgumentsJSON renders Arguments as a JSON object ("{}" when empty).
func (c ToolCall) ArgumentsJSON() string {
	if len(c.Arguments) == 0 {
		return "{}"
	}
	b, err := json.Marshal(c.Arguments)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Clone returns a copy with its own argument map.
func (c ToolCall) Clone() ToolCall {
	cp := c
	if c.Arguments != nil {
		cp.Arguments = make(map[string]any, len(c.Arguments))
		for k, v := range c.Arguments {
			cp.Arguments[k] = v
		}
	}
	return cp
}

// RawToolCall is a provider tool-call payload before normalization. Two shapes
// are accepted:
//
//	nested: {"id": "...", "type": "function", "function": {"name": "...", "arguments": "{...}"}}
//	flat:   {"id": "...", "name": "...", "arguments": {...}}
//
// The flat shape also accepts call_id / tool_call_id for the identifier and
// args / input / parameters for the argument payload.
type RawToolCall = map[string]any

// ToolResolver answers whether a tool name is registered.
type ToolResolver interface {
	Has(name string) bool
}

var (
	idKeys   = []string{"id", "call_id", "tool_call_id"}
	argsKeys = []string{"arguments", "args", "input", "parameters"}
)

// SyntheticCallID returns the deterministic identifier assigned to a call that
// arrived without one.
func SyntheticCallID(batch, index int) string {
	return fmt.Sprintf("call_%d_%d", batch, index)
}

// NormalizeToolCall converts a raw provider payload into a ToolCall. It never
// fails: missing names and unknown tools mark the call Unresolvable, malformed
// arguments yield an empty map, and both cases leave a Diagnostic behind.
// A nil resolver accepts every non-empty name.
func NormalizeToolCall(raw RawToolCall, batch, index int, resolver ToolResolver) ToolCall {
	call := ToolCall{Arguments: map[string]any{}}

	id, name, payload, hasArgs := ToolCallParts(raw)
	call.ID = id
	if call.ID == "" {
		call.ID = SyntheticCallID(batch, index)
	}
	call.Name = strings.TrimSpace(name)

	var diags []string
	if hasArgs {
		args, diag := parseArguments(payload)
		call.Arguments = args
		if diag != "" {
			call.InvalidArguments = true
			diags = append(diags, diag)
		}
	}

	switch {
	case call.Name == "":
		call.Unresolvable = true
		diags = append(diags, "missing tool name")
	case resolver != nil && !resolver.Has(call.Name):
		call.Unresolvable = true
		diags = append(diags, fmt.Sprintf("unknown tool %q", call.Name))
	}

	call.Diagnostic = strings.Join(diags, "; ")
	return call
}

// ToolCallParts extracts the identifier, the name and the raw argument
// payload from either shape, honoring the same key aliases as
// NormalizeToolCall. ok reports whether an argument key was present.
func ToolCallParts(raw RawToolCall) (id, name string, args any, ok bool) {
	fn, nested := raw["function"].(map[string]any)
	if !nested {
		fn = raw
	}
	id = firstString(raw, idKeys...)
	name = firstString(fn, "name")
	args, ok = firstValue(fn, argsKeys...)
	return id, name, args, ok
}

// NormalizeToolCalls normalizes a batch preserving order. batch identifies the
// iteration so synthetic ids stay unique within a thread. An id repeated
// within the batch is replaced by a synthetic one so every tool result
// correlates with exactly one call.
func NormalizeToolCalls(raws []RawToolCall, batch int, resolver ToolResolver) []ToolCall {
	if len(raws) == 0 {
		return nil
	}
	calls := make([]ToolCall, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))
	for i, raw := range raws {
		call := NormalizeToolCall(raw, batch, i, resolver)
		if _, dup := seen[call.ID]; dup {
			original := call.ID
			call.ID = SyntheticCallID(batch, i)
			for n := 2; ; n++ {
				if _, taken := seen[call.ID]; !taken {
					break
				}
				call.ID = fmt.Sprintf("%s_%d", SyntheticCallID(batch, i), n)
			}
			note := fmt.Sprintf("duplicate call id %q replaced by %q", original, call.ID)
			if call.Diagnostic == "" {
				call.Diagnostic = note
			} else {
				call.Diagnostic += "; " + note
			}
		}
		seen[call.ID] = struct{}{}
		calls = append(calls, call)
	}
	return calls
}

func parseArguments(payload any) (map[string]any, string) {
	switch v := payload.(type) {
	case nil:
		return map[string]any{}, ""
	case map[string]any:
		if v == nil {
			return map[string]any{}, ""
		}
		return v, ""
	case string:
		return decodeArguments([]byte(v))
	case []byte:
		return decodeArguments(v)
	case json.RawMessage:
		return decodeArguments(v)
	default:
		// Structs or typed maps from SDKs: round-trip through JSON.
		b, err := json.Marshal(v)
		if err != nil {
			return map[string]any{}, fmt.Sprintf("malformed arguments: %v", err)
		}
		return decodeArguments(b)
	}
}

func decodeArguments(b []byte) (map[string]any, string) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return map[string]any{}, ""
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]any{}, fmt.Sprintf("malformed arguments: %v", err)
	}
	if out == nil {
		return map[string]any{}, ""
	}
	return out, ""
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstValue(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}
