package testutil

import (
	"encoding/json"

	"github.com/hupe1980/agentloop/core"
)

// NestedCall builds a raw tool call in the {id, type, function:{name, arguments}} shape.
func NestedCall(id, name, arguments string) core.RawToolCall {
	raw := core.RawToolCall{
		"type":     "function",
		"function": map[string]any{"name": name, "arguments": arguments},
	}
	if id != "" {
		raw["id"] = id
	}
	return raw
}

// FlatCall builds a raw tool call in the {id, name, arguments} shape.
func FlatCall(id, name string, args map[string]any) core.RawToolCall {
	raw := core.RawToolCall{"name": name, "arguments": args}
	if id != "" {
		raw["id"] = id
	}
	return raw
}

// JSON marshals v and panics on failure. Only use it with literal test data.
func JSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// Collect drains an event channel.
func Collect(ch <-chan core.Event) []core.Event {
	var out []core.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

// Kinds returns the kind of every event.
func Kinds(events []core.Event) []core.EventKind {
	out := make([]core.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

// OfKind returns the events of the given kind in order.
func OfKind(events []core.Event, kind core.EventKind) []core.Event {
	var out []core.Event
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// Last returns the final event, or the zero event when events is empty.
func Last(events []core.Event) core.Event {
	if len(events) == 0 {
		return core.Event{}
	}
	return events[len(events)-1]
}
