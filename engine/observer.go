package engine

import (
	"context"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/logging"
)

// Publisher forwards events to an external system such as a message bus.
// Publish errors are logged and never affect the run.
type Publisher interface {
	Publish(ctx context.Context, ev core.Event) error
}

// Observer receives every event synchronously, in emission order, before it
// reaches the caller. Observers must be fast and must not retain the thread.
type Observer interface {
	Observe(ctx context.Context, ev core.Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, ev core.Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(ctx context.Context, ev core.Event) { f(ctx, ev) }

// OnKinds returns an observer that only sees the listed event kinds.
//
// Example:
//
//	audit := engine.OnKinds(engine.ObserverFunc(record), core.EventToolResult, core.EventToolError)
func OnKinds(o Observer, kinds ...core.EventKind) Observer {
	set := make(map[core.EventKind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return ObserverFunc(func(ctx context.Context, ev core.Event) {
		if _, ok := set[ev.Kind]; ok {
			o.Observe(ctx, ev)
		}
	})
}

// LoggingObserver writes one log line per event. Fragments are logged at
// debug level, failures at warn level and everything else at info level.
type LoggingObserver struct {
	Logger logging.Logger
}

// Observe implements Observer.
func (o LoggingObserver) Observe(_ context.Context, ev core.Event) {
	l := logging.OrNop(o.Logger)
	args := []any{"kind", string(ev.Kind), "thread_id", ev.ThreadID, "iteration", ev.Iteration}
	switch p := ev.Payload.(type) {
	case core.StreamFragment:
		l.Debug("engine.event", append(args, "length", len(p.Text))...)
	case core.ToolErrorPayload:
		l.Warn("engine.event", append(args, "tool", p.Name, "call_id", p.CallID, "error_kind", string(p.Kind))...)
	case core.ExecutionErrorPayload:
		l.Warn("engine.event", append(args, "error_kind", string(p.Kind), "error", p.Error)...)
	case core.ToolResult:
		l.Info("engine.event", append(args, "tool", p.Name, "call_id", p.CallID, "duration_ms", p.DurationMs)...)
	default:
		l.Info("engine.event", args...)
	}
}
