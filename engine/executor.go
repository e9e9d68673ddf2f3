package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/tool"
)

// outcome is the settled result of one tool call.
type outcome struct {
	call     core.ToolCall
	result   string
	kind     core.ErrorKind // empty on success
	err      error
	duration time.Duration
}

func (o outcome) message(f *core.MessageFactory) core.Message {
	if o.kind == "" {
		return f.CreateToolResultMessage(o.call.Name, o.result, o.call.ID, o.duration.Milliseconds(), true)
	}
	m := f.CreateErrorMessage(o.kind, o.err.Error(), o.call.ID)
	m.Name = o.call.Name
	m.Metrics.DurationMs = o.duration.Milliseconds()
	return m
}

// dispatch runs every call concurrently, bounded by ToolConcurrency, and
// returns the outcomes in call order once all of them settled.
func (x *execution) dispatch(ctx context.Context, calls []core.ToolCall) []outcome {
	n := len(calls)
	results := make([]outcome, n)

	limit := x.e.opts.ToolConcurrency
	if limit <= 0 || limit > n {
		limit = n
	}
	sem := semaphore.NewWeighted(int64(limit))

	var wg sync.WaitGroup
	batchStart := time.Now()
	for i := range calls {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = outcome{call: calls[i], kind: core.ErrorKindCancelled, err: err}
			continue
		}
		wg.Add(1)
		go func(idx int, c core.ToolCall) {
			defer wg.Done()
			defer sem.Release(1)
			results[idx] = x.invoke(ctx, idx, c)
		}(i, calls[i])
	}
	wg.Wait()

	x.logger.Debug("engine.tools.batch.complete",
		"iteration", x.iteration,
		"count", n,
		"parallelism", limit,
		"duration_ms", time.Since(batchStart).Milliseconds(),
	)
	return results
}

func (x *execution) invoke(ctx context.Context, idx int, c core.ToolCall) outcome {
	if c.Unresolvable {
		return x.report(ctx, idx, outcome{call: c, kind: core.ErrorKindUnknownTool, err: unknownToolError(c)})
	}
	t, ok := x.e.tools.Get(c.Name)
	if !ok {
		return x.report(ctx, idx, outcome{call: c, kind: core.ErrorKindUnknownTool, err: unknownToolError(c)})
	}
	if c.InvalidArguments {
		return x.report(ctx, idx, outcome{
			call: c,
			kind: core.ErrorKindInvalidArguments,
			err:  fmt.Errorf("invalid arguments for %s: %s", c.Name, c.Diagnostic),
		})
	}

	x.emit(ctx, core.EventToolExecuting, core.ToolExecuting{Index: idx, CallID: c.ID, Name: c.Name})

	tel := x.e.opts.Telemetry
	tctx, span := tel.StartTool(ctx, c.ID, c.Name)

	start := time.Now()
	value, err := x.call(tctx, t, c)
	o := outcome{call: c, duration: time.Since(start)}
	if err != nil {
		o.kind, o.err = x.classify(ctx, c, err)
	} else if text, rerr := tool.RenderResult(value); rerr != nil {
		o.kind, o.err = core.ErrorKindToolInvocation, fmt.Errorf("render result of %s: %w", c.Name, rerr)
	} else {
		o.result = text
	}

	tel.EndTool(tctx, span, c.Name, o.kind, o.err)
	logging.LogToolCall(x.logger, c.Name, c.ID, o.duration, o.err)
	return x.report(ctx, idx, o)
}

// call invokes t under the per-tool timeout. A tool that ignores its context
// is abandoned once the deadline passes.
func (x *execution) call(ctx context.Context, t tool.Tool, c core.ToolCall) (any, error) {
	if timeout := x.e.opts.ToolTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx = tool.WithCallInfo(ctx, tool.CallInfo{
		Agent:     x.e.name,
		ThreadID:  x.thread.ID,
		CallID:    c.ID,
		Iteration: x.iteration,
	})
	ctx = logging.NewContext(ctx, logging.With(x.logger, "tool", c.Name, "call_id", c.ID))

	type callResult struct {
		value any
		err   error
	}
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				pe := newPanicError(r)
				x.logger.Error("engine.tool.panic", "tool", c.Name, "call_id", c.ID, "recover", fmt.Sprint(r), "stack", string(pe.stack))
				done <- callResult{err: pe}
			}
		}()
		v, err := t.Call(ctx, c.Clone().Arguments)
		done <- callResult{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		select {
		case r := <-done:
			return r.value, r.err
		default:
			return nil, ctx.Err()
		}
	}
}

// classify maps a tool failure to its error kind. ctx is the run context, so
// a deadline that fired while it is still alive is the per-tool timeout.
func (x *execution) classify(ctx context.Context, c core.ToolCall, err error) (core.ErrorKind, error) {
	if ctx.Err() != nil {
		return core.ErrorKindCancelled, err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.ErrorKindTimeout, fmt.Errorf("%s timed out after %s", c.Name, x.e.opts.ToolTimeout)
	}
	var te *tool.ToolError
	if errors.As(err, &te) && te.Code == tool.CodeValidation {
		return core.ErrorKindInvalidArguments, err
	}
	return core.ErrorKindToolInvocation, err
}

func (x *execution) report(ctx context.Context, idx int, o outcome) outcome {
	if o.kind == "" {
		x.emit(ctx, core.EventToolResult, core.ToolResult{
			Index:      idx,
			CallID:     o.call.ID,
			Name:       o.call.Name,
			Result:     o.result,
			DurationMs: o.duration.Milliseconds(),
		})
		return o
	}
	x.emit(ctx, core.EventToolError, core.ToolErrorPayload{
		Index:      idx,
		CallID:     o.call.ID,
		Name:       o.call.Name,
		Kind:       o.kind,
		Error:      o.err.Error(),
		DurationMs: o.duration.Milliseconds(),
	})
	return o
}

func unknownToolError(c core.ToolCall) error {
	if c.Diagnostic != "" {
		return errors.New(c.Diagnostic)
	}
	return fmt.Errorf("tool %q is not registered", c.Name)
}

// panicError converts a recovered panic value into an error, keeping the stack.
type panicError struct {
	value any
	stack []byte
}

func newPanicError(r any) *panicError { return &panicError{value: r, stack: debug.Stack()} }

func (p *panicError) Error() string { return fmt.Sprintf("tool panicked: %v", p.value) }
