package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentloop/completion"
	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/internal/util"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
)

// sink receives events in emission order. Run collects them, Stream
// forwards them on a channel.
type sink func(ctx context.Context, ev core.Event)

// execution is the state of one run. Only the goroutine calling run appends
// to the thread; tool goroutines only emit events.
type execution struct {
	e       *Engine
	thread  *core.Thread
	factory *core.MessageFactory
	stream  bool
	sink    sink
	logger  logging.Logger

	emitMu sync.Mutex

	state     core.State
	iteration int
	startLen  int
	start     time.Time
	end       time.Time
	content   string
	usage     core.TokenUsage
}

func (e *Engine) newExecution(thread *core.Thread, stream bool, s sink) *execution {
	return &execution{
		e:        e,
		thread:   thread,
		factory:  core.NewMessageFactory(e.name, e.handler.ModelName()),
		stream:   stream,
		sink:     s,
		logger:   logging.With(e.logger, "thread_id", thread.ID),
		state:    core.StateInit,
		startLen: thread.Len(),
	}
}

func (x *execution) run(ctx context.Context) error {
	x.start = time.Now()
	tel := x.e.opts.Telemetry
	ctx, span := tel.StartRun(ctx, x.e.name, x.thread.ID)

	x.logger.Info("engine.run.start", "messages", x.startLen, "stream", x.stream)

	err := x.loop(ctx)

	x.end = time.Now()
	tel.EndRun(ctx, span, x.e.name, x.state, x.end.Sub(x.start), err)
	x.logger.Info("engine.run.done",
		"state", string(x.state),
		"iterations", x.iteration,
		"total_tokens", x.usage.TotalTokens,
		"duration_ms", x.end.Sub(x.start).Milliseconds(),
	)
	return err
}

func (x *execution) loop(ctx context.Context) error {
	instruction, err := x.instruction(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return x.cancelled(ctx, ctxErr)
		}
		return x.fail(ctx, core.ErrorKindConfiguration, fmt.Errorf("render instruction: %w", err), false)
	}
	defs := x.e.tools.Definitions()

	x.state = core.StateIterating
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return x.cancelled(ctx, ctxErr)
		}
		if x.iteration >= x.e.opts.MaxIterations {
			return x.limitReached(ctx)
		}
		x.iteration++

		done, err := x.iterate(ctx, instruction, defs)
		if done || err != nil {
			return err
		}
	}
}

func (x *execution) instruction(ctx context.Context) (string, error) {
	if p := x.e.opts.InstructionProvider; p != nil {
		return p(ctx, x.thread)
	}
	return util.RenderTemplate(x.e.opts.Instruction, x.thread.Metadata)
}

// iterate performs one completion and, if requested, one tool batch. done
// reports that the run reached a terminal state.
func (x *execution) iterate(ctx context.Context, instruction string, defs []model.ToolDefinition) (bool, error) {
	ctx, span := x.e.opts.Telemetry.StartIteration(ctx, x.e.name, x.iteration)
	defer span.End()

	x.logger.Debug("engine.iteration.start", "iteration", x.iteration)
	x.emit(ctx, core.EventIterationStart, core.IterationStart{
		Iteration:     x.iteration,
		MaxIterations: x.e.opts.MaxIterations,
	})

	history := x.thread.History()
	call := completion.Call{
		Messages:    history,
		Tools:       defs,
		Instruction: instruction,
		Iteration:   x.iteration,
		Resolver:    x.e.tools,
	}
	count := len(history)
	if instruction != "" {
		count++
	}
	x.emit(ctx, core.EventRequestSent, core.RequestSent{
		Model:        x.e.handler.ModelName(),
		MessageCount: count,
		ToolCount:    len(defs),
		Stream:       x.stream,
	})

	var (
		res *completion.Result
		err error
	)
	if x.stream {
		call.OnFragment = func(text string) {
			x.emit(ctx, core.EventStreamFragment, core.StreamFragment{Text: text})
		}
		res, err = x.e.handler.Stream(ctx, call)
	} else {
		res, err = x.e.handler.Complete(ctx, call)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return true, x.cancelled(ctx, ctxErr)
		}
		return true, x.fail(ctx, core.ErrorKindCompletionService, err, true)
	}

	x.emit(ctx, core.EventResponseReceived, core.ResponseReceived{
		Content:     res.Content,
		ToolCalls:   res.ToolCalls,
		Metrics:     res.Metrics,
		Diagnostics: res.Diagnostics,
	})
	for _, d := range res.Diagnostics {
		x.logger.Warn("engine.toolcall.diagnostic", "iteration", x.iteration, "diagnostic", d)
	}
	x.usage = x.usage.Add(res.Metrics.Usage())
	x.content = res.Content

	x.appendMessage(ctx, x.factory.CreateAssistantMessage(res.Content, res.ToolCalls, res.Metrics))

	if len(res.ToolCalls) == 0 {
		return true, x.finish(ctx, core.StateComplete)
	}

	x.state = core.StateToolExecution
	for i, c := range res.ToolCalls {
		x.emit(ctx, core.EventToolSelected, core.ToolSelected{
			Index:        i,
			CallID:       c.ID,
			Name:         c.Name,
			Arguments:    c.Clone().Arguments,
			Unresolvable: c.Unresolvable,
			Diagnostic:   c.Diagnostic,
		})
	}

	outcomes := x.dispatch(ctx, res.ToolCalls)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return true, x.cancelled(ctx, ctxErr)
	}
	for _, o := range outcomes {
		x.appendMessage(ctx, o.message(x.factory))
	}

	x.state = core.StateIterating
	return false, nil
}

func (x *execution) appendMessage(ctx context.Context, m core.Message) core.Message {
	stored := x.thread.Append(m)
	x.emit(ctx, core.EventMessageCreated, core.MessageCreated{Message: stored})
	return stored
}

func (x *execution) finish(ctx context.Context, state core.State) error {
	x.state = state
	x.emit(ctx, core.EventExecutionComplete, core.ExecutionComplete{
		State:      state,
		Iterations: x.iteration,
		DurationMs: time.Since(x.start).Milliseconds(),
		Usage:      x.usage,
		Content:    x.content,
	})
	return nil
}

func (x *execution) limitReached(ctx context.Context) error {
	msg := x.appendMessage(ctx, x.factory.CreateIterationLimitMessage(x.iteration))
	x.content = msg.Content
	x.emit(ctx, core.EventIterationLimitReached, core.IterationLimitReached{
		Iterations:    x.iteration,
		MaxIterations: x.e.opts.MaxIterations,
	})
	x.logger.Warn("engine.iteration_limit", "iterations", x.iteration)
	return x.finish(ctx, core.StateIterationLimit)
}

// fail ends the run in the fatal_error state. record appends a system
// message describing the failure.
func (x *execution) fail(ctx context.Context, kind core.ErrorKind, err error, record bool) error {
	x.state = core.StateFatalError
	if record {
		x.appendMessage(ctx, x.factory.CreateErrorMessage(kind, err.Error(), ""))
	}
	execErr := &core.ExecutionError{Kind: kind, Err: err}
	x.emit(ctx, core.EventExecutionError, core.NewExecutionErrorPayload(execErr))
	x.logger.Error("engine.run.failed", "error_kind", string(kind), "error", err.Error())
	return execErr
}

// cancelled ends the run without appending anything further.
func (x *execution) cancelled(ctx context.Context, err error) error {
	x.state = core.StateFatalError
	execErr := &core.ExecutionError{Kind: core.ErrorKindCancelled, Err: err}
	x.emit(ctx, core.EventExecutionError, core.NewExecutionErrorPayload(execErr))
	x.logger.Warn("engine.run.cancelled", "iteration", x.iteration)
	return execErr
}

// emit stamps and delivers one event to observers, the publisher and the
// sink. Delivery is serialized so concurrent tool goroutines cannot
// interleave.
func (x *execution) emit(ctx context.Context, kind core.EventKind, payload any) {
	ev := core.NewEvent(kind, x.thread.ID, x.e.name, x.iteration, payload)

	x.emitMu.Lock()
	defer x.emitMu.Unlock()

	for _, o := range x.e.opts.Observers {
		o.Observe(ctx, ev)
	}
	if p := x.e.opts.Publisher; p != nil {
		if err := p.Publish(context.WithoutCancel(ctx), ev); err != nil {
			x.logger.Warn("engine.publish.failed", "kind", string(kind), "error", err.Error())
		}
	}
	x.sink(ctx, ev)
}
