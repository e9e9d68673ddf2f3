package engine

import (
	"context"
	"errors"
	"time"

	"github.com/hupe1980/agentloop/completion"
	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/internal/resilience"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/telemetry"
	"github.com/hupe1980/agentloop/tool"
)

// InstructionProvider computes the system instruction for a run.
type InstructionProvider func(ctx context.Context, thread *core.Thread) (string, error)

// Options configures an Engine using the functional options pattern.
//
// Example:
//
//	eng, err := engine.New("assistant", model, func(o *engine.Options) {
//	    o.MaxIterations = 5
//	    o.ToolConcurrency = 4
//	    o.Logger = logger
//	})
type Options struct {
	// Description is shown to parent agents when this engine is attached
	// as a delegate.
	Description string

	// Instruction is the system instruction. It is rendered as a text/template
	// over the thread metadata once per run.
	Instruction string
	// InstructionProvider, when set, replaces Instruction.
	InstructionProvider InstructionProvider

	// Tools holds tool declarations: builtin group names, bundles, tools,
	// specs or plain functions.
	Tools []any
	// Delegates become delegate_to_<name> tools.
	Delegates  []tool.Delegate
	Catalog    tool.Catalog
	Strategies []tool.Strategy
	// Cache serves repeated calls of the tools listed in CacheableTools.
	Cache          tool.ResultCache
	CacheableTools []string

	// MaxIterations caps the completions per run. Default 10.
	MaxIterations int
	// ToolConcurrency bounds parallel tool calls per batch; 0 means unbounded.
	ToolConcurrency int
	// ToolTimeout bounds each tool call. Default 30s.
	ToolTimeout time.Duration
	// CompletionTimeout bounds each completion attempt. Default 60s.
	CompletionTimeout time.Duration

	// Model overrides the model name sent with each request.
	Model       string
	Params      model.Params
	Retry       completion.RetryPolicy
	Adjustments completion.AdjustmentTable
	// BreakerThreshold consecutive completion failures open the circuit for
	// BreakerTimeout. Zero disables the breaker.
	BreakerThreshold int
	BreakerTimeout   time.Duration

	// FileStore resolves stored attachments when building requests.
	FileStore core.FileStore
	// Publisher receives every event, e.g. the NATS event bus.
	Publisher Publisher
	Observers []Observer
	// EventBuffer is the channel capacity used by Stream. Default 64.
	EventBuffer int

	Logger    logging.Logger
	Telemetry *telemetry.Telemetry
}

// Engine runs the agent loop for one agent. It is immutable after
// construction and safe for concurrent runs on different threads.
type Engine struct {
	name    string
	opts    Options
	model   model.Model
	tools   *tool.Manager
	handler *completion.Handler
	logger  logging.Logger
}

// New builds an Engine. Tool declarations are registered immediately, so an
// unknown declaration fails here with a *core.ConfigurationError and no
// completion is ever requested.
func New(name string, m model.Model, optFns ...func(o *Options)) (*Engine, error) {
	opts := Options{
		MaxIterations:     10,
		ToolTimeout:       30 * time.Second,
		CompletionTimeout: 60 * time.Second,
		Retry:             completion.DefaultRetryPolicy(),
		Adjustments:       completion.DefaultAdjustments(),
		BreakerTimeout:    30 * time.Second,
		EventBuffer:       64,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if name == "" {
		return nil, &core.ConfigurationError{Reason: "engine name must not be empty"}
	}
	if m == nil {
		return nil, &core.ConfigurationError{Declaration: name, Reason: "model must not be nil"}
	}
	if opts.MaxIterations < 1 {
		return nil, &core.ConfigurationError{Declaration: name, Reason: "max iterations must be at least 1"}
	}
	if opts.ToolConcurrency < 0 {
		return nil, &core.ConfigurationError{Declaration: name, Reason: "tool concurrency must not be negative"}
	}

	logger := logging.With(logging.OrNop(opts.Logger), "agent", name)

	manager, err := tool.NewManager(opts.Tools, opts.Delegates, func(o *tool.ManagerOptions) {
		if opts.Catalog != nil {
			o.Catalog = opts.Catalog
		}
		o.Strategies = opts.Strategies
		o.Cache = opts.Cache
		o.Cacheable = opts.CacheableTools
		o.Logger = logger
	})
	if err != nil {
		return nil, err
	}

	var breaker *resilience.Breaker
	if opts.BreakerThreshold > 0 {
		breaker = resilience.NewBreaker(opts.BreakerThreshold, opts.BreakerTimeout)
	}

	handler := completion.NewHandler(m, func(o *completion.Options) {
		o.Agent = name
		o.Model = opts.Model
		o.Params = opts.Params
		o.Timeout = opts.CompletionTimeout
		o.Retry = opts.Retry
		o.Adjustments = opts.Adjustments
		o.Breaker = breaker
		o.FileStore = opts.FileStore
		o.Logger = logger
		o.Telemetry = opts.Telemetry
	})

	logger.Debug("engine.created", "tools", manager.Len(), "max_iterations", opts.MaxIterations)

	return &Engine{
		name:    name,
		opts:    opts,
		model:   m,
		tools:   manager,
		handler: handler,
		logger:  logger,
	}, nil
}

// Name returns the agent name.
func (e *Engine) Name() string { return e.name }

// Description implements tool.Delegate.
func (e *Engine) Description() string { return e.opts.Description }

// Tools returns the registered tool names in registration order.
func (e *Engine) Tools() []string { return e.tools.Names() }

// Run executes the loop on thread until a terminal state and returns the
// collected result. The result is returned for every terminal state; a
// fatal_error run additionally returns a *core.ExecutionError.
func (e *Engine) Run(ctx context.Context, thread *core.Thread) (*core.AgentResult, error) {
	if thread == nil {
		return nil, errors.New("engine: thread must not be nil")
	}
	if err := thread.Acquire(); err != nil {
		return nil, err
	}
	defer thread.Release()

	var events []core.Event
	x := e.newExecution(thread, false, func(_ context.Context, ev core.Event) {
		events = append(events, ev)
	})
	err := x.run(ctx)

	return &core.AgentResult{
		Content:     x.content,
		Thread:      thread,
		NewMessages: thread.Since(x.startLen),
		State:       x.state,
		Details: core.ExecutionDetails{
			Events:     events,
			StartTime:  x.start,
			EndTime:    x.end,
			Iterations: x.iteration,
		},
	}, err
}

// Stream executes the loop on thread in the background and forwards every
// event as it is produced. The channel is closed after the terminal
// execution_complete or execution_error event. The thread must not be
// touched by the caller until the channel is closed.
func (e *Engine) Stream(ctx context.Context, thread *core.Thread) (<-chan core.Event, error) {
	if thread == nil {
		return nil, errors.New("engine: thread must not be nil")
	}
	if err := thread.Acquire(); err != nil {
		return nil, err
	}

	out := make(chan core.Event, e.opts.EventBuffer)
	x := e.newExecution(thread, true, func(ctx context.Context, ev core.Event) {
		select {
		case out <- ev:
		case <-ctx.Done():
			// The terminal event of a cancelled run is still delivered to a
			// consumer that keeps reading.
			t := time.NewTimer(drainTimeout)
			defer t.Stop()
			select {
			case out <- ev:
			case <-t.C:
			}
		}
	})

	go func() {
		defer close(out)
		defer thread.Release()
		_ = x.run(ctx)
	}()

	return out, nil
}

const drainTimeout = time.Second

// Delegate implements tool.Delegate: it runs task on a fresh thread and
// returns the final content.
func (e *Engine) Delegate(ctx context.Context, task string) (string, error) {
	thread := core.NewThread("")
	if info, ok := tool.CallInfoFrom(ctx); ok {
		thread.SetMetadata("parent_agent", info.Agent)
		thread.SetMetadata("parent_thread_id", info.ThreadID)
		thread.SetMetadata("parent_call_id", info.CallID)
	}
	thread.Append(core.NewMessageFactory(e.name, "").CreateUserMessage(task))

	res, err := e.Run(ctx, thread)
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

var _ tool.Delegate = (*Engine)(nil)
