package completion

import (
	"context"
	"errors"
	"time"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/internal/resilience"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/telemetry"
)

// RetryPolicy controls how failed completion attempts are repeated.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64
}

// DefaultRetryPolicy returns three attempts with exponential backoff starting at 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

// Options configure a Handler.
type Options struct {
	// Agent is recorded as the source of messages the handler creates.
	Agent string
	// Model overrides the model name sent with each request.
	Model  string
	Params model.Params
	// Timeout bounds each attempt.
	Timeout     time.Duration
	Retry       RetryPolicy
	Adjustments AdjustmentTable
	// Breaker guards the completion service; nil disables it.
	Breaker   *resilience.Breaker
	FileStore core.FileStore
	Logger    logging.Logger
	Telemetry *telemetry.Telemetry
}

// Result is the outcome of one completion.
type Result struct {
	Content     string
	ToolCalls   []core.ToolCall
	Metrics     core.Metrics
	Diagnostics []string
	Attempts    int
}

// Handler performs completions against a model.Model.
type Handler struct {
	model   model.Model
	factory *core.MessageFactory
	opts    Options
}

// NewHandler creates a completion handler for m.
func NewHandler(m model.Model, optFns ...func(o *Options)) *Handler {
	opts := Options{
		Timeout:     60 * time.Second,
		Retry:       DefaultRetryPolicy(),
		Adjustments: DefaultAdjustments(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNop(opts.Logger)
	if opts.Breaker != nil {
		opts.Breaker.WithFailurePredicate(countsAgainstBreaker)
	}

	name := opts.Model
	if name == "" {
		name = m.Info().Name
	}
	return &Handler{
		model:   m,
		factory: core.NewMessageFactory(opts.Agent, name),
		opts:    opts,
	}
}

// ModelName returns the model name reported in message metadata.
func (h *Handler) ModelName() string { return h.factory.Model() }

// Complete performs a batch completion.
func (h *Handler) Complete(ctx context.Context, call Call) (*Result, error) {
	return h.run(ctx, call, false)
}

// Stream performs a streaming completion. Content fragments are passed to
// call.OnFragment as they arrive; the returned Result equals what Complete
// would return for the same provider response.
func (h *Handler) Stream(ctx context.Context, call Call) (*Result, error) {
	return h.run(ctx, call, true)
}

func (h *Handler) run(ctx context.Context, call Call, stream bool) (*Result, error) {
	req, err := h.BuildRequest(ctx, call, stream)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ServiceError{Err: err}
	}

	ctx, span := h.opts.Telemetry.StartCompletion(ctx, h.ModelName(), stream)
	backoff := resilience.Backoff(h.opts.Retry)

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= backoff.Attempts(); attempt++ {
		attempts = attempt
		start := time.Now()

		var (
			res       *Result
			forwarded bool
		)
		err := h.opts.Breaker.Execute(func() error {
			actx, cancel := h.attemptContext(ctx)
			defer cancel()
			var err error
			if stream {
				res, forwarded, err = h.streamOnce(actx, req, call)
			} else {
				res, err = h.generateOnce(actx, req, call)
			}
			if err != nil && ctx.Err() != nil && resilience.IsContextError(err) {
				return callerDoneError{err}
			}
			return err
		})
		if err == nil {
			res.Attempts = attempt
			res.Metrics.LatencyMs = time.Since(start).Milliseconds()
			if res.Metrics.Model == "" {
				res.Metrics.Model = h.ModelName()
			}
			logging.LogCompletion(h.opts.Logger, res.Metrics.Model, res.Metrics.TotalTokens, time.Since(start), nil)
			h.opts.Telemetry.EndCompletion(ctx, span, res.Metrics, attempt, nil)
			return res, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			h.opts.Telemetry.EndCompletion(ctx, span, core.Metrics{Model: h.ModelName()}, attempt, ctx.Err())
			return nil, ctx.Err()
		}
		if forwarded || !retryable(err) || attempt == backoff.Attempts() {
			break
		}

		delay := backoff.Delay(attempt)
		h.opts.Logger.Warn("completion.retry",
			"model", h.ModelName(),
			"attempt", attempt,
			"delay_ms", delay.Milliseconds(),
			"error", err.Error(),
		)
		if err := resilience.Sleep(ctx, delay); err != nil {
			h.opts.Telemetry.EndCompletion(ctx, span, core.Metrics{Model: h.ModelName()}, attempt, err)
			return nil, err
		}
	}

	serr := &ServiceError{Attempts: attempts, Err: lastErr}
	logging.LogCompletion(h.opts.Logger, h.ModelName(), 0, 0, serr)
	h.opts.Telemetry.EndCompletion(ctx, span, core.Metrics{Model: h.ModelName()}, attempts, serr)
	return nil, serr
}

func (h *Handler) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.opts.Timeout)
}

func (h *Handler) generateOnce(ctx context.Context, req model.Request, call Call) (*Result, error) {
	resp, err := h.model.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	res := &Result{
		Content: resp.Content,
		Metrics: metricsFrom(resp.Usage, resp.Model, resp.FinishReason),
	}
	res.ToolCalls, res.Diagnostics = normalize(resp.ToolCalls, call)
	return res, nil
}

func normalize(raws []core.RawToolCall, call Call) ([]core.ToolCall, []string) {
	calls := core.NormalizeToolCalls(raws, call.Iteration, call.Resolver)
	var diags []string
	for _, c := range calls {
		if c.Diagnostic != "" {
			diags = append(diags, c.ID+": "+c.Diagnostic)
		}
	}
	return calls, diags
}

func metricsFrom(u core.TokenUsage, modelName, finish string) core.Metrics {
	return core.Metrics{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		Model:            modelName,
		FinishReason:     finish,
	}
}

// retryable reports whether another attempt may succeed. The parent context
// has already been checked, so a deadline here is the per-attempt timeout.
func retryable(err error) bool {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return model.IsRetryable(err)
}

// callerDoneError marks an attempt cut short by the caller's own context
// rather than by the service or the per-attempt timeout.
type callerDoneError struct{ err error }

func (e callerDoneError) Error() string { return e.err.Error() }
func (e callerDoneError) Unwrap() error { return e.err }

func countsAgainstBreaker(err error) bool {
	var done callerDoneError
	if errors.As(err, &done) || errors.Is(err, context.Canceled) {
		return false
	}
	var pe *model.ProviderError
	if errors.As(err, &pe) && !pe.Retryable() {
		return false
	}
	return true
}
