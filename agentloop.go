// Package agentloop provides a high-level façade that assembles an agent
// engine, its runner and the supporting services from a config.Config.
// Most applications interact with this package by:
//  1. Loading configuration with config.Load (defaults < YAML < environment)
//  2. Creating an AgentLoop via New, optionally overriding the model, tools
//     or stores
//  3. Running turns on threads with Run or Stream
//
// Unset services fall back to in-memory implementations, so the zero
// configuration is suitable for local development and tests. Production
// deployments typically set a Postgres DSN and a NATS URL.
package agentloop

import (
	"context"
	"errors"
	"fmt"
	"sync"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	openaiopt "github.com/openai/openai-go/option"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentloop/cache"
	"github.com/hupe1980/agentloop/completion"
	"github.com/hupe1980/agentloop/config"
	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/engine"
	"github.com/hupe1980/agentloop/eventbus/nats"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/model/anthropic"
	"github.com/hupe1980/agentloop/model/openai"
	"github.com/hupe1980/agentloop/runner"
	"github.com/hupe1980/agentloop/store/memory"
	"github.com/hupe1980/agentloop/store/postgres"
	"github.com/hupe1980/agentloop/telemetry"
	"github.com/hupe1980/agentloop/tool"
	"github.com/hupe1980/agentloop/tool/mcp"
)

// Options holds overrides applied on top of the configuration.
type Options struct {
	// Model replaces the provider selected by cfg.Model.
	Model model.Model
	// Tools are registered in addition to cfg.Agent.Tools.
	Tools     []any
	Delegates []tool.Delegate
	// InstructionProvider replaces cfg.Agent.Instruction.
	InstructionProvider engine.InstructionProvider
	Observers           []engine.Observer

	// ThreadStore and FileStore replace the stores derived from cfg.Postgres.
	ThreadStore core.ThreadStore
	FileStore   core.FileStore

	// Logger replaces the logger built from cfg.Logging.
	Logger logging.Logger

	// MeterProvider and TracerProvider are used when cfg.Telemetry is
	// enabled. Nil falls back to the global providers.
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// AgentLoop aggregates the engine, the runner and the resources they hold.
type AgentLoop struct {
	engine *engine.Engine
	runner *runner.Runner
	logger logging.Logger

	mu      sync.Mutex
	closers []func() error
}

// New wires an AgentLoop from cfg. Resources opened before a failure are
// released before New returns.
func New(ctx context.Context, cfg *config.Config, optFns ...func(o *Options)) (_ *AgentLoop, err error) {
	if cfg == nil {
		d := config.Defaults()
		cfg = &d
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger(&logging.LoggerConfig{
			Level:     logging.ParseLevel(cfg.Logging.Level),
			Format:    cfg.Logging.Format,
			Component: "agentloop",
		})
	}

	a := &AgentLoop{logger: opts.Logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	m := opts.Model
	if m == nil {
		if m, err = newModel(cfg.Model); err != nil {
			return nil, err
		}
	}

	threads, files, err := a.stores(ctx, cfg.Postgres, opts)
	if err != nil {
		return nil, err
	}

	var publisher engine.Publisher
	if cfg.NATS.URL != "" {
		p, err := nats.Connect(ctx, cfg.NATS.URL, func(o *nats.Options) {
			o.Stream = cfg.NATS.Stream
			o.SubjectPrefix = cfg.NATS.SubjectPrefix
			o.Logger = opts.Logger
		})
		if err != nil {
			return nil, err
		}
		a.onClose(p.Close)
		publisher = p
	}

	var resultCache tool.ResultCache
	if cfg.Cache.Enabled {
		c, err := cache.New(func(o *cache.Options) {
			o.MaxCostBytes = cfg.Cache.MaxSizeMB << 20
			o.TTL = cfg.Cache.TTL
		})
		if err != nil {
			return nil, fmt.Errorf("tool cache: %w", err)
		}
		a.onClose(func() error { c.Close(); return nil })
		resultCache = c
	}

	var tel *telemetry.Telemetry
	if cfg.Telemetry.Enabled {
		if tel, err = telemetry.New(func(o *telemetry.Options) {
			o.MeterProvider = opts.MeterProvider
			o.TracerProvider = opts.TracerProvider
		}); err != nil {
			return nil, err
		}
	}

	bridges, err := a.connectMCP(ctx, cfg.MCP, opts.Logger)
	if err != nil {
		return nil, err
	}

	declared := make([]any, 0, len(cfg.Agent.Tools)+len(bridges)+len(opts.Tools))
	for _, name := range cfg.Agent.Tools {
		declared = append(declared, name)
	}
	for _, b := range bridges {
		declared = append(declared, b)
	}
	declared = append(declared, opts.Tools...)

	a.engine, err = engine.New(cfg.Agent.Name, m, func(o *engine.Options) {
		o.Description = cfg.Agent.Description
		o.Instruction = cfg.Agent.Instruction
		o.InstructionProvider = opts.InstructionProvider
		o.Tools = declared
		o.Delegates = opts.Delegates
		o.Cache = resultCache
		o.CacheableTools = cfg.Agent.CacheableTools
		o.MaxIterations = cfg.Agent.MaxIterations
		o.ToolConcurrency = cfg.Agent.ToolConcurrency
		o.ToolTimeout = cfg.Agent.ToolTimeout
		o.CompletionTimeout = cfg.Agent.CompletionTimeout
		o.Retry = completion.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Multiplier:  cfg.Retry.Multiplier,
			Jitter:      cfg.Retry.Jitter,
		}
		o.BreakerThreshold = cfg.Breaker.MaxFailures
		o.BreakerTimeout = cfg.Breaker.Timeout
		o.FileStore = files
		o.Publisher = publisher
		o.Observers = opts.Observers
		o.Logger = opts.Logger
		o.Telemetry = tel
	})
	if err != nil {
		return nil, err
	}

	a.runner = runner.New(a.engine, func(o *runner.Options) {
		o.ThreadStore = threads
		o.FileStore = files
		o.MaxConcurrentRuns = cfg.Agent.MaxConcurrentRuns
		o.Logger = opts.Logger
	})

	opts.Logger.Info("agentloop.ready",
		"agent", cfg.Agent.Name,
		"tools", len(a.engine.Tools()),
		"postgres", cfg.Postgres.DSN != "",
		"nats", cfg.NATS.URL != "",
	)

	return a, nil
}

// Engine returns the underlying engine, e.g. to attach it as a delegate of
// another engine.
func (a *AgentLoop) Engine() *engine.Engine { return a.engine }

// Run executes one turn on the thread identified by threadID.
func (a *AgentLoop) Run(ctx context.Context, threadID string, in runner.Input) (*core.AgentResult, error) {
	return a.runner.Run(ctx, threadID, in)
}

// Stream executes one turn asynchronously. See runner.Runner.Stream.
func (a *AgentLoop) Stream(ctx context.Context, threadID string, in runner.Input) (string, <-chan core.Event, <-chan error, error) {
	return a.runner.Stream(ctx, threadID, in)
}

// Cancel cancels a streaming run by ID.
func (a *AgentLoop) Cancel(runID string) error {
	return a.runner.Cancel(runID)
}

// Close releases MCP sessions, the event bus connection, the cache and the
// database pool in reverse order of creation.
func (a *AgentLoop) Close() error {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *AgentLoop) onClose(fn func() error) {
	a.mu.Lock()
	a.closers = append(a.closers, fn)
	a.mu.Unlock()
}

func (a *AgentLoop) stores(ctx context.Context, cfg config.Postgres, opts Options) (core.ThreadStore, core.FileStore, error) {
	threads, files := opts.ThreadStore, opts.FileStore
	if threads != nil && files != nil {
		return threads, files, nil
	}

	if cfg.DSN == "" {
		if threads == nil {
			threads = memory.NewThreadStore()
		}
		if files == nil {
			files = memory.NewFileStore()
		}
		return threads, files, nil
	}

	if cfg.Migrate {
		if err := postgres.RunMigrations(ctx, cfg.DSN); err != nil {
			return nil, nil, err
		}
	}
	pool, err := postgres.NewPool(ctx, cfg.DSN, func(o *postgres.PoolOptions) {
		o.MaxConns = cfg.MaxConns
		o.MinConns = cfg.MinConns
		o.MaxConnLifetime = cfg.MaxConnLifetime
		o.MaxConnIdleTime = cfg.MaxConnIdleTime
		o.HealthCheck = cfg.HealthCheck
	})
	if err != nil {
		return nil, nil, err
	}
	a.onClose(func() error { pool.Close(); return nil })

	if threads == nil {
		threads = postgres.NewThreadStore(pool)
	}
	if files == nil {
		files = postgres.NewFileStore(pool)
	}
	return threads, files, nil
}

// connectMCP connects all servers in parallel. The returned bridges keep the
// configuration order.
func (a *AgentLoop) connectMCP(ctx context.Context, servers []mcp.ServerConfig, logger logging.Logger) ([]*mcp.Bridge, error) {
	bridges := make([]*mcp.Bridge, len(servers))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range servers {
		g.Go(func() error {
			b, err := mcp.Connect(gctx, s, func(o *mcp.Options) {
				o.ClientName = "agentloop"
				o.Logger = logger
			})
			if err != nil {
				return err
			}
			bridges[i] = b
			return nil
		})
	}
	err := g.Wait()
	for _, b := range bridges {
		if b != nil {
			a.onClose(b.Close)
		}
	}
	if err != nil {
		return nil, err
	}
	return bridges, nil
}

func newModel(cfg config.Model) (model.Model, error) {
	switch cfg.Provider {
	case "openai":
		var reqOpts []openaiopt.RequestOption
		if cfg.APIKey != "" {
			reqOpts = append(reqOpts, openaiopt.WithAPIKey(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			reqOpts = append(reqOpts, openaiopt.WithBaseURL(cfg.BaseURL))
		}
		return openai.NewModel(reqOpts, func(o *openai.Options) {
			if cfg.Name != "" {
				o.Model = cfg.Name
			}
			o.Temperature = cfg.Temperature
			o.MaxCompletionTokens = cfg.MaxTokens
		}), nil
	case "anthropic":
		var reqOpts []anthropicopt.RequestOption
		if cfg.APIKey != "" {
			reqOpts = append(reqOpts, anthropicopt.WithAPIKey(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			reqOpts = append(reqOpts, anthropicopt.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.NewModel(reqOpts, func(o *anthropic.Options) {
			if cfg.Name != "" {
				o.Model = anthropicsdk.Model(cfg.Name)
			}
			o.Temperature = cfg.Temperature
			o.MaxTokens = cfg.MaxTokens
		}), nil
	default:
		return nil, fmt.Errorf("unsupported model provider %q", cfg.Provider)
	}
}
