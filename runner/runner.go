package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/store/memory"
)

// Agent is the execution surface a Runner drives. *engine.Engine implements it.
type Agent interface {
	Name() string
	Run(ctx context.Context, thread *core.Thread) (*core.AgentResult, error)
	Stream(ctx context.Context, thread *core.Thread) (<-chan core.Event, error)
}

// Input is the user turn appended before a run. An empty Input resumes the
// thread without a new user message.
type Input struct {
	Text  string
	Parts []core.Part
	// Attachments carrying Data are offloaded to the file store before the
	// message is appended; only the descriptor stays in the thread.
	Attachments []core.Attachment
	// Metadata is merged into the thread metadata.
	Metadata map[string]any
}

func (in Input) empty() bool {
	return in.Text == "" && len(in.Parts) == 0 && len(in.Attachments) == 0
}

// Options holds dependency and configuration overrides passed to New().
type Options struct {
	// ThreadStore persists threads between runs. Defaults to an in-memory store.
	ThreadStore core.ThreadStore
	// FileStore keeps attachment bytes. Defaults to an in-memory store.
	FileStore core.FileStore
	// MaxConcurrentRuns limits concurrent runs. 0 means unbounded.
	MaxConcurrentRuns int
	// EventBufferSize sets channel buffering for streamed events.
	EventBufferSize int
	// SaveTimeout bounds the final save, which also runs after cancellation.
	SaveTimeout time.Duration
	Logger      logging.Logger
}

// Runner coordinates agent execution on persisted threads. Public methods
// are safe for concurrent use.
type Runner struct {
	agent  Agent
	opts   Options
	logger logging.Logger
	sem    *semaphore.Weighted

	mu         sync.Mutex
	activeRuns map[string]context.CancelFunc
	busy       map[string]struct{}
}

// New constructs a Runner with optional overrides.
func New(agent Agent, optFns ...func(o *Options)) *Runner {
	opts := Options{
		MaxConcurrentRuns: 10,
		EventBufferSize:   100,
		SaveTimeout:       5 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.ThreadStore == nil {
		opts.ThreadStore = memory.NewThreadStore()
	}
	if opts.FileStore == nil {
		opts.FileStore = memory.NewFileStore()
	}

	r := &Runner{
		agent:      agent,
		opts:       opts,
		logger:     logging.With(logging.OrNop(opts.Logger), "component", "runner", "agent", agent.Name()),
		activeRuns: make(map[string]context.CancelFunc),
		busy:       make(map[string]struct{}),
	}
	if opts.MaxConcurrentRuns > 0 {
		r.sem = semaphore.NewWeighted(int64(opts.MaxConcurrentRuns))
	}
	return r
}

// Run appends in to the thread identified by threadID (created when it does
// not exist; an empty id generates one), runs the agent to a terminal state
// and saves the thread. The result is returned whenever the agent produced
// one, even together with an error.
func (r *Runner) Run(ctx context.Context, threadID string, in Input) (*core.AgentResult, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	defer r.release()

	thread, err := r.prepare(ctx, threadID, in)
	if err != nil {
		return nil, err
	}
	defer r.unlock(thread.ID)

	res, runErr := r.agent.Run(ctx, thread)
	saveErr := r.save(ctx, thread)
	return res, errors.Join(runErr, saveErr)
}

// Stream starts an asynchronous run and returns its run id, the event
// stream and an error channel. Both channels are closed when the run ended
// and the thread was saved. A fatal run reports its *core.ExecutionError on
// the error channel after the terminal event.
func (r *Runner) Stream(ctx context.Context, threadID string, in Input) (string, <-chan core.Event, <-chan error, error) {
	if err := r.acquire(ctx); err != nil {
		return "", nil, nil, err
	}

	thread, err := r.prepare(ctx, threadID, in)
	if err != nil {
		r.release()
		return "", nil, nil, err
	}

	runID := core.NewID()
	ctx, cancel := context.WithCancel(ctx)

	source, err := r.agent.Stream(ctx, thread)
	if err != nil {
		cancel()
		r.unlock(thread.ID)
		r.release()
		return "", nil, nil, err
	}

	r.mu.Lock()
	r.activeRuns[runID] = cancel
	r.mu.Unlock()

	r.logger.Debug("runner.stream.start", "run_id", runID, "thread_id", thread.ID)

	eventsCh := make(chan core.Event, r.opts.EventBufferSize)
	errCh := make(chan error, 1)

	go func() {
		defer func() {
			close(eventsCh)
			close(errCh)
		}()
		defer r.release()
		defer r.unlock(thread.ID)
		defer func() {
			r.mu.Lock()
			delete(r.activeRuns, runID)
			r.mu.Unlock()
			cancel()
		}()

		var runErr error
		for ev := range source {
			if ev.Kind == core.EventExecutionError {
				if p, ok := core.PayloadAs[core.ExecutionErrorPayload](ev); ok {
					runErr = p.Err()
				}
			}
			select {
			case eventsCh <- ev:
			case <-ctx.Done():
				select {
				case eventsCh <- ev:
				default:
					r.logger.Debug("runner.stream.dropped", "run_id", runID, "kind", string(ev.Kind))
				}
			}
		}

		if err := errors.Join(runErr, r.save(ctx, thread)); err != nil {
			errCh <- err
		}
		r.logger.Debug("runner.stream.done", "run_id", runID, "thread_id", thread.ID)
	}()

	return runID, eventsCh, errCh, nil
}

// Cancel cancels a running stream by ID.
func (r *Runner) Cancel(runID string) error {
	r.mu.Lock()
	cancel, exists := r.activeRuns[runID]
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("run %s not found", runID)
	}

	cancel()

	return nil
}

// prepare loads or creates the thread, claims it for this runner and
// appends the user input.
func (r *Runner) prepare(ctx context.Context, threadID string, in Input) (*core.Thread, error) {
	var thread *core.Thread
	if threadID != "" {
		loaded, err := r.opts.ThreadStore.Load(ctx, threadID)
		switch {
		case err == nil:
			thread = loaded
		case errors.Is(err, core.ErrNotFound):
		default:
			return nil, fmt.Errorf("load thread %s: %w", threadID, err)
		}
	}
	if thread == nil {
		thread = core.NewThread(threadID)
	}

	if err := r.lock(thread.ID); err != nil {
		return nil, err
	}

	for k, v := range in.Metadata {
		thread.SetMetadata(k, v)
	}
	if in.empty() {
		return thread, nil
	}

	atts, err := r.offload(ctx, in.Attachments)
	if err != nil {
		r.unlock(thread.ID)
		return nil, err
	}

	f := core.NewMessageFactory(r.agent.Name(), "")
	msg := f.CreateUserMessage(in.Text, atts...)
	if len(in.Parts) > 0 {
		msg.Parts = append([]core.Part(nil), in.Parts...)
	}
	thread.Append(msg)
	return thread, nil
}

func (r *Runner) offload(ctx context.Context, atts []core.Attachment) ([]core.Attachment, error) {
	out := make([]core.Attachment, 0, len(atts))
	for _, a := range atts {
		if len(a.Data) == 0 {
			out = append(out, a)
			continue
		}
		stored, err := r.opts.FileStore.Put(ctx, a.Name, a.MimeType, a.Data)
		if err != nil {
			return nil, fmt.Errorf("store attachment %s: %w", a.Name, err)
		}
		r.logger.Debug("runner.attachment.stored", "attachment_id", stored.ID, "size", stored.Size)
		out = append(out, stored)
	}
	return out, nil
}

// save persists the thread even when ctx was cancelled.
func (r *Runner) save(ctx context.Context, thread *core.Thread) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.SaveTimeout)
	defer cancel()
	if err := r.opts.ThreadStore.Save(sctx, thread); err != nil {
		r.logger.Error("runner.save.failed", "thread_id", thread.ID, "error", err.Error())
		return fmt.Errorf("save thread %s: %w", thread.ID, err)
	}
	return nil
}

func (r *Runner) lock(threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.busy[threadID]; ok {
		return core.ErrThreadBusy
	}
	r.busy[threadID] = struct{}{}
	return nil
}

func (r *Runner) unlock(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.busy, threadID)
}

func (r *Runner) acquire(ctx context.Context) error {
	if r.sem == nil {
		return nil
	}
	return r.sem.Acquire(ctx, 1)
}

func (r *Runner) release() {
	if r.sem != nil {
		r.sem.Release(1)
	}
}
