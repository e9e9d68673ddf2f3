package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentloop/completion"
	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/internal/testutil"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/tool"
)

var usage = core.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}

func newEngine(t *testing.T, m model.Model, optFns ...func(o *Options)) *Engine {
	t.Helper()
	fns := append([]func(o *Options){func(o *Options) {
		o.Retry = completion.RetryPolicy{MaxAttempts: 1}
	}}, optFns...)
	eng, err := New("assistant", m, fns...)
	require.NoError(t, err)
	return eng
}

func calculatorScript() *model.ScriptedModel {
	return model.NewScriptedModel("m", "scripted").
		AddToolCalls(usage, testutil.NestedCall("call_1", "calculator", `{"expression":"2+2"}`)).
		AddText("The answer is 4", usage)
}

func TestRun_CalculatorScenario(t *testing.T) {
	m := model.NewScriptedModel("m", "scripted").
		AddToolCalls(usage, testutil.NestedCall("call_1", "calculator", `{"expr":"2+2"}`)).
		AddText("4", usage)
	eng := newEngine(t, m, func(o *Options) { o.Tools = []any{"math"} })

	th := testutil.NewThreadBuilder("t1").User("what is 2+2, use the calculator tool").Build()
	res, err := eng.Run(context.Background(), th)
	require.NoError(t, err)

	assert.Equal(t, "4", res.Content)
	assert.Equal(t, core.StateComplete, res.State)
	assert.Equal(t, 2, res.Details.Iterations)
	assert.Equal(t, 2, m.Calls())

	require.Equal(t, 4, th.Len())
	require.Len(t, res.NewMessages, 3)
	toolMsg := th.Messages[2]
	assert.Equal(t, core.RoleTool, toolMsg.Role)
	assert.Equal(t, "4", toolMsg.Content)
	assert.Equal(t, "call_1", toolMsg.ToolCallID)
	assert.False(t, toolMsg.Failed)

	assert.Equal(t, 30, res.Details.TotalUsage().TotalTokens)
	records := res.Details.ToolCalls()
	require.Len(t, records, 1)
	assert.True(t, records[0].Success)
	assert.Equal(t, "calculator", records[0].Name)

	events := res.Details.Events
	assert.Equal(t, core.EventIterationStart, events[0].Kind)
	last := testutil.Last(events)
	assert.Equal(t, core.EventExecutionComplete, last.Kind)
	done, ok := core.PayloadAs[core.ExecutionComplete](last)
	require.True(t, ok)
	assert.Equal(t, core.StateComplete, done.State)
	assert.Equal(t, 2, done.Iterations)

	second := m.Requests()[1]
	assert.Equal(t, core.RoleTool, second.Messages[len(second.Messages)-1].Role)
}

func alwaysCalculator(context.Context, model.Request) (*model.Response, error) {
	return &model.Response{
		ToolCalls:    []core.RawToolCall{testutil.NestedCall("c", "calculator", `{"expression":"1+1"}`)},
		FinishReason: "tool_calls",
		Usage:        usage,
	}, nil
}

func TestRun_IterationLimit(t *testing.T) {
	m := model.NewScriptedModel("m", "scripted").WithResponder(alwaysCalculator)
	eng := newEngine(t, m, func(o *Options) {
		o.Tools = []any{"math"}
		o.MaxIterations = 1
	})

	th := testutil.NewThreadBuilder("").User("loop forever").Build()
	res, err := eng.Run(context.Background(), th)
	require.NoError(t, err)

	assert.Equal(t, core.StateIterationLimit, res.State)
	assert.Equal(t, 1, res.Details.Iterations)
	assert.Equal(t, 1, m.Calls())

	last, _ := th.Last()
	assert.Equal(t, core.RoleAssistant, last.Role)
	assert.Contains(t, last.Content, "maximum number of iterations (1)")
	assert.Equal(t, last.Content, res.Content)
	assert.Len(t, testutil.OfKind(res.Details.Events, core.EventIterationLimitReached), 1)

	// a second run gets a fresh budget and resumes the thread
	before := th.Len()
	res, err = eng.Run(context.Background(), th)
	require.NoError(t, err)
	assert.Equal(t, core.StateIterationLimit, res.State)
	assert.Equal(t, 2, m.Calls())
	assert.Greater(t, th.Len(), before)
}

func TestRun_TerminatesWithinBudget(t *testing.T) {
	m := model.NewScriptedModel("m", "scripted").WithResponder(alwaysCalculator)
	eng := newEngine(t, m, func(o *Options) {
		o.Tools = []any{"math"}
		o.MaxIterations = 3
	})

	res, err := eng.Run(context.Background(), testutil.NewThreadBuilder("").User("go").Build())
	require.NoError(t, err)
	assert.Equal(t, core.StateIterationLimit, res.State)
	assert.LessOrEqual(t, m.Calls(), 4)
	assert.Len(t, testutil.OfKind(res.Details.Events, core.EventIterationStart), 3)
}

func TestRun_PreservesToolOrderUnderRandomDelays(t *testing.T) {
	const n = 8
	sleepy := tool.NewFunctionTool("sleepy", "sleeps", nil, func(ctx context.Context, args map[string]any) (any, error) {
		time.Sleep(time.Duration(rand.Intn(25)) * time.Millisecond)
		return fmt.Sprintf("result-%v", args["n"]), nil
	})

	calls := make([]core.RawToolCall, n)
	for i := range calls {
		calls[i] = testutil.FlatCall(fmt.Sprintf("c%d", i), "sleepy", map[string]any{"n": i})
	}
	m := model.NewScriptedModel("m", "scripted").AddToolCalls(usage, calls...).AddText("done", usage)
	eng := newEngine(t, m, func(o *Options) { o.Tools = []any{sleepy} })

	th := testutil.NewThreadBuilder("").User("run them").Build()
	_, err := eng.Run(context.Background(), th)
	require.NoError(t, err)

	require.Equal(t, n+3, th.Len())
	for i := 0; i < n; i++ {
		msg := th.Messages[2+i]
		assert.Equal(t, fmt.Sprintf("c%d", i), msg.ToolCallID)
		assert.Equal(t, fmt.Sprintf("result-%d", i), msg.Content)
	}
}

func TestRun_ToolConcurrencyCeiling(t *testing.T) {
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	tracker := tool.NewFunctionTool("tracker", "tracks concurrency", nil, func(context.Context, map[string]any) (any, error) {
		mu.Lock()
		active++
		if active > maxSeen {
			maxSeen = active
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return "ok", nil
	})

	calls := make([]core.RawToolCall, 6)
	for i := range calls {
		calls[i] = testutil.FlatCall("", "tracker", map[string]any{})
	}
	m := model.NewScriptedModel("m", "scripted").AddToolCalls(usage, calls...).AddText("done", usage)
	eng := newEngine(t, m, func(o *Options) {
		o.Tools = []any{tracker}
		o.ToolConcurrency = 2
	})

	_, err := eng.Run(context.Background(), testutil.NewThreadBuilder("").User("go").Build())
	require.NoError(t, err)
	assert.LessOrEqual(t, maxSeen, 2)
}

func TestRun_PartialFailureContinues(t *testing.T) {
	flaky := tool.NewFunctionTool("flaky", "always fails", nil, func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	m := model.NewScriptedModel("m", "scripted").
		AddToolCalls(usage,
			testutil.NestedCall("a", "calculator", `{"expression":"2+2"}`),
			testutil.NestedCall("b", "flaky", `{}`),
		).
		AddText("partial", usage)
	eng := newEngine(t, m, func(o *Options) { o.Tools = []any{"math", flaky} })

	th := testutil.NewThreadBuilder("").User("try both").Build()
	res, err := eng.Run(context.Background(), th)
	require.NoError(t, err)
	assert.Equal(t, core.StateComplete, res.State)
	assert.Equal(t, 2, m.Calls())

	ok, failed := th.Messages[2], th.Messages[3]
	assert.False(t, ok.Failed)
	assert.Equal(t, "4", ok.Content)
	assert.True(t, failed.Failed)
	assert.Equal(t, core.ErrorKindToolInvocation, failed.ErrorKind)
	assert.Equal(t, "flaky", failed.Name)
	assert.Contains(t, failed.Content, "boom")

	errs := testutil.OfKind(res.Details.Events, core.EventToolError)
	require.Len(t, errs, 1)
	p, _ := core.PayloadAs[core.ToolErrorPayload](errs[0])
	assert.Equal(t, 1, p.Index)
}

func TestRun_ClassifiesToolFailures(t *testing.T) {
	sleeper := tool.NewFunctionTool("sleeper", "ignores its context", nil, func(context.Context, map[string]any) (any, error) {
		time.Sleep(300 * time.Millisecond)
		return "late", nil
	})
	panicky := tool.NewFunctionTool("panicky", "panics", nil, func(context.Context, map[string]any) (any, error) {
		panic("kaboom")
	})
	m := model.NewScriptedModel("m", "scripted").
		AddToolCalls(usage,
			testutil.NestedCall("u", "missing", `{}`),
			testutil.NestedCall("m", "calculator", `{`),
			testutil.NestedCall("v", "calculator", `{}`),
			testutil.NestedCall("t", "sleeper", `{}`),
			testutil.NestedCall("p", "panicky", `{}`),
		).
		AddText("handled", usage)
	eng := newEngine(t, m, func(o *Options) {
		o.Tools = []any{"math", sleeper, panicky}
		o.ToolTimeout = 20 * time.Millisecond
	})

	th := testutil.NewThreadBuilder("").User("break things").Build()
	start := time.Now()
	res, err := eng.Run(context.Background(), th)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.Equal(t, core.StateComplete, res.State)

	want := []core.ErrorKind{
		core.ErrorKindUnknownTool,
		core.ErrorKindInvalidArguments,
		core.ErrorKindInvalidArguments,
		core.ErrorKindTimeout,
		core.ErrorKindToolInvocation,
	}
	for i, kind := range want {
		msg := th.Messages[2+i]
		assert.True(t, msg.Failed, "message %d", i)
		assert.Equal(t, kind, msg.ErrorKind, "message %d", i)
	}
	assert.Contains(t, th.Messages[5].Content, "timed out after 20ms")
	assert.Contains(t, th.Messages[6].Content, "tool panicked: kaboom")

	// unknown and malformed calls never reach tool_executing
	assert.Len(t, testutil.OfKind(res.Details.Events, core.EventToolExecuting), 3)
}

func TestStream_EquivalentToRun(t *testing.T) {
	tests := []struct {
		name   string
		call   core.RawToolCall
		callID string
	}{
		{"nested", testutil.NestedCall("call_1", "calculator", `{"expression":"2+2"}`), "call_1"},
		{"flat aliases", core.RawToolCall{"call_id": "fc_9", "name": "calculator", "args": map[string]any{"expression": "2+2"}}, "fc_9"},
		{"flat tool_call_id", core.RawToolCall{"tool_call_id": "tc_3", "name": "calculator", "parameters": `{"expr":"2+2"}`}, "tc_3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := func() *model.ScriptedModel {
				return model.NewScriptedModel("m", "scripted").
					AddToolCalls(usage, tt.call).
					AddText("The answer is 4", usage)
			}
			runEng := newEngine(t, script(), func(o *Options) { o.Tools = []any{"math"} })
			streamEng := newEngine(t, script(), func(o *Options) { o.Tools = []any{"math"} })

			runThread := testutil.NewThreadBuilder("t-eq").User("What is 2+2?").Build()
			streamThread := testutil.NewThreadBuilder("t-eq").User("What is 2+2?").Build()

			res, err := runEng.Run(context.Background(), runThread)
			require.NoError(t, err)

			ch, err := streamEng.Stream(context.Background(), streamThread)
			require.NoError(t, err)
			events := testutil.Collect(ch)

			assert.Equal(t, runThread.Digest(), streamThread.Digest())
			assert.Equal(t, res.Details.TotalUsage(), core.SumUsage(events))

			for _, th := range []*core.Thread{runThread, streamThread} {
				require.Equal(t, 4, th.Len())
				toolMsg := th.Messages[2]
				assert.Equal(t, tt.callID, toolMsg.ToolCallID)
				assert.Equal(t, "4", toolMsg.Content)
				assert.False(t, toolMsg.Failed)
			}

			var text strings.Builder
			for _, ev := range testutil.OfKind(events, core.EventStreamFragment) {
				p, _ := core.PayloadAs[core.StreamFragment](ev)
				text.WriteString(p.Text)
			}
			assert.Equal(t, "The answer is 4", text.String())
			assert.Empty(t, testutil.OfKind(res.Details.Events, core.EventStreamFragment))

			last := testutil.Last(events)
			assert.Equal(t, core.EventExecutionComplete, last.Kind)

			// stream events minus fragments mirror the batch event sequence
			var streamKinds []core.EventKind
			for _, k := range testutil.Kinds(events) {
				if k != core.EventStreamFragment {
					streamKinds = append(streamKinds, k)
				}
			}
			assert.Equal(t, testutil.Kinds(res.Details.Events), streamKinds)
		})
	}
}

func TestRun_DuplicateCallIDs(t *testing.T) {
	m := model.NewScriptedModel("m", "scripted").
		AddToolCalls(usage,
			testutil.NestedCall("dup", "calculator", `{"expr":"1+1"}`),
			testutil.NestedCall("dup", "calculator", `{"expr":"2+2"}`),
		).
		AddText("2 and 4", usage)
	eng := newEngine(t, m, func(o *Options) { o.Tools = []any{"math"} })

	th := testutil.NewThreadBuilder("").User("add twice").Build()
	res, err := eng.Run(context.Background(), th)
	require.NoError(t, err)

	records := res.Details.ToolCalls()
	require.Len(t, records, 2)
	assert.Equal(t, "1+1", records[0].Arguments["expr"])
	assert.Equal(t, "2", records[0].Result)
	assert.Equal(t, "2+2", records[1].Arguments["expr"])
	assert.Equal(t, "4", records[1].Result)
	assert.Equal(t, "dup", records[0].CallID)
	assert.Equal(t, core.SyntheticCallID(1, 1), records[1].CallID)

	require.Equal(t, 5, th.Len())
	assert.Equal(t, "dup", th.Messages[2].ToolCallID)
	assert.Equal(t, "2", th.Messages[2].Content)
	assert.Equal(t, core.SyntheticCallID(1, 1), th.Messages[3].ToolCallID)
	assert.Equal(t, "4", th.Messages[3].Content)
	assert.False(t, th.Messages[3].Failed)
}

func TestRun_Cancellation(t *testing.T) {
	blocker := tool.NewFunctionTool("blocker", "waits for cancellation", nil, func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m := model.NewScriptedModel("m", "scripted").
		AddToolCalls(usage, testutil.NestedCall("b", "blocker", `{}`)).
		AddText("unreachable", usage)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng := newEngine(t, m, func(o *Options) {
		o.Tools = []any{blocker}
		o.Observers = []Observer{OnKinds(ObserverFunc(func(context.Context, core.Event) { cancel() }), core.EventToolExecuting)}
	})

	th := testutil.NewThreadBuilder("").User("wait").Build()
	res, err := eng.Run(ctx, th)
	require.Error(t, err)
	assert.True(t, core.IsCancelled(err))
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, core.StateFatalError, res.State)
	assert.Equal(t, 2, th.Len())
	assert.Equal(t, 1, m.Calls())

	last := testutil.Last(res.Details.Events)
	require.Equal(t, core.EventExecutionError, last.Kind)
	p, _ := core.PayloadAs[core.ExecutionErrorPayload](last)
	assert.Equal(t, core.ErrorKindCancelled, p.Kind)
}

func TestStream_CancellationDeliversTerminalEvent(t *testing.T) {
	m := model.NewScriptedModel("m", "scripted").
		AddStep(model.Step{Response: &model.Response{Content: "slow"}, Delay: time.Second})
	eng := newEngine(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	th := testutil.NewThreadBuilder("").User("hi").Build()
	ch, err := eng.Stream(ctx, th)
	require.NoError(t, err)

	time.AfterFunc(20*time.Millisecond, cancel)
	events := testutil.Collect(ch)

	last := testutil.Last(events)
	require.Equal(t, core.EventExecutionError, last.Kind)
	p, _ := core.PayloadAs[core.ExecutionErrorPayload](last)
	assert.Equal(t, core.ErrorKindCancelled, p.Kind)
	assert.Equal(t, 1, th.Len())
}

func TestRun_CompletionFailureIsFatal(t *testing.T) {
	m := model.NewScriptedModel("m", "scripted").AddError(errors.New("provider down"))
	eng := newEngine(t, m)

	th := testutil.NewThreadBuilder("").User("hi").Build()
	res, err := eng.Run(context.Background(), th)

	var ee *core.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, core.ErrorKindCompletionService, ee.Kind)
	var serr *completion.ServiceError
	assert.ErrorAs(t, err, &serr)

	assert.Equal(t, core.StateFatalError, res.State)
	last, _ := th.Last()
	assert.Equal(t, core.RoleSystem, last.Role)
	assert.Equal(t, core.ErrorKindCompletionService, last.ErrorKind)
	assert.Equal(t, core.EventExecutionError, testutil.Last(res.Details.Events).Kind)
}

func TestNew_ConfigurationErrors(t *testing.T) {
	m := model.NewScriptedModel("m", "scripted")

	tests := []struct {
		name   string
		agent  string
		model  model.Model
		optFns []func(o *Options)
	}{
		{name: "unknown declaration", agent: "a", model: m, optFns: []func(o *Options){func(o *Options) { o.Tools = []any{42} }}},
		{name: "unknown group", agent: "a", model: m, optFns: []func(o *Options){func(o *Options) { o.Tools = []any{"nope"} }}},
		{name: "empty name", agent: "", model: m},
		{name: "nil model", agent: "a", model: nil},
		{name: "zero iterations", agent: "a", model: m, optFns: []func(o *Options){func(o *Options) { o.MaxIterations = 0 }}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.agent, tt.model, tt.optFns...)
			var cerr *core.ConfigurationError
			assert.ErrorAs(t, err, &cerr)
		})
	}
	assert.Equal(t, 0, m.Calls())
}

func TestRun_ThreadOwnership(t *testing.T) {
	eng := newEngine(t, model.NewScriptedModel("m", "scripted").AddText("hi", usage))
	th := testutil.NewThreadBuilder("").User("hi").Build()

	require.NoError(t, th.Acquire())
	_, err := eng.Run(context.Background(), th)
	assert.ErrorIs(t, err, core.ErrThreadBusy)
	_, err = eng.Stream(context.Background(), th)
	assert.ErrorIs(t, err, core.ErrThreadBusy)
	th.Release()

	_, err = eng.Run(context.Background(), th)
	assert.NoError(t, err)
}

func TestRun_InstructionTemplate(t *testing.T) {
	m := model.NewScriptedModel("m", "scripted").AddText("hello ada", usage)
	eng := newEngine(t, m, func(o *Options) { o.Instruction = "You assist {{.user}}." })

	th := testutil.NewThreadBuilder("").Meta("user", "ada").User("hi").Build()
	_, err := eng.Run(context.Background(), th)
	require.NoError(t, err)

	req := m.Requests()[0]
	require.Len(t, req.Messages, 2)
	assert.Equal(t, core.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "You assist ada.", req.Messages[0].Content)
	assert.Equal(t, 2, th.Len())
}

func TestRun_DelegatesToChildEngine(t *testing.T) {
	childModel := model.NewScriptedModel("child", "scripted").AddText("child answer", usage)
	child, err := New("researcher", childModel, func(o *Options) {
		o.Description = "finds facts"
		o.Retry = completion.RetryPolicy{MaxAttempts: 1}
	})
	require.NoError(t, err)

	parentModel := model.NewScriptedModel("parent", "scripted").
		AddToolCalls(usage, testutil.FlatCall("d1", "delegate_to_researcher", map[string]any{"task": "find the capital of France"})).
		AddText("Paris", usage)
	parent := newEngine(t, parentModel, func(o *Options) { o.Delegates = []tool.Delegate{child} })
	assert.Equal(t, []string{"delegate_to_researcher"}, parent.Tools())

	th := testutil.NewThreadBuilder("").User("capital?").Build()
	res, err := parent.Run(context.Background(), th)
	require.NoError(t, err)
	assert.Equal(t, "Paris", res.Content)
	assert.Equal(t, "child answer", th.Messages[2].Content)

	childReq := childModel.Requests()[0]
	assert.Equal(t, "find the capital of France", childReq.Messages[0].Content)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []core.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev core.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func TestRun_PublishesEveryEvent(t *testing.T) {
	pub := &recordingPublisher{}
	var observed int
	eng := newEngine(t, calculatorScript(), func(o *Options) {
		o.Tools = []any{"math"}
		o.Publisher = pub
		o.Observers = []Observer{ObserverFunc(func(context.Context, core.Event) { observed++ }), LoggingObserver{}}
	})

	res, err := eng.Run(context.Background(), testutil.NewThreadBuilder("").User("2+2").Build())
	require.NoError(t, err)
	assert.Len(t, pub.events, len(res.Details.Events))
	assert.Equal(t, len(res.Details.Events), observed)
	assert.Equal(t, res.Details.Events[0].ID, pub.events[0].ID)
}
