package runner

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentloop/completion"
	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/engine"
	"github.com/hupe1980/agentloop/internal/testutil"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/store/memory"
)

var usage = core.TokenUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}

func newRunner(t *testing.T, m model.Model, optFns ...func(o *Options)) (*Runner, *memory.ThreadStore, *memory.FileStore) {
	t.Helper()
	threads := memory.NewThreadStore()
	files := memory.NewFileStore()
	eng, err := engine.New("assistant", m, func(o *engine.Options) {
		o.Tools = []any{"math"}
		o.FileStore = files
		o.Retry = completion.RetryPolicy{MaxAttempts: 1}
	})
	require.NoError(t, err)
	fns := append([]func(o *Options){func(o *Options) {
		o.ThreadStore = threads
		o.FileStore = files
	}}, optFns...)
	return New(eng, fns...), threads, files
}

func TestRun_CreatesAndPersistsThread(t *testing.T) {
	m := model.NewScriptedModel("m", "scripted").
		AddToolCalls(usage, testutil.NestedCall("c1", "calculator", `{"expression":"6*7"}`)).
		AddText("42", usage)
	r, threads, _ := newRunner(t, m)

	res, err := r.Run(context.Background(), "t1", Input{Text: "What is 6*7?", Metadata: map[string]any{"user": "ada"}})
	require.NoError(t, err)
	assert.Equal(t, "42", res.Content)

	stored, err := threads.Load(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 4, stored.Len())
	assert.Equal(t, "ada", stored.Metadata["user"])
	assert.Equal(t, res.Thread.Digest(), stored.Digest())
}

func TestRun_ContinuesExistingThread(t *testing.T) {
	m := model.NewScriptedModel("m", "scripted").
		AddText("hello", usage).
		AddText("again", usage)
	r, threads, _ := newRunner(t, m)

	_, err := r.Run(context.Background(), "t1", Input{Text: "hi"})
	require.NoError(t, err)
	res, err := r.Run(context.Background(), "t1", Input{Text: "hi again"})
	require.NoError(t, err)
	assert.Equal(t, "again", res.Content)

	stored, err := threads.Load(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, 4, stored.Len())
	for i, msg := range stored.Messages {
		assert.Equal(t, i+1, msg.Sequence)
	}
	assert.Len(t, m.Requests()[1].Messages, 3)
}

func TestRun_EmptyInputResumes(t *testing.T) {
	m := model.NewScriptedModel("m", "scripted").AddText("resumed", usage)
	r, threads, _ := newRunner(t, m)

	th := testutil.NewThreadBuilder("t1").User("pending question").Build()
	require.NoError(t, threads.Save(context.Background(), th))

	res, err := r.Run(context.Background(), "t1", Input{})
	require.NoError(t, err)
	assert.Equal(t, "resumed", res.Content)
	assert.Equal(t, 2, res.Thread.Len())
}

func TestRun_GeneratesThreadID(t *testing.T) {
	r, threads, _ := newRunner(t, model.NewScriptedModel("m", "scripted").AddText("ok", usage))

	res, err := r.Run(context.Background(), "", Input{Text: "hi"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Thread.ID)

	_, err = threads.Load(context.Background(), res.Thread.ID)
	assert.NoError(t, err)
}

func TestRun_OffloadsAttachments(t *testing.T) {
	m := model.NewScriptedModel("m", "scripted").AddText("a cat", usage)
	r, threads, files := newRunner(t, m)

	_, err := r.Run(context.Background(), "t1", Input{
		Text:        "what is this?",
		Attachments: []core.Attachment{{Name: "cat.png", MimeType: "image/png", Data: []byte{1, 2, 3}}},
	})
	require.NoError(t, err)

	stored, err := threads.Load(context.Background(), "t1")
	require.NoError(t, err)
	att := stored.Messages[0].Attachments[0]
	assert.True(t, att.Stored())
	assert.Equal(t, int64(3), att.Size)

	data, err := files.Get(context.Background(), att.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	sent := m.Requests()[0].Messages[0].Attachments[0]
	assert.Equal(t, []byte{1, 2, 3}, sent.Data)
}

func TestRun_SavesOnFatalError(t *testing.T) {
	m := model.NewScriptedModel("m", "scripted")
	r, threads, _ := newRunner(t, m)

	res, err := r.Run(context.Background(), "t1", Input{Text: "hi"})
	var ee *core.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, core.ErrorKindCompletionService, ee.Kind)
	require.NotNil(t, res)
	assert.Equal(t, core.StateFatalError, res.State)

	stored, err := threads.Load(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, res.Thread.Len(), stored.Len())
}

func TestStream_DeliversEventsAndSaves(t *testing.T) {
	m := model.NewScriptedModel("m", "scripted").AddText("streamed answer", usage)
	r, threads, _ := newRunner(t, m)

	runID, events, errs, err := r.Stream(context.Background(), "t1", Input{Text: "hi"})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	got := testutil.Collect(events)
	assert.NoError(t, <-errs)
	assert.Equal(t, core.EventExecutionComplete, testutil.Last(got).Kind)
	assert.NotEmpty(t, testutil.OfKind(got, core.EventStreamFragment))

	stored, err := threads.Load(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Len())
	assert.EqualError(t, r.Cancel(runID), "run "+runID+" not found")
}

func TestStream_ReportsSameErrorAsRun(t *testing.T) {
	providerErr := &model.ProviderError{Provider: "scripted", StatusCode: http.StatusBadRequest, Err: errors.New("bad request")}

	rm := model.NewScriptedModel("m", "scripted").AddError(providerErr)
	r, _, _ := newRunner(t, rm)
	_, runErr := r.Run(context.Background(), "t1", Input{Text: "hi"})

	sm := model.NewScriptedModel("m", "scripted").AddError(providerErr)
	s, _, _ := newRunner(t, sm)
	_, events, errs, err := s.Stream(context.Background(), "t2", Input{Text: "hi"})
	require.NoError(t, err)
	testutil.Collect(events)
	streamErr := <-errs

	for name, err := range map[string]error{"run": runErr, "stream": streamErr} {
		var ee *core.ExecutionError
		require.ErrorAs(t, err, &ee, name)
		assert.Equal(t, core.ErrorKindCompletionService, ee.Kind, name)
		var serr *completion.ServiceError
		require.ErrorAs(t, err, &serr, name)
		assert.Equal(t, 1, serr.Attempts, name)
		var pe *model.ProviderError
		require.ErrorAs(t, err, &pe, name)
		assert.Equal(t, http.StatusBadRequest, pe.StatusCode, name)
	}
	assert.Equal(t, runErr.Error(), streamErr.Error())
}

func TestStream_Cancel(t *testing.T) {
	m := model.NewScriptedModel("m", "scripted").
		AddStep(model.Step{Response: &model.Response{Content: "late"}, Delay: 5 * time.Second})
	r, threads, _ := newRunner(t, m)

	runID, events, errs, err := r.Stream(context.Background(), "t1", Input{Text: "hi"})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		assert.NoError(t, r.Cancel(runID))
	}()

	got := testutil.Collect(events)
	last := testutil.Last(got)
	require.Equal(t, core.EventExecutionError, last.Kind)
	runErr := <-errs
	assert.True(t, core.IsCancelled(runErr))
	assert.ErrorIs(t, runErr, context.Canceled)

	stored, err := threads.Load(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Len())
}

func TestRunner_RejectsConcurrentRunsOnThread(t *testing.T) {
	m := model.NewScriptedModel("m", "scripted").
		AddStep(model.Step{Response: &model.Response{Content: "slow"}, Delay: 200 * time.Millisecond})
	r, _, _ := newRunner(t, m)

	_, events, _, err := r.Stream(context.Background(), "t1", Input{Text: "first"})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), "t1", Input{Text: "second"})
	assert.ErrorIs(t, err, core.ErrThreadBusy)

	testutil.Collect(events)
}

func TestRunner_MaxConcurrentRuns(t *testing.T) {
	m := model.NewScriptedModel("m", "scripted").
		AddStep(model.Step{Response: &model.Response{Content: "slow"}, Delay: 200 * time.Millisecond})
	r, _, _ := newRunner(t, m, func(o *Options) { o.MaxConcurrentRuns = 1 })

	_, events, _, err := r.Stream(context.Background(), "t1", Input{Text: "first"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Run(ctx, "t2", Input{Text: "second"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	testutil.Collect(events)
}
