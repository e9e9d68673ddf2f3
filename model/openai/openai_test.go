package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
)

func newTestModel(t *testing.T, handler http.HandlerFunc) *Model {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewModel([]option.RequestOption{
		option.WithBaseURL(srv.URL),
		option.WithAPIKey("test"),
		option.WithMaxRetries(0),
	}, func(o *Options) { o.Model = "gpt-test" })
}

func TestGenerate_ToolCallsAndUsage(t *testing.T) {
	var body map[string]any
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-test-0613",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "calculator", "arguments": "{\"expr\":\"2+2\"}"}}]
				}
			}],
			"usage": {"prompt_tokens": 11, "completion_tokens": 7, "total_tokens": 18}
		}`)
	})

	f := core.NewMessageFactory("a", "gpt-test")
	req := model.Request{
		Messages: []core.Message{f.CreateSystemMessage("be brief"), f.CreateUserMessage("2+2?")},
		Tools: []model.ToolDefinition{{Type: "function", Function: model.FunctionDefinition{
			Name: "calculator", Description: "math", Parameters: map[string]any{"type": "object"},
		}}},
		Params: model.Params{model.ParamTemperature: 0.2, model.ParamParallelToolCalls: true},
	}

	resp, err := m.Generate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "gpt-test-0613", resp.Model)
	assert.Equal(t, "tool_calls", resp.FinishReason)
	assert.Equal(t, core.TokenUsage{PromptTokens: 11, CompletionTokens: 7, TotalTokens: 18}, resp.Usage)
	require.Len(t, resp.ToolCalls, 1)

	call := core.NormalizeToolCall(resp.ToolCalls[0], 1, 0, nil)
	assert.Equal(t, "call_1", call.ID)
	assert.Equal(t, "calculator", call.Name)
	assert.Equal(t, "2+2", call.Arguments["expr"])

	assert.Equal(t, true, body["parallel_tool_calls"])
	assert.InDelta(t, 0.2, body["temperature"], 1e-9)
	msgs := body["messages"].([]any)
	assert.Len(t, msgs, 2)
}

func TestStream_FragmentsPerIndex(t *testing.T) {
	chunks := []string{
		`{"id":"c","object":"chat.completion.chunk","model":"gpt-test","choices":[{"index":0,"delta":{"role":"assistant","content":"Let me "}}]}`,
		`{"id":"c","object":"chat.completion.chunk","model":"gpt-test","choices":[{"index":0,"delta":{"content":"check."}}]}`,
		`{"id":"c","object":"chat.completion.chunk","model":"gpt-test","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"calculator","arguments":"{\"ex"}}]}}]}`,
		`{"id":"c","object":"chat.completion.chunk","model":"gpt-test","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"echo","arguments":"{}"}}]}}]}`,
		`{"id":"c","object":"chat.completion.chunk","model":"gpt-test","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"pr\":\"1\"}"}}]}}]}`,
		`{"id":"c","object":"chat.completion.chunk","model":"gpt-test","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"id":"c","object":"chat.completion.chunk","model":"gpt-test","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`,
	}
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	out, errs := m.Stream(context.Background(), model.Request{Messages: []core.Message{core.NewMessageFactory("a", "m").CreateUserMessage("hi")}, Stream: true})

	var content strings.Builder
	args := map[int]string{}
	var usage *core.TokenUsage
	var finish string
	for c := range out {
		content.WriteString(c.Content)
		if c.ToolCall != nil {
			args[c.ToolCall.Index] += c.ToolCall.Arguments
		}
		if c.Usage != nil {
			usage = c.Usage
		}
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
	}
	require.NoError(t, <-errs)

	assert.Equal(t, "Let me check.", content.String())
	assert.Equal(t, `{"expr":"1"}`, args[0])
	assert.Equal(t, `{}`, args[1])
	assert.Equal(t, "tool_calls", finish)
	require.NotNil(t, usage)
	assert.Equal(t, 8, usage.TotalTokens)
}

func TestGenerate_ProviderErrorCarriesStatus(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	})

	_, err := m.Generate(context.Background(), model.Request{Messages: []core.Message{core.NewMessageFactory("a", "m").CreateUserMessage("hi")}})
	var pe *model.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusUnauthorized, pe.StatusCode)
	assert.False(t, model.IsRetryable(err))
}

func TestBuildMessages_ToolRoundTrip(t *testing.T) {
	f := core.NewMessageFactory("a", "m")
	msgs := buildMessages([]core.Message{
		f.CreateUserMessage("2+2"),
		f.CreateAssistantMessage("", []core.ToolCall{{ID: "c1", Name: "calculator", Arguments: map[string]any{"expr": "2+2"}}}, core.Metrics{}),
		f.CreateToolResultMessage("calculator", "4", "c1", 1, true),
	})
	require.Len(t, msgs, 3)
	require.NotNil(t, msgs[1].OfAssistant)
	assert.Equal(t, `{"expr":"2+2"}`, msgs[1].OfAssistant.ToolCalls[0].Function.Arguments)
	require.NotNil(t, msgs[2].OfTool)
	assert.Equal(t, "c1", msgs[2].OfTool.ToolCallID)
}
