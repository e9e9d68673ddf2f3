// Package openai provides an implementation of model.Model using the OpenAI
// Chat Completions API (batch, streaming and tool calling). It adapts
// agentloop's normalized Request into the SDK's message format and returns
// tool calls as raw payloads for normalization by the completion handler.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
)

// Options configure the OpenAI model adapter. Request Params override the
// defaults set here.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	// Provider is reported by Info; set it to e.g. "ollama" when pointing the
	// client at an OpenAI-compatible server.
	Provider string
}

// Model wraps the OpenAI Chat Completions API behind the generic model.Model interface.
type Model struct {
	client *openai.Client
	opts   Options
}

// NewModel creates a new OpenAI model using the official client. Request
// options (API key, base URL) are passed through to the SDK.
func NewModel(reqOpts []option.RequestOption, optFns ...func(o *Options)) *Model {
	client := openai.NewClient(reqOpts...)
	return NewModelFromClient(&client, optFns...)
}

// NewModelFromClient creates a new OpenAI model from an existing client.
func NewModelFromClient(client *openai.Client, optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
		Provider:            "openai",
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

// Info returns metadata describing this OpenAI model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:              m.opts.Model,
		Provider:          m.opts.Provider,
		SupportsTools:     true,
		SupportsStreaming: true,
	}
}

// Generate performs a batch completion.
func (m *Model) Generate(ctx context.Context, req model.Request) (*model.Response, error) {
	params := m.buildParams(req)
	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, m.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &model.ProviderError{Provider: m.opts.Provider, Err: errors.New("no choices returned")}
	}
	ch0 := resp.Choices[0]
	out := &model.Response{
		ID:           resp.ID,
		Content:      ch0.Message.Content,
		FinishReason: ch0.FinishReason,
		Model:        resp.Model,
		Usage: core.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for _, tc := range ch0.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, core.RawToolCall{
			"id":   tc.ID,
			"type": "function",
			"function": map[string]any{
				"name":      tc.Function.Name,
				"arguments": tc.Function.Arguments,
			},
		})
	}
	return out, nil
}

// Stream performs a streaming completion, forwarding content and per-index
// tool-call fragments as they arrive. Usage arrives in the final chunk
// (stream_options.include_usage).
func (m *Model) Stream(ctx context.Context, req model.Request) (<-chan model.Chunk, <-chan error) {
	out := make(chan model.Chunk, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := m.buildParams(req)
		params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

		send := func(c model.Chunk) bool {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return false
			case out <- c:
				return true
			}
		}

		stream := m.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		var finish, served string
		for stream.Next() {
			ck := stream.Current()
			if ck.Model != "" {
				served = ck.Model
			}
			for _, ch := range ck.Choices {
				if ch.Delta.Content != "" {
					if !send(model.Chunk{Content: ch.Delta.Content}) {
						return
					}
				}
				for _, tc := range ch.Delta.ToolCalls {
					delta := &model.ToolCallDelta{
						Index:     int(tc.Index),
						ID:        tc.ID,
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					}
					if !send(model.Chunk{ToolCall: delta}) {
						return
					}
				}
				if ch.FinishReason != "" {
					finish = ch.FinishReason
				}
			}
			if ck.Usage.TotalTokens > 0 {
				usage := core.TokenUsage{
					PromptTokens:     int(ck.Usage.PromptTokens),
					CompletionTokens: int(ck.Usage.CompletionTokens),
					TotalTokens:      int(ck.Usage.TotalTokens),
				}
				if !send(model.Chunk{Usage: &usage, Model: served}) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- m.wrapError(err)
			return
		}
		send(model.Chunk{FinishReason: finish, Model: served})
	}()

	return out, errCh
}

func (m *Model) wrapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &model.ProviderError{Provider: m.opts.Provider, StatusCode: apiErr.StatusCode, Err: err}
	}
	return &model.ProviderError{Provider: m.opts.Provider, Err: err}
}

// buildParams assembles the OpenAI request parameters including tool definitions.
func (m *Model) buildParams(req model.Request) openai.ChatCompletionNewParams {
	name := m.opts.Model
	if req.Model != "" {
		name = req.Model
	}
	params := openai.ChatCompletionNewParams{
		Messages:            buildMessages(req.Messages),
		Model:               name,
		Temperature:         openai.Float(m.opts.Temperature),
		MaxCompletionTokens: openai.Int(m.opts.MaxCompletionTokens),
	}

	p := req.Params
	if v, ok := p.Float(model.ParamTemperature); ok {
		params.Temperature = openai.Float(v)
	}
	if v, ok := p.Float(model.ParamTopP); ok {
		params.TopP = openai.Float(v)
	}
	if v, ok := p.Int(model.ParamMaxTokens); ok {
		params.MaxCompletionTokens = openai.Int(v)
	}
	if v, ok := p.Int(model.ParamSeed); ok {
		params.Seed = openai.Int(v)
	}
	if v, ok := p.Float(model.ParamFrequencyPenalty); ok {
		params.FrequencyPenalty = openai.Float(v)
	}
	if v, ok := p.Float(model.ParamPresencePenalty); ok {
		params.PresencePenalty = openai.Float(v)
	}
	if v, ok := p.Strings(model.ParamStop); ok && len(v) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: v}
	}

	if len(req.Tools) == 0 {
		return params
	}
	if v, ok := p.Bool(model.ParamParallelToolCalls); ok {
		params.ParallelToolCalls = openai.Bool(v)
	}
	tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
	for i, tdef := range req.Tools {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        tdef.Function.Name,
				Description: openai.String(tdef.Function.Description),
				Parameters:  tdef.Function.Parameters,
			},
		}
	}
	params.Tools = tools
	return params
}

// buildMessages converts thread messages into OpenAI chat messages.
func buildMessages(msgs []core.Message) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case core.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Text()))
		case core.RoleUser:
			messages = append(messages, userMessage(msg))
		case core.RoleTool:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		case core.RoleAssistant:
			if !msg.HasToolCalls() {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			am := openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCallParams(msg.ToolCalls)}
			if msg.Content != "" {
				am.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(msg.Content)}
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &am})
		}
	}
	return messages
}

func toolCallParams(calls []core.ToolCall) []openai.ChatCompletionMessageToolCallParam {
	out := make([]openai.ChatCompletionMessageToolCallParam, 0, len(calls))
	for _, c := range calls {
		out = append(out, openai.ChatCompletionMessageToolCallParam{
			ID: c.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      c.Name,
				Arguments: c.ArgumentsJSON(),
			},
		})
	}
	return out
}

// userMessage emits a plain string message unless parts or image attachments
// require the content-part form.
func userMessage(msg core.Message) openai.ChatCompletionMessageParamUnion {
	var parts []openai.ChatCompletionContentPartUnionParam
	for _, p := range msg.Parts {
		switch p.Type {
		case core.PartText:
			parts = append(parts, openai.TextContentPart(p.Text))
		case core.PartImage:
			if url := imageURL(p.URI, p.MimeType, p.Data); url != "" {
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url}))
			}
		}
	}
	for _, a := range msg.Attachments {
		if len(a.Data) == 0 || !isImage(a.MimeType) {
			continue
		}
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: imageURL("", a.MimeType, a.Data)}))
	}
	if len(parts) == 0 {
		return openai.UserMessage(msg.Content)
	}
	if msg.Content != "" {
		parts = append([]openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(msg.Content)}, parts...)
	}
	return openai.UserMessage(parts)
}

func imageURL(uri, mimeType string, data []byte) string {
	if uri != "" {
		return uri
	}
	if len(data) == 0 {
		return ""
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
}

func isImage(mimeType string) bool {
	switch mimeType {
	case "image/png", "image/jpeg", "image/gif", "image/webp":
		return true
	default:
		return false
	}
}
