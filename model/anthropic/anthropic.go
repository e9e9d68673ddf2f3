// Package anthropic provides a model.Model backed by the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
)

// Options configures the Anthropic model adapter.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
}

// Model wraps the Anthropic Messages API behind the generic model.Model interface.
type Model struct {
	client *anthropic.Client
	opts   Options
}

// NewModel creates a new Anthropic model using the official client.
func NewModel(reqOpts []option.RequestOption, optFns ...func(o *Options)) *Model {
	client := anthropic.NewClient(reqOpts...)
	return NewModelFromClient(&client, optFns...)
}

// NewModelFromClient creates a new Anthropic model from an existing client.
func NewModelFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:       anthropic.ModelClaudeSonnet4_5,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

// Info returns metadata describing this Anthropic model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:              string(m.opts.Model),
		Provider:          "anthropic",
		SupportsTools:     true,
		SupportsStreaming: true,
	}
}

// Generate performs a batch completion. Tool calls are returned in the flat
// {"id","name","input"} shape.
func (m *Model) Generate(ctx context.Context, req model.Request) (*model.Response, error) {
	resp, err := m.client.Messages.New(ctx, m.buildParams(req))
	if err != nil {
		return nil, wrapError(err)
	}
	out := &model.Response{
		ID:           resp.ID,
		FinishReason: string(resp.StopReason),
		Model:        string(resp.Model),
		Usage: core.TokenUsage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Content += b.Text
		case anthropic.ToolUseBlock:
			input := b.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			out.ToolCalls = append(out.ToolCalls, core.RawToolCall{
				"id":    b.ID,
				"name":  b.Name,
				"input": input,
			})
		}
	}
	return out, nil
}

// Stream performs a streaming completion. Content block indices are mapped
// to tool-call ordinals so fragments carry the same index the batch response
// would assign.
func (m *Model) Stream(ctx context.Context, req model.Request) (<-chan model.Chunk, <-chan error) {
	out := make(chan model.Chunk, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		send := func(c model.Chunk) bool {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return false
			case out <- c:
				return true
			}
		}

		stream := m.client.Messages.NewStreaming(ctx, m.buildParams(req))
		defer stream.Close()

		var (
			served      string
			finish      string
			inputTokens int64
			outTokens   int64
			ordinals    = map[int64]int{}
		)

		for stream.Next() {
			switch ev := stream.Current().AsAny().(type) {
			case anthropic.MessageStartEvent:
				served = string(ev.Message.Model)
				inputTokens = ev.Message.Usage.InputTokens
				outTokens = ev.Message.Usage.OutputTokens
			case anthropic.ContentBlockStartEvent:
				if tu, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					idx := len(ordinals)
					ordinals[ev.Index] = idx
					if !send(model.Chunk{ToolCall: &model.ToolCallDelta{Index: idx, ID: tu.ID, Name: tu.Name}}) {
						return
					}
				}
			case anthropic.ContentBlockDeltaEvent:
				switch d := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if d.Text != "" && !send(model.Chunk{Content: d.Text}) {
						return
					}
				case anthropic.InputJSONDelta:
					idx, ok := ordinals[ev.Index]
					if ok && !send(model.Chunk{ToolCall: &model.ToolCallDelta{Index: idx, Arguments: d.PartialJSON}}) {
						return
					}
				}
			case anthropic.ContentBlockStopEvent:
				if idx, ok := ordinals[ev.Index]; ok {
					if !send(model.Chunk{ToolCall: &model.ToolCallDelta{Index: idx, Complete: true}}) {
						return
					}
				}
			case anthropic.MessageDeltaEvent:
				if ev.Delta.StopReason != "" {
					finish = string(ev.Delta.StopReason)
				}
				if ev.Usage.InputTokens > 0 {
					inputTokens = ev.Usage.InputTokens
				}
				if ev.Usage.OutputTokens > 0 {
					outTokens = ev.Usage.OutputTokens
				}
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- wrapError(err)
			return
		}

		usage := core.TokenUsage{
			PromptTokens:     int(inputTokens),
			CompletionTokens: int(outTokens),
			TotalTokens:      int(inputTokens + outTokens),
		}
		send(model.Chunk{FinishReason: finish, Usage: &usage, Model: served})
	}()

	return out, errCh
}

func wrapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &model.ProviderError{Provider: "anthropic", StatusCode: apiErr.StatusCode, Err: err}
	}
	return &model.ProviderError{Provider: "anthropic", Err: err}
}

func (m *Model) buildParams(req model.Request) anthropic.MessageNewParams {
	name := m.opts.Model
	if req.Model != "" {
		name = anthropic.Model(req.Model)
	}
	system, messages := buildMessages(req.Messages)
	params := anthropic.MessageNewParams{
		Model:       name,
		MaxTokens:   m.opts.MaxTokens,
		Messages:    messages,
		System:      system,
		Temperature: anthropic.Float(m.opts.Temperature),
	}

	p := req.Params
	if v, ok := p.Float(model.ParamTemperature); ok {
		params.Temperature = anthropic.Float(v)
	}
	if v, ok := p.Float(model.ParamTopP); ok {
		params.TopP = anthropic.Float(v)
	}
	if v, ok := p.Int(model.ParamMaxTokens); ok && v > 0 {
		params.MaxTokens = v
	}
	if v, ok := p.Strings(model.ParamStop); ok && len(v) > 0 {
		params.StopSequences = v
	}

	for _, tdef := range req.Tools {
		schema := anthropic.ToolInputSchemaParam{Properties: tdef.Function.Parameters["properties"]}
		schema.Required = requiredFields(tdef.Function.Parameters["required"])
		tool := anthropic.ToolUnionParamOfTool(schema, tdef.Function.Name)
		if tool.OfTool != nil && tdef.Function.Description != "" {
			tool.OfTool.Description = anthropic.String(tdef.Function.Description)
		}
		params.Tools = append(params.Tools, tool)
	}
	return params
}

func requiredFields(v any) []string {
	switch r := v.(type) {
	case []string:
		return r
	case []any:
		out := make([]string, 0, len(r))
		for _, x := range r {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// buildMessages splits system messages into the system prompt and groups
// consecutive tool results into a single user turn, as the Messages API
// requires.
func buildMessages(msgs []core.Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var (
		system   []anthropic.TextBlockParam
		messages []anthropic.MessageParam
		results  []anthropic.ContentBlockParamUnion
	)
	flush := func() {
		if len(results) > 0 {
			messages = append(messages, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, msg := range msgs {
		if msg.Role == core.RoleTool {
			results = append(results, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.Failed))
			continue
		}
		flush()
		switch msg.Role {
		case core.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: msg.Text()})
		case core.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(userBlocks(msg)...))
		case core.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, c := range msg.ToolCalls {
				args := c.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(c.ID, args, c.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(""))
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		}
	}
	flush()
	return system, messages
}

func userBlocks(msg core.Message) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	if msg.Content != "" {
		blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
	}
	for _, p := range msg.Parts {
		switch p.Type {
		case core.PartText:
			blocks = append(blocks, anthropic.NewTextBlock(p.Text))
		case core.PartImage:
			if len(p.Data) > 0 {
				blocks = append(blocks, anthropic.NewImageBlockBase64(p.MimeType, base64.StdEncoding.EncodeToString(p.Data)))
			}
		}
	}
	for _, a := range msg.Attachments {
		if len(a.Data) > 0 && isImage(a.MimeType) {
			blocks = append(blocks, anthropic.NewImageBlockBase64(a.MimeType, base64.StdEncoding.EncodeToString(a.Data)))
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, anthropic.NewTextBlock(""))
	}
	return blocks
}

func isImage(mimeType string) bool {
	switch mimeType {
	case "image/png", "image/jpeg", "image/gif", "image/webp":
		return true
	default:
		return false
	}
}
