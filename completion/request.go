package completion

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
)

// InterruptedToolResult is the synthetic result sent for tool calls that
// never received a recorded result.
const InterruptedToolResult = "Tool call was interrupted before a result was recorded."

// Call is the input to a single completion.
type Call struct {
	Messages    []core.Message
	Tools       []model.ToolDefinition
	Instruction string
	// Iteration is the batch number used for synthetic tool-call ids.
	Iteration int
	Resolver  core.ToolResolver
	// OnFragment receives streamed content fragments as they arrive.
	OnFragment func(text string)
}

// BuildRequest assembles the provider request for call. The messages in call
// are never modified; repairs and resolved attachments only exist in the
// returned request.
func (h *Handler) BuildRequest(ctx context.Context, call Call, stream bool) (model.Request, error) {
	msgs := make([]core.Message, 0, len(call.Messages)+1)
	if call.Instruction != "" {
		msgs = append(msgs, h.factory.CreateSystemMessage(call.Instruction))
	}
	for _, m := range call.Messages {
		resolved, err := h.resolveAttachments(ctx, m)
		if err != nil {
			return model.Request{}, err
		}
		msgs = append(msgs, resolved)
	}
	msgs = h.repairToolCalls(msgs)

	return model.Request{
		Messages: msgs,
		Tools:    call.Tools,
		Model:    h.opts.Model,
		Params:   h.opts.Adjustments.Apply(h.model.Info().Provider, h.opts.Params),
		Stream:   stream,
	}, nil
}

func (h *Handler) resolveAttachments(ctx context.Context, m core.Message) (core.Message, error) {
	stored := false
	for _, a := range m.Attachments {
		if a.Stored() {
			stored = true
			break
		}
	}
	if !stored {
		return m, nil
	}
	if h.opts.FileStore == nil {
		return m, errors.New("message references stored attachments but no file store is configured")
	}

	atts := make([]core.Attachment, len(m.Attachments))
	copy(atts, m.Attachments)
	for i, a := range atts {
		if !a.Stored() {
			continue
		}
		data, err := h.opts.FileStore.Get(ctx, a.ID)
		if err != nil {
			return m, fmt.Errorf("resolve attachment %s: %w", a.ID, err)
		}
		atts[i].Data = data
	}
	m.Attachments = atts
	return m, nil
}

// repairToolCalls inserts synthetic failed results for tool calls that have
// no matching tool message before the next non-tool message, so providers
// that require paired results accept a resumed conversation.
func (h *Handler) repairToolCalls(msgs []core.Message) []core.Message {
	out := make([]core.Message, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		out = append(out, m)
		if m.Role != core.RoleAssistant || !m.HasToolCalls() {
			continue
		}

		answered := map[string]bool{}
		for i+1 < len(msgs) && msgs[i+1].Role == core.RoleTool {
			i++
			answered[msgs[i].ToolCallID] = true
			out = append(out, msgs[i])
		}
		for _, c := range m.ToolCalls {
			if answered[c.ID] {
				continue
			}
			repaired := h.factory.CreateToolResultMessage(c.Name, InterruptedToolResult, c.ID, 0, false)
			out = append(out, repaired)
			h.opts.Logger.Debug("completion.request.repaired", "call_id", c.ID, "tool", c.Name)
		}
	}
	return out
}
