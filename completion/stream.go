package completion

import (
	"context"
	"sort"
	"strings"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
)

// streamOnce consumes one provider stream. forwarded reports whether any
// content fragment reached call.OnFragment, after which the attempt can no
// longer be repeated transparently.
func (h *Handler) streamOnce(ctx context.Context, req model.Request, call Call) (*Result, bool, error) {
	chunks, errs := h.model.Stream(ctx, req)

	var (
		content   strings.Builder
		agg       = newAggregator()
		usage     core.TokenUsage
		finish    string
		served    string
		forwarded bool
	)
	for chunk := range chunks {
		if chunk.Content != "" {
			content.WriteString(chunk.Content)
			if call.OnFragment != nil {
				call.OnFragment(chunk.Content)
			}
			forwarded = true
		}
		if chunk.ToolCall != nil {
			agg.add(*chunk.ToolCall)
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if chunk.Model != "" {
			served = chunk.Model
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
			agg.finishAll()
		}
	}
	if err := <-errs; err != nil {
		return nil, forwarded, err
	}
	agg.finishAll()

	res := &Result{
		Content: content.String(),
		Metrics: metricsFrom(usage, served, finish),
	}
	res.ToolCalls, res.Diagnostics = normalize(agg.raws(), call)
	return res, forwarded, nil
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
	done bool
}

// aggregator buffers tool-call fragments per index. A call is only turned
// into a raw payload once its index is marked complete or the stream finishes.
type aggregator struct {
	pending map[int]*pendingCall
}

func newAggregator() *aggregator {
	return &aggregator{pending: map[int]*pendingCall{}}
}

func (a *aggregator) add(d model.ToolCallDelta) {
	p, ok := a.pending[d.Index]
	if !ok {
		p = &pendingCall{}
		a.pending[d.Index] = p
	}
	if p.done {
		return
	}
	if d.ID != "" {
		p.id = d.ID
	}
	if d.Name != "" {
		p.name = d.Name
	}
	p.args.WriteString(d.Arguments)
	if d.Complete {
		p.done = true
	}
}

func (a *aggregator) finishAll() {
	for _, p := range a.pending {
		p.done = true
	}
}

// raws returns the finalized calls in index order in the nested wire shape.
func (a *aggregator) raws() []core.RawToolCall {
	idx := make([]int, 0, len(a.pending))
	for i, p := range a.pending {
		if p.done {
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)

	out := make([]core.RawToolCall, 0, len(idx))
	for _, i := range idx {
		p := a.pending[i]
		raw := core.RawToolCall{
			"type": "function",
			"function": map[string]any{
				"name":      p.name,
				"arguments": p.args.String(),
			},
		}
		if p.id != "" {
			raw["id"] = p.id
		}
		out = append(out, raw)
	}
	return out
}
