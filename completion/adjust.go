package completion

import "github.com/hupe1980/agentloop/model"

// Adjustment rewrites request parameters for one provider. Drop removes keys
// the provider rejects; Rename maps a generic key to the provider's name.
type Adjustment struct {
	Drop   []string
	Rename map[string]string
}

// AdjustmentTable maps provider names to their parameter adjustments.
type AdjustmentTable map[string]Adjustment

// DefaultAdjustments returns the built-in provider adjustments.
func DefaultAdjustments() AdjustmentTable {
	return AdjustmentTable{
		"anthropic": {
			Drop: []string{
				model.ParamParallelToolCalls,
				model.ParamFrequencyPenalty,
				model.ParamPresencePenalty,
				model.ParamSeed,
			},
		},
		"ollama": {
			Drop: []string{model.ParamParallelToolCalls},
		},
	}
}

// Apply returns a copy of params adjusted for provider. Unknown providers
// get an unmodified copy.
func (t AdjustmentTable) Apply(provider string, params model.Params) model.Params {
	out := params.Clone()
	adj, ok := t[provider]
	if !ok {
		return out
	}
	for _, key := range adj.Drop {
		delete(out, key)
	}
	for from, to := range adj.Rename {
		if v, ok := out[from]; ok {
			delete(out, from)
			out[to] = v
		}
	}
	return out
}
