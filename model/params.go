package model

// Sampling parameter keys understood by the provider adapters.
const (
	ParamTemperature       = "temperature"
	ParamTopP              = "top_p"
	ParamMaxTokens         = "max_tokens"
	ParamStop              = "stop"
	ParamSeed              = "seed"
	ParamParallelToolCalls = "parallel_tool_calls"
	ParamFrequencyPenalty  = "frequency_penalty"
	ParamPresencePenalty   = "presence_penalty"
)

// Params holds provider-agnostic sampling parameters. Unknown keys are
// ignored by adapters.
type Params map[string]any

// Clone returns a shallow copy.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Float returns a numeric parameter as float64.
func (p Params) Float(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Int returns a numeric parameter as int64.
func (p Params) Int(key string) (int64, bool) {
	switch v := p[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// Bool returns a boolean parameter.
func (p Params) Bool(key string) (bool, bool) {
	v, ok := p[key].(bool)
	return v, ok
}

// Strings returns a string list parameter. A single string is promoted to a
// one-element list.
func (p Params) Strings(key string) ([]string, bool) {
	switch v := p[key].(type) {
	case []string:
		return v, true
	case string:
		return []string{v}, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	default:
		return nil, false
	}
}
