package tool

import (
	"context"
	"encoding/json"
)

// ResultCache stores rendered tool results keyed by tool name and arguments.
type ResultCache interface {
	Get(key string) (string, bool)
	Set(key, value string)
}

type cachedTool struct {
	Tool
	cache ResultCache
}

// Cached wraps t so that successful results are served from cache for
// repeated identical arguments. Only wrap deterministic tools.
func Cached(t Tool, cache ResultCache) Tool {
	if cache == nil {
		return t
	}
	return &cachedTool{Tool: t, cache: cache}
}

// CacheKey returns the cache key for a call of name with args. Map keys are
// sorted by encoding/json, so equal arguments produce equal keys.
func CacheKey(name string, args map[string]any) (string, bool) {
	b, err := json.Marshal(args)
	if err != nil {
		return "", false
	}
	return name + ":" + string(b), true
}

func (t *cachedTool) Call(ctx context.Context, args map[string]any) (any, error) {
	key, ok := CacheKey(t.Name(), args)
	if ok {
		if v, hit := t.cache.Get(key); hit {
			return v, nil
		}
	}
	out, err := t.Tool.Call(ctx, args)
	if err != nil || !ok {
		return out, err
	}
	text, err := RenderResult(out)
	if err != nil {
		return out, nil
	}
	t.cache.Set(key, text)
	return text, nil
}
