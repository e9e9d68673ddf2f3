package cache

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentloop/tool"
)

func TestRistretto_SetGetDelete(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("k", "v")
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	c.Delete("k")
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestRistretto_BacksCachedTool(t *testing.T) {
	c, err := New(func(o *Options) { o.MaxCostBytes = 1 << 20 })
	require.NoError(t, err)
	defer c.Close()

	var calls atomic.Int32
	inner := tool.NewFunctionTool("square", "", nil, func(_ context.Context, args map[string]any) (any, error) {
		calls.Add(1)
		n := args["n"].(float64)
		return n * n, nil
	})
	cached := tool.Cached(inner, c)

	for i := 0; i < 3; i++ {
		out, err := cached.Call(context.Background(), map[string]any{"n": 3.0})
		require.NoError(t, err)
		assert.Equal(t, "9", out)
	}
	assert.Equal(t, int32(1), calls.Load())
}

var _ tool.ResultCache = (*Ristretto)(nil)
