package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentloop/tool/mcp"
)

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentloop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func mcpServer(name, transport string) mcp.ServerConfig {
	return mcp.ServerConfig{Name: name, Transport: transport, Command: "srv"}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, 10, cfg.Agent.MaxIterations)
	assert.Equal(t, 30*time.Second, cfg.Agent.ToolTimeout)
	assert.Equal(t, "openai", cfg.Model.Provider)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Empty(t, cfg.Postgres.DSN)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFrom_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "assistant", cfg.Agent.Name)
}

func TestLoadFrom_YAMLOverride(t *testing.T) {
	path := writeYAML(t, `
agent:
  name: researcher
  instruction: "You help {{.user}}."
  tools: [math, time]
  max_iterations: 4
  tool_timeout: 5s
model:
  provider: anthropic
  name: claude-sonnet-4-5
mcp:
  - name: files
    transport: stdio
    command: mcp-files
`)

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, "researcher", cfg.Agent.Name)
	assert.Equal(t, []string{"math", "time"}, cfg.Agent.Tools)
	assert.Equal(t, 4, cfg.Agent.MaxIterations)
	assert.Equal(t, 5*time.Second, cfg.Agent.ToolTimeout)
	assert.Equal(t, "anthropic", cfg.Model.Provider)
	require.Len(t, cfg.MCP, 1)
	assert.Equal(t, "mcp-files", cfg.MCP[0].Command)
	// Unchanged fields keep defaults
	assert.Equal(t, 60*time.Second, cfg.Agent.CompletionTimeout)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFrom_EnvOverridesYAML(t *testing.T) {
	path := writeYAML(t, `
agent:
  max_iterations: 4
model:
  provider: anthropic
`)
	t.Setenv("AGENTLOOP_MAX_ITERATIONS", "7")
	t.Setenv("AGENTLOOP_TOOLS", "math, text ,")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	t.Setenv("DATABASE_URL", "postgres://localhost/agentloop")
	t.Setenv("NATS_URL", "nats://localhost:4222")
	t.Setenv("AGENTLOOP_CACHE_ENABLED", "true")
	t.Setenv("AGENTLOOP_TOOL_TIMEOUT", "not-a-duration")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Agent.MaxIterations)
	assert.Equal(t, []string{"math", "text"}, cfg.Agent.Tools)
	assert.Equal(t, "sk-ant", cfg.Model.APIKey)
	assert.Equal(t, "postgres://localhost/agentloop", cfg.Postgres.DSN)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Agent.ToolTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"empty name", func(c *Config) { c.Agent.Name = "" }, "agent.name"},
		{"zero iterations", func(c *Config) { c.Agent.MaxIterations = 0 }, "max_iterations"},
		{"negative concurrency", func(c *Config) { c.Agent.ToolConcurrency = -1 }, "tool_concurrency"},
		{"provider", func(c *Config) { c.Model.Provider = "bedrock" }, "bedrock"},
		{"retry", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		{"nats stream", func(c *Config) { c.NATS.URL = "nats://x"; c.NATS.Stream = "" }, "nats.stream"},
		{"mcp transport", func(c *Config) {
			c.MCP = append(c.MCP, mcpServer("a", "carrier-pigeon"))
		}, "unsupported transport"},
		{"mcp duplicate", func(c *Config) {
			c.MCP = append(c.MCP, mcpServer("a", "stdio"), mcpServer("a", "stdio"))
		}, "declared twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), err.Error())
		})
	}
}
