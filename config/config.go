// Package config provides hierarchical configuration loading for agentloop.
// Precedence: defaults < YAML file < environment variables.
package config

import (
	"time"

	"github.com/hupe1980/agentloop/tool/mcp"
)

// Config holds all runtime configuration assembled by agentloop.New.
type Config struct {
	Agent     Agent              `yaml:"agent"`
	Model     Model              `yaml:"model"`
	Retry     Retry              `yaml:"retry"`
	Breaker   Breaker            `yaml:"breaker"`
	Logging   Logging            `yaml:"logging"`
	Postgres  Postgres           `yaml:"postgres"`
	NATS      NATS               `yaml:"nats"`
	Cache     Cache              `yaml:"cache"`
	Telemetry Telemetry          `yaml:"telemetry"`
	MCP       []mcp.ServerConfig `yaml:"mcp"`
}

// Agent holds engine and runner configuration.
type Agent struct {
	Name              string        `yaml:"name"`
	Description       string        `yaml:"description"`
	Instruction       string        `yaml:"instruction"`         // Template over thread metadata
	Tools             []string      `yaml:"tools"`               // Builtin tool or catalog group names
	CacheableTools    []string      `yaml:"cacheable_tools"`     // Deterministic tools whose results may be cached
	MaxIterations     int           `yaml:"max_iterations"`      // Default: 10
	ToolConcurrency   int           `yaml:"tool_concurrency"`    // 0 = unbounded
	ToolTimeout       time.Duration `yaml:"tool_timeout"`        // Default: 30s
	CompletionTimeout time.Duration `yaml:"completion_timeout"`  // Per attempt, default: 60s
	MaxConcurrentRuns int           `yaml:"max_concurrent_runs"` // Runner limit, default: 10
}

// Model selects and configures the completion provider.
type Model struct {
	Provider    string  `yaml:"provider"` // "openai" | "anthropic"
	Name        string  `yaml:"name"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int64   `yaml:"max_tokens"`
}

// Retry holds the completion retry policy.
type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      float64       `yaml:"jitter"`
}

// Breaker holds circuit breaker configuration for the completion service.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"` // 0 disables the breaker
	Timeout     time.Duration `yaml:"timeout"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" | "text"
}

// Postgres holds PostgreSQL connection configuration. An empty DSN keeps
// threads and files in memory.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
	Migrate         bool          `yaml:"migrate"`
}

// NATS holds event bus configuration. An empty URL disables publishing.
type NATS struct {
	URL           string `yaml:"url"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Cache holds the tool result cache configuration.
type Cache struct {
	Enabled   bool          `yaml:"enabled"`
	MaxSizeMB int64         `yaml:"max_size_mb"`
	TTL       time.Duration `yaml:"ttl"`
}

// Telemetry toggles OpenTelemetry instruments on the global providers.
type Telemetry struct {
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		Agent: Agent{
			Name:              "assistant",
			MaxIterations:     10,
			ToolTimeout:       30 * time.Second,
			CompletionTimeout: 60 * time.Second,
			MaxConcurrentRuns: 10,
		},
		Model: Model{
			Provider:    "openai",
			Temperature: 0.7,
			MaxTokens:   4096,
		},
		Retry: Retry{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			Multiplier:  2,
			Jitter:      0.2,
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Postgres: Postgres{
			MaxConns:        15,
			MinConns:        2,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
			Migrate:         true,
		},
		NATS: NATS{
			Stream:        "AGENTLOOP",
			SubjectPrefix: "agentloop",
		},
		Cache: Cache{
			MaxSizeMB: 32,
		},
	}
}
