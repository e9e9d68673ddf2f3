package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "agentloop.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is chosen by the caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Agent.Name, "AGENTLOOP_AGENT_NAME")
	setString(&cfg.Agent.Instruction, "AGENTLOOP_INSTRUCTION")
	setList(&cfg.Agent.Tools, "AGENTLOOP_TOOLS")
	setList(&cfg.Agent.CacheableTools, "AGENTLOOP_CACHEABLE_TOOLS")
	setInt(&cfg.Agent.MaxIterations, "AGENTLOOP_MAX_ITERATIONS")
	setInt(&cfg.Agent.ToolConcurrency, "AGENTLOOP_TOOL_CONCURRENCY")
	setDuration(&cfg.Agent.ToolTimeout, "AGENTLOOP_TOOL_TIMEOUT")
	setDuration(&cfg.Agent.CompletionTimeout, "AGENTLOOP_COMPLETION_TIMEOUT")
	setInt(&cfg.Agent.MaxConcurrentRuns, "AGENTLOOP_MAX_CONCURRENT_RUNS")

	// Model
	setString(&cfg.Model.Provider, "AGENTLOOP_MODEL_PROVIDER")
	setString(&cfg.Model.Name, "AGENTLOOP_MODEL")
	setString(&cfg.Model.BaseURL, "AGENTLOOP_MODEL_BASE_URL")
	setFloat64(&cfg.Model.Temperature, "AGENTLOOP_MODEL_TEMPERATURE")
	setInt64(&cfg.Model.MaxTokens, "AGENTLOOP_MODEL_MAX_TOKENS")
	switch cfg.Model.Provider {
	case "openai":
		setString(&cfg.Model.APIKey, "OPENAI_API_KEY")
	case "anthropic":
		setString(&cfg.Model.APIKey, "ANTHROPIC_API_KEY")
	}
	setString(&cfg.Model.APIKey, "AGENTLOOP_MODEL_API_KEY")

	setInt(&cfg.Retry.MaxAttempts, "AGENTLOOP_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.BaseDelay, "AGENTLOOP_RETRY_BASE_DELAY")
	setDuration(&cfg.Retry.MaxDelay, "AGENTLOOP_RETRY_MAX_DELAY")
	setInt(&cfg.Breaker.MaxFailures, "AGENTLOOP_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "AGENTLOOP_BREAKER_TIMEOUT")
	setString(&cfg.Logging.Level, "AGENTLOOP_LOG_LEVEL")
	setString(&cfg.Logging.Format, "AGENTLOOP_LOG_FORMAT")

	// Storage and transport
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AGENTLOOP_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AGENTLOOP_PG_MIN_CONNS")
	setBool(&cfg.Postgres.Migrate, "AGENTLOOP_PG_MIGRATE")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "AGENTLOOP_NATS_STREAM")
	setString(&cfg.NATS.SubjectPrefix, "AGENTLOOP_NATS_PREFIX")

	setBool(&cfg.Cache.Enabled, "AGENTLOOP_CACHE_ENABLED")
	setInt64(&cfg.Cache.MaxSizeMB, "AGENTLOOP_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "AGENTLOOP_CACHE_TTL")
	setBool(&cfg.Telemetry.Enabled, "AGENTLOOP_TELEMETRY_ENABLED")
}

// Validate checks field ranges and the MCP server list.
func (cfg *Config) Validate() error {
	if cfg.Agent.Name == "" {
		return errors.New("agent.name is required")
	}
	if cfg.Agent.MaxIterations < 1 {
		return errors.New("agent.max_iterations must be >= 1")
	}
	if cfg.Agent.ToolConcurrency < 0 {
		return errors.New("agent.tool_concurrency must be >= 0")
	}
	switch cfg.Model.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("model.provider %q is not supported", cfg.Model.Provider)
	}
	if cfg.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 0 {
		return errors.New("breaker.max_failures must be >= 0")
	}
	if cfg.Postgres.DSN != "" && cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.NATS.URL != "" && cfg.NATS.Stream == "" {
		return errors.New("nats.stream is required when nats.url is set")
	}
	seen := make(map[string]struct{}, len(cfg.MCP))
	for _, s := range cfg.MCP {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("mcp server %s is declared twice", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
