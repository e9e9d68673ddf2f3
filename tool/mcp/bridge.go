// Package mcp bridges Model Context Protocol servers into agentloop tools.
// A connected Bridge is a tool.Bundle and is registered like any other
// declaration; each remote tool becomes a tool.Tool whose calls are
// forwarded over the MCP session.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpprotocol "github.com/mark3labs/mcp-go/mcp"

	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/tool"
)

// Transport names accepted in ServerConfig.
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable_http"
)

// ServerConfig describes how to reach an MCP server.
type ServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
}

// Validate checks that the transport has the fields it needs.
func (c ServerConfig) Validate() error {
	if c.Name == "" {
		return errors.New("mcp server name is required")
	}
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("mcp server %s: command is required for stdio", c.Name)
		}
	case TransportSSE, TransportStreamableHTTP:
		if c.URL == "" {
			return fmt.Errorf("mcp server %s: url is required for %s", c.Name, c.Transport)
		}
	default:
		return fmt.Errorf("mcp server %s: unsupported transport %q", c.Name, c.Transport)
	}
	return nil
}

// Options configure a Bridge.
type Options struct {
	ClientName    string
	ClientVersion string
	// PrefixNames prefixes every tool name with "<server>_".
	PrefixNames bool
	Logger      logging.Logger
}

// Bridge exposes the tools of one MCP server.
type Bridge struct {
	name   string
	client *mcpclient.Client
	tools  []tool.Tool
	logger logging.Logger
}

// Connect creates a client for cfg, performs the MCP handshake and lists the
// server's tools.
func Connect(ctx context.Context, cfg ServerConfig, optFns ...func(o *Options)) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("mcp server %s: create client: %w", cfg.Name, err)
	}
	b, err := NewBridge(ctx, cfg.Name, client, optFns...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return b, nil
}

// NewBridge initializes an existing client and lists its tools.
func NewBridge(ctx context.Context, name string, client *mcpclient.Client, optFns ...func(o *Options)) (*Bridge, error) {
	opts := Options{ClientName: "agentloop", ClientVersion: "1.0.0"}
	for _, fn := range optFns {
		fn(&opts)
	}
	logger := logging.With(logging.OrNop(opts.Logger), "mcp_server", name)

	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("mcp server %s: start: %w", name, err)
	}

	initReq := mcpprotocol.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpprotocol.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpprotocol.Implementation{
		Name:    opts.ClientName,
		Version: opts.ClientVersion,
	}
	initResult, err := client.Initialize(ctx, initReq)
	if err != nil {
		return nil, fmt.Errorf("mcp server %s: initialize: %w", name, err)
	}

	listed, err := client.ListTools(ctx, mcpprotocol.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcp server %s: tools/list: %w", name, err)
	}

	b := &Bridge{name: name, client: client, logger: logger}
	for i := range listed.Tools {
		rt := &remoteTool{bridge: b, def: listed.Tools[i]}
		if opts.PrefixNames {
			rt.exposed = name + "_" + rt.def.Name
		}
		b.tools = append(b.tools, rt)
	}
	logger.Info("mcp.connected",
		"server_name", initResult.ServerInfo.Name,
		"server_version", initResult.ServerInfo.Version,
		"tools", len(b.tools),
	)
	return b, nil
}

// Name implements tool.Bundle.
func (b *Bridge) Name() string { return b.name }

// Tools implements tool.Bundle.
func (b *Bridge) Tools() ([]tool.Tool, error) {
	out := make([]tool.Tool, len(b.tools))
	copy(out, b.tools)
	return out, nil
}

// Close terminates the MCP session.
func (b *Bridge) Close() error { return b.client.Close() }

func newClient(cfg ServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case TransportStdio:
		return mcpclient.NewStdioMCPClient(cfg.Command, envMapToSlice(cfg.Env), cfg.Args...)

	case TransportSSE:
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case TransportStreamableHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
}

func envMapToSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

type remoteTool struct {
	bridge  *Bridge
	def     mcpprotocol.Tool
	exposed string
}

func (t *remoteTool) Name() string {
	if t.exposed != "" {
		return t.exposed
	}
	return t.def.Name
}

func (t *remoteTool) Description() string { return t.def.Description }

func (t *remoteTool) Parameters() map[string]any {
	s := t.def.InputSchema
	out := map[string]any{"type": "object", "properties": map[string]any{}}
	if s.Properties != nil {
		out["properties"] = s.Properties
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}

func (t *remoteTool) Call(ctx context.Context, args map[string]any) (any, error) {
	req := mcpprotocol.CallToolRequest{}
	req.Params.Name = t.def.Name
	req.Params.Arguments = args

	res, err := t.bridge.client.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, tool.NewToolError(t.Name(), err.Error(), tool.CodeExecution)
	}
	text := contentText(res.Content)
	if res.IsError {
		return nil, tool.NewToolError(t.Name(), text, tool.CodeExecution)
	}
	if text == "" && res.StructuredContent != nil {
		return res.StructuredContent, nil
	}
	return text, nil
}

func contentText(contents []mcpprotocol.Content) string {
	parts := make([]string, 0, len(contents))
	for _, c := range contents {
		if tc, ok := mcpprotocol.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
