package tool

// Bundle is a named group of tools registered as one declaration, such as a
// set of tools bridged from an MCP server.
type Bundle interface {
	Name() string
	Tools() ([]Tool, error)
}

// StaticBundle is a Bundle over a fixed list of tools.
type StaticBundle struct {
	name  string
	tools []Tool
}

// NewBundle groups tools under name.
func NewBundle(name string, tools ...Tool) *StaticBundle {
	return &StaticBundle{name: name, tools: tools}
}

// Name returns the bundle name.
func (b *StaticBundle) Name() string { return b.name }

// Tools returns the bundled tools.
func (b *StaticBundle) Tools() ([]Tool, error) {
	out := make([]Tool, len(b.tools))
	copy(out, b.tools)
	return out, nil
}
