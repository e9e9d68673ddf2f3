package tool

import (
	"reflect"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
)

// ManagerOptions configure tool registration.
type ManagerOptions struct {
	// Catalog resolves builtin group identifiers. Defaults to DefaultCatalog.
	Catalog Catalog
	// Strategies are consulted after the default strategies.
	Strategies []Strategy
	// Cache serves repeated calls of the tools named in Cacheable.
	Cache     ResultCache
	Cacheable []string
	Logger    logging.Logger
}

// Manager is the immutable tool registry of one engine.
type Manager struct {
	tools map[string]Tool
	order []string
}

// NewManager registers every declaration through the first strategy that
// accepts it, then adds one delegate_to_<name> tool per delegate. Any
// declaration that cannot be registered fails construction with a
// *core.ConfigurationError.
func NewManager(decls []any, delegates []Delegate, optFns ...func(o *ManagerOptions)) (*Manager, error) {
	opts := ManagerOptions{Catalog: DefaultCatalog()}
	for _, fn := range optFns {
		fn(&opts)
	}
	logger := logging.OrNop(opts.Logger)
	strategies := append(DefaultStrategies(opts.Catalog), opts.Strategies...)

	m := &Manager{tools: map[string]Tool{}}
	for _, decl := range decls {
		if isNil(decl) {
			return nil, core.NewConfigurationError(decl, "nil tool declaration")
		}
		var strategy Strategy
		for _, s := range strategies {
			if s.CanHandle(decl) {
				strategy = s
				break
			}
		}
		if strategy == nil {
			return nil, core.NewConfigurationError(decl, "no registration strategy accepts this declaration")
		}
		tools, err := strategy.Register(decl)
		if err != nil {
			return nil, err
		}
		for _, t := range tools {
			if err := m.add(t); err != nil {
				return nil, err
			}
			logger.Debug("tool.registered", "tool", t.Name(), "strategy", strategy.Name())
		}
	}

	for _, d := range delegates {
		if isNil(d) {
			return nil, core.NewConfigurationError(d, "nil delegate")
		}
		if err := m.add(NewDelegateTool(d)); err != nil {
			return nil, err
		}
	}

	for _, name := range opts.Cacheable {
		t, ok := m.tools[name]
		if !ok {
			return nil, core.NewConfigurationError(name, "cacheable tool is not registered")
		}
		m.tools[name] = Cached(t, opts.Cache)
	}
	return m, nil
}

func (m *Manager) add(t Tool) error {
	if isNil(t) {
		return core.NewConfigurationError(t, "strategy produced a nil tool")
	}
	name := t.Name()
	if name == "" {
		return core.NewConfigurationError(t, "tool has an empty name")
	}
	if _, dup := m.tools[name]; dup {
		return core.NewConfigurationError(name, "duplicate tool name")
	}
	m.tools[name] = t
	m.order = append(m.order, name)
	return nil
}

// isNil also catches typed nils such as (*FunctionTool)(nil) wrapped in an
// interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// Get returns the tool registered under name.
func (m *Manager) Get(name string) (Tool, bool) {
	t, ok := m.tools[name]
	return t, ok
}

// Has implements core.ToolResolver.
func (m *Manager) Has(name string) bool {
	_, ok := m.tools[name]
	return ok
}

// Names returns tool names in registration order.
func (m *Manager) Names() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Len returns the number of registered tools.
func (m *Manager) Len() int { return len(m.order) }

// Definitions returns the function definitions offered to the model, in
// registration order.
func (m *Manager) Definitions() []model.ToolDefinition {
	out := make([]model.ToolDefinition, 0, len(m.order))
	for _, name := range m.order {
		t := m.tools[name]
		out = append(out, model.ToolDefinition{
			Type: "function",
			Function: model.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return out
}

var _ core.ToolResolver = (*Manager)(nil)
