package tool

import (
	"context"
	"reflect"
	"regexp"
	"runtime"
	"strings"
	"unicode"

	"github.com/hupe1980/agentloop/core"
)

// Strategy turns one kind of declaration into tools.
type Strategy interface {
	Name() string
	CanHandle(decl any) bool
	Register(decl any) ([]Tool, error)
}

// DefaultStrategies returns the registration strategies in priority order:
// builtin group identifiers, bundles, tools and specs, direct callables.
func DefaultStrategies(catalog Catalog) []Strategy {
	return []Strategy{
		&builtinStrategy{catalog: catalog},
		bundleStrategy{},
		definitionStrategy{},
		callableStrategy{},
	}
}

type builtinStrategy struct {
	catalog Catalog
}

func (s *builtinStrategy) Name() string { return "builtin" }

func (s *builtinStrategy) CanHandle(decl any) bool {
	_, ok := decl.(string)
	return ok
}

func (s *builtinStrategy) Register(decl any) ([]Tool, error) {
	group := decl.(string)
	build, ok := s.catalog[group]
	if !ok {
		return nil, core.NewConfigurationError(group, "unknown builtin group (known: %s)", strings.Join(s.catalog.Groups(), ", "))
	}
	return build(), nil
}

type bundleStrategy struct{}

func (bundleStrategy) Name() string { return "bundle" }

func (bundleStrategy) CanHandle(decl any) bool {
	_, ok := decl.(Bundle)
	return ok
}

func (bundleStrategy) Register(decl any) ([]Tool, error) {
	b := decl.(Bundle)
	tools, err := b.Tools()
	if err != nil {
		return nil, core.NewConfigurationError(decl, "bundle %q: %v", b.Name(), err)
	}
	return tools, nil
}

type definitionStrategy struct{}

func (definitionStrategy) Name() string { return "definition" }

func (definitionStrategy) CanHandle(decl any) bool {
	switch decl.(type) {
	case Tool, Spec, *Spec:
		return true
	}
	return false
}

func (definitionStrategy) Register(decl any) ([]Tool, error) {
	switch d := decl.(type) {
	case Tool:
		return []Tool{d}, nil
	case *Spec:
		if d == nil {
			return nil, core.NewConfigurationError(decl, "nil spec")
		}
		return specTool(*d)
	case Spec:
		return specTool(d)
	}
	return nil, core.NewConfigurationError(decl, "unsupported definition")
}

func specTool(s Spec) ([]Tool, error) {
	if s.Handler == nil {
		return nil, core.NewConfigurationError(s.Name, "spec has no handler")
	}
	return []Tool{NewFunctionTool(s.Name, s.Description, s.Parameters, s.Handler)}, nil
}

type callableStrategy struct{}

func (callableStrategy) Name() string { return "callable" }

func (callableStrategy) CanHandle(decl any) bool {
	return asFunc(decl) != nil
}

func (callableStrategy) Register(decl any) ([]Tool, error) {
	name, err := callableName(decl)
	if err != nil {
		return nil, core.NewConfigurationError(decl, "%v", err)
	}
	return []Tool{NewFunctionTool(name, "", nil, asFunc(decl))}, nil
}

func asFunc(decl any) Func {
	switch fn := decl.(type) {
	case Func:
		return fn
	case func(context.Context, map[string]any) (any, error):
		return fn
	case func(context.Context, map[string]any) (string, error):
		return func(ctx context.Context, args map[string]any) (any, error) { return fn(ctx, args) }
	case func(context.Context, map[string]any) string:
		return func(ctx context.Context, args map[string]any) (any, error) { return fn(ctx, args), nil }
	}
	return nil
}

var anonymousFunc = regexp.MustCompile(`^(func)?\d+$`)

// callableName derives a snake_case tool name from the function symbol.
func callableName(fn any) (string, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return "", errNotCallable
	}
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return "", errNotCallable
	}
	full := strings.TrimSuffix(f.Name(), "-fm")
	if i := strings.LastIndex(full, "/"); i >= 0 {
		full = full[i+1:]
	}
	parts := strings.Split(full, ".")
	last := parts[len(parts)-1]
	if last == "" || anonymousFunc.MatchString(last) {
		return "", errAnonymous
	}
	return snakeCase(last), nil
}

type declError string

func (e declError) Error() string { return string(e) }

const (
	errNotCallable = declError("declaration is not a callable")
	errAnonymous   = declError("anonymous functions cannot be named; declare a tool.Spec instead")
)

func snakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
