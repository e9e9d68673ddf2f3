package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/expr-lang/expr"
)

// Catalog maps builtin group identifiers to constructors for their tools.
type Catalog map[string]func() []Tool

// DefaultCatalog returns the builtin groups "math", "time" and "text".
func DefaultCatalog() Catalog {
	return Catalog{
		"math": func() []Tool { return []Tool{NewCalculatorTool()} },
		"time": func() []Tool { return []Tool{NewCurrentTimeTool()} },
		"text": func() []Tool { return []Tool{NewWordCountTool()} },
	}
}

// Groups returns the sorted group identifiers.
func (c Catalog) Groups() []string {
	out := make([]string, 0, len(c))
	for g := range c {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// NewCalculatorTool evaluates arithmetic expressions such as "(2+3)*4". The
// expression is read from "expression" or its short alias "expr".
func NewCalculatorTool() *FunctionTool {
	return NewFunctionTool(
		"calculator",
		"Evaluate an arithmetic expression and return the numeric result.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expression": map[string]any{
					"type":        "string",
					"description": "Arithmetic expression, e.g. 2+2 or (3*4)/2",
				},
				"expr": map[string]any{
					"type":        "string",
					"description": "Alias for expression",
				},
			},
		},
		func(_ context.Context, args map[string]any) (any, error) {
			src, _ := args["expression"].(string)
			if strings.TrimSpace(src) == "" {
				src, _ = args["expr"].(string)
			}
			if strings.TrimSpace(src) == "" {
				return nil, NewToolError("calculator", "expression is required", CodeValidation)
			}
			program, err := expr.Compile(src)
			if err != nil {
				return nil, NewToolError("calculator", fmt.Sprintf("invalid expression: %v", err), CodeValidation)
			}
			out, err := expr.Run(program, nil)
			if err != nil {
				return nil, fmt.Errorf("evaluate %q: %w", src, err)
			}
			return numeric(out)
		},
	)
}

func numeric(v any) (any, error) {
	switch n := v.(type) {
	case int, int64, float64:
		return n, nil
	default:
		return nil, fmt.Errorf("expression did not produce a number (got %T)", v)
	}
}

// NewCurrentTimeTool reports the current time in RFC 3339 format.
func NewCurrentTimeTool() *FunctionTool {
	return newCurrentTimeTool(time.Now)
}

func newCurrentTimeTool(now func() time.Time) *FunctionTool {
	return NewFunctionTool(
		"current_time",
		"Return the current date and time in RFC 3339 format.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA time zone name such as Europe/Berlin; defaults to UTC",
				},
			},
		},
		func(_ context.Context, args map[string]any) (any, error) {
			loc := time.UTC
			if tz, _ := args["timezone"].(string); tz != "" {
				l, err := time.LoadLocation(tz)
				if err != nil {
					return nil, NewToolError("current_time", fmt.Sprintf("unknown time zone %q", tz), CodeValidation)
				}
				loc = l
			}
			return now().In(loc).Format(time.RFC3339), nil
		},
	)
}

// NewWordCountTool counts the words in a text.
func NewWordCountTool() *FunctionTool {
	return NewFunctionTool(
		"word_count",
		"Count the words in a piece of text.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string", "description": "Text to analyze"},
			},
			"required": []string{"text"},
		},
		func(_ context.Context, args map[string]any) (any, error) {
			text, _ := args["text"].(string)
			words := strings.FieldsFunc(text, func(r rune) bool {
				return unicode.IsSpace(r) || unicode.IsPunct(r) && r != '\'' && r != '-'
			})
			return map[string]any{"words": len(words), "characters": len([]rune(text))}, nil
		},
	)
}
