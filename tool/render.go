package tool

import (
	"encoding/json"
	"fmt"
)

// RenderResult converts a tool result into the text sent back to the model.
// Strings and byte slices pass through, Stringers use their String method and
// everything else is encoded as JSON.
func RenderResult(v any) (string, error) {
	switch r := v.(type) {
	case nil:
		return "", nil
	case string:
		return r, nil
	case []byte:
		return string(r), nil
	case fmt.Stringer:
		return r.String(), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("render result: %w", err)
	}
	return string(b), nil
}
