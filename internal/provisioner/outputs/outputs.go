// Package outputs flattens the IaC tool's `output -json` document.
package outputs

import (
	"bytes"
	"encoding/json"

	appErr "github.com/cyber-range/engine/pkg/errors"
)

// Output is one entry of the tool's output document.
type Output struct {
	Value     json.RawMessage `json:"value"`
	Type      json.RawMessage `json:"type,omitempty"`
	Sensitive bool            `json:"sensitive,omitempty"`
}

// Parse returns name -> value. Empty or malformed input yields an empty map.
func Parse(raw []byte) map[string]any {
	out, err := ParseStrict(raw)
	if err != nil {
		return map[string]any{}
	}
	return out
}

// ParseStrict is Parse but reports malformed input as CodeOutputParse.
// Empty input is not an error.
func ParseStrict(raw []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}

	var doc map[string]Output
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeOutputParse, "decode output document")
	}
	for name, o := range doc {
		if len(o.Value) == 0 {
			out[name] = nil
			continue
		}
		var v any
		if err := json.Unmarshal(o.Value, &v); err != nil {
			return nil, appErr.Wrap(err, appErr.CodeOutputParse, "decode output "+name)
		}
		out[name] = v
	}
	return out, nil
}
