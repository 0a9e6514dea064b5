// Package maputil reads loosely typed values out of rule params and alert payloads.
package maputil

import (
	"fmt"
	"strings"

	"spreadguard/internal/pkg/convert"
)

func String(params map[string]any, key string) string {
	raw, ok := lookup(params, key)
	if !ok || raw == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprintf("%v", raw))
}

// Float returns 0 when the key is missing or not numeric.
func Float(params map[string]any, key string) float64 {
	raw, ok := lookup(params, key)
	if !ok {
		return 0
	}
	return convert.ToFloat64(raw)
}

// FloatOr returns def when the key is missing or not numeric.
func FloatOr(params map[string]any, key string, def float64) float64 {
	raw, ok := lookup(params, key)
	if !ok {
		return def
	}
	f, ok := convert.Float64(raw)
	if !ok {
		return def
	}
	return f
}

func lookup(params map[string]any, key string) (any, bool) {
	if params == nil {
		return nil, false
	}
	raw, ok := params[key]
	return raw, ok
}
