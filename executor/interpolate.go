package executor

import (
	"fmt"
	"strings"
)

// Interpolate replaces {name} in s with the value of vars[name] for every name in names that
// is present in vars.
func Interpolate(s string, vars map[string]any, names []string) string {
	for _, name := range names {
		v, ok := vars[name]
		if !ok {
			continue
		}

		s = strings.ReplaceAll(s, "{"+name+"}", fmt.Sprint(v))
	}

	return s
}

// InterpolateValue applies Interpolate to every string in v, descending into maps and slices.
// v is not modified.
func InterpolateValue(v any, vars map[string]any, names []string) any {
	switch value := v.(type) {
	case string:
		return Interpolate(value, vars, names)

	case map[string]any:
		r := make(map[string]any, len(value))
		for k, item := range value {
			r[k] = InterpolateValue(item, vars, names)
		}
		return r

	case []any:
		r := make([]any, len(value))
		for i, item := range value {
			r[i] = InterpolateValue(item, vars, names)
		}
		return r

	case []string:
		r := make([]string, len(value))
		for i, item := range value {
			r[i] = Interpolate(item, vars, names)
		}
		return r
	}

	return v
}
