package workflow

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"text/template"
)

const noValue = "<no value>"

// EvaluateCondition renders expr as a text/template against
//
//	{"context": vars, "results": results}
//
// and parses the output as a boolean. An empty expression is true, a reference to a missing
// value is false.
func EvaluateCondition(expr string, vars map[string]any, results map[string]any) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}

	tmpl, err := template.New("condition").Parse(expr)
	if err != nil {
		return false, fmt.Errorf("parsing condition %q: %w", expr, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]any{
		"context": vars,
		"results": results,
	}); err != nil {
		return false, fmt.Errorf("evaluating condition %q: %w", expr, err)
	}

	out := strings.TrimSpace(buf.String())
	switch out {
	case "":
		return true, nil
	case noValue:
		return false, nil
	}

	b, err := strconv.ParseBool(out)
	if err != nil {
		return false, fmt.Errorf("condition %q rendered non-boolean value %q", expr, out)
	}

	return b, nil
}
