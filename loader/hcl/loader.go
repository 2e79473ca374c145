// Package hcl loads workflow definitions from HCL files:
//
//	workflow "research" {
//	  description = "Search and summarize"
//
//	  step "search" {
//	    type       = "tool"
//	    timeout    = "30s"
//	    retry      = 2
//	    parameters = {
//	      tool  = "search"
//	      input = { query = "{topic}" }
//	    }
//	  }
//
//	  step "summarize" {
//	    type         = "chat"
//	    depends_on   = ["search"]
//	    context_vars = ["topic"]
//	    parameters   = { content = "Summarize the results for {topic}" }
//	  }
//	}
package hcl

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/stepflow/go-stepflow/log"
	"github.com/stepflow/go-stepflow/workflow"
)

const fileExtension = ".hcl"

type fileRoot struct {
	Workflows []*workflowBlock `hcl:"workflow,block"`
}

type workflowBlock struct {
	ID          string         `hcl:"id,label"`
	Name        string         `hcl:"name,optional"`
	Description string         `hcl:"description,optional"`
	Version     string         `hcl:"version,optional"`
	Metadata    hcl.Expression `hcl:"metadata,optional"`
	Steps       []*stepBlock   `hcl:"step,block"`
}

type stepBlock struct {
	ID          string         `hcl:"id,label"`
	Name        string         `hcl:"name,optional"`
	Description string         `hcl:"description,optional"`
	Kind        string         `hcl:"type"`
	DependsOn   []string       `hcl:"depends_on,optional"`
	Timeout     string         `hcl:"timeout,optional"`
	Retry       *int           `hcl:"retry,optional"`
	RetryDelay  string         `hcl:"retry_delay,optional"`
	Condition   string         `hcl:"condition,optional"`
	OutputKey   string         `hcl:"output_key,optional"`
	ContextVars []string       `hcl:"context_vars,optional"`
	Parameters  hcl.Expression `hcl:"parameters,optional"`
}

type Loader struct {
	logger *slog.Logger

	// Variables are available to expressions as var.<name>.
	variables map[string]cty.Value
}

type Option func(*Loader)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithVariables makes the given values available to expressions as var.<name>.
func WithVariables(vars map[string]any) Option {
	return func(l *Loader) {
		for name, v := range vars {
			l.variables[name] = toCty(v)
		}
	}
}

func New(opts ...Option) *Loader {
	l := &Loader{
		logger:    slog.Default(),
		variables: make(map[string]cty.Value),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// LoadFile returns all workflow definitions declared in the given file.
func (l *Loader) LoadFile(path string) ([]*workflow.Definition, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	return l.Parse(src, path)
}

// LoadDir returns the workflow definitions of every .hcl file below dir. Workflow IDs have to be
// unique across all files.
func (l *Loader) LoadDir(dir string) ([]*workflow.Definition, error) {
	var defs []*workflow.Definition
	seen := make(map[string]string)

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || filepath.Ext(path) != fileExtension {
			return nil
		}

		fileDefs, err := l.LoadFile(path)
		if err != nil {
			return err
		}

		for _, def := range fileDefs {
			if other, ok := seen[def.ID]; ok {
				return fmt.Errorf("workflow %q declared in %s and %s", def.ID, other, path)
			}
			seen[def.ID] = path
		}

		defs = append(defs, fileDefs...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug("Loaded workflow definitions", "dir", dir, "workflows", len(defs))

	return defs, nil
}

// Parse decodes the workflow blocks in src. filename is only used in diagnostics.
func (l *Loader) Parse(src []byte, filename string) ([]*workflow.Definition, error) {
	parser := hclparse.NewParser()

	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing %s: %w", filename, diags)
	}

	evalCtx := l.evalContext()

	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, evalCtx, &root); diags.HasErrors() {
		return nil, fmt.Errorf("decoding %s: %w", filename, diags)
	}

	defs := make([]*workflow.Definition, 0, len(root.Workflows))
	for _, wb := range root.Workflows {
		def, err := l.translateWorkflow(evalCtx, wb)
		if err != nil {
			return nil, fmt.Errorf("%s: workflow %q: %w", filename, wb.ID, err)
		}

		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}

		l.logger.Debug("Loaded workflow definition", log.WorkflowIDKey, def.ID, "steps", len(def.Steps))

		defs = append(defs, def)
	}

	return defs, nil
}

func (l *Loader) evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"var": cty.ObjectVal(l.variables),
		},
	}
}

func (l *Loader) translateWorkflow(evalCtx *hcl.EvalContext, wb *workflowBlock) (*workflow.Definition, error) {
	def := &workflow.Definition{
		ID:          wb.ID,
		Name:        wb.Name,
		Description: wb.Description,
		Version:     wb.Version,
		Steps:       make([]*workflow.Step, 0, len(wb.Steps)),
	}

	if def.Name == "" {
		def.Name = wb.ID
	}

	metadata, err := decodeMap(evalCtx, wb.Metadata)
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	def.Metadata = metadata

	for _, sb := range wb.Steps {
		step, err := translateStep(evalCtx, sb)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", sb.ID, err)
		}

		def.Steps = append(def.Steps, step)
	}

	return def, nil
}

func translateStep(evalCtx *hcl.EvalContext, sb *stepBlock) (*workflow.Step, error) {
	step := &workflow.Step{
		ID:           sb.ID,
		Name:         sb.Name,
		Description:  sb.Description,
		Kind:         workflow.StepKind(sb.Kind),
		Dependencies: sb.DependsOn,
		RetryLimit:   sb.Retry,
		Condition:    sb.Condition,
		OutputKey:    sb.OutputKey,
		Input: workflow.StepInput{
			ContextVars: sb.ContextVars,
		},
	}

	if step.Name == "" {
		step.Name = sb.ID
	}

	var err error
	if step.Timeout, err = parseDuration(sb.Timeout); err != nil {
		return nil, fmt.Errorf("timeout: %w", err)
	}

	if step.RetryDelay, err = parseDuration(sb.RetryDelay); err != nil {
		return nil, fmt.Errorf("retry_delay: %w", err)
	}

	if step.Input.Parameters, err = decodeMap(evalCtx, sb.Parameters); err != nil {
		return nil, fmt.Errorf("parameters: %w", err)
	}

	return step, nil
}

func parseDuration(s string) (workflow.Duration, error) {
	if s == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}

	return workflow.Duration(d), nil
}

// decodeMap evaluates an object expression into a plain Go map. Numbers become float64, the same
// as after a round trip through a state backend.
func decodeMap(evalCtx *hcl.EvalContext, expr hcl.Expression) (map[string]any, error) {
	if expr == nil {
		return nil, nil
	}

	val, diags := expr.Value(evalCtx)
	if diags.HasErrors() {
		return nil, diags
	}

	if val.IsNull() {
		return nil, nil
	}

	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		return nil, fmt.Errorf("expected an object, got %s", val.Type().FriendlyName())
	}

	if !val.IsWhollyKnown() {
		return nil, fmt.Errorf("value is not known")
	}

	data, err := ctyjson.Marshal(val, val.Type())
	if err != nil {
		return nil, err
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	return m, nil
}

// toCty converts JSON-like Go values into cty values.
func toCty(v any) cty.Value {
	data, err := json.Marshal(v)
	if err != nil {
		return cty.DynamicVal
	}

	ty, err := ctyjson.ImpliedType(data)
	if err != nil {
		return cty.DynamicVal
	}

	val, err := ctyjson.Unmarshal(data, ty)
	if err != nil {
		return cty.DynamicVal
	}

	return val
}
