package workflow

// StepKind selects the executor responsible for a step.
type StepKind string

const (
	StepKindChat        StepKind = "chat"
	StepKindTool        StepKind = "tool"
	StepKindParallel    StepKind = "parallel"
	StepKindConditional StepKind = "conditional"
)

// Valid reports whether k is one of the known step kinds.
func (k StepKind) Valid() bool {
	switch k {
	case StepKindChat, StepKindTool, StepKindParallel, StepKindConditional:
		return true
	}

	return false
}

// StepInput is the free-form parameter bag of a step plus the names of the
// context variables that get interpolated into it.
type StepInput struct {
	Parameters  map[string]any `json:"parameters,omitempty"`
	ContextVars []string       `json:"context_vars,omitempty"`
}

type Step struct {
	ID          string    `json:"id" validate:"required"`
	Name        string    `json:"name" validate:"required"`
	Description string    `json:"description,omitempty"`
	Kind        StepKind  `json:"type" validate:"required,stepkind"`
	Input       StepInput `json:"input"`

	// Dependencies are the IDs of steps that have to complete before this step starts.
	Dependencies []string `json:"dependencies,omitempty"`

	// Timeout of a single attempt. Zero means no timeout.
	Timeout Duration `json:"timeout,omitempty" validate:"min=0"`

	// RetryLimit is the number of retries after the first attempt. Nil disables retries.
	RetryLimit *int `json:"retry,omitempty" validate:"omitempty,min=0"`

	// RetryDelay is the delay before the first retry. Zero uses the scheduler default.
	RetryDelay Duration `json:"retry_delay,omitempty" validate:"min=0"`

	// Condition is a template evaluated against the workflow context and the results so far.
	// A step whose condition renders false is skipped.
	Condition string `json:"condition,omitempty"`

	// OutputKey, if set, stores the step result in the workflow context under that key.
	OutputKey string `json:"output_key,omitempty"`
}

// Retries returns the configured retry limit, or 0 if retries are disabled.
func (s *Step) Retries() int {
	if s.RetryLimit == nil {
		return 0
	}

	return *s.RetryLimit
}

// Param returns the named input parameter.
func (s *Step) Param(name string) (any, bool) {
	v, ok := s.Input.Parameters[name]
	return v, ok
}

// StringParam returns the named input parameter if it is a string.
func (s *Step) StringParam(name string) string {
	v, _ := s.Input.Parameters[name].(string)
	return v
}

// Definition is a workflow: an ordered list of steps and their dependencies.
type Definition struct {
	ID          string         `json:"id" validate:"required"`
	Name        string         `json:"name" validate:"required"`
	Description string         `json:"description,omitempty"`
	Version     string         `json:"version,omitempty"`
	Steps       []*Step        `json:"steps" validate:"dive,required"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Step returns the step with the given ID.
func (d *Definition) Step(id string) (*Step, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}

	return nil, false
}

// Remainder returns a new definition with only the steps not in completed. Dependencies on
// completed steps are dropped, since they are already satisfied.
func (d *Definition) Remainder(completed map[string]bool) *Definition {
	r := &Definition{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Version:     d.Version,
		Metadata:    d.Metadata,
		Steps:       make([]*Step, 0, len(d.Steps)),
	}

	for _, s := range d.Steps {
		if completed[s.ID] {
			continue
		}

		ns := *s
		ns.Dependencies = nil
		for _, dep := range s.Dependencies {
			if !completed[dep] {
				ns.Dependencies = append(ns.Dependencies, dep)
			}
		}

		r.Steps = append(r.Steps, &ns)
	}

	return r
}

// StepOutput lets an executor update the shared workflow context in addition to returning a
// result. Context is merged into the workflow context once the step completes.
type StepOutput struct {
	Result  any
	Context map[string]any
}
