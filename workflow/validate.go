package workflow

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.RegisterValidation("stepkind", func(fl validator.FieldLevel) bool {
		return StepKind(fl.Field().String()).Valid()
	}); err != nil {
		panic(err)
	}

	return v
}

// Validate checks required fields, step kinds, duplicate step IDs, and that every dependency
// refers to a step of the same definition.
func (d *Definition) Validate() error {
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				if fe.Tag() == "stepkind" {
					return fmt.Errorf("%w: %q (%s)", ErrUnknownStepType, fe.Value(), fe.Namespace())
				}
			}
		}

		return fmt.Errorf("invalid workflow definition %q: %w", d.ID, err)
	}

	ids := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if ids[s.ID] {
			return &InvalidGraphError{StepID: s.ID, Reason: "duplicate step id"}
		}
		ids[s.ID] = true
	}

	for _, s := range d.Steps {
		for _, dep := range s.Dependencies {
			if dep == s.ID {
				return &InvalidGraphError{StepID: s.ID, Reason: "depends on itself"}
			}

			if !ids[dep] {
				return &InvalidGraphError{StepID: s.ID, Dependency: dep, Reason: "unknown dependency"}
			}
		}
	}

	return nil
}
