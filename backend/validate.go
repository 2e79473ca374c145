package backend

import (
	"fmt"
	"strings"
)

// definitionSuffix is reserved for stored definitions, a workflow ID ending in it would share
// their file names.
const definitionSuffix = ".definition"

// ValidateWorkflowID rejects IDs that cannot safely be used as file names or keys.
func ValidateWorkflowID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidWorkflowID)
	}

	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) || strings.HasSuffix(id, definitionSuffix) {
		return fmt.Errorf("%w: %q", ErrInvalidWorkflowID, id)
	}

	return nil
}
