package diag

import (
	"time"

	"github.com/stepflow/go-stepflow/workflow"
)

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
	StepFailed    StepStatus = "failed"
)

type WorkflowRef struct {
	WorkflowID string          `json:"workflow_id"`
	Status     workflow.Status `json:"status"`
	StartTime  time.Time       `json:"start_time"`
	EndTime    *time.Time      `json:"end_time,omitempty"`
}

type StepInfo struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Kind         workflow.StepKind `json:"kind"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Status       StepStatus        `json:"status"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
	Result       any               `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
}

type WorkflowInfo struct {
	*WorkflowRef

	Name        string         `json:"name,omitempty"`
	CurrentStep string         `json:"current_step,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Steps       []*StepInfo    `json:"steps,omitempty"`
}

// StepTree shows a workflow as a tree of steps. A step with several dependencies is listed below
// the first of them that gets visited.
type StepTree struct {
	*StepInfo

	Children []*StepTree `json:"children,omitempty"`
}

func newWorkflowRef(s workflow.Summary) *WorkflowRef {
	return &WorkflowRef{
		WorkflowID: s.WorkflowID,
		Status:     s.Status,
		StartTime:  s.StartTime,
		EndTime:    s.EndTime,
	}
}

func newWorkflowInfo(def *workflow.Definition, state *workflow.State) *WorkflowInfo {
	info := &WorkflowInfo{
		WorkflowRef: newWorkflowRef(state.Summary()),
		CurrentStep: state.CurrentStep,
		Context:     state.Context,
	}

	if def == nil {
		return info
	}

	info.Name = def.Name
	for _, step := range def.Steps {
		info.Steps = append(info.Steps, newStepInfo(step, state))
	}

	return info
}

func newStepInfo(step *workflow.Step, state *workflow.State) *StepInfo {
	si := &StepInfo{
		ID:           step.ID,
		Name:         step.Name,
		Kind:         step.Kind,
		Dependencies: step.Dependencies,
		Status:       StepPending,
	}

	if cs, ok := state.CompletedSteps[step.ID]; ok {
		si.Status = StepCompleted
		if cs.Skipped {
			si.Status = StepSkipped
		}
		si.FinishedAt = &cs.CompletedAt
		si.Result = cs.Result
	} else if fs, ok := state.FailedSteps[step.ID]; ok {
		si.Status = StepFailed
		si.FinishedAt = &fs.FailedAt
		si.Error = fs.Error
	}

	return si
}
