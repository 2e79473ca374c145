package workflow

import (
	"maps"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ContextErrorKey is the context key holding the error of a failed workflow. It is removed when
// the workflow is resumed.
const ContextErrorKey = "error"

// Terminal reports whether the status is final for a run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type CompletedStep struct {
	CompletedAt time.Time `json:"completed_at"`
	Result      any       `json:"result"`
	Skipped     bool      `json:"skipped,omitempty"`
}

type FailedStep struct {
	FailedAt time.Time `json:"failed_at"`
	Error    string    `json:"error"`
}

// State is the persisted progress of a workflow run.
type State struct {
	WorkflowID     string                   `json:"workflow_id"`
	Status         Status                   `json:"status"`
	StartTime      time.Time                `json:"start_time"`
	EndTime        *time.Time               `json:"end_time"`
	CurrentStep    string                   `json:"current_step,omitempty"`
	CompletedSteps map[string]CompletedStep `json:"completed_steps"`
	FailedSteps    map[string]FailedStep    `json:"failed_steps"`
	Context        map[string]any           `json:"context"`
}

func NewState(workflowID string, start time.Time, initialContext map[string]any) *State {
	ctx := make(map[string]any, len(initialContext))
	maps.Copy(ctx, initialContext)

	return &State{
		WorkflowID:     workflowID,
		Status:         StatusRunning,
		StartTime:      start,
		CompletedSteps: make(map[string]CompletedStep),
		FailedSteps:    make(map[string]FailedStep),
		Context:        ctx,
	}
}

// Results returns the result of every completed step keyed by step ID.
func (s *State) Results() map[string]any {
	r := make(map[string]any, len(s.CompletedSteps))
	for id, cs := range s.CompletedSteps {
		r[id] = cs.Result
	}

	return r
}

// Finish moves the state into a terminal status.
func (s *State) Finish(status Status, at time.Time) {
	s.Status = status
	s.EndTime = &at
	s.CurrentStep = ""
}

func (s *State) Summary() Summary {
	return Summary{
		WorkflowID: s.WorkflowID,
		Status:     s.Status,
		StartTime:  s.StartTime,
		EndTime:    s.EndTime,
	}
}

// Summary is the listing view of a persisted workflow state.
type Summary struct {
	WorkflowID string     `json:"workflow_id"`
	Status     Status     `json:"status"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time"`
}
