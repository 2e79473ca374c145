package tracing

const (
	WorkflowID   = "workflow.id"
	WorkflowName = "workflow.name"

	StepID      = "step.id"
	StepKind    = "step.kind"
	StepAttempt = "step.attempt"

	Backend = "backend"
)
