package log

const (
	NamespaceKey = "stepflow"

	WorkflowIDKey     = NamespaceKey + ".workflow.id"
	WorkflowNameKey   = NamespaceKey + ".workflow.name"
	WorkflowStatusKey = NamespaceKey + ".workflow.status"

	StepIDKey   = NamespaceKey + ".step.id"
	StepKindKey = NamespaceKey + ".step.kind"

	TaskIDKey    = NamespaceKey + ".task.id"
	TaskStateKey = NamespaceKey + ".task.state"
	TaskOwnerKey = NamespaceKey + ".task.owner"

	AttemptKey  = NamespaceKey + ".attempt"
	DurationKey = NamespaceKey + ".duration_ms"
	DelayKey    = NamespaceKey + ".delay_ms"

	InFlightKey = NamespaceKey + ".in_flight"
	BackendKey  = NamespaceKey + ".backend"
)
