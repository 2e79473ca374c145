package metrickeys

const (
	Prefix = "stepflow."

	// Workflows
	WorkflowStarted  = Prefix + "workflow.started"
	WorkflowResumed  = Prefix + "workflow.resumed"
	WorkflowFinished = Prefix + "workflow.finished"
	WorkflowDuration = Prefix + "workflow.duration"

	// Steps
	StepDispatched = Prefix + "step.dispatched"
	StepCompleted  = Prefix + "step.completed"
	StepSkipped    = Prefix + "step.skipped"
	StepFailed     = Prefix + "step.failed"
	StepRetried    = Prefix + "step.retried"
	StepTimedOut   = Prefix + "step.timed_out"
	StepDuration   = Prefix + "step.duration"
	StepsInFlight  = Prefix + "step.in_flight"

	// State store
	StateSaved    = Prefix + "state.saved"
	StateRemoved  = Prefix + "state.removed"
	StateCacheHit = Prefix + "state.cache.hit"

	StateCacheSize     = Prefix + "state.cache.size"
	StateCacheEviction = Prefix + "state.cache.eviction"
)

// Tag names
const (
	// Backend being used
	Backend = "backend"

	// Reason for evicting an entry from the state cache
	EvictionReason = "reason"

	Status   = "status"
	StepKind = "kind"
	Hit      = "hit"
)
