package schema

// Event type constants for the append-only audit log.
const (
	EventWorkflowCreated   = "workflow_created"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"

	EventStepStarted      = "step_started"
	EventStepExecuted     = "step_executed"
	EventStepFailed       = "step_failed"
	EventStepSkipped      = "step_skipped"
	EventStepRetryAttempt = "step_retry_attempt"

	EventPlanCreated  = "plan_created"
	EventPlanModified = "plan_modified"

	EventConfirmationRequested = "confirmation_requested"
	EventConfirmationResponded = "confirmation_responded"
	EventConfirmationExecuted  = "confirmation_executed"
	EventConfirmationExpired   = "confirmation_expired"

	EventRecoveryDecided = "recovery_decided"

	EventCircuitBreakerOpen   = "circuit_breaker_open"
	EventCircuitBreakerClosed = "circuit_breaker_closed"
)
