package contracts

// Canonical event topics. Step topics follow {system}-deletion; the saga
// derives them with StepTopic.
const (
	TopicWorkflowCreated      = "workflow-created"
	TopicCheckpointValidation = "checkpoint-validation"
	TopicParallelOrchestrator = "parallel-deletion-orchestrator"
	TopicPIIScan              = "pii-scan"
	TopicStepCompleted        = "step-completed"
	TopicStepFailed           = "step-failed"
	TopicParallelStepDone     = "parallel-step-completed"
	TopicCheckpointFailed     = "checkpoint-failed"
	TopicBackgroundProgress   = "background-job-progress"
	TopicPIIDetected          = "pii-detected"
	TopicAuditLog             = "audit-log"
	TopicWorkflowCompletion   = "workflow-completion"
	TopicCertificateGenerated = "certificate-generated"
	TopicZombieCheckScheduled = "zombie-check-scheduled"

	// Live notification feeds.
	TopicWorkflowStatus          = "workflow-status"
	TopicErrorNotifications      = "error-notifications"
	TopicCompletionNotifications = "completion-notifications"
)

// StepTopic derives the deletion topic for an external system, e.g.
// "stripe" -> "stripe-deletion".
func StepTopic(system string) string {
	return system + "-deletion"
}
