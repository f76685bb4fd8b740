package bus

// Durable exchange names (spec §4.1).
const (
	ExchangeUserEvents      = "user_events"
	ExchangeProjectEvents   = "project_events"
	ExchangeResourceEvents  = "resource_events"
	ExchangeMemory          = "memory_exchange"
	ExchangeInference       = "inference_exchange"
	ExchangeResults         = "results_exchange"
	ExchangeJobControlFanout = "job_control_fanout_exchange"
)

// Routing keys (spec §6 event routing table).
const (
	RKUserDeletionInitiated     = "user.deletion.initiated"
	RKAllProjectsForUserDeleted = "all_projects_for_user.deleted"
	RKProjectDeletionInitiated  = "project.deletion.initiated"
	RKModelDeleted              = "model.deleted"
	RKToolDeleted               = "tool.deleted"
	RKMemoryBucketDeleted       = "memory.bucket.deleted"
	RKModelCapabilitiesUpdated  = "model.capabilities.updated"
	RKInferenceJobStart         = "inference.job.start"
	RKInferenceResultFinal      = "inference.result.final"
	RKInferenceResultError      = "inference.result.error"
	RKMemoryContextUpdate       = "memory.context.update"
)

// ResourceForUserDeletedKey builds "resource.for_user.deleted.<ServiceName>".
func ResourceForUserDeletedKey(service string) string {
	return "resource.for_user.deleted." + service
}

// ResourceForProjectDeletedKey builds "resource.for_project.deleted.<ServiceName>".
func ResourceForProjectDeletedKey(service string) string {
	return "resource.for_project.deleted." + service
}

// StreamingResultKey builds "inference.result.streaming.<job_id>".
func StreamingResultKey(jobID string) string {
	return "inference.result.streaming." + jobID
}

// UserDeletionInitiated is the body of user_events/user.deletion.initiated.
type UserDeletionInitiated struct {
	UserID string `json:"user_id"`
}

// ResourceForUserDeleted is the body of a per-service user-deletion confirmation.
type ResourceForUserDeleted struct {
	UserID      string `json:"user_id"`
	ServiceName string `json:"service_name"`
}

// AllProjectsForUserDeleted is the body published once the Project service
// has driven every one of a user's projects through its own deletion saga.
type AllProjectsForUserDeleted struct {
	UserID string `json:"user_id"`
}

// ProjectDeletionInitiated is the body of project_events/project.deletion.initiated.
type ProjectDeletionInitiated struct {
	ProjectID string `json:"project_id"`
	OwnerID   string `json:"owner_id"`
}

// ResourceForProjectDeleted is the body of a per-service project-deletion confirmation.
type ResourceForProjectDeleted struct {
	ProjectID   string `json:"project_id"`
	ServiceName string `json:"service_name"`
}

// ModelDeleted is the body of resource_events/model.deleted.
type ModelDeleted struct {
	ModelID string `json:"model_id"`
}

// ToolDeleted is the body of resource_events/tool.deleted.
type ToolDeleted struct {
	ToolID string `json:"tool_id"`
}

// MemoryBucketDeleted is the body of resource_events/memory.bucket.deleted.
type MemoryBucketDeleted struct {
	BucketID string `json:"bucket_id"`
}

// ModelCapabilitiesUpdated is the body of resource_events/model.capabilities.updated.
type ModelCapabilitiesUpdated struct {
	ModelID         string   `json:"model_id"`
	NewCapabilities []string `json:"new_capabilities"`
}

// InferenceResultFinal is the body of results_exchange/inference.result.final.
type InferenceResultFinal struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Content string `json:"content"`
}

// InferenceResultError is the body of results_exchange/inference.result.error.
type InferenceResultError struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// InferenceResultChunk is the body of a streaming result chunk.
type InferenceResultChunk struct {
	JobID   string `json:"job_id"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// MemoryContextUpdate is the body of memory_exchange/memory.context.update.
type MemoryContextUpdate struct {
	IdempotencyKey  string                   `json:"idempotency_key"`
	MemoryBucketID  string                   `json:"memory_bucket_id"`
	MessagesToAdd   []MemoryMessageToAdd     `json:"messages_to_add"`
}

// MemoryMessageToAdd is one message in a MemoryContextUpdate batch. Only the
// first message in a batch carries IdempotencyKey (spec §3 Message invariant).
type MemoryMessageToAdd struct {
	Role            string `json:"role"`
	Content         []any  `json:"content"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
}

// JobControlCancel is the fanout body broadcast on job_control_fanout_exchange.
type JobControlCancel struct {
	JobID  string `json:"job_id"`
	UserID string `json:"user_id"`
}
