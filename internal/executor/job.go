// Package executor implements the Inference Executor (C9): the long-running
// worker that consumes inference_jobs_queue, builds per-job context (data,
// model, memory, tool, prompt), runs the agent loop or plain chain, streams
// or delivers the result, and publishes the memory feedback update (spec
// §4.7).
package executor

import (
	"encoding/json"
)

// Job is the decoded body of inference_exchange/inference.job.start, the
// exact shape internal/orchestrator assembles in its Stage 4.
type Job struct {
	JobID                 string          `json:"job_id"`
	UserID                string          `json:"user_id"`
	NodeID                string          `json:"node_id"`
	Timestamp             string          `json:"timestamp"`
	Query                 string          `json:"query"`
	Inputs                []JobInput      `json:"inputs,omitempty"`
	DefaultParameters     json.RawMessage `json:"default_parameters"`
	ParameterOverrides    map[string]any  `json:"parameter_overrides,omitempty"`
	OutputMode            string          `json:"output_mode"`
	PersistInputsInMemory bool            `json:"persist_inputs_in_memory"`
	MemoryBucketID        string          `json:"memory_bucket_id,omitempty"`
	Resources             JobResources    `json:"resources"`
}

// JobInput mirrors orchestrator.Input.
type JobInput struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	URL  string `json:"url,omitempty"`
}

// JobResources mirrors orchestrator.jobResources.
type JobResources struct {
	ModelConfig   string           `json:"model_config"`
	Tools         []ToolDefinition `json:"tools,omitempty"`
	RAGContext    any              `json:"rag_context,omitempty"`
	MemoryHistory []HistoryEntry   `json:"memory_context,omitempty"`
}

// ToolDefinition is one tool the Tool service returned for this job.
type ToolDefinition struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
}

// HistoryEntry is one stored memory message (internal/memorysvc.Message's
// wire shape as returned by GetHistory).
type HistoryEntry struct {
	Role    string `json:"role"`
	Content []any  `json:"content"`
}

// parseJob strictly decodes body into a Job. Per spec §4.7 step 1, a
// malformed message is rejected without requeue rather than retried.
func parseJob(body []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(body, &j); err != nil {
		return nil, err
	}
	if j.JobID == "" || j.UserID == "" {
		return nil, errMalformedJob
	}
	return &j, nil
}

var errMalformedJob = &malformedJobError{}

type malformedJobError struct{}

func (*malformedJobError) Error() string { return "executor: job missing job_id/user_id" }
