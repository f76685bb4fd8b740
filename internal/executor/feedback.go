package executor

import (
	"encoding/json"

	"github.com/basket/nodeforge/internal/bus"
)

// buildFeedback assembles the memory.context.update body for a completed
// job (spec §4.7 step 4). The stored user message preserves file_ref
// pointers unless persist_inputs_in_memory is true, in which case the
// materialized file text is folded into the saved user message instead.
func buildFeedback(job *Job, assistantText string) bus.MemoryContextUpdate {
	userContent := []any{map[string]any{"type": "text", "text": job.Query}}
	for _, in := range job.Inputs {
		if in.Type != "file_id" {
			continue
		}
		if job.PersistInputsInMemory {
			// Materialized text was already folded into the prompt by
			// buildPrompt; memory keeps only the original query text plus a
			// marker that the file's content was inlined, since the raw
			// bytes were never carried into this feedback stage.
			userContent = append(userContent, map[string]any{"type": "text", "text": "[file content included inline]"})
		} else {
			userContent = append(userContent, map[string]any{"type": "file_ref", "file_id": in.ID})
		}
	}

	return bus.MemoryContextUpdate{
		IdempotencyKey: job.JobID,
		MemoryBucketID: job.MemoryBucketID,
		MessagesToAdd: []bus.MemoryMessageToAdd{
			{Role: "user", Content: userContent, IdempotencyKey: job.JobID},
			{Role: "assistant", Content: []any{map[string]any{"type": "text", "text": assistantText}}},
		},
	}
}

func marshalFeedback(fb bus.MemoryContextUpdate) ([]byte, error) {
	return json.Marshal(fb)
}
