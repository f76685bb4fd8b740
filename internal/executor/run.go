package executor

import (
	"context"
	"encoding/json"

	"github.com/basket/nodeforge/internal/bus"
)

// maxAgentIterations bounds the LLM-tool-LLM loop so a misbehaving model
// advertising perpetual tool calls cannot run a job forever (spec §5: an
// individual job's wall clock is unbounded, but the loop itself must
// terminate).
const maxAgentIterations = 25

// runResult is what running a job's pipeline produces: either final
// content, or an error surfaced to the caller as inference.result.error.
type runResult struct {
	Content       string
	AssistantText string // the final assistant turn, for the memory feedback stage
	Err           error
}

// runJob executes stage 3 (agent loop or plain chain) and publishes
// streaming/blocking results as it goes (spec §4.7 step 3).
func (e *Service) runJob(ctx context.Context, job *Job, provider Provider, messages []Message, tools []ToolStub, params map[string]any, invoker ToolInvoker) runResult {
	streaming := job.OutputMode == "streaming"

	if len(tools) == 0 {
		return e.runPlainChain(ctx, job, provider, messages, params, streaming)
	}
	return e.runAgentLoop(ctx, job, provider, messages, tools, params, invoker, streaming)
}

func (e *Service) runPlainChain(ctx context.Context, job *Job, provider Provider, messages []Message, params map[string]any, streaming bool) runResult {
	if streaming {
		var full string
		_, err := provider.Stream(ctx, messages, nil, params, func(delta string) error {
			full += delta
			return e.publishChunk(ctx, job.JobID, delta)
		})
		if err != nil {
			return runResult{Err: err}
		}
		return runResult{Content: full, AssistantText: full}
	}
	completion, err := provider.Complete(ctx, messages, nil, params)
	if err != nil {
		return runResult{Err: err}
	}
	return runResult{Content: completion.Content, AssistantText: completion.Content}
}

func (e *Service) runAgentLoop(ctx context.Context, job *Job, provider Provider, messages []Message, tools []ToolStub, params map[string]any, invoker ToolInvoker, streaming bool) runResult {
	specs := toolSpecs(tools)
	transcript := append([]Message(nil), messages...)

	for i := 0; i < maxAgentIterations; i++ {
		if err := ctx.Err(); err != nil {
			return runResult{Err: newCancelled()}
		}

		var completion *Completion
		var err error
		var streamedText string
		if streaming {
			completion, err = provider.Stream(ctx, transcript, specs, params, func(delta string) error {
				streamedText += delta
				return e.publishChunk(ctx, job.JobID, delta)
			})
		} else {
			completion, err = provider.Complete(ctx, transcript, specs, params)
		}
		if err != nil {
			return runResult{Err: err}
		}

		if len(completion.ToolCalls) == 0 {
			text := completion.Content
			if streaming && text == "" {
				text = streamedText
			}
			return runResult{Content: text, AssistantText: text}
		}

		injectSessionID(completion.ToolCalls, tools, job.JobID)
		transcript = append(transcript, Message{Role: "assistant", Text: completion.Content})

		results, err := invoker.ExecuteMultipleTools(ctx, completion.ToolCalls, job.UserID, job.JobID)
		if err != nil {
			return runResult{Err: err}
		}
		for _, call := range completion.ToolCalls {
			transcript = append(transcript, Message{Role: "tool", Text: results[call.ID], ToolCallID: call.ID, ToolName: call.Name})
		}
	}
	return runResult{Err: newCancelled()}
}

func (e *Service) publishChunk(ctx context.Context, jobID, content string) error {
	body, err := json.Marshal(bus.InferenceResultChunk{JobID: jobID, Type: "chunk", Content: content})
	if err != nil {
		return err
	}
	return e.Bus.Publish(ctx, bus.ExchangeResults, bus.StreamingResultKey(jobID), body, bus.KindTopic, false)
}

func (e *Service) publishFinal(ctx context.Context, jobID, content string) error {
	body, err := json.Marshal(bus.InferenceResultFinal{JobID: jobID, Status: "success", Content: content})
	if err != nil {
		return err
	}
	return e.Bus.Publish(ctx, bus.ExchangeResults, bus.RKInferenceResultFinal, body, bus.KindTopic, true)
}

func (e *Service) publishError(ctx context.Context, jobID, message string) error {
	body, err := json.Marshal(bus.InferenceResultError{JobID: jobID, Status: "error", Error: message})
	if err != nil {
		return err
	}
	return e.Bus.Publish(ctx, bus.ExchangeResults, bus.RKInferenceResultError, body, bus.KindTopic, true)
}
