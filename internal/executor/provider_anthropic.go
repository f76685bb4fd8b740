package executor

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/basket/nodeforge/internal/apperr"
)

type anthropicProvider struct {
	client *anthropic.Client
	model  string
}

func (p *anthropicProvider) buildParams(messages []Message, tools []ToolSpec, params map[string]any) anthropic.MessageNewParams {
	var system string
	msgs := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = m.Text
		case "assistant":
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Text)))
		case "tool":
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Text, false)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Text)))
		}
	}

	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(floatParam(params, "max_tokens", 4096)),
		Messages:  msgs,
	}
	if system != "" {
		req.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: t.Parameters},
			},
		})
	}
	return req
}

func (p *anthropicProvider) Complete(ctx context.Context, messages []Message, tools []ToolSpec, params map[string]any) (*Completion, error) {
	resp, err := p.client.Messages.New(ctx, p.buildParams(messages, tools, params))
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "anthropic completion failed", err)
	}
	out := &Completion{}
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Content += variant.Text
		case anthropic.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: variant.ID, Name: variant.Name, Arguments: string(variant.Input)})
		}
	}
	return out, nil
}

// Stream mirrors Complete's accumulation pattern but emits each text delta
// as it arrives; Anthropic's streaming surface is event-based rather than
// chunk-accumulator based like the OpenAI SDK, so this package folds
// content_block_delta events into onChunk directly.
func (p *anthropicProvider) Stream(ctx context.Context, messages []Message, tools []ToolSpec, params map[string]any, onChunk ChunkFunc) (*Completion, error) {
	stream := p.client.Messages.NewStreaming(ctx, p.buildParams(messages, tools, params))
	defer stream.Close()

	acc := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "anthropic stream accumulate", err)
		}
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
				if err := onChunk(text.Text); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "anthropic stream failed", err)
	}
	out := &Completion{}
	for _, block := range acc.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Content += variant.Text
		case anthropic.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: variant.ID, Name: variant.Name, Arguments: string(variant.Input)})
		}
	}
	return out, nil
}
