package executor

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"github.com/basket/nodeforge/internal/apperr"
)

// openaiProvider backs both the "openai" and "ollama" provider kinds: Ollama
// is dialed through the same client against its OpenAI-compatible endpoint.
type openaiProvider struct {
	client *openai.Client
	model  string
}

func (p *openaiProvider) buildParams(messages []Message, tools []ToolSpec, params map[string]any) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			msgs = append(msgs, openai.SystemMessage(m.Text))
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(m.Text))
		case "tool":
			msgs = append(msgs, openai.ToolMessage(m.Text, m.ToolCallID))
		default:
			msgs = append(msgs, openai.UserMessage(m.Text))
		}
	}

	req := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(p.model),
		Messages:    msgs,
		Temperature: openai.Float(floatParam(params, "temperature", 0.7)),
	}
	if len(tools) > 0 {
		req.Tools = make([]openai.ChatCompletionToolUnionParam, len(tools))
		for i, t := range tools {
			req.Tools[i] = openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  t.Parameters,
			})
		}
	}
	return req
}

func (p *openaiProvider) Complete(ctx context.Context, messages []Message, tools []ToolSpec, params map[string]any) (*Completion, error) {
	resp, err := p.client.Chat.Completions.New(ctx, p.buildParams(messages, tools, params))
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "openai completion failed", err)
	}
	if len(resp.Choices) == 0 {
		return &Completion{}, nil
	}
	choice := resp.Choices[0]
	out := &Completion{Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return out, nil
}

func (p *openaiProvider) Stream(ctx context.Context, messages []Message, tools []ToolSpec, params map[string]any, onChunk ChunkFunc) (*Completion, error) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, p.buildParams(messages, tools, params))
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				if err := onChunk(delta); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "openai stream failed", err)
	}
	if len(acc.Choices) == 0 {
		return &Completion{}, nil
	}
	choice := acc.Choices[0]
	out := &Completion{Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return out, nil
}
