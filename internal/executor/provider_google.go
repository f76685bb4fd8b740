package executor

import (
	"context"
	"encoding/json"

	"google.golang.org/genai"

	"github.com/basket/nodeforge/internal/apperr"
)

type googleProvider struct {
	client *genai.Client
	model  string
}

func (p *googleProvider) buildContents(messages []Message) (string, []*genai.Content) {
	var system string
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = m.Text
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Text, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Text, genai.RoleUser))
		}
	}
	return system, contents
}

func (p *googleProvider) buildConfig(system string, tools []ToolSpec, params map[string]any) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(floatParam(params, "temperature", 0.7))),
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if len(tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(tools))
		for i, t := range tools {
			decls[i] = &genai.FunctionDeclaration{Name: t.Name, Description: t.Description, Parameters: schemaFromMap(t.Parameters)}
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

func (p *googleProvider) Complete(ctx context.Context, messages []Message, tools []ToolSpec, params map[string]any) (*Completion, error) {
	system, contents := p.buildContents(messages)
	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, p.buildConfig(system, tools, params))
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "google genai completion failed", err)
	}
	return completionFromGenai(resp), nil
}

// Stream issues the streaming iterator and folds text parts into onChunk;
// genai's Go SDK exposes streaming as an iterator of successive full
// candidates rather than raw deltas, so each yielded candidate's new text is
// forwarded as one chunk.
func (p *googleProvider) Stream(ctx context.Context, messages []Message, tools []ToolSpec, params map[string]any, onChunk ChunkFunc) (*Completion, error) {
	system, contents := p.buildContents(messages)
	var final *genai.GenerateContentResponse
	for resp, err := range p.client.Models.GenerateContentStream(ctx, p.model, contents, p.buildConfig(system, tools, params)) {
		if err != nil {
			return nil, apperr.Wrap(apperr.Unavailable, "google genai stream failed", err)
		}
		if text := resp.Text(); text != "" {
			if err := onChunk(text); err != nil {
				return nil, err
			}
		}
		final = resp
	}
	if final == nil {
		return &Completion{}, nil
	}
	return completionFromGenai(final), nil
}

func completionFromGenai(resp *genai.GenerateContentResponse) *Completion {
	out := &Completion{}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			out.Content += part.Text
		}
		if part.FunctionCall != nil {
			args, _ := json.Marshal(part.FunctionCall.Args)
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: part.FunctionCall.Name, Name: part.FunctionCall.Name, Arguments: string(args)})
		}
	}
	return out
}

func schemaFromMap(params map[string]any) *genai.Schema {
	if params == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	return &genai.Schema{Type: genai.TypeObject, Properties: map[string]*genai.Schema{}}
}
