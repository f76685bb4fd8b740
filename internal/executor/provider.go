package executor

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
	"github.com/tidwall/gjson"
	"google.golang.org/genai"

	"github.com/basket/nodeforge/internal/apperr"
)

// Message is a role-tagged chat turn flowing through the Model Builder, the
// Memory Builder's converted history, and the agent loop's transcript.
type Message struct {
	Role string // "system" | "user" | "assistant" | "tool"
	Text string
	// ToolCallID/ToolName are set on role="tool" observation messages fed
	// back into the loop after ExecuteMultipleTools returns.
	ToolCallID string
	ToolName   string
}

// ToolCall is one function invocation the model requested.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// Completion is one provider turn: either terminal text, or a set of tool
// calls the agent loop must execute and feed back.
type Completion struct {
	Content   string
	ToolCalls []ToolCall
}

// ChunkFunc receives one streamed text delta.
type ChunkFunc func(delta string) error

// Provider is the sum-type interface every supported LLM backend
// implements (spec §4.7 Model Builder: provider ∈ {openai, ollama, google,
// anthropic}).
type Provider interface {
	// Complete runs one non-streaming turn.
	Complete(ctx context.Context, messages []Message, tools []ToolSpec, params map[string]any) (*Completion, error)
	// Stream runs one turn, invoking onChunk for every text delta, and
	// returns the same Completion Complete would (tool calls are never
	// streamed token-by-token; a streaming turn that triggers tool calls
	// still returns them structured).
	Stream(ctx context.Context, messages []Message, tools []ToolSpec, params map[string]any, onChunk ChunkFunc) (*Completion, error)
}

// ToolSpec is what a Provider needs to advertise a callable tool to the
// model: name, description and JSON-schema parameters.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// NewProvider instantiates the provider client named by provider against
// configuration, the Node's model_config.configuration block (spec §4.7:
// "instantiate the correct provider client from
// resources.model_config.configuration"). Credentials and default
// parameters live at configuration's "credentials.properties.<key>.default"
// slots per the Node config-template convention (spec §4.5/§4.7).
func NewProvider(provider, modelID, configuration string) (Provider, error) {
	apiKey := credentialDefault(configuration, "api_key")
	baseURL := credentialDefault(configuration, "base_url")

	switch provider {
	case "openai":
		opts := []openaioption.RequestOption{openaioption.WithAPIKey(apiKey)}
		if baseURL != "" {
			opts = append(opts, openaioption.WithBaseURL(baseURL))
		}
		client := openai.NewClient(opts...)
		return &openaiProvider{client: &client, model: modelID}, nil
	case "ollama":
		// Ollama speaks the OpenAI chat-completions wire format; reuse the
		// same client pointed at the operator-configured local endpoint
		// (teacher's internal/engine/ollama.go talks to this same
		// OpenAI-compat surface for tool-capability probing).
		if baseURL == "" {
			baseURL = "http://localhost:11434/v1"
		}
		client := openai.NewClient(openaioption.WithBaseURL(baseURL), openaioption.WithAPIKey("ollama"))
		return &openaiProvider{client: &client, model: modelID}, nil
	case "anthropic":
		client := anthropic.NewClient(option.WithAPIKey(apiKey))
		return &anthropicProvider{client: &client, model: modelID}, nil
	case "google":
		ctx := context.Background()
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "build google genai client", err)
		}
		return &googleProvider{client: client, model: modelID}, nil
	default:
		return nil, apperr.InvalidArgumentf("unsupported model provider %q", provider)
	}
}

// credentialDefault reads configuration.credentials.properties.<key>.default
// (spec §4.5's generated template shape), empty string if absent.
func credentialDefault(configuration, key string) string {
	return gjson.Get(configuration, fmt.Sprintf("credentials.properties.%s.default", key)).String()
}

// mergeParameters applies defaults then overrides (user wins), per spec
// §4.7 Model Builder.
func mergeParameters(defaults, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func floatParam(params map[string]any, key string, fallback float64) float64 {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return fallback
}
