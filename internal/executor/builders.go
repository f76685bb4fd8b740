package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/nodeforge/internal/apperr"
	"github.com/basket/nodeforge/internal/rpcclient"
)

const (
	methodDataGetFileContent = "/nodeforge.filesvc.DataService/GetFileContent"
)

// DataPart is one classified input the Data Builder resolved (spec §4.7
// step 2: "Returns one of: {type:text_content}, {type:image_url},
// {type:unsupported}").
type DataPart struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	URL     string `json:"url,omitempty"`
}

type fileContentResponse struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	URL     string `json:"url"`
}

// buildData runs the Data Builder stage: one GetFileContent RPC per
// file_id input, plus image_url inputs passed through untouched.
func buildData(ctx context.Context, data *rpcclient.Client, userID string, inputs []JobInput) ([]DataPart, error) {
	var parts []DataPart
	for _, in := range inputs {
		switch in.Type {
		case "file_id":
			var resp fileContentResponse
			if err := data.Call(ctx, methodDataGetFileContent, map[string]string{"file_id": in.ID, "user_id": userID}, &resp); err != nil {
				return nil, err
			}
			parts = append(parts, DataPart{Type: resp.Type, Content: resp.Content, URL: resp.URL})
		case "image_url":
			parts = append(parts, DataPart{Type: "image_url", URL: in.URL})
		}
	}
	return parts, nil
}

// buildModel resolves the node's bound provider client from
// resources.model_config (spec §4.7 step 2 Model Builder) and the effective
// parameter set (defaults merged with the caller's overrides, caller wins).
func buildModel(modelConfig string, defaultParameters json.RawMessage, overrides map[string]any) (Provider, map[string]any, error) {
	var cfg struct {
		Provider string `json:"provider"`
		Model    string `json:"model"`
	}
	if err := json.Unmarshal([]byte(modelConfig), &cfg); err != nil {
		return nil, nil, apperr.InvalidArgumentf("model configuration is not valid JSON: %v", err)
	}
	provider, err := NewProvider(cfg.Provider, cfg.Model, modelConfig)
	if err != nil {
		return nil, nil, err
	}
	var defaults map[string]any
	if len(defaultParameters) > 0 {
		_ = json.Unmarshal(defaultParameters, &defaults)
	}
	return provider, mergeParameters(defaults, overrides), nil
}

// buildMemoryHistory converts stored history entries into role-tagged
// messages by extracting the first text part of each entry's content array
// (spec §4.7 step 2 Memory Builder). History is never mutated locally.
func buildMemoryHistory(history []HistoryEntry) []Message {
	out := make([]Message, 0, len(history))
	for _, h := range history {
		text := firstTextPart(h.Content)
		if text == "" {
			continue
		}
		out = append(out, Message{Role: h.Role, Text: text})
	}
	return out
}

func firstTextPart(content []any) string {
	for _, raw := range content {
		part, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if part["type"] == "text" {
			if text, ok := part["text"].(string); ok {
				return text
			}
		}
	}
	return ""
}

// ToolInvoker is implemented by the Tool service's RPC surface; Stage 2's
// Tool Builder produces a ToolStub per definition whose Invoke calls this.
type ToolInvoker interface {
	ExecuteMultipleTools(ctx context.Context, calls []ToolCall, userID, sessionID string) (map[string]string, error)
}

// ToolStub is one callable tool exposed to the agent loop (spec §4.7 step 2
// Tool Builder).
type ToolStub struct {
	Spec       ToolSpec
	requiresSession bool
}

// buildTools turns the orchestrator-fetched tool definitions into
// ToolSpecs advertised to the provider. Whether a tool's arg_schema
// declares session_id is recorded so the agent loop can inject job_id when
// the caller omitted it (spec §4.7 step 2: "session continuity across tool
// calls within the job").
func buildTools(defs []ToolDefinition) []ToolStub {
	stubs := make([]ToolStub, 0, len(defs))
	for _, d := range defs {
		var schema struct {
			Description string         `json:"description"`
			Parameters  map[string]any `json:"parameters"`
		}
		_ = json.Unmarshal(d.Definition, &schema)
		requiresSession := false
		if props, ok := schema.Parameters["properties"].(map[string]any); ok {
			_, requiresSession = props["session_id"]
		}
		stubs = append(stubs, ToolStub{
			Spec:            ToolSpec{Name: d.Name, Description: schema.Description, Parameters: schema.Parameters},
			requiresSession: requiresSession,
		})
	}
	return stubs
}

func toolSpecs(stubs []ToolStub) []ToolSpec {
	specs := make([]ToolSpec, len(stubs))
	for i, s := range stubs {
		specs[i] = s.Spec
	}
	return specs
}

// injectSessionID mutates calls in place, adding session_id=jobID to any
// call whose tool requires it but whose arguments omit it.
func injectSessionID(calls []ToolCall, stubs []ToolStub, jobID string) {
	requiresSession := make(map[string]bool, len(stubs))
	for _, s := range stubs {
		requiresSession[s.Spec.Name] = s.requiresSession
	}
	for i, c := range calls {
		if !requiresSession[c.Name] {
			continue
		}
		var args map[string]any
		if err := json.Unmarshal([]byte(c.Arguments), &args); err != nil || args == nil {
			args = map[string]any{}
		}
		if _, has := args["session_id"]; !has {
			args["session_id"] = jobID
			if raw, err := json.Marshal(args); err == nil {
				calls[i].Arguments = string(raw)
			}
		}
	}
}

// buildPrompt composes the system prompt, a context block from RAG/on-the-
// fly data, and the user prompt (spec §4.7 step 2 Prompt Builder). When
// tools are present an agent-style system preamble with a scratchpad note
// is used; when history is non-empty it is prepended as prior turns.
func buildPrompt(query string, parts []DataPart, ragContext any, history []Message, hasTools bool) []Message {
	var system string
	if hasTools {
		system = "You are an assistant with access to tools. Think step by step; call tools as needed and use their observations to inform your final answer."
	} else {
		system = "You are a helpful assistant."
	}
	if ragContext != nil {
		if raw, err := json.Marshal(ragContext); err == nil && string(raw) != "null" {
			system += fmt.Sprintf("\n\nRelevant context:\n%s", raw)
		}
	}

	msgs := []Message{{Role: "system", Text: system}}
	msgs = append(msgs, history...)

	userText := query
	for _, p := range parts {
		switch p.Type {
		case "text_content":
			userText += "\n\n" + p.Content
		case "image_url":
			userText += fmt.Sprintf("\n\n[image: %s]", p.URL)
		case "unsupported":
			userText += "\n\n[unsupported attachment omitted]"
		}
	}
	msgs = append(msgs, Message{Role: "user", Text: userText})
	return msgs
}
