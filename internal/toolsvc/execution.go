package toolsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/basket/nodeforge/internal/apperr"
	"github.com/basket/nodeforge/internal/mcp"
	"github.com/basket/nodeforge/internal/policy"
	"github.com/basket/nodeforge/internal/sandbox/wasm"
)

// Call is one tool invocation the Inference Executor's agent loop requested,
// mirroring executor.ToolCall across the RPC boundary (spec §4.7 step 3).
type Call struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON object
}

// Executor runs STANDARD tools against the teacher's WASM sandbox (HTTP
// call-outs or pre-loaded skill modules) and MCP tools against the MCP
// bridge, per the ToolType split Tool.ToolType already records.
type Executor struct {
	wasmHost *wasm.Host
	mcp      *mcp.Manager
	logger   *slog.Logger
}

func NewExecutor(wasmHost *wasm.Host, mcpMgr *mcp.Manager, logger *slog.Logger) *Executor {
	return &Executor{wasmHost: wasmHost, mcp: mcpMgr, logger: logger}
}

// executionBlock is the Definition's "execution" object (spec §3: Tool
// Definition is "{name, description, parameters schema, execution block}").
type executionBlock struct {
	Type        string `json:"type"`         // "http_get" | "wasm" | "mcp"
	URLTemplate string `json:"url_template"` // http_get: {arg} tokens substituted from call arguments
	Module      string `json:"module"`       // wasm: pre-loaded module name
	Server      string `json:"server"`       // mcp: MCP server name
	RemoteTool  string `json:"tool"`         // mcp: tool name on that server
}

// ExecuteMultipleTools runs every call concurrently and returns a map from
// call ID to the observation text fed back into the transcript (spec §4.8:
// "ExecuteMultipleTools runs tool calls in parallel"). A single call's
// failure becomes its own observation text rather than failing the batch,
// so the model can react to a tool error instead of the whole turn aborting.
func (svc *Service) ExecuteMultipleTools(ctx context.Context, calls []Call, userID, sessionID string) (map[string]string, error) {
	results := make([]string, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range calls {
		i, c := i, c
		g.Go(func() error {
			results[i] = svc.executeOne(gctx, c, userID, sessionID)
			return nil
		})
	}
	_ = g.Wait() // executeOne never returns an error; every failure is encoded in its result string.

	out := make(map[string]string, len(calls))
	for i, c := range calls {
		out[c.ID] = results[i]
	}
	return out, nil
}

func (svc *Service) executeOne(ctx context.Context, c Call, userID, sessionID string) string {
	t, err := svc.Store.getByName(ctx, c.Name, userID)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	if !t.IsSystemTool && (t.OwnerID == nil || *t.OwnerID != userID) {
		return fmt.Sprintf("error: %v", apperr.PermissionDeniedf("tool %q is not visible to requester", c.Name))
	}
	var exec executionBlock
	if err := json.Unmarshal([]byte(gjson.GetBytes(t.Definition, "execution").Raw), &exec); err != nil || exec.Type == "" {
		return fmt.Sprintf("error: tool %q has no usable execution block", c.Name)
	}

	var args map[string]any
	_ = json.Unmarshal([]byte(c.Arguments), &args)

	switch {
	case t.ToolType == TypeMCP:
		return svc.invokeMCP(ctx, exec, c.Arguments)
	case exec.Type == "http_get":
		return svc.invokeHTTPGet(ctx, exec, args)
	case exec.Type == "wasm":
		return svc.invokeWASM(ctx, exec)
	default:
		return fmt.Sprintf("error: unsupported execution type %q for tool %q", exec.Type, c.Name)
	}
}

func (svc *Service) invokeMCP(ctx context.Context, exec executionBlock, argsJSON string) string {
	if svc.Executor == nil || svc.Executor.mcp == nil {
		return "error: no MCP bridge configured for this deployment"
	}
	result, err := svc.Executor.mcp.CallTool(ctx, exec.Server, exec.RemoteTool, json.RawMessage(argsJSON))
	if err != nil {
		return fmt.Sprintf("error: mcp call failed: %v", err)
	}
	return string(result)
}

func (svc *Service) invokeHTTPGet(ctx context.Context, exec executionBlock, args map[string]any) string {
	if svc.Executor == nil || svc.Executor.wasmHost == nil {
		return "error: no sandbox host configured for this deployment"
	}
	url := substituteTemplate(exec.URLTemplate, args)
	body, err := svc.Executor.wasmHost.HTTPGet(ctx, url)
	if err != nil {
		return fmt.Sprintf("error: http_get failed: %v", err)
	}
	return body
}

// invokeWASM runs a pre-loaded skill module. The host's current export ABI
// (random/Random/run/main, no argument passing) only supports
// zero-argument invocations, so the call's arguments are not forwarded;
// this is a real limitation of the adapted sandbox, not an oversight.
func (svc *Service) invokeWASM(ctx context.Context, exec executionBlock) string {
	if svc.Executor == nil || svc.Executor.wasmHost == nil {
		return "error: no sandbox host configured for this deployment"
	}
	if !svc.Executor.wasmHost.HasModule(exec.Module) {
		return fmt.Sprintf("error: wasm module %q is not loaded", exec.Module)
	}
	result, err := svc.Executor.wasmHost.InvokeModuleRandom(ctx, exec.Module)
	if err != nil {
		return fmt.Sprintf("error: wasm invocation failed: %v", err)
	}
	return fmt.Sprintf("%d", result)
}

func substituteTemplate(tmpl string, args map[string]any) string {
	out := tmpl
	for k, v := range args {
		out = strings.ReplaceAll(out, "{"+k+"}", fmt.Sprintf("%v", v))
	}
	return out
}

// DefaultPolicy is the sandbox policy new toolservice deployments start
// from: deny by default, with the http_get capability granted so STANDARD
// tools can reach their configured endpoints. Domain allowlisting stays
// empty (deny-all by host) until an operator opts specific domains in.
func DefaultPolicy() policy.Policy {
	p := policy.Default()
	p.AllowCapabilities = []string{"wasm.http.get"}
	return p
}
