package executor

import (
	"context"

	"github.com/basket/nodeforge/internal/rpcclient"
)

const methodToolExecuteMultiple = "/nodeforge.toolsvc.ToolService/ExecuteMultipleTools"

// RPCToolInvoker implements ToolInvoker against the Tool service's RPC
// Adapter, the concrete invoker cmd/executor wires into Service.Tool.
type RPCToolInvoker struct {
	RPC *rpcclient.Client
}

type toolCallWire struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func (t *RPCToolInvoker) ExecuteMultipleTools(ctx context.Context, calls []ToolCall, userID, sessionID string) (map[string]string, error) {
	wire := make([]toolCallWire, len(calls))
	for i, c := range calls {
		wire[i] = toolCallWire{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	req := map[string]any{"calls": wire, "user_id": userID, "session_id": sessionID}
	var resp map[string]string
	if err := t.RPC.Call(ctx, methodToolExecuteMultiple, req, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}
