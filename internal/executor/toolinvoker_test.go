package executor

import "testing"

func TestToolCallWire_RoundTripsFields(t *testing.T) {
	calls := []ToolCall{{ID: "call_1", Name: "lookup_price", Arguments: `{"sku":"abc"}`}}
	wire := make([]toolCallWire, len(calls))
	for i, c := range calls {
		wire[i] = toolCallWire{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	if wire[0].ID != "call_1" || wire[0].Name != "lookup_price" || wire[0].Arguments != `{"sku":"abc"}` {
		t.Fatalf("unexpected wire shape: %+v", wire[0])
	}
}
