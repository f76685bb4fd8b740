package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.InferenceJobDuration == nil {
		t.Error("InferenceJobDuration is nil")
	}
	if m.LLMCallDuration == nil {
		t.Error("LLMCallDuration is nil")
	}
	if m.TokensUsed == nil {
		t.Error("TokensUsed is nil")
	}
	if m.ToolCallDuration == nil {
		t.Error("ToolCallDuration is nil")
	}
	if m.ToolCallErrors == nil {
		t.Error("ToolCallErrors is nil")
	}
	if m.ActiveInferenceJobs == nil {
		t.Error("ActiveInferenceJobs is nil")
	}
	if m.StreamChunksSent == nil {
		t.Error("StreamChunksSent is nil")
	}
	if m.EventPublishFailures == nil {
		t.Error("EventPublishFailures is nil")
	}
	if m.SagaStepsCompleted == nil {
		t.Error("SagaStepsCompleted is nil")
	}
	if m.SagaStuckGauge == nil {
		t.Error("SagaStuckGauge is nil")
	}
	if m.NodeHealerTransitions == nil {
		t.Error("NodeHealerTransitions is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
