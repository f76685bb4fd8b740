package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds every platform metrics instrument (spec C13).
type Metrics struct {
	RequestDuration      metric.Float64Histogram
	InferenceJobDuration metric.Float64Histogram
	LLMCallDuration      metric.Float64Histogram
	TokensUsed           metric.Int64Counter
	ToolCallDuration     metric.Float64Histogram
	ToolCallErrors       metric.Int64Counter
	ActiveInferenceJobs  metric.Int64UpDownCounter
	StreamChunksSent     metric.Int64Counter
	EventPublishFailures metric.Int64Counter
	SagaStepsCompleted   metric.Int64Counter
	SagaStuckGauge       metric.Int64UpDownCounter
	NodeHealerTransitions metric.Int64Counter
}

// NewMetrics creates every metric instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("nodeforge.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.InferenceJobDuration, err = meter.Float64Histogram("nodeforge.inference.job.duration",
		metric.WithDescription("Inference job processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("nodeforge.llm.duration",
		metric.WithDescription("LLM provider call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("nodeforge.llm.tokens",
		metric.WithDescription("Total tokens consumed across all providers"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("nodeforge.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("nodeforge.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveInferenceJobs, err = meter.Int64UpDownCounter("nodeforge.inference.jobs.active",
		metric.WithDescription("Number of inference jobs currently running on this executor"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamChunksSent, err = meter.Int64Counter("nodeforge.stream.chunks",
		metric.WithDescription("Total streaming result chunks delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.EventPublishFailures, err = meter.Int64Counter("nodeforge.bus.publish.failures",
		metric.WithDescription("Event bus publish attempts exhausted without success"),
	)
	if err != nil {
		return nil, err
	}

	m.SagaStepsCompleted, err = meter.Int64Counter("nodeforge.saga.steps.completed",
		metric.WithDescription("Saga steps marked completed"),
	)
	if err != nil {
		return nil, err
	}

	m.SagaStuckGauge, err = meter.Int64UpDownCounter("nodeforge.saga.stuck",
		metric.WithDescription("Sagas that have exceeded the stuck-saga threshold"),
	)
	if err != nil {
		return nil, err
	}

	m.NodeHealerTransitions, err = meter.Int64Counter("nodeforge.node.healer.transitions",
		metric.WithDescription("Node status transitions driven by the dependency healer"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
