package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all orchestrator metrics instruments.
type Metrics struct {
	RequestDuration      metric.Float64Histogram
	JobDuration          metric.Float64Histogram
	ExecutionDuration    metric.Float64Histogram
	LLMCallDuration      metric.Float64Histogram
	TokensUsed           metric.Int64Counter
	DecompositionDepth   metric.Int64Histogram
	DecompositionErrors  metric.Int64Counter
	ActiveSessions       metric.Int64UpDownCounter
	ActiveExecutions     metric.Int64UpDownCounter
	EventsPublished      metric.Int64Counter
	EventsDropped        metric.Int64Counter
	JobQueueRejects      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("orchestrator.request.duration",
		metric.WithDescription("Transport request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.JobDuration, err = meter.Float64Histogram("orchestrator.job.duration",
		metric.WithDescription("Background job duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ExecutionDuration, err = meter.Float64Histogram("orchestrator.execution.duration",
		metric.WithDescription("Atomic task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("orchestrator.llm.duration",
		metric.WithDescription("LLM API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("orchestrator.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.DecompositionDepth, err = meter.Int64Histogram("orchestrator.decomposition.depth",
		metric.WithDescription("Depth reached per decomposition session"),
	)
	if err != nil {
		return nil, err
	}

	m.DecompositionErrors, err = meter.Int64Counter("orchestrator.decomposition.errors",
		metric.WithDescription("Decomposition session failures"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("orchestrator.session.active",
		metric.WithDescription("Number of currently active decomposition sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveExecutions, err = meter.Int64UpDownCounter("orchestrator.execution.active",
		metric.WithDescription("Number of currently active task executions"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsPublished, err = meter.Int64Counter("orchestrator.events.published",
		metric.WithDescription("Total events published on the notifier bus"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDropped, err = meter.Int64Counter("orchestrator.events.dropped",
		metric.WithDescription("Events dropped due to a full subscriber channel"),
	)
	if err != nil {
		return nil, err
	}

	m.JobQueueRejects, err = meter.Int64Counter("orchestrator.job.queue_rejects",
		metric.WithDescription("Jobs rejected because the execution queue was full"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
