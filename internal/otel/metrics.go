package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the reducer's metric instruments.
type Metrics struct {
	ApplyDuration   metric.Float64Histogram
	EventsAccepted  metric.Int64Counter
	EventsDuplicate metric.Int64Counter
	EventsRejected  metric.Int64Counter
	Conflicts       metric.Int64Counter
	Transitions     metric.Int64Counter
	AlertsEmitted   metric.Int64Counter
	AlertFailures   metric.Int64Counter
	TransientErrors metric.Int64Counter
	QueueDepth      metric.Int64UpDownCounter
	IngestStalls    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ApplyDuration, err = meter.Float64Histogram("policyd.apply.duration",
		metric.WithDescription("Reducer apply duration in seconds, including conflict retries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsAccepted, err = meter.Int64Counter("policyd.events.accepted",
		metric.WithDescription("Events applied for the first time"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDuplicate, err = meter.Int64Counter("policyd.events.duplicate",
		metric.WithDescription("Redelivered events collapsed to a no-op"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsRejected, err = meter.Int64Counter("policyd.events.rejected",
		metric.WithDescription("Events that failed validation"),
	)
	if err != nil {
		return nil, err
	}

	m.Conflicts, err = meter.Int64Counter("policyd.state.conflicts",
		metric.WithDescription("Optimistic concurrency conflicts on the state write"),
	)
	if err != nil {
		return nil, err
	}

	m.Transitions, err = meter.Int64Counter("policyd.lifecycle.transitions",
		metric.WithDescription("Lifecycle state changes"),
	)
	if err != nil {
		return nil, err
	}

	m.AlertsEmitted, err = meter.Int64Counter("policyd.alerts.emitted",
		metric.WithDescription("Alerts handed to notifiers"),
	)
	if err != nil {
		return nil, err
	}

	m.AlertFailures, err = meter.Int64Counter("policyd.alerts.failures",
		metric.WithDescription("Alert hand-offs that failed and stay pending"),
	)
	if err != nil {
		return nil, err
	}

	m.TransientErrors, err = meter.Int64Counter("policyd.persistence.transient_errors",
		metric.WithDescription("Transient persistence errors retried by the engine"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("policyd.engine.queue_depth",
		metric.WithDescription("Events queued across all shards"),
	)
	if err != nil {
		return nil, err
	}

	m.IngestStalls, err = meter.Int64Counter("policyd.ingest.stalls",
		metric.WithDescription("Kafka partitions blocked behind a failed event"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
