package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "relay.outbox.publisher"

type publisherMetrics struct {
	published         metric.Int64Counter
	failed            metric.Int64Counter
	stateUpdateFailed metric.Int64Counter
	deferred          metric.Int64Counter
	skippedCycles     metric.Int64Counter
	cycleLatency      metric.Float64Histogram
	batchSize         metric.Int64Gauge
}

func newPublisherMetrics(provider metric.MeterProvider) (publisherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(meterName)

	var (
		m   publisherMetrics
		err error
	)

	if m.published, err = meter.Int64Counter(
		"outbox.events.published",
		metric.WithDescription("Outbox entries accepted by the broker"),
		metric.WithUnit("{event}"),
	); err != nil {
		return publisherMetrics{}, fmt.Errorf("create outbox.events.published counter: %w", err)
	}

	if m.failed, err = meter.Int64Counter(
		"outbox.events.failed",
		metric.WithDescription("Outbox entries whose publish attempt failed"),
		metric.WithUnit("{event}"),
	); err != nil {
		return publisherMetrics{}, fmt.Errorf("create outbox.events.failed counter: %w", err)
	}

	if m.stateUpdateFailed, err = meter.Int64Counter(
		"outbox.events.state_update_failed",
		metric.WithDescription("Outbox entries published but not persisted as processed"),
		metric.WithUnit("{event}"),
	); err != nil {
		return publisherMetrics{}, fmt.Errorf("create outbox.events.state_update_failed counter: %w", err)
	}

	if m.deferred, err = meter.Int64Counter(
		"outbox.events.deferred",
		metric.WithDescription("Outbox entries left pending because the broker was unreachable"),
		metric.WithUnit("{event}"),
	); err != nil {
		return publisherMetrics{}, fmt.Errorf("create outbox.events.deferred counter: %w", err)
	}

	if m.skippedCycles, err = meter.Int64Counter(
		"outbox.cycles.skipped",
		metric.WithDescription("Timer ticks skipped because a cycle was still in flight"),
		metric.WithUnit("{cycle}"),
	); err != nil {
		return publisherMetrics{}, fmt.Errorf("create outbox.cycles.skipped counter: %w", err)
	}

	if m.cycleLatency, err = meter.Float64Histogram(
		"outbox.cycle.latency",
		metric.WithDescription("Time taken per publish cycle"),
		metric.WithUnit("s"),
	); err != nil {
		return publisherMetrics{}, fmt.Errorf("create outbox.cycle.latency histogram: %w", err)
	}

	if m.batchSize, err = meter.Int64Gauge(
		"outbox.batch.size",
		metric.WithDescription("Pending entries selected in the last cycle"),
		metric.WithUnit("{event}"),
	); err != nil {
		return publisherMetrics{}, fmt.Errorf("create outbox.batch.size gauge: %w", err)
	}

	return m, nil
}
