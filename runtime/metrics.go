package runtime

import (
	"context"
	"sync"

	constant "github.com/LerianStudio/outbox-relay/constants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	panicCounterOnce sync.Once
	panicCounter     metric.Int64Counter
)

// recordPanicMetric counts a recovered panic on the global meter provider.
// Until telemetry is initialised the global provider is a no-op.
func recordPanicMetric(ctx context.Context, component, name string) {
	panicCounterOnce.Do(func() {
		counter, err := otel.Meter(constant.TelemetrySDKName).Int64Counter(
			constant.MetricPanicRecoveredTotal,
			metric.WithDescription("Total number of recovered panics"),
			metric.WithUnit("{panic}"),
		)
		if err == nil {
			panicCounter = counter
		}
	})

	if panicCounter == nil {
		return
	}

	panicCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("goroutine_name", name),
	))
}
