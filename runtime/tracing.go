package runtime

import (
	"context"
	"fmt"

	constant "github.com/LerianStudio/outbox-relay/constants"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PanicSpanEventName names the span event added for every recovered panic.
const PanicSpanEventName = constant.EventPanicRecovered

const maxSpanStackBytes = 4096

// RecordPanicToSpan adds a panic event to the span in ctx and marks it failed.
// It is a no-op when the span is not recording.
func RecordPanicToSpan(ctx context.Context, value any, stack []byte, component, name string) {
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(constant.AttrPrefixPanic+"value", formatPanicValue(value)),
		attribute.String(constant.AttrPrefixPanic+"goroutine_name", name),
	}

	if component != "" {
		attrs = append(attrs, attribute.String(constant.AttrPrefixPanic+"component", component))
	}

	if len(stack) > 0 && !IsProductionMode() {
		s := stack
		if len(s) > maxSpanStackBytes {
			s = s[:maxSpanStackBytes]
		}

		attrs = append(attrs, attribute.String(constant.AttrPrefixPanic+"stack", string(s)))
	}

	span.AddEvent(PanicSpanEventName, trace.WithAttributes(attrs...))
	span.RecordError(fmt.Errorf("%w: %s", ErrPanic, formatPanicValue(value)))
	span.SetStatus(codes.Error, "panic recovered in "+name)
}
