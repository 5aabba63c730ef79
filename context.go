package relay

import (
	"context"
	"strings"

	"github.com/LerianStudio/outbox-relay/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type trackingKey struct{}

// Tracking is the set of request-scoped facilities carried in a context.
type Tracking struct {
	Logger    log.Logger
	Tracer    trace.Tracer
	RequestID string
}

func trackingFrom(ctx context.Context) Tracking {
	if ctx == nil {
		return Tracking{}
	}

	t, _ := ctx.Value(trackingKey{}).(Tracking)

	return t
}

// ContextWithLogger returns a copy of ctx carrying logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	t := trackingFrom(ctx)
	t.Logger = logger

	return context.WithValue(ctx, trackingKey{}, t)
}

// ContextWithTracer returns a copy of ctx carrying tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	t := trackingFrom(ctx)
	t.Tracer = tracer

	return context.WithValue(ctx, trackingKey{}, t)
}

// ContextWithRequestID returns a copy of ctx carrying a correlation id.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	t := trackingFrom(ctx)
	t.RequestID = strings.TrimSpace(requestID)

	return context.WithValue(ctx, trackingKey{}, t)
}

// NewTrackingFromContext returns the logger, tracer and request id stored in
// ctx. Missing values fall back to a no-op logger, the global tracer and a
// fresh UUID.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer, string) {
	t := trackingFrom(ctx)

	logger := t.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	tracer := t.Tracer
	if tracer == nil {
		tracer = otel.Tracer("relay.default")
	}

	requestID := t.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	return logger, tracer, requestID
}
