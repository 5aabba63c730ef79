//go:build unit

package relay

import (
	"context"
	"testing"

	"github.com/LerianStudio/outbox-relay/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestNewTrackingFromContextDefaults(t *testing.T) {
	t.Parallel()

	logger, tracer, requestID := NewTrackingFromContext(context.Background())

	assert.NotNil(t, logger)
	assert.NotNil(t, tracer)
	_, err := uuid.Parse(requestID)
	assert.NoError(t, err)
}

func TestContextValuesDoNotLeakToParent(t *testing.T) {
	t.Parallel()

	logger := log.NewNop()
	tracer := noop.NewTracerProvider().Tracer("test")

	parent := ContextWithLogger(context.Background(), logger)
	child := ContextWithRequestID(ContextWithTracer(parent, tracer), " req-1 ")

	gotLogger, gotTracer, requestID := NewTrackingFromContext(child)
	assert.Same(t, logger, gotLogger)
	assert.Equal(t, tracer, gotTracer)
	assert.Equal(t, "req-1", requestID)

	_, _, parentID := NewTrackingFromContext(parent)
	assert.NotEqual(t, "req-1", parentID)
}
