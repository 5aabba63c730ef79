package http

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	relay "github.com/LerianStudio/outbox-relay"
	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
)

const (
	HeaderRequestID = "X-Request-Id"
	HeaderUserID    = "X-User-ID"
)

type trackingMiddleware struct {
	logger log.Logger
	tracer trace.Tracer
}

// TrackingOption configures WithTracking.
type TrackingOption func(*trackingMiddleware)

func WithTrackingLogger(logger log.Logger) TrackingOption {
	return func(m *trackingMiddleware) {
		if !nilcheck.Interface(logger) {
			m.logger = logger
		}
	}
}

func WithTrackingTracer(tracer trace.Tracer) TrackingOption {
	return func(m *trackingMiddleware) {
		if !nilcheck.Interface(tracer) {
			m.tracer = tracer
		}
	}
}

// WithTracking assigns a request id, stores the logger and tracer in the
// request context, opens a server span and writes one access log line.
func WithTracking(opts ...TrackingOption) fiber.Handler {
	mid := &trackingMiddleware{
		logger: log.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("relay.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(mid)
		}
	}

	return func(c *fiber.Ctx) error {
		if c.Path() == "/health" || c.Path() == "/ready" {
			return c.Next()
		}

		requestID := setRequestHeaderID(c)
		logger := mid.logger.With(log.String("request_id", requestID))

		ctx := relay.ContextWithRequestID(c.UserContext(), requestID)
		ctx = relay.ContextWithLogger(ctx, logger)
		ctx = relay.ContextWithTracer(ctx, mid.tracer)

		ctx, span := mid.tracer.Start(ctx, c.Method()+" "+c.Path(),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", c.Method()),
				attribute.String("url.path", c.Path()),
			),
		)
		defer span.End()

		c.SetUserContext(ctx)

		start := time.Now()
		err := c.Next()

		if err != nil {
			// Render now so the status below is the one the client sees.
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		span.SetAttributes(attribute.Int("http.response.status_code", status))

		if status >= fiber.StatusInternalServerError {
			span.SetStatus(codes.Error, "server error")
		}

		logger.Log(ctx, log.LevelInfo, "request completed",
			log.String("method", c.Method()),
			log.String("path", c.Path()),
			log.Int("status", status),
			log.Duration("duration", time.Since(start)),
		)

		return nil
	}
}

func setRequestHeaderID(c *fiber.Ctx) string {
	requestID := strings.TrimSpace(c.Get(HeaderRequestID))
	if requestID == "" {
		requestID = uuid.NewString()
	}

	c.Set(HeaderRequestID, requestID)

	return requestID
}

// userIDFromHeader reads the caller identity. A missing or non-UUID value
// is a client error.
func userIDFromHeader(c *fiber.Ctx) (uuid.UUID, bool) {
	raw := strings.TrimSpace(c.Get(HeaderUserID))
	if raw == "" {
		return uuid.Nil, false
	}

	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}

	return id, true
}
