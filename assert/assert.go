// Package assert checks runtime invariants without panicking.
//
// A failed check returns an *AssertionError, logs it, marks the active span
// and increments assertion_failed_total. Callers decide how to propagate it.
package assert

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	constant "github.com/LerianStudio/outbox-relay/constants"
	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Logger is the subset of log.Logger used to report failures.
type Logger interface {
	Log(ctx context.Context, level log.Level, msg string, fields ...log.Field)
}

// ErrAssertionFailed is wrapped by every AssertionError.
var ErrAssertionFailed = errors.New("assertion failed")

// AssertionError describes a failed check.
type AssertionError struct {
	Assertion string
	Message   string
	Component string
	Operation string
	Details   string
}

func (e *AssertionError) Error() string {
	if e == nil {
		return ErrAssertionFailed.Error()
	}

	if e.Details == "" {
		return "assertion failed: " + e.Message
	}

	return "assertion failed: " + e.Message + " (" + e.Details + ")"
}

func (e *AssertionError) Unwrap() error { return ErrAssertionFailed }

// Asserter carries the labels attached to every failure it reports.
type Asserter struct {
	ctx       context.Context
	logger    Logger
	component string
	operation string
}

// New returns an Asserter. A nil logger silences logging only.
func New(ctx context.Context, logger Logger, component, operation string) *Asserter {
	if ctx == nil {
		ctx = context.Background()
	}

	return &Asserter{ctx: ctx, logger: logger, component: component, operation: operation}
}

// That fails when ok is false. kv holds alternating keys and values.
func (a *Asserter) That(ctx context.Context, ok bool, msg string, kv ...any) error {
	if ok {
		return nil
	}

	return a.fail(ctx, "That", msg, kv...)
}

// NotNil fails for untyped and typed nils alike.
func (a *Asserter) NotNil(ctx context.Context, v any, msg string, kv ...any) error {
	if !nilcheck.Interface(v) {
		return nil
	}

	return a.fail(ctx, "NotNil", msg, kv...)
}

// NotEmpty fails for an empty or whitespace-only string.
func (a *Asserter) NotEmpty(ctx context.Context, s, msg string, kv ...any) error {
	if strings.TrimSpace(s) != "" {
		return nil
	}

	return a.fail(ctx, "NotEmpty", msg, kv...)
}

func (a *Asserter) NoError(ctx context.Context, err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}

	kv = append([]any{"error", err.Error(), "error_type", fmt.Sprintf("%T", err)}, kv...)

	return a.fail(ctx, "NoError", msg, kv...)
}

// Never always fails. Use it on branches that must be unreachable.
func (a *Asserter) Never(ctx context.Context, msg string, kv ...any) error {
	return a.fail(ctx, "Never", msg, kv...)
}

const maxValueLength = 200

func (a *Asserter) fail(ctx context.Context, assertion, msg string, kv ...any) error {
	var (
		logger               Logger
		component, operation string
	)

	if a != nil {
		logger, component, operation = a.logger, a.component, a.operation

		if ctx == nil {
			ctx = a.ctx
		}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	details := formatDetails(kv)

	if logger != nil {
		logger.Log(ctx, log.LevelError, "ASSERTION FAILED: "+msg,
			log.String("assertion", assertion),
			log.String("component", component),
			log.String("operation", operation),
			log.String("details", details),
		)
	}

	recordObservability(ctx, assertion, msg, component, operation)

	return &AssertionError{
		Assertion: assertion,
		Message:   msg,
		Component: component,
		Operation: operation,
		Details:   details,
	}
}

func formatDetails(kv []any) string {
	parts := make([]string, 0, (len(kv)+1)/2)

	for i := 0; i < len(kv); i += 2 {
		var value any = "MISSING_VALUE"
		if i+1 < len(kv) {
			value = kv[i+1]
		}

		s := fmt.Sprintf("%v", value)
		if len(s) > maxValueLength {
			s = s[:maxValueLength] + "...(truncated " + strconv.Itoa(len(s)-maxValueLength) + " chars)"
		}

		parts = append(parts, fmt.Sprintf("%v=%s", kv[i], s))
	}

	return strings.Join(parts, " ")
}

var (
	counterOnce sync.Once
	counter     metric.Int64Counter
)

func recordObservability(ctx context.Context, assertion, msg, component, operation string) {
	attrs := []attribute.KeyValue{
		attribute.String(constant.AttrPrefixAssertion+"type", assertion),
		attribute.String(constant.AttrPrefixAssertion+"component", component),
		attribute.String(constant.AttrPrefixAssertion+"operation", operation),
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(constant.EventAssertionFailed, trace.WithAttributes(
			append(attrs, attribute.String(constant.AttrPrefixAssertion+"message", msg))...,
		))
		span.SetStatus(codes.Error, "assertion failed: "+msg)
	}

	counterOnce.Do(func() {
		c, err := otel.Meter(constant.TelemetrySDKName).Int64Counter(
			constant.MetricAssertionFailedTotal,
			metric.WithDescription("Total number of failed assertions"),
			metric.WithUnit("{assertion}"),
		)
		if err == nil {
			counter = c
		}
	})

	if counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}
