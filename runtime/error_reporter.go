package runtime

import (
	"context"
	"sync"
)

// ErrorReporter forwards recovered panics to an external error tracker.
// Implementations must be safe for concurrent use and must not panic.
type ErrorReporter interface {
	CaptureException(ctx context.Context, err error, tags map[string]string)
}

var (
	reporterMu sync.RWMutex
	reporter   ErrorReporter

	productionMu sync.RWMutex
	production   bool
)

// SetErrorReporter installs the global reporter. Nil disables reporting.
func SetErrorReporter(r ErrorReporter) {
	reporterMu.Lock()
	defer reporterMu.Unlock()

	reporter = r
}

func GetErrorReporter() ErrorReporter {
	reporterMu.RLock()
	defer reporterMu.RUnlock()

	return reporter
}

// SetProductionMode toggles redaction of stacks and panic values in reports.
func SetProductionMode(enabled bool) {
	productionMu.Lock()
	defer productionMu.Unlock()

	production = enabled
}

func IsProductionMode() bool {
	productionMu.RLock()
	defer productionMu.RUnlock()

	return production
}

const (
	redactedPanicMsg    = "panic recovered (details redacted)"
	maxReportedStackLen = 4096
)

func reportPanicToErrorService(ctx context.Context, value any, stack []byte, component, name string) {
	r := GetErrorReporter()
	if r == nil {
		return
	}

	prod := IsProductionMode()

	tags := map[string]string{
		"component":      component,
		"goroutine_name": name,
		"panic_type":     "recovered",
	}

	if len(stack) > 0 && !prod {
		s := string(stack)
		if len(s) > maxReportedStackLen {
			s = s[:maxReportedStackLen] + "\n...[truncated]"
		}

		tags["stack_trace"] = s
	}

	r.CaptureException(ctx, toPanicError(value, prod), tags)
}

type panicError struct {
	message string
}

func (e *panicError) Error() string { return e.message }

func (e *panicError) Unwrap() error { return ErrPanic }

func toPanicError(value any, prod bool) error {
	if prod {
		return &panicError{message: redactedPanicMsg}
	}

	if err, ok := value.(error); ok {
		return err
	}

	return &panicError{message: formatPanicValue(value)}
}
