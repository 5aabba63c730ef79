package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/LerianStudio/outbox-relay/log"
)

// ErrPanic is the sentinel wrapped by errors recorded for recovered panics.
var ErrPanic = errors.New("panic")

// Logger is the subset of log.Logger needed to report panics.
type Logger interface {
	Log(ctx context.Context, level log.Level, msg string, fields ...log.Field)
}

// PanicPolicy decides what happens after a panic has been recovered and reported.
type PanicPolicy int

const (
	// KeepRunning swallows the panic once it is reported.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics with the original value.
	CrashProcess
)

func (p PanicPolicy) String() string {
	if p == CrashProcess {
		return "crash_process"
	}

	return "keep_running"
}

// RecoverAndLog must be deferred. It reports a panic and keeps running.
func RecoverAndLog(logger Logger, name string) {
	if r := recover(); r != nil {
		handlePanic(context.Background(), logger, "", name, r, KeepRunning)
	}
}

// RecoverAndLogWithContext must be deferred. It reports a panic against the
// span in ctx and keeps running.
func RecoverAndLogWithContext(ctx context.Context, logger Logger, component, name string) {
	if r := recover(); r != nil {
		handlePanic(ctx, logger, component, name, r, KeepRunning)
	}
}

// RecoverAndCrash must be deferred. It reports a panic and re-panics.
func RecoverAndCrash(logger Logger, name string) {
	if r := recover(); r != nil {
		handlePanic(context.Background(), logger, "", name, r, CrashProcess)
	}
}

// RecoverWithPolicyAndContext must be deferred.
func RecoverWithPolicyAndContext(ctx context.Context, logger Logger, component, name string, policy PanicPolicy) {
	if r := recover(); r != nil {
		handlePanic(ctx, logger, component, name, r, policy)
	}
}

// SafeGo runs fn in a new goroutine guarded by policy.
func SafeGo(logger Logger, name string, policy PanicPolicy, fn func()) {
	go func() {
		defer RecoverWithPolicyAndContext(context.Background(), logger, "", name, policy)

		fn()
	}()
}

// SafeGoWithContextAndComponent runs fn(ctx) in a new goroutine guarded by policy.
func SafeGoWithContextAndComponent(
	ctx context.Context,
	logger Logger,
	component, name string,
	policy PanicPolicy,
	fn func(context.Context),
) {
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer RecoverWithPolicyAndContext(ctx, logger, component, name, policy)

		fn(ctx)
	}()
}

func handlePanic(ctx context.Context, logger Logger, component, name string, value any, policy PanicPolicy) {
	if ctx == nil {
		ctx = context.Background()
	}

	stack := debug.Stack()

	logPanicWithStack(ctx, logger, component, name, value, stack)
	RecordPanicToSpan(ctx, value, stack, component, name)
	recordPanicMetric(ctx, component, name)
	reportPanicToErrorService(ctx, value, stack, component, name)

	if policy == CrashProcess {
		panic(value)
	}
}

func logPanicWithStack(ctx context.Context, logger Logger, component, name string, value any, stack []byte) {
	if logger == nil {
		return
	}

	fields := []log.Field{
		log.String("goroutine", name),
		log.String("panic", formatPanicValue(value)),
	}

	if component != "" {
		fields = append(fields, log.String("component", component))
	}

	if !IsProductionMode() {
		fields = append(fields, log.String("stack", string(stack)))
	}

	logger.Log(ctx, log.LevelError, "panic recovered", fields...)
}

func formatPanicValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "<nil>"
	case string:
		return v
	case error:
		return v.Error()
	default:
		return fmt.Sprintf("%v", v)
	}
}
