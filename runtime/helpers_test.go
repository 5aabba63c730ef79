//go:build unit

package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/LerianStudio/outbox-relay/log"
)

type capturedLog struct {
	msg    string
	fields map[string]any
}

type testLogger struct {
	mu      sync.Mutex
	entries []capturedLog
	logged  chan struct{}
}

func newTestLogger() *testLogger {
	return &testLogger{logged: make(chan struct{}, 1)}
}

func (l *testLogger) Log(_ context.Context, _ log.Level, msg string, fields ...log.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}

	l.entries = append(l.entries, capturedLog{msg: msg, fields: m})

	select {
	case l.logged <- struct{}{}:
	default:
	}
}

func (l *testLogger) snapshot() []capturedLog {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]capturedLog(nil), l.entries...)
}

func (l *testLogger) waitForLog(timeout time.Duration) bool {
	select {
	case <-l.logged:
		return true
	case <-time.After(timeout):
		return false
	}
}

type recordingReporter struct {
	mu   sync.Mutex
	errs []error
	tags []map[string]string
}

func (r *recordingReporter) CaptureException(_ context.Context, err error, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errs = append(r.errs, err)
	r.tags = append(r.tags, tags)
}
