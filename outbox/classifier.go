package outbox

import (
	"errors"

	"github.com/LerianStudio/outbox-relay/envelope"
)

// RetryClassifier reports errors that will fail the same way on every attempt.
type RetryClassifier interface {
	IsNonRetryable(err error) bool
}

type RetryClassifierFunc func(err error) bool

func (fn RetryClassifierFunc) IsNonRetryable(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}

// AvailabilityClassifier reports errors that mean the broker was never
// reached, such as an open circuit breaker.
type AvailabilityClassifier interface {
	IsUnavailable(err error) bool
}

type AvailabilityClassifierFunc func(err error) bool

func (fn AvailabilityClassifierFunc) IsUnavailable(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}

// isMalformedEntry reports entry errors no broker retry can fix.
func isMalformedEntry(err error) bool {
	return errors.Is(err, ErrEnvelopeBuild) ||
		errors.Is(err, envelope.ErrPayloadNotObject) ||
		errors.Is(err, envelope.ErrUnknownEventType)
}
