package outbox

import "fmt"

// Status is the lifecycle state of an outbox entry.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusProcessed Status = "PROCESSED"
	StatusFailed    Status = "FAILED"
)

func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return s, nil
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessed, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether next is reachable from s in one step.
// PENDING -> PENDING is the retry step taken by a failure below the ceiling.
func (s Status) CanTransitionTo(next Status) bool {
	if s != StatusPending {
		return false
	}

	return next == StatusPending || next == StatusProcessed || next == StatusFailed
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

func ValidateTransition(from, to Status) error {
	if !from.IsValid() {
		return fmt.Errorf("from status: %w: %q", ErrStatusInvalid, from)
	}

	if !to.IsValid() {
		return fmt.Errorf("to status: %w: %q", ErrStatusInvalid, to)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (s Status) String() string { return string(s) }
