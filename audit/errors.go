package audit

import (
	"errors"
	"fmt"
)

var (
	ErrRepositoryRequired = errors.New("audit repository is required")
	ErrServiceRequired    = errors.New("audit service is required")
	ErrSubscriberRequired = errors.New("audit subscriber is required")
	ErrConsumerRunning    = errors.New("audit consumer is already running")
	ErrNotFound           = errors.New("audit record not found")
	ErrDuplicateEvent     = errors.New("audit record already exists for event")
	ErrUnknownAction      = errors.New("unknown audit action")
	ErrInvalidRecord      = errors.New("invalid audit record")
)

// PersistenceError is a storage failure other than a duplicate event.
type PersistenceError struct {
	Op      string
	EventID string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("audit %s for event %s: %v", e.Op, e.EventID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
