package envelope

import (
	"errors"
	"fmt"
)

// SchemaVersion is stamped on every envelope built by New.
const SchemaVersion = "1.0.0"

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrEventIDRequired  = errors.New("event id is required")
	ErrAggregateID      = errors.New("aggregate id is required")
	ErrPayloadRequired  = errors.New("payload is required")
	ErrPayloadNotObject = errors.New("payload must be a JSON object")
)

// EventType is the closed set of transaction event tags. It doubles as the
// broker routing key.
type EventType string

const (
	TransactionCreated EventType = "TRANSACTION_CREATED"
	TransactionUpdated EventType = "TRANSACTION_UPDATED"
	TransactionDeleted EventType = "TRANSACTION_DELETED"
)

// EventTypes lists every known event type, in declaration order.
func EventTypes() []EventType {
	return []EventType{TransactionCreated, TransactionUpdated, TransactionDeleted}
}

func ParseEventType(raw string) (EventType, error) {
	t := EventType(raw)
	if !t.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEventType, raw)
	}

	return t, nil
}

func (t EventType) IsValid() bool {
	switch t {
	case TransactionCreated, TransactionUpdated, TransactionDeleted:
		return true
	default:
		return false
	}
}

// Action returns the payload action that must accompany t.
func (t EventType) Action() Action {
	switch t {
	case TransactionCreated:
		return ActionCreate
	case TransactionUpdated:
		return ActionUpdate
	case TransactionDeleted:
		return ActionDelete
	default:
		return ""
	}
}

func (t EventType) String() string { return string(t) }

// Action is the mutation kind carried inside a payload.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

func (a Action) String() string { return string(a) }
