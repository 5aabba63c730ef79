package outbox

import "errors"

var (
	ErrEntryRequired       = errors.New("outbox entry is required")
	ErrStoreRequired       = errors.New("outbox store is required")
	ErrBrokerRequired      = errors.New("outbox broker is required")
	ErrPublisherRequired   = errors.New("outbox publisher is required")
	ErrPublisherRunning    = errors.New("outbox publisher is already running")
	ErrTransactionRequired = errors.New("outbox append requires an open transaction")
	ErrPayloadRequired     = errors.New("outbox entry payload is required")
	ErrPayloadTooLarge     = errors.New("outbox entry payload exceeds maximum allowed size")
	ErrPayloadNotJSON      = errors.New("outbox entry payload must be a JSON object")
	ErrStatusInvalid       = errors.New("invalid outbox status")
	ErrTransitionInvalid   = errors.New("invalid outbox status transition")
	ErrEntryNotFound       = errors.New("outbox entry not found")
	ErrEnvelopeBuild       = errors.New("failed to build event envelope")
	ErrMarkProcessed       = errors.New("failed to persist processed state")
)
