package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the transaction an entry must be appended in.
type Tx = *sql.Tx

// Store persists outbox entries.
//
// Append only works inside the caller's transaction so the entry commits or
// rolls back with the business write. The remaining methods are used by the
// Publisher alone.
type Store interface {
	Append(ctx context.Context, tx Tx, entry Entry) error
	// SelectBatch returns up to maxCount due PENDING entries, oldest first.
	// Entries still cooling down after a failed attempt are left out.
	SelectBatch(ctx context.Context, maxCount int) ([]Entry, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	// MarkFailed records a failed attempt. See Entry.Failed for the maxRetries
	// and retryAfter rules.
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, maxRetries int, retryAfter time.Duration) error
}

// Broker delivers one message and returns once the broker has accepted it.
// It must not wait for the message to be consumed.
type Broker interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}
