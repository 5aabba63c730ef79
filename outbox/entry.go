package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/LerianStudio/outbox-relay/assert"
	"github.com/LerianStudio/outbox-relay/envelope"
	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes bounds the payload stored per entry.
const DefaultMaxPayloadBytes = 1 << 20

// Entry is an immutable snapshot of an outbox row. State changes are
// computed by Processed and Failed, which return the next snapshot.
type Entry struct {
	ID          uuid.UUID
	AggregateID uuid.UUID
	EventType   envelope.EventType
	Payload     json.RawMessage
	Status      Status
	RetryCount  int
	LastError   string
	CreatedAt   time.Time
	ProcessedAt *time.Time
	UpdatedAt   time.Time
	// NextAttemptAt holds a PENDING entry back from selection until it passes.
	NextAttemptAt *time.Time
}

// NewEntry returns a PENDING entry whose id doubles as the event id.
func NewEntry(
	ctx context.Context,
	eventID, aggregateID uuid.UUID,
	eventType envelope.EventType,
	payload json.RawMessage,
	now time.Time,
) (Entry, error) {
	asserter := assert.New(ctx, nil, "outbox", "outbox.new_entry")

	if err := asserter.That(ctx, eventID != uuid.Nil, "event id is required"); err != nil {
		return Entry{}, fmt.Errorf("outbox entry id: %w", err)
	}

	if err := asserter.That(ctx, aggregateID != uuid.Nil, "aggregate id is required"); err != nil {
		return Entry{}, fmt.Errorf("outbox entry aggregate id: %w", err)
	}

	if !eventType.IsValid() {
		return Entry{}, fmt.Errorf("outbox entry: %w: %q", envelope.ErrUnknownEventType, eventType)
	}

	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return Entry{}, ErrPayloadRequired
	}

	if len(payload) > DefaultMaxPayloadBytes {
		return Entry{}, ErrPayloadTooLarge
	}

	if payload[0] != '{' || !json.Valid(payload) {
		return Entry{}, ErrPayloadNotJSON
	}

	now = now.UTC()

	return Entry{
		ID:          eventID,
		AggregateID: aggregateID,
		EventType:   eventType,
		Payload:     payload,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// NewEntryForPayload marshals p and wraps it in a new entry with a fresh event id.
func NewEntryForPayload(ctx context.Context, aggregateID uuid.UUID, p envelope.Payload, now time.Time) (Entry, error) {
	raw, err := envelope.MarshalPayload(p)
	if err != nil {
		return Entry{}, err
	}

	return NewEntry(ctx, uuid.New(), aggregateID, p.EventType(), raw, now)
}

// Processed returns the entry marked as delivered at the given time.
func (e Entry) Processed(at time.Time) (Entry, error) {
	if err := ValidateTransition(e.Status, StatusProcessed); err != nil {
		return Entry{}, err
	}

	at = at.UTC()
	next := e
	next.Status = StatusProcessed
	next.ProcessedAt = &at
	next.UpdatedAt = at
	next.NextAttemptAt = nil

	return next, nil
}

// Failed records a failed delivery attempt. The retry count always grows by
// one. The entry stays PENDING while the new count is below maxRetries and
// becomes FAILED once it reaches it. A maxRetries below one counts as one.
// A PENDING result is not due again until retryAfter has elapsed.
func (e Entry) Failed(reason string, maxRetries int, retryAfter time.Duration, at time.Time) (Entry, error) {
	next := e
	next.RetryCount = e.RetryCount + 1
	next.Status = StatusPending
	next.NextAttemptAt = nil

	if next.RetryCount >= max(maxRetries, 1) {
		next.Status = StatusFailed
	}

	if err := ValidateTransition(e.Status, next.Status); err != nil {
		return Entry{}, err
	}

	at = at.UTC()
	next.LastError = SanitizeErrorMessageForStorage(reason)
	next.UpdatedAt = at

	if next.Status == StatusPending && retryAfter > 0 {
		due := at.Add(retryAfter)
		next.NextAttemptAt = &due
	}

	return next, nil
}

// Due reports whether a PENDING entry may be selected at now.
func (e Entry) Due(now time.Time) bool {
	return e.Status == StatusPending && (e.NextAttemptAt == nil || !e.NextAttemptAt.After(now))
}

// Envelope renders the wire envelope. The event timestamp is the entry's creation time.
func (e Entry) Envelope(ctx context.Context) (envelope.Envelope, error) {
	env, err := envelope.New(ctx, e.ID, e.AggregateID, e.EventType, e.CreatedAt, e.Payload)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("%w: %w", ErrEnvelopeBuild, err)
	}

	return env, nil
}
