package envelope

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/LerianStudio/outbox-relay/assert"
	"github.com/google/uuid"
)

// TimestampLayout is the canonical ISO-8601 rendering: UTC, millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Envelope is the immutable event record carried on the wire.
type Envelope struct {
	EventID     string          `json:"eventId"`
	AggregateID string          `json:"aggregateId"`
	EventType   EventType       `json:"eventType"`
	Timestamp   string          `json:"timestamp"`
	Version     string          `json:"version"`
	Payload     json.RawMessage `json:"payload"`
}

// FormatTimestamp renders t in the canonical layout. Sub-millisecond
// precision is truncated.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Millisecond).Format(TimestampLayout)
}

// New builds an envelope at the current schema version.
func New(
	ctx context.Context,
	eventID, aggregateID uuid.UUID,
	eventType EventType,
	occurredAt time.Time,
	payload json.RawMessage,
) (Envelope, error) {
	asserter := assert.New(ctx, nil, "envelope", "envelope.new")

	if err := asserter.That(ctx, eventID != uuid.Nil, "event id is required"); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrEventIDRequired, err)
	}

	if err := asserter.That(ctx, aggregateID != uuid.Nil, "aggregate id is required"); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrAggregateID, err)
	}

	if !eventType.IsValid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return Envelope{}, ErrPayloadRequired
	}

	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return Envelope{}, ErrPayloadNotObject
	}

	return Envelope{
		EventID:     eventID.String(),
		AggregateID: aggregateID.String(),
		EventType:   eventType,
		Timestamp:   FormatTimestamp(occurredAt),
		Version:     SchemaVersion,
		Payload:     json.RawMessage(trimmed),
	}, nil
}

// Marshal encodes e as JSON.
func (e Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	return b, nil
}

// Decode parses raw into an Envelope without validating it. Run the
// validator first when raw comes from an untrusted source.
func Decode(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}

	return e, nil
}

// OccurredAt parses the envelope timestamp.
func (e Envelope) OccurredAt() (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse envelope timestamp: %w", err)
	}

	return t, nil
}

// DecodePayload unmarshals the payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}

	return nil
}
