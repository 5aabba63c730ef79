package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/LerianStudio/outbox-relay/envelope"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const AggregateTypeTransaction = "TRANSACTION"

// Status of the audited operation.
type Status string

const (
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
	StatusRolledBack Status = "ROLLED_BACK"
)

// Record is one audit log row. EventID is unique across all records.
type Record struct {
	ID            uuid.UUID       `json:"id"            validate:"required"`
	EventID       uuid.UUID       `json:"eventId"       validate:"required"`
	AggregateID   uuid.UUID       `json:"aggregateId"   validate:"required"`
	AggregateType string          `json:"aggregateType" validate:"required,oneof=TRANSACTION USER"`
	Action        envelope.Action `json:"action"        validate:"required,oneof=CREATE UPDATE DELETE"`
	UserID        string          `json:"userId"        validate:"required,max=255"`
	Status        Status          `json:"status"        validate:"required,oneof=SUCCESS FAILED ROLLED_BACK"`
	Metadata      map[string]any  `json:"metadata"      validate:"required"`
	IPAddress     string          `json:"ipAddress,omitempty" validate:"omitempty,ip"`
	UserAgent     string          `json:"userAgent,omitempty" validate:"omitempty,max=512"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Origin carries optional request metadata about who caused the event.
type Origin struct {
	IPAddress string
	UserAgent string
}

var (
	recordValidator     *validator.Validate
	recordValidatorOnce sync.Once
)

func getRecordValidator() *validator.Validate {
	recordValidatorOnce.Do(func() {
		recordValidator = validator.New(validator.WithRequiredStructEnabled())
	})

	return recordValidator
}

// Validate checks the record invariants and reports the first broken field.
func (r Record) Validate() error {
	if err := getRecordValidator().Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]

			return fmt.Errorf("%w: %s failed %q", ErrInvalidRecord, fe.Field(), fe.Tag())
		}

		return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	return nil
}

// NewRecord maps a validated envelope to a SUCCESS record. Metadata holds
// the envelope eventType, version and timestamp overlaid by the payload.
func NewRecord(env envelope.Envelope, origin Origin, now time.Time) (Record, error) {
	eventID, err := uuid.Parse(env.EventID)
	if err != nil {
		return Record{}, fmt.Errorf("%w: eventId: %w", ErrInvalidRecord, err)
	}

	aggregateID, err := uuid.Parse(env.AggregateID)
	if err != nil {
		return Record{}, fmt.Errorf("%w: aggregateId: %w", ErrInvalidRecord, err)
	}

	// UseNumber keeps amounts exact in the stored metadata.
	dec := json.NewDecoder(bytes.NewReader(env.Payload))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return Record{}, fmt.Errorf("%w: payload: %w", ErrInvalidRecord, err)
	}

	action, err := actionFromPayload(payload)
	if err != nil {
		return Record{}, err
	}

	userID, _ := payload["userId"].(string)

	metadata := map[string]any{
		"eventType": env.EventType.String(),
		"version":   env.Version,
		"timestamp": env.Timestamp,
	}
	maps.Copy(metadata, payload)

	rec := Record{
		ID:            uuid.New(),
		EventID:       eventID,
		AggregateID:   aggregateID,
		AggregateType: AggregateTypeTransaction,
		Action:        action,
		UserID:        userID,
		Status:        StatusSuccess,
		Metadata:      metadata,
		IPAddress:     origin.IPAddress,
		UserAgent:     origin.UserAgent,
		CreatedAt:     now.UTC(),
	}

	if err := rec.Validate(); err != nil {
		return Record{}, err
	}

	return rec, nil
}

func actionFromPayload(payload map[string]any) (envelope.Action, error) {
	raw, _ := payload["action"].(string)

	switch action := envelope.Action(raw); action {
	case envelope.ActionCreate, envelope.ActionUpdate, envelope.ActionDelete:
		return action, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, raw)
	}
}
