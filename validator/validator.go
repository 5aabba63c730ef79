// Package validator is the structural gate for inbound event envelopes.
//
// Validation is pure: it performs no I/O and never mutates its input. A
// message that fails validation must be treated as invalid input and
// dead-lettered, never retried.
package validator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/LerianStudio/outbox-relay/envelope"
	"github.com/shopspring/decimal"
)

// ErrInvalidEnvelope is wrapped by every ValidationError.
var ErrInvalidEnvelope = errors.New("invalid event envelope")

// ValidationError names the first field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event envelope: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidEnvelope }

var uuidPattern = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// IsValid reports whether raw is a well-formed envelope.
func IsValid(raw []byte) bool {
	return Validate(raw) == nil
}

// Validate checks raw against the envelope rules and returns a
// *ValidationError describing the first violation.
func Validate(raw []byte) error {
	obj, err := decodeObject(raw)
	if err != nil {
		return invalid("envelope", "must be a JSON object")
	}

	if !isUUID(obj["eventId"]) {
		return invalid("eventId", "must be a canonical UUID")
	}

	if !isUUID(obj["aggregateId"]) {
		return invalid("aggregateId", "must be a canonical UUID")
	}

	rawType, ok := obj["eventType"].(string)
	if !ok {
		return invalid("eventType", "must be a string")
	}

	eventType, err := envelope.ParseEventType(rawType)
	if err != nil {
		return invalid("eventType", "is not a known event type")
	}

	if !isCanonicalTimestamp(obj["timestamp"]) {
		return invalid("timestamp", "must be a canonical ISO-8601 UTC timestamp")
	}

	if _, ok := obj["version"].(string); !ok {
		return invalid("version", "must be a string")
	}

	payload, ok := obj["payload"].(map[string]any)
	if !ok {
		return invalid("payload", "must be an object")
	}

	return validatePayload(eventType, payload)
}

func validatePayload(eventType envelope.EventType, p map[string]any) error {
	required := []string{"transactionId", "userId"}

	switch eventType {
	case envelope.TransactionCreated:
		required = append(required, "currency", "status")

		if !isPositiveNumber(p["amount"]) {
			return invalid("payload.amount", "must be a positive number")
		}
	case envelope.TransactionUpdated:
		required = append(required, "oldStatus", "newStatus")
	case envelope.TransactionDeleted:
	default:
		return invalid("eventType", "is not a known event type")
	}

	for _, field := range required {
		if !isNonEmptyString(p[field]) {
			return invalid("payload."+field, "must be a non-empty string")
		}
	}

	if action, _ := p["action"].(string); action != eventType.Action().String() {
		return invalid("payload.action", "must be "+eventType.Action().String())
	}

	return nil
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}

	if obj == nil {
		return nil, ErrInvalidEnvelope
	}

	if dec.More() {
		return nil, ErrInvalidEnvelope
	}

	return obj, nil
}

func isUUID(v any) bool {
	s, ok := v.(string)

	return ok && uuidPattern.MatchString(s)
}

// isCanonicalTimestamp accepts only strings that survive a parse/format
// round trip unchanged, i.e. UTC with exactly three fractional digits.
func isCanonicalTimestamp(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return false
	}

	return t.UTC().Format(envelope.TimestampLayout) == s
}

func isPositiveNumber(v any) bool {
	n, ok := v.(json.Number)
	if !ok {
		return false
	}

	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return false
	}

	return d.IsPositive()
}

func isNonEmptyString(v any) bool {
	s, ok := v.(string)

	return ok && strings.TrimSpace(s) != ""
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
