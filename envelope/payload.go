package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Amount is a decimal money value encoded as a bare JSON number.
type Amount struct {
	decimal.Decimal
}

func NewAmount(d decimal.Decimal) Amount { return Amount{Decimal: d} }

// MustAmount parses s and panics on malformed input. Intended for tests and constants.
func MustAmount(s string) Amount { return Amount{Decimal: decimal.RequireFromString(s)} }

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(bytes.TrimSpace(data), `"`)

	d, err := decimal.NewFromString(string(data))
	if err != nil {
		return fmt.Errorf("amount: %w", err)
	}

	a.Decimal = d

	return nil
}

// Payload is implemented by the typed payload of each event type.
type Payload interface {
	EventType() EventType
}

type TransactionCreatedPayload struct {
	TransactionID string    `json:"transactionId"`
	UserID        string    `json:"userId"`
	Amount        Amount    `json:"amount"`
	Currency      string    `json:"currency"`
	Status        string    `json:"status"`
	Description   string    `json:"description,omitempty"`
	Action        Action    `json:"action"`
	CreatedAt     Timestamp `json:"createdAt"`
}

func (TransactionCreatedPayload) EventType() EventType { return TransactionCreated }

type TransactionUpdatedPayload struct {
	TransactionID string    `json:"transactionId"`
	UserID        string    `json:"userId"`
	OldStatus     string    `json:"oldStatus"`
	NewStatus     string    `json:"newStatus"`
	Action        Action    `json:"action"`
	UpdatedAt     Timestamp `json:"updatedAt"`
}

func (TransactionUpdatedPayload) EventType() EventType { return TransactionUpdated }

type TransactionDeletedPayload struct {
	TransactionID string    `json:"transactionId"`
	UserID        string    `json:"userId"`
	Action        Action    `json:"action"`
	DeletedAt     Timestamp `json:"deletedAt"`
}

func (TransactionDeletedPayload) EventType() EventType { return TransactionDeleted }

// Timestamp is a time encoded with FormatTimestamp.
type Timestamp time.Time

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(FormatTimestamp(time.Time(t)))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}

	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}

	*t = Timestamp(parsed.UTC())

	return nil
}

// MarshalPayload encodes p, filling in the action implied by its event type
// when the caller left it blank.
func MarshalPayload(p Payload) (json.RawMessage, error) {
	switch v := p.(type) {
	case TransactionCreatedPayload:
		if v.Action == "" {
			v.Action = ActionCreate
		}

		p = v
	case TransactionUpdatedPayload:
		if v.Action == "" {
			v.Action = ActionUpdate
		}

		p = v
	case TransactionDeletedPayload:
		if v.Action == "" {
			v.Action = ActionDelete
		}

		p = v
	}

	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.EventType(), err)
	}

	return b, nil
}
