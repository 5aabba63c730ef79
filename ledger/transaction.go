package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ParseStatus rejects values outside the known set.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, raw)
	}

	return s, nil
}

// Currencies accepted by the writer.
const (
	CurrencyUSD = "USD"
	CurrencyEUR = "EUR"
	CurrencyGBP = "GBP"
)

// AmountScale is the number of decimal places stored for amounts.
const AmountScale = 2

var minAmount = decimal.New(1, -AmountScale)

// Transaction is a money movement owned by one user.
type Transaction struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Amount      decimal.Decimal
	Currency    string
	Status      Status
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CanBeDeleted reports whether the transaction may still be removed.
func (t Transaction) CanBeDeleted() bool {
	return t.Status != StatusCompleted
}

// CreateInput is what a caller supplies for a new transaction.
type CreateInput struct {
	Amount      decimal.Decimal
	Currency    string `validate:"required,oneof=USD EUR GBP"`
	Description string `validate:"max=500"`
}

var (
	inputValidator     *validator.Validate
	inputValidatorOnce sync.Once
)

func getInputValidator() *validator.Validate {
	inputValidatorOnce.Do(func() {
		inputValidator = validator.New(validator.WithRequiredStructEnabled())
	})

	return inputValidator
}

// Validate checks the currency, the description length and that the amount
// is at least 0.01 with no more than two decimal places.
func (in CreateInput) Validate() error {
	if err := getInputValidator().Struct(in); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return fmt.Errorf("%w: %s failed %q", ErrInvalidInput, fieldErrs[0].Field(), fieldErrs[0].Tag())
		}

		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	if in.Amount.LessThan(minAmount) {
		return fmt.Errorf("%w: amount must be at least %s", ErrInvalidInput, minAmount)
	}

	if !in.Amount.Equal(in.Amount.Truncate(AmountScale)) {
		return fmt.Errorf("%w: amount has more than %d decimal places", ErrInvalidInput, AmountScale)
	}

	return nil
}
