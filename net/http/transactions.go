package http

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/ledger"
)

// TransactionWriter is the write side served by TransactionHandler.
type TransactionWriter interface {
	Create(ctx context.Context, userID uuid.UUID, in ledger.CreateInput) (ledger.Transaction, error)
	UpdateStatus(ctx context.Context, userID, id uuid.UUID, status ledger.Status) (ledger.Transaction, error)
	Delete(ctx context.Context, userID, id uuid.UUID) error
}

type CreateTransactionRequest struct {
	Amount      decimal.Decimal `json:"amount"      validate:"positive_decimal,max_scale=2"`
	Currency    string          `json:"currency"    validate:"required,oneof=USD EUR GBP"`
	Description string          `json:"description" validate:"max=500"`
}

type UpdateTransactionRequest struct {
	Status string `json:"status" validate:"required,oneof=PENDING COMPLETED FAILED CANCELLED"`
}

type TransactionResponse struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Amount      string    `json:"amount"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func newTransactionResponse(t ledger.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:          t.ID.String(),
		UserID:      t.UserID.String(),
		Amount:      t.Amount.StringFixed(ledger.AmountScale),
		Currency:    t.Currency,
		Status:      t.Status.String(),
		Description: t.Description,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

type TransactionHandler struct {
	writer TransactionWriter
}

var ErrWriterRequired = errors.New("transaction writer is required")

func NewTransactionHandler(writer TransactionWriter) (*TransactionHandler, error) {
	if nilcheck.Interface(writer) {
		return nil, ErrWriterRequired
	}

	return &TransactionHandler{writer: writer}, nil
}

// Create handles POST /v1/transactions.
func (h *TransactionHandler) Create(c *fiber.Ctx) error {
	userID, ok := userIDFromHeader(c)
	if !ok {
		return BadRequest(c, "invalid_user", "X-User-ID must be a UUID")
	}

	var req CreateTransactionRequest
	if err := ParseBodyAndValidate(c, &req); err != nil {
		return BadRequest(c, "invalid_request", err.Error())
	}

	txn, err := h.writer.Create(c.UserContext(), userID, ledger.CreateInput{
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
	})
	if err != nil {
		return respondLedgerError(c, err)
	}

	return Respond(c, fiber.StatusCreated, newTransactionResponse(txn))
}

// UpdateStatus handles PATCH /v1/transactions/:id.
func (h *TransactionHandler) UpdateStatus(c *fiber.Ctx) error {
	userID, id, invalid := h.identify(c)
	if invalid != nil {
		return BadRequest(c, invalid.Title, invalid.Message)
	}

	var req UpdateTransactionRequest
	if err := ParseBodyAndValidate(c, &req); err != nil {
		return BadRequest(c, "invalid_request", err.Error())
	}

	txn, err := h.writer.UpdateStatus(c.UserContext(), userID, id, ledger.Status(req.Status))
	if err != nil {
		return respondLedgerError(c, err)
	}

	return Respond(c, fiber.StatusOK, newTransactionResponse(txn))
}

// Delete handles DELETE /v1/transactions/:id.
func (h *TransactionHandler) Delete(c *fiber.Ctx) error {
	userID, id, invalid := h.identify(c)
	if invalid != nil {
		return BadRequest(c, invalid.Title, invalid.Message)
	}

	if err := h.writer.Delete(c.UserContext(), userID, id); err != nil {
		return respondLedgerError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// identify returns the caller and path id, or the 400 body describing which
// one is unusable.
func (h *TransactionHandler) identify(c *fiber.Ctx) (uuid.UUID, uuid.UUID, *ErrorResponse) {
	userID, ok := userIDFromHeader(c)
	if !ok {
		return uuid.Nil, uuid.Nil, &ErrorResponse{Title: "invalid_user", Message: "X-User-ID must be a UUID"}
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, uuid.Nil, &ErrorResponse{Title: "invalid_id", Message: "transaction id must be a UUID"}
	}

	return userID, id, nil
}

func respondLedgerError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return NotFound(c, "transaction_not_found", "transaction not found")
	case errors.Is(err, ledger.ErrForbidden):
		return RespondError(c, fiber.StatusForbidden, "forbidden", "transaction belongs to another user")
	case errors.Is(err, ledger.ErrNotDeletable):
		return RespondError(c, fiber.StatusConflict, "not_deletable", "completed transactions cannot be deleted")
	case ledger.IsClientError(err):
		return BadRequest(c, "invalid_request", err.Error())
	default:
		return err
	}
}
