package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	constant "github.com/LerianStudio/outbox-relay/constants"
	"github.com/LerianStudio/outbox-relay/envelope"
	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	libOpentelemetry "github.com/LerianStudio/outbox-relay/opentelemetry"
	"github.com/LerianStudio/outbox-relay/outbox"
)

// Repository reads and writes transactions inside a caller-owned tx.
type Repository interface {
	Insert(ctx context.Context, tx *sql.Tx, t Transaction) error
	// GetForUpdate locks the row until tx ends. It returns ErrNotFound when absent.
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (Transaction, error)
	UpdateStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, status Status, updatedAt time.Time) error
	Delete(ctx context.Context, tx *sql.Tx, id uuid.UUID) error
}

// Transactor runs fn in one database transaction, committing when fn
// returns nil and rolling back otherwise.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// Writer applies transaction mutations and records one outbox entry per
// mutation in the same database transaction.
type Writer struct {
	tx     Transactor
	repo   Repository
	outbox outbox.Store
	logger log.Logger
	tracer trace.Tracer
	now    func() time.Time
}

type WriterOption func(*Writer)

func WithLogger(logger log.Logger) WriterOption {
	return func(w *Writer) {
		if !nilcheck.Interface(logger) {
			w.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) WriterOption {
	return func(w *Writer) {
		if !nilcheck.Interface(tracer) {
			w.tracer = tracer
		}
	}
}

func WithNow(now func() time.Time) WriterOption {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

func NewWriter(tx Transactor, repo Repository, store outbox.Store, opts ...WriterOption) (*Writer, error) {
	if nilcheck.Interface(tx) {
		return nil, ErrTransactorRequired
	}

	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	if nilcheck.Interface(store) {
		return nil, ErrOutboxRequired
	}

	w := &Writer{
		tx:     tx,
		repo:   repo,
		outbox: store,
		logger: log.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("relay.noop"),
		now:    time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}

	return w, nil
}

// Create stores a PENDING transaction for userID and its TRANSACTION_CREATED event.
func (w *Writer) Create(ctx context.Context, userID uuid.UUID, in CreateInput) (Transaction, error) {
	if userID == uuid.Nil {
		return Transaction{}, ErrUserRequired
	}

	if err := in.Validate(); err != nil {
		return Transaction{}, err
	}

	ctx, span := w.tracer.Start(ctx, "ledger.create_transaction")
	defer span.End()

	now := w.now().UTC()
	txn := Transaction{
		ID:          uuid.New(),
		UserID:      userID,
		Amount:      in.Amount,
		Currency:    in.Currency,
		Status:      StatusPending,
		Description: in.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	span.SetAttributes(attribute.String(constant.AttrAggregateID, txn.ID.String()))

	err := w.tx.WithinTx(ctx, func(tx *sql.Tx) error {
		if err := w.repo.Insert(ctx, tx, txn); err != nil {
			return err
		}

		return w.appendEvent(ctx, tx, txn.ID, envelope.TransactionCreatedPayload{
			TransactionID: txn.ID.String(),
			UserID:        userID.String(),
			Amount:        envelope.NewAmount(txn.Amount),
			Currency:      txn.Currency,
			Status:        txn.Status.String(),
			Description:   txn.Description,
			CreatedAt:     envelope.Timestamp(txn.CreatedAt),
		}, now)
	})
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to create transaction", err)

		return Transaction{}, fmt.Errorf("create transaction: %w", err)
	}

	w.logger.Log(ctx, log.LevelInfo, "transaction created",
		log.String("transaction_id", txn.ID.String()),
		log.String("user_id", userID.String()),
	)

	return txn, nil
}

// UpdateStatus changes the status of a transaction owned by userID and
// records a TRANSACTION_UPDATED event carrying the old and new status.
func (w *Writer) UpdateStatus(ctx context.Context, userID, id uuid.UUID, status Status) (Transaction, error) {
	if userID == uuid.Nil {
		return Transaction{}, ErrUserRequired
	}

	if !status.IsValid() {
		return Transaction{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}

	ctx, span := w.tracer.Start(ctx, "ledger.update_transaction", trace.WithAttributes(
		attribute.String(constant.AttrAggregateID, id.String()),
	))
	defer span.End()

	var updated Transaction

	err := w.tx.WithinTx(ctx, func(tx *sql.Tx) error {
		current, err := w.ownedForUpdate(ctx, tx, userID, id)
		if err != nil {
			return err
		}

		now := w.now().UTC()

		if err := w.repo.UpdateStatus(ctx, tx, id, status, now); err != nil {
			return err
		}

		updated = current
		updated.Status = status
		updated.UpdatedAt = now

		return w.appendEvent(ctx, tx, id, envelope.TransactionUpdatedPayload{
			TransactionID: id.String(),
			UserID:        userID.String(),
			OldStatus:     current.Status.String(),
			NewStatus:     status.String(),
			UpdatedAt:     envelope.Timestamp(now),
		}, now)
	})
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to update transaction", err)

		return Transaction{}, fmt.Errorf("update transaction %s: %w", id, err)
	}

	return updated, nil
}

// Delete removes a transaction owned by userID unless it is COMPLETED and
// records a TRANSACTION_DELETED event.
func (w *Writer) Delete(ctx context.Context, userID, id uuid.UUID) error {
	if userID == uuid.Nil {
		return ErrUserRequired
	}

	ctx, span := w.tracer.Start(ctx, "ledger.delete_transaction", trace.WithAttributes(
		attribute.String(constant.AttrAggregateID, id.String()),
	))
	defer span.End()

	err := w.tx.WithinTx(ctx, func(tx *sql.Tx) error {
		current, err := w.ownedForUpdate(ctx, tx, userID, id)
		if err != nil {
			return err
		}

		if !current.CanBeDeleted() {
			return ErrNotDeletable
		}

		if err := w.repo.Delete(ctx, tx, id); err != nil {
			return err
		}

		now := w.now().UTC()

		return w.appendEvent(ctx, tx, id, envelope.TransactionDeletedPayload{
			TransactionID: id.String(),
			UserID:        userID.String(),
			DeletedAt:     envelope.Timestamp(now),
		}, now)
	})
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to delete transaction", err)

		return fmt.Errorf("delete transaction %s: %w", id, err)
	}

	return nil
}

func (w *Writer) ownedForUpdate(ctx context.Context, tx *sql.Tx, userID, id uuid.UUID) (Transaction, error) {
	current, err := w.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Transaction{}, err
	}

	if current.UserID != userID {
		w.logger.Log(ctx, log.LevelWarn, "transaction access denied",
			log.String("transaction_id", id.String()),
			log.String("user_id", userID.String()),
		)

		return Transaction{}, ErrForbidden
	}

	return current, nil
}

func (w *Writer) appendEvent(ctx context.Context, tx *sql.Tx, aggregateID uuid.UUID, p envelope.Payload, now time.Time) error {
	entry, err := outbox.NewEntryForPayload(ctx, aggregateID, p, now)
	if err != nil {
		return err
	}

	if err := w.outbox.Append(ctx, tx, entry); err != nil {
		return fmt.Errorf("append %s event: %w", entry.EventType, err)
	}

	return nil
}

// IsClientError reports whether err is caused by the caller rather than
// the system.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrNotDeletable) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrUserRequired)
}
