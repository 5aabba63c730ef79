package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/ledger"
	libPostgres "github.com/LerianStudio/outbox-relay/postgres"
)

const (
	tableName          = "transactions"
	transactionColumns = "id, user_id, amount, currency, status, description, created_at, updated_at"
)

var (
	ErrConnectionRequired  = errors.New("postgres connection is required")
	ErrTransactionRequired = errors.New("database transaction is required")
)

// PrimaryProvider hands out the writable pool. *postgres.Client implements it.
type PrimaryProvider interface {
	Primary(ctx context.Context) (*sql.DB, error)
}

// Repository implements ledger.Repository and ledger.Transactor.
type Repository struct {
	db PrimaryProvider
}

var (
	_ ledger.Repository = (*Repository)(nil)
	_ ledger.Transactor = (*Repository)(nil)
)

func NewRepository(db PrimaryProvider) (*Repository, error) {
	if nilcheck.Interface(db) {
		return nil, ErrConnectionRequired
	}

	return &Repository{db: db}, nil
}

// WithinTx runs fn in a transaction on the primary pool.
func (r *Repository) WithinTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if r == nil || nilcheck.Interface(r.db) {
		return ErrConnectionRequired
	}

	db, err := r.db.Primary(ctx)
	if err != nil {
		return err
	}

	return libPostgres.RunInTx(ctx, db, fn)
}

func (r *Repository) Insert(ctx context.Context, tx *sql.Tx, t ledger.Transaction) error {
	if tx == nil {
		return ErrTransactionRequired
	}

	query := "INSERT INTO " + tableName + " (" + transactionColumns + ") VALUES ($1, $2, $3, $4, $5, $6, $7, $8)"

	if _, err := tx.ExecContext(ctx, query,
		t.ID,
		t.UserID,
		t.Amount,
		t.Currency,
		t.Status.String(),
		nullableString(t.Description),
		t.CreatedAt.UTC(),
		t.UpdatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("inserting transaction: %w", err)
	}

	return nil
}

func (r *Repository) GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (ledger.Transaction, error) {
	if tx == nil {
		return ledger.Transaction{}, ErrTransactionRequired
	}

	row := tx.QueryRowContext(ctx, "SELECT "+transactionColumns+" FROM "+tableName+" WHERE id = $1 FOR UPDATE", id)

	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrNotFound
	}

	return t, err
}

func (r *Repository) UpdateStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, status ledger.Status, updatedAt time.Time) error {
	if tx == nil {
		return ErrTransactionRequired
	}

	result, err := tx.ExecContext(ctx,
		"UPDATE "+tableName+" SET status = $1, updated_at = $2 WHERE id = $3",
		status.String(), updatedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("updating transaction: %w", err)
	}

	return requireOneRow(result)
}

func (r *Repository) Delete(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	if tx == nil {
		return ErrTransactionRequired
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM "+tableName+" WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("deleting transaction: %w", err)
	}

	return requireOneRow(result)
}

func scanTransaction(scanner interface{ Scan(dest ...any) error }) (ledger.Transaction, error) {
	var (
		t           ledger.Transaction
		amount      decimal.Decimal
		status      string
		description sql.NullString
	)

	if err := scanner.Scan(
		&t.ID,
		&t.UserID,
		&amount,
		&t.Currency,
		&status,
		&description,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Transaction{}, err
		}

		return ledger.Transaction{}, fmt.Errorf("scanning transaction: %w", err)
	}

	parsed, err := ledger.ParseStatus(status)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("scanning transaction %s: %w", t.ID, err)
	}

	t.Amount = amount
	t.Status = parsed
	t.Description = description.String
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()

	return t, nil
}

func requireOneRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if rows == 0 {
		return ledger.ErrNotFound
	}

	return nil
}

func nullableString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
