//go:build unit

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/outbox-relay/ledger"
)

type fakePrimary struct {
	db  *sql.DB
	err error
}

func (f fakePrimary) Primary(context.Context) (*sql.DB, error) { return f.db, f.err }

type rowScanner struct {
	id, userID  uuid.UUID
	amount      string
	status      string
	description sql.NullString
	at          time.Time
	err         error
}

func (s rowScanner) Scan(dest ...any) error {
	if s.err != nil {
		return s.err
	}

	*dest[0].(*uuid.UUID) = s.id
	*dest[1].(*uuid.UUID) = s.userID

	if err := dest[2].(*decimal.Decimal).Scan(s.amount); err != nil {
		return err
	}

	*dest[3].(*string) = "EUR"
	*dest[4].(*string) = s.status
	*dest[5].(*sql.NullString) = s.description
	*dest[6].(*time.Time) = s.at
	*dest[7].(*time.Time) = s.at

	return nil
}

type fakeResult struct {
	rows int64
	err  error
}

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.rows, r.err }

func TestNewRepository(t *testing.T) {
	t.Parallel()

	_, err := NewRepository(nil)
	require.ErrorIs(t, err, ErrConnectionRequired)

	errDown := errors.New("pool exhausted")

	repo, err := NewRepository(fakePrimary{err: errDown})
	require.NoError(t, err)

	called := false
	err = repo.WithinTx(context.Background(), func(*sql.Tx) error {
		called = true

		return nil
	})
	require.ErrorIs(t, err, errDown)
	assert.False(t, called)

	var nilRepo *Repository
	require.ErrorIs(t, nilRepo.WithinTx(context.Background(), func(*sql.Tx) error { return nil }), ErrConnectionRequired)
}

func TestRepository_RequiresTx(t *testing.T) {
	t.Parallel()

	repo, err := NewRepository(fakePrimary{})
	require.NoError(t, err)

	ctx := context.Background()

	require.ErrorIs(t, repo.Insert(ctx, nil, ledger.Transaction{}), ErrTransactionRequired)
	require.ErrorIs(t, repo.UpdateStatus(ctx, nil, uuid.New(), ledger.StatusFailed, time.Now()), ErrTransactionRequired)
	require.ErrorIs(t, repo.Delete(ctx, nil, uuid.New()), ErrTransactionRequired)

	_, err = repo.GetForUpdate(ctx, nil, uuid.New())
	require.ErrorIs(t, err, ErrTransactionRequired)
}

func TestScanTransaction(t *testing.T) {
	t.Parallel()

	local := time.Date(2026, 5, 2, 9, 0, 0, 0, time.FixedZone("BRT", -3*60*60))
	row := rowScanner{
		id:          uuid.New(),
		userID:      uuid.New(),
		amount:      "1500.25",
		status:      "COMPLETED",
		description: sql.NullString{String: "rent", Valid: true},
		at:          local,
	}

	got, err := scanTransaction(row)
	require.NoError(t, err)
	assert.Equal(t, row.id, got.ID)
	assert.True(t, decimal.RequireFromString("1500.25").Equal(got.Amount))
	assert.Equal(t, ledger.StatusCompleted, got.Status)
	assert.Equal(t, "rent", got.Description)
	assert.Equal(t, time.UTC, got.CreatedAt.Location())

	row.status = "ARCHIVED"
	_, err = scanTransaction(row)
	require.ErrorIs(t, err, ledger.ErrInvalidInput)

	_, err = scanTransaction(rowScanner{err: sql.ErrNoRows})
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestRequireOneRow(t *testing.T) {
	t.Parallel()

	require.NoError(t, requireOneRow(fakeResult{rows: 1}))
	require.ErrorIs(t, requireOneRow(fakeResult{}), ledger.ErrNotFound)
	require.Error(t, requireOneRow(fakeResult{err: errors.New("driver")}))
}
