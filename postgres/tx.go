package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
)

var ErrNilTxFunc = errors.New("transaction function is nil")

// TxBeginner is satisfied by *sql.DB.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// RunInTx runs fn in a new transaction. The transaction commits when fn
// returns nil and rolls back otherwise, including when fn panics.
func RunInTx(ctx context.Context, db TxBeginner, fn func(tx *sql.Tx) error) (err error) {
	if nilcheck.Interface(db) {
		return ErrNotConnected
	}

	if fn == nil {
		return ErrNilTxFunc
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	committed := false

	defer func() {
		if committed {
			return
		}

		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) && err != nil {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	committed = true

	return nil
}
