//go:build unit

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/outbox-relay/envelope"
	"github.com/LerianStudio/outbox-relay/outbox"
)

type fakePrimary struct {
	db  *sql.DB
	err error
}

func (f fakePrimary) Primary(context.Context) (*sql.DB, error) { return f.db, f.err }

func validEntry(t *testing.T) outbox.Entry {
	t.Helper()

	entry, err := outbox.NewEntry(context.Background(), uuid.New(), uuid.New(),
		envelope.TransactionDeleted, json.RawMessage(`{"transactionId":"x"}`), time.Now())
	require.NoError(t, err)

	return entry
}

func TestValidateIdentifierPath(t *testing.T) {
	t.Parallel()

	for _, valid := range []string{"outbox_events", "relay.outbox_events", "_t1"} {
		require.NoError(t, validateIdentifierPath(valid), valid)
	}

	invalid := []string{
		"",
		"1outbox",
		"outbox-events",
		"a.b.c",
		`outbox"; DROP TABLE transactions; --`,
		"outbox events",
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	}

	for _, candidate := range invalid {
		require.ErrorIs(t, validateIdentifierPath(candidate), ErrInvalidIdentifier, candidate)
	}
}

func TestQuoteIdentifierPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `"outbox_events"`, quoteIdentifierPath("outbox_events"))
	assert.Equal(t, `"relay"."outbox_events"`, quoteIdentifierPath("relay. outbox_events"))
}

func TestNewStore(t *testing.T) {
	t.Parallel()

	_, err := NewStore(nil)
	require.ErrorIs(t, err, ErrConnectionRequired)

	_, err = NewStore(fakePrimary{}, WithTableName("bad-name"))
	require.ErrorIs(t, err, ErrInvalidIdentifier)

	store, err := NewStore(fakePrimary{}, WithTableName("  "), WithTransactionTimeout(-1), nil)
	require.NoError(t, err)
	assert.Equal(t, defaultTableName, store.tableName)
	assert.Equal(t, `"outbox_events"`, store.quotedTable)
	assert.Equal(t, defaultTransactionTimeout, store.transactionTimeout)
}

func TestAppend_RequiresTransaction(t *testing.T) {
	t.Parallel()

	store, err := NewStore(fakePrimary{})
	require.NoError(t, err)

	err = store.Append(context.Background(), nil, validEntry(t))
	require.ErrorIs(t, err, outbox.ErrTransactionRequired)
}

func TestValidateAppend(t *testing.T) {
	t.Parallel()

	require.NoError(t, validateAppend(validEntry(t)))

	tests := []struct {
		name    string
		mutate  func(*outbox.Entry)
		wantErr error
	}{
		{name: "nil id", mutate: func(e *outbox.Entry) { e.ID = uuid.Nil }, wantErr: ErrIDRequired},
		{name: "nil aggregate", mutate: func(e *outbox.Entry) { e.AggregateID = uuid.Nil }, wantErr: ErrIDRequired},
		{name: "unknown type", mutate: func(e *outbox.Entry) { e.EventType = "NOPE" }, wantErr: envelope.ErrUnknownEventType},
		{name: "not pending", mutate: func(e *outbox.Entry) { e.Status = outbox.StatusProcessed }, wantErr: outbox.ErrTransitionInvalid},
		{name: "empty payload", mutate: func(e *outbox.Entry) { e.Payload = nil }, wantErr: outbox.ErrPayloadRequired},
		{
			name:    "payload too large",
			mutate:  func(e *outbox.Entry) { e.Payload = make([]byte, outbox.DefaultMaxPayloadBytes+1) },
			wantErr: outbox.ErrPayloadTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			entry := validEntry(t)
			tt.mutate(&entry)

			require.ErrorIs(t, validateAppend(entry), tt.wantErr)
		})
	}
}

func TestStoreGuards(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	errDown := errors.New("pool exhausted")

	store, err := NewStore(fakePrimary{err: errDown})
	require.NoError(t, err)

	_, err = store.SelectBatch(ctx, 0)
	require.ErrorIs(t, err, ErrLimitMustBePositive)

	_, err = store.SelectBatch(ctx, 10)
	require.ErrorIs(t, err, errDown)

	require.ErrorIs(t, store.MarkProcessed(ctx, uuid.Nil), ErrIDRequired)
	require.ErrorIs(t, store.MarkFailed(ctx, uuid.New(), "x", 3, time.Second), errDown)

	var nilStore *Store

	_, err = nilStore.SelectBatch(ctx, 1)
	require.ErrorIs(t, err, ErrStoreNotInitialized)
	require.ErrorIs(t, nilStore.MarkProcessed(ctx, uuid.New()), ErrStoreNotInitialized)
}

type fakeResult struct {
	rows int64
	err  error
}

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.rows, r.err }

func TestEnsureRowsAffected(t *testing.T) {
	t.Parallel()

	require.NoError(t, ensureRowsAffected(fakeResult{rows: 1}))
	require.ErrorIs(t, ensureRowsAffected(fakeResult{rows: 0}), ErrStateTransitionConflict)
	require.ErrorIs(t, ensureRowsAffected(nil), ErrStateTransitionConflict)
	require.Error(t, ensureRowsAffected(fakeResult{err: errors.New("driver")}))
}
