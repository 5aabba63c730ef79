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

	"github.com/LerianStudio/outbox-relay/audit"
	"github.com/LerianStudio/outbox-relay/envelope"
)

var errPoolDown = errors.New("pool exhausted")

type fakePools struct {
	primary    *sql.DB
	replica    *sql.DB
	primaryErr error
	replicaErr error
}

func (f fakePools) Primary(context.Context) (*sql.DB, error) { return f.primary, f.primaryErr }
func (f fakePools) Replica(context.Context) (*sql.DB, error) { return f.replica, f.replicaErr }

// rowScanner feeds fixed column values through the Scan contract.
type rowScanner struct {
	values []any
	err    error
}

func (s rowScanner) Scan(dest ...any) error {
	if s.err != nil {
		return s.err
	}

	if len(dest) != len(s.values) {
		return errors.New("column count mismatch")
	}

	for i, v := range s.values {
		switch d := dest[i].(type) {
		case *uuid.UUID:
			*d = v.(uuid.UUID)
		case *string:
			*d = v.(string)
		case *[]byte:
			*d = v.([]byte)
		case *sql.NullString:
			*d = v.(sql.NullString)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return errors.New("unexpected destination")
		}
	}

	return nil
}

func validRecord(t *testing.T) audit.Record {
	t.Helper()

	return audit.Record{
		ID:            uuid.New(),
		EventID:       uuid.New(),
		AggregateID:   uuid.New(),
		AggregateType: audit.AggregateTypeTransaction,
		Action:        envelope.ActionCreate,
		UserID:        "user-7",
		Status:        audit.StatusSuccess,
		Metadata:      map[string]any{"amount": json.Number("10.50")},
		CreatedAt:     time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
}

func TestNewRepository(t *testing.T) {
	t.Parallel()

	_, err := NewRepository(nil)
	require.ErrorIs(t, err, ErrConnectionRequired)

	repo, err := NewRepository(fakePools{}, WithLogger(nil), WithTracer(nil), nil)
	require.NoError(t, err)
	assert.NotNil(t, repo)
}

func TestRepositoryGuards(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	var nilRepo *Repository

	_, err := nilRepo.FindByEventID(ctx, uuid.New())
	require.ErrorIs(t, err, ErrRepositoryNotInitialized)

	_, err = nilRepo.Create(ctx, validRecord(t))
	require.ErrorIs(t, err, ErrRepositoryNotInitialized)

	repo, err := NewRepository(fakePools{primaryErr: errPoolDown, replicaErr: errPoolDown})
	require.NoError(t, err)

	_, err = repo.FindByEventID(ctx, uuid.New())
	require.ErrorIs(t, err, errPoolDown)

	_, err = repo.Create(ctx, validRecord(t))
	require.ErrorIs(t, err, errPoolDown)

	invalid := validRecord(t)
	invalid.UserID = ""

	_, err = repo.Create(ctx, invalid)
	require.ErrorIs(t, err, audit.ErrInvalidRecord)
}

func TestScanRecord(t *testing.T) {
	t.Parallel()

	id, eventID, aggregateID := uuid.New(), uuid.New(), uuid.New()
	local := time.Date(2026, 3, 14, 6, 0, 0, 0, time.FixedZone("BRT", -3*60*60))

	values := []any{
		id, eventID, aggregateID,
		"TRANSACTION", "UPDATE", "user-7", "SUCCESS",
		[]byte(`{"amount":1500.25,"eventType":"TRANSACTION_UPDATED"}`),
		sql.NullString{String: "10.0.0.1", Valid: true},
		sql.NullString{},
		local,
	}

	rec, err := scanRecord(rowScanner{values: values})
	require.NoError(t, err)

	assert.Equal(t, id, rec.ID)
	assert.Equal(t, eventID, rec.EventID)
	assert.Equal(t, aggregateID, rec.AggregateID)
	assert.Equal(t, envelope.ActionUpdate, rec.Action)
	assert.Equal(t, audit.StatusSuccess, rec.Status)
	assert.Equal(t, json.Number("1500.25"), rec.Metadata["amount"])
	assert.Equal(t, "10.0.0.1", rec.IPAddress)
	assert.Empty(t, rec.UserAgent)
	assert.Equal(t, time.UTC, rec.CreatedAt.Location())
	assert.True(t, rec.CreatedAt.Equal(local))

	t.Run("no rows passes through", func(t *testing.T) {
		t.Parallel()

		_, err := scanRecord(rowScanner{err: sql.ErrNoRows})
		require.ErrorIs(t, err, sql.ErrNoRows)
	})

	t.Run("corrupt metadata", func(t *testing.T) {
		t.Parallel()

		broken := append([]any(nil), values...)
		broken[7] = []byte(`{`)

		_, err := scanRecord(rowScanner{values: broken})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "decoding audit metadata")
	})
}

func TestNullableString(t *testing.T) {
	t.Parallel()

	assert.False(t, nullableString("").Valid)
	assert.Equal(t, sql.NullString{String: "x", Valid: true}, nullableString("x"))
}
