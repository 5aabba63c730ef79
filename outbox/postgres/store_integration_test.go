//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/LerianStudio/outbox-relay/envelope"
	"github.com/LerianStudio/outbox-relay/outbox"
	libPostgres "github.com/LerianStudio/outbox-relay/postgres"
)

type storeFixture struct {
	ctx     context.Context
	primary *sql.DB
	store   *Store
}

func newStoreFixture(t *testing.T) *storeFixture {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("relay"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	migrations, err := filepath.Abs(filepath.Join("..", "..", "migrations", "transaction"))
	require.NoError(t, err)

	client, err := libPostgres.New(libPostgres.Config{PrimaryDSN: dsn, DatabaseName: "relay", MigrationsPath: migrations})
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() { _ = client.Close() })

	primary, err := client.Primary(ctx)
	require.NoError(t, err)

	store, err := NewStore(client)
	require.NoError(t, err)

	return &storeFixture{ctx: ctx, primary: primary, store: store}
}

func (fx *storeFixture) appendCommitted(t *testing.T, createdAt time.Time) outbox.Entry {
	t.Helper()

	entry := newEntry(t, createdAt)

	require.NoError(t, libPostgres.RunInTx(fx.ctx, fx.primary, func(tx *sql.Tx) error {
		return fx.store.Append(fx.ctx, tx, entry)
	}))

	return entry
}

func newEntry(t *testing.T, createdAt time.Time) outbox.Entry {
	t.Helper()

	aggregateID := uuid.New()

	entry, err := outbox.NewEntryForPayload(context.Background(), aggregateID, envelope.TransactionUpdatedPayload{
		TransactionID: aggregateID.String(),
		UserID:        uuid.NewString(),
		OldStatus:     "PENDING",
		NewStatus:     "COMPLETED",
		UpdatedAt:     envelope.Timestamp(createdAt),
	}, createdAt)
	require.NoError(t, err)

	return entry
}

func TestIntegration_AppendFollowsCallerTransaction(t *testing.T) {
	fx := newStoreFixture(t)

	committed := fx.appendCommitted(t, time.Now())

	errRollback := errors.New("business rule violated")
	rolledBack := newEntry(t, time.Now())

	err := libPostgres.RunInTx(fx.ctx, fx.primary, func(tx *sql.Tx) error {
		require.NoError(t, fx.store.Append(fx.ctx, tx, rolledBack))

		return errRollback
	})
	require.ErrorIs(t, err, errRollback)

	batch, err := fx.store.SelectBatch(fx.ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, committed.ID, batch[0].ID)
	assert.Equal(t, outbox.StatusPending, batch[0].Status)
	assert.Zero(t, batch[0].RetryCount)
	assert.JSONEq(t, string(committed.Payload), string(batch[0].Payload))

	_, err = fx.store.Get(fx.ctx, rolledBack.ID)
	require.ErrorIs(t, err, outbox.ErrEntryNotFound)
}

func TestIntegration_SelectBatchOrdersOldestFirst(t *testing.T) {
	fx := newStoreFixture(t)

	base := time.Now().UTC().Truncate(time.Millisecond)
	third := fx.appendCommitted(t, base.Add(2*time.Second))
	first := fx.appendCommitted(t, base)
	second := fx.appendCommitted(t, base.Add(time.Second))

	batch, err := fx.store.SelectBatch(fx.ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, first.ID, batch[0].ID)
	assert.Equal(t, second.ID, batch[1].ID)

	require.NoError(t, fx.store.MarkProcessed(fx.ctx, first.ID))

	batch, err = fx.store.SelectBatch(fx.ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, second.ID, batch[0].ID)
	assert.Equal(t, third.ID, batch[1].ID)
}

func TestIntegration_MarkProcessed(t *testing.T) {
	fx := newStoreFixture(t)
	entry := fx.appendCommitted(t, time.Now())

	require.NoError(t, fx.store.MarkProcessed(fx.ctx, entry.ID))

	stored, err := fx.store.Get(fx.ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusProcessed, stored.Status)
	require.NotNil(t, stored.ProcessedAt)

	err = fx.store.MarkProcessed(fx.ctx, entry.ID)
	require.ErrorIs(t, err, outbox.ErrTransitionInvalid)

	err = fx.store.MarkProcessed(fx.ctx, uuid.New())
	require.ErrorIs(t, err, outbox.ErrEntryNotFound)
}

func TestIntegration_MarkFailedHonorsRetryCeiling(t *testing.T) {
	fx := newStoreFixture(t)
	entry := fx.appendCommitted(t, time.Now())

	for attempt := 1; attempt <= 2; attempt++ {
		require.NoError(t, fx.store.MarkFailed(fx.ctx, entry.ID, "broker unavailable", 3, 0))

		stored, err := fx.store.Get(fx.ctx, entry.ID)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusPending, stored.Status)
		assert.Equal(t, attempt, stored.RetryCount)
		assert.Equal(t, "broker unavailable", stored.LastError)
	}

	require.NoError(t, fx.store.MarkFailed(fx.ctx, entry.ID, "broker unavailable", 3, 0))

	stored, err := fx.store.Get(fx.ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailed, stored.Status)
	assert.Equal(t, 3, stored.RetryCount)
	assert.Nil(t, stored.ProcessedAt)

	batch, err := fx.store.SelectBatch(fx.ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch, "FAILED entries are never reselected")

	require.ErrorIs(t, fx.store.MarkFailed(fx.ctx, entry.ID, "again", 3, 0), outbox.ErrTransitionInvalid)
}

func TestIntegration_SelectBatchSkipsEntriesCoolingDown(t *testing.T) {
	fx := newStoreFixture(t)

	now := time.Now().UTC()
	clock := func() time.Time { return now }

	store, err := NewStore(fx.store.db, WithNow(clock))
	require.NoError(t, err)

	cooling := fx.appendCommitted(t, now.Add(-time.Minute))
	ready := fx.appendCommitted(t, now)

	require.NoError(t, store.MarkFailed(fx.ctx, cooling.ID, "broker unavailable", 3, 30*time.Second))

	stored, err := store.Get(fx.ctx, cooling.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.NextAttemptAt)
	assert.WithinDuration(t, now.Add(30*time.Second), *stored.NextAttemptAt, time.Millisecond)

	batch, err := store.SelectBatch(fx.ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, ready.ID, batch[0].ID)

	now = now.Add(31 * time.Second)

	batch, err = store.SelectBatch(fx.ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, cooling.ID, batch[0].ID, "a cooled-down entry keeps its place in line")
}

func TestIntegration_ConcurrentTransitionsDoNotLoseUpdates(t *testing.T) {
	fx := newStoreFixture(t)
	entry := fx.appendCommitted(t, time.Now())

	var wg sync.WaitGroup

	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			errs[i] = fx.store.MarkFailed(fx.ctx, entry.ID, "flaky", 10, 0)
		}(i)
	}

	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	stored, err := fx.store.Get(fx.ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.RetryCount, "row locks serialize concurrent increments")
}

type recordingBroker struct {
	mu     sync.Mutex
	bodies [][]byte
	err    error
}

func (b *recordingBroker) Publish(_ context.Context, _ string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return b.err
	}

	b.bodies = append(b.bodies, body)

	return nil
}

func TestIntegration_PublisherDrainsStore(t *testing.T) {
	fx := newStoreFixture(t)

	base := time.Now().UTC()
	first := fx.appendCommitted(t, base)
	fx.appendCommitted(t, base.Add(time.Second))

	broker := &recordingBroker{}

	publisher, err := outbox.NewPublisher(fx.store, broker, nil, nil)
	require.NoError(t, err)

	result := publisher.DispatchOnce(fx.ctx)
	assert.Equal(t, 2, result.Published)

	env, err := envelope.Decode(broker.bodies[0])
	require.NoError(t, err)
	assert.Equal(t, first.ID.String(), env.EventID)

	batch, err := fx.store.SelectBatch(fx.ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}
