//go:build integration

package postgres

import (
	"context"
	"encoding/json"
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

	"github.com/LerianStudio/outbox-relay/audit"
	"github.com/LerianStudio/outbox-relay/envelope"
	libPostgres "github.com/LerianStudio/outbox-relay/postgres"
)

func newRepositoryFixture(t *testing.T) *Repository {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("audit"),
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

	migrations, err := filepath.Abs(filepath.Join("..", "..", "migrations", "audit"))
	require.NoError(t, err)

	client, err := libPostgres.New(libPostgres.Config{PrimaryDSN: dsn, DatabaseName: "audit", MigrationsPath: migrations})
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() { _ = client.Close() })

	repo, err := NewRepository(client)
	require.NoError(t, err)

	return repo
}

func integrationEnvelope(t *testing.T) envelope.Envelope {
	t.Helper()

	raw, err := envelope.MarshalPayload(envelope.TransactionCreatedPayload{
		TransactionID: uuid.NewString(),
		UserID:        uuid.NewString(),
		Amount:        envelope.MustAmount("99999999.99"),
		Currency:      "EUR",
		Status:        "PENDING",
		CreatedAt:     envelope.Timestamp(time.Now()),
	})
	require.NoError(t, err)

	env, err := envelope.New(context.Background(), uuid.New(), uuid.New(), envelope.TransactionCreated, time.Now(), raw)
	require.NoError(t, err)

	return env
}

func TestIntegration_Repository_CreateAndFind(t *testing.T) {
	repo := newRepositoryFixture(t)
	ctx := context.Background()

	_, err := repo.FindByEventID(ctx, uuid.New())
	require.ErrorIs(t, err, audit.ErrNotFound)

	rec, err := audit.NewRecord(integrationEnvelope(t), audit.Origin{IPAddress: "2001:db8::1", UserAgent: "it"}, time.Now())
	require.NoError(t, err)

	created, err := repo.Create(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, created.ID)

	got, err := repo.FindByEventID(ctx, rec.EventID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.AggregateID, got.AggregateID)
	assert.Equal(t, envelope.ActionCreate, got.Action)
	assert.Equal(t, "2001:db8::1", got.IPAddress)
	assert.Equal(t, json.Number("99999999.99"), got.Metadata["amount"])
	assert.WithinDuration(t, rec.CreatedAt, got.CreatedAt, time.Millisecond)

	dup := rec
	dup.ID = uuid.New()

	_, err = repo.Create(ctx, dup)
	require.ErrorIs(t, err, audit.ErrDuplicateEvent)
}

func TestIntegration_Service_ConcurrentIngestStoresOnce(t *testing.T) {
	repo := newRepositoryFixture(t)
	ctx := context.Background()

	svc, err := audit.NewService(repo)
	require.NoError(t, err)

	env := integrationEnvelope(t)

	const deliveries = 10

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[uuid.UUID]struct{}{}
	)

	for range deliveries {
		wg.Add(1)

		go func() {
			defer wg.Done()

			res, err := svc.Ingest(ctx, env, audit.Origin{})
			if !assert.NoError(t, err) {
				return
			}

			mu.Lock()
			defer mu.Unlock()

			if !res.Duplicate {
				created++
			}

			ids[res.Record.ID] = struct{}{}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
}
