//go:build unit

package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/outbox-relay/envelope"
	"github.com/LerianStudio/outbox-relay/rabbitmq"
)

var errBoom = errors.New("boom")

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// memRepo enforces the unique eventId the way the database does.
type memRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]Record

	findErr   error
	createErr error
	// beforeCreate runs without the lock held, letting tests race a writer in.
	beforeCreate func()

	findCalls   int
	createCalls int
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[uuid.UUID]Record)}
}

func (r *memRepo) FindByEventID(_ context.Context, eventID uuid.UUID) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.findCalls++

	if r.findErr != nil {
		return nil, r.findErr
	}

	rec, ok := r.records[eventID]
	if !ok {
		return nil, ErrNotFound
	}

	return &rec, nil
}

func (r *memRepo) Create(_ context.Context, rec Record) (*Record, error) {
	if hook := r.beforeCreate; hook != nil {
		hook()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.createCalls++

	if r.createErr != nil {
		return nil, r.createErr
	}

	if _, exists := r.records[rec.EventID]; exists {
		return nil, ErrDuplicateEvent
	}

	r.records[rec.EventID] = rec

	return &rec, nil
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.records)
}

// stubSubscriber replays scripted Consume outcomes. Once the script is
// exhausted it blocks until ctx is cancelled.
type stubSubscriber struct {
	mu      sync.Mutex
	results []error
	specs   []rabbitmq.ConsumeSpec
	calls   chan struct{}
	onCall  func(handler rabbitmq.Handler)
}

func newStubSubscriber(results ...error) *stubSubscriber {
	return &stubSubscriber{results: results, calls: make(chan struct{}, 16)}
}

func (s *stubSubscriber) Consume(ctx context.Context, spec rabbitmq.ConsumeSpec, handler rabbitmq.Handler) error {
	s.mu.Lock()
	s.specs = append(s.specs, spec)

	var (
		result   error
		scripted bool
	)

	if len(s.results) > 0 {
		result, s.results = s.results[0], s.results[1:]
		scripted = true
	}

	onCall := s.onCall
	s.mu.Unlock()

	s.calls <- struct{}{}

	if onCall != nil {
		onCall(handler)
	}

	if scripted {
		return result
	}

	<-ctx.Done()

	return nil
}

func (s *stubSubscriber) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.specs)
}

func testEnvelope(t *testing.T, payload envelope.Payload) envelope.Envelope {
	t.Helper()

	raw, err := envelope.MarshalPayload(payload)
	require.NoError(t, err)

	env, err := envelope.New(context.Background(), uuid.New(), uuid.New(), payload.EventType(), fixedNow, raw)
	require.NoError(t, err)

	return env
}

func createdPayload(userID string) envelope.TransactionCreatedPayload {
	return envelope.TransactionCreatedPayload{
		TransactionID: uuid.NewString(),
		UserID:        userID,
		Amount:        envelope.MustAmount("1500.25"),
		Currency:      "USD",
		Status:        "PENDING",
		Description:   "invoice 42",
		CreatedAt:     envelope.Timestamp(fixedNow),
	}
}

func envelopeBytes(t *testing.T, env envelope.Envelope) []byte {
	t.Helper()

	b, err := env.Marshal()
	require.NoError(t, err)

	return b
}
