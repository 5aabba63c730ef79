//go:build unit

package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/outbox-relay/envelope"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// memStore applies the real Entry transitions so retry semantics are
// exercised end to end.
type memStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]Entry
	now     func() time.Time

	selectErr        error
	markProcessedErr error
	markFailedErr    error

	selectCalls   int
	processedIDs  []uuid.UUID
	failedCalls   []markFailedCall
	selectBlocked chan struct{}
	selectEntered chan struct{}
}

type markFailedCall struct {
	ID         uuid.UUID
	Reason     string
	MaxRetries int
	RetryAfter time.Duration
}

func newMemStore(entries ...Entry) *memStore {
	store := &memStore{
		entries: make(map[uuid.UUID]Entry, len(entries)),
		now:     func() time.Time { return time.Now().UTC() },
	}

	for _, entry := range entries {
		store.entries[entry.ID] = entry
	}

	return store
}

func (s *memStore) Append(_ context.Context, tx Tx, entry Entry) error {
	if tx == nil {
		return ErrTransactionRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[entry.ID] = entry

	return nil
}

func (s *memStore) SelectBatch(_ context.Context, maxCount int) ([]Entry, error) {
	s.mu.Lock()
	s.selectCalls++
	entered, blocked := s.selectEntered, s.selectBlocked
	s.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}

	if blocked != nil {
		<-blocked
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.selectErr != nil {
		return nil, s.selectErr
	}

	now := s.now()
	pending := make([]Entry, 0, len(s.entries))

	for _, entry := range s.entries {
		if entry.Due(now) {
			pending = append(pending, entry)
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID.String() < pending[j].ID.String()
		}

		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	if len(pending) > maxCount {
		pending = pending[:maxCount]
	}

	return pending, nil
}

func (s *memStore) MarkProcessed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.markProcessedErr != nil {
		return s.markProcessedErr
	}

	entry, ok := s.entries[id]
	if !ok {
		return ErrEntryNotFound
	}

	next, err := entry.Processed(s.now())
	if err != nil {
		return err
	}

	s.entries[id] = next
	s.processedIDs = append(s.processedIDs, id)

	return nil
}

func (s *memStore) MarkFailed(_ context.Context, id uuid.UUID, reason string, maxRetries int, retryAfter time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failedCalls = append(s.failedCalls, markFailedCall{
		ID:         id,
		Reason:     reason,
		MaxRetries: maxRetries,
		RetryAfter: retryAfter,
	})

	if s.markFailedErr != nil {
		return s.markFailedErr
	}

	entry, ok := s.entries[id]
	if !ok {
		return ErrEntryNotFound
	}

	next, err := entry.Failed(reason, maxRetries, retryAfter, s.now())
	if err != nil {
		return err
	}

	s.entries[id] = next

	return nil
}

func (s *memStore) get(id uuid.UUID) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.entries[id]
}

func (s *memStore) failures() []markFailedCall {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]markFailedCall(nil), s.failedCalls...)
}

type publishedMessage struct {
	RoutingKey string
	Body       []byte
}

type fakeBroker struct {
	mu        sync.Mutex
	published []publishedMessage
	calls     int
	failFor   map[string]error
	err       error
	// entered receives once per call before any blocking.
	entered chan struct{}
	release chan struct{}
	// waitForDeadline makes Publish block until its context ends.
	waitForDeadline bool
}

func (b *fakeBroker) Publish(ctx context.Context, routingKey string, body []byte) error {
	b.mu.Lock()
	b.calls++
	entered, release := b.entered, b.release
	b.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}

	if release != nil {
		<-release
	}

	if b.waitForDeadline {
		<-ctx.Done()

		return ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return b.err
	}

	env, err := envelope.Decode(body)
	if err == nil {
		if failErr, ok := b.failFor[env.EventID]; ok {
			return failErr
		}
	}

	b.published = append(b.published, publishedMessage{RoutingKey: routingKey, Body: append([]byte(nil), body...)})

	return nil
}

func (b *fakeBroker) messages() []publishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]publishedMessage(nil), b.published...)
}

func (b *fakeBroker) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.calls
}

var errBrokerDown = errors.New("broker unavailable")

func newCreatedEntry(t *testing.T, createdAt time.Time) Entry {
	t.Helper()

	aggregateID := uuid.New()

	entry, err := NewEntryForPayload(context.Background(), aggregateID, envelope.TransactionCreatedPayload{
		TransactionID: aggregateID.String(),
		UserID:        "user-1",
		Amount:        envelope.MustAmount("100.50"),
		Currency:      "USD",
		Status:        "PENDING",
		CreatedAt:     envelope.Timestamp(createdAt),
	}, createdAt)
	require.NoError(t, err)

	return entry
}
