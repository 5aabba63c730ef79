//go:build unit

package http

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/outbox-relay/audit"
	"github.com/LerianStudio/outbox-relay/ledger"
)

type fakeWriter struct {
	mu        sync.Mutex
	createErr error
	updateErr error
	deleteErr error
	lastUser  uuid.UUID
	lastInput ledger.CreateInput
	lastID    uuid.UUID
	lastState ledger.Status
}

func (f *fakeWriter) Create(_ context.Context, userID uuid.UUID, in ledger.CreateInput) (ledger.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastUser, f.lastInput = userID, in
	if f.createErr != nil {
		return ledger.Transaction{}, f.createErr
	}

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	return ledger.Transaction{
		ID:          uuid.New(),
		UserID:      userID,
		Amount:      in.Amount,
		Currency:    in.Currency,
		Status:      ledger.StatusPending,
		Description: in.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (f *fakeWriter) UpdateStatus(_ context.Context, userID, id uuid.UUID, status ledger.Status) (ledger.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastUser, f.lastID, f.lastState = userID, id, status
	if f.updateErr != nil {
		return ledger.Transaction{}, f.updateErr
	}

	return ledger.Transaction{ID: id, UserID: userID, Status: status, Currency: "USD"}, nil
}

func (f *fakeWriter) Delete(_ context.Context, userID, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastUser, f.lastID = userID, id

	return f.deleteErr
}

type fakeReader struct {
	records map[uuid.UUID]*audit.Record
	err     error
}

func (f *fakeReader) Get(_ context.Context, eventID uuid.UUID) (*audit.Record, error) {
	if f.err != nil {
		return nil, f.err
	}

	rec, ok := f.records[eventID]
	if !ok {
		return nil, audit.ErrNotFound
	}

	return rec, nil
}

func doRequest(t *testing.T, app *fiber.App, method, target, body string, headers map[string]string) (int, string) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() { require.NoError(t, resp.Body.Close()) }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(raw)
}
