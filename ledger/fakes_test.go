//go:build unit

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/outbox-relay/outbox"
)

var errBoom = errors.New("boom")

var fixedNow = time.Date(2026, 5, 2, 12, 30, 0, 0, time.UTC)

// memDB keeps transactions and outbox entries together so a rolled back
// unit discards both, the way one database transaction would.
type memDB struct {
	mu           sync.Mutex
	transactions map[uuid.UUID]Transaction
	entries      []outbox.Entry

	insertErr error
	appendErr error
	commits   int
	rollbacks int
}

func newMemDB(seed ...Transaction) *memDB {
	db := &memDB{transactions: make(map[uuid.UUID]Transaction)}

	for _, t := range seed {
		db.transactions[t.ID] = t
	}

	return db
}

func (db *memDB) WithinTx(_ context.Context, fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	savedTx := maps.Clone(db.transactions)
	savedEntries := slices.Clone(db.entries)
	db.mu.Unlock()

	if err := fn(nil); err != nil {
		db.mu.Lock()
		db.transactions = savedTx
		db.entries = savedEntries
		db.rollbacks++
		db.mu.Unlock()

		return err
	}

	db.mu.Lock()
	db.commits++
	db.mu.Unlock()

	return nil
}

func (db *memDB) Insert(_ context.Context, _ *sql.Tx, t Transaction) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.insertErr != nil {
		return db.insertErr
	}

	db.transactions[t.ID] = t

	return nil
}

func (db *memDB) GetForUpdate(_ context.Context, _ *sql.Tx, id uuid.UUID) (Transaction, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	t, ok := db.transactions[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}

	return t, nil
}

func (db *memDB) UpdateStatus(_ context.Context, _ *sql.Tx, id uuid.UUID, status Status, updatedAt time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	t, ok := db.transactions[id]
	if !ok {
		return ErrNotFound
	}

	t.Status = status
	t.UpdatedAt = updatedAt
	db.transactions[id] = t

	return nil
}

func (db *memDB) Delete(_ context.Context, _ *sql.Tx, id uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.transactions[id]; !ok {
		return ErrNotFound
	}

	delete(db.transactions, id)

	return nil
}

// outboxView adapts memDB to outbox.Store. Only Append is used by the writer.
type outboxView struct{ db *memDB }

func (o outboxView) Append(_ context.Context, _ outbox.Tx, entry outbox.Entry) error {
	o.db.mu.Lock()
	defer o.db.mu.Unlock()

	if o.db.appendErr != nil {
		return o.db.appendErr
	}

	o.db.entries = append(o.db.entries, entry)

	return nil
}

func (outboxView) SelectBatch(context.Context, int) ([]outbox.Entry, error) { return nil, nil }
func (outboxView) MarkProcessed(context.Context, uuid.UUID) error           { return nil }
func (outboxView) MarkFailed(context.Context, uuid.UUID, string, int, time.Duration) error {
	return nil
}

func (db *memDB) snapshot() (map[uuid.UUID]Transaction, []outbox.Entry) {
	db.mu.Lock()
	defer db.mu.Unlock()

	return maps.Clone(db.transactions), slices.Clone(db.entries)
}
