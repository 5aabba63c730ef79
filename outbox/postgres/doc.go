// Package postgres implements outbox.Store on PostgreSQL.
//
// State changes are read under SELECT ... FOR UPDATE, computed by the pure
// outbox.Entry transitions and written back with an UPDATE guarded on the
// PENDING status, so a concurrent writer surfaces as
// ErrStateTransitionConflict instead of a lost update.
package postgres
