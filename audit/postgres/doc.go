// Package postgres implements audit.Repository on PostgreSQL.
//
// The audit_logs.event_id unique constraint is the idempotency guard: a
// losing concurrent insert surfaces as audit.ErrDuplicateEvent.
package postgres
