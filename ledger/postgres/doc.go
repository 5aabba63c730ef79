// Package postgres stores ledger transactions in PostgreSQL and opens the
// database transactions the writer runs in.
package postgres
