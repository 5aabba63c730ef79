// Package postgres owns the PostgreSQL connection pool: primary/replica
// routing through dbresolver, schema migrations on connect and the
// transaction helper used by every writer.
package postgres
