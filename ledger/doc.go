// Package ledger is the write side that produces transaction events.
//
// Every mutation and the outbox entry describing it are written in one
// database transaction: either both commit or neither does.
package ledger
