// Package outbox implements the transactional outbox: entries are appended
// in the same database transaction as the business change they describe,
// and a Publisher later relays them to the broker.
//
// Delivery is at-least-once. An entry can be published more than once when
// its state update fails after a successful publish, so consumers must
// deduplicate on eventId.
//
// Entry lifecycle:
//
//	PENDING --publish ok--> PROCESSED
//	PENDING --publish error, retries left--> PENDING (retry_count+1, cooling down)
//	PENDING --publish error, ceiling reached--> FAILED
//	PENDING --broker unreachable--> PENDING (untouched)
//
// A cooling entry is skipped by SelectBatch until its next_attempt_at passes.
// The cooldown grows exponentially with retry_count, up to a ceiling.
package outbox
