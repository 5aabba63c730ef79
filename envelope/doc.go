// Package envelope defines the wire shape of transaction domain events.
//
// An Envelope is the JSON object published to the broker and consumed by
// downstream services. Its eventId is the only deduplication key.
package envelope
