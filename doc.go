// Package relay holds the process-level plumbing shared by the outbox relay
// binaries: the App launcher and the request-scoped tracking context.
//
// The domain lives in sub-packages. Package outbox moves committed events
// to the broker, package rabbitmq owns the broker connection and topology,
// and package audit consumes events exactly once per eventId.
package relay
