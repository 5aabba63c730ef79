package constants

const TelemetrySDKName = "outbox-relay/opentelemetry"

// Span event names.
const (
	EventAssertionFailed = "assertion.failed"
	EventPanicRecovered  = "panic.recovered"
)

// Attribute prefixes and keys.
const (
	AttrPrefixAssertion = "assertion."
	AttrPrefixPanic     = "panic."

	AttrEventID        = "event.id"
	AttrEventType      = "event.type"
	AttrAggregateID    = "event.aggregate_id"
	AttrOutboxTable    = "outbox.table"
	AttrBatchSize      = "outbox.batch_size"
	AttrRoutingKey     = "messaging.rabbitmq.destination.routing_key"
	AttrDestination    = "messaging.destination.name"
	AttrMessagingSys   = "messaging.system"
	AttrDBSystem       = "db.system"
	AttrDBName         = "db.name"
	AttrAuditDuplicate = "audit.duplicate"
)

// Metric names.
const (
	MetricPanicRecoveredTotal  = "panic_recovered_total"
	MetricAssertionFailedTotal = "assertion_failed_total"
)
