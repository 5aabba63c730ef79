package constants

// Default topology of the transaction event bus.
const (
	TransactionEventsExchange = "transaction.events"
	AuditQueue                = "audit.transaction.events"

	DeadLetterExchangeSuffix = ".dlx"
	DeadLetterQueueSuffix    = ".dlq"
	DeadLetterRoutingKey     = "#"

	// MessageTTLMillis is the per-queue message TTL (24h).
	MessageTTLMillis = 86_400_000

	ContentTypeJSON = "application/json"
)

// HTTP headers understood by the writer API.
const (
	HeaderUserID    = "X-User-ID"
	HeaderRequestID = "X-Request-Id"
	HeaderUserAgent = "User-Agent"
)

// AMQP headers carrying optional request origin for audit records.
const (
	AMQPHeaderEventType = "x-event-type"
	AMQPHeaderClientIP  = "x-client-ip"
	AMQPHeaderUserAgent = "x-user-agent"
)
