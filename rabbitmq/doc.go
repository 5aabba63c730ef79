// Package rabbitmq owns the AMQP side of the event bus: the broker
// connection, topic/dead-letter topology, confirmed publishing behind a
// circuit breaker, and an ack/nack consumer loop.
package rabbitmq
