package rabbitmq

import "errors"

var (
	ErrNilConnection          = errors.New("rabbitmq connection is nil")
	ErrURLRequired            = errors.New("rabbitmq url is required")
	ErrNotConnected           = errors.New("rabbitmq is not connected")
	ErrChannelRequired        = errors.New("rabbitmq channel is required")
	ErrChannelSourceRequired  = errors.New("rabbitmq channel source is required")
	ErrNilClient              = errors.New("rabbitmq client is nil")
	ErrClientClosed           = errors.New("rabbitmq client is closed")
	ErrExchangeRequired       = errors.New("exchange name is required")
	ErrQueueRequired          = errors.New("queue name is required")
	ErrRoutingKeyRequired     = errors.New("routing key is required")
	ErrHandlerRequired        = errors.New("message handler is required")
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrPublishNacked          = errors.New("message was nacked by broker")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
	ErrChannelClosed          = errors.New("rabbitmq channel closed")
	ErrCircuitOpen            = errors.New("broker circuit breaker is open")
	ErrDeliveriesClosed       = errors.New("delivery channel closed")
	ErrBodyNotJSON            = errors.New("message body is not valid JSON")
	ErrHealthCheckFailed      = errors.New("rabbitmq health check failed")
)

// IsUnavailable reports publish errors raised before the broker was reached:
// an open or saturated circuit breaker, or a client that is already closed.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrClientClosed)
}
