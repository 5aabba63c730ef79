package rabbitmq

import (
	"fmt"
	"strings"
	"time"

	constant "github.com/LerianStudio/outbox-relay/constants"
	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	exchangeKindTopic = "topic"

	defaultMessageTTL = time.Duration(constant.MessageTTLMillis) * time.Millisecond
)

// AMQPChannel is the subset of *amqp.Channel needed to declare topology.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// ConsumeSpec names what a consumer listens to.
type ConsumeSpec struct {
	Exchange    string
	Queue       string
	RoutingKeys []string
}

// Topology is the full set of durable objects behind one consumer queue.
type Topology struct {
	Exchange           string
	Queue              string
	RoutingKeys        []string
	DeadLetterExchange string
	DeadLetterQueue    string
	MessageTTL         time.Duration
	DeadLetterTTL      time.Duration
	DeadLetterMaxLen   int64
}

// TopologyOption tweaks the derived topology.
type TopologyOption func(*Topology)

// WithDeadLetterExchange overrides the "<exchange>.dlx" default.
func WithDeadLetterExchange(name string) TopologyOption {
	return func(t *Topology) {
		if name != "" {
			t.DeadLetterExchange = name
		}
	}
}

// WithDeadLetterQueue overrides the "<queue>.dlq" default.
func WithDeadLetterQueue(name string) TopologyOption {
	return func(t *Topology) {
		if name != "" {
			t.DeadLetterQueue = name
		}
	}
}

// WithMessageTTL sets x-message-ttl on the main queue.
func WithMessageTTL(ttl time.Duration) TopologyOption {
	return func(t *Topology) {
		if ttl > 0 {
			t.MessageTTL = ttl
		}
	}
}

// WithDeadLetterTTL sets x-message-ttl on the dead-letter queue.
func WithDeadLetterTTL(ttl time.Duration) TopologyOption {
	return func(t *Topology) {
		if ttl > 0 {
			t.DeadLetterTTL = ttl
		}
	}
}

// WithDeadLetterMaxLength sets x-max-length on the dead-letter queue.
func WithDeadLetterMaxLength(maxLength int64) TopologyOption {
	return func(t *Topology) {
		if maxLength > 0 {
			t.DeadLetterMaxLen = maxLength
		}
	}
}

// NewTopology derives the dead-letter names from spec and applies opts.
func NewTopology(spec ConsumeSpec, opts ...TopologyOption) (Topology, error) {
	exchange := strings.TrimSpace(spec.Exchange)
	if exchange == "" {
		return Topology{}, ErrExchangeRequired
	}

	queue := strings.TrimSpace(spec.Queue)
	if queue == "" {
		return Topology{}, ErrQueueRequired
	}

	keys := make([]string, 0, len(spec.RoutingKeys))

	for _, key := range spec.RoutingKeys {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}

	if len(keys) == 0 {
		return Topology{}, ErrRoutingKeyRequired
	}

	t := Topology{
		Exchange:           exchange,
		Queue:              queue,
		RoutingKeys:        keys,
		DeadLetterExchange: exchange + constant.DeadLetterExchangeSuffix,
		DeadLetterQueue:    queue + constant.DeadLetterQueueSuffix,
		MessageTTL:         defaultMessageTTL,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&t)
		}
	}

	return t, nil
}

// DeclareExchange declares a durable topic exchange.
func DeclareExchange(ch AMQPChannel, name string) error {
	if nilcheck.Interface(ch) {
		return fmt.Errorf("declare exchange: %w", ErrChannelRequired)
	}

	if name == "" {
		return ErrExchangeRequired
	}

	if err := ch.ExchangeDeclare(name, exchangeKindTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}

	return nil
}

// DeclareTopology declares, in order: the topic exchange, the dead-letter
// exchange and queue bound with "#", the main queue routed to the
// dead-letter exchange, and one binding per routing key. Every step is
// idempotent on the broker.
func DeclareTopology(ch AMQPChannel, t Topology) error {
	if nilcheck.Interface(ch) {
		return fmt.Errorf("declare topology: %w", ErrChannelRequired)
	}

	if err := DeclareExchange(ch, t.Exchange); err != nil {
		return err
	}

	if err := ch.ExchangeDeclare(t.DeadLetterExchange, exchangeKindTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange %s: %w", t.DeadLetterExchange, err)
	}

	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, t.deadLetterQueueArgs()); err != nil {
		return fmt.Errorf("declare dlq %s: %w", t.DeadLetterQueue, err)
	}

	if err := ch.QueueBind(t.DeadLetterQueue, constant.DeadLetterRoutingKey, t.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind dlq to dlx: %w", err)
	}

	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, t.QueueArgs()); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue, err)
	}

	for _, key := range t.RoutingKeys {
		if err := ch.QueueBind(t.Queue, key, t.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", t.Queue, key, err)
		}
	}

	return nil
}

// QueueArgs returns the main queue arguments. A redeclare with different
// arguments fails with PRECONDITION_FAILED, so they must stay stable.
func (t Topology) QueueArgs() amqp.Table {
	args := amqp.Table{"x-dead-letter-exchange": t.DeadLetterExchange}

	if t.MessageTTL > 0 {
		args["x-message-ttl"] = ttlMillis(t.MessageTTL)
	}

	return args
}

func (t Topology) deadLetterQueueArgs() amqp.Table {
	args := amqp.Table{}

	if t.DeadLetterTTL > 0 {
		args["x-message-ttl"] = ttlMillis(t.DeadLetterTTL)
	}

	if t.DeadLetterMaxLen > 0 {
		args["x-max-length"] = t.DeadLetterMaxLen
	}

	if len(args) == 0 {
		return nil
	}

	return args
}

func ttlMillis(ttl time.Duration) int64 {
	return max(ttl.Milliseconds(), 1)
}
