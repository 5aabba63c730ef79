package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	constant "github.com/LerianStudio/outbox-relay/constants"
	"github.com/LerianStudio/outbox-relay/envelope"
	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	libOpentelemetry "github.com/LerianStudio/outbox-relay/opentelemetry"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultPrefetch = 10
	DefaultWorkers  = 1
)

// BreakerConfig drives the circuit breaker guarding Publish.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval clears the closed-state counts; zero never clears them.
	Interval time.Duration
	// Timeout is how long the breaker stays open.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
}

// DefaultBreakerConfig trips after five consecutive publish failures and
// probes again after 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Client publishes confirmed messages to one exchange and runs consumers.
type Client struct {
	source         ChannelSource
	exchange       string
	confirmTimeout time.Duration
	prefetch       int
	workers        int
	breakerCfg     BreakerConfig
	topologyOpts   []TopologyOption
	logger         log.Logger
	tracer         trace.Tracer
	now            func() time.Time

	breaker *gobreaker.CircuitBreaker

	// publishMu serializes publish+confirm and guards the fields below.
	publishMu sync.Mutex
	publisher *confirmChannel
	closed    bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithExchange(name string) ClientOption {
	return func(c *Client) {
		if name != "" {
			c.exchange = name
		}
	}
}

func WithConfirmTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.confirmTimeout = timeout
		}
	}
}

// WithPrefetch sets the consumer QoS prefetch count.
func WithPrefetch(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.prefetch = n
		}
	}
}

// WithWorkers sets how many deliveries a consumer handles concurrently.
func WithWorkers(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.workers = n
		}
	}
}

func WithBreaker(cfg BreakerConfig) ClientOption {
	return func(c *Client) {
		c.breakerCfg = cfg
	}
}

// WithTopologyOptions applies opts to every topology declared by Consume.
func WithTopologyOptions(opts ...TopologyOption) ClientOption {
	return func(c *Client) {
		c.topologyOpts = append(c.topologyOpts, opts...)
	}
}

func WithLogger(logger log.Logger) ClientOption {
	return func(c *Client) {
		if !nilcheck.Interface(logger) {
			c.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) ClientOption {
	return func(c *Client) {
		if !nilcheck.Interface(tracer) {
			c.tracer = tracer
		}
	}
}

// NewClient builds a client over source. No channel is opened until the
// first Publish or Consume.
func NewClient(source ChannelSource, opts ...ClientOption) (*Client, error) {
	if nilcheck.Interface(source) {
		return nil, ErrChannelSourceRequired
	}

	c := &Client{
		source:         source,
		exchange:       constant.TransactionEventsExchange,
		confirmTimeout: DefaultConfirmTimeout,
		prefetch:       DefaultPrefetch,
		workers:        DefaultWorkers,
		breakerCfg:     DefaultBreakerConfig(),
		logger:         log.NewNop(),
		tracer:         noop.NewTracerProvider().Tracer("relay.noop"),
		now:            time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	c.breaker = gobreaker.NewCircuitBreaker(c.breakerSettings())

	return c, nil
}

func (c *Client) breakerSettings() gobreaker.Settings {
	cfg := c.breakerCfg
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultBreakerConfig().ConsecutiveFailures
	}

	return gobreaker.Settings{
		Name:        "rabbitmq-publish-" + c.exchange,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			level := log.LevelInfo
			if to == gobreaker.StateOpen {
				level = log.LevelWarn
			}

			c.logger.Log(context.Background(), level, "circuit breaker state changed",
				log.String("breaker", name),
				log.String("from", from.String()),
				log.String("to", to.String()),
			)
		},
	}
}

// Exchange returns the exchange Publish sends to.
func (c *Client) Exchange() string {
	if c == nil {
		return ""
	}

	return c.exchange
}

// BreakerState reports the publish circuit breaker state.
func (c *Client) BreakerState() gobreaker.State {
	if c == nil || c.breaker == nil {
		return gobreaker.StateOpen
	}

	return c.breaker.State()
}

// Publish sends body as a persistent JSON message with routingKey and
// returns once the broker confirms it. Consumption is not awaited. The
// message id is the envelope eventId when body carries one.
func (c *Client) Publish(ctx context.Context, routingKey string, body []byte) error {
	if c == nil {
		return ErrNilClient
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if routingKey == "" {
		return ErrRoutingKeyRequired
	}

	ctx, span := c.tracer.Start(ctx, "rabbitmq.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	messageID := messageIDFromBody(body)

	span.SetAttributes(
		attribute.String(constant.AttrMessagingSys, "rabbitmq"),
		attribute.String(constant.AttrDestination, c.exchange),
		attribute.String(constant.AttrRoutingKey, routingKey),
		attribute.String(constant.AttrEventID, messageID),
	)

	msg := amqp.Publishing{
		Headers:      amqp.Table(libOpentelemetry.PrepareQueueHeaders(ctx, map[string]any{constant.AMQPHeaderEventType: routingKey})),
		ContentType:  constant.ContentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    c.now().UTC(),
		Body:         body,
	}

	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.publishConfirmed(ctx, routingKey, msg)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %w", ErrCircuitOpen, err)
		}

		libOpentelemetry.HandleSpanError(span, "Failed to publish message", err)

		return err
	}

	return nil
}

func (c *Client) publishConfirmed(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	if c.closed {
		return ErrClientClosed
	}

	publisher, err := c.publisherLocked(ctx)
	if err != nil {
		return err
	}

	err = publisher.publish(ctx, c.exchange, routingKey, msg, c.confirmTimeout)
	if err != nil && confirmStreamBroken(err) {
		c.logger.Log(ctx, log.LevelWarn, "discarding publish channel", log.Err(err))
		publisher.close()
		c.publisher = nil
	}

	return err
}

// publisherLocked returns the confirm channel, opening it and declaring the
// exchange on first use or after the previous channel broke.
func (c *Client) publisherLocked(ctx context.Context) (*confirmChannel, error) {
	if c.publisher != nil && !c.publisher.ch.IsClosed() {
		return c.publisher, nil
	}

	ch, err := c.source.OpenChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("open publish channel: %w", err)
	}

	if err := DeclareExchange(ch, c.exchange); err != nil {
		_ = ch.Close()

		return nil, err
	}

	publisher, err := newConfirmChannel(ch)
	if err != nil {
		_ = ch.Close()

		return nil, err
	}

	c.publisher = publisher

	return publisher, nil
}

// Close releases the publish channel. Consumers stop through their context.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	c.closed = true

	if c.publisher != nil {
		c.publisher.close()
		c.publisher = nil
	}

	return nil
}

func messageIDFromBody(body []byte) string {
	if env, err := envelope.Decode(body); err == nil {
		if id, err := uuid.Parse(env.EventID); err == nil {
			return id.String()
		}
	}

	return uuid.NewString()
}
