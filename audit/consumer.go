package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	relay "github.com/LerianStudio/outbox-relay"
	"github.com/LerianStudio/outbox-relay/backoff"
	constant "github.com/LerianStudio/outbox-relay/constants"
	"github.com/LerianStudio/outbox-relay/envelope"
	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	libOpentelemetry "github.com/LerianStudio/outbox-relay/opentelemetry"
	"github.com/LerianStudio/outbox-relay/rabbitmq"
	"github.com/LerianStudio/outbox-relay/validator"
)

const (
	meterName = "relay.audit.consumer"

	defaultResubscribeBase = 500 * time.Millisecond
	defaultResubscribeCap  = 30 * time.Second
)

// Subscriber delivers messages from a queue to a handler until ctx is done.
type Subscriber interface {
	Consume(ctx context.Context, spec rabbitmq.ConsumeSpec, handler rabbitmq.Handler) error
}

// Ingester stores an envelope once per eventId.
type Ingester interface {
	Ingest(ctx context.Context, env envelope.Envelope, origin Origin) (IngestResult, error)
}

var (
	_ Subscriber = (*rabbitmq.Client)(nil)
	_ Ingester   = (*Service)(nil)
	_ relay.App  = (*Consumer)(nil)
)

// Consumer subscribes the audit queue and ingests every valid event.
//
// Invalid envelopes and persistence failures are returned to the
// subscriber, which dead-letters the message. A subscription that drops is
// re-established with capped exponential backoff until Stop is called.
type Consumer struct {
	ingester   Ingester
	subscriber Subscriber
	spec       rabbitmq.ConsumeSpec
	logger     log.Logger
	tracer     trace.Tracer
	clock      clockwork.Clock
	meter      metric.MeterProvider

	resubscribeBase time.Duration
	resubscribeCap  time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc

	metrics consumerMetrics
}

type ConsumerOption func(*Consumer)

func WithLogger(logger log.Logger) ConsumerOption {
	return func(c *Consumer) {
		if !nilcheck.Interface(logger) {
			c.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) ConsumerOption {
	return func(c *Consumer) {
		if !nilcheck.Interface(tracer) {
			c.tracer = tracer
		}
	}
}

func WithClock(clock clockwork.Clock) ConsumerOption {
	return func(c *Consumer) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func WithMeterProvider(provider metric.MeterProvider) ConsumerOption {
	return func(c *Consumer) {
		if !nilcheck.Interface(provider) {
			c.meter = provider
		}
	}
}

// WithQueue overrides the queue and routing keys. Blank values keep the defaults.
func WithQueue(queue string, routingKeys ...string) ConsumerOption {
	return func(c *Consumer) {
		if strings.TrimSpace(queue) != "" {
			c.spec.Queue = queue
		}

		if len(routingKeys) > 0 {
			c.spec.RoutingKeys = routingKeys
		}
	}
}

// WithExchange sets the exchange the queue binds to. Empty uses the subscriber default.
func WithExchange(exchange string) ConsumerOption {
	return func(c *Consumer) {
		c.spec.Exchange = exchange
	}
}

// WithResubscribeBackoff sets the delay bounds between subscription attempts.
func WithResubscribeBackoff(base, ceiling time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if base > 0 {
			c.resubscribeBase = base
		}

		if ceiling >= base && ceiling > 0 {
			c.resubscribeCap = ceiling
		}
	}
}

func NewConsumer(ingester Ingester, subscriber Subscriber, opts ...ConsumerOption) (*Consumer, error) {
	if nilcheck.Interface(ingester) {
		return nil, ErrServiceRequired
	}

	if nilcheck.Interface(subscriber) {
		return nil, ErrSubscriberRequired
	}

	c := &Consumer{
		ingester:   ingester,
		subscriber: subscriber,
		spec: rabbitmq.ConsumeSpec{
			Queue:       constant.AuditQueue,
			RoutingKeys: routingKeys(),
		},
		logger:          log.NewNop(),
		tracer:          noop.NewTracerProvider().Tracer("relay.noop"),
		clock:           clockwork.NewRealClock(),
		resubscribeBase: defaultResubscribeBase,
		resubscribeCap:  defaultResubscribeCap,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	m, err := newConsumerMetrics(c.meter)
	if err != nil {
		return nil, fmt.Errorf("init audit metrics: %w", err)
	}

	c.metrics = m

	return c, nil
}

// Spec returns the queue binding the consumer subscribes with.
func (c *Consumer) Spec() rabbitmq.ConsumeSpec {
	return c.spec
}

// Handle validates one message and ingests it. A nil return means the
// event is recorded, either now or by an earlier delivery.
func (c *Consumer) Handle(ctx context.Context, msg rabbitmq.Message) error {
	ctx, span := c.tracer.Start(ctx, "audit.consumer.handle")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrRoutingKey, msg.RoutingKey))

	if err := validator.Validate(msg.Body); err != nil {
		c.metrics.rejected.Add(ctx, 1)
		libOpentelemetry.HandleSpanError(span, "Invalid event envelope", err)
		c.logger.Log(ctx, log.LevelWarn, "rejecting invalid event envelope",
			log.String("message_id", msg.MessageID),
			log.String("routing_key", msg.RoutingKey),
			log.Err(err),
		)

		return err
	}

	env, err := envelope.Decode(msg.Body)
	if err != nil {
		c.metrics.rejected.Add(ctx, 1)
		libOpentelemetry.HandleSpanError(span, "Failed to decode event envelope", err)

		return err
	}

	span.SetAttributes(
		attribute.String(constant.AttrEventID, env.EventID),
		attribute.String(constant.AttrEventType, env.EventType.String()),
	)

	ctx = relay.ContextWithLogger(ctx, c.logger.With(log.String("event_id", env.EventID)))

	result, err := c.ingester.Ingest(ctx, env, originFromHeaders(msg.Headers))
	if err != nil {
		if errors.Is(err, ErrUnknownAction) || errors.Is(err, ErrInvalidRecord) {
			c.metrics.rejected.Add(ctx, 1)
		} else {
			c.metrics.failed.Add(ctx, 1)
		}

		libOpentelemetry.HandleSpanError(span, "Failed to ingest audit event", err)
		c.logger.Log(ctx, log.LevelError, "failed to ingest audit event",
			log.String("event_id", env.EventID),
			log.String("event_type", env.EventType.String()),
			log.Err(err),
		)

		return err
	}

	if result.Duplicate {
		c.metrics.duplicate.Add(ctx, 1)

		return nil
	}

	c.metrics.created.Add(ctx, 1, metric.WithAttributes(attribute.String("action", string(result.Record.Action))))
	c.logger.Log(ctx, log.LevelInfo, "audit record created",
		log.String("event_id", env.EventID),
		log.String("audit_id", result.Record.ID.String()),
		log.String("action", string(result.Record.Action)),
	)

	return nil
}

// Run subscribes until Stop is called.
func (c *Consumer) Run(launcher *relay.Launcher) error {
	return c.RunContext(context.Background(), launcher)
}

// RunContext subscribes until ctx is cancelled or Stop is called. Dropped
// subscriptions are retried with backoff; the attempt counter resets when
// a subscription ends without an error.
func (c *Consumer) RunContext(ctx context.Context, launcher *relay.Launcher) error {
	if c == nil || c.ingester == nil || c.subscriber == nil {
		return ErrSubscriberRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !c.register(cancel) {
		return ErrConsumerRunning
	}

	defer c.clear()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(ctx, log.LevelInfo, "audit consumer started",
			log.String("queue", c.spec.Queue),
			log.Any("routing_keys", c.spec.RoutingKeys),
		)
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "audit consumer stopped")
	}

	attempt := 0

	for {
		err := c.subscriber.Consume(ctx, c.spec, c.Handle)
		if ctx.Err() != nil {
			return nil
		}

		if err == nil {
			attempt = 0
		}

		delay := backoff.Capped(c.resubscribeBase, c.resubscribeCap, attempt)
		attempt++

		c.logger.Log(ctx, log.LevelWarn, "audit subscription dropped, resubscribing",
			log.String("queue", c.spec.Queue),
			log.Int("attempt", attempt),
			log.Duration("delay", delay),
			log.Err(err),
		)

		if err := backoff.Sleep(ctx, c.clock, delay); err != nil {
			return nil
		}
	}
}

// Stop ends a running RunContext. In-flight deliveries are settled by the
// subscriber before it returns.
func (c *Consumer) Stop() {
	if c == nil {
		return
	}

	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Running reports whether RunContext is active.
func (c *Consumer) Running() bool {
	if c == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.running
}

func (c *Consumer) register(cancel context.CancelFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return false
	}

	c.running = true
	c.cancel = cancel

	return true
}

func (c *Consumer) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.running = false
	c.cancel = nil
}

func routingKeys() []string {
	types := envelope.EventTypes()
	keys := make([]string, 0, len(types))

	for _, t := range types {
		keys = append(keys, t.String())
	}

	return keys
}

func originFromHeaders(headers map[string]any) Origin {
	return Origin{
		IPAddress: headerString(headers, constant.AMQPHeaderClientIP),
		UserAgent: headerString(headers, constant.AMQPHeaderUserAgent),
	}
}

func headerString(headers map[string]any, key string) string {
	switch v := headers[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case []byte:
		return strings.TrimSpace(string(v))
	default:
		return ""
	}
}

type consumerMetrics struct {
	created   metric.Int64Counter
	duplicate metric.Int64Counter
	rejected  metric.Int64Counter
	failed    metric.Int64Counter
}

func newConsumerMetrics(provider metric.MeterProvider) (consumerMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(meterName)

	var (
		m   consumerMetrics
		err error
	)

	if m.created, err = meter.Int64Counter(
		"audit.records.created",
		metric.WithDescription("Audit records inserted"),
		metric.WithUnit("{record}"),
	); err != nil {
		return consumerMetrics{}, fmt.Errorf("create audit.records.created counter: %w", err)
	}

	if m.duplicate, err = meter.Int64Counter(
		"audit.events.duplicate",
		metric.WithDescription("Events already recorded by an earlier delivery"),
		metric.WithUnit("{event}"),
	); err != nil {
		return consumerMetrics{}, fmt.Errorf("create audit.events.duplicate counter: %w", err)
	}

	if m.rejected, err = meter.Int64Counter(
		"audit.events.rejected",
		metric.WithDescription("Events dead-lettered as invalid input"),
		metric.WithUnit("{event}"),
	); err != nil {
		return consumerMetrics{}, fmt.Errorf("create audit.events.rejected counter: %w", err)
	}

	if m.failed, err = meter.Int64Counter(
		"audit.events.failed",
		metric.WithDescription("Events dead-lettered after a persistence failure"),
		metric.WithUnit("{event}"),
	); err != nil {
		return consumerMetrics{}, fmt.Errorf("create audit.events.failed counter: %w", err)
	}

	return m, nil
}
