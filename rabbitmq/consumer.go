package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	constant "github.com/LerianStudio/outbox-relay/constants"
	"github.com/LerianStudio/outbox-relay/log"
	libOpentelemetry "github.com/LerianStudio/outbox-relay/opentelemetry"
	"github.com/LerianStudio/outbox-relay/runtime"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Message is a delivery as seen by a Handler.
type Message struct {
	Body        []byte
	RoutingKey  string
	Exchange    string
	MessageID   string
	Redelivered bool
	Headers     map[string]any
}

// Handler processes one message. A nil return acks the delivery; an error
// or a panic dead-letters it without requeue.
type Handler func(ctx context.Context, msg Message) error

// Consume declares the topology for spec and dispatches deliveries to
// handler on the configured number of workers. It returns nil once ctx is
// cancelled and in-flight deliveries are settled, or ErrDeliveriesClosed
// when the broker closes the delivery stream.
func (c *Client) Consume(ctx context.Context, spec ConsumeSpec, handler Handler) error {
	if c == nil {
		return ErrNilClient
	}

	if handler == nil {
		return ErrHandlerRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if spec.Exchange == "" {
		spec.Exchange = c.exchange
	}

	topology, err := NewTopology(spec, c.topologyOpts...)
	if err != nil {
		return err
	}

	ch, err := c.source.OpenChannel(ctx)
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	defer ch.Close()

	if err := DeclareTopology(ch, topology); err != nil {
		return err
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	consumerTag := topology.Queue + "-" + uuid.NewString()[:8]

	deliveries, err := ch.ConsumeWithContext(ctx, topology.Queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", topology.Queue, err)
	}

	c.logger.Log(ctx, log.LevelInfo, "consumer started",
		log.String("queue", topology.Queue),
		log.String("consumer_tag", consumerTag),
		log.Int("workers", c.workers),
		log.Int("prefetch", c.prefetch),
	)

	var (
		wg       sync.WaitGroup
		closedMu sync.Mutex
		closed   bool
	)

	for i := range c.workers {
		wg.Add(1)

		runtime.SafeGoWithContextAndComponent(ctx, c.logger, "rabbitmq", fmt.Sprintf("consumer-worker-%d", i), runtime.KeepRunning,
			func(ctx context.Context) {
				defer wg.Done()

				if !c.work(ctx, deliveries, handler) {
					closedMu.Lock()
					closed = true
					closedMu.Unlock()
				}
			})
	}

	wg.Wait()

	c.logger.Log(context.Background(), log.LevelInfo, "consumer stopped", log.String("queue", topology.Queue))

	if ctx.Err() != nil {
		return nil
	}

	closedMu.Lock()
	defer closedMu.Unlock()

	if closed {
		return ErrDeliveriesClosed
	}

	return nil
}

// work drains deliveries until ctx is done (true) or the stream closes (false).
func (c *Client) work(ctx context.Context, deliveries <-chan amqp.Delivery, handler Handler) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case d, ok := <-deliveries:
			if !ok {
				return ctx.Err() != nil
			}

			c.handleDelivery(context.WithoutCancel(ctx), d, handler)
		}
	}
}

func (c *Client) handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler) {
	ctx = libOpentelemetry.ExtractTraceContextFromQueueHeaders(ctx, map[string]any(d.Headers))

	ctx, span := c.tracer.Start(ctx, "rabbitmq.consume", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	span.SetAttributes(
		attribute.String(constant.AttrMessagingSys, "rabbitmq"),
		attribute.String(constant.AttrDestination, d.Exchange),
		attribute.String(constant.AttrRoutingKey, d.RoutingKey),
		attribute.String(constant.AttrEventID, d.MessageId),
	)

	logger := c.logger.With(
		log.String("message_id", d.MessageId),
		log.String("routing_key", d.RoutingKey),
	)

	if !json.Valid(d.Body) {
		libOpentelemetry.HandleSpanError(span, "Rejected message", ErrBodyNotJSON)
		logger.Log(ctx, log.LevelWarn, "rejecting message with non-JSON body")
		c.nack(ctx, logger, d)

		return
	}

	msg := Message{
		Body:        d.Body,
		RoutingKey:  d.RoutingKey,
		Exchange:    d.Exchange,
		MessageID:   d.MessageId,
		Redelivered: d.Redelivered,
		Headers:     map[string]any(d.Headers),
	}

	if err := invoke(ctx, handler, msg); err != nil {
		libOpentelemetry.HandleSpanError(span, "Handler failed", err)
		logger.Log(ctx, log.LevelError, "message handler failed, dead-lettering", log.Err(err))
		c.nack(ctx, logger, d)

		return
	}

	if err := d.Ack(false); err != nil {
		logger.Log(ctx, log.LevelError, "failed to ack message", log.Err(err))
	}
}

func (c *Client) nack(ctx context.Context, logger log.Logger, d amqp.Delivery) {
	if err := d.Nack(false, false); err != nil {
		logger.Log(ctx, log.LevelError, "failed to nack message", log.Err(err))
	}
}

// invoke turns a handler panic into an error wrapping runtime.ErrPanic.
func invoke(ctx context.Context, handler Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			runtime.RecordPanicToSpan(ctx, r, nil, "rabbitmq", "message-handler")
			err = fmt.Errorf("%w: %v", runtime.ErrPanic, r)
		}
	}()

	return handler(ctx, msg)
}
