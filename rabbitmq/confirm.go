package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultConfirmTimeout bounds the wait for a broker ack after a publish.
	DefaultConfirmTimeout = 5 * time.Second

	confirmChannelBuffer = 256
)

// Channel is the subset of *amqp.Channel the client uses.
type Channel interface {
	AMQPChannel
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	ConsumeWithContext(
		ctx context.Context,
		queue, consumer string,
		autoAck, exclusive, noLocal, noWait bool,
		args amqp.Table,
	) (<-chan amqp.Delivery, error)
	IsClosed() bool
	Close() error
}

// ChannelSource hands out dedicated channels. *Connection implements it.
type ChannelSource interface {
	OpenChannel(ctx context.Context) (Channel, error)
}

var _ ChannelSource = (*Connection)(nil)

// confirmChannel is a channel in confirm mode. One publish is in flight at
// a time so confirmations arrive in publish order.
type confirmChannel struct {
	ch       Channel
	confirms chan amqp.Confirmation
	closes   chan *amqp.Error
}

func newConfirmChannel(ch Channel) (*confirmChannel, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	return &confirmChannel{
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer)),
		closes:   ch.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

func (cc *confirmChannel) publish(
	ctx context.Context,
	exchange, routingKey string,
	msg amqp.Publishing,
	timeout time.Duration,
) error {
	if err := cc.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("%w: %w", ErrChannelClosed, err)
		}

		return fmt.Errorf("publish: %w", err)
	}

	return cc.waitForConfirm(ctx, timeout)
}

func (cc *confirmChannel) waitForConfirm(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case confirmed, ok := <-cc.confirms:
		if !ok {
			return ErrChannelClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil
	case amqpErr, ok := <-cc.closes:
		if ok && amqpErr != nil {
			return fmt.Errorf("%w: %s", ErrChannelClosed, amqpErr.Reason)
		}

		return ErrChannelClosed
	case <-timer.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return fmt.Errorf("waiting for confirm: %w", ctx.Err())
	}
}

func (cc *confirmChannel) close() {
	if cc == nil || cc.ch == nil {
		return
	}

	_ = cc.ch.Close()
}

// confirmStreamBroken reports whether a confirmation may still be pending
// or the channel is gone. Either way the channel cannot be reused.
func confirmStreamBroken(err error) bool {
	return errors.Is(err, ErrConfirmTimeout) ||
		errors.Is(err, ErrChannelClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
