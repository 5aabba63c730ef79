//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type declaredQueue struct {
	name string
	args amqp.Table
}

type binding struct {
	queue, key, exchange string
}

// fakeChannel records topology calls and confirms every publish
// synchronously unless told otherwise.
type fakeChannel struct {
	mu sync.Mutex

	exchanges []string
	queues    []declaredQueue
	bindings  []binding
	published []amqp.Publishing
	keys      []string

	confirms chan amqp.Confirmation
	closes   chan *amqp.Error
	tag      uint64

	nack          bool
	noConfirm     bool
	publishErr    error
	confirmErr    error
	exchangeErr   error
	qos           int
	closed        bool
	deliveries    chan amqp.Delivery
	consumeErr    error
	consumedQueue string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 16)}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.exchangeErr != nil {
		return f.exchangeErr
	}

	f.exchanges = append(f.exchanges, name+":"+kind)

	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queues = append(f.queues, declaredQueue{name: name, args: args})

	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.bindings = append(f.bindings, binding{queue: name, key: key, exchange: exchange})

	return nil
}

func (f *fakeChannel) Confirm(bool) error { return f.confirmErr }

func (f *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.confirms = c

	return c
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closes = c

	return c
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return f.publishErr
	}

	f.published = append(f.published, msg)
	f.keys = append(f.keys, key)
	f.tag++

	if !f.noConfirm && f.confirms != nil {
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: !f.nack}
	}

	return nil
}

func (f *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.qos = prefetchCount

	return nil
}

func (f *fakeChannel) ConsumeWithContext(
	_ context.Context,
	queue, _ string,
	_, _, _, _ bool,
	_ amqp.Table,
) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.consumeErr != nil {
		return nil, f.consumeErr
	}

	f.consumedQueue = queue

	return f.deliveries, nil
}

func (f *fakeChannel) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	return nil
}

func (f *fakeChannel) publishedMessages() []amqp.Publishing {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]amqp.Publishing(nil), f.published...)
}

// fakeSource hands out the queued channels in order, then fresh ones.
type fakeSource struct {
	mu       sync.Mutex
	channels []*fakeChannel
	opened   []*fakeChannel
	attempts int
	err      error
}

func (s *fakeSource) OpenChannel(context.Context) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++

	if s.err != nil {
		return nil, s.err
	}

	var ch *fakeChannel

	if len(s.channels) > 0 {
		ch, s.channels = s.channels[0], s.channels[1:]
	} else {
		ch = newFakeChannel()
	}

	s.opened = append(s.opened, ch)

	return ch, nil
}

func (s *fakeSource) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.attempts
}

func (s *fakeSource) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.opened)
}

type settlement struct {
	tag     uint64
	ack     bool
	requeue bool
}

// fakeAcknowledger records how each delivery was settled.
type fakeAcknowledger struct {
	mu      sync.Mutex
	settled []settlement
	done    chan settlement
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{done: make(chan settlement, 16)}
}

func (a *fakeAcknowledger) record(s settlement) {
	a.mu.Lock()
	a.settled = append(a.settled, s)
	a.mu.Unlock()

	a.done <- s
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.record(settlement{tag: tag, ack: true})

	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _, requeue bool) error {
	a.record(settlement{tag: tag, requeue: requeue})

	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.record(settlement{tag: tag, requeue: requeue})

	return nil
}

var errBoom = errors.New("boom")
