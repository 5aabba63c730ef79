//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	constant "github.com/LerianStudio/outbox-relay/constants"
	"github.com/LerianStudio/outbox-relay/envelope"
)

func envelopeBody(t *testing.T, eventID uuid.UUID) []byte {
	t.Helper()

	payload, err := envelope.MarshalPayload(envelope.TransactionDeletedPayload{
		TransactionID: uuid.NewString(),
		UserID:        uuid.NewString(),
		DeletedAt:     envelope.Timestamp(time.Now()),
	})
	require.NoError(t, err)

	env, err := envelope.New(context.Background(), eventID, uuid.New(), envelope.TransactionDeleted, time.Now(), payload)
	require.NoError(t, err)

	body, err := env.Marshal()
	require.NoError(t, err)

	return body
}

func TestNewClient(t *testing.T) {
	t.Parallel()

	_, err := NewClient(nil)
	require.ErrorIs(t, err, ErrChannelSourceRequired)

	var typedNil *Connection

	_, err = NewClient(typedNil)
	require.ErrorIs(t, err, ErrChannelSourceRequired)

	client, err := NewClient(&fakeSource{})
	require.NoError(t, err)
	assert.Equal(t, constant.TransactionEventsExchange, client.Exchange())
	assert.Equal(t, gobreaker.StateClosed, client.BreakerState())
}

func TestClient_Publish(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	source := &fakeSource{channels: []*fakeChannel{ch}}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	client, err := NewClient(source)
	require.NoError(t, err)

	client.now = func() time.Time { return fixed }

	eventID := uuid.New()
	body := envelopeBody(t, eventID)

	require.NoError(t, client.Publish(context.Background(), "TRANSACTION_DELETED", body))
	require.NoError(t, client.Publish(context.Background(), "TRANSACTION_DELETED", body))

	assert.Equal(t, 1, source.openCount(), "the confirm channel is reused")
	assert.Equal(t, []string{"transaction.events:topic"}, ch.exchanges)

	msgs := ch.publishedMessages()
	require.Len(t, msgs, 2)

	msg := msgs[0]
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, eventID.String(), msg.MessageId)
	assert.Equal(t, fixed, msg.Timestamp)
	assert.Equal(t, body, msg.Body)
	assert.Equal(t, "TRANSACTION_DELETED", msg.Headers[constant.AMQPHeaderEventType])
	assert.Equal(t, []string{"TRANSACTION_DELETED", "TRANSACTION_DELETED"}, ch.keys)
}

func TestClient_PublishGeneratesMessageIDForForeignBodies(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()

	client, err := NewClient(&fakeSource{channels: []*fakeChannel{ch}})
	require.NoError(t, err)

	require.NoError(t, client.Publish(context.Background(), "k", []byte(`{"hello":"world"}`)))

	msgs := ch.publishedMessages()
	require.Len(t, msgs, 1)

	_, err = uuid.Parse(msgs[0].MessageId)
	assert.NoError(t, err)
}

func TestClient_PublishValidation(t *testing.T) {
	t.Parallel()

	var nilClient *Client

	require.ErrorIs(t, nilClient.Publish(context.Background(), "k", nil), ErrNilClient)

	client, err := NewClient(&fakeSource{})
	require.NoError(t, err)
	require.ErrorIs(t, client.Publish(context.Background(), "", []byte(`{}`)), ErrRoutingKeyRequired)

	require.NoError(t, client.Close())
	require.ErrorIs(t, client.Publish(context.Background(), "k", []byte(`{}`)), ErrClientClosed)
}

func TestClient_PublishNacked(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	ch.nack = true

	source := &fakeSource{channels: []*fakeChannel{ch}}

	client, err := NewClient(source)
	require.NoError(t, err)

	err = client.Publish(context.Background(), "k", []byte(`{}`))
	require.ErrorIs(t, err, ErrPublishNacked)

	ch.mu.Lock()
	ch.nack = false
	ch.mu.Unlock()

	require.NoError(t, client.Publish(context.Background(), "k", []byte(`{}`)))
	assert.Equal(t, 1, source.openCount(), "a nack leaves the confirm stream in sync")
}

func TestClient_PublishConfirmTimeoutDiscardsChannel(t *testing.T) {
	t.Parallel()

	stuck := newFakeChannel()
	stuck.noConfirm = true

	source := &fakeSource{channels: []*fakeChannel{stuck}}

	client, err := NewClient(source, WithConfirmTimeout(20*time.Millisecond))
	require.NoError(t, err)

	err = client.Publish(context.Background(), "k", []byte(`{}`))
	require.ErrorIs(t, err, ErrConfirmTimeout)
	assert.True(t, stuck.IsClosed())

	require.NoError(t, client.Publish(context.Background(), "k", []byte(`{}`)))
	assert.Equal(t, 2, source.openCount())
}

func TestClient_PublishChannelClosedByBroker(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()

	client, err := NewClient(&fakeSource{channels: []*fakeChannel{ch}}, WithConfirmTimeout(time.Minute))
	require.NoError(t, err)

	// Open the confirm channel, then have the broker close it mid-wait.
	require.NoError(t, client.Publish(context.Background(), "k", []byte(`{}`)))

	ch.mu.Lock()
	ch.noConfirm = true
	ch.closes <- &amqp.Error{Code: amqp.ChannelError, Reason: "PRECONDITION_FAILED"}
	ch.mu.Unlock()

	err = client.Publish(context.Background(), "k", []byte(`{}`))
	require.ErrorIs(t, err, ErrChannelClosed)
	assert.ErrorContains(t, err, "PRECONDITION_FAILED")
}

func TestClient_PublishOpenFailure(t *testing.T) {
	t.Parallel()

	client, err := NewClient(&fakeSource{err: ErrNotConnected})
	require.NoError(t, err)

	err = client.Publish(context.Background(), "k", []byte(`{}`))
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_PublishConfirmModeUnavailable(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	ch.confirmErr = errors.New("not supported")

	client, err := NewClient(&fakeSource{channels: []*fakeChannel{ch}})
	require.NoError(t, err)

	err = client.Publish(context.Background(), "k", []byte(`{}`))
	require.ErrorIs(t, err, ErrConfirmModeUnavailable)
	assert.True(t, ch.IsClosed())
}

func TestClient_CircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	source := &fakeSource{err: errBoom}

	client, err := NewClient(source, WithBreaker(BreakerConfig{
		MaxRequests:         1,
		Timeout:             time.Hour,
		ConsecutiveFailures: 2,
	}))
	require.NoError(t, err)

	for range 2 {
		require.ErrorIs(t, client.Publish(context.Background(), "k", []byte(`{}`)), errBoom)
	}

	assert.Equal(t, gobreaker.StateOpen, client.BreakerState())

	err = client.Publish(context.Background(), "k", []byte(`{}`))
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, source.attemptCount(), "an open breaker short-circuits before touching the broker")
}

func TestIsUnavailable(t *testing.T) {
	t.Parallel()

	source := &fakeSource{err: errBoom}

	client, err := NewClient(source, WithBreaker(BreakerConfig{MaxRequests: 1, Timeout: time.Hour, ConsecutiveFailures: 1}))
	require.NoError(t, err)

	reached := client.Publish(context.Background(), "k", []byte(`{}`))
	assert.False(t, IsUnavailable(reached), "a failure that reached the broker counts as an attempt")

	open := client.Publish(context.Background(), "k", []byte(`{}`))
	assert.True(t, IsUnavailable(open))

	assert.True(t, IsUnavailable(fmt.Errorf("publish: %w", ErrClientClosed)))
	assert.False(t, IsUnavailable(nil))
}

func TestClient_CallerCancellationDoesNotTripBreaker(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	ch.noConfirm = true

	client, err := NewClient(&fakeSource{channels: []*fakeChannel{ch}}, WithBreaker(BreakerConfig{ConsecutiveFailures: 1, Timeout: time.Hour}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = client.Publish(ctx, "k", []byte(`{}`))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, gobreaker.StateClosed, client.BreakerState())
}

func TestMessageIDFromBody(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	assert.Equal(t, id.String(), messageIDFromBody(envelopeBody(t, id)))

	generated := messageIDFromBody([]byte(`{"eventId":"not-a-uuid"}`))
	assert.NotEqual(t, "not-a-uuid", generated)

	_, err := uuid.Parse(generated)
	assert.NoError(t, err)
}
