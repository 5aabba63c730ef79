package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/outbox-relay/backoff"
	constant "github.com/LerianStudio/outbox-relay/constants"
	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	libOpentelemetry "github.com/LerianStudio/outbox-relay/opentelemetry"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultHealthCheckTimeout = 5 * time.Second
	reconnectBackoffBase      = 500 * time.Millisecond
	reconnectBackoffCap       = 30 * time.Second
	healthCheckPath           = "/api/health/checks/alarms"
)

// Connection owns one AMQP connection and a shared management channel.
// Publishers and consumers get dedicated channels from OpenChannel.
type Connection struct {
	URL            string `json:"-"`
	HealthCheckURL string
	User           string `json:"-"`
	Pass           string `json:"-"`
	Logger         log.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool

	dialer             func(context.Context, string) (*amqp.Connection, error)
	channelFactory     func(context.Context, *amqp.Connection) (*amqp.Channel, error)
	connectionCloser   func(*amqp.Connection) error
	channelCloser      func(*amqp.Channel) error
	connectionClosedFn func(*amqp.Connection) bool
	channelClosedFn    func(*amqp.Channel) bool
	healthHTTPClient   *http.Client

	lastReconnectAttempt time.Time
	reconnectAttempts    int
}

// NewConnection returns an unconnected Connection for rawURL.
func NewConnection(rawURL string, logger log.Logger) (*Connection, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, ErrURLRequired
	}

	return &Connection{URL: rawURL, Logger: logger}, nil
}

// Connect dials the broker and opens the management channel. A live
// connection is kept as is.
func (rc *Connection) Connect(ctx context.Context) error {
	if rc == nil {
		return ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq connect: %w", err)
	}

	ctx, span := otel.Tracer("rabbitmq").Start(ctx, "rabbitmq.connect")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrMessagingSys, "rabbitmq"))

	rc.mu.Lock()
	rc.applyDefaults()

	if rc.conn != nil && !rc.connectionClosedFn(rc.conn) && rc.channel != nil && !rc.channelClosedFn(rc.channel) {
		rc.mu.Unlock()

		return nil
	}

	connStr := rc.URL
	dialer := rc.dialer
	channelFactory := rc.channelFactory
	connCloser := rc.connectionCloser
	logger := rc.logger()
	rc.mu.Unlock()

	if strings.TrimSpace(connStr) == "" {
		libOpentelemetry.HandleSpanError(span, "Missing rabbitmq url", ErrURLRequired)

		return ErrURLRequired
	}

	logger.Log(ctx, log.LevelInfo, "connecting to rabbitmq")

	conn, err := dialer(ctx, connStr)
	if err != nil {
		sanitized := newSanitizedError(err, connStr, "failed to connect to rabbitmq")
		logger.Log(ctx, log.LevelError, "failed to connect to rabbitmq", log.String("error_detail", sanitized.Error()))
		libOpentelemetry.HandleSpanError(span, "Failed to connect to rabbitmq", sanitized)

		return sanitized
	}

	ch, err := channelFactory(ctx, conn)
	if err == nil && ch == nil {
		err = ErrChannelRequired
	}

	if err != nil {
		rc.closeConnectionWith(conn, connCloser)

		logger.Log(ctx, log.LevelError, "failed to open channel on rabbitmq", log.Err(err))
		libOpentelemetry.HandleSpanError(span, "Failed to open channel on rabbitmq", err)

		return fmt.Errorf("failed to open channel on rabbitmq: %w", err)
	}

	rc.mu.Lock()
	rc.conn = conn
	rc.channel = ch
	rc.connected = true
	rc.reconnectAttempts = 0
	rc.mu.Unlock()

	logger.Log(ctx, log.LevelInfo, "connected to rabbitmq")

	return nil
}

// EnsureChannel reopens the management channel, redialing first when the
// connection itself is gone. Redials are rate limited with exponential
// backoff after consecutive failures.
func (rc *Connection) EnsureChannel(ctx context.Context) error {
	if rc == nil {
		return ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq ensure channel: %w", err)
	}

	ctx, span := otel.Tracer("rabbitmq").Start(ctx, "rabbitmq.ensure_channel")
	defer span.End()

	rc.mu.Lock()
	rc.applyDefaults()

	needConnection := rc.conn == nil || rc.connectionClosedFn(rc.conn)
	needChannel := needConnection || rc.channel == nil || rc.channelClosedFn(rc.channel)

	if !needChannel {
		rc.mu.Unlock()

		return nil
	}

	if needConnection && rc.reconnectAttempts > 0 {
		delay := backoff.Capped(reconnectBackoffBase, reconnectBackoffCap, rc.reconnectAttempts-1)

		if elapsed := time.Since(rc.lastReconnectAttempt); elapsed < delay {
			rc.mu.Unlock()

			err := fmt.Errorf("rabbitmq ensure channel: rate-limited (next attempt in %s)", delay-elapsed)
			libOpentelemetry.HandleSpanError(span, "Reconnect rate-limited", err)

			return err
		}
	}

	if needConnection {
		rc.lastReconnectAttempt = time.Now()
	}

	connStr := rc.URL
	dialer := rc.dialer
	channelFactory := rc.channelFactory
	connCloser := rc.connectionCloser
	existing := rc.conn
	logger := rc.logger()
	rc.mu.Unlock()

	conn := existing

	if needConnection {
		dialed, err := dialer(ctx, connStr)
		if err != nil {
			rc.mu.Lock()
			rc.connected = false
			rc.reconnectAttempts++
			rc.mu.Unlock()

			sanitized := newSanitizedError(err, connStr, "can't connect to rabbitmq")
			logger.Log(ctx, log.LevelError, "failed to reconnect to rabbitmq", log.String("error_detail", sanitized.Error()))
			libOpentelemetry.HandleSpanError(span, "Failed to connect to rabbitmq", sanitized)

			return sanitized
		}

		conn = dialed
	}

	ch, err := channelFactory(ctx, conn)
	if err == nil && ch == nil {
		err = ErrChannelRequired
	}

	if err != nil {
		if needConnection {
			rc.closeConnectionWith(conn, connCloser)
		}

		rc.mu.Lock()
		rc.channel = nil
		rc.connected = false
		rc.mu.Unlock()

		logger.Log(ctx, log.LevelError, "failed to open channel on rabbitmq", log.Err(err))
		libOpentelemetry.HandleSpanError(span, "Failed to open channel on rabbitmq", err)

		return fmt.Errorf("rabbitmq ensure channel: %w", err)
	}

	rc.mu.Lock()
	if needConnection {
		rc.conn = conn
		rc.reconnectAttempts = 0
	}

	rc.channel = ch
	rc.connected = true
	rc.mu.Unlock()

	return nil
}

// OpenChannel returns a new channel on the live connection, reconnecting
// when needed. The caller owns the channel and must close it.
func (rc *Connection) OpenChannel(ctx context.Context) (Channel, error) {
	if rc == nil {
		return nil, ErrNilConnection
	}

	if err := rc.EnsureChannel(ctx); err != nil {
		return nil, err
	}

	rc.mu.Lock()
	conn := rc.conn
	channelFactory := rc.channelFactory
	rc.mu.Unlock()

	if conn == nil {
		return nil, ErrNotConnected
	}

	ch, err := channelFactory(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	if ch == nil {
		return nil, ErrChannelRequired
	}

	return ch, nil
}

// IsConnected reports whether the connection and management channel are open.
func (rc *Connection) IsConnected() bool {
	if rc == nil {
		return false
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.applyDefaults()

	return rc.connected && !rc.connectionClosedFn(rc.conn) && !rc.channelClosedFn(rc.channel)
}

// HealthCheck queries the management API alarms endpoint. Without a
// configured HealthCheckURL it falls back to the channel state.
func (rc *Connection) HealthCheck(ctx context.Context) (bool, error) {
	if rc == nil {
		return false, ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer("rabbitmq").Start(ctx, "rabbitmq.health_check")
	defer span.End()

	rc.mu.Lock()
	rc.applyDefaults()
	rawURL := rc.HealthCheckURL
	user, pass := rc.User, rc.Pass
	client := rc.healthHTTPClient
	logger := rc.logger()
	rc.mu.Unlock()

	if strings.TrimSpace(rawURL) == "" {
		if rc.IsConnected() {
			return true, nil
		}

		libOpentelemetry.HandleSpanError(span, "RabbitMQ not connected", ErrNotConnected)

		return false, ErrNotConnected
	}

	if err := checkManagementHealth(ctx, rawURL, user, pass, client); err != nil {
		logger.Log(ctx, log.LevelWarn, "rabbitmq health check failed", log.Err(err))
		libOpentelemetry.HandleSpanError(span, "RabbitMQ health check failed", err)

		return false, err
	}

	return true, nil
}

// Close closes the management channel and the connection. Dedicated
// channels opened by OpenChannel close along with the connection.
func (rc *Connection) Close(ctx context.Context) error {
	if rc == nil {
		return ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	_, span := otel.Tracer("rabbitmq").Start(ctx, "rabbitmq.close")
	defer span.End()

	rc.mu.Lock()
	rc.applyDefaults()
	channel := rc.channel
	conn := rc.conn
	chCloser := rc.channelCloser
	connCloser := rc.connectionCloser
	rc.conn = nil
	rc.channel = nil
	rc.connected = false
	logger := rc.logger()
	rc.mu.Unlock()

	var closeErr error

	if channel != nil {
		if err := chCloser(channel); err != nil && !errors.Is(err, amqp.ErrClosed) {
			closeErr = fmt.Errorf("failed to close rabbitmq channel: %w", err)
		}
	}

	if conn != nil {
		if err := connCloser(conn); err != nil && !errors.Is(err, amqp.ErrClosed) {
			closeErr = errors.Join(closeErr, fmt.Errorf("failed to close rabbitmq connection: %w", err))
		}
	}

	if closeErr != nil {
		logger.Log(ctx, log.LevelWarn, "failed to close rabbitmq", log.Err(closeErr))
		libOpentelemetry.HandleSpanError(span, "Failed to close rabbitmq", closeErr)
	}

	return closeErr
}

func (rc *Connection) applyDefaults() {
	if rc.dialer == nil {
		rc.dialer = func(_ context.Context, connStr string) (*amqp.Connection, error) {
			return amqp.Dial(connStr)
		}
	}

	if rc.channelFactory == nil {
		rc.channelFactory = func(_ context.Context, conn *amqp.Connection) (*amqp.Channel, error) {
			if conn == nil {
				return nil, ErrNotConnected
			}

			return conn.Channel()
		}
	}

	if rc.connectionCloser == nil {
		rc.connectionCloser = func(conn *amqp.Connection) error {
			if conn == nil {
				return nil
			}

			return conn.Close()
		}
	}

	if rc.channelCloser == nil {
		rc.channelCloser = func(ch *amqp.Channel) error {
			if ch == nil {
				return nil
			}

			return ch.Close()
		}
	}

	if rc.connectionClosedFn == nil {
		rc.connectionClosedFn = func(conn *amqp.Connection) bool {
			return conn == nil || conn.IsClosed()
		}
	}

	if rc.channelClosedFn == nil {
		rc.channelClosedFn = func(ch *amqp.Channel) bool {
			return ch == nil || ch.IsClosed()
		}
	}

	if rc.healthHTTPClient == nil {
		rc.healthHTTPClient = &http.Client{Timeout: defaultHealthCheckTimeout}
	}
}

func (rc *Connection) closeConnectionWith(conn *amqp.Connection, closer func(*amqp.Connection) error) {
	if closer == nil {
		return
	}

	if err := closer(conn); err != nil {
		rc.logger().Log(context.Background(), log.LevelWarn, "failed to close rabbitmq connection during cleanup", log.Err(err))
	}
}

func (rc *Connection) logger() log.Logger {
	if rc == nil || nilcheck.Interface(rc.Logger) {
		return log.NewNop()
	}

	return rc.Logger
}

func checkManagementHealth(ctx context.Context, rawURL, user, pass string, client *http.Client) error {
	healthURL, err := healthCheckEndpoint(rawURL)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHealthCheckFailed, err)
	}

	req.SetBasicAuth(user, pass)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHealthCheckFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %s", ErrHealthCheckFailed, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHealthCheckFailed, err)
	}

	var result struct {
		Status string `json:"status"`
	}

	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("%w: %w", ErrHealthCheckFailed, err)
	}

	if result.Status != "ok" {
		return fmt.Errorf("%w: status %q", ErrHealthCheckFailed, result.Status)
	}

	return nil
}

// healthCheckEndpoint takes the management API base URL and appends the
// alarms endpoint unless it is already present.
func healthCheckEndpoint(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrHealthCheckFailed, err)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("%w: health check url must use http or https", ErrHealthCheckFailed)
	}

	if parsed.Host == "" {
		return "", fmt.Errorf("%w: health check url must include a host", ErrHealthCheckFailed)
	}

	if parsed.User != nil {
		return "", fmt.Errorf("%w: health check url must not include credentials", ErrHealthCheckFailed)
	}

	normalized := strings.TrimSuffix(parsed.String(), "/")
	if strings.HasSuffix(normalized, healthCheckPath) {
		return normalized, nil
	}

	return normalized + healthCheckPath, nil
}

// sanitizedError keeps the original for errors.Is/As while printing a
// message with the connection credentials redacted.
type sanitizedError struct {
	original error
	message  string
}

func (e *sanitizedError) Error() string { return e.message }

func (e *sanitizedError) Unwrap() error { return e.original }

func newSanitizedError(err error, connStr, prefix string) error {
	return fmt.Errorf("%s: %w", prefix, &sanitizedError{
		original: err,
		message:  redactConnectionString(err, connStr),
	})
}

func redactConnectionString(err error, connStr string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	if connStr == "" {
		return msg
	}

	parsed, parseErr := url.Parse(connStr)
	if parseErr != nil {
		return msg
	}

	redacted := parsed.Redacted()
	msg = strings.ReplaceAll(msg, connStr, redacted)
	msg = strings.ReplaceAll(msg, parsed.String(), redacted)

	if parsed.User != nil {
		if pass, ok := parsed.User.Password(); ok && pass != "" {
			msg = strings.ReplaceAll(msg, pass, "xxxxx")
		}
	}

	return msg
}
