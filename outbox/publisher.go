package outbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	relay "github.com/LerianStudio/outbox-relay"
	"github.com/LerianStudio/outbox-relay/backoff"
	"github.com/LerianStudio/outbox-relay/constants"
	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	"github.com/LerianStudio/outbox-relay/opentelemetry"
	"github.com/LerianStudio/outbox-relay/runtime"
)

// Publisher drains PENDING outbox entries to the broker on a fixed interval.
//
// Cycles never overlap: a tick that fires while a cycle is still running is
// skipped. Stop disarms the timer but lets an in-flight cycle finish; use
// Shutdown to wait for it.
type Publisher struct {
	store                  Store
	broker                 Broker
	retryClassifier        RetryClassifier
	availabilityClassifier AvailabilityClassifier
	logger                 log.Logger
	tracer                 trace.Tracer
	clock                  clockwork.Clock
	cfg                    PublisherConfig

	inFlight      atomic.Bool
	fetchFailures atomic.Int64
	// cycleMu is held for the whole of a cycle that won the inFlight guard.
	cycleMu sync.Mutex

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	// loopDone is closed once the current timer loop has returned.
	loopDone chan struct{}

	metrics publisherMetrics
}

var _ relay.App = (*Publisher)(nil)

// DispatchResult captures one publish cycle outcome.
type DispatchResult struct {
	Selected          int
	Published         int
	Failed            int
	StateUpdateFailed int
	// Deferred counts entries left untouched because the broker was unreachable.
	Deferred int
	// Skipped is set when another cycle was in flight and nothing was done.
	Skipped bool
	// FetchFailed is set when the batch could not be selected.
	FetchFailed bool
}

func NewPublisher(
	store Store,
	broker Broker,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...PublisherOption,
) (*Publisher, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(broker) {
		return nil, ErrBrokerRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("relay.noop")
	}

	publisher := &Publisher{
		store:  store,
		broker: broker,
		logger: logger,
		tracer: tracer,
		clock:  clockwork.NewRealClock(),
		cfg:    DefaultPublisherConfig(),
		stop:   make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(publisher)
		}
	}

	publisher.cfg.normalize()

	metrics, err := newPublisherMetrics(publisher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	publisher.metrics = metrics

	return publisher, nil
}

// Config returns the effective configuration.
func (p *Publisher) Config() PublisherConfig {
	return p.cfg
}

// Run starts the publish loop until Stop is called.
func (p *Publisher) Run(launcher *relay.Launcher) error {
	return p.RunContext(context.Background(), launcher)
}

// RunContext runs one cycle immediately, then one per PollInterval until Stop
// is called or ctx is cancelled. Cancelling ctx ends the loop but does not
// abort a cycle already in flight.
func (p *Publisher) RunContext(ctx context.Context, launcher *relay.Launcher) error {
	if p == nil || p.store == nil || p.broker == nil {
		return ErrPublisherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	stop, ok := p.registerRun()
	if !ok {
		return ErrPublisherRunning
	}

	defer p.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(ctx, log.LevelInfo, "outbox publisher started",
			log.Duration("poll_interval", p.cfg.PollInterval),
			log.Int("batch_size", p.cfg.BatchSize),
		)
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox publisher stopped")
	}

	p.loop(ctx, stop)

	return nil
}

// Start arms the timer in a background goroutine and returns immediately.
func (p *Publisher) Start(ctx context.Context) error {
	if p == nil || p.store == nil || p.broker == nil {
		return ErrPublisherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	stop, ok := p.registerRun()
	if !ok {
		return ErrPublisherRunning
	}

	runtime.SafeGoWithContextAndComponent(ctx, p.logger, "outbox", "publisher_loop", runtime.KeepRunning,
		func(ctx context.Context) {
			defer p.clearRun()

			p.loop(ctx, stop)
		})

	return nil
}

func (p *Publisher) loop(ctx context.Context, stop <-chan struct{}) {
	defer runtime.RecoverAndLogWithContext(ctx, p.logger, "outbox", "publisher_run")

	ticker := p.clock.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.tick(ctx, "outbox.publisher.initial_cycle")

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			default:
			}

			p.tick(ctx, "outbox.publisher.tick")
		}
	}
}

func (p *Publisher) tick(ctx context.Context, spanName string) {
	tickCtx, span := p.tracer.Start(ctx, spanName)
	defer span.End()
	defer runtime.RecoverAndLogWithContext(tickCtx, p.logger, "outbox", "publisher_tick")

	result := p.DispatchOnce(tickCtx)

	span.SetAttributes(
		attribute.Int("outbox.cycle.selected", result.Selected),
		attribute.Int("outbox.cycle.published", result.Published),
		attribute.Int("outbox.cycle.failed", result.Failed),
		attribute.Int("outbox.cycle.state_update_failed", result.StateUpdateFailed),
		attribute.Int("outbox.cycle.deferred", result.Deferred),
		attribute.Bool("outbox.cycle.skipped", result.Skipped),
	)
}

// Stop disarms the timer. A cycle already running is allowed to finish.
func (p *Publisher) Stop() {
	if p == nil {
		return
	}

	p.stopOnce.Do(func() {
		p.runStateMu.Lock()
		stop := p.stop
		if stop == nil {
			stop = make(chan struct{})
			p.stop = stop
		}
		p.runStateMu.Unlock()

		close(stop)
	})
}

// Shutdown stops the timer and waits for the loop to return and for the
// in-flight cycle, if any.
func (p *Publisher) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	p.Stop()

	p.runStateMu.Lock()
	loopDone := p.loopDone
	p.runStateMu.Unlock()

	done := make(chan struct{})

	runtime.SafeGo(p.logger, "outbox.publisher_shutdown_wait", runtime.KeepRunning, func() {
		if loopDone != nil {
			<-loopDone
		}

		// No tick can start once the loop is gone; this drains a cycle
		// started through DispatchOnce directly.
		p.cycleMu.Lock()
		p.cycleMu.Unlock() //nolint:staticcheck

		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publisher shutdown: %w", ctx.Err())
	}
}

// DispatchOnce runs a single publish cycle. It returns a Skipped result
// without touching the store when another cycle is in flight.
//
// A failed batch fetch ends the cycle with FetchFailed set and no error
// surfaced to the caller. A failure on one entry never stops the batch.
func (p *Publisher) DispatchOnce(ctx context.Context) DispatchResult {
	if p == nil || p.store == nil || p.broker == nil {
		return DispatchResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if !p.inFlight.CompareAndSwap(false, true) {
		p.metrics.skippedCycles.Add(ctx, 1)
		p.logger.Log(ctx, log.LevelDebug, "outbox cycle still in flight; skipping tick")

		return DispatchResult{Skipped: true}
	}
	defer p.inFlight.Store(false)

	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	// Stop and caller cancellation must not cut a cycle short.
	ctx = context.WithoutCancel(ctx)
	start := p.clock.Now()

	ctx, span := p.tracer.Start(ctx, "outbox.publisher.cycle")
	defer span.End()

	entries, err := p.store.SelectBatch(ctx, p.cfg.BatchSize)
	if err != nil {
		p.handleFetchError(ctx, span, err)

		return DispatchResult{FetchFailed: true}
	}

	p.fetchFailures.Store(0)
	p.metrics.batchSize.Record(ctx, int64(len(entries)))
	span.SetAttributes(attribute.Int(constants.AttrBatchSize, len(entries)))

	result := DispatchResult{Selected: len(entries)}

	// At-least-once: publish happens before MarkProcessed, so a failed state
	// update can lead to a second delivery of the same eventId.
	for _, entry := range entries {
		switch p.deliver(ctx, entry) {
		case outcomePublished:
			result.Published++
		case outcomeStateUpdateFailed:
			result.Published++
			result.StateUpdateFailed++
		case outcomeDeferred:
			result.Deferred++
		default:
			result.Failed++
		}
	}

	p.metrics.published.Add(ctx, int64(result.Published))
	p.metrics.failed.Add(ctx, int64(result.Failed))
	p.metrics.stateUpdateFailed.Add(ctx, int64(result.StateUpdateFailed))
	p.metrics.deferred.Add(ctx, int64(result.Deferred))
	p.metrics.cycleLatency.Record(ctx, p.clock.Since(start).Seconds())

	return result
}

type deliveryOutcome int

const (
	outcomeFailed deliveryOutcome = iota
	outcomePublished
	outcomeStateUpdateFailed
	outcomeDeferred
)

func (p *Publisher) deliver(ctx context.Context, entry Entry) deliveryOutcome {
	ctx, span := p.tracer.Start(ctx, "outbox.publisher.deliver", trace.WithAttributes(
		attribute.String(constants.AttrEventID, entry.ID.String()),
		attribute.String(constants.AttrEventType, entry.EventType.String()),
		attribute.String(constants.AttrAggregateID, entry.AggregateID.String()),
	))
	defer span.End()

	logger := p.logger.With(
		log.String("event_id", entry.ID.String()),
		log.String("event_type", entry.EventType.String()),
	)

	env, err := entry.Envelope(ctx)
	if err == nil {
		var body []byte

		body, err = env.Marshal()
		if err == nil {
			err = p.publishWithRetry(ctx, entry, body)
		} else {
			err = fmt.Errorf("%w: %w", ErrEnvelopeBuild, err)
		}
	}

	if err != nil && p.isUnavailable(err) {
		// The broker was never reached: no attempt is recorded.
		opentelemetry.HandleSpanError(span, "broker unavailable; outbox entry deferred", err)
		logger.Log(ctx, log.LevelWarn, "broker unavailable; outbox entry deferred",
			log.Int("retry_count", entry.RetryCount),
			log.String("error", sanitizeError(err)),
		)

		return outcomeDeferred
	}

	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to publish outbox entry", err)
		logger.Log(ctx, log.LevelWarn, "outbox entry publish failed",
			log.Int("retry_count", entry.RetryCount),
			log.String("error", sanitizeError(err)),
		)
		p.markFailed(ctx, logger, entry, err)

		return outcomeFailed
	}

	if err := p.store.MarkProcessed(ctx, entry.ID); err != nil {
		opentelemetry.HandleSpanError(span, "failed to persist processed state", err)
		logger.Log(ctx, log.LevelError,
			"outbox entry published to broker but failed to persist PROCESSED state; event may be redelivered",
			log.String("error", sanitizeError(err)),
		)
		p.markFailed(ctx, logger, entry, fmt.Errorf("%w: %w", ErrMarkProcessed, err))

		return outcomeStateUpdateFailed
	}

	return outcomePublished
}

func (p *Publisher) publishWithRetry(ctx context.Context, entry Entry, body []byte) error {
	routingKey := entry.EventType.String()
	maxAttempts := p.cfg.PublishMaxAttempts

	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := p.publish(ctx, routingKey, body)
		if err == nil {
			return nil
		}

		lastErr = fmt.Errorf("publish attempt %d/%d failed: %w", attempt+1, maxAttempts, err)
		if p.isNonRetryable(err) || p.isUnavailable(err) || attempt == maxAttempts-1 {
			break
		}

		delay := backoff.ExponentialWithJitter(p.cfg.PublishBackoff, attempt)
		if waitErr := backoff.Sleep(ctx, p.clock, delay); waitErr != nil {
			lastErr = fmt.Errorf("publish retry wait interrupted: %w", waitErr)
			break
		}
	}

	return lastErr
}

func (p *Publisher) publish(ctx context.Context, routingKey string, body []byte) error {
	publishCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()

	return p.broker.Publish(publishCtx, routingKey, body)
}

func (p *Publisher) markFailed(ctx context.Context, logger log.Logger, entry Entry, cause error) {
	maxRetries := p.cfg.MaxRetries
	if p.isNonRetryable(cause) {
		maxRetries = 1
	}

	if err := p.store.MarkFailed(ctx, entry.ID, sanitizeError(cause), maxRetries, p.retryDelay(entry)); err != nil {
		logger.Log(ctx, log.LevelError, "failed to mark outbox entry failed",
			log.String("error", sanitizeError(err)),
		)
	}
}

// retryDelay is the cooldown after the entry's next recorded failure. Half of
// it is fixed so the cooldown never collapses to zero.
func (p *Publisher) retryDelay(entry Entry) time.Duration {
	delay := backoff.Capped(p.cfg.RetryBackoff, p.cfg.RetryBackoffMax, entry.RetryCount)
	half := delay / 2

	return half + backoff.FullJitter(delay-half)
}

func (p *Publisher) isUnavailable(err error) bool {
	if err == nil || nilcheck.Interface(p.availabilityClassifier) {
		return false
	}

	return p.availabilityClassifier.IsUnavailable(err)
}

func (p *Publisher) isNonRetryable(err error) bool {
	if err == nil {
		return false
	}

	if isMalformedEntry(err) {
		return true
	}

	if nilcheck.Interface(p.retryClassifier) {
		return false
	}

	return p.retryClassifier.IsNonRetryable(err)
}

func (p *Publisher) handleFetchError(ctx context.Context, span trace.Span, err error) {
	opentelemetry.HandleSpanError(span, "failed to select outbox batch", err)
	log.SafeError(p.logger, ctx, "failed to select outbox batch", err, runtime.IsProductionMode())

	count := p.fetchFailures.Add(1)
	if count >= int64(p.cfg.FetchFailureThreshold) {
		p.logger.Log(ctx, log.LevelError, "outbox batch selection failures exceeded threshold",
			log.Int("count", int(count)),
		)
	}
}

func (p *Publisher) registerRun() (<-chan struct{}, bool) {
	p.runStateMu.Lock()
	defer p.runStateMu.Unlock()

	if p.running {
		return nil, false
	}

	if p.stop == nil || isClosed(p.stop) {
		p.stop = make(chan struct{})
		p.stopOnce = sync.Once{}
	}

	p.running = true
	p.loopDone = make(chan struct{})

	return p.stop, true
}

func (p *Publisher) clearRun() {
	p.runStateMu.Lock()
	defer p.runStateMu.Unlock()

	p.running = false

	if p.loopDone != nil {
		close(p.loopDone)
	}
}

func isClosed(signal <-chan struct{}) bool {
	select {
	case <-signal:
		return true
	default:
		return false
	}
}
