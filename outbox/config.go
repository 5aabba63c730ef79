package outbox

import (
	"time"

	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultPollInterval          = time.Second
	defaultBatchSize             = 10
	defaultPublishTimeout        = 10 * time.Second
	defaultMaxRetries            = 3
	defaultPublishMaxAttempts    = 1
	defaultPublishBackoff        = 200 * time.Millisecond
	defaultFetchFailureThreshold = 3
	defaultRetryBackoff          = time.Second
	defaultRetryBackoffMax       = 5 * time.Minute
)

// PublisherConfig controls polling, delivery and retry behavior.
type PublisherConfig struct {
	// PollInterval is the time between the end of one timer tick and the next.
	PollInterval time.Duration
	// BatchSize is the max number of entries fetched per cycle.
	BatchSize int
	// PublishTimeout bounds a single broker publish.
	PublishTimeout time.Duration
	// MaxRetries is the failed-attempt ceiling at which an entry becomes FAILED.
	MaxRetries int
	// PublishMaxAttempts is the number of in-cycle publish attempts per entry.
	PublishMaxAttempts int
	// PublishBackoff is the base delay between in-cycle attempts.
	PublishBackoff time.Duration
	// RetryBackoff is the base cooldown after a failed attempt. It doubles
	// with every recorded failure of the same entry.
	RetryBackoff time.Duration
	// RetryBackoffMax caps the cooldown.
	RetryBackoffMax time.Duration
	// FetchFailureThreshold escalates consecutive fetch failures to an error log.
	FetchFailureThreshold int
	// MeterProvider overrides the global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultPublisherConfig returns the baseline publisher configuration.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		PollInterval:          defaultPollInterval,
		BatchSize:             defaultBatchSize,
		PublishTimeout:        defaultPublishTimeout,
		MaxRetries:            defaultMaxRetries,
		PublishMaxAttempts:    defaultPublishMaxAttempts,
		PublishBackoff:        defaultPublishBackoff,
		FetchFailureThreshold: defaultFetchFailureThreshold,
		RetryBackoff:          defaultRetryBackoff,
		RetryBackoffMax:       defaultRetryBackoffMax,
	}
}

func (cfg *PublisherConfig) normalize() {
	defaults := DefaultPublisherConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaults.PublishTimeout
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}

	if cfg.PublishMaxAttempts <= 0 {
		cfg.PublishMaxAttempts = defaults.PublishMaxAttempts
	}

	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = defaults.PublishBackoff
	}

	if cfg.FetchFailureThreshold <= 0 {
		cfg.FetchFailureThreshold = defaults.FetchFailureThreshold
	}

	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaults.RetryBackoff
	}

	if cfg.RetryBackoffMax <= 0 {
		cfg.RetryBackoffMax = defaults.RetryBackoffMax
	}

	if cfg.RetryBackoffMax < cfg.RetryBackoff {
		cfg.RetryBackoffMax = cfg.RetryBackoff
	}
}

// PublisherOption mutates publisher configuration at construction.
type PublisherOption func(*Publisher)

// WithConfig replaces the whole configuration. Zero fields fall back to defaults.
func WithConfig(cfg PublisherConfig) PublisherOption {
	return func(publisher *Publisher) {
		publisher.cfg = cfg
	}
}

func WithBatchSize(size int) PublisherOption {
	return func(publisher *Publisher) {
		if size > 0 {
			publisher.cfg.BatchSize = size
		}
	}
}

func WithPollInterval(interval time.Duration) PublisherOption {
	return func(publisher *Publisher) {
		if interval > 0 {
			publisher.cfg.PollInterval = interval
		}
	}
}

// WithPublishTimeout bounds each broker publish call.
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(publisher *Publisher) {
		if timeout > 0 {
			publisher.cfg.PublishTimeout = timeout
		}
	}
}

// WithMaxRetries sets the failed-attempt ceiling passed to Store.MarkFailed.
func WithMaxRetries(maxRetries int) PublisherOption {
	return func(publisher *Publisher) {
		if maxRetries > 0 {
			publisher.cfg.MaxRetries = maxRetries
		}
	}
}

func WithPublishMaxAttempts(maxAttempts int) PublisherOption {
	return func(publisher *Publisher) {
		if maxAttempts > 0 {
			publisher.cfg.PublishMaxAttempts = maxAttempts
		}
	}
}

func WithPublishBackoff(delay time.Duration) PublisherOption {
	return func(publisher *Publisher) {
		if delay > 0 {
			publisher.cfg.PublishBackoff = delay
		}
	}
}

func WithFetchFailureThreshold(threshold int) PublisherOption {
	return func(publisher *Publisher) {
		if threshold > 0 {
			publisher.cfg.FetchFailureThreshold = threshold
		}
	}
}

// WithRetryBackoff sets the cooldown between failed attempts of one entry.
func WithRetryBackoff(base, ceiling time.Duration) PublisherOption {
	return func(publisher *Publisher) {
		if base > 0 {
			publisher.cfg.RetryBackoff = base
		}

		if ceiling > 0 {
			publisher.cfg.RetryBackoffMax = ceiling
		}
	}
}

// WithRetryClassifier sets the classifier for errors that must not be retried.
func WithRetryClassifier(classifier RetryClassifier) PublisherOption {
	return func(publisher *Publisher) {
		if nilcheck.Interface(classifier) {
			publisher.retryClassifier = nil

			return
		}

		publisher.retryClassifier = classifier
	}
}

// WithAvailabilityClassifier sets the classifier for errors raised before the
// broker was reached. Such failures leave the entry untouched.
func WithAvailabilityClassifier(classifier AvailabilityClassifier) PublisherOption {
	return func(publisher *Publisher) {
		if nilcheck.Interface(classifier) {
			publisher.availabilityClassifier = nil

			return
		}

		publisher.availabilityClassifier = classifier
	}
}

// WithMeterProvider injects a meter provider. Nil keeps the global one.
func WithMeterProvider(provider metric.MeterProvider) PublisherOption {
	return func(publisher *Publisher) {
		if nilcheck.Interface(provider) {
			publisher.cfg.MeterProvider = nil

			return
		}

		publisher.cfg.MeterProvider = provider
	}
}

// WithClock replaces the wall clock driving the poll timer and retry waits.
func WithClock(clock clockwork.Clock) PublisherOption {
	return func(publisher *Publisher) {
		if !nilcheck.Interface(clock) {
			publisher.clock = clock
		}
	}
}
