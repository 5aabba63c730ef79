package audit

import (
	"context"
	"errors"
	"time"

	relay "github.com/LerianStudio/outbox-relay"
	constant "github.com/LerianStudio/outbox-relay/constants"
	"github.com/LerianStudio/outbox-relay/envelope"
	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	libOpentelemetry "github.com/LerianStudio/outbox-relay/opentelemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Repository persists audit records.
type Repository interface {
	// FindByEventID returns ErrNotFound when no record exists.
	FindByEventID(ctx context.Context, eventID uuid.UUID) (*Record, error)
	// Create returns ErrDuplicateEvent when a record with the same EventID exists.
	Create(ctx context.Context, rec Record) (*Record, error)
}

// IngestResult is the record stored for an event and whether it existed
// before this call.
type IngestResult struct {
	Record    Record
	Duplicate bool
}

type Service struct {
	repo   Repository
	logger log.Logger
	tracer trace.Tracer
	now    func() time.Time
}

type ServiceOption func(*Service)

func WithServiceLogger(logger log.Logger) ServiceOption {
	return func(s *Service) {
		if !nilcheck.Interface(logger) {
			s.logger = logger
		}
	}
}

func WithServiceTracer(tracer trace.Tracer) ServiceOption {
	return func(s *Service) {
		if !nilcheck.Interface(tracer) {
			s.tracer = tracer
		}
	}
}

func WithNow(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(repo Repository, opts ...ServiceOption) (*Service, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	s := &Service{repo: repo, now: time.Now}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s, nil
}

// Ingest records env once. An existing record for the same eventId is
// returned as a duplicate, including when a concurrent writer wins the
// insert race.
func (s *Service) Ingest(ctx context.Context, env envelope.Envelope, origin Origin) (IngestResult, error) {
	if s == nil || s.repo == nil {
		return IngestResult{}, ErrServiceRequired
	}

	logger, tracer, _ := relay.NewTrackingFromContext(ctx)
	if s.logger != nil {
		logger = s.logger
	}

	if s.tracer != nil {
		tracer = s.tracer
	}

	ctx, span := tracer.Start(ctx, "audit.ingest")
	defer span.End()

	span.SetAttributes(
		attribute.String(constant.AttrEventID, env.EventID),
		attribute.String(constant.AttrEventType, env.EventType.String()),
	)

	eventID, err := uuid.Parse(env.EventID)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "Invalid event id", err)

		return IngestResult{}, errors.Join(ErrInvalidRecord, err)
	}

	existing, err := s.repo.FindByEventID(ctx, eventID)
	if err == nil {
		span.SetAttributes(attribute.Bool(constant.AttrAuditDuplicate, true))
		logger.Log(ctx, log.LevelInfo, "audit record already exists, skipping", log.String("event_id", env.EventID))

		return IngestResult{Record: *existing, Duplicate: true}, nil
	}

	if !errors.Is(err, ErrNotFound) {
		perr := &PersistenceError{Op: "lookup", EventID: env.EventID, Err: err}
		libOpentelemetry.HandleSpanError(span, "Failed to look up audit record", perr)

		return IngestResult{}, perr
	}

	rec, err := NewRecord(env, origin, s.now())
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to build audit record", err)

		return IngestResult{}, err
	}

	created, err := s.repo.Create(ctx, rec)
	if err == nil {
		span.SetAttributes(attribute.Bool(constant.AttrAuditDuplicate, false))

		return IngestResult{Record: *created}, nil
	}

	if !errors.Is(err, ErrDuplicateEvent) {
		perr := &PersistenceError{Op: "create", EventID: env.EventID, Err: err}
		libOpentelemetry.HandleSpanError(span, "Failed to create audit record", perr)

		return IngestResult{}, perr
	}

	existing, err = s.repo.FindByEventID(ctx, eventID)
	if err != nil {
		perr := &PersistenceError{Op: "refetch", EventID: env.EventID, Err: err}
		libOpentelemetry.HandleSpanError(span, "Failed to re-fetch audit record after duplicate", perr)

		return IngestResult{}, perr
	}

	span.SetAttributes(attribute.Bool(constant.AttrAuditDuplicate, true))
	logger.Log(ctx, log.LevelInfo, "audit record created concurrently, returning existing", log.String("event_id", env.EventID))

	return IngestResult{Record: *existing, Duplicate: true}, nil
}

// Get returns the record for eventID or ErrNotFound.
func (s *Service) Get(ctx context.Context, eventID uuid.UUID) (*Record, error) {
	if s == nil || s.repo == nil {
		return nil, ErrServiceRequired
	}

	return s.repo.FindByEventID(ctx, eventID)
}
