package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	relay "github.com/LerianStudio/outbox-relay"
	"github.com/LerianStudio/outbox-relay/audit"
	constant "github.com/LerianStudio/outbox-relay/constants"
	"github.com/LerianStudio/outbox-relay/envelope"
	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	libOpentelemetry "github.com/LerianStudio/outbox-relay/opentelemetry"
	libPostgres "github.com/LerianStudio/outbox-relay/postgres"
)

const (
	tableName     = "audit_logs"
	recordColumns = "id, event_id, aggregate_id, aggregate_type, action, user_id, status, metadata, ip_address, user_agent, created_at"
)

var (
	ErrConnectionRequired       = errors.New("postgres connection is required")
	ErrRepositoryNotInitialized = errors.New("audit repository not initialized")
)

// Pools hands out the write and read pools. *postgres.Client implements it.
type Pools interface {
	Primary(ctx context.Context) (*sql.DB, error)
	Replica(ctx context.Context) (*sql.DB, error)
}

var _ Pools = (*libPostgres.Client)(nil)

type Option func(*Repository)

func WithLogger(logger log.Logger) Option {
	return func(r *Repository) {
		if !nilcheck.Interface(logger) {
			r.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(r *Repository) {
		if !nilcheck.Interface(tracer) {
			r.tracer = tracer
		}
	}
}

// Repository stores audit records in the audit_logs table.
type Repository struct {
	db     Pools
	logger log.Logger
	tracer trace.Tracer
}

var _ audit.Repository = (*Repository)(nil)

func NewRepository(db Pools, opts ...Option) (*Repository, error) {
	if nilcheck.Interface(db) {
		return nil, ErrConnectionRequired
	}

	r := &Repository{db: db}

	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	return r, nil
}

// FindByEventID reads from the replica and falls back to the primary on a
// miss, so a record committed moments ago by another consumer is still seen.
func (r *Repository) FindByEventID(ctx context.Context, eventID uuid.UUID) (*audit.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !r.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	logger, tracer := r.tracking(ctx)

	ctx, span := tracer.Start(ctx, "postgres.find_audit_record", trace.WithAttributes(
		attribute.String(constant.AttrEventID, eventID.String()),
		attribute.String(constant.AttrDBSystem, "postgresql"),
	))
	defer span.End()

	rec, err := r.findByEventID(ctx, eventID)
	if err != nil && !errors.Is(err, audit.ErrNotFound) {
		libOpentelemetry.HandleSpanError(span, "failed to find audit record", err)
		logger.Log(ctx, log.LevelError, "failed to find audit record",
			log.String("event_id", eventID.String()),
			log.String("error", libPostgres.SanitizeError(err)),
		)
	}

	return rec, err
}

func (r *Repository) findByEventID(ctx context.Context, eventID uuid.UUID) (*audit.Record, error) {
	replica, err := r.db.Replica(ctx)
	if err != nil {
		return nil, err
	}

	rec, err := queryByEventID(ctx, replica, eventID)
	if !errors.Is(err, audit.ErrNotFound) {
		return rec, err
	}

	primary, err := r.db.Primary(ctx)
	if err != nil {
		return nil, err
	}

	if primary == replica {
		return nil, audit.ErrNotFound
	}

	return queryByEventID(ctx, primary, eventID)
}

func queryByEventID(ctx context.Context, db *sql.DB, eventID uuid.UUID) (*audit.Record, error) {
	row := db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM "+tableName+" WHERE event_id = $1", eventID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, audit.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// Create inserts rec on the primary. A unique violation on event_id is
// reported as audit.ErrDuplicateEvent.
func (r *Repository) Create(ctx context.Context, rec audit.Record) (*audit.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !r.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if err := rec.Validate(); err != nil {
		return nil, err
	}

	logger, tracer := r.tracking(ctx)

	ctx, span := tracer.Start(ctx, "postgres.create_audit_record", trace.WithAttributes(
		attribute.String(constant.AttrEventID, rec.EventID.String()),
		attribute.String(constant.AttrDBSystem, "postgresql"),
	))
	defer span.End()

	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding audit metadata: %w", err)
	}

	db, err := r.db.Primary(ctx)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to get primary pool", err)

		return nil, err
	}

	query := "INSERT INTO " + tableName + " (" + recordColumns + ") " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)"

	if _, err := db.ExecContext(ctx, query,
		rec.ID,
		rec.EventID,
		rec.AggregateID,
		rec.AggregateType,
		rec.Action.String(),
		rec.UserID,
		string(rec.Status),
		metadata,
		nullableString(rec.IPAddress),
		nullableString(rec.UserAgent),
		rec.CreatedAt.UTC(),
	); err != nil {
		if libPostgres.IsUniqueViolation(err) {
			span.SetAttributes(attribute.Bool(constant.AttrAuditDuplicate, true))

			return nil, fmt.Errorf("%w: %s", audit.ErrDuplicateEvent, rec.EventID)
		}

		libOpentelemetry.HandleSpanError(span, "failed to insert audit record", err)
		logger.Log(ctx, log.LevelError, "failed to insert audit record",
			log.String("event_id", rec.EventID.String()),
			log.String("error", libPostgres.SanitizeError(err)),
		)

		return nil, fmt.Errorf("inserting audit record: %w", err)
	}

	rec.CreatedAt = rec.CreatedAt.UTC()

	return &rec, nil
}

func (r *Repository) initialized() bool {
	return r != nil && !nilcheck.Interface(r.db)
}

func (r *Repository) tracking(ctx context.Context) (log.Logger, trace.Tracer) {
	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	if !nilcheck.Interface(r.logger) {
		logger = r.logger
	}

	if !nilcheck.Interface(r.tracer) {
		tracer = r.tracer
	}

	return logger, tracer
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (audit.Record, error) {
	var (
		rec       audit.Record
		action    string
		status    string
		metadata  []byte
		ipAddress sql.NullString
		userAgent sql.NullString
		createdAt time.Time
	)

	if err := scanner.Scan(
		&rec.ID,
		&rec.EventID,
		&rec.AggregateID,
		&rec.AggregateType,
		&action,
		&rec.UserID,
		&status,
		&metadata,
		&ipAddress,
		&userAgent,
		&createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return audit.Record{}, err
		}

		return audit.Record{}, fmt.Errorf("scanning audit record: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(metadata))
	dec.UseNumber()

	if err := dec.Decode(&rec.Metadata); err != nil {
		return audit.Record{}, fmt.Errorf("decoding audit metadata for %s: %w", rec.EventID, err)
	}

	rec.Action = envelope.Action(action)
	rec.Status = audit.Status(status)
	rec.IPAddress = ipAddress.String
	rec.UserAgent = userAgent.String
	rec.CreatedAt = createdAt.UTC()

	return rec, nil
}

func nullableString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
