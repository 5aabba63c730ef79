package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	relay "github.com/LerianStudio/outbox-relay"
	"github.com/LerianStudio/outbox-relay/constants"
	"github.com/LerianStudio/outbox-relay/envelope"
	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	"github.com/LerianStudio/outbox-relay/opentelemetry"
	"github.com/LerianStudio/outbox-relay/outbox"
)

const (
	defaultTableName       = "outbox_events"
	maxSQLIdentifierLength = 63
	entryColumns           = "id, aggregate_id, event_type, payload, status, retry_count, last_error, created_at, processed_at, updated_at, next_attempt_at"
)

var (
	ErrConnectionRequired      = errors.New("postgres connection is required")
	ErrStoreNotInitialized     = errors.New("outbox store not initialized")
	ErrStateTransitionConflict = errors.New("outbox entry state transition conflict")
	ErrLimitMustBePositive     = errors.New("limit must be greater than zero")
	ErrIDRequired              = errors.New("id is required")
	ErrInvalidIdentifier       = errors.New("invalid sql identifier")

	identifierPattern         = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultTransactionTimeout = 30 * time.Second
)

// PrimaryProvider hands out the writable pool. *postgres.Client implements it.
type PrimaryProvider interface {
	Primary(ctx context.Context) (*sql.DB, error)
}

type Option func(*Store)

func WithLogger(logger log.Logger) Option {
	return func(s *Store) {
		if !nilcheck.Interface(logger) {
			s.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Store) {
		if !nilcheck.Interface(tracer) {
			s.tracer = tracer
		}
	}
}

func WithTableName(tableName string) Option {
	return func(s *Store) {
		s.tableName = tableName
	}
}

func WithTransactionTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout > 0 {
			s.transactionTimeout = timeout
		}
	}
}

// WithNow replaces the clock used to stamp processed_at and updated_at.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store persists outbox entries in a single PostgreSQL table.
type Store struct {
	db                 PrimaryProvider
	logger             log.Logger
	tracer             trace.Tracer
	tableName          string
	quotedTable        string
	transactionTimeout time.Duration
	now                func() time.Time
}

var _ outbox.Store = (*Store)(nil)

func NewStore(db PrimaryProvider, opts ...Option) (*Store, error) {
	if nilcheck.Interface(db) {
		return nil, ErrConnectionRequired
	}

	s := &Store{
		db:                 db,
		tableName:          defaultTableName,
		transactionTimeout: defaultTransactionTimeout,
		now:                func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.tableName = strings.TrimSpace(s.tableName)
	if s.tableName == "" {
		s.tableName = defaultTableName
	}

	if err := validateIdentifierPath(s.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	s.quotedTable = quoteIdentifierPath(s.tableName)

	return s, nil
}

// Append inserts entry as PENDING inside tx. It never opens its own transaction.
func (s *Store) Append(ctx context.Context, tx outbox.Tx, entry outbox.Entry) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !s.initialized() {
		return ErrStoreNotInitialized
	}

	if tx == nil {
		return outbox.ErrTransactionRequired
	}

	if err := validateAppend(entry); err != nil {
		return err
	}

	logger, tracer := s.tracking(ctx)

	ctx, span := tracer.Start(ctx, "postgres.append_outbox_entry", trace.WithAttributes(
		attribute.String(constants.AttrEventID, entry.ID.String()),
		attribute.String(constants.AttrEventType, entry.EventType.String()),
		attribute.String(constants.AttrOutboxTable, s.tableName),
	))
	defer span.End()

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	query := "INSERT INTO " + s.quotedTable + " (" + entryColumns + ") " +
		"VALUES ($1, $2, $3, $4, $5, 0, NULL, $6, NULL, $6, NULL)"

	if _, err := tx.ExecContext(ctx, query,
		entry.ID,
		entry.AggregateID,
		entry.EventType.String(),
		[]byte(entry.Payload),
		outbox.StatusPending.String(),
		createdAt.UTC(),
	); err != nil {
		opentelemetry.HandleSpanError(span, "failed to append outbox entry", err)
		logSanitizedError(logger, ctx, "failed to append outbox entry", err)

		return fmt.Errorf("appending outbox entry: %w", err)
	}

	return nil
}

// SelectBatch returns up to maxCount due PENDING entries, oldest first.
// Entries whose next_attempt_at lies in the future are skipped.
func (s *Store) SelectBatch(ctx context.Context, maxCount int) ([]outbox.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !s.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if maxCount <= 0 {
		return nil, ErrLimitMustBePositive
	}

	logger, tracer := s.tracking(ctx)

	ctx, span := tracer.Start(ctx, "postgres.select_outbox_batch", trace.WithAttributes(
		attribute.Int(constants.AttrBatchSize, maxCount),
		attribute.String(constants.AttrOutboxTable, s.tableName),
	))
	defer span.End()

	entries, err := s.selectBatch(ctx, maxCount)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to select outbox batch", err)
		logSanitizedError(logger, ctx, "failed to select outbox batch", err)

		return nil, fmt.Errorf("selecting pending entries: %w", err)
	}

	return entries, nil
}

func (s *Store) selectBatch(ctx context.Context, maxCount int) ([]outbox.Entry, error) {
	db, err := s.db.Primary(ctx)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + entryColumns + " FROM " + s.quotedTable +
		" WHERE status = $1 AND (next_attempt_at IS NULL OR next_attempt_at <= $2)" +
		" ORDER BY created_at ASC, id ASC LIMIT $3"

	rows, err := db.QueryContext(ctx, query, outbox.StatusPending.String(), s.now().UTC(), maxCount)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	entries := make([]outbox.Entry, 0, maxCount)

	for rows.Next() {
		entry, scanErr := scanEntry(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return entries, nil
}

// MarkProcessed moves a PENDING entry to PROCESSED.
func (s *Store) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, "postgres.mark_outbox_processed", func(entry outbox.Entry, now time.Time) (outbox.Entry, error) {
		return entry.Processed(now)
	})
}

// MarkFailed records a failed attempt. See outbox.Entry.Failed.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, reason string, maxRetries int, retryAfter time.Duration) error {
	return s.transition(ctx, id, "postgres.mark_outbox_failed", func(entry outbox.Entry, now time.Time) (outbox.Entry, error) {
		return entry.Failed(reason, maxRetries, retryAfter, now)
	})
}

// Get returns the current snapshot of one entry.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (outbox.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !s.initialized() {
		return outbox.Entry{}, ErrStoreNotInitialized
	}

	if id == uuid.Nil {
		return outbox.Entry{}, ErrIDRequired
	}

	db, err := s.db.Primary(ctx)
	if err != nil {
		return outbox.Entry{}, err
	}

	row := db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM "+s.quotedTable+" WHERE id = $1", id)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.Entry{}, outbox.ErrEntryNotFound
	}

	return entry, err
}

type transitionFunc func(entry outbox.Entry, now time.Time) (outbox.Entry, error)

func (s *Store) transition(ctx context.Context, id uuid.UUID, spanName string, next transitionFunc) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !s.initialized() {
		return ErrStoreNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	logger, tracer := s.tracking(ctx)

	ctx, span := tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String(constants.AttrEventID, id.String()),
		attribute.String(constants.AttrOutboxTable, s.tableName),
	))
	defer span.End()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT "+entryColumns+" FROM "+s.quotedTable+" WHERE id = $1 FOR UPDATE", id)

		current, err := scanEntry(row)
		if errors.Is(err, sql.ErrNoRows) {
			return outbox.ErrEntryNotFound
		}

		if err != nil {
			return err
		}

		updated, err := next(current, s.now())
		if err != nil {
			return err
		}

		query := "UPDATE " + s.quotedTable +
			" SET status = $1, retry_count = $2, last_error = $3, processed_at = $4, updated_at = $5," +
			" next_attempt_at = $6 WHERE id = $7 AND status = $8"

		result, err := tx.ExecContext(ctx, query,
			updated.Status.String(),
			updated.RetryCount,
			nullableString(updated.LastError),
			updated.ProcessedAt,
			updated.UpdatedAt,
			updated.NextAttemptAt,
			id,
			outbox.StatusPending.String(),
		)
		if err != nil {
			return fmt.Errorf("executing update: %w", err)
		}

		return ensureRowsAffected(result)
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to update outbox entry", err)
		logSanitizedError(logger, ctx, "failed to update outbox entry", err)

		return fmt.Errorf("updating outbox entry %s: %w", id, err)
	}

	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	db, err := s.db.Primary(ctx)
	if err != nil {
		return err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, s.transactionTimeout)
		defer cancel()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (s *Store) initialized() bool {
	return s != nil && !nilcheck.Interface(s.db) && s.quotedTable != ""
}

func (s *Store) tracking(ctx context.Context) (log.Logger, trace.Tracer) {
	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	if !nilcheck.Interface(s.logger) {
		logger = s.logger
	}

	if !nilcheck.Interface(s.tracer) {
		tracer = s.tracer
	}

	return logger, tracer
}

func scanEntry(scanner interface{ Scan(dest ...any) error }) (outbox.Entry, error) {
	var (
		entry       outbox.Entry
		eventType   string
		status      string
		payload     []byte
		lastError   sql.NullString
		processedAt sql.NullTime
		nextAttempt sql.NullTime
	)

	if err := scanner.Scan(
		&entry.ID,
		&entry.AggregateID,
		&eventType,
		&payload,
		&status,
		&entry.RetryCount,
		&lastError,
		&entry.CreatedAt,
		&processedAt,
		&entry.UpdatedAt,
		&nextAttempt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return outbox.Entry{}, err
		}

		return outbox.Entry{}, fmt.Errorf("scanning outbox entry: %w", err)
	}

	parsedStatus, err := outbox.ParseStatus(status)
	if err != nil {
		return outbox.Entry{}, fmt.Errorf("scanning outbox entry %s: %w", entry.ID, err)
	}

	// An unknown stored type is kept as-is so the publisher can fail it.
	entry.EventType = envelope.EventType(eventType)
	entry.Status = parsedStatus
	entry.Payload = payload
	entry.LastError = lastError.String
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.UpdatedAt = entry.UpdatedAt.UTC()

	if processedAt.Valid {
		at := processedAt.Time.UTC()
		entry.ProcessedAt = &at
	}

	if nextAttempt.Valid {
		at := nextAttempt.Time.UTC()
		entry.NextAttemptAt = &at
	}

	return entry, nil
}

func validateAppend(entry outbox.Entry) error {
	if entry.ID == uuid.Nil {
		return ErrIDRequired
	}

	if entry.AggregateID == uuid.Nil {
		return fmt.Errorf("aggregate %w", ErrIDRequired)
	}

	if !entry.EventType.IsValid() {
		return fmt.Errorf("%w: %q", envelope.ErrUnknownEventType, entry.EventType)
	}

	if entry.Status != "" && entry.Status != outbox.StatusPending {
		return fmt.Errorf("%w: appended entries must be %s", outbox.ErrTransitionInvalid, outbox.StatusPending)
	}

	if len(entry.Payload) == 0 {
		return outbox.ErrPayloadRequired
	}

	if len(entry.Payload) > outbox.DefaultMaxPayloadBytes {
		return outbox.ErrPayloadTooLarge
	}

	return nil
}

func nullableString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func ensureRowsAffected(result sql.Result) error {
	if result == nil {
		return ErrStateTransitionConflict
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if rows == 0 {
		return ErrStateTransitionConflict
	}

	return nil
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength || !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

// validateIdentifierPath accepts "table" or "schema.table".
func validateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) > 2 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, `"`+strings.ReplaceAll(strings.TrimSpace(part), `"`, `""`)+`"`)
	}

	return strings.Join(quoted, ".")
}

func logSanitizedError(logger log.Logger, ctx context.Context, message string, err error) {
	if nilcheck.Interface(logger) || err == nil {
		return
	}

	logger.Log(ctx, log.LevelError, message, log.String("error", outbox.SanitizeErrorMessageForStorage(err.Error())))
}
