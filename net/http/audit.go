package http

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/LerianStudio/outbox-relay/audit"
	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
)

// AuditReader looks up audit records by event id.
type AuditReader interface {
	Get(ctx context.Context, eventID uuid.UUID) (*audit.Record, error)
}

type AuditHandler struct {
	reader AuditReader
}

var ErrAuditReaderRequired = errors.New("audit reader is required")

func NewAuditHandler(reader AuditReader) (*AuditHandler, error) {
	if nilcheck.Interface(reader) {
		return nil, ErrAuditReaderRequired
	}

	return &AuditHandler{reader: reader}, nil
}

// GetByEventID handles GET /v1/audit-logs/events/:eventId.
func (h *AuditHandler) GetByEventID(c *fiber.Ctx) error {
	eventID, err := uuid.Parse(c.Params("eventId"))
	if err != nil {
		return BadRequest(c, "invalid_event_id", "event id must be a UUID")
	}

	rec, err := h.reader.Get(c.UserContext(), eventID)
	if errors.Is(err, audit.ErrNotFound) {
		return NotFound(c, "audit_record_not_found", "no audit record for event")
	}

	if err != nil {
		return err
	}

	return Respond(c, fiber.StatusOK, rec)
}
