package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/trace"

	relay "github.com/LerianStudio/outbox-relay"
	"github.com/LerianStudio/outbox-relay/log"
	libOpentelemetry "github.com/LerianStudio/outbox-relay/opentelemetry"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Code    string `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

func (e ErrorResponse) Error() string { return e.Message }

// Respond writes body as JSON with status.
func Respond(c *fiber.Ctx, status int, body any) error {
	return c.Status(status).JSON(body)
}

// RespondError writes an ErrorResponse.
func RespondError(c *fiber.Ctx, status int, title, message string) error {
	return c.Status(status).JSON(ErrorResponse{
		Code:    strconv.Itoa(status),
		Title:   title,
		Message: message,
	})
}

func BadRequest(c *fiber.Ctx, title, message string) error {
	return RespondError(c, fiber.StatusBadRequest, title, message)
}

func NotFound(c *fiber.Ctx, title, message string) error {
	return RespondError(c, fiber.StatusNotFound, title, message)
}

// InternalServerError never exposes the underlying error.
func InternalServerError(c *fiber.Ctx) error {
	return RespondError(c, fiber.StatusInternalServerError, "internal_error", "internal server error")
}

func ServiceUnavailable(c *fiber.Ctx, title string) error {
	return RespondError(c, fiber.StatusServiceUnavailable, title, "service unavailable")
}

// FiberErrorHandler renders errors that escape handlers. Fiber errors keep
// their status; anything else is logged and reported as a 500.
func FiberErrorHandler(c *fiber.Ctx, err error) error {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}

	libOpentelemetry.HandleSpanError(trace.SpanFromContext(ctx), "handler error", err)

	var fe *fiber.Error
	if errors.As(err, &fe) {
		title := http.StatusText(fe.Code)
		if title == "" {
			title = "request_failed"
		}

		return RespondError(c, fe.Code, title, fe.Message)
	}

	var resp ErrorResponse
	if errors.As(err, &resp) {
		status, convErr := strconv.Atoi(resp.Code)
		if convErr != nil || status < http.StatusContinue || status > 599 {
			status = fiber.StatusInternalServerError
		}

		return RespondError(c, status, resp.Title, resp.Message)
	}

	logger, _, _ := relay.NewTrackingFromContext(ctx)
	logger.Log(ctx, log.LevelError, "handler error",
		log.String("method", c.Method()),
		log.String("path", c.Path()),
		log.Err(err),
	)

	return InternalServerError(c)
}
