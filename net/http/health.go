package http

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

const defaultCheckTimeout = 2 * time.Second

// HealthCheck probes one dependency. A nil error means ready.
type HealthCheck func(ctx context.Context) error

// NamedCheck pairs a HealthCheck with the name reported by Readiness.
type NamedCheck struct {
	Name  string
	Check HealthCheck
}

// Liveness reports that the process is serving requests.
func Liveness(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "available"})
}

// Readiness runs every check and answers 503 when any fails. Failure
// details are not exposed.
func Readiness(timeout time.Duration, checks ...NamedCheck) fiber.Handler {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}

	return func(c *fiber.Ctx) error {
		results := make(fiber.Map, len(checks))
		healthy := true

		for _, nc := range checks {
			name := strings.TrimSpace(nc.Name)
			if name == "" || nc.Check == nil {
				continue
			}

			ctx, cancel := context.WithTimeout(c.UserContext(), timeout)
			err := nc.Check(ctx)

			cancel()

			if err != nil {
				healthy = false
				results[name] = "unavailable"

				continue
			}

			results[name] = "available"
		}

		status, label := fiber.StatusOK, "available"
		if !healthy {
			status, label = fiber.StatusServiceUnavailable, "degraded"
		}

		return c.Status(status).JSON(fiber.Map{"status": label, "checks": results})
	}
}
