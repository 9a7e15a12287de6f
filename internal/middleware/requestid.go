package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/planscope/api/internal/model"
)

const apiVersion = "v1"

// RequestID tags every request with a correlation id. An incoming
// X-Correlation-ID is passed through so callers can trace requests across
// services; otherwise a fresh id is generated. The id is echoed in the
// response header and carried in the response meta.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get("X-Correlation-ID")
		if requestID == "" {
			requestID = model.NewRequestID()
		}

		c.Locals("requestId", requestID)
		c.Locals("apiVersion", apiVersion)
		c.Set("X-Correlation-ID", requestID)

		return c.Next()
	}
}

// GetRequestID extracts the correlation id from context
func GetRequestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestId").(string); ok {
		return id
	}
	return ""
}
