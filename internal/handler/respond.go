package handler

import (
	"errors"
	"log"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/planscope/api/internal/apperr"
	"github.com/planscope/api/pkg/response"
)

// respondError maps service errors onto the response envelope. Application
// errors carry their own status and code; anything else is a 500 with the
// details kept out of the response.
func respondError(c *fiber.Ctx, err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return response.Error(c, appErr.Status, appErr.Code, appErr.Message, appErr.Details)
	}

	log.Printf("Unhandled error on %s %s: %v", c.Method(), c.Path(), err)
	return response.ServiceError(c, "Internal server error")
}

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
