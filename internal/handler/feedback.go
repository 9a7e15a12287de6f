package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/planscope/api/internal/model"
	"github.com/planscope/api/internal/service"
	"github.com/planscope/api/pkg/response"
)

type FeedbackHandler struct {
	service   *service.FeedbackService
	validator *validator.Validate
}

func NewFeedbackHandler(svc *service.FeedbackService, v *validator.Validate) *FeedbackHandler {
	return &FeedbackHandler{
		service:   svc,
		validator: v,
	}
}

// Submit handles POST /api/jobs/:jobId/feedback
func (h *FeedbackHandler) Submit(c *fiber.Ctx) error {
	var req model.SubmitFeedbackRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Submit(c.Context(), c.Params("jobId"), &req)
	if err != nil {
		return respondError(c, err)
	}

	return response.Created(c, result)
}

// List handles GET /api/jobs/:jobId/feedback
func (h *FeedbackHandler) List(c *fiber.Ctx) error {
	result, err := h.service.List(c.Context(), c.Params("jobId"))
	if err != nil {
		return respondError(c, err)
	}
	return response.OK(c, result)
}
