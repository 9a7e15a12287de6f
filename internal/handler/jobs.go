package handler

import (
	"io"

	"github.com/gofiber/fiber/v2"

	"github.com/planscope/api/internal/apperr"
	"github.com/planscope/api/internal/middleware"
	"github.com/planscope/api/internal/service"
	"github.com/planscope/api/pkg/response"
)

type JobHandler struct {
	service *service.JobService
}

func NewJobHandler(svc *service.JobService) *JobHandler {
	return &JobHandler{service: svc}
}

// Create handles POST /api/jobs. The blueprint arrives as a multipart file
// field named "blueprint"; the job is accepted for asynchronous processing.
func (h *JobHandler) Create(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("blueprint")
	if err != nil {
		return response.ValidationError(c, "blueprint file is required", nil)
	}
	if fileHeader.Size > service.MaxBlueprintSize {
		return respondError(c, apperr.FileTooLarge(fileHeader.Size, service.MaxBlueprintSize))
	}

	file, err := fileHeader.Open()
	if err != nil {
		return response.ValidationError(c, "failed to read blueprint file", nil)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return response.ValidationError(c, "failed to read blueprint file", nil)
	}

	result, err := h.service.Create(c.Context(), &service.CreateJobInput{
		Filename:    fileHeader.Filename,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Size:        fileHeader.Size,
		Data:        data,
		RequestID:   middleware.GetRequestID(c),
	})
	if err != nil {
		return respondError(c, err)
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/jobs/:jobId
func (h *JobHandler) Status(c *fiber.Ctx) error {
	result, err := h.service.Status(c.Context(), c.Params("jobId"))
	if err != nil {
		return respondError(c, err)
	}
	return response.OK(c, result)
}

// Result handles GET /api/jobs/:jobId/result
func (h *JobHandler) Result(c *fiber.Ctx) error {
	result, err := h.service.Result(c.Context(), c.Params("jobId"))
	if err != nil {
		return respondError(c, err)
	}
	return response.OK(c, result)
}

// Cancel handles POST /api/jobs/:jobId/cancel
func (h *JobHandler) Cancel(c *fiber.Ctx) error {
	result, err := h.service.Cancel(c.Context(), c.Params("jobId"))
	if err != nil {
		return respondError(c, err)
	}
	return response.OK(c, result)
}

// Preview handles GET /api/preview/:fingerprint. It serves the cached
// preview for previously seen blueprint content without creating a job.
func (h *JobHandler) Preview(c *fiber.Ctx) error {
	result, err := h.service.Preview(c.Context(), c.Params("fingerprint"))
	if err != nil {
		return respondError(c, err)
	}
	return response.OK(c, result)
}
