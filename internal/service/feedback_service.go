package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/planscope/api/internal/apperr"
	"github.com/planscope/api/internal/model"
	"github.com/planscope/api/internal/store"
)

// FeedbackService handles detection feedback on completed jobs
type FeedbackService struct {
	feedback store.FeedbackStore
	jobs     store.JobStore
}

// NewFeedbackService creates a new feedback service
func NewFeedbackService(feedback store.FeedbackStore, jobs store.JobStore) *FeedbackService {
	return &FeedbackService{
		feedback: feedback,
		jobs:     jobs,
	}
}

// Submit records a feedback entry against a completed job
func (s *FeedbackService) Submit(ctx context.Context, jobID string, req *model.SubmitFeedbackRequest) (*model.Feedback, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.JobNotFound(jobID)
	}
	if err != nil {
		return nil, err
	}

	if job.Status != model.JobStatusCompleted {
		return nil, apperr.InvalidFeedback(fmt.Sprintf("job %s is %s; feedback applies to completed jobs", jobID, job.Status))
	}

	fbType := model.FeedbackType(req.Feedback)
	switch fbType {
	case model.FeedbackWrong, model.FeedbackPartial:
		if req.RoomID == "" {
			return nil, apperr.InvalidFeedback("roomId is required for wrong and partial feedback")
		}
	case model.FeedbackCorrect:
		if req.Correction != nil {
			return nil, apperr.InvalidFeedback("correct feedback does not take a correction")
		}
	}

	if req.Correction != nil {
		if err := validateCorrection(req.Correction); err != nil {
			return nil, err
		}
	}

	fb := &model.Feedback{
		ID:         model.NewFeedbackID(),
		JobID:      jobID,
		Type:       fbType,
		RoomID:     req.RoomID,
		Correction: req.Correction,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.feedback.Add(ctx, fb); err != nil {
		return nil, fmt.Errorf("failed to store feedback: %w", err)
	}

	log.Printf("Feedback %s (%s) recorded for job %s", fb.ID, fb.Type, jobID)
	return fb, nil
}

// List returns all feedback recorded for a job
func (s *FeedbackService) List(ctx context.Context, jobID string) (*model.FeedbackListResponse, error) {
	if _, err := s.jobs.Get(ctx, jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.JobNotFound(jobID)
		}
		return nil, err
	}

	items, err := s.feedback.List(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return &model.FeedbackListResponse{
		JobID:    jobID,
		Feedback: items,
		Count:    len(items),
	}, nil
}

// validateCorrection checks the geometry of a user-drawn correction box
func validateCorrection(c *model.Correction) error {
	if len(c.BoundingBox) != 4 {
		return apperr.InvalidFeedback("correction boundingBox must have exactly 4 coordinates")
	}
	xMin, yMin, xMax, yMax := c.BoundingBox[0], c.BoundingBox[1], c.BoundingBox[2], c.BoundingBox[3]
	if xMin < 0 || yMin < 0 {
		return apperr.InvalidFeedback("correction box coordinates must be non-negative")
	}
	if xMax <= xMin || yMax <= yMin {
		return apperr.InvalidFeedback("correction box must have positive width and height")
	}
	return nil
}
