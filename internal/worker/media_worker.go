package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/disintegration/imaging"
	"github.com/hibiken/asynq"

	"github.com/planscope/api/internal/client"
	"github.com/planscope/api/internal/model"
	"github.com/planscope/api/internal/store"
)

const thumbnailSize = 480

// MediaWorker generates blueprint thumbnails and records image dimensions
// on the job. Everything here is best effort; the detection pipeline never
// waits for it.
type MediaWorker struct {
	jobs    store.JobStore
	storage client.StorageClient
}

// NewMediaWorker creates a new media worker
func NewMediaWorker(jobs store.JobStore, storage client.StorageClient) *MediaWorker {
	return &MediaWorker{
		jobs:    jobs,
		storage: storage,
	}
}

// ProcessTask handles thumbnail task processing
func (w *MediaWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal media payload: %w", err)
	}
	jobID := payload.JobID

	job, err := w.jobs.Get(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("Job %s no longer exists, skipping thumbnail", jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	if job.Blueprint.Format == model.FormatPDF {
		log.Printf("Job %s is a PDF, skipping thumbnail", jobID)
		return nil
	}

	data, err := w.storage.Download(ctx, job.Blueprint.Key)
	if err != nil {
		return fmt.Errorf("failed to load blueprint for job %s: %w", jobID, err)
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		// Undecodable uploads are a permanent condition, not a retry case
		log.Printf("Job %s blueprint is not decodable: %v", jobID, err)
		return nil
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	thumbKey := ""
	thumb := imaging.Fit(img, thumbnailSize, thumbnailSize, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		log.Printf("Failed to encode thumbnail for job %s: %v", jobID, err)
	} else {
		key := fmt.Sprintf("thumbnails/%s.jpg", jobID)
		if _, err := w.storage.Upload(ctx, key, bytes.NewReader(buf.Bytes()), "image/jpeg"); err != nil {
			log.Printf("Failed to upload thumbnail for job %s: %v", jobID, err)
		} else {
			thumbKey = key
		}
	}

	if err := w.recordMedia(ctx, jobID, width, height, thumbKey); err != nil {
		return err
	}

	log.Printf("Thumbnail processed for job %s (%dx%d)", jobID, width, height)
	return nil
}

// recordMedia writes the dimensions and thumbnail key onto the job record.
// The pipeline bumps the job version concurrently, so conflicts are
// expected and retried against fresh reads a few times before giving up.
func (w *MediaWorker) recordMedia(ctx context.Context, jobID string, width, height int, thumbKey string) error {
	for attempt := 0; attempt < 5; attempt++ {
		job, err := w.jobs.Get(ctx, jobID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to reload job %s: %w", jobID, err)
		}

		updated := *job
		updated.Blueprint.Width = width
		updated.Blueprint.Height = height
		if thumbKey != "" {
			updated.Blueprint.ThumbnailKey = thumbKey
		}

		err = w.jobs.Update(ctx, &updated)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to record media for job %s: %w", jobID, err)
		}
		return nil
	}

	log.Printf("Gave up recording media for job %s after repeated version conflicts", jobID)
	return nil
}
