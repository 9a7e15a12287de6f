package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/planscope/api/internal/apperr"
	"github.com/planscope/api/internal/client"
	"github.com/planscope/api/internal/config"
	"github.com/planscope/api/internal/metrics"
	"github.com/planscope/api/internal/model"
	"github.com/planscope/api/internal/pipeline"
	"github.com/planscope/api/internal/store"
)

const (
	TaskTypePipeline = "pipeline:run"
	TaskTypeMedia    = "media:thumbnail"

	QueuePipeline = "pipeline"
	QueueMedia    = "media"

	// MaxBlueprintSize caps blueprint uploads at 50 MB
	MaxBlueprintSize = 50 << 20
)

// TaskEnqueuer is the slice of asynq.Client the service needs
type TaskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// CreateJobInput carries a validated-enough upload into job creation
type CreateJobInput struct {
	Filename    string
	ContentType string
	Size        int64
	Data        []byte
	RequestID   string
}

// JobService handles blueprint job management
type JobService struct {
	jobs     store.JobStore
	storage  client.StorageClient
	cache    pipeline.Cache
	enqueuer TaskEnqueuer
	notifier pipeline.Notifier
	cfg      *config.Config
}

// NewJobService creates a new job service
func NewJobService(jobs store.JobStore, storage client.StorageClient, cache pipeline.Cache, enqueuer TaskEnqueuer, notifier pipeline.Notifier, cfg *config.Config) *JobService {
	return &JobService{
		jobs:     jobs,
		storage:  storage,
		cache:    cache,
		enqueuer: enqueuer,
		notifier: notifier,
		cfg:      cfg,
	}
}

// Create validates an uploaded blueprint, stores it, records the job and
// queues pipeline processing. The blueprint is uploaded before the record
// exists; if the record or the queueing fails, the stored pieces are
// rolled back so no half-created job survives.
func (s *JobService) Create(ctx context.Context, in *CreateJobInput) (*model.CreateJobResponse, error) {
	if len(in.Data) == 0 {
		return nil, apperr.New(apperr.CodeValidation, "empty blueprint upload", 400)
	}

	size := in.Size
	if size <= 0 {
		size = int64(len(in.Data))
	}
	if size > MaxBlueprintSize {
		return nil, apperr.FileTooLarge(size, MaxBlueprintSize)
	}

	format, ok := model.FormatFromContentType(in.ContentType)
	if !ok {
		format, ok = formatFromFilename(in.Filename)
	}
	if !ok {
		allowed := make([]string, 0, len(model.ValidBlueprintFormats))
		for _, f := range model.ValidBlueprintFormats {
			allowed = append(allowed, string(f))
		}
		return nil, apperr.InvalidFileFormat(in.ContentType, allowed)
	}

	fingerprint := model.Fingerprint(in.Data)
	job := model.NewJob(model.BlueprintMeta{
		Filename: in.Filename,
		Format:   format,
		Size:     size,
	}, fingerprint, s.cfg.Detection.ModelVersion, in.RequestID)
	job.Blueprint.Key = fmt.Sprintf("blueprints/%s.%s", job.ID, format)

	if _, err := s.storage.Upload(ctx, job.Blueprint.Key, bytes.NewReader(in.Data), in.ContentType); err != nil {
		return nil, apperr.ServiceUnavailable("blueprint storage", err)
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		s.discardBlueprint(job.Blueprint.Key)
		return nil, fmt.Errorf("failed to record job: %w", err)
	}

	task, err := newJobTask(TaskTypePipeline, job.ID)
	if err != nil {
		s.discardJob(job)
		return nil, fmt.Errorf("failed to create pipeline task: %w", err)
	}
	_, err = s.enqueuer.Enqueue(task,
		asynq.Queue(QueuePipeline),
		asynq.MaxRetry(3),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		s.discardJob(job)
		return nil, apperr.ServiceUnavailable("job queue", err)
	}

	// Thumbnail generation is best effort and never blocks the pipeline
	if format != model.FormatPDF {
		if task, err := newJobTask(TaskTypeMedia, job.ID); err == nil {
			if _, err := s.enqueuer.Enqueue(task, asynq.Queue(QueueMedia), asynq.MaxRetry(2)); err != nil {
				log.Printf("Failed to queue thumbnail for job %s: %v", job.ID, err)
			}
		}
	}

	metrics.JobsCreated.Inc()
	log.Printf("Job %s created for blueprint %s (%d bytes, fingerprint %.12s)", job.ID, in.Filename, size, fingerprint)

	return &model.CreateJobResponse{
		JobID:        job.ID,
		Status:       job.Status,
		Fingerprint:  job.Fingerprint,
		WebsocketURL: s.websocketURL(job.ID),
		CreatedAt:    job.CreatedAt,
	}, nil
}

// Get loads a job record
func (s *JobService) Get(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.JobNotFound(jobID)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Status returns the status view of a job
func (s *JobService) Status(ctx context.Context, jobID string) (*model.JobStatusResponse, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job.StatusView(), nil
}

// Result returns the stored detection result of a completed job
func (s *JobService) Result(ctx context.Context, jobID string) (*model.JobResultResponse, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status != model.JobStatusCompleted {
		return nil, apperr.Conflict(fmt.Sprintf("job %s is %s, result not available", jobID, job.Status)).
			WithDetails(map[string]interface{}{"status": string(job.Status)})
	}
	if job.ResultRef == "" {
		return nil, apperr.New(apperr.CodeNotFound, fmt.Sprintf("job %s has no stored result", jobID), 404)
	}

	data, err := s.storage.Download(ctx, job.ResultRef)
	if err != nil {
		return nil, apperr.ServiceUnavailable("result storage", err)
	}

	resp := &model.JobResultResponse{
		JobID:       job.ID,
		Status:      job.Status,
		Stage:       job.Stage,
		Degraded:    job.Degraded,
		Result:      json.RawMessage(data),
		CompletedAt: job.CompletedAt,
	}
	if url, err := s.storage.GetSignedURL(ctx, job.ResultRef, time.Hour); err == nil {
		resp.ResultURL = url
	}
	return resp, nil
}

// Cancel requests cooperative cancellation of a job. The status write is
// conditional on the job version; losing the race to the pipeline means
// re-reading and deciding again, so cancellation and stage completion are
// always linearized. Cancelling an already cancelled job succeeds.
func (s *JobService) Cancel(ctx context.Context, jobID string) (*model.CancelJobResponse, error) {
	for {
		job, err := s.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}

		if job.Status == model.JobStatusCancelled {
			return &model.CancelJobResponse{JobID: job.ID, Status: job.Status}, nil
		}
		if !model.CanCancel(job.Status) {
			return nil, apperr.JobAlreadyCompleted(jobID, string(job.Status))
		}

		updated := *job
		updated.Status = model.JobStatusCancelled
		now := time.Now().UTC()
		updated.CompletedAt = &now

		err = s.jobs.Update(ctx, &updated)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		metrics.JobsCancelled.Inc()
		log.Printf("Job %s cancelled", jobID)
		s.notifier.BroadcastJobCancelled(jobID)

		return &model.CancelJobResponse{JobID: jobID, Status: model.JobStatusCancelled}, nil
	}
}

// Preview returns the cached preview result for a blueprint fingerprint,
// letting clients of previously seen content skip the upload round-trip
func (s *JobService) Preview(ctx context.Context, fingerprint string) (*model.StageResult, error) {
	if len(fingerprint) != 64 {
		return nil, apperr.New(apperr.CodeValidation, "fingerprint must be 64 hex characters", 400)
	}

	result, ok := s.cache.Lookup(ctx, fingerprint, model.StagePreview, s.cfg.Detection.ModelVersion)
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, fmt.Sprintf("no cached preview for fingerprint %s", fingerprint), 404)
	}
	return result, nil
}

// discardJob rolls back a partially created job
func (s *JobService) discardJob(job *model.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.jobs.Delete(ctx, job.ID); err != nil {
		log.Printf("Failed to roll back job record %s: %v", job.ID, err)
	}
	s.discardBlueprint(job.Blueprint.Key)
}

// discardBlueprint removes an uploaded blueprint that lost its job
func (s *JobService) discardBlueprint(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.storage.Delete(ctx, key); err != nil {
		log.Printf("Failed to roll back blueprint %s: %v", key, err)
	}
}

func (s *JobService) websocketURL(jobID string) string {
	path := fmt.Sprintf("/ws/jobs/%s", jobID)
	if s.cfg.Server.ApiDomain == "" {
		return path
	}
	return fmt.Sprintf("wss://%s%s", s.cfg.Server.ApiDomain, path)
}

func formatFromFilename(filename string) (model.BlueprintFormat, bool) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return model.FormatPNG, true
	case ".jpg", ".jpeg":
		return model.FormatJPG, true
	case ".pdf":
		return model.FormatPDF, true
	}
	return "", false
}

func newJobTask(taskType, jobID string) (*asynq.Task, error) {
	data, err := json.Marshal(map[string]interface{}{"jobId": jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data), nil
}
