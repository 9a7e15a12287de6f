package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/planscope/api/internal/apperr"
	"github.com/planscope/api/internal/client"
	"github.com/planscope/api/internal/config"
	"github.com/planscope/api/internal/metrics"
	"github.com/planscope/api/internal/model"
	"github.com/planscope/api/internal/retry"
	"github.com/planscope/api/internal/store"
)

// Notifier pushes job lifecycle events to subscribers
type Notifier interface {
	BroadcastProgress(jobID string, status model.JobStatus, stage model.Stage, progress int)
	BroadcastStageComplete(jobID string, status model.JobStatus, stage model.Stage, result interface{})
	BroadcastJobComplete(jobID string, degraded bool, result interface{})
	BroadcastJobFailed(jobID string, jobErr *model.JobError)
	BroadcastJobCancelled(jobID string)
}

// Cache is the two-tier stage result cache consumed by the pipeline
type Cache interface {
	Lookup(ctx context.Context, fingerprint string, stage model.Stage, version string) (*model.StageResult, bool)
	Store(fingerprint string, stage model.Stage, version string, result *model.StageResult)
}

// Orchestrator drives a job through the detection stages. Every status
// write is a conditional update on the job version, so a concurrent
// cancellation or a duplicate delivery of the same task can never corrupt
// the state machine.
type Orchestrator struct {
	jobs     store.JobStore
	cache    Cache
	detector Detector
	storage  client.StorageClient
	notifier Notifier

	retryPolicy   retry.Policy
	stageTimeouts map[model.Stage]time.Duration
}

// NewOrchestrator creates the pipeline orchestrator
func NewOrchestrator(jobs store.JobStore, cache Cache, detector Detector, storage client.StorageClient, notifier Notifier, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		jobs:     jobs,
		cache:    cache,
		detector: detector,
		storage:  storage,
		notifier: notifier,
		retryPolicy: retry.Policy{
			MaxAttempts: cfg.Pipeline.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Pipeline.RetryBaseDelay) * time.Second,
		},
		stageTimeouts: map[model.Stage]time.Duration{
			model.StagePreview:      time.Duration(cfg.Layout.Timeout) * time.Second,
			model.StageIntermediate: time.Duration(cfg.Detection.DetectTimeout) * time.Second,
			model.StageFinal:        time.Duration(cfg.Detection.RefineTimeout) * time.Second,
		},
	}
}

// Run executes the pipeline for one job. It returns nil whenever a job
// outcome was recorded (completed, degraded, failed or cancelled) and an
// error only for infrastructure failures, so the task queue redelivers
// exactly the runs that did not reach an outcome. Redelivery is safe:
// terminal jobs are dropped and completed stages replay from cache.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	job, err := o.jobs.Get(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("Job %s no longer exists, dropping task", jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	if job.Status.Terminal() {
		log.Printf("Job %s already %s, nothing to do", jobID, job.Status)
		return nil
	}

	if job.Status == model.JobStatusPending {
		job, err = o.applyTransition(ctx, job, model.JobStatusProcessing, func(j *model.Job) {
			now := time.Now().UTC()
			j.StartedAt = &now
		})
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}
	}

	doc := &documentLoader{storage: o.storage, key: job.Blueprint.Key}
	stages := model.Stages()
	start := stageIndex(job.Status)

	var prior *model.StageResult
	if start > 0 {
		prior = o.recoverResult(ctx, job)
	}

	for i := start; i < len(stages); i++ {
		stage := stages[i]

		// Cancellation is cooperative: each stage boundary re-reads the job
		// and stops silently if someone else moved it to a terminal state
		job, err = o.refresh(ctx, job)
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}

		o.notifier.BroadcastProgress(job.ID, job.Status, stage, job.Progress)

		result, ok := o.cache.Lookup(ctx, job.Fingerprint, stage, job.ModelVersion)
		if ok {
			log.Printf("Job %s stage %s served from cache", job.ID, stage)
		} else {
			document, derr := doc.load(ctx)
			if derr != nil {
				return derr
			}

			result, err = o.detect(ctx, job, stage, document, prior)
			if err != nil {
				return o.recordStageFailure(ctx, job, stage, prior, err)
			}
			o.cache.Store(job.Fingerprint, stage, job.ModelVersion, result)
		}

		job, err = o.commitStage(ctx, job, stage, result)
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}

		prior = result
	}

	return nil
}

// detect runs the detector for one stage under the retry policy, bounding
// each attempt with the stage's timeout
func (o *Orchestrator) detect(ctx context.Context, job *model.Job, stage model.Stage, document []byte, prior *model.StageResult) (*model.StageResult, error) {
	var result *model.StageResult
	op := fmt.Sprintf("%s stage", stage)

	err := o.retryPolicy.Execute(ctx, op, func(ctx context.Context) error {
		stageCtx, cancel := context.WithTimeout(ctx, o.stageTimeouts[stage])
		defer cancel()

		r, err := o.detector.Run(stageCtx, stage, &StageInput{Job: job, Document: document, Prior: prior})
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// commitStage persists the stage result and advances the job status. The
// artifact is written before the status points at it; a conflict on the
// status write means someone else owns the job now and the run stops.
func (o *Orchestrator) commitStage(ctx context.Context, job *model.Job, stage model.Stage, result *model.StageResult) (*model.Job, error) {
	key := fmt.Sprintf("results/%s/%s.json", job.ID, stage)

	artifact := *result
	artifact.ServedFromCache = false
	data, err := json.Marshal(&artifact)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s result for job %s: %w", stage, job.ID, err)
	}
	if _, err := o.storage.Upload(ctx, key, bytes.NewReader(data), "application/json"); err != nil {
		return nil, fmt.Errorf("failed to persist %s result for job %s: %w", stage, job.ID, err)
	}

	target := stage.CompletionStatus()
	job, err = o.applyTransition(ctx, job, target, func(j *model.Job) {
		j.Stage = stage
		j.Progress = stage.Progress()
		j.ResultRef = key
		if target == model.JobStatusCompleted {
			now := time.Now().UTC()
			j.CompletedAt = &now
		}
	})
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}

	if target == model.JobStatusCompleted {
		metrics.JobsCompleted.WithLabelValues("false").Inc()
		log.Printf("Job %s completed", job.ID)
		o.notifier.BroadcastJobComplete(job.ID, false, result)
	} else {
		log.Printf("Job %s finished stage %s", job.ID, stage)
		o.notifier.BroadcastStageComplete(job.ID, job.Status, stage, result)
	}

	return job, nil
}

// recordStageFailure turns a detection failure into a job outcome: degraded
// completion when an earlier stage already produced a usable result, a
// failed job otherwise. Worker shutdown is neither; the error propagates so
// the task is redelivered.
func (o *Orchestrator) recordStageFailure(ctx context.Context, job *model.Job, stage model.Stage, prior *model.StageResult, stageErr error) error {
	if errors.Is(stageErr, context.Canceled) {
		return stageErr
	}

	var exhausted *retry.ExhaustedError
	if errors.As(stageErr, &exhausted) {
		metrics.RetriesExhausted.WithLabelValues(exhausted.Op).Inc()
	}

	if stage != model.StagePreview && prior != nil {
		return o.completeDegraded(ctx, job, stage, prior, stageErr)
	}
	return o.failJob(ctx, job, stage, stageErr)
}

// completeDegraded finishes the job with the last usable result after a
// later stage failed permanently
func (o *Orchestrator) completeDegraded(ctx context.Context, job *model.Job, stage model.Stage, prior *model.StageResult, stageErr error) error {
	reason := apperr.From(stageErr).Message

	job, err := o.applyTransition(ctx, job, model.JobStatusCompleted, func(j *model.Job) {
		now := time.Now().UTC()
		j.Progress = 100
		j.Degraded = true
		j.DegradedStage = stage
		j.DegradedReason = reason
		j.CompletedAt = &now
	})
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}

	metrics.JobsCompleted.WithLabelValues("true").Inc()
	log.Printf("Job %s completed degraded, stage %s failed: %v", job.ID, stage, stageErr)
	o.notifier.BroadcastJobComplete(job.ID, true, prior)
	return nil
}

// failJob records a permanent failure with no usable result
func (o *Orchestrator) failJob(ctx context.Context, job *model.Job, stage model.Stage, stageErr error) error {
	appErr := apperr.From(stageErr)
	jobErr := &model.JobError{
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: appErr.Details,
	}

	job, err := o.applyTransition(ctx, job, model.JobStatusFailed, func(j *model.Job) {
		now := time.Now().UTC()
		j.Error = jobErr
		j.CompletedAt = &now
	})
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}

	metrics.JobsFailed.Inc()
	log.Printf("Job %s failed at stage %s: %v", job.ID, stage, stageErr)
	o.notifier.BroadcastJobFailed(job.ID, jobErr)
	return nil
}

// applyTransition moves the job to target with mutate applied on top,
// retrying version conflicts against fresh reads. It returns the updated
// job, or nil when the job reached a terminal state that makes the
// transition moot (a concurrent cancellation, another worker finishing the
// same work). Re-applying a transition that already took effect returns
// the job unchanged.
func (o *Orchestrator) applyTransition(ctx context.Context, job *model.Job, target model.JobStatus, mutate func(*model.Job)) (*model.Job, error) {
	for {
		if job.Status == target {
			return job, nil
		}

		next, terr := model.Transition(job.Status, target)
		if terr != nil {
			if job.Status.Terminal() {
				log.Printf("Job %s is %s, dropping transition to %s", job.ID, job.Status, target)
				return nil, nil
			}
			return nil, terr
		}

		updated := *job
		updated.Status = next
		mutate(&updated)

		err := o.jobs.Update(ctx, &updated)
		if err == nil {
			return &updated, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}

		fresh, err := o.jobs.Get(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload job %s after conflict: %w", job.ID, err)
		}
		job = fresh
	}
}

// refresh re-reads the job so cancellations are observed at stage
// boundaries. Returns nil when the job is gone or terminal.
func (o *Orchestrator) refresh(ctx context.Context, job *model.Job) (*model.Job, error) {
	fresh, err := o.jobs.Get(ctx, job.ID)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("Job %s disappeared mid-pipeline", job.ID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if fresh.Status.Terminal() {
		log.Printf("Job %s is %s, stopping pipeline", fresh.ID, fresh.Status)
		return nil, nil
	}
	return fresh, nil
}

// recoverResult reloads the last committed stage result when a redelivered
// task resumes a partially processed job. Failure to recover is not fatal;
// the detector rebuilds what it needs.
func (o *Orchestrator) recoverResult(ctx context.Context, job *model.Job) *model.StageResult {
	if job.ResultRef == "" {
		return nil
	}
	data, err := o.storage.Download(ctx, job.ResultRef)
	if err != nil {
		log.Printf("Job %s: could not recover result %s: %v", job.ID, job.ResultRef, err)
		return nil
	}
	var result model.StageResult
	if err := json.Unmarshal(data, &result); err != nil {
		log.Printf("Job %s: corrupt recovered result %s: %v", job.ID, job.ResultRef, err)
		return nil
	}
	return &result
}

// stageIndex maps a job status to the first stage still to run
func stageIndex(status model.JobStatus) int {
	switch status {
	case model.JobStatusStage1Complete:
		return 1
	case model.JobStatusStage2Complete:
		return 2
	default:
		return 0
	}
}

// documentLoader fetches the blueprint bytes once, on first use. A run
// whose remaining stages are all cache hits never touches storage.
type documentLoader struct {
	storage client.StorageClient
	key     string
	data    []byte
}

func (l *documentLoader) load(ctx context.Context) ([]byte, error) {
	if l.data != nil {
		return l.data, nil
	}
	data, err := l.storage.Download(ctx, l.key)
	if err != nil {
		return nil, fmt.Errorf("failed to load blueprint %s: %w", l.key, err)
	}
	l.data = data
	return data, nil
}
