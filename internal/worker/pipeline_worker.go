package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/planscope/api/internal/pipeline"
)

// PipelineWorker processes detection pipeline tasks
type PipelineWorker struct {
	orchestrator *pipeline.Orchestrator
}

// NewPipelineWorker creates a new pipeline worker
func NewPipelineWorker(orchestrator *pipeline.Orchestrator) *PipelineWorker {
	return &PipelineWorker{orchestrator: orchestrator}
}

// ProcessTask handles pipeline task processing. The orchestrator reports an
// error only when no job outcome was recorded, which is exactly when asynq
// should redeliver.
func (w *PipelineWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal pipeline payload: %w", err)
	}

	log.Printf("Starting pipeline for job %s", payload.JobID)
	return w.orchestrator.Run(ctx, payload.JobID)
}
