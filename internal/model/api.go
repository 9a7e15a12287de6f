package model

import (
	"encoding/json"
	"time"
)

// CreateJobResponse is returned when a blueprint is accepted for processing
type CreateJobResponse struct {
	JobID        string    `json:"jobId"`
	Status       JobStatus `json:"status"`
	Fingerprint  string    `json:"contentFingerprint"`
	WebsocketURL string    `json:"websocketUrl"`
	CreatedAt    time.Time `json:"createdAt"`
}

// JobStatusResponse is the job view returned by status queries
type JobStatusResponse struct {
	JobID          string     `json:"jobId"`
	Status         JobStatus  `json:"status"`
	Stage          Stage      `json:"stage,omitempty"`
	Progress       int        `json:"progress"`
	Degraded       bool       `json:"degraded,omitempty"`
	DegradedStage  Stage      `json:"degradedStage,omitempty"`
	DegradedReason string     `json:"degradedReason,omitempty"`
	Error          *JobError  `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// JobResultResponse carries the stored detection result for a job
type JobResultResponse struct {
	JobID       string          `json:"jobId"`
	Status      JobStatus       `json:"status"`
	Stage       Stage           `json:"stage,omitempty"`
	Degraded    bool            `json:"degraded,omitempty"`
	Result      json.RawMessage `json:"result"`
	ResultURL   string          `json:"resultUrl,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// CancelJobResponse confirms a cancellation request
type CancelJobResponse struct {
	JobID  string    `json:"jobId"`
	Status JobStatus `json:"status"`
}

// StatusView builds the status response for a job.
func (j *Job) StatusView() *JobStatusResponse {
	return &JobStatusResponse{
		JobID:          j.ID,
		Status:         j.Status,
		Stage:          j.Stage,
		Progress:       j.Progress,
		Degraded:       j.Degraded,
		DegradedStage:  j.DegradedStage,
		DegradedReason: j.DegradedReason,
		Error:          j.Error,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		CompletedAt:    j.CompletedAt,
	}
}
