package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Job represents a blueprint detection job in the system
type Job struct {
	ID             string        `json:"jobId"`
	Status         JobStatus     `json:"status"`
	Stage          Stage         `json:"stage,omitempty"`
	Progress       int           `json:"progress"`
	Fingerprint    string        `json:"contentFingerprint"`
	ModelVersion   string        `json:"modelVersion"`
	Blueprint      BlueprintMeta `json:"blueprint"`
	ResultRef      string        `json:"resultRef,omitempty"`
	Result         []byte        `json:"-"` // Latest stage result, stored as JSON
	Degraded       bool          `json:"degraded,omitempty"`
	DegradedStage  Stage         `json:"degradedStage,omitempty"`
	DegradedReason string        `json:"degradedReason,omitempty"`
	Error          *JobError     `json:"error,omitempty"`
	RequestID      string        `json:"requestId,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
	StartedAt      *time.Time    `json:"startedAt,omitempty"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty"`
	Version        int64         `json:"version"` // Optimistic concurrency token
}

// BlueprintMeta describes the uploaded blueprint backing a job
type BlueprintMeta struct {
	Key          string          `json:"key"`
	Filename     string          `json:"filename"`
	Format       BlueprintFormat `json:"format"`
	Size         int64           `json:"size"`
	Width        int             `json:"width,omitempty"`
	Height       int             `json:"height,omitempty"`
	ThumbnailKey string          `json:"thumbnailKey,omitempty"`
}

// JobError is the structured error recorded on a failed job
type JobError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewJob builds a pending job for an uploaded blueprint.
func NewJob(blueprint BlueprintMeta, fingerprint, modelVersion, requestID string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:           NewJobID(),
		Status:       JobStatusPending,
		Progress:     0,
		Fingerprint:  fingerprint,
		ModelVersion: modelVersion,
		Blueprint:    blueprint,
		RequestID:    requestID,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}
}

// NewJobID generates a job identifier: job_{YYYYMMDD_HHMMSS}_{8 hex chars}.
// The timestamp prefix keeps ids roughly time-ordered; the random suffix
// guarantees uniqueness without coordination.
func NewJobID() string {
	return "job_" + timestampedSuffix()
}

// NewFeedbackID generates a feedback identifier: fb_{YYYYMMDD_HHMMSS}_{8 hex}.
func NewFeedbackID() string {
	return "fb_" + timestampedSuffix()
}

// NewRequestID generates a request identifier: req_{YYYYMMDD_HHMMSS}_{8 hex}.
func NewRequestID() string {
	return "req_" + timestampedSuffix()
}

func timestampedSuffix() string {
	id := uuid.New()
	return time.Now().UTC().Format("20060102_150405") + "_" + hex.EncodeToString(id[:4])
}

// Fingerprint computes the content fingerprint for blueprint bytes. Two
// byte-identical uploads always produce the same fingerprint.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
