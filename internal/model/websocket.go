package model

import "time"

// WebSocket message types
const (
	WSMessageTypeProgress      = "progress_update"
	WSMessageTypeStageComplete = "stage_complete"
	WSMessageTypeJobComplete   = "job_complete"
	WSMessageTypeJobFailed     = "job_failed"
	WSMessageTypeJobCancelled  = "job_cancelled"
	WSMessageTypePing          = "ping"
	WSMessageTypePong          = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSEvent is a job progress event pushed to subscribers
type WSEvent struct {
	Type      string      `json:"type"`
	JobID     string      `json:"jobId"`
	Status    JobStatus   `json:"status,omitempty"`
	Stage     Stage       `json:"stage,omitempty"`
	Progress  int         `json:"progress"`
	Degraded  bool        `json:"degraded,omitempty"`
	Result    interface{} `json:"result,omitempty"`
	Error     *JobError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
