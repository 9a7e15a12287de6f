package model

import "time"

// Feedback records a user's verdict on a job's detection results
type Feedback struct {
	ID         string       `json:"feedbackId"`
	JobID      string       `json:"jobId"`
	Type       FeedbackType `json:"feedback"`
	RoomID     string       `json:"roomId,omitempty"`
	Correction *Correction  `json:"correction,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// Correction carries the user-drawn replacement box for a wrongly detected
// room. BoundingBox is [x_min, y_min, x_max, y_max].
type Correction struct {
	BoundingBox []float64 `json:"boundingBox" validate:"required,len=4"`
	NameHint    string    `json:"nameHint,omitempty" validate:"omitempty,max=100"`
}

// SubmitFeedbackRequest is the request body for feedback submission
type SubmitFeedbackRequest struct {
	Feedback   string      `json:"feedback" validate:"required,oneof=wrong correct partial"`
	RoomID     string      `json:"roomId" validate:"omitempty,max=64"`
	Correction *Correction `json:"correction" validate:"omitempty"`
}

// FeedbackListResponse is the response body for listing a job's feedback
type FeedbackListResponse struct {
	JobID    string     `json:"jobId"`
	Feedback []Feedback `json:"feedback"`
	Count    int        `json:"count"`
}
