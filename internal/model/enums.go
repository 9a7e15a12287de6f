package model

// Job status
type JobStatus string

const (
	JobStatusPending        JobStatus = "pending"
	JobStatusProcessing     JobStatus = "processing"
	JobStatusStage1Complete JobStatus = "stage_1_complete"
	JobStatusStage2Complete JobStatus = "stage_2_complete"
	JobStatusCompleted      JobStatus = "completed"
	JobStatusFailed         JobStatus = "failed"
	JobStatusCancelled      JobStatus = "cancelled"
)

var ValidJobStatuses = []JobStatus{
	JobStatusPending, JobStatusProcessing, JobStatusStage1Complete,
	JobStatusStage2Complete, JobStatusCompleted, JobStatusFailed,
	JobStatusCancelled,
}

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Pipeline stages
type Stage string

const (
	StagePreview      Stage = "preview"
	StageIntermediate Stage = "intermediate"
	StageFinal        Stage = "final"
)

// Stages returns the pipeline stages in execution order.
func Stages() []Stage {
	return []Stage{StagePreview, StageIntermediate, StageFinal}
}

// CompletionStatus returns the job status entered when the stage finishes.
func (s Stage) CompletionStatus() JobStatus {
	switch s {
	case StagePreview:
		return JobStatusStage1Complete
	case StageIntermediate:
		return JobStatusStage2Complete
	default:
		return JobStatusCompleted
	}
}

// Progress returns the job progress percentage after the stage completes.
func (s Stage) Progress() int {
	switch s {
	case StagePreview:
		return 33
	case StageIntermediate:
		return 66
	default:
		return 100
	}
}

// Blueprint formats
type BlueprintFormat string

const (
	FormatPNG BlueprintFormat = "png"
	FormatJPG BlueprintFormat = "jpg"
	FormatPDF BlueprintFormat = "pdf"
)

var ValidBlueprintFormats = []BlueprintFormat{FormatPNG, FormatJPG, FormatPDF}

// FormatFromContentType maps an upload content type to a blueprint format.
func FormatFromContentType(contentType string) (BlueprintFormat, bool) {
	switch contentType {
	case "image/png":
		return FormatPNG, true
	case "image/jpeg", "image/jpg":
		return FormatJPG, true
	case "application/pdf":
		return FormatPDF, true
	}
	return "", false
}

// Feedback types
type FeedbackType string

const (
	FeedbackWrong   FeedbackType = "wrong"
	FeedbackCorrect FeedbackType = "correct"
	FeedbackPartial FeedbackType = "partial"
)

var ValidFeedbackTypes = []FeedbackType{FeedbackWrong, FeedbackCorrect, FeedbackPartial}
