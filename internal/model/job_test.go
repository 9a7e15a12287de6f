package model

import (
	"strings"
	"testing"
)

func TestNewJob(t *testing.T) {
	meta := BlueprintMeta{Filename: "plan.png", Format: FormatPNG, Size: 2048}
	job := NewJob(meta, strings.Repeat("ab", 32), "1.0.0", "req_x")

	if !strings.HasPrefix(job.ID, "job_") {
		t.Errorf("job id %q missing job_ prefix", job.ID)
	}
	if job.Status != JobStatusPending {
		t.Errorf("new job status = %s, want %s", job.Status, JobStatusPending)
	}
	if job.Progress != 0 {
		t.Errorf("new job progress = %d, want 0", job.Progress)
	}
	if job.Version != 1 {
		t.Errorf("new job version = %d, want 1", job.Version)
	}
	if job.ModelVersion != "1.0.0" {
		t.Errorf("model version = %q, want 1.0.0", job.ModelVersion)
	}
	if job.CreatedAt.IsZero() || job.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
	if job.StartedAt != nil || job.CompletedAt != nil {
		t.Error("started/completed timestamps set on a pending job")
	}
}

func TestIDGeneration(t *testing.T) {
	gens := map[string]func() string{
		"job_": NewJobID,
		"fb_":  NewFeedbackID,
		"req_": NewRequestID,
	}

	for prefix, gen := range gens {
		id := gen()
		if !strings.HasPrefix(id, prefix) {
			t.Errorf("id %q missing prefix %q", id, prefix)
		}
		// prefix + YYYYMMDD_HHMMSS + _ + 8 hex chars
		if len(id) != len(prefix)+15+1+8 {
			t.Errorf("id %q has unexpected length %d", id, len(id))
		}
		if id == gen() {
			t.Errorf("two generated ids collided: %q", id)
		}
	}
}

func TestFingerprint(t *testing.T) {
	data := []byte("blueprint bytes")

	fp := Fingerprint(data)
	if len(fp) != 64 {
		t.Fatalf("fingerprint length = %d, want 64", len(fp))
	}
	if fp != Fingerprint([]byte("blueprint bytes")) {
		t.Error("identical content produced different fingerprints")
	}
	if fp == Fingerprint([]byte("other bytes")) {
		t.Error("different content produced the same fingerprint")
	}
}

func TestStageHelpers(t *testing.T) {
	stages := Stages()
	if len(stages) != 3 {
		t.Fatalf("Stages() returned %d stages, want 3", len(stages))
	}
	if stages[0] != StagePreview || stages[1] != StageIntermediate || stages[2] != StageFinal {
		t.Errorf("unexpected stage order: %v", stages)
	}

	if got := StagePreview.CompletionStatus(); got != JobStatusStage1Complete {
		t.Errorf("preview completion = %s, want %s", got, JobStatusStage1Complete)
	}
	if got := StageIntermediate.CompletionStatus(); got != JobStatusStage2Complete {
		t.Errorf("intermediate completion = %s, want %s", got, JobStatusStage2Complete)
	}
	if got := StageFinal.CompletionStatus(); got != JobStatusCompleted {
		t.Errorf("final completion = %s, want %s", got, JobStatusCompleted)
	}

	progress := map[Stage]int{StagePreview: 33, StageIntermediate: 66, StageFinal: 100}
	for stage, want := range progress {
		if got := stage.Progress(); got != want {
			t.Errorf("%s.Progress() = %d, want %d", stage, got, want)
		}
	}
}

func TestFormatFromContentType(t *testing.T) {
	cases := map[string]BlueprintFormat{
		"image/png":       FormatPNG,
		"image/jpeg":      FormatJPG,
		"image/jpg":       FormatJPG,
		"application/pdf": FormatPDF,
	}
	for ct, want := range cases {
		got, ok := FormatFromContentType(ct)
		if !ok || got != want {
			t.Errorf("FormatFromContentType(%q) = %v, %v; want %v, true", ct, got, ok, want)
		}
	}

	if _, ok := FormatFromContentType("image/gif"); ok {
		t.Error("image/gif accepted, want rejection")
	}
	if _, ok := FormatFromContentType(""); ok {
		t.Error("empty content type accepted, want rejection")
	}
}

func TestStatusView(t *testing.T) {
	job := NewJob(BlueprintMeta{Filename: "plan.png", Format: FormatPNG}, "fp", "1.0.0", "")
	job.Status = JobStatusCompleted
	job.Stage = StageFinal
	job.Progress = 100
	job.Degraded = true
	job.DegradedStage = StageFinal
	job.DegradedReason = "refinement unavailable"

	view := job.StatusView()
	if view.JobID != job.ID {
		t.Errorf("view job id = %q, want %q", view.JobID, job.ID)
	}
	if view.Status != JobStatusCompleted || view.Progress != 100 {
		t.Errorf("view = %s/%d, want completed/100", view.Status, view.Progress)
	}
	if !view.Degraded || view.DegradedStage != StageFinal || view.DegradedReason == "" {
		t.Error("degraded annotations missing from view")
	}
}
