package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/planscope/api/internal/apperr"
	"github.com/planscope/api/internal/model"
)

type memFeedbackStore struct {
	mu      sync.Mutex
	items   map[string][]model.Feedback
	failAdd bool
}

func newMemFeedbackStore() *memFeedbackStore {
	return &memFeedbackStore{items: make(map[string][]model.Feedback)}
}

func (s *memFeedbackStore) Add(ctx context.Context, fb *model.Feedback) error {
	if s.failAdd {
		return errors.New("feedback store down")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[fb.JobID] = append(s.items[fb.JobID], *fb)
	return nil
}

func (s *memFeedbackStore) List(ctx context.Context, jobID string) ([]model.Feedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Feedback(nil), s.items[jobID]...), nil
}

type feedbackFixture struct {
	jobs     *memJobStore
	feedback *memFeedbackStore
	svc      *FeedbackService
}

func newFeedbackFixture() *feedbackFixture {
	f := &feedbackFixture{
		jobs:     newMemJobStore(),
		feedback: newMemFeedbackStore(),
	}
	f.svc = NewFeedbackService(f.feedback, f.jobs)
	return f
}

func (f *feedbackFixture) seedJob(t *testing.T, status model.JobStatus) *model.Job {
	t.Helper()
	data := []byte("seeded blueprint")
	job := model.NewJob(model.BlueprintMeta{
		Filename: "plan.png",
		Format:   model.FormatPNG,
		Size:     int64(len(data)),
	}, model.Fingerprint(data), "1.0.0", "")
	job.Status = status
	if err := f.jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return job
}

func TestSubmit_CorrectFeedback(t *testing.T) {
	f := newFeedbackFixture()
	job := f.seedJob(t, model.JobStatusCompleted)

	fb, err := f.svc.Submit(context.Background(), job.ID, &model.SubmitFeedbackRequest{Feedback: "correct"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if !strings.HasPrefix(fb.ID, "fb_") {
		t.Errorf("feedback id = %q, want fb_ prefix", fb.ID)
	}
	if fb.Type != model.FeedbackCorrect || fb.JobID != job.ID {
		t.Errorf("feedback = %+v", fb)
	}
	if fb.CreatedAt.IsZero() {
		t.Error("createdAt not set")
	}

	stored, err := f.feedback.List(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stored) != 1 {
		t.Errorf("stored %d entries, want 1", len(stored))
	}
}

func TestSubmit_WrongFeedbackWithCorrection(t *testing.T) {
	f := newFeedbackFixture()
	job := f.seedJob(t, model.JobStatusCompleted)

	fb, err := f.svc.Submit(context.Background(), job.ID, &model.SubmitFeedbackRequest{
		Feedback: "wrong",
		RoomID:   "room_3",
		Correction: &model.Correction{
			BoundingBox: []float64{120, 240, 480, 600},
			NameHint:    "Pantry",
		},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if fb.RoomID != "room_3" {
		t.Errorf("room id = %q", fb.RoomID)
	}
	if fb.Correction == nil || fb.Correction.NameHint != "Pantry" {
		t.Errorf("correction = %+v", fb.Correction)
	}
}

func TestSubmit_RequiresCompletedJob(t *testing.T) {
	f := newFeedbackFixture()
	job := f.seedJob(t, model.JobStatusProcessing)

	_, err := f.svc.Submit(context.Background(), job.ID, &model.SubmitFeedbackRequest{Feedback: "correct"})
	wantAppErr(t, err, apperr.CodeInvalidFeedback, 400)
}

func TestSubmit_UnknownJob(t *testing.T) {
	f := newFeedbackFixture()

	_, err := f.svc.Submit(context.Background(), "job_20260101_000000_deadbeef", &model.SubmitFeedbackRequest{Feedback: "correct"})
	wantAppErr(t, err, apperr.CodeJobNotFound, 404)
}

func TestSubmit_WrongRequiresRoomID(t *testing.T) {
	f := newFeedbackFixture()
	job := f.seedJob(t, model.JobStatusCompleted)

	_, err := f.svc.Submit(context.Background(), job.ID, &model.SubmitFeedbackRequest{Feedback: "wrong"})
	wantAppErr(t, err, apperr.CodeInvalidFeedback, 400)
}

func TestSubmit_PartialRequiresRoomID(t *testing.T) {
	f := newFeedbackFixture()
	job := f.seedJob(t, model.JobStatusCompleted)

	_, err := f.svc.Submit(context.Background(), job.ID, &model.SubmitFeedbackRequest{Feedback: "partial"})
	wantAppErr(t, err, apperr.CodeInvalidFeedback, 400)
}

func TestSubmit_CorrectRejectsCorrection(t *testing.T) {
	f := newFeedbackFixture()
	job := f.seedJob(t, model.JobStatusCompleted)

	_, err := f.svc.Submit(context.Background(), job.ID, &model.SubmitFeedbackRequest{
		Feedback:   "correct",
		Correction: &model.Correction{BoundingBox: []float64{0, 0, 10, 10}},
	})
	wantAppErr(t, err, apperr.CodeInvalidFeedback, 400)
}

func TestSubmit_CorrectionGeometry(t *testing.T) {
	cases := []struct {
		name string
		box  []float64
	}{
		{"too few coordinates", []float64{0, 0, 10}},
		{"negative origin", []float64{-5, 0, 10, 10}},
		{"inverted x", []float64{50, 10, 40, 20}},
		{"zero height", []float64{0, 10, 20, 10}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFeedbackFixture()
			job := f.seedJob(t, model.JobStatusCompleted)

			_, err := f.svc.Submit(context.Background(), job.ID, &model.SubmitFeedbackRequest{
				Feedback:   "wrong",
				RoomID:     "room_1",
				Correction: &model.Correction{BoundingBox: tc.box},
			})
			wantAppErr(t, err, apperr.CodeInvalidFeedback, 400)
		})
	}
}

func TestSubmit_StoreFailure(t *testing.T) {
	f := newFeedbackFixture()
	job := f.seedJob(t, model.JobStatusCompleted)
	f.feedback.failAdd = true

	_, err := f.svc.Submit(context.Background(), job.ID, &model.SubmitFeedbackRequest{Feedback: "correct"})
	if err == nil {
		t.Fatal("expected store failure to surface")
	}
	if apperr.CodeOf(err) != apperr.CodeServiceUnavailable {
		t.Errorf("code = %s, want fallback service error", apperr.CodeOf(err))
	}
}

func TestList_ReturnsAllFeedback(t *testing.T) {
	f := newFeedbackFixture()
	job := f.seedJob(t, model.JobStatusCompleted)

	ctx := context.Background()
	if _, err := f.svc.Submit(ctx, job.ID, &model.SubmitFeedbackRequest{Feedback: "correct"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.svc.Submit(ctx, job.ID, &model.SubmitFeedbackRequest{Feedback: "wrong", RoomID: "room_2"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	list, err := f.svc.List(ctx, job.ID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if list.Count != 2 || len(list.Feedback) != 2 {
		t.Fatalf("count = %d, entries = %d, want 2", list.Count, len(list.Feedback))
	}
	if list.JobID != job.ID {
		t.Errorf("job id = %q", list.JobID)
	}
	if list.Feedback[0].Type != model.FeedbackCorrect || list.Feedback[1].Type != model.FeedbackWrong {
		t.Error("feedback order not preserved")
	}
}

func TestList_EmptyJob(t *testing.T) {
	f := newFeedbackFixture()
	job := f.seedJob(t, model.JobStatusCompleted)

	list, err := f.svc.List(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if list.Count != 0 || len(list.Feedback) != 0 {
		t.Errorf("count = %d, want empty", list.Count)
	}
}

func TestList_UnknownJob(t *testing.T) {
	f := newFeedbackFixture()

	_, err := f.svc.List(context.Background(), "job_20260101_000000_deadbeef")
	wantAppErr(t, err, apperr.CodeJobNotFound, 404)
}
