package e2e

import (
	"net/http"
	"strings"
	"testing"
)

func TestSubmitFeedback_Correct(t *testing.T) {
	ta := setupApp(t)
	job := seedCompletedJob(t, ta)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs/"+job.ID+"/feedback",
		`{"feedback":"correct"}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusCreated)

	body := parseJSON(t, resp)
	feedbackID, _ := body["feedbackId"].(string)
	if !strings.HasPrefix(feedbackID, "fb_") {
		t.Errorf("expected feedback id with fb_ prefix, got %q", feedbackID)
	}
	if body["jobId"] != job.ID {
		t.Errorf("expected job id %s, got %v", job.ID, body["jobId"])
	}
	if body["feedback"] != "correct" {
		t.Errorf("expected feedback type echoed, got %v", body["feedback"])
	}
}

func TestSubmitFeedback_WrongWithCorrection(t *testing.T) {
	ta := setupApp(t)
	job := seedCompletedJob(t, ta)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs/"+job.ID+"/feedback",
		`{"feedback":"wrong","roomId":"room_1","correction":{"boundingBox":[10,20,300,400],"nameHint":"Pantry"}}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusCreated)

	body := parseJSON(t, resp)
	if body["roomId"] != "room_1" {
		t.Errorf("expected room id echoed, got %v", body["roomId"])
	}
	correction, ok := body["correction"].(map[string]interface{})
	if !ok || correction["nameHint"] != "Pantry" {
		t.Errorf("expected correction echoed, got %v", body["correction"])
	}
}

func TestSubmitFeedback_PendingJob(t *testing.T) {
	ta := setupApp(t)

	created := createJob(t, ta, []byte("blueprint for pending feedback"))
	jobID := created["jobId"].(string)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs/"+jobID+"/feedback",
		`{"feedback":"correct"}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusBadRequest)
	assertErrorCode(t, parseJSON(t, resp), "INVALID_FEEDBACK")
}

func TestSubmitFeedback_InvalidType(t *testing.T) {
	ta := setupApp(t)
	job := seedCompletedJob(t, ta)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs/"+job.ID+"/feedback",
		`{"feedback":"sort of right"}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusBadRequest)
	assertErrorCode(t, parseJSON(t, resp), "VALIDATION_ERROR")
}

func TestSubmitFeedback_WrongWithoutRoom(t *testing.T) {
	ta := setupApp(t)
	job := seedCompletedJob(t, ta)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs/"+job.ID+"/feedback",
		`{"feedback":"wrong"}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusBadRequest)
	assertErrorCode(t, parseJSON(t, resp), "INVALID_FEEDBACK")
}

func TestSubmitFeedback_BadCorrectionBox(t *testing.T) {
	ta := setupApp(t)
	job := seedCompletedJob(t, ta)

	// Inverted box: x_max < x_min
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs/"+job.ID+"/feedback",
		`{"feedback":"wrong","roomId":"room_1","correction":{"boundingBox":[300,20,10,400]}}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusBadRequest)
	assertErrorCode(t, parseJSON(t, resp), "INVALID_FEEDBACK")
}

func TestSubmitFeedback_JobNotFound(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs/job_20260101_000000_deadbeef/feedback",
		`{"feedback":"correct"}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusNotFound)
	assertErrorCode(t, parseJSON(t, resp), "JOB_NOT_FOUND")
}

func TestSubmitFeedback_NoAuth(t *testing.T) {
	ta := setupApp(t)
	job := seedCompletedJob(t, ta)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/jobs/"+job.ID+"/feedback",
		`{"feedback":"correct"}`, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestListFeedback(t *testing.T) {
	ta := setupApp(t)
	job := seedCompletedJob(t, ta)

	for _, body := range []string{
		`{"feedback":"correct"}`,
		`{"feedback":"partial","roomId":"room_1"}`,
	} {
		resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs/"+job.ID+"/feedback", body)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		assertStatus(t, resp, http.StatusCreated)
		readBody(t, resp)
	}

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/"+job.ID+"/feedback", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	if body["count"] != float64(2) {
		t.Errorf("expected count 2, got %v", body["count"])
	}
	entries, ok := body["feedback"].([]interface{})
	if !ok || len(entries) != 2 {
		t.Fatalf("expected 2 feedback entries, got %v", body["feedback"])
	}
}

func TestListFeedback_Empty(t *testing.T) {
	ta := setupApp(t)
	job := seedCompletedJob(t, ta)

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/"+job.ID+"/feedback", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	if body["count"] != float64(0) {
		t.Errorf("expected count 0, got %v", body["count"])
	}
}
