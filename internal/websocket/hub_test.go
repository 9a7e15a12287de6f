package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/planscope/api/internal/model"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(time.Hour)
	go h.Run()
	return h
}

func recvEvent(t *testing.T, c *Client) *model.WSEvent {
	t.Helper()
	select {
	case data := <-c.Send:
		var ev model.WSEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("failed to unmarshal event: %v\npayload: %s", err, data)
		}
		return &ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
		return nil
	}
}

func expectNoEvent(t *testing.T, c *Client, wait time.Duration) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Errorf("unexpected event delivered: %s", data)
	case <-time.After(wait):
	}
}

func expectReleased(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was not released")
	}
}

// waitRegistered blocks until the hub loop has processed the registration,
// for tests that poke hub internals directly afterwards.
func waitRegistered(t *testing.T, h *Hub, c *Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.RLock()
		ok := h.clients[c.JobID][c]
		h.mu.RUnlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("subscriber never registered")
}

func TestBroadcastProgress(t *testing.T) {
	h := startHub(t)
	c := NewClient(nil, "job_a")
	h.Register(c)

	h.BroadcastProgress("job_a", model.JobStatusProcessing, model.StagePreview, 0)

	ev := recvEvent(t, c)
	if ev.Type != model.WSMessageTypeProgress {
		t.Errorf("type = %s, want %s", ev.Type, model.WSMessageTypeProgress)
	}
	if ev.JobID != "job_a" || ev.Status != model.JobStatusProcessing || ev.Stage != model.StagePreview {
		t.Errorf("event = %+v, want job_a/processing/preview", ev)
	}
}

func TestBroadcastStageComplete(t *testing.T) {
	h := startHub(t)
	c := NewClient(nil, "job_a")
	h.Register(c)

	result := &model.StageResult{Stage: model.StagePreview, ModelVersion: "1.0.0"}
	h.BroadcastStageComplete("job_a", model.JobStatusStage1Complete, model.StagePreview, result)

	ev := recvEvent(t, c)
	if ev.Type != model.WSMessageTypeStageComplete {
		t.Errorf("type = %s, want %s", ev.Type, model.WSMessageTypeStageComplete)
	}
	if ev.Progress != 33 {
		t.Errorf("progress = %d, want 33", ev.Progress)
	}
	if ev.Result == nil {
		t.Error("stage_complete should carry the stage result")
	}

	// A non-terminal event leaves the subscription open
	select {
	case <-c.Done():
		t.Error("stage_complete released the subscriber")
	default:
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	h := startHub(t)
	c := NewClient(nil, "job_a")
	h.Register(c)
	h.Register(c)

	h.BroadcastProgress("job_a", model.JobStatusProcessing, model.StagePreview, 0)

	recvEvent(t, c)
	expectNoEvent(t, c, 100*time.Millisecond)
}

func TestEventsAreScopedToJob(t *testing.T) {
	h := startHub(t)
	a := NewClient(nil, "job_a")
	b := NewClient(nil, "job_b")
	h.Register(a)
	h.Register(b)

	h.BroadcastProgress("job_a", model.JobStatusProcessing, model.StagePreview, 0)

	recvEvent(t, a)
	expectNoEvent(t, b, 100*time.Millisecond)
}

func TestJobCompleteDeliversThenReleases(t *testing.T) {
	h := startHub(t)
	c := NewClient(nil, "job_a")
	h.Register(c)

	result := &model.StageResult{Stage: model.StageFinal, ModelVersion: "1.0.0"}
	h.BroadcastJobComplete("job_a", false, result)

	// The terminal event is delivered before the group is torn down
	ev := recvEvent(t, c)
	if ev.Type != model.WSMessageTypeJobComplete {
		t.Errorf("type = %s, want %s", ev.Type, model.WSMessageTypeJobComplete)
	}
	if ev.Progress != 100 || ev.Status != model.JobStatusCompleted {
		t.Errorf("event = %d/%s, want 100/completed", ev.Progress, ev.Status)
	}
	expectReleased(t, c)

	// The group is gone; later broadcasts go nowhere
	h.BroadcastProgress("job_a", model.JobStatusCompleted, model.StageFinal, 100)
	expectNoEvent(t, c, 100*time.Millisecond)
}

func TestJobCompleteCarriesDegradedFlag(t *testing.T) {
	h := startHub(t)
	c := NewClient(nil, "job_a")
	h.Register(c)

	h.BroadcastJobComplete("job_a", true, &model.StageResult{Stage: model.StagePreview})

	ev := recvEvent(t, c)
	if !ev.Degraded {
		t.Error("degraded completion should set the degraded flag")
	}
}

func TestJobFailedDeliversErrorThenReleases(t *testing.T) {
	h := startHub(t)
	c := NewClient(nil, "job_a")
	h.Register(c)

	h.BroadcastJobFailed("job_a", &model.JobError{Code: "DETECTION_FAILED", Message: "unreadable blueprint"})

	ev := recvEvent(t, c)
	if ev.Type != model.WSMessageTypeJobFailed {
		t.Errorf("type = %s, want %s", ev.Type, model.WSMessageTypeJobFailed)
	}
	if ev.Error == nil || ev.Error.Code != "DETECTION_FAILED" {
		t.Errorf("error payload = %+v, want DETECTION_FAILED", ev.Error)
	}
	expectReleased(t, c)
}

func TestJobCancelledReleases(t *testing.T) {
	h := startHub(t)
	c := NewClient(nil, "job_a")
	h.Register(c)

	h.BroadcastJobCancelled("job_a")

	ev := recvEvent(t, c)
	if ev.Type != model.WSMessageTypeJobCancelled {
		t.Errorf("type = %s, want %s", ev.Type, model.WSMessageTypeJobCancelled)
	}
	expectReleased(t, c)
}

func TestCloseJobReleasesWithoutMessage(t *testing.T) {
	h := startHub(t)
	c := NewClient(nil, "job_a")
	h.Register(c)

	h.CloseJob("job_a")

	expectReleased(t, c)
	select {
	case data := <-c.Send:
		t.Errorf("CloseJob delivered a message: %s", data)
	default:
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	h := startHub(t)
	c := NewClient(nil, "job_a")
	h.Register(c)
	h.Unregister(c)
	h.Unregister(c)

	expectReleased(t, c)
	h.BroadcastProgress("job_a", model.JobStatusProcessing, model.StagePreview, 0)
	expectNoEvent(t, c, 100*time.Millisecond)
}

func TestSlowSubscriberDropsEventsButStaysSubscribed(t *testing.T) {
	h := startHub(t)
	c := NewClient(nil, "job_a")
	h.Register(c)

	// Overflow the send buffer; excess events are dropped, not the client
	for i := 0; i < cap(c.Send)+8; i++ {
		h.BroadcastProgress("job_a", model.JobStatusProcessing, model.StagePreview, i)
	}

	drained := 0
	for {
		select {
		case <-c.Send:
			drained++
			continue
		case <-time.After(200 * time.Millisecond):
		}
		break
	}
	if drained == 0 {
		t.Fatal("no events delivered at all")
	}

	// The subscriber still receives fresh events after falling behind
	h.BroadcastStageComplete("job_a", model.JobStatusStage1Complete, model.StagePreview, nil)
	ev := recvEvent(t, c)
	if ev.Type != model.WSMessageTypeStageComplete {
		t.Errorf("type = %s, want %s", ev.Type, model.WSMessageTypeStageComplete)
	}
}

func TestSweepExpiresIdleSubscribers(t *testing.T) {
	h := startHub(t)
	c := NewClient(nil, "job_a")
	h.Register(c)
	waitRegistered(t, h, c)

	// Backdate the last activity beyond the connection TTL and sweep
	c.lastSeen.Store(time.Now().Add(-2 * time.Hour).Unix())
	h.sweepIdle()

	expectReleased(t, c)
	h.BroadcastProgress("job_a", model.JobStatusProcessing, model.StagePreview, 0)
	expectNoEvent(t, c, 100*time.Millisecond)
}

func TestSweepKeepsActiveSubscribers(t *testing.T) {
	h := startHub(t)
	c := NewClient(nil, "job_a")
	h.Register(c)
	waitRegistered(t, h, c)

	h.sweepIdle()

	select {
	case <-c.Done():
		t.Fatal("sweep released an active subscriber")
	default:
	}
	h.BroadcastProgress("job_a", model.JobStatusProcessing, model.StagePreview, 0)
	recvEvent(t, c)
}
