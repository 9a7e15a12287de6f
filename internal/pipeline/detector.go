package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/planscope/api/internal/client"
	"github.com/planscope/api/internal/metrics"
	"github.com/planscope/api/internal/model"
	"github.com/planscope/api/internal/rooms"
)

// StageInput carries what a stage run needs besides the stage itself.
// Prior holds the previous stage's result when one exists; the final stage
// refines it.
type StageInput struct {
	Job      *model.Job
	Document []byte
	Prior    *model.StageResult
}

// Detector runs a single pipeline stage and produces its result
type Detector interface {
	Run(ctx context.Context, stage model.Stage, in *StageInput) (*model.StageResult, error)
}

// ServiceDetector implements Detector over the layout and detection
// services. When a collaborator is not configured it falls back to
// deterministic local results so development setups work without them.
type ServiceDetector struct {
	layout    client.LayoutAnalyzer
	detection client.RoomDetector
}

// NewServiceDetector creates the production stage detector
func NewServiceDetector(layout client.LayoutAnalyzer, detection client.RoomDetector) *ServiceDetector {
	return &ServiceDetector{
		layout:    layout,
		detection: detection,
	}
}

// Run executes one pipeline stage
func (d *ServiceDetector) Run(ctx context.Context, stage model.Stage, in *StageInput) (*model.StageResult, error) {
	switch stage {
	case model.StagePreview:
		return d.preview(ctx, in)
	case model.StageIntermediate:
		return d.detect(ctx, in)
	case model.StageFinal:
		return d.refine(ctx, in)
	}
	return nil, fmt.Errorf("unknown pipeline stage %q", stage)
}

// preview runs layout analysis and derives coarse rooms from it
func (d *ServiceDetector) preview(ctx context.Context, in *StageInput) (*model.StageResult, error) {
	job := in.Job

	var analysis *model.LayoutAnalysis
	if d.layout == nil || !d.layout.IsConfigured() {
		if err := simulateLatency(ctx); err != nil {
			return nil, err
		}
		analysis = mockLayout(job.Fingerprint)
		metrics.DetectionCalls.WithLabelValues("layout", "mock").Inc()
	} else {
		var err error
		analysis, err = d.layout.AnalyzeLayout(ctx, &client.AnalyzeLayoutRequest{
			Document: in.Document,
			Format:   string(job.Blueprint.Format),
			Features: []string{"LAYOUT", "TABLES"},
		})
		if err != nil {
			metrics.DetectionCalls.WithLabelValues("layout", "error").Inc()
			return nil, err
		}
		metrics.DetectionCalls.WithLabelValues("layout", "success").Inc()
	}

	detected := rooms.FromLayout(analysis, job.Blueprint.Width, job.Blueprint.Height)
	return newStageResult(model.StagePreview, detected, job, 0, 0), nil
}

// detect runs the full detection model
func (d *ServiceDetector) detect(ctx context.Context, in *StageInput) (*model.StageResult, error) {
	job := in.Job

	if d.detection == nil || !d.detection.IsConfigured() {
		return d.mockDetect(ctx, in)
	}

	resp, err := d.detection.DetectRooms(ctx, &client.DetectRoomsRequest{
		Document:     in.Document,
		Format:       string(job.Blueprint.Format),
		ModelVersion: job.ModelVersion,
	})
	if err != nil {
		metrics.DetectionCalls.WithLabelValues("detect", "error").Inc()
		return nil, err
	}
	metrics.DetectionCalls.WithLabelValues("detect", "success").Inc()

	return newStageResult(model.StageIntermediate, resp.Rooms, job, resp.ImageWidth, resp.ImageHeight), nil
}

// refine runs the high-accuracy refinement pass. A lost intermediate result
// (cache expiry between deliveries) is rebuilt first.
func (d *ServiceDetector) refine(ctx context.Context, in *StageInput) (*model.StageResult, error) {
	job := in.Job

	if d.detection == nil || !d.detection.IsConfigured() {
		return d.mockRefine(ctx, in)
	}

	prior := in.Prior
	if prior == nil {
		rebuilt, err := d.detect(ctx, in)
		if err != nil {
			return nil, err
		}
		prior = rebuilt
	}

	resp, err := d.detection.RefineRooms(ctx, &client.RefineRoomsRequest{
		Document:     in.Document,
		Format:       string(job.Blueprint.Format),
		ModelVersion: job.ModelVersion,
		Rooms:        prior.Rooms,
	})
	if err != nil {
		metrics.DetectionCalls.WithLabelValues("refine", "error").Inc()
		return nil, err
	}
	metrics.DetectionCalls.WithLabelValues("refine", "success").Inc()

	return newStageResult(model.StageFinal, resp.Rooms, job, resp.ImageWidth, resp.ImageHeight), nil
}

// mockDetect produces development detections derived from the fingerprint,
// so identical uploads keep identical results across runs
func (d *ServiceDetector) mockDetect(ctx context.Context, in *StageInput) (*model.StageResult, error) {
	if err := simulateLatency(ctx); err != nil {
		return nil, err
	}
	metrics.DetectionCalls.WithLabelValues("detect", "mock").Inc()

	job := in.Job
	detected := rooms.FromLayout(mockLayout(job.Fingerprint), job.Blueprint.Width, job.Blueprint.Height)
	for i := range detected {
		detected[i].Confidence = 0.85
	}
	return newStageResult(model.StageIntermediate, detected, job, 0, 0), nil
}

// mockRefine bumps confidences and promotes name hints into labels, the way
// the real refinement pass does
func (d *ServiceDetector) mockRefine(ctx context.Context, in *StageInput) (*model.StageResult, error) {
	if err := simulateLatency(ctx); err != nil {
		return nil, err
	}

	prior := in.Prior
	if prior == nil {
		rebuilt, err := d.mockDetect(ctx, in)
		if err != nil {
			return nil, err
		}
		prior = rebuilt
	}
	metrics.DetectionCalls.WithLabelValues("refine", "mock").Inc()

	job := in.Job
	refined := make([]model.Room, len(prior.Rooms))
	copy(refined, prior.Rooms)
	for i := range refined {
		refined[i].Confidence = 0.95
		if refined[i].Label == "" && refined[i].NameHint != "" {
			refined[i].Label = refined[i].NameHint
		}
	}
	return newStageResult(model.StageFinal, refined, job, prior.ImageWidth, prior.ImageHeight), nil
}

func newStageResult(stage model.Stage, detected []model.Room, job *model.Job, width, height int) *model.StageResult {
	if width <= 0 {
		width = job.Blueprint.Width
	}
	if height <= 0 {
		height = job.Blueprint.Height
	}
	return &model.StageResult{
		Stage:        stage,
		Rooms:        detected,
		ModelVersion: job.ModelVersion,
		ImageWidth:   width,
		ImageHeight:  height,
		ProducedAt:   time.Now().UTC(),
	}
}

// simulateLatency keeps the mock path responsive to cancellation while
// still behaving like a remote call
func simulateLatency(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(200 * time.Millisecond):
		return nil
	}
}

// mockLayout builds a deterministic layout for a fingerprint: a page block
// plus a handful of table blocks with room-keyword text inside them.
func mockLayout(fingerprint string) *model.LayoutAnalysis {
	seed := fingerprintSeed(fingerprint)
	count := 2 + int(seed%3)
	names := []string{"Bedroom", "Kitchen", "Bathroom", "Living Room", "Office"}

	analysis := &model.LayoutAnalysis{
		LayoutBlocks: []model.LayoutBlock{{
			BlockType: "PAGE",
			Geometry:  model.Geometry{BoundingBox: model.NormalizedBox{Left: 0, Top: 0, Width: 1, Height: 1}},
		}},
	}

	for i := 0; i < count; i++ {
		left := 0.05 + float64(i%2)*0.5
		top := 0.05 + float64(i/2)*0.45
		analysis.LayoutBlocks = append(analysis.LayoutBlocks, model.LayoutBlock{
			BlockType: "TABLE",
			Geometry:  model.Geometry{BoundingBox: model.NormalizedBox{Left: left, Top: top, Width: 0.4, Height: 0.35}},
		})
		analysis.TextBlocks = append(analysis.TextBlocks, model.TextBlock{
			Text:       names[(int(seed)+i)%len(names)],
			BlockType:  "LINE",
			Confidence: 0.9,
			Geometry: model.Geometry{BoundingBox: model.NormalizedBox{
				Left:   left + 0.1,
				Top:    top + 0.1,
				Width:  0.15,
				Height: 0.05,
			}},
		})
	}

	return analysis
}

// fingerprintSeed folds the leading fingerprint hex into a small seed
func fingerprintSeed(fingerprint string) uint64 {
	if len(fingerprint) >= 8 {
		if v, err := strconv.ParseUint(fingerprint[:8], 16, 64); err == nil {
			return v
		}
	}
	return uint64(len(fingerprint))
}
