// Package rooms derives room regions from blueprint layout analysis. It is
// the fast heuristic used by the preview stage; the intermediate and final
// stages replace its output with ML detections.
package rooms

import (
	"fmt"
	"strings"

	"github.com/planscope/api/internal/model"
)

const (
	// Confidence assigned to rooms derived from TABLE layout blocks.
	tableConfidence = 0.75
	// Confidence assigned to the single-page fallback room.
	pageConfidence = 0.6
	// Confidence assigned to the whole-canvas default room.
	defaultConfidence = 0.5

	defaultCanvas = 1000
)

// roomKeywords are matched (case-insensitive, substring) against text
// blocks inside a candidate box to produce a name hint.
var roomKeywords = []string{
	"room", "bedroom", "bathroom", "kitchen", "living", "dining",
	"hall", "entry", "office", "study", "garage", "basement",
	"attic", "closet", "pantry", "laundry", "utility",
}

// FromLayout detects rooms from layout analysis. TABLE blocks are treated
// as room boundaries; with none present a single PAGE block becomes one
// low-confidence room, and an empty layout falls back to a default room
// covering the whole canvas. Boxes are scaled to width x height pixels,
// defaulting to a 1000x1000 canvas when dimensions are unknown.
func FromLayout(analysis *model.LayoutAnalysis, width, height int) []model.Room {
	if width <= 0 {
		width = defaultCanvas
	}
	if height <= 0 {
		height = defaultCanvas
	}

	var rooms []model.Room
	for _, block := range analysis.LayoutBlocks {
		if block.BlockType != "TABLE" {
			continue
		}
		box := scaleBox(block.Geometry.BoundingBox, width, height)
		room := model.Room{
			ID:          fmt.Sprintf("room_%03d", len(rooms)+1),
			BoundingBox: box,
			Confidence:  tableConfidence,
			NameHint:    nameHint(analysis.TextBlocks, box, width, height),
		}
		rooms = append(rooms, room)
	}
	if len(rooms) > 0 {
		return rooms
	}

	for _, block := range analysis.LayoutBlocks {
		if block.BlockType != "PAGE" {
			continue
		}
		box := scaleBox(block.Geometry.BoundingBox, width, height)
		return []model.Room{{
			ID:          "room_001",
			BoundingBox: box,
			Confidence:  pageConfidence,
			NameHint:    nameHint(analysis.TextBlocks, box, width, height),
		}}
	}

	return []model.Room{{
		ID:          "room_001",
		BoundingBox: []int{0, 0, width, height},
		Confidence:  defaultConfidence,
	}}
}

// scaleBox converts a normalized (0-1) box into pixel coordinates
// [x_min, y_min, x_max, y_max].
func scaleBox(b model.NormalizedBox, width, height int) []int {
	left := b.Left * float64(width)
	top := b.Top * float64(height)
	return []int{
		int(left),
		int(top),
		int(left + b.Width*float64(width)),
		int(top + b.Height*float64(height)),
	}
}

// nameHint returns the text of the first block inside the box whose content
// matches a room keyword, or empty when nothing matches.
func nameHint(blocks []model.TextBlock, box []int, width, height int) string {
	for _, tb := range blocks {
		x := tb.Geometry.BoundingBox.Left * float64(width)
		y := tb.Geometry.BoundingBox.Top * float64(height)
		if int(x) < box[0] || int(x) > box[2] || int(y) < box[1] || int(y) > box[3] {
			continue
		}
		text := strings.ToLower(tb.Text)
		for _, keyword := range roomKeywords {
			if strings.Contains(text, keyword) {
				return strings.TrimSpace(tb.Text)
			}
		}
	}
	return ""
}
