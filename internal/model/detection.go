package model

import "time"

// Room is a detected room region on the blueprint canvas. BoundingBox is
// [x_min, y_min, x_max, y_max] in pixel coordinates.
type Room struct {
	ID          string  `json:"id"`
	BoundingBox []int   `json:"boundingBox"`
	Confidence  float64 `json:"confidence"`
	NameHint    string  `json:"nameHint,omitempty"`
	Label       string  `json:"label,omitempty"`
}

// StageResult is the payload a pipeline stage produces. ServedFromCache is
// set when the payload was synthesized from a cache hit instead of a fresh
// detection call.
type StageResult struct {
	Stage           Stage     `json:"stage"`
	Rooms           []Room    `json:"rooms"`
	ModelVersion    string    `json:"modelVersion"`
	ImageWidth      int       `json:"imageWidth,omitempty"`
	ImageHeight     int       `json:"imageHeight,omitempty"`
	ProducedAt      time.Time `json:"producedAt"`
	ServedFromCache bool      `json:"servedFromCache,omitempty"`
}

// NormalizedBox is a geometry box in normalized (0-1) page coordinates.
type NormalizedBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Geometry wraps the bounding geometry of a layout element.
type Geometry struct {
	BoundingBox NormalizedBox `json:"boundingBox"`
}

// TextBlock is a recognized text element from layout analysis.
type TextBlock struct {
	Text       string   `json:"text"`
	BlockType  string   `json:"blockType"`
	Confidence float64  `json:"confidence,omitempty"`
	Geometry   Geometry `json:"geometry"`
}

// LayoutBlock is a structural element (PAGE, TABLE, CELL, ...) from layout
// analysis.
type LayoutBlock struct {
	BlockType string   `json:"blockType"`
	Geometry  Geometry `json:"geometry"`
}

// LayoutAnalysis is the raw output of the layout service for a blueprint
// page; the preview stage derives rooms from it.
type LayoutAnalysis struct {
	TextBlocks   []TextBlock   `json:"textBlocks"`
	LayoutBlocks []LayoutBlock `json:"layoutBlocks"`
}
