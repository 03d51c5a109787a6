// Package vision defines the shared data model for the VIGIL analytics core:
// frames, bounding boxes, detections, analysis results, and the processing
// result delivered per frame.
//
// Values in this package are plain data. A Frame's buffer is read-only once
// produced; a Detection is immutable once returned by the detector. Components
// that need to mutate per-item state do so through pipeline.Data, never by
// writing back into these types.
package vision

import "time"

// ColorFormat identifies the channel layout of a frame buffer.
type ColorFormat string

const (
	FormatRGB  ColorFormat = "RGB"
	FormatBGR  ColorFormat = "BGR"
	FormatGray ColorFormat = "GRAY"
	FormatHSV  ColorFormat = "HSV"
)

// Channels returns the number of channels implied by the format.
func (f ColorFormat) Channels() int {
	if f == FormatGray {
		return 1
	}
	return 3
}

// FrameMetadata describes the geometry and provenance of a frame buffer.
type FrameMetadata struct {
	Width    int         `json:"width"`
	Height   int         `json:"height"`
	Channels int         `json:"channels"`
	Format   ColorFormat `json:"format"`
	Source   string      `json:"source"`
}

// Frame is one timestamped unit of visual input.
//
// IDs are strictly monotonic per producer. Data is owned by the producer and
// must be treated as read-only by every downstream consumer.
type Frame struct {
	ID        uint64        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Data      []byte        `json:"-"`
	Metadata  FrameMetadata `json:"metadata"`
}

// BoundingBox is an axis-aligned box with (X, Y) at the top-left corner.
type BoundingBox struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	W float32 `json:"w"`
	H float32 `json:"h"`
}

// Area returns the box area, zero for degenerate boxes.
func (b BoundingBox) Area() float32 {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// IoU returns the intersection-over-union of two boxes.
// Returns 0 when the union is empty.
func (b BoundingBox) IoU(other BoundingBox) float32 {
	x1 := maxf(b.X, other.X)
	y1 := maxf(b.Y, other.Y)
	x2 := minf(b.X+b.W, other.X+other.W)
	y2 := minf(b.Y+b.H, other.Y+other.H)

	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	inter := (x2 - x1) * (y2 - y1)
	union := b.Area() + other.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

// Detection is one bounding box attributed to a frame, with class and
// confidence. Immutable once returned by the detector.
type Detection struct {
	Box        BoundingBox `json:"bbox"`
	ClassID    int         `json:"class_id"`
	ClassName  string      `json:"class_name"`
	Confidence float32     `json:"confidence"`
	FrameID    uint64      `json:"frame_id"`
	Timestamp  time.Time   `json:"timestamp"`
}

// SceneInfo summarizes the overall scene composition of a frame.
type SceneInfo struct {
	SceneType   string  `json:"scene_type"`
	Confidence  float32 `json:"confidence"`
	ObjectCount int     `json:"object_count"`
	Lighting    string  `json:"lighting"`
}

// MotionInfo summarizes inter-frame motion derived from detection deltas.
type MotionInfo struct {
	Level     float32 `json:"level"`
	Direction string  `json:"direction"`
	Regions   int     `json:"regions"`
}

// BehaviorInfo classifies the dominant behavior observed in a frame.
type BehaviorInfo struct {
	Kind       string  `json:"kind"`
	Confidence float32 `json:"confidence"`
	Subjects   []int   `json:"subjects,omitempty"`
}

// PatternInfo records a recurring class co-occurrence.
type PatternInfo struct {
	Name       string  `json:"name"`
	Confidence float32 `json:"confidence"`
	Support    int     `json:"support"`
}

// Analysis is the enrichment produced by an analyzer for one frame.
type Analysis struct {
	Scene    SceneInfo     `json:"scene"`
	Motion   MotionInfo    `json:"motion"`
	Behavior BehaviorInfo  `json:"behavior"`
	Patterns []PatternInfo `json:"patterns,omitempty"`
}

// ProcessingResult is the per-frame output of the engine: detections plus
// optional analysis and classifier scores. Delivered at most once.
type ProcessingResult struct {
	FrameID    uint64             `json:"frame_id"`
	Detections []Detection        `json:"detections"`
	Analysis   *Analysis          `json:"analysis,omitempty"`
	Inference  map[string]float32 `json:"inference,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}
