// Package analyze enriches detection results with scene, motion, behavior,
// and pattern heuristics. It holds the cross-frame history the pipeline
// stages themselves must not carry: motion is derived from bounded windows
// of prior detection centroids, keyed by frame source.
package analyze

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/VIGIL/errors"
	"github.com/teranos/VIGIL/logger"
	"github.com/teranos/VIGIL/vision"
)

// Analyzer is the enrichment collaborator invoked after detection.
type Analyzer interface {
	Analyze(ctx context.Context, frame *vision.Frame, detections []vision.Detection) (*vision.Analysis, error)
}

// Config configures the heuristic analyzer.
type Config struct {
	// MotionWindow bounds the per-source centroid history used for motion
	// estimation. Values < 2 disable motion.
	MotionWindow int `mapstructure:"motion_window" toml:"motion_window"`
	// CrowdThreshold is the detection count at which a scene is classified
	// as crowded.
	CrowdThreshold int `mapstructure:"crowd_threshold" toml:"crowd_threshold"`
}

// DefaultConfig returns the standard analyzer settings.
func DefaultConfig() Config {
	return Config{MotionWindow: 8, CrowdThreshold: 6}
}

// Validate checks field ranges.
func (c Config) Validate() error {
	if c.MotionWindow < 0 {
		return errors.NewInvalidConfigError("analyzer.motion_window must be >= 0, got %d", c.MotionWindow)
	}
	if c.CrowdThreshold < 1 {
		return errors.NewInvalidConfigError("analyzer.crowd_threshold must be >= 1, got %d", c.CrowdThreshold)
	}
	return nil
}

type centroid struct {
	x, y float32
}

// Heuristic implements Analyzer with detection-level heuristics only: no
// image kernels. Lighting is the single exception, read as a sampled mean of
// the raw buffer.
type Heuristic struct {
	config Config
	log    *zap.SugaredLogger

	mu sync.Mutex
	// bounded centroid windows keyed by frame source
	history map[string][]centroid
}

// NewHeuristic builds a heuristic analyzer.
func NewHeuristic(cfg Config) (*Heuristic, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Heuristic{
		config:  cfg,
		log:     logger.ComponentLogger("analyze"),
		history: make(map[string][]centroid),
	}, nil
}

// Analyze derives scene, motion, behavior, and pattern info for one frame.
func (h *Heuristic) Analyze(ctx context.Context, frame *vision.Frame, detections []vision.Detection) (*vision.Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	analysis := &vision.Analysis{
		Scene:    h.analyzeScene(frame, detections),
		Motion:   h.analyzeMotion(frame, detections),
		Patterns: h.analyzePatterns(detections),
	}
	analysis.Behavior = h.analyzeBehavior(detections, analysis.Motion)

	return analysis, nil
}

func (h *Heuristic) analyzeScene(frame *vision.Frame, detections []vision.Detection) vision.SceneInfo {
	sceneType := "empty"
	confidence := float32(0.6)
	switch {
	case len(detections) >= h.config.CrowdThreshold:
		sceneType = "crowded"
		confidence = 0.8
	case len(detections) > 0:
		sceneType = "active"
		confidence = 0.7
	}

	return vision.SceneInfo{
		SceneType:   sceneType,
		Confidence:  confidence,
		ObjectCount: len(detections),
		Lighting:    lighting(frame),
	}
}

// lighting samples the frame buffer mean rather than scanning every pixel.
func lighting(frame *vision.Frame) string {
	if len(frame.Data) == 0 {
		return "unknown"
	}

	step := len(frame.Data) / 256
	if step < 1 {
		step = 1
	}
	var sum, n int
	for i := 0; i < len(frame.Data); i += step {
		sum += int(frame.Data[i])
		n++
	}
	mean := sum / n

	switch {
	case mean < 64:
		return "dark"
	case mean < 160:
		return "normal"
	default:
		return "bright"
	}
}

func (h *Heuristic) analyzeMotion(frame *vision.Frame, detections []vision.Detection) vision.MotionInfo {
	if h.config.MotionWindow < 2 {
		return vision.MotionInfo{Direction: "none"}
	}

	var cx, cy float32
	for _, d := range detections {
		cx += d.Box.X + d.Box.W/2
		cy += d.Box.Y + d.Box.H/2
	}
	if n := float32(len(detections)); n > 0 {
		cx /= n
		cy /= n
	}

	h.mu.Lock()
	window := h.history[frame.Metadata.Source]
	window = append(window, centroid{cx, cy})
	if len(window) > h.config.MotionWindow {
		window = window[len(window)-h.config.MotionWindow:]
	}
	h.history[frame.Metadata.Source] = window
	h.mu.Unlock()

	if len(window) < 2 || len(detections) == 0 {
		return vision.MotionInfo{Direction: "none", Regions: len(detections)}
	}

	prev := window[len(window)-2]
	dx := float64(cx - prev.x)
	dy := float64(cy - prev.y)
	magnitude := float32(math.Hypot(dx, dy))

	// normalize against the frame diagonal when geometry is known
	if w, hh := frame.Metadata.Width, frame.Metadata.Height; w > 0 && hh > 0 {
		diag := float32(math.Hypot(float64(w), float64(hh)))
		magnitude /= diag
	}

	return vision.MotionInfo{
		Level:     magnitude,
		Direction: direction(dx, dy),
		Regions:   len(detections),
	}
}

func direction(dx, dy float64) string {
	if math.Abs(dx) < 1e-6 && math.Abs(dy) < 1e-6 {
		return "none"
	}
	if math.Abs(dx) >= math.Abs(dy) {
		if dx > 0 {
			return "right"
		}
		return "left"
	}
	if dy > 0 {
		return "down"
	}
	return "up"
}

func (h *Heuristic) analyzeBehavior(detections []vision.Detection, motion vision.MotionInfo) vision.BehaviorInfo {
	subjects := make([]int, 0, len(detections))
	for _, d := range detections {
		subjects = append(subjects, d.ClassID)
	}

	kind := "idle"
	confidence := float32(0.5)
	switch {
	case len(detections) == 0:
		kind = "none"
	case motion.Level > 0.05:
		kind = "moving"
		confidence = 0.7
	case len(detections) >= h.config.CrowdThreshold:
		kind = "gathering"
		confidence = 0.6
	}

	return vision.BehaviorInfo{Kind: kind, Confidence: confidence, Subjects: subjects}
}

func (h *Heuristic) analyzePatterns(detections []vision.Detection) []vision.PatternInfo {
	counts := make(map[string]int)
	for _, d := range detections {
		counts[d.ClassName]++
	}

	var patterns []vision.PatternInfo
	for class, n := range counts {
		if n < 2 {
			continue
		}
		patterns = append(patterns, vision.PatternInfo{
			Name:       fmt.Sprintf("repeated:%s", class),
			Confidence: float32(n) / float32(len(detections)),
			Support:    n,
		})
	}
	sort.Slice(patterns, func(a, b int) bool { return patterns[a].Support > patterns[b].Support })
	return patterns
}
