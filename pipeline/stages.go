package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/teranos/VIGIL/errors"
	"github.com/teranos/VIGIL/vision/analyze"
	"github.com/teranos/VIGIL/vision/detect"
)

// StageType identifies one of the five stage variants.
type StageType string

const (
	StagePreProcess  StageType = "preprocess"
	StageDetection   StageType = "detection"
	StageAnalysis    StageType = "analysis"
	StageInference   StageType = "inference"
	StagePostProcess StageType = "postprocess"
)

// Stage is one named transform step. Process mutates data in place and
// returns an error to abort the chain for that item. Stages are immutable
// and shared read-only across workers; cross-item history belongs to the
// collaborators behind them (detector, analyzer), never to stage state.
type Stage interface {
	Process(ctx context.Context, data *Data) error
	Type() StageType
	Name() string
}

// Classifier is the collaborator behind an inference stage.
type Classifier interface {
	Infer(ctx context.Context, data *Data) (map[string]float32, error)
}

// StageConfig declares one stage in the ordered chain.
type StageConfig struct {
	Name    string            `mapstructure:"name" toml:"name"`
	Type    StageType         `mapstructure:"type" toml:"type"`
	Enabled bool              `mapstructure:"enabled" toml:"enabled"`
	Params  map[string]string `mapstructure:"params" toml:"params,omitempty"`
}

// Deps carries the collaborators stages are built around.
type Deps struct {
	Detector   *detect.Detector
	Analyzer   analyze.Analyzer
	Classifier Classifier
}

// buildStage constructs the stage variant for a config entry.
func buildStage(cfg StageConfig, deps Deps) (Stage, error) {
	switch cfg.Type {
	case StagePreProcess:
		return newPreProcessStage(cfg)
	case StageDetection:
		if deps.Detector == nil {
			return nil, errors.NewInvalidConfigError("stage %q requires a detector", cfg.Name)
		}
		return &detectionStage{name: cfg.Name, detector: deps.Detector}, nil
	case StageAnalysis:
		if deps.Analyzer == nil {
			return nil, errors.NewInvalidConfigError("stage %q requires an analyzer", cfg.Name)
		}
		return &analysisStage{name: cfg.Name, analyzer: deps.Analyzer}, nil
	case StageInference:
		if deps.Classifier == nil {
			return nil, errors.NewInvalidConfigError("stage %q requires a classifier", cfg.Name)
		}
		return &inferenceStage{name: cfg.Name, classifier: deps.Classifier}, nil
	case StagePostProcess:
		return newPostProcessStage(cfg)
	default:
		return nil, errors.NewInvalidConfigError("unknown stage type %q for stage %q", cfg.Type, cfg.Name)
	}
}

// preProcessStage normalizes metadata and validates frame geometry. Actual
// resize and color conversion are the capture collaborator's job; this
// stage only enforces the contract.
type preProcessStage struct {
	name    string
	targetW int
	targetH int
}

func newPreProcessStage(cfg StageConfig) (*preProcessStage, error) {
	s := &preProcessStage{name: cfg.Name}
	if ts, ok := cfg.Params["target_size"]; ok {
		if _, err := fmt.Sscanf(ts, "%dx%d", &s.targetW, &s.targetH); err != nil {
			return nil, errors.NewInvalidConfigError("stage %q: target_size must look like 640x480, got %q", cfg.Name, ts)
		}
	}
	return s, nil
}

func (s *preProcessStage) Type() StageType { return StagePreProcess }
func (s *preProcessStage) Name() string    { return s.name }

func (s *preProcessStage) Process(ctx context.Context, data *Data) error {
	if data.Frame == nil {
		return errors.New("no frame attached")
	}
	md := data.Frame.Metadata
	if md.Width <= 0 || md.Height <= 0 {
		return errors.Newf("invalid frame geometry %dx%d", md.Width, md.Height)
	}
	if s.targetW > 0 && (md.Width != s.targetW || md.Height != s.targetH) {
		return errors.Newf("frame is %dx%d, expected %dx%d", md.Width, md.Height, s.targetW, s.targetH)
	}
	if data.Metadata == nil {
		data.Metadata = make(map[string]string)
	}
	data.Metadata["preprocessed_at"] = time.Now().Format(time.RFC3339Nano)
	return nil
}

// detectionStage replaces the item's detections with the detector's output.
type detectionStage struct {
	name     string
	detector *detect.Detector
}

func (s *detectionStage) Type() StageType { return StageDetection }
func (s *detectionStage) Name() string    { return s.name }

func (s *detectionStage) Process(ctx context.Context, data *Data) error {
	dets, err := s.detector.Detect(ctx, data.Frame)
	if err != nil {
		return err
	}
	data.Detections = dets
	return nil
}

// analysisStage attaches enrichment derived from current detections.
type analysisStage struct {
	name     string
	analyzer analyze.Analyzer
}

func (s *analysisStage) Type() StageType { return StageAnalysis }
func (s *analysisStage) Name() string    { return s.name }

func (s *analysisStage) Process(ctx context.Context, data *Data) error {
	analysis, err := s.analyzer.Analyze(ctx, data.Frame, data.Detections)
	if err != nil {
		return err
	}
	data.Analysis = analysis
	return nil
}

// inferenceStage attaches classifier scores.
type inferenceStage struct {
	name       string
	classifier Classifier
}

func (s *inferenceStage) Type() StageType { return StageInference }
func (s *inferenceStage) Name() string    { return s.name }

func (s *inferenceStage) Process(ctx context.Context, data *Data) error {
	scores, err := s.classifier.Infer(ctx, data)
	if err != nil {
		return err
	}
	data.Inference = scores
	return nil
}

// postProcessStage filters and truncates detections, then stamps completion.
type postProcessStage struct {
	name          string
	minConfidence float32
	maxDetections int
}

func newPostProcessStage(cfg StageConfig) (*postProcessStage, error) {
	s := &postProcessStage{name: cfg.Name}
	if mc, ok := cfg.Params["min_confidence"]; ok {
		v, err := strconv.ParseFloat(mc, 32)
		if err != nil || v < 0 || v > 1 {
			return nil, errors.NewInvalidConfigError("stage %q: min_confidence must be in [0,1], got %q", cfg.Name, mc)
		}
		s.minConfidence = float32(v)
	}
	if md, ok := cfg.Params["max_detections"]; ok {
		v, err := strconv.Atoi(md)
		if err != nil || v < 0 {
			return nil, errors.NewInvalidConfigError("stage %q: max_detections must be >= 0, got %q", cfg.Name, md)
		}
		s.maxDetections = v
	}
	return s, nil
}

func (s *postProcessStage) Type() StageType { return StagePostProcess }
func (s *postProcessStage) Name() string    { return s.name }

func (s *postProcessStage) Process(ctx context.Context, data *Data) error {
	if s.minConfidence > 0 {
		kept := data.Detections[:0]
		for _, d := range data.Detections {
			if d.Confidence >= s.minConfidence {
				kept = append(kept, d)
			}
		}
		data.Detections = kept
	}
	if s.maxDetections > 0 && len(data.Detections) > s.maxDetections {
		data.Detections = data.Detections[:s.maxDetections]
	}
	if data.Metadata == nil {
		data.Metadata = make(map[string]string)
	}
	data.Metadata["completed_at"] = time.Now().Format(time.RFC3339Nano)
	return nil
}
