package engine

import (
	"context"
	"time"

	"github.com/teranos/VIGIL/vision"
	"github.com/teranos/VIGIL/vision/analyze"
	"github.com/teranos/VIGIL/vision/detect"
)

// Processor is the default frame processor composition: detection, then
// optional analysis. It satisfies FrameProcessor.
type Processor struct {
	detector  *detect.Detector
	analyzer  analyze.Analyzer
	analytics bool
}

// NewProcessor composes a detector and an optional analyzer. The analyzer
// runs only when cfg.EnableAnalytics is set and an analyzer is provided.
func NewProcessor(cfg Config, detector *detect.Detector, analyzer analyze.Analyzer) *Processor {
	return &Processor{
		detector:  detector,
		analyzer:  analyzer,
		analytics: cfg.EnableAnalytics && analyzer != nil,
	}
}

// ProcessFrame runs detection and, when enabled, analysis for one frame.
func (p *Processor) ProcessFrame(ctx context.Context, frame *vision.Frame) (*vision.ProcessingResult, error) {
	detections, err := p.detector.Detect(ctx, frame)
	if err != nil {
		return nil, err
	}

	var analysis *vision.Analysis
	if p.analytics {
		analysis, err = p.analyzer.Analyze(ctx, frame, detections)
		if err != nil {
			return nil, err
		}
	}

	return &vision.ProcessingResult{
		FrameID:    frame.ID,
		Detections: detections,
		Analysis:   analysis,
		Timestamp:  time.Now(),
	}, nil
}
