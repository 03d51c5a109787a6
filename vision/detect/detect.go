// Package detect runs multi-model object detection over frames and fuses the
// results with non-maximum suppression.
//
// A Detector owns a fixed set of models loaded at construction. Model loading
// goes through a per-framework backend registry; the synthetic backend is
// always compiled in, the OpenCV DNN backend only behind the gocv build tag.
package detect

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/VIGIL/errors"
	"github.com/teranos/VIGIL/logger"
	"github.com/teranos/VIGIL/vision"
)

// Device selects where inference runs. Informational for backends that
// support device placement; the synthetic backend ignores it.
type Device string

const (
	DeviceCPU    Device = "CPU"
	DeviceCUDA   Device = "CUDA"
	DeviceOpenCL Device = "OpenCL"
)

// ModelConfig declares one model to load.
type ModelConfig struct {
	Name        string    `mapstructure:"name" toml:"name"`
	Path        string    `mapstructure:"path" toml:"path"`
	Framework   Framework `mapstructure:"framework" toml:"framework"`
	InputWidth  int       `mapstructure:"input_width" toml:"input_width"`
	InputHeight int       `mapstructure:"input_height" toml:"input_height"`
	ClassNames  []string  `mapstructure:"class_names" toml:"class_names"`
	Enabled     bool      `mapstructure:"enabled" toml:"enabled"`
}

// Config configures a Detector.
type Config struct {
	ConfidenceThreshold float32       `mapstructure:"confidence_threshold" toml:"confidence_threshold"`
	NMSThreshold        float32       `mapstructure:"nms_threshold" toml:"nms_threshold"`
	Device              Device        `mapstructure:"device" toml:"device"`
	BatchSize           int           `mapstructure:"batch_size" toml:"batch_size"`
	ClassAwareNMS       bool          `mapstructure:"class_aware_nms" toml:"class_aware_nms"`
	ManifestPath        string        `mapstructure:"manifest_path" toml:"manifest_path"`
	Models              []ModelConfig `mapstructure:"models" toml:"models"`
}

// DefaultConfig returns the standard detector settings.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.5,
		NMSThreshold:        0.45,
		Device:              DeviceCPU,
		BatchSize:           1,
	}
}

// Validate checks configuration bounds.
func (c Config) Validate() error {
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return errors.NewInvalidConfigError("detector.confidence_threshold must be in [0,1], got %f", c.ConfidenceThreshold)
	}
	if c.NMSThreshold < 0 || c.NMSThreshold > 1 {
		return errors.NewInvalidConfigError("detector.nms_threshold must be in [0,1], got %f", c.NMSThreshold)
	}
	if c.BatchSize < 1 {
		return errors.NewInvalidConfigError("detector.batch_size must be >= 1, got %d", c.BatchSize)
	}
	switch c.Device {
	case DeviceCPU, DeviceCUDA, DeviceOpenCL:
	default:
		return errors.NewInvalidConfigError("detector.device must be CPU, CUDA or OpenCL, got %q", c.Device)
	}
	return nil
}

// Metrics reports detector counters since construction.
type Metrics struct {
	FramesProcessed uint64 `json:"frames_processed"`
	FramesDropped   uint64 `json:"frames_dropped"`
	Detections      uint64 `json:"detections"`
}

// Detector runs every loaded model over a frame, pools the raw rows, and
// suppresses duplicates. Models are read-only once constructed; Detect is
// safe for concurrent use.
type Detector struct {
	config Config
	models []Model
	// class names resolve against the first enabled model's list. Multi-model
	// deployments must share one taxonomy; divergent lists are not merged.
	classes []string
	keyFn   GroupKeyFunc
	log     *zap.SugaredLogger

	mu      sync.Mutex
	metrics Metrics
	closed  bool
}

// New loads all enabled models atomically. Any load failure closes the
// already-loaded models and fails construction: there is no
// partially-initialized Detector.
func New(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var models []Model
	for _, mc := range cfg.Models {
		if !mc.Enabled {
			continue
		}
		model, err := loadModel(mc)
		if err != nil {
			for _, m := range models {
				m.Close()
			}
			return nil, err
		}
		models = append(models, model)
	}
	if len(models) == 0 {
		return nil, errors.NewInvalidConfigError("detector requires at least one enabled model")
	}

	return newWithModels(cfg, models), nil
}

// NewWithModels builds a Detector around already-constructed models,
// bypassing the backend registry. Intended for tests and for callers that
// manage model lifecycle themselves.
func NewWithModels(cfg Config, models ...Model) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, errors.NewInvalidConfigError("detector requires at least one model")
	}
	return newWithModels(cfg, models), nil
}

func newWithModels(cfg Config, models []Model) *Detector {
	var keyFn GroupKeyFunc
	if cfg.ClassAwareNMS {
		keyFn = ByClass
	}
	return &Detector{
		config:  cfg,
		models:  models,
		classes: models[0].Classes(),
		keyFn:   keyFn,
		log:     logger.ComponentLogger("detect"),
	}
}

// Detect runs every model over the frame, keeps rows above the confidence
// threshold, pools them, suppresses duplicates, and returns the surviving
// detections sorted by descending confidence.
//
// Any model failure drops the whole frame: no partial detections are
// returned. Per-frame failures are recoverable and counted.
func (d *Detector) Detect(ctx context.Context, frame *vision.Frame) ([]vision.Detection, error) {
	var pooled []vision.Detection

	for _, model := range d.models {
		input := buildTensor(frame, model)
		rows, err := model.Infer(ctx, input)
		if err != nil {
			d.recordDrop()
			return nil, &errors.InferenceError{Model: model.Name(), FrameID: frame.ID, Err: err}
		}

		for _, row := range rows {
			if len(row) < 6 {
				continue
			}
			objectness := row[4]
			if objectness <= d.config.ConfidenceThreshold {
				continue
			}
			classID := int(row[5])
			if classID < 0 || classID >= len(d.classes) {
				d.recordDrop()
				return nil, &errors.ClassResolutionError{ClassID: classID, FrameID: frame.ID}
			}
			pooled = append(pooled, vision.Detection{
				Box:        vision.BoundingBox{X: row[0], Y: row[1], W: row[2], H: row[3]},
				ClassID:    classID,
				ClassName:  d.classes[classID],
				Confidence: objectness,
				FrameID:    frame.ID,
				Timestamp:  frame.Timestamp,
			})
		}
	}

	kept := Suppress(pooled, d.config.NMSThreshold, d.keyFn)
	sort.SliceStable(kept, func(a, b int) bool {
		return kept[a].Confidence > kept[b].Confidence
	})

	d.mu.Lock()
	d.metrics.FramesProcessed++
	d.metrics.Detections += uint64(len(kept))
	d.mu.Unlock()

	d.log.Debugw("frame detected",
		logger.FieldFrameID, frame.ID,
		"pooled", len(pooled),
		logger.FieldDetections, len(kept))

	return kept, nil
}

// DetectBatch applies Detect sequentially per frame. No hardware batching:
// a batched tensor path can be added later without changing this contract.
// A frame's failure is recorded in its slot; remaining frames still run.
func (d *Detector) DetectBatch(ctx context.Context, frames []*vision.Frame) ([][]vision.Detection, error) {
	results := make([][]vision.Detection, len(frames))
	var firstErr error
	for i, frame := range frames {
		dets, err := d.Detect(ctx, frame)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		results[i] = dets
	}
	return results, firstErr
}

// Metrics returns a copy of the detector counters.
func (d *Detector) Metrics() Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.metrics
}

// Close releases every model. Idempotent; individual close errors are joined.
func (d *Detector) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	var err error
	for _, m := range d.models {
		if cerr := m.Close(); cerr != nil {
			if err == nil {
				err = cerr
			} else {
				err = errors.WithSecondaryError(err, cerr)
			}
		}
	}
	return err
}

func (d *Detector) recordDrop() {
	d.mu.Lock()
	d.metrics.FramesDropped++
	d.mu.Unlock()
}

// buildTensor resamples the frame buffer to the model's declared input size
// with nearest-neighbor sampling and normalizes to [0, 1]. Real resize and
// color conversion belong to the capture collaborator; this only adapts
// geometry to the model contract.
func buildTensor(frame *vision.Frame, model Model) Tensor {
	w, h := model.InputSize()
	channels := frame.Metadata.Channels
	if channels <= 0 {
		channels = frame.Metadata.Format.Channels()
	}

	data := make([]float32, w*h*channels)
	srcW, srcH := frame.Metadata.Width, frame.Metadata.Height
	if srcW > 0 && srcH > 0 && len(frame.Data) >= srcW*srcH*channels {
		for y := 0; y < h; y++ {
			sy := y * srcH / h
			for x := 0; x < w; x++ {
				sx := x * srcW / w
				for c := 0; c < channels; c++ {
					src := (sy*srcW+sx)*channels + c
					dst := (y*w+x)*channels + c
					data[dst] = float32(frame.Data[src]) / 255
				}
			}
		}
	}

	return Tensor{Data: data, Width: w, Height: h, Channels: channels}
}
