package detect

import (
	"context"
	"encoding/binary"
	"hash/fnv"

	"github.com/teranos/VIGIL/errors"
)

// Framework identifies the inference backend used for a model.
type Framework string

const (
	FrameworkONNX      Framework = "onnx"
	FrameworkTensorRT  Framework = "tensorrt"
	FrameworkOpenVINO  Framework = "openvino"
	FrameworkCustom    Framework = "custom"
	FrameworkSynthetic Framework = "synthetic"
)

// KnownFrameworks lists every framework a manifest may reference.
var KnownFrameworks = []Framework{
	FrameworkONNX,
	FrameworkTensorRT,
	FrameworkOpenVINO,
	FrameworkCustom,
	FrameworkSynthetic,
}

func knownFramework(f Framework) bool {
	for _, k := range KnownFrameworks {
		if f == k {
			return true
		}
	}
	return false
}

// Tensor is the model input built from a frame: the buffer resampled to the
// model's declared input size, normalized to [0, 1].
type Tensor struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// Model is the capability interface for a loaded detection model.
//
// Infer returns raw output rows of at least six columns:
// [x, y, w, h, objectness, class_id, ...]. Thread-safety of concurrent Infer
// calls is the backend's responsibility.
type Model interface {
	Name() string
	InputSize() (w, h int)
	Classes() []string
	Infer(ctx context.Context, input Tensor) ([][]float32, error)
	Close() error
}

// loadFunc constructs a model for one framework.
type loadFunc func(cfg ModelConfig) (Model, error)

// backends maps frameworks to loaders. The synthetic backend is always
// available; hardware backends register themselves from build-tagged files.
var backends = map[Framework]loadFunc{
	FrameworkSynthetic: loadSynthetic,
}

func loadModel(cfg ModelConfig) (Model, error) {
	load, ok := backends[cfg.Framework]
	if !ok {
		return nil, &errors.ModelLoadError{
			Model: cfg.Name,
			Path:  cfg.Path,
			Err:   errors.Wrapf(errors.ErrBackendUnavailable, "framework %q", cfg.Framework),
		}
	}
	model, err := load(cfg)
	if err != nil {
		return nil, &errors.ModelLoadError{Model: cfg.Name, Path: cfg.Path, Err: err}
	}
	return model, nil
}

// syntheticModel derives deterministic detections from the frame buffer so
// the full pipeline can run without model weights. Output is a pure function
// of the input tensor, which keeps detection tests reproducible.
type syntheticModel struct {
	name    string
	width   int
	height  int
	classes []string
}

func loadSynthetic(cfg ModelConfig) (Model, error) {
	if len(cfg.ClassNames) == 0 {
		return nil, errors.New("synthetic model requires class_names")
	}
	w, h := cfg.InputWidth, cfg.InputHeight
	if w <= 0 || h <= 0 {
		return nil, errors.Newf("invalid input size %dx%d", w, h)
	}
	return &syntheticModel{
		name:    cfg.Name,
		width:   w,
		height:  h,
		classes: cfg.ClassNames,
	}, nil
}

func (m *syntheticModel) Name() string          { return m.name }
func (m *syntheticModel) InputSize() (int, int) { return m.width, m.height }
func (m *syntheticModel) Classes() []string     { return m.classes }
func (m *syntheticModel) Close() error          { return nil }

func (m *syntheticModel) Infer(ctx context.Context, input Tensor) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Hash the tensor so identical frames give identical rows.
	h := fnv.New64a()
	var buf [4]byte
	for i := 0; i < len(input.Data); i += 64 {
		binary.LittleEndian.PutUint32(buf[:], uint32(input.Data[i]*255))
		h.Write(buf[:])
	}
	seed := h.Sum64()

	// Up to three rows, positioned and scored from the hash.
	count := int(seed%3) + 1
	rows := make([][]float32, 0, count)
	for i := 0; i < count; i++ {
		s := seed >> (uint(i) * 8)
		x := float32(s%uint64(m.width)) * 0.5
		y := float32((s>>8)%uint64(m.height)) * 0.5
		w := float32(m.width) * 0.25
		fh := float32(m.height) * 0.25
		objectness := 0.55 + float32(s%40)/100
		classID := float32(s % uint64(len(m.classes)))
		rows = append(rows, []float32{x, y, w, fh, objectness, classID})
	}
	return rows, nil
}
