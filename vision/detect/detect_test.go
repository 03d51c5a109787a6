package detect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/VIGIL/errors"
	"github.com/teranos/VIGIL/vision"
)

// stubModel returns canned rows, or an error when failErr is set.
type stubModel struct {
	name    string
	classes []string
	rows    [][]float32
	failErr error
	closed  int
}

func (m *stubModel) Name() string          { return m.name }
func (m *stubModel) InputSize() (int, int) { return 64, 64 }
func (m *stubModel) Classes() []string     { return m.classes }
func (m *stubModel) Close() error          { m.closed++; return nil }

func (m *stubModel) Infer(ctx context.Context, input Tensor) ([][]float32, error) {
	if m.failErr != nil {
		return nil, m.failErr
	}
	return m.rows, nil
}

func testConfig() Config {
	return Config{
		ConfidenceThreshold: 0.5,
		NMSThreshold:        0.4,
		Device:              DeviceCPU,
		BatchSize:           1,
	}
}

func testFrame(id uint64) *vision.Frame {
	md := vision.FrameMetadata{Width: 8, Height: 8, Channels: 3, Format: vision.FormatRGB, Source: "test"}
	return &vision.Frame{
		ID:        id,
		Timestamp: time.Now(),
		Data:      make([]byte, 8*8*3),
		Metadata:  md,
	}
}

func TestDetect_ConfidenceThresholdHolds(t *testing.T) {
	model := &stubModel{
		name:    "stub",
		classes: []string{"person", "car"},
		rows: [][]float32{
			{0, 0, 10, 10, 0.9, 0},
			{50, 50, 10, 10, 0.51, 1},
			{100, 100, 10, 10, 0.5, 0},  // at the threshold, excluded
			{150, 150, 10, 10, 0.2, 1},  // below
		},
	}
	d, err := NewWithModels(testConfig(), model)
	require.NoError(t, err)

	dets, err := d.Detect(context.Background(), testFrame(1))
	require.NoError(t, err)

	require.Len(t, dets, 2)
	for _, det := range dets {
		assert.Greater(t, det.Confidence, float32(0.5))
	}
	assert.Equal(t, "person", dets[0].ClassName)
	assert.Equal(t, uint64(1), dets[0].FrameID)
}

func TestDetect_DuplicateSuppression(t *testing.T) {
	model := &stubModel{
		name:    "stub",
		classes: []string{"person"},
		rows: [][]float32{
			{0, 0, 10, 10, 0.9, 0},
			{0, 0, 10, 8, 0.6, 0}, // IoU 0.8 with the first
		},
	}
	d, err := NewWithModels(testConfig(), model)
	require.NoError(t, err)

	dets, err := d.Detect(context.Background(), testFrame(1))
	require.NoError(t, err)

	require.Len(t, dets, 1)
	assert.Equal(t, float32(0.9), dets[0].Confidence)
}

func TestDetect_MultiModelPooling(t *testing.T) {
	a := &stubModel{
		name:    "a",
		classes: []string{"person", "car"},
		rows:    [][]float32{{0, 0, 10, 10, 0.9, 0}},
	}
	b := &stubModel{
		name:    "b",
		classes: []string{"person", "car"},
		rows:    [][]float32{{100, 100, 10, 10, 0.8, 1}},
	}
	d, err := NewWithModels(testConfig(), a, b)
	require.NoError(t, err)

	dets, err := d.Detect(context.Background(), testFrame(1))
	require.NoError(t, err)

	require.Len(t, dets, 2)
	// sorted by descending confidence across models
	assert.Equal(t, "person", dets[0].ClassName)
	assert.Equal(t, "car", dets[1].ClassName)
}

func TestDetect_InferenceFailureDropsFrame(t *testing.T) {
	model := &stubModel{name: "broken", classes: []string{"person"}, failErr: errors.New("device lost")}
	d, err := NewWithModels(testConfig(), model)
	require.NoError(t, err)

	dets, err := d.Detect(context.Background(), testFrame(7))
	assert.Nil(t, dets)

	var infErr *errors.InferenceError
	require.ErrorAs(t, err, &infErr)
	assert.Equal(t, "broken", infErr.Model)
	assert.Equal(t, uint64(7), infErr.FrameID)
	assert.True(t, errors.IsRecoverable(err))

	m := d.Metrics()
	assert.Equal(t, uint64(1), m.FramesDropped)
	assert.Equal(t, uint64(0), m.FramesProcessed)
}

func TestDetect_UnresolvableClassDropsFrame(t *testing.T) {
	model := &stubModel{
		name:    "stub",
		classes: []string{"person"},
		rows:    [][]float32{{0, 0, 10, 10, 0.9, 5}},
	}
	d, err := NewWithModels(testConfig(), model)
	require.NoError(t, err)

	_, err = d.Detect(context.Background(), testFrame(3))

	var classErr *errors.ClassResolutionError
	require.ErrorAs(t, err, &classErr)
	assert.Equal(t, 5, classErr.ClassID)
	assert.True(t, errors.IsRecoverable(err))
}

func TestDetectBatch_Sequential(t *testing.T) {
	model := &stubModel{
		name:    "stub",
		classes: []string{"person"},
		rows:    [][]float32{{0, 0, 10, 10, 0.9, 0}},
	}
	d, err := NewWithModels(testConfig(), model)
	require.NoError(t, err)

	frames := []*vision.Frame{testFrame(1), testFrame(2), testFrame(3)}
	results, err := d.DetectBatch(context.Background(), frames)
	require.NoError(t, err)

	require.Len(t, results, 3)
	for i, dets := range results {
		require.Len(t, dets, 1)
		assert.Equal(t, frames[i].ID, dets[0].FrameID)
	}
	assert.Equal(t, uint64(3), d.Metrics().FramesProcessed)
}

func TestNew_AtomicLoadFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Models = []ModelConfig{
		{Name: "ok", Framework: FrameworkSynthetic, InputWidth: 64, InputHeight: 64, ClassNames: []string{"person"}, Enabled: true},
		{Name: "bad", Framework: Framework("no-such-backend"), Enabled: true},
	}

	d, err := New(cfg)
	assert.Nil(t, d)

	var loadErr *errors.ModelLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "bad", loadErr.Model)
}

func TestNew_RequiresEnabledModel(t *testing.T) {
	cfg := testConfig()
	cfg.Models = []ModelConfig{
		{Name: "off", Framework: FrameworkSynthetic, InputWidth: 64, InputHeight: 64, ClassNames: []string{"x"}, Enabled: false},
	}

	_, err := New(cfg)
	assert.True(t, errors.IsInvalidConfig(err))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"confidence above one", func(c *Config) { c.ConfidenceThreshold = 1.5 }, true},
		{"negative nms", func(c *Config) { c.NMSThreshold = -0.1 }, true},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, true},
		{"unknown device", func(c *Config) { c.Device = "TPU" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.True(t, errors.IsInvalidConfig(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClose_Idempotent(t *testing.T) {
	model := &stubModel{name: "stub", classes: []string{"person"}}
	d, err := NewWithModels(testConfig(), model)
	require.NoError(t, err)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.Equal(t, 1, model.closed)
}

func TestSyntheticModel_Deterministic(t *testing.T) {
	cfg := testConfig()
	cfg.Models = []ModelConfig{
		{Name: "syn", Framework: FrameworkSynthetic, InputWidth: 64, InputHeight: 64, ClassNames: []string{"person", "car"}, Enabled: true},
	}
	d, err := New(cfg)
	require.NoError(t, err)
	defer d.Close()

	frame := testFrame(1)
	first, err := d.Detect(context.Background(), frame)
	require.NoError(t, err)
	second, err := d.Detect(context.Background(), frame)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestHardwareBackendUnavailableWithoutBuildTag(t *testing.T) {
	if _, ok := backends[FrameworkONNX]; ok {
		t.Skip("dnn backend compiled in")
	}

	cfg := testConfig()
	cfg.Models = []ModelConfig{
		{Name: "yolo", Path: "yolo.onnx", Framework: FrameworkONNX, InputWidth: 416, InputHeight: 416, ClassNames: []string{"person"}, Enabled: true},
	}

	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBackendUnavailable))
}
