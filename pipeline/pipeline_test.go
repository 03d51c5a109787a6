package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/VIGIL/errors"
	"github.com/teranos/VIGIL/vision"
	"github.com/teranos/VIGIL/vision/analyze"
	"github.com/teranos/VIGIL/vision/detect"
)

// flakyModel fails the first failures inferences, then succeeds.
type flakyModel struct {
	failures int64
	calls    atomic.Int64
}

func (m *flakyModel) Name() string          { return "flaky" }
func (m *flakyModel) InputSize() (int, int) { return 32, 32 }
func (m *flakyModel) Classes() []string     { return []string{"person"} }
func (m *flakyModel) Close() error          { return nil }

func (m *flakyModel) Infer(ctx context.Context, input detect.Tensor) ([][]float32, error) {
	if m.calls.Add(1) <= m.failures {
		return nil, errors.New("transient device error")
	}
	return [][]float32{{0, 0, 10, 10, 0.9, 0}}, nil
}

// slowClassifier blocks for delay before answering.
type slowClassifier struct {
	delay time.Duration
	calls atomic.Int64
}

func (c *slowClassifier) Infer(ctx context.Context, data *Data) (map[string]float32, error) {
	if c.calls.Add(1) == 1 && c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return map[string]float32{"score": 0.75}, nil
}

// sleepClassifier sleeps through every call without honoring the context,
// like a backend that cannot be interrupted mid-inference.
type sleepClassifier struct {
	delay time.Duration
}

func (c *sleepClassifier) Infer(ctx context.Context, data *Data) (map[string]float32, error) {
	time.Sleep(c.delay)
	return map[string]float32{"score": 1}, nil
}

func testFrame(id uint64) *vision.Frame {
	return &vision.Frame{
		ID:        id,
		Timestamp: time.Now(),
		Data:      make([]byte, 32*32*3),
		Metadata:  vision.FrameMetadata{Width: 32, Height: 32, Channels: 3, Format: vision.FormatRGB, Source: "test"},
	}
}

func detectorWith(t *testing.T, model detect.Model) *detect.Detector {
	t.Helper()
	d, err := detect.NewWithModels(detect.Config{
		ConfidenceThreshold: 0.5,
		NMSThreshold:        0.4,
		Device:              detect.DeviceCPU,
		BatchSize:           1,
	}, model)
	require.NoError(t, err)
	return d
}

func basePipelineConfig(stages ...StageConfig) Config {
	cfg := DefaultConfig()
	cfg.Stages = stages
	cfg.MaxParallelStages = 1
	cfg.BufferSize = 4
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.MaxParallelStages = 0 }},
		{"zero buffer", func(c *Config) { c.BufferSize = 0 }},
		{"negative retry", func(c *Config) { c.RetryCount = -1 }},
		{"duplicate stage names", func(c *Config) {
			c.Stages = []StageConfig{
				{Name: "pre", Type: StagePreProcess, Enabled: true},
				{Name: "pre", Type: StagePostProcess, Enabled: true},
			}
		}},
		{"empty stage name", func(c *Config) {
			c.Stages = []StageConfig{{Name: "", Type: StagePreProcess}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.True(t, errors.IsInvalidConfig(cfg.Validate()))
		})
	}
}

func TestNew_UnknownStageType(t *testing.T) {
	cfg := basePipelineConfig(StageConfig{Name: "mystery", Type: "transmogrify", Enabled: true})
	_, err := New(cfg, Deps{})
	assert.True(t, errors.IsInvalidConfig(err))
}

func TestNew_MissingDeps(t *testing.T) {
	cfg := basePipelineConfig(StageConfig{Name: "det", Type: StageDetection, Enabled: true})
	_, err := New(cfg, Deps{})
	assert.True(t, errors.IsInvalidConfig(err))
}

func TestPipeline_FullChain(t *testing.T) {
	detector := detectorWith(t, &flakyModel{})
	analyzer, err := analyze.NewHeuristic(analyze.DefaultConfig())
	require.NoError(t, err)

	cfg := basePipelineConfig(
		StageConfig{Name: "pre", Type: StagePreProcess, Enabled: true},
		StageConfig{Name: "det", Type: StageDetection, Enabled: true},
		StageConfig{Name: "ana", Type: StageAnalysis, Enabled: true},
		StageConfig{Name: "inf", Type: StageInference, Enabled: true},
		StageConfig{Name: "post", Type: StagePostProcess, Enabled: true, Params: map[string]string{"min_confidence": "0.5"}},
	)
	p, err := New(cfg, Deps{Detector: detector, Analyzer: analyzer, Classifier: &slowClassifier{}})
	require.NoError(t, err)

	p.Start()
	defer p.Stop()

	ctx := context.Background()
	require.NoError(t, p.Process(ctx, NewData(testFrame(1))))

	out, err := p.GetResult(ctx)
	require.NoError(t, err)

	assert.Len(t, out.Detections, 1)
	assert.NotNil(t, out.Analysis)
	assert.Equal(t, float32(0.75), out.Inference["score"])
	assert.NotEmpty(t, out.Metadata["preprocessed_at"])
	assert.NotEmpty(t, out.Metadata["completed_at"])

	res := out.Result()
	assert.Equal(t, uint64(1), res.FrameID)
}

func TestPipeline_RetryThenSuccess(t *testing.T) {
	// Detection fails twice, then succeeds: the item reaches the output and
	// the stage records processed:1 errors:2.
	detector := detectorWith(t, &flakyModel{failures: 2})

	cfg := basePipelineConfig(
		StageConfig{Name: "pre", Type: StagePreProcess, Enabled: true},
		StageConfig{Name: "det", Type: StageDetection, Enabled: true},
	)
	cfg.RetryCount = 2
	p, err := New(cfg, Deps{Detector: detector})
	require.NoError(t, err)

	p.Start()
	defer p.Stop()

	ctx := context.Background()
	require.NoError(t, p.Process(ctx, NewData(testFrame(1))))

	out, err := p.GetResult(ctx)
	require.NoError(t, err)
	assert.Len(t, out.Detections, 1)

	m := p.Metrics()["det"]
	assert.Equal(t, uint64(1), m.Processed)
	assert.Equal(t, uint64(2), m.Errors)
	assert.False(t, m.LastProcessed.IsZero())
}

func TestPipeline_ExhaustedRetriesDropsItem(t *testing.T) {
	detector := detectorWith(t, &flakyModel{failures: 100})

	cfg := basePipelineConfig(StageConfig{Name: "det", Type: StageDetection, Enabled: true})
	cfg.RetryCount = 1
	p, err := New(cfg, Deps{Detector: detector})
	require.NoError(t, err)

	p.Start()
	defer p.Stop()

	ctx := context.Background()
	require.NoError(t, p.Process(ctx, NewData(testFrame(1))))

	// The item is dropped: nothing arrives.
	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = p.GetResult(waitCtx)
	assert.Error(t, err)

	m := p.Metrics()["det"]
	assert.Equal(t, uint64(0), m.Processed)
	assert.Equal(t, uint64(2), m.Errors)
}

func TestPipeline_TimeoutCountsAsFailedAttempt(t *testing.T) {
	classifier := &slowClassifier{delay: 500 * time.Millisecond}

	cfg := basePipelineConfig(StageConfig{Name: "inf", Type: StageInference, Enabled: true})
	cfg.TimeoutMS = 50
	cfg.RetryCount = 1
	p, err := New(cfg, Deps{Classifier: classifier})
	require.NoError(t, err)

	p.Start()
	defer p.Stop()

	ctx := context.Background()
	require.NoError(t, p.Process(ctx, NewData(testFrame(1))))

	// First attempt times out, the retry succeeds immediately.
	out, err := p.GetResult(ctx)
	require.NoError(t, err)
	assert.Equal(t, float32(0.75), out.Inference["score"])

	m := p.Metrics()["inf"]
	assert.Equal(t, uint64(1), m.Processed)
	assert.Equal(t, uint64(1), m.Errors)
}

func TestPipeline_DisabledStageSkippedAtRuntime(t *testing.T) {
	detector := detectorWith(t, &flakyModel{})

	cfg := basePipelineConfig(
		StageConfig{Name: "pre", Type: StagePreProcess, Enabled: true},
		StageConfig{Name: "det", Type: StageDetection, Enabled: false},
	)
	p, err := New(cfg, Deps{Detector: detector})
	require.NoError(t, err)

	p.Start()
	defer p.Stop()

	ctx := context.Background()
	require.NoError(t, p.Process(ctx, NewData(testFrame(1))))
	out, err := p.GetResult(ctx)
	require.NoError(t, err)
	assert.Empty(t, out.Detections, "disabled detection must not run")
	assert.Equal(t, []string{"pre"}, p.ActiveStages())

	// Toggle live and run another item through.
	require.NoError(t, p.SetStageEnabled("det", true))
	require.NoError(t, p.Process(ctx, NewData(testFrame(2))))
	out, err = p.GetResult(ctx)
	require.NoError(t, err)
	assert.Len(t, out.Detections, 1)
	assert.Equal(t, []string{"pre", "det"}, p.ActiveStages())
}

func TestPipeline_StopDeliversInFlightItems(t *testing.T) {
	// An item a worker already pulled runs its chain to completion, and its
	// result must reach the consumer even when Stop cancels mid-item.
	for i := 0; i < 40; i++ {
		cfg := basePipelineConfig(StageConfig{Name: "inf", Type: StageInference, Enabled: true})
		cfg.TimeoutMS = 0
		p, err := New(cfg, Deps{Classifier: &sleepClassifier{delay: 10 * time.Millisecond}})
		require.NoError(t, err)

		p.Start()
		require.NoError(t, p.Process(context.Background(), NewData(testFrame(1))))
		time.Sleep(2 * time.Millisecond) // let the worker pull the item
		p.Stop()

		completed := p.Metrics()["inf"].Processed
		var delivered uint64
		for {
			if _, err := p.GetResult(context.Background()); err != nil {
				break
			}
			delivered++
		}
		require.Equal(t, completed, delivered, "iteration %d: in-flight item lost on stop", i)
	}
}

func TestPipeline_FastAttemptNeverTimesOut(t *testing.T) {
	// An attempt that finishes well inside the timeout must never be counted
	// as timed out, however the attempt's cancellation lands.
	cfg := basePipelineConfig(StageConfig{Name: "inf", Type: StageInference, Enabled: true})
	cfg.TimeoutMS = 500
	p, err := New(cfg, Deps{Classifier: &slowClassifier{}})
	require.NoError(t, err)

	p.Start()
	defer p.Stop()

	ctx := context.Background()
	const items = 200
	go func() {
		for i := 1; i <= items; i++ {
			if err := p.Process(ctx, NewData(testFrame(uint64(i)))); err != nil {
				return
			}
		}
	}()
	for i := 0; i < items; i++ {
		_, err := p.GetResult(ctx)
		require.NoError(t, err)
	}

	m := p.Metrics()["inf"]
	assert.Equal(t, uint64(items), m.Processed)
	assert.Equal(t, uint64(0), m.Errors)
}

func TestPipeline_SetStageEnabledUnknownStage(t *testing.T) {
	p, err := New(basePipelineConfig(), Deps{})
	require.NoError(t, err)
	assert.True(t, errors.IsNotFoundError(p.SetStageEnabled("ghost", true)))
}

func TestPipeline_StartStopIdempotent(t *testing.T) {
	p, err := New(basePipelineConfig(StageConfig{Name: "pre", Type: StagePreProcess, Enabled: true}), Deps{})
	require.NoError(t, err)

	p.Stop() // before Start: no-op
	p.Start()
	p.Start()
	p.Stop()
	p.Stop()

	err = p.Process(context.Background(), NewData(testFrame(1)))
	assert.True(t, errors.IsQueueClosed(err))
}

func TestPipeline_MetricsIsACopy(t *testing.T) {
	p, err := New(basePipelineConfig(StageConfig{Name: "pre", Type: StagePreProcess, Enabled: true}), Deps{})
	require.NoError(t, err)

	m := p.Metrics()
	m["pre"] = StageMetrics{Processed: 999}

	assert.Equal(t, uint64(0), p.Metrics()["pre"].Processed)
}

func TestPostProcessStage_FilterAndTruncate(t *testing.T) {
	stage, err := newPostProcessStage(StageConfig{
		Name:   "post",
		Type:   StagePostProcess,
		Params: map[string]string{"min_confidence": "0.6", "max_detections": "2"},
	})
	require.NoError(t, err)

	data := NewData(testFrame(1))
	data.Detections = []vision.Detection{
		{Confidence: 0.9},
		{Confidence: 0.8},
		{Confidence: 0.7},
		{Confidence: 0.3},
	}
	require.NoError(t, stage.Process(context.Background(), data))

	require.Len(t, data.Detections, 2)
	assert.Equal(t, float32(0.9), data.Detections[0].Confidence)
}

func TestPreProcessStage_GeometryValidation(t *testing.T) {
	stage, err := newPreProcessStage(StageConfig{
		Name:   "pre",
		Type:   StagePreProcess,
		Params: map[string]string{"target_size": "32x32"},
	})
	require.NoError(t, err)

	ok := NewData(testFrame(1))
	require.NoError(t, stage.Process(context.Background(), ok))

	bad := NewData(&vision.Frame{Metadata: vision.FrameMetadata{Width: 64, Height: 64}})
	assert.Error(t, stage.Process(context.Background(), bad))

	_, err = newPreProcessStage(StageConfig{Name: "pre", Params: map[string]string{"target_size": "huge"}})
	assert.True(t, errors.IsInvalidConfig(err))
}
