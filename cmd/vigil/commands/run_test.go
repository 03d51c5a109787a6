package commands

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/VIGIL/config"
	"github.com/teranos/VIGIL/engine"
	"github.com/teranos/VIGIL/state"
	"github.com/teranos/VIGIL/vision"
	"github.com/teranos/VIGIL/vision/detect"
)

func TestEnsureModels_SyntheticDefault(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, ensureModels(&cfg))

	require.Len(t, cfg.Detector.Models, 1)
	m := cfg.Detector.Models[0]
	assert.Equal(t, detect.FrameworkSynthetic, m.Framework)
	assert.Equal(t, cfg.Source.Width, m.InputWidth)
	assert.Equal(t, cfg.Source.Height, m.InputHeight)
	assert.True(t, m.Enabled)
	assert.NotEmpty(t, m.ClassNames)
}

func TestEnsureModels_KeepsConfigured(t *testing.T) {
	cfg := config.Default()
	cfg.Detector.Models = []detect.ModelConfig{{
		Name: "custom", Framework: detect.FrameworkSynthetic,
		InputWidth: 64, InputHeight: 64, ClassNames: []string{"cat"}, Enabled: true,
	}}
	require.NoError(t, ensureModels(&cfg))
	require.Len(t, cfg.Detector.Models, 1)
	assert.Equal(t, "custom", cfg.Detector.Models[0].Name)
}

func TestPrintDetections_SilentByDefault(t *testing.T) {
	prev := Verbosity
	defer func() { Verbosity = prev }()
	Verbosity = 0

	// Detail output is gated on verbosity; at the default level nothing is
	// printed and the call must not panic on a populated result.
	printDetections(&vision.ProcessingResult{
		FrameID: 7,
		Detections: []vision.Detection{
			{ClassName: "person", Confidence: 0.91, Box: vision.BoundingBox{X: 1, Y: 2, W: 10, H: 20}},
		},
	})
}

func TestEngineStateMapping(t *testing.T) {
	running := engineState(engine.Metrics{Running: true, FramesProcessed: 5, Uptime: 3 * time.Second})
	assert.Equal(t, state.StatusRunning, running.Status)
	assert.Equal(t, uint64(5), running.FramesProcessed)
	assert.Equal(t, int64(3), running.UptimeSeconds)

	paused := engineState(engine.Metrics{Running: true, Paused: true})
	assert.Equal(t, state.StatusPaused, paused.Status)

	stopped := engineState(engine.Metrics{})
	assert.Equal(t, state.StatusStopped, stopped.Status)
}
