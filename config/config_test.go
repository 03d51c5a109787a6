package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/VIGIL/errors"
	"github.com/teranos/VIGIL/pipeline"
	"github.com/teranos/VIGIL/vision/detect"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 32, cfg.Engine.MaxBatchSize)
	assert.Equal(t, 4, cfg.Engine.ProcessingThreads)
	assert.True(t, cfg.Engine.EnableGPU)
	assert.Equal(t, "fp16", cfg.Engine.ModelPrecision)
	assert.Equal(t, float32(0.5), cfg.Engine.DetectionThreshold)
	assert.True(t, cfg.Engine.EnableAnalytics)

	assert.Equal(t, float32(0.5), cfg.Detector.ConfidenceThreshold)
	assert.Equal(t, float32(0.45), cfg.Detector.NMSThreshold)
	assert.Equal(t, detect.DeviceCPU, cfg.Detector.Device)
	assert.Equal(t, 1, cfg.Detector.BatchSize)

	assert.Equal(t, 100, cfg.State.HistorySize)
	assert.Equal(t, 10, cfg.State.SnapshotInterval)
	assert.False(t, cfg.State.PersistState)
	assert.Equal(t, "vigil-state.json", cfg.State.StateFile)

	assert.Equal(t, 2, cfg.Pipeline.MaxParallelStages)
	assert.Equal(t, 32, cfg.Pipeline.BufferSize)
	assert.Equal(t, 5000, cfg.Pipeline.TimeoutMS)
	assert.Equal(t, 0, cfg.Pipeline.RetryCount)
}

func TestLoadFrom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigil.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[engine]
processing_threads = 8

[detector]
confidence_threshold = 0.7

[[pipeline.stages]]
name = "pre"
type = "preprocess"
enabled = true
`), 0o644))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	// Explicit values win, defaults fill the rest.
	assert.Equal(t, 8, cfg.Engine.ProcessingThreads)
	assert.Equal(t, 32, cfg.Engine.MaxBatchSize)
	assert.Equal(t, float32(0.7), cfg.Detector.ConfidenceThreshold)
	require.Len(t, cfg.Pipeline.Stages, 1)
	assert.Equal(t, "pre", cfg.Pipeline.Stages[0].Name)
	assert.Equal(t, pipeline.StagePreProcess, cfg.Pipeline.Stages[0].Type)
	assert.True(t, cfg.Pipeline.Stages[0].Enabled)
}

func TestLoadFrom_InvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigil.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[engine]
processing_threads = 0

[state]
snapshot_interval = 0
`), 0o644))

	_, err := LoadFrom(path)
	assert.True(t, errors.IsInvalidConfig(err))
}

func TestLoadFrom_MissingFile(t *testing.T) {
	_, err := LoadFrom(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.toml")
	require.NoError(t, os.WriteFile(path, []byte("[engine]\nmax_batch_size = 64\n"), 0o644))
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Engine.MaxBatchSize)
}

func TestLoad_FallsBackToDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "absent.toml"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default().Engine, cfg.Engine)
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vigil.toml")
	cfg := Default()
	cfg.Engine.ProcessingThreads = 6
	cfg.Pipeline.Stages = []pipeline.StageConfig{
		{Name: "det", Type: pipeline.StageDetection, Enabled: true},
	}

	require.NoError(t, Save(&cfg, path))

	back, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, 6, back.Engine.ProcessingThreads)
	require.Len(t, back.Pipeline.Stages, 1)
	assert.Equal(t, "det", back.Pipeline.Stages[0].Name)
}

func TestSave_RotatesBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vigil.toml")
	cfg := Default()

	for i := 1; i <= 5; i++ {
		cfg.Engine.MaxBatchSize = i
		require.NoError(t, Save(&cfg, path))
	}

	// Four prior writes, capped at three backups.
	for _, suffix := range []string{".back1", ".back2", ".back3"} {
		_, err := os.Stat(path + suffix)
		assert.NoError(t, err, suffix)
	}

	// .back1 holds the most recent prior version.
	prev, err := LoadFrom(path + ".back1")
	require.NoError(t, err)
	assert.Equal(t, 4, prev.Engine.MaxBatchSize)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigil.toml")
	cfg := Default()
	require.NoError(t, Save(&cfg, path))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	defer w.Stop()
	w.debouncePeriod = 20 * time.Millisecond

	reloaded := make(chan *Config, 1)
	w.OnReload(func(c *Config) error {
		select {
		case reloaded <- c:
		default:
		}
		return nil
	})
	w.Start()

	cfg.Engine.MaxBatchSize = 128
	require.NoError(t, os.WriteFile(path, mustTOML(t, &cfg), 0o644))

	select {
	case c := <-reloaded:
		assert.Equal(t, 128, c.Engine.MaxBatchSize)
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never fired")
	}
}

func TestWatcher_IgnoresOwnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigil.toml")
	cfg := Default()
	require.NoError(t, Save(&cfg, path))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	defer w.Stop()
	w.debouncePeriod = 20 * time.Millisecond

	reloaded := make(chan struct{}, 1)
	w.OnReload(func(*Config) error {
		select {
		case reloaded <- struct{}{}:
		default:
		}
		return nil
	})
	w.Start()

	SetGlobalWatcher(w)
	defer SetGlobalWatcher(nil)
	require.NoError(t, Save(&cfg, path))

	select {
	case <-reloaded:
		t.Fatal("own write must not trigger reload")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestIsBackupFile(t *testing.T) {
	assert.True(t, isBackupFile("/etc/vigil.toml.back1"))
	assert.True(t, isBackupFile("vigil.toml.back3"))
	assert.False(t, isBackupFile("vigil.toml"))
}

func mustTOML(t *testing.T, cfg *Config) []byte {
	t.Helper()
	data, err := toml.Marshal(cfg)
	require.NoError(t, err)
	return data
}
