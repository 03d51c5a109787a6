package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/VIGIL/errors"
)

func newTestManager(t *testing.T, cfg Config, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(cfg, opts...)
	require.NoError(t, err)
	return m
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"zero history", func(c *Config) { c.HistorySize = 0 }, true},
		{"zero interval", func(c *Config) { c.SnapshotInterval = 0 }, false},
		{"negative history", func(c *Config) { c.HistorySize = -1 }, false},
		{"persist without file", func(c *Config) { c.PersistState = true; c.StateFile = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.IsInvalidConfig(err))
			}
		})
	}
}

func TestManager_InitialState(t *testing.T) {
	m := newTestManager(t, DefaultConfig())

	s := m.GetCurrentState()
	assert.Equal(t, StatusStopped, s.Engine.Status)
	assert.Equal(t, uint64(0), s.Errors.ErrorCount)
	assert.Empty(t, m.GetStateHistory())
}

func TestManager_UpdateEngineStateSnapshots(t *testing.T) {
	m := newTestManager(t, DefaultConfig())

	m.UpdateEngineState(EngineState{Status: StatusRunning, FramesProcessed: 42, FPS: 30})

	s := m.GetCurrentState()
	assert.Equal(t, StatusRunning, s.Engine.Status)
	assert.Equal(t, uint64(42), s.Engine.FramesProcessed)

	history := m.GetStateHistory()
	require.Len(t, history, 1)
	assert.Equal(t, StatusRunning, history[0].State.Engine.Status)
}

func TestManager_PartitionUpdatesDoNotSnapshot(t *testing.T) {
	m := newTestManager(t, DefaultConfig())

	m.UpdatePipelineState(PipelineState{QueueSize: 7})
	m.UpdateResourceState(ResourceState{CPUUsage: 12.5})

	assert.Empty(t, m.GetStateHistory(), "only engine updates trigger snapshots")
	s := m.GetCurrentState()
	assert.Equal(t, 7, s.Pipeline.QueueSize)
	assert.Equal(t, float32(12.5), s.Resource.CPUUsage)
}

func TestManager_HistoryBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistorySize = 3
	m := newTestManager(t, cfg)

	for i := 1; i <= 5; i++ {
		m.UpdateEngineState(EngineState{Status: StatusRunning, FramesProcessed: uint64(i)})
	}

	history := m.GetStateHistory()
	require.Len(t, history, 3)
	assert.Equal(t, uint64(3), history[0].State.Engine.FramesProcessed)
	assert.Equal(t, uint64(4), history[1].State.Engine.FramesProcessed)
	assert.Equal(t, uint64(5), history[2].State.Engine.FramesProcessed)
}

func TestManager_ErrorHistoryBounded(t *testing.T) {
	m := newTestManager(t, DefaultConfig())

	for i := 0; i < 105; i++ {
		m.RecordError(ErrorInfo{ErrorType: "inference", Message: fmt.Sprintf("failure %d", i)})
	}

	s := m.GetCurrentState()
	assert.Equal(t, uint64(105), s.Errors.ErrorCount, "count is monotonic")
	require.Len(t, s.Errors.ErrorHistory, 100)
	assert.Equal(t, "failure 5", s.Errors.ErrorHistory[0].Message, "oldest evicted")
	assert.Equal(t, "failure 104", s.Errors.ErrorHistory[99].Message)
	require.NotNil(t, s.Errors.LastError)
	assert.Equal(t, "failure 104", s.Errors.LastError.Message)
}

func TestManager_GetCurrentStateIsAClone(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	m.UpdatePipelineState(PipelineState{
		ActiveStages: []string{"pre", "det"},
		StageMetrics: map[string]StageMetrics{"det": {ProcessedItems: 1}},
	})
	m.RecordError(ErrorInfo{Message: "boom", Context: map[string]string{"stage": "det"}})

	s := m.GetCurrentState()
	s.Pipeline.ActiveStages[0] = "mutated"
	s.Pipeline.StageMetrics["det"] = StageMetrics{ProcessedItems: 99}
	s.Errors.ErrorHistory[0].Context["stage"] = "mutated"

	fresh := m.GetCurrentState()
	assert.Equal(t, "pre", fresh.Pipeline.ActiveStages[0])
	assert.Equal(t, uint64(1), fresh.Pipeline.StageMetrics["det"].ProcessedItems)
	assert.Equal(t, "det", fresh.Errors.ErrorHistory[0].Context["stage"])
}

func TestManager_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	cfg := DefaultConfig()
	cfg.PersistState = true
	cfg.StateFile = path
	m := newTestManager(t, cfg)

	m.UpdateEngineState(EngineState{Status: StatusPaused, FramesProcessed: 9})

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var persisted SystemState
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Equal(t, StatusPaused, persisted.Engine.Status)
	assert.Equal(t, uint64(9), persisted.Engine.FramesProcessed)

	// The next snapshot overwrites in place.
	m.UpdateEngineState(EngineState{Status: StatusStopped})
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Equal(t, StatusStopped, persisted.Engine.Status)
}

func TestManager_PersistenceFailureIsNonFatal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PersistState = true
	cfg.StateFile = filepath.Join(t.TempDir(), "missing", "state.json")
	m := newTestManager(t, cfg)

	m.UpdateEngineState(EngineState{Status: StatusRunning})

	// State and history are intact despite the failed write.
	assert.Equal(t, StatusRunning, m.GetCurrentState().Engine.Status)
	assert.Len(t, m.GetStateHistory(), 1)
}

func TestManager_ConcurrentAccess(t *testing.T) {
	m := newTestManager(t, DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m.UpdateEngineState(EngineState{Status: StatusRunning, FramesProcessed: uint64(j)})
				m.RecordError(ErrorInfo{Message: "err"})
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = m.GetCurrentState()
				_ = m.GetStateHistory()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(400), m.GetCurrentState().Errors.ErrorCount)
}

// stubCollector returns fixed values, with one metric failing.
type stubCollector struct{}

func (stubCollector) CPUUsage() (float32, error)    { return 25, nil }
func (stubCollector) MemoryUsage() (float32, error) { return 50, nil }
func (stubCollector) DiskUsage() (float32, error)   { return 75, nil }
func (stubCollector) Temperature() (float32, error) {
	return Unavailable, errors.New("no sensors")
}
func (stubCollector) GPUUsage() (float32, error) {
	return Unavailable, errors.New("no probe")
}

func TestManager_SamplerCollectsResources(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SnapshotInterval = 1
	m := newTestManager(t, cfg, WithCollector(stubCollector{}))

	m.UpdateEngineState(EngineState{Status: StatusRunning})

	ctx := context.Background()
	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool {
		return m.GetCurrentState().Resource.CPUUsage == 25
	}, 3*time.Second, 50*time.Millisecond)

	s := m.GetCurrentState()
	assert.Equal(t, float32(50), s.Resource.MemoryUsage)
	assert.Equal(t, float32(75), s.Resource.DiskUsage)
	assert.Equal(t, Unavailable, s.Resource.Temperature)
	assert.Equal(t, Unavailable, s.Resource.GPUUsage)
	assert.GreaterOrEqual(t, s.Engine.UptimeSeconds, int64(1), "uptime advances while running")
	assert.Len(t, m.GetStateHistory(), 1, "sampler ticks refresh resources without snapshotting")
}

func TestManager_StartStopIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	m := newTestManager(t, cfg, WithCollector(stubCollector{}))

	ctx := context.Background()
	m.Stop() // before Start: no-op
	m.Start(ctx)
	m.Start(ctx)
	m.Stop()
	m.Stop()
}

func TestRing_OverwritesOldest(t *testing.T) {
	r := newRing[int](3)
	assert.Equal(t, 0, r.Len())

	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Items())
}
