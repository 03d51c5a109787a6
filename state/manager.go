package state

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/VIGIL/errors"
	"github.com/teranos/VIGIL/internal/util"
	"github.com/teranos/VIGIL/logger"
)

const errorHistoryCap = 100

// Config controls history depth, sampling cadence and persistence.
type Config struct {
	// HistorySize bounds the snapshot ring. Zero keeps no history.
	HistorySize int `mapstructure:"history_size" toml:"history_size"`
	// SnapshotInterval is the resource sampling period in seconds.
	SnapshotInterval int `mapstructure:"snapshot_interval" toml:"snapshot_interval"`
	// PersistState writes the full state to StateFile on every snapshot.
	PersistState bool `mapstructure:"persist_state" toml:"persist_state"`
	// StateFile is the JSON persistence target.
	StateFile string `mapstructure:"state_file" toml:"state_file"`
}

// DefaultConfig returns the stock state settings.
func DefaultConfig() Config {
	return Config{
		HistorySize:      100,
		SnapshotInterval: 10,
		PersistState:     false,
		StateFile:        "vigil-state.json",
	}
}

// Validate checks field ranges.
func (c Config) Validate() error {
	if c.SnapshotInterval < 1 {
		return errors.NewInvalidConfigError("state.snapshot_interval must be >= 1, got %d", c.SnapshotInterval)
	}
	if c.HistorySize < 0 {
		return errors.NewInvalidConfigError("state.history_size must be >= 0, got %d", c.HistorySize)
	}
	if c.PersistState && c.StateFile == "" {
		return errors.NewInvalidConfigError("state.state_file required when persist_state is set")
	}
	return nil
}

// Option customizes a Manager, mainly for tests.
type Option func(*Manager)

// WithCollector replaces the resource collector.
func WithCollector(c Collector) Option {
	return func(m *Manager) { m.collector = c }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager holds the live SystemState behind an RWMutex and keeps a bounded
// snapshot history. All methods are safe for concurrent use.
type Manager struct {
	config    Config
	collector Collector
	now       func() time.Time
	log       *zap.SugaredLogger

	mu       sync.RWMutex
	state    SystemState
	history  *ring[Snapshot]
	errorLog *ring[ErrorInfo]

	lifecycle sync.Mutex
	running   bool
	stopCh    chan struct{}
	done      chan struct{}
}

// NewManager builds a manager with a zeroed stopped state.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		config:    cfg,
		collector: newHostCollector(),
		now:       time.Now,
		log:       logger.ComponentLogger("state"),
		history:   newRing[Snapshot](cfg.HistorySize),
		errorLog:  newRing[ErrorInfo](errorHistoryCap),
	}
	m.state.Engine.Status = StatusStopped
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// UpdateEngineState replaces the engine partition and takes a snapshot.
// Engine updates are the snapshot trigger; other partitions piggyback on
// whichever engine update or sampler tick comes next.
func (m *Manager) UpdateEngineState(es EngineState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Engine = es
	m.snapshotLocked()
}

// UpdatePipelineState replaces the pipeline partition.
func (m *Manager) UpdatePipelineState(ps PipelineState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Pipeline = ps
}

// UpdateResourceState replaces the resource partition.
func (m *Manager) UpdateResourceState(rs ResourceState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Resource = rs
}

// RecordError appends to the bounded error history. The total count is
// monotonic and survives eviction.
func (m *Manager) RecordError(info ErrorInfo) {
	if info.Timestamp.IsZero() {
		info.Timestamp = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.errorLog.Push(info)
	m.state.Errors.ErrorCount++
	m.state.Errors.LastError = util.Ptr(cloneErrorInfo(info))
	m.state.Errors.ErrorHistory = m.errorLog.Items()
}

// GetCurrentState returns a deep clone of the aggregate state.
func (m *Manager) GetCurrentState() SystemState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.clone()
}

// GetStateHistory returns the snapshot ring oldest-first.
func (m *Manager) GetStateHistory() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := m.history.Items()
	out := make([]Snapshot, len(items))
	for i, snap := range items {
		out[i] = Snapshot{Timestamp: snap.Timestamp, State: snap.State.clone()}
	}
	return out
}

// snapshotLocked captures the current state into the history ring and, when
// configured, persists it. Callers hold the write lock.
func (m *Manager) snapshotLocked() {
	snap := Snapshot{Timestamp: m.now(), State: m.state.clone()}
	if m.config.HistorySize > 0 {
		m.history.Push(snap)
	}
	if m.config.PersistState {
		if err := m.persist(snap.State); err != nil {
			m.log.Warnw("state persistence failed", logger.FieldError, err)
		}
	}
}

// persist overwrites the state file with indented JSON. Best effort: a failed
// write is reported, never fatal.
func (m *Manager) persist(s SystemState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return &errors.PersistenceError{Path: m.config.StateFile, Err: err}
	}
	if err := os.WriteFile(m.config.StateFile, data, 0o644); err != nil {
		return &errors.PersistenceError{Path: m.config.StateFile, Err: err}
	}
	return nil
}
