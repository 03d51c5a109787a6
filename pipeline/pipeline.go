// Package pipeline composes ordered transform stages over a shared worker
// pool. Each worker pulls one item from a bounded input queue and drives it
// through the full stage chain; a stage failure after retries drops the item
// without emitting anything. Output order across workers is not guaranteed.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/VIGIL/errors"
	"github.com/teranos/VIGIL/logger"
)

// Config configures a pipeline.
type Config struct {
	Stages            []StageConfig `mapstructure:"stages" toml:"stages"`
	MaxParallelStages int           `mapstructure:"max_parallel_stages" toml:"max_parallel_stages"`
	BufferSize        int           `mapstructure:"buffer_size" toml:"buffer_size"`
	TimeoutMS         int           `mapstructure:"timeout_ms" toml:"timeout_ms"`
	RetryCount        int           `mapstructure:"retry_count" toml:"retry_count"`
}

// DefaultConfig returns the standard pipeline settings (no stages).
func DefaultConfig() Config {
	return Config{
		MaxParallelStages: 2,
		BufferSize:        32,
		TimeoutMS:         5000,
		RetryCount:        0,
	}
}

// Validate checks configuration bounds and stage-name uniqueness.
func (c Config) Validate() error {
	if c.MaxParallelStages < 1 {
		return errors.NewInvalidConfigError("pipeline.max_parallel_stages must be >= 1, got %d", c.MaxParallelStages)
	}
	if c.BufferSize < 1 {
		return errors.NewInvalidConfigError("pipeline.buffer_size must be >= 1, got %d", c.BufferSize)
	}
	if c.TimeoutMS < 0 {
		return errors.NewInvalidConfigError("pipeline.timeout_ms must be >= 0, got %d", c.TimeoutMS)
	}
	if c.RetryCount < 0 {
		return errors.NewInvalidConfigError("pipeline.retry_count must be >= 0, got %d", c.RetryCount)
	}
	seen := make(map[string]bool, len(c.Stages))
	for _, sc := range c.Stages {
		if sc.Name == "" {
			return errors.NewInvalidConfigError("pipeline stage with empty name")
		}
		if seen[sc.Name] {
			return errors.NewInvalidConfigError("duplicate pipeline stage name %q", sc.Name)
		}
		seen[sc.Name] = true
	}
	return nil
}

// StageMetrics reports one stage's counters. Attempt failures count as
// errors even when a later retry succeeds.
type StageMetrics struct {
	Processed         uint64        `json:"processed"`
	Errors            uint64        `json:"errors"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
	LastProcessed     time.Time     `json:"last_processed"`
}

// stageSlot pairs a stage with its live-toggle flag and counters.
type stageSlot struct {
	stage   Stage
	enabled atomic.Bool

	mu      sync.Mutex
	metrics StageMetrics
}

func (s *stageSlot) recordSuccess(elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := &s.metrics
	// running average over successful runs
	total := m.AvgProcessingTime*time.Duration(m.Processed) + elapsed
	m.Processed++
	m.AvgProcessingTime = total / time.Duration(m.Processed)
	m.LastProcessed = time.Now()
}

func (s *stageSlot) recordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.Errors++
}

// Pipeline drives items through the stage chain with a shared worker pool.
type Pipeline struct {
	config    Config
	slots     []*stageSlot
	byName    map[string]*stageSlot
	parentCtx context.Context
	log       *zap.SugaredLogger

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	in      chan *Data
	out     chan *Data
}

// New builds a pipeline: stages are constructed once, in order, from the
// config. Disabled stages are built too and skipped at execution time, so
// they can be toggled live.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	return NewWithContext(context.Background(), cfg, deps)
}

// NewWithContext builds a pipeline whose workers descend from a parent
// context.
func NewWithContext(ctx context.Context, cfg Config, deps Deps) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		config:    cfg,
		byName:    make(map[string]*stageSlot, len(cfg.Stages)),
		parentCtx: ctx,
		log:       logger.ComponentLogger("pipeline"),
	}
	for _, sc := range cfg.Stages {
		stage, err := buildStage(sc, deps)
		if err != nil {
			return nil, err
		}
		slot := &stageSlot{stage: stage}
		slot.enabled.Store(sc.Enabled)
		p.slots = append(p.slots, slot)
		p.byName[sc.Name] = slot
	}
	return p, nil
}

// Start spawns the worker pool. Idempotent.
func (p *Pipeline) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(p.parentCtx)
	p.in = make(chan *Data, p.config.BufferSize)
	p.out = make(chan *Data, p.config.BufferSize)
	ctx, in, out := p.ctx, p.in, p.out
	workers := p.config.MaxParallelStages
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i, in, out)
	}

	p.log.Infow("pipeline started",
		logger.FieldWorker, workers,
		"stages", len(p.slots))
}

// Stop halts the worker pool. Idempotent. Items a worker already pulled run
// their chain to completion; queued items are dropped. The output channel
// closes once all workers exit.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	out := p.out
	p.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		p.log.Warnw("pipeline stop timed out waiting for workers")
	}

	close(out)
	p.log.Infow("pipeline stopped")
}

// Process enqueues an item, blocking while the input queue is full.
// Returns ErrQueueClosed once the pipeline is stopped.
func (p *Pipeline) Process(ctx context.Context, data *Data) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return errors.ErrQueueClosed
	}
	in, pctx := p.in, p.ctx
	p.mu.Unlock()

	select {
	case in <- data:
		return nil
	case <-pctx.Done():
		return errors.ErrQueueClosed
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "enqueue item")
	}
}

// GetResult blocks until a fully-processed item is available or the stream
// ends with ErrQueueClosed.
func (p *Pipeline) GetResult(ctx context.Context) (*Data, error) {
	p.mu.Lock()
	out := p.out
	p.mu.Unlock()
	if out == nil {
		return nil, errors.ErrQueueClosed
	}

	select {
	case data, ok := <-out:
		if !ok {
			return nil, errors.ErrQueueClosed
		}
		return data, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "await result")
	}
}

// SetStageEnabled toggles a stage at run time.
func (p *Pipeline) SetStageEnabled(name string, enabled bool) error {
	slot, ok := p.byName[name]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "stage %q", name)
	}
	slot.enabled.Store(enabled)
	p.log.Infow("stage toggled", logger.FieldStage, name, "enabled", enabled)
	return nil
}

// ActiveStages lists currently-enabled stage names in chain order.
func (p *Pipeline) ActiveStages() []string {
	var names []string
	for _, slot := range p.slots {
		if slot.enabled.Load() {
			names = append(names, slot.stage.Name())
		}
	}
	return names
}

// QueueLen reports items waiting in the input queue.
func (p *Pipeline) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.in == nil {
		return 0
	}
	return len(p.in)
}

// Metrics returns a deep copy of every stage's counters, keyed by name.
func (p *Pipeline) Metrics() map[string]StageMetrics {
	metrics := make(map[string]StageMetrics, len(p.slots))
	for _, slot := range p.slots {
		slot.mu.Lock()
		metrics[slot.stage.Name()] = slot.metrics
		slot.mu.Unlock()
	}
	return metrics
}

func (p *Pipeline) worker(ctx context.Context, id int, in <-chan *Data, out chan<- *Data) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-in:
			if data == nil {
				continue
			}
			if !p.runChain(ctx, id, data) {
				continue // item dropped, nothing emitted
			}
			// An item that ran its chain is delivered even when shutdown has
			// begun; cancellation and a ready queue slot would otherwise race.
			select {
			case out <- data:
				continue
			default:
			}
			select {
			case out <- data:
			case <-ctx.Done():
				return
			}
		}
	}
}

// runChain drives one item through every enabled stage. Returns false when
// a stage exhausted its retries and the item is dropped.
func (p *Pipeline) runChain(ctx context.Context, worker int, data *Data) bool {
	for _, slot := range p.slots {
		if !slot.enabled.Load() {
			continue
		}
		if err := p.runStage(ctx, slot, data); err != nil {
			p.log.Warnw("stage failed, item dropped",
				logger.FieldWorker, worker,
				logger.FieldStage, slot.stage.Name(),
				logger.FieldError, err)
			return false
		}
	}
	return true
}

// runStage applies the per-stage retry policy: RetryCount additional
// attempts, each bounded by TimeoutMS. A timed-out attempt counts as failed;
// the abandoned attempt runs on against its own clone, its result discarded.
func (p *Pipeline) runStage(ctx context.Context, slot *stageSlot, data *Data) error {
	var lastErr error
	attempts := p.config.RetryCount + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		err := p.runAttempt(ctx, slot.stage, data)
		if err == nil {
			slot.recordSuccess(time.Since(start))
			return nil
		}
		slot.recordError()
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	return &errors.StageError{Stage: slot.stage.Name(), Attempt: attempts, Err: lastErr}
}

func (p *Pipeline) runAttempt(ctx context.Context, stage Stage, data *Data) error {
	if p.config.TimeoutMS <= 0 {
		return stage.Process(ctx, data)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(p.config.TimeoutMS)*time.Millisecond)

	// Each attempt works on a clone so an abandoned attempt cannot race the
	// retry that follows it. The clone is copied back only on success.
	attempt := data.Clone()
	done := make(chan error, 1)
	go func() {
		defer cancel()
		done <- stage.Process(attemptCtx, attempt)
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		*data = *attempt
		return nil
	case <-attemptCtx.Done():
		// the deferred cancel fires right after a fast success; a result
		// already delivered wins over the cancellation signal
		select {
		case err := <-done:
			if err != nil {
				return err
			}
			*data = *attempt
			return nil
		default:
		}
		return errors.Wrapf(errors.ErrTimeout, "stage %q attempt exceeded %dms", stage.Name(), p.config.TimeoutMS)
	}
}
