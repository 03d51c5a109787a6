// Package engine is the top-level orchestrator of the analytics core. It
// owns one frame processor and drives it with a pool of workers over bounded
// input and result queues. A single frame's failure never terminates a
// worker: it is counted and processing continues.
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/VIGIL/errors"
	"github.com/teranos/VIGIL/logger"
	"github.com/teranos/VIGIL/vision"
)

// FrameProcessor is the capability the engine drives per frame.
type FrameProcessor interface {
	ProcessFrame(ctx context.Context, frame *vision.Frame) (*vision.ProcessingResult, error)
}

// Config configures the engine.
type Config struct {
	// MaxBatchSize is the capacity of the input and result queues.
	MaxBatchSize int `mapstructure:"max_batch_size" toml:"max_batch_size"`
	// ProcessingThreads is the number of concurrent workers.
	ProcessingThreads int `mapstructure:"processing_threads" toml:"processing_threads"`
	// EnableGPU requests device placement from the model backend.
	EnableGPU bool `mapstructure:"enable_gpu" toml:"enable_gpu"`
	// ModelPrecision is an informational tag carried into metrics/state.
	ModelPrecision string `mapstructure:"model_precision" toml:"model_precision"`
	// DetectionThreshold is forwarded to the frame processor composition.
	DetectionThreshold float32 `mapstructure:"detection_threshold" toml:"detection_threshold"`
	// EnableAnalytics runs the analyzer after detection.
	EnableAnalytics bool `mapstructure:"enable_analytics" toml:"enable_analytics"`
}

// DefaultConfig returns the standard engine settings.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:       32,
		ProcessingThreads:  4,
		EnableGPU:          true,
		ModelPrecision:     "fp16",
		DetectionThreshold: 0.5,
		EnableAnalytics:    true,
	}
}

// Validate checks configuration bounds.
func (c Config) Validate() error {
	if c.MaxBatchSize < 1 {
		return errors.NewInvalidConfigError("engine.max_batch_size must be >= 1, got %d", c.MaxBatchSize)
	}
	if c.ProcessingThreads < 1 {
		return errors.NewInvalidConfigError("engine.processing_threads must be >= 1, got %d", c.ProcessingThreads)
	}
	if c.DetectionThreshold < 0 || c.DetectionThreshold > 1 {
		return errors.NewInvalidConfigError("engine.detection_threshold must be in [0,1], got %f", c.DetectionThreshold)
	}
	return nil
}

// Metrics reports engine counters and lifecycle state.
type Metrics struct {
	FramesProcessed uint64        `json:"frames_processed"`
	ErrorCount      uint64        `json:"error_count"`
	LastError       string        `json:"last_error,omitempty"`
	Uptime          time.Duration `json:"uptime"`
	FPS             float32       `json:"fps"`
	Running         bool          `json:"running"`
	Paused          bool          `json:"paused"`
}

// Engine pulls frames from a bounded queue through the processor and pushes
// results to a bounded result queue.
type Engine struct {
	config    Config
	processor FrameProcessor
	parentCtx context.Context
	log       *zap.SugaredLogger

	mu              sync.Mutex
	running         bool
	paused          bool
	pauseCh         chan struct{} // closed while not paused
	startTime       time.Time
	stopTime        time.Time
	framesProcessed uint64
	errorCount      uint64
	lastError       string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	in     chan *vision.Frame
	out    chan *vision.ProcessingResult
}

// New builds an engine around a frame processor.
func New(cfg Config, proc FrameProcessor) (*Engine, error) {
	return NewWithContext(context.Background(), cfg, proc)
}

// NewWithContext builds an engine whose workers descend from a parent
// context, so an outer shutdown also stops the engine.
func NewWithContext(ctx context.Context, cfg Config, proc FrameProcessor) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if proc == nil {
		return nil, errors.NewInvalidConfigError("engine requires a frame processor")
	}

	released := make(chan struct{})
	close(released)

	return &Engine{
		config:    cfg,
		processor: proc,
		parentCtx: ctx,
		pauseCh:   released,
		log:       logger.ComponentLogger("engine"),
	}, nil
}

// Start spawns the worker pool. Idempotent: calling Start on a running
// engine is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.startTime = time.Now()
	e.stopTime = time.Time{}
	e.ctx, e.cancel = context.WithCancel(e.parentCtx)
	e.in = make(chan *vision.Frame, e.config.MaxBatchSize)
	e.out = make(chan *vision.ProcessingResult, e.config.MaxBatchSize)
	workers := e.config.ProcessingThreads
	ctx, in, out := e.ctx, e.in, e.out
	e.mu.Unlock()

	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i, in, out)
	}

	e.log.Infow("engine started",
		logger.FieldWorker, workers,
		logger.FieldQueueSize, e.config.MaxBatchSize)
}

// Stop halts the worker pool. Idempotent: Stop before Start, or a second
// Stop, is a no-op. Frames a worker already pulled finish processing;
// frames still queued are dropped. The result channel is closed once all
// workers exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.stopTime = time.Now()
	cancel := e.cancel
	out := e.out
	e.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		e.log.Warnw("engine stop timed out waiting for workers")
	}

	close(out)
	e.log.Infow("engine stopped", logger.FieldFrames, e.Metrics().FramesProcessed)
}

// Pause gates workers between frames. In-flight frames finish.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		return
	}
	e.paused = true
	e.pauseCh = make(chan struct{})
}

// Resume releases the pause gate.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused {
		return
	}
	e.paused = false
	close(e.pauseCh)
}

// ProcessFrame enqueues a frame, blocking while the input queue is full.
// Returns ErrQueueClosed once the engine is stopped.
func (e *Engine) ProcessFrame(ctx context.Context, frame *vision.Frame) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return errors.ErrQueueClosed
	}
	in, ectx := e.in, e.ctx
	e.mu.Unlock()

	select {
	case in <- frame:
		return nil
	case <-ectx.Done():
		return errors.ErrQueueClosed
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "enqueue frame")
	}
}

// GetResult blocks until a result is available or the stream ends.
// Returns ErrQueueClosed once the engine has stopped and the result queue
// is drained.
func (e *Engine) GetResult(ctx context.Context) (*vision.ProcessingResult, error) {
	e.mu.Lock()
	out := e.out
	e.mu.Unlock()
	if out == nil {
		return nil, errors.ErrQueueClosed
	}

	select {
	case res, ok := <-out:
		if !ok {
			return nil, errors.ErrQueueClosed
		}
		return res, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "await result")
	}
}

// Metrics returns a copy of the engine counters.
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := Metrics{
		FramesProcessed: e.framesProcessed,
		ErrorCount:      e.errorCount,
		LastError:       e.lastError,
		Running:         e.running,
		Paused:          e.paused,
	}
	switch {
	case e.running:
		m.Uptime = time.Since(e.startTime)
	case !e.stopTime.IsZero():
		m.Uptime = e.stopTime.Sub(e.startTime)
	}
	if secs := m.Uptime.Seconds(); secs > 0 {
		m.FPS = float32(float64(e.framesProcessed) / secs)
	}
	return m
}

func (e *Engine) worker(ctx context.Context, id int, in <-chan *vision.Frame, out chan<- *vision.ProcessingResult) {
	defer e.wg.Done()

	for {
		// pause gate, honored between frames only
		e.mu.Lock()
		gate := e.pauseCh
		e.mu.Unlock()
		select {
		case <-gate:
		case <-ctx.Done():
			return
		}

		select {
		case <-ctx.Done():
			return
		case frame := <-in:
			if frame == nil {
				continue
			}
			// a worker idle at receive may have passed the gate before
			// Pause was called; re-check before processing
			e.mu.Lock()
			gate = e.pauseCh
			e.mu.Unlock()
			select {
			case <-gate:
			case <-ctx.Done():
				return
			}

			res, err := e.processor.ProcessFrame(ctx, frame)
			if err != nil {
				e.recordError(err)
				e.log.Warnw("frame processing failed",
					logger.FieldWorker, id,
					logger.FieldFrameID, frame.ID,
					logger.FieldError, err)
				continue
			}

			e.mu.Lock()
			e.framesProcessed++
			e.mu.Unlock()

			// A finished frame's result is delivered even when shutdown has
			// begun; cancellation and a ready queue slot would otherwise race.
			select {
			case out <- res:
				continue
			default:
			}
			select {
			case out <- res:
			case <-ctx.Done():
				// shutdown with a full result queue: the result is dropped
				return
			}
		}
	}
}

func (e *Engine) recordError(err error) {
	e.mu.Lock()
	e.errorCount++
	e.lastError = err.Error()
	e.mu.Unlock()
}
