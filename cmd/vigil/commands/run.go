package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/VIGIL/archive"
	"github.com/teranos/VIGIL/config"
	"github.com/teranos/VIGIL/engine"
	"github.com/teranos/VIGIL/errors"
	"github.com/teranos/VIGIL/logger"
	"github.com/teranos/VIGIL/pipeline"
	"github.com/teranos/VIGIL/state"
	"github.com/teranos/VIGIL/vision"
	"github.com/teranos/VIGIL/vision/analyze"
	"github.com/teranos/VIGIL/vision/detect"
	"github.com/teranos/VIGIL/vision/source"
)

// RunCmd runs the analytics engine until interrupted or the source drains.
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the analytics engine",
	Long: `Run the analytics loop: source frames through detection and analysis,
track state, and optionally archive results.

With [[pipeline.stages]] configured the staged pipeline drives processing and
the config watcher applies stage toggles live; otherwise the engine's direct
detector [+ analyzer] composition is used.

Runs until interrupted (Ctrl+C) or, with --frames or source.max_frames set,
until the source drains.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		frames, _ := cmd.Flags().GetUint64("frames")
		if frames > 0 {
			cfg.Source.MaxFrames = frames
		}

		return runLoop(cfg)
	},
}

func init() {
	RunCmd.Flags().Uint64("frames", 0, "Stop after this many frames (0 = use source.max_frames)")
}

// ensureModels guarantees at least one model config: the manifest when
// referenced, otherwise a synthetic default so the loop runs without weights.
func ensureModels(cfg *config.Config) error {
	if len(cfg.Detector.Models) > 0 {
		return nil
	}
	if cfg.Detector.ManifestPath != "" {
		models, err := detect.LoadManifest(cfg.Detector.ManifestPath)
		if err != nil {
			return err
		}
		cfg.Detector.Models = models
		return nil
	}
	cfg.Detector.Models = []detect.ModelConfig{{
		Name:        "synthetic-default",
		Framework:   detect.FrameworkSynthetic,
		InputWidth:  cfg.Source.Width,
		InputHeight: cfg.Source.Height,
		ClassNames:  []string{"person", "vehicle", "object"},
		Enabled:     true,
	}}
	return nil
}

func runLoop(cfg *config.Config) error {
	if err := ensureModels(cfg); err != nil {
		return err
	}

	if logger.ShouldOutput(Verbosity, logger.OutputStartup) {
		pterm.Printf("%s models=%d workers=%d queue=%d archive=%v (%s)\n",
			pterm.LightCyan("vigil starting:"),
			len(cfg.Detector.Models), cfg.Engine.ProcessingThreads, cfg.Engine.MaxBatchSize,
			cfg.Archive.Enabled, logger.VerbosityDescription(Verbosity))
	}

	src, err := source.NewSynthetic(cfg.Source)
	if err != nil {
		return err
	}

	detector, err := detect.New(cfg.Detector)
	if err != nil {
		return err
	}
	defer detector.Close()

	var analyzer analyze.Analyzer
	if cfg.Engine.EnableAnalytics {
		analyzer, err = analyze.NewHeuristic(cfg.Analyzer)
		if err != nil {
			return err
		}
	}

	mgr, err := state.NewManager(cfg.State)
	if err != nil {
		return err
	}

	var store *archive.Store
	if cfg.Archive.Enabled {
		db, err := archive.Open(cfg.Archive.Path, logger.Logger)
		if err != nil {
			return err
		}
		if err := archive.Migrate(db, logger.Logger); err != nil {
			db.Close()
			return err
		}
		store = archive.NewStore(db)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		pterm.Println()
		logger.Infow("Shutdown signal received")
		cancel()
	}()

	staged := len(cfg.Pipeline.Stages) > 0
	if staged {
		return runStaged(ctx, cfg, src, detector, analyzer, mgr, store)
	}
	return runEngine(ctx, cfg, src, detector, analyzer, mgr, store)
}

// runEngine drives the direct detector [+ analyzer] composition.
func runEngine(ctx context.Context, cfg *config.Config, src source.Source, detector *detect.Detector, analyzer analyze.Analyzer, mgr *state.Manager, store *archive.Store) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	proc := engine.NewProcessor(cfg.Engine, detector, analyzer)
	eng, err := engine.New(cfg.Engine, proc)
	if err != nil {
		return err
	}

	// Start order: state sampler, engine. Shutdown reverses it.
	mgr.Start(ctx)
	eng.Start()
	mgr.UpdateEngineState(state.EngineState{Status: state.StatusRunning, LastActive: time.Now()})

	produced := make(chan uint64, 1)
	go func() {
		var n uint64
		defer func() { produced <- n }()
		for {
			frame, err := src.ReadFrame(ctx)
			if err != nil {
				if !errors.Is(err, source.ErrSourceDrained) && ctx.Err() == nil {
					logger.Errorw("Frame read failed", logger.FieldError, err)
				}
				return
			}
			if err := eng.ProcessFrame(ctx, frame); err != nil {
				return
			}
			n++
		}
	}()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for {
			result, err := eng.GetResult(ctx)
			if err != nil {
				return
			}
			printDetections(result)
			archiveResult(store, mgr, result, src)
		}
	}()

	statusDone := make(chan struct{})
	go func() {
		defer close(statusDone)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m := eng.Metrics()
				mgr.UpdateEngineState(engineState(m))
				pterm.Printo(statusLine(m.FramesProcessed, m.FPS, m.ErrorCount))
			case <-ctx.Done():
				return
			}
		}
	}()

	// Wait for the producer; a bounded source drains, an unbounded one runs
	// until the signal handler cancels.
	n := <-produced
	waitProcessed(ctx, eng, n)

	// Reverse start order.
	mgr.UpdateEngineState(state.EngineState{Status: state.StatusStopping, LastActive: time.Now()})
	eng.Stop()
	<-consumerDone
	cancel()
	<-statusDone
	mgr.UpdateEngineState(engineStateWithStatus(eng.Metrics(), state.StatusStopped))
	mgr.Stop()

	printSummary(eng.Metrics(), store)
	if store != nil {
		return store.Close()
	}
	return nil
}

// runStaged drives the staged pipeline and wires the config watcher to live
// stage toggles.
func runStaged(ctx context.Context, cfg *config.Config, src source.Source, detector *detect.Detector, analyzer analyze.Analyzer, mgr *state.Manager, store *archive.Store) error {
	p, err := pipeline.NewWithContext(ctx, cfg.Pipeline, pipeline.Deps{
		Detector: detector,
		Analyzer: analyzer,
	})
	if err != nil {
		return err
	}

	var watcher *config.Watcher
	path := resolveConfigPath()
	if _, err := os.Stat(path); err == nil {
		watcher, err = config.NewWatcher(path)
		if err != nil {
			return err
		}
		watcher.OnReload(func(next *config.Config) error {
			for _, sc := range next.Pipeline.Stages {
				if err := p.SetStageEnabled(sc.Name, sc.Enabled); err != nil {
					logger.Warnw("Stage toggle failed",
						"stage", sc.Name,
						logger.FieldError, err)
				}
			}
			return nil
		})
		config.SetGlobalWatcher(watcher)
	}

	mgr.Start(ctx)
	p.Start()
	if watcher != nil {
		watcher.Start()
	}
	mgr.UpdateEngineState(state.EngineState{Status: state.StatusRunning, LastActive: time.Now()})

	var sent uint64
	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		for {
			frame, err := src.ReadFrame(ctx)
			if err != nil {
				if !errors.Is(err, source.ErrSourceDrained) && ctx.Err() == nil {
					logger.Errorw("Frame read failed", logger.FieldError, err)
				}
				return
			}
			if err := p.Process(ctx, pipeline.NewData(frame)); err != nil {
				return
			}
			sent++
		}
	}()

	var received uint64
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for {
			data, err := p.GetResult(ctx)
			if err != nil {
				return
			}
			received++
			result := data.Result()
			printDetections(result)
			archiveResult(store, mgr, result, src)
			mgr.UpdatePipelineState(pipelineState(p))
		}
	}()

	<-producerDone
	// Give in-flight items a grace window before teardown.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		done := uint64(0)
		for _, m := range p.Metrics() {
			if m.Processed+m.Errors > done {
				done = m.Processed + m.Errors
			}
		}
		if done >= sent {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mgr.UpdateEngineState(state.EngineState{Status: state.StatusStopping, LastActive: time.Now()})
	if watcher != nil {
		watcher.Stop()
		config.SetGlobalWatcher(nil)
	}
	p.Stop()
	<-consumerDone
	mgr.UpdateEngineState(state.EngineState{Status: state.StatusStopped, FramesProcessed: received, LastActive: time.Now()})
	mgr.Stop()

	pterm.Println()
	pterm.Printf("%s frames=%d errors by stage:\n", pterm.LightGreen("✓ Pipeline finished:"), received)
	for name, m := range p.Metrics() {
		pterm.Printf("  %s %s processed=%d errors=%d\n", pterm.Gray("→"), pterm.Yellow(name), m.Processed, m.Errors)
	}
	if store != nil {
		return store.Close()
	}
	return nil
}

// printDetections emits per-frame detection detail at -vv and above.
func printDetections(result *vision.ProcessingResult) {
	if !logger.ShouldOutput(Verbosity, logger.OutputDetections) || len(result.Detections) == 0 {
		return
	}
	pterm.Println()
	for _, d := range result.Detections {
		pterm.Printf("  frame=%d %s conf=%.2f box=[%.0f,%.0f %.0fx%.0f]\n",
			result.FrameID, pterm.Yellow(d.ClassName), d.Confidence,
			d.Box.X, d.Box.Y, d.Box.W, d.Box.H)
	}
}

// archiveResult stores one result and records failures; archive errors never
// stop the loop.
func archiveResult(store *archive.Store, mgr *state.Manager, result *vision.ProcessingResult, src source.Source) {
	if store == nil {
		return
	}
	sourceID := "unknown"
	if s, ok := src.(*source.Synthetic); ok {
		sourceID = s.Session()
	}
	if err := store.SaveResult(result, sourceID); err != nil {
		if archive.IsArchiveClosed(err) {
			return
		}
		logger.Warnw("Archive write failed", logger.FieldError, err)
		mgr.RecordError(state.ErrorInfo{
			ErrorType: "archive",
			Message:   err.Error(),
		})
	}
}

// waitProcessed blocks until the engine has drained n enqueued frames or the
// context is cancelled.
func waitProcessed(ctx context.Context, eng *engine.Engine, n uint64) {
	for ctx.Err() == nil {
		m := eng.Metrics()
		if m.FramesProcessed+m.ErrorCount >= n {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func engineState(m engine.Metrics) state.EngineState {
	status := state.StatusStopped
	switch {
	case m.Paused:
		status = state.StatusPaused
	case m.Running:
		status = state.StatusRunning
	}
	return engineStateWithStatus(m, status)
}

func engineStateWithStatus(m engine.Metrics, status state.EngineStatus) state.EngineState {
	return state.EngineState{
		Status:          status,
		FramesProcessed: m.FramesProcessed,
		FPS:             m.FPS,
		UptimeSeconds:   int64(m.Uptime / time.Second),
		LastActive:      time.Now(),
	}
}

func pipelineState(p *pipeline.Pipeline) state.PipelineState {
	metrics := p.Metrics()
	mirror := make(map[string]state.StageMetrics, len(metrics))
	for name, m := range metrics {
		mirror[name] = state.StageMetrics{
			ProcessedItems: m.Processed,
			Errors:         m.Errors,
			AverageTimeMs:  float32(m.AvgProcessingTime) / float32(time.Millisecond),
			LastProcessed:  m.LastProcessed,
		}
	}
	return state.PipelineState{
		ActiveStages: p.ActiveStages(),
		StageMetrics: mirror,
		QueueSize:    p.QueueLen(),
	}
}

func statusLine(frames uint64, fps float32, errCount uint64) string {
	return fmt.Sprintf("%s frames=%d fps=%.1f errors=%d",
		pterm.LightCyan("vigil"), frames, fps, errCount)
}

func printSummary(m engine.Metrics, store *archive.Store) {
	pterm.Println()
	pterm.Printf("%s frames=%d errors=%d uptime=%s fps=%.1f\n",
		pterm.LightGreen("✓ Engine finished:"),
		m.FramesProcessed, m.ErrorCount, m.Uptime.Round(time.Millisecond), m.FPS)
	if m.LastError != "" {
		pterm.Printf("  %s %s\n", pterm.Gray("last error:"), m.LastError)
	}
	if store != nil {
		if sum, err := store.Summary(time.Time{}); err == nil {
			pterm.Printf("  %s results=%d detections=%d avg_confidence=%.2f top_class=%s\n",
				pterm.Gray("archive:"), sum.Results, sum.Detections, sum.AvgConfidence, sum.TopClass)
		}
	}
}
