// Package config loads, validates, saves and watches the vigil TOML
// configuration. One file configures every component; each component keeps
// its own Config type and validation, this package composes them.
package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/teranos/VIGIL/engine"
	"github.com/teranos/VIGIL/errors"
	"github.com/teranos/VIGIL/pipeline"
	"github.com/teranos/VIGIL/state"
	"github.com/teranos/VIGIL/vision/analyze"
	"github.com/teranos/VIGIL/vision/detect"
	"github.com/teranos/VIGIL/vision/source"
)

// DefaultPath is the config file consulted when no --config flag and no
// VIGIL_CONFIG env var is present.
const DefaultPath = "vigil.toml"

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "VIGIL_CONFIG"

// ArchiveConfig controls the SQLite result archive.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	Path    string `mapstructure:"path" toml:"path"`
}

// LogConfig controls logger initialization.
type LogConfig struct {
	Verbose bool `mapstructure:"verbose" toml:"verbose"`
	JSON    bool `mapstructure:"json" toml:"json"`
}

// Config is the full configuration surface.
type Config struct {
	Engine   engine.Config   `mapstructure:"engine" toml:"engine"`
	Pipeline pipeline.Config `mapstructure:"pipeline" toml:"pipeline"`
	Detector detect.Config   `mapstructure:"detector" toml:"detector"`
	Analyzer analyze.Config  `mapstructure:"analyzer" toml:"analyzer"`
	State    state.Config    `mapstructure:"state" toml:"state"`
	Source   source.Config   `mapstructure:"source" toml:"source"`
	Archive  ArchiveConfig   `mapstructure:"archive" toml:"archive"`
	Log      LogConfig       `mapstructure:"log" toml:"log"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Engine:   engine.DefaultConfig(),
		Pipeline: pipeline.DefaultConfig(),
		Detector: detect.DefaultConfig(),
		Analyzer: analyze.DefaultConfig(),
		State:    state.DefaultConfig(),
		Source:   source.DefaultConfig(),
		Archive:  ArchiveConfig{Enabled: false, Path: "vigil-archive.db"},
	}
}

// SetDefaults seeds a viper instance so unset keys resolve to the stock
// configuration.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("engine.max_batch_size", d.Engine.MaxBatchSize)
	v.SetDefault("engine.processing_threads", d.Engine.ProcessingThreads)
	v.SetDefault("engine.enable_gpu", d.Engine.EnableGPU)
	v.SetDefault("engine.model_precision", d.Engine.ModelPrecision)
	v.SetDefault("engine.detection_threshold", d.Engine.DetectionThreshold)
	v.SetDefault("engine.enable_analytics", d.Engine.EnableAnalytics)

	v.SetDefault("pipeline.max_parallel_stages", d.Pipeline.MaxParallelStages)
	v.SetDefault("pipeline.buffer_size", d.Pipeline.BufferSize)
	v.SetDefault("pipeline.timeout_ms", d.Pipeline.TimeoutMS)
	v.SetDefault("pipeline.retry_count", d.Pipeline.RetryCount)

	v.SetDefault("detector.confidence_threshold", d.Detector.ConfidenceThreshold)
	v.SetDefault("detector.nms_threshold", d.Detector.NMSThreshold)
	v.SetDefault("detector.device", string(d.Detector.Device))
	v.SetDefault("detector.batch_size", d.Detector.BatchSize)
	v.SetDefault("detector.class_aware_nms", d.Detector.ClassAwareNMS)

	v.SetDefault("analyzer.motion_window", d.Analyzer.MotionWindow)
	v.SetDefault("analyzer.crowd_threshold", d.Analyzer.CrowdThreshold)

	v.SetDefault("state.history_size", d.State.HistorySize)
	v.SetDefault("state.snapshot_interval", d.State.SnapshotInterval)
	v.SetDefault("state.persist_state", d.State.PersistState)
	v.SetDefault("state.state_file", d.State.StateFile)

	v.SetDefault("source.width", d.Source.Width)
	v.SetDefault("source.height", d.Source.Height)
	v.SetDefault("source.format", string(d.Source.Format))
	v.SetDefault("source.fps", d.Source.FPS)
	v.SetDefault("source.jitter", d.Source.Jitter)
	v.SetDefault("source.max_frames", d.Source.MaxFrames)

	v.SetDefault("archive.enabled", d.Archive.Enabled)
	v.SetDefault("archive.path", d.Archive.Path)

	v.SetDefault("log.verbose", false)
	v.SetDefault("log.json", false)
}

// Path resolves the config file location: VIGIL_CONFIG env var, else the
// default path in the working directory.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads the resolved config path. A missing file yields the defaults.
func Load() (*Config, error) {
	path := Path()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	return LoadFrom(path)
}

// LoadFrom reads a specific TOML file, applying defaults for unset keys and
// validating the result.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	v.SetEnvPrefix("VIGIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate aggregates every component's validation failures.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Engine.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Detector.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Analyzer.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.State.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Source.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Archive.Enabled && c.Archive.Path == "" {
		errs = append(errs, errors.NewInvalidConfigError("archive.path required when archive.enabled is set"))
	}

	if len(errs) == 0 {
		return nil
	}
	err := errs[0]
	for _, e := range errs[1:] {
		err = errors.WithSecondaryError(err, e)
	}
	return err
}
