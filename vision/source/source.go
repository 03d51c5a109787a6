// Package source produces frames for the analytics core. The capture
// collaborator behind the Source interface owns device I/O; the Synthetic
// implementation generates deterministic frames for tests, demos, and
// soak runs without camera hardware.
package source

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/teranos/VIGIL/errors"
	"github.com/teranos/VIGIL/vision"
)

// ErrSourceDrained is returned by ReadFrame once a bounded source has
// produced its last frame.
var ErrSourceDrained = errors.New("source drained")

// Source is the frame producer interface consumed by the engine.
type Source interface {
	ReadFrame(ctx context.Context) (*vision.Frame, error)
}

// Config configures a synthetic source.
type Config struct {
	Width  int                `mapstructure:"width" toml:"width"`
	Height int                `mapstructure:"height" toml:"height"`
	Format vision.ColorFormat `mapstructure:"format" toml:"format"`
	FPS    float64            `mapstructure:"fps" toml:"fps"`
	Jitter bool               `mapstructure:"jitter" toml:"jitter"`
	// MaxFrames bounds the stream; 0 means unbounded.
	MaxFrames uint64 `mapstructure:"max_frames" toml:"max_frames"`
}

// DefaultConfig returns the standard synthetic source settings.
func DefaultConfig() Config {
	return Config{Width: 640, Height: 480, Format: vision.FormatRGB, FPS: 15}
}

// Validate checks field ranges.
func (c Config) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return errors.NewInvalidConfigError("source dimensions must be positive, got %dx%d", c.Width, c.Height)
	}
	if c.FPS <= 0 {
		return errors.NewInvalidConfigError("source.fps must be > 0, got %f", c.FPS)
	}
	return nil
}

// Synthetic generates gradient frames at a paced rate. Frame IDs are
// strictly monotonic; the session UUID identifies this producer in
// Frame.Metadata.Source.
type Synthetic struct {
	config  Config
	session string
	limiter *rate.Limiter
	rng     *rand.Rand
	nextID  atomic.Uint64
}

// NewSynthetic builds a synthetic source with a fresh session id.
func NewSynthetic(cfg Config) (*Synthetic, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Format == "" {
		cfg.Format = vision.FormatRGB
	}

	return &Synthetic{
		config:  cfg,
		session: uuid.NewString(),
		limiter: rate.NewLimiter(rate.Limit(cfg.FPS), 1),
		rng:     rand.New(rand.NewSource(42)),
	}, nil
}

// Session returns the producer's session id.
func (s *Synthetic) Session() string { return s.session }

// ReadFrame blocks until the FPS pacer admits the next frame, then returns
// a deterministic gradient frame. Returns ErrSourceDrained after MaxFrames.
func (s *Synthetic) ReadFrame(ctx context.Context) (*vision.Frame, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	id := s.nextID.Add(1)
	if s.config.MaxFrames > 0 && id > s.config.MaxFrames {
		return nil, ErrSourceDrained
	}

	channels := s.config.Format.Channels()
	data := make([]byte, s.config.Width*s.config.Height*channels)
	for y := 0; y < s.config.Height; y++ {
		row := byte(y * 255 / s.config.Height)
		for x := 0; x < s.config.Width; x++ {
			v := row ^ byte(x*255/s.config.Width)
			for c := 0; c < channels; c++ {
				data[(y*s.config.Width+x)*channels+c] = v
			}
		}
	}
	if s.config.Jitter {
		for i := 0; i < len(data); i += 97 {
			data[i] ^= byte(s.rng.Intn(16))
		}
	}

	return &vision.Frame{
		ID:        id,
		Timestamp: time.Now(),
		Data:      data,
		Metadata: vision.FrameMetadata{
			Width:    s.config.Width,
			Height:   s.config.Height,
			Channels: channels,
			Format:   s.config.Format,
			Source:   s.session,
		},
	}, nil
}
