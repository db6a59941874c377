// Package frames selects representative stills from a source video for
// downstream analysis, and renders the poster thumbnail.
package frames

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"

	"vodforge/internal/media/ffmpeg"
)

// Sampling strategies. Fixed-count spreads a handful of stills across the
// duration, fixed-fps walks the video at a constant rate, and keyframes
// leans on the encoder's own scene boundaries.
const (
	StrategyFixedCount = "fixed-count"
	StrategyFixedFPS   = "fixed-fps"
	StrategyKeyframes  = "keyframes"
)

// Fractions of the duration sampled by the fixed-count strategy when the
// requested count is five. Other counts spread evenly between them.
var fixedCountFractions = []float64{0.10, 0.25, 0.50, 0.75, 0.90}

const scratchDirName = "temp_frames"

// Encoder is the subset of the media runner the sampler needs.
type Encoder interface {
	Probe(ctx context.Context, path string) (ffmpeg.ProbeInfo, error)
	ExtractStills(ctx context.Context, input string, opts ffmpeg.StillOptions) ([]string, error)
}

// Config controls how stills are selected.
type Config struct {
	Strategy  string
	FPS       float64
	Count     int
	MaxFrames int
	Size      string
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = StrategyFixedCount
	}
	if c.Count <= 0 {
		c.Count = 5
	}
	if c.MaxFrames <= 0 {
		c.MaxFrames = 30
	}
	if strings.TrimSpace(c.Size) == "" {
		c.Size = "640x360"
	}
	return c
}

// Sample is one extracted still with its position in the source.
type Sample struct {
	Index            int
	TimestampSeconds float64
	Path             string
}

// Result carries the extracted stills and the scratch directory holding them.
// The caller owns ScratchDir and removes it once analysis is done.
type Result struct {
	Samples         []Sample
	ScratchDir      string
	DurationSeconds float64
}

// ExtractionError marks a frame extraction failure distinctly from probe or
// filesystem errors.
type ExtractionError struct {
	Source string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract frames from %s: %v", e.Source, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Sampler extracts stills into a scratch directory under the work directory.
type Sampler struct {
	Encoder Encoder
	Config  Config
	Logger  *slog.Logger
}

// NewSampler returns a Sampler with config defaults applied.
func NewSampler(encoder Encoder, cfg Config, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{Encoder: encoder, Config: cfg.withDefaults(), Logger: logger}
}

// SampleVideo probes the source and extracts stills with a single encoder
// invocation. A source whose probed duration is zero or negative yields an
// empty result rather than an error.
func (s *Sampler) SampleVideo(ctx context.Context, source, workDir string) (Result, error) {
	cfg := s.Config.withDefaults()

	info, err := s.Encoder.Probe(ctx, source)
	if err != nil {
		return Result{}, fmt.Errorf("probe %s: %w", source, err)
	}

	scratch := filepath.Join(workDir, scratchDirName)
	result := Result{ScratchDir: scratch, DurationSeconds: info.DurationSeconds}
	if info.DurationSeconds <= 0 {
		s.Logger.Warn("source has no measurable duration, skipping frame sampling", "source", source)
		return result, nil
	}

	count, fps := s.plan(cfg, info.DurationSeconds)
	if count <= 0 {
		return result, nil
	}

	produced, err := s.Encoder.ExtractStills(ctx, source, ffmpeg.StillOptions{
		OutputDir: scratch,
		Pattern:   "frame-%03d.png",
		Size:      cfg.Size,
		FPS:       fps,
		MaxFrames: count,
	})
	if err != nil {
		return Result{}, &ExtractionError{Source: source, Err: err}
	}

	result.Samples = make([]Sample, 0, len(produced))
	for i, path := range produced {
		result.Samples = append(result.Samples, Sample{
			Index:            i,
			TimestampSeconds: s.timestampFor(cfg, info.DurationSeconds, i, len(produced)),
			Path:             path,
		})
	}
	s.Logger.Info("sampled frames",
		"source", source,
		"strategy", cfg.Strategy,
		"frames", len(result.Samples),
		"duration_s", info.DurationSeconds)
	return result, nil
}

// plan resolves the strategy into a frame budget and an extraction rate.
func (s *Sampler) plan(cfg Config, duration float64) (count int, fps float64) {
	switch cfg.Strategy {
	case StrategyFixedFPS:
		rate := cfg.FPS
		if rate <= 0 {
			rate = 1
		}
		count = int(math.Ceil(duration * rate))
		if count > cfg.MaxFrames {
			count = cfg.MaxFrames
		}
		return count, rate
	case StrategyKeyframes:
		// Scene-change detection approximated with a coarse constant rate,
		// bounded the same way as fixed-fps.
		count = cfg.MaxFrames
		return count, 1.0 / 4.0
	default:
		count = cfg.Count
		if count > cfg.MaxFrames {
			count = cfg.MaxFrames
		}
		// One still per interval, spread across the duration.
		interval := duration / float64(count+1)
		if interval <= 0 {
			return 0, 0
		}
		return count, 1 / interval
	}
}

// timestampFor reports where a produced still sits in the source timeline.
func (s *Sampler) timestampFor(cfg Config, duration float64, index, total int) float64 {
	switch cfg.Strategy {
	case StrategyKeyframes:
		return float64(index) * 4
	case StrategyFixedFPS:
		rate := cfg.FPS
		if rate <= 0 {
			rate = 1
		}
		return float64(index) / rate
	default:
		if total == len(fixedCountFractions) {
			return duration * fixedCountFractions[index]
		}
		return duration * float64(index+1) / float64(total+1)
	}
}
