package frames

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"vodforge/internal/media/ffmpeg"
)

// PosterEncoder is the subset of the media runner the thumbnailer needs.
type PosterEncoder interface {
	Probe(ctx context.Context, path string) (ffmpeg.ProbeInfo, error)
	ExtractPoster(ctx context.Context, input string, atSeconds float64, size, outPath string) error
}

// Thumbnailer renders the poster image shown before playback starts.
type Thumbnailer struct {
	Encoder PosterEncoder
	Size    string
	Logger  *slog.Logger
}

// NewThumbnailer returns a Thumbnailer producing 640x360 posters by default.
func NewThumbnailer(encoder PosterEncoder, logger *slog.Logger) *Thumbnailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Thumbnailer{Encoder: encoder, Size: "640x360", Logger: logger}
}

// Generate writes workDir/thumbnail.jpg from the frame at the source's
// midpoint and returns its path. Sources with no measurable duration fall
// back to the first frame.
func (t *Thumbnailer) Generate(ctx context.Context, source, workDir string) (string, error) {
	info, err := t.Encoder.Probe(ctx, source)
	if err != nil {
		return "", fmt.Errorf("probe %s: %w", source, err)
	}
	at := info.DurationSeconds / 2
	if at < 0 {
		at = 0
	}
	size := t.Size
	if strings.TrimSpace(size) == "" {
		size = "640x360"
	}
	outPath := filepath.Join(workDir, "thumbnail.jpg")
	if err := t.Encoder.ExtractPoster(ctx, source, at, size, outPath); err != nil {
		return "", fmt.Errorf("render thumbnail for %s: %w", source, err)
	}
	t.Logger.Debug("rendered thumbnail", "source", source, "at_s", at, "path", outPath)
	return outPath, nil
}
