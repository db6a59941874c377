// Package hls encodes the adaptive-bitrate rendition ladder and writes the
// master manifest that ties the renditions together.
package hls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"vodforge/internal/media/ffmpeg"
)

// Rendition is one rung of the quality ladder.
type Rendition struct {
	Name        string
	Width       int
	Height      int
	BitrateKbps int
}

// DefaultLadder covers the common playback tiers from mobile to HD.
func DefaultLadder() []Rendition {
	return []Rendition{
		{Name: "720p", Width: 1280, Height: 720, BitrateKbps: 2500},
		{Name: "480p", Width: 854, Height: 480, BitrateKbps: 1200},
		{Name: "360p", Width: 640, Height: 360, BitrateKbps: 800},
	}
}

// Encoder is the subset of the media runner the packager needs.
type Encoder interface {
	SegmentEncode(ctx context.Context, input string, opts ffmpeg.SegmentOptions) error
}

// TranscodeError reports which renditions failed. Packaging is all or
// nothing; a single failed rung invalidates the whole ladder.
type TranscodeError struct {
	Renditions []string
	Err        error
}

func (e *TranscodeError) Error() string {
	return fmt.Sprintf("transcode failed for renditions %s: %v",
		strings.Join(e.Renditions, ", "), e.Err)
}

func (e *TranscodeError) Unwrap() error { return e.Err }

// Package describes a completed output set rooted at Dir.
type Package struct {
	Dir          string
	MasterPath   string
	Renditions   []Rendition
	SegmentCount int
}

// Packager encodes every ladder rung concurrently and assembles the master
// manifest once all rungs finish.
type Packager struct {
	Encoder        Encoder
	Ladder         []Rendition
	SegmentSeconds int
	Logger         *slog.Logger
}

// NewPackager returns a Packager using the default ladder and six second
// segments.
func NewPackager(encoder Encoder, logger *slog.Logger) *Packager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Packager{
		Encoder:        encoder,
		Ladder:         DefaultLadder(),
		SegmentSeconds: 6,
		Logger:         logger,
	}
}

// PackageVideo encodes the source into outDir. All renditions run in
// parallel; the first failure cancels the rest and the whole package is
// reported failed.
func (p *Packager) PackageVideo(ctx context.Context, source, outDir string) (Package, error) {
	ladder := p.Ladder
	if len(ladder) == 0 {
		ladder = DefaultLadder()
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Package{}, fmt.Errorf("create package dir: %w", err)
	}

	var (
		mu     sync.Mutex
		failed []string
	)
	group, groupCtx := errgroup.WithContext(ctx)
	for _, rendition := range ladder {
		rendition := rendition
		group.Go(func() error {
			err := p.Encoder.SegmentEncode(groupCtx, source, ffmpeg.SegmentOptions{
				Width:          rendition.Width,
				Height:         rendition.Height,
				BitrateKbps:    rendition.BitrateKbps,
				SegmentSeconds: p.SegmentSeconds,
				PlaylistPath:   filepath.Join(outDir, rendition.Name+".m3u8"),
				SegmentPattern: filepath.Join(outDir, rendition.Name+"_%03d.ts"),
			})
			if err != nil {
				// Siblings cancelled by the first failure did not
				// themselves fail; report only the real culprits.
				if !errors.Is(err, context.Canceled) {
					mu.Lock()
					failed = append(failed, rendition.Name)
					mu.Unlock()
					p.Logger.Error("rendition encode failed",
						"rendition", rendition.Name,
						"error", err)
				}
				return fmt.Errorf("encode %s: %w", rendition.Name, err)
			}
			p.Logger.Info("rendition encoded", "rendition", rendition.Name)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		sort.Strings(failed)
		return Package{}, &TranscodeError{Renditions: failed, Err: err}
	}

	masterPath := filepath.Join(outDir, "master.m3u8")
	if err := WriteMasterManifest(masterPath, ladder); err != nil {
		return Package{}, err
	}

	pkg := Package{
		Dir:        outDir,
		MasterPath: masterPath,
		Renditions: ladder,
	}
	pkg.SegmentCount = countSegments(outDir)
	p.Logger.Info("package assembled",
		"renditions", len(ladder),
		"segments", pkg.SegmentCount,
		"dir", outDir)
	return pkg, nil
}

// WriteMasterManifest writes the variant playlist listing every rendition in
// descending quality order. Bandwidth is the rendition bitrate in bits per
// second.
func WriteMasterManifest(path string, ladder []Rendition) error {
	ordered := make([]Rendition, len(ladder))
	copy(ordered, ladder)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].BitrateKbps > ordered[j].BitrateKbps
	})

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	for _, rendition := range ordered {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n",
			rendition.BitrateKbps*1000, rendition.Width, rendition.Height)
		b.WriteString(rendition.Name + ".m3u8\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write master manifest: %w", err)
	}
	return nil
}

func countSegments(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var count int
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".ts") {
			count++
		}
	}
	return count
}
