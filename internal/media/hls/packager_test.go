package hls

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"vodforge/internal/media/ffmpeg"
)

type fakeSegmenter struct {
	mu       sync.Mutex
	calls    []ffmpeg.SegmentOptions
	failing  map[int]error // keyed by height
	hang     map[int]bool  // block until cancelled, keyed by height
	segments int           // .ts files to fabricate per rendition
}

func (f *fakeSegmenter) SegmentEncode(ctx context.Context, input string, opts ffmpeg.SegmentOptions) error {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	f.mu.Unlock()
	if err, ok := f.failing[opts.Height]; ok {
		return err
	}
	if f.hang[opts.Height] {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := os.WriteFile(opts.PlaylistPath, []byte("#EXTM3U\n"), 0o644); err != nil {
		return err
	}
	for i := 0; i < f.segments; i++ {
		if err := os.WriteFile(fmt.Sprintf(opts.SegmentPattern, i), []byte("ts"), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPackageVideoEncodesEveryRendition(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "hls")
	enc := &fakeSegmenter{segments: 2}
	packager := NewPackager(enc, testLogger())

	pkg, err := packager.PackageVideo(context.Background(), "in.mp4", outDir)
	if err != nil {
		t.Fatalf("PackageVideo: %v", err)
	}
	if len(enc.calls) != 3 {
		t.Fatalf("expected 3 encodes, got %d", len(enc.calls))
	}
	if pkg.MasterPath != filepath.Join(outDir, "master.m3u8") {
		t.Fatalf("master path = %q", pkg.MasterPath)
	}
	if pkg.SegmentCount != 6 {
		t.Fatalf("segment count = %d", pkg.SegmentCount)
	}
	for _, name := range []string{"720p.m3u8", "480p.m3u8", "360p.m3u8", "master.m3u8"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
}

func TestPackageVideoAllOrNothing(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "hls")
	enc := &fakeSegmenter{failing: map[int]error{480: errors.New("encoder exploded")}}
	packager := NewPackager(enc, testLogger())

	_, err := packager.PackageVideo(context.Background(), "in.mp4", outDir)
	var transcodeErr *TranscodeError
	if !errors.As(err, &transcodeErr) {
		t.Fatalf("expected TranscodeError, got %v", err)
	}
	found := false
	for _, name := range transcodeErr.Renditions {
		if name == "480p" {
			found = true
		}
	}
	if !found {
		t.Fatalf("failed renditions = %v, want 480p listed", transcodeErr.Renditions)
	}
	if _, statErr := os.Stat(filepath.Join(outDir, "master.m3u8")); !os.IsNotExist(statErr) {
		t.Fatal("master manifest must not exist after a failed package")
	}
}

func TestPackageVideoNamesOnlyRealFailures(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "hls")
	// 720p and 360p only stop because the 480p failure cancels them; they
	// must not be reported as failed renditions.
	enc := &fakeSegmenter{
		failing: map[int]error{480: errors.New("encoder exploded")},
		hang:    map[int]bool{720: true, 360: true},
	}
	packager := NewPackager(enc, testLogger())

	_, err := packager.PackageVideo(context.Background(), "in.mp4", outDir)
	var transcodeErr *TranscodeError
	if !errors.As(err, &transcodeErr) {
		t.Fatalf("expected TranscodeError, got %v", err)
	}
	if len(transcodeErr.Renditions) != 1 || transcodeErr.Renditions[0] != "480p" {
		t.Fatalf("failed renditions = %v, want only 480p", transcodeErr.Renditions)
	}
}

func TestWriteMasterManifestDescendingQuality(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.m3u8")
	// Ladder deliberately out of order; the manifest must sort it.
	ladder := []Rendition{
		{Name: "360p", Width: 640, Height: 360, BitrateKbps: 800},
		{Name: "720p", Width: 1280, Height: 720, BitrateKbps: 2500},
		{Name: "480p", Width: 854, Height: 480, BitrateKbps: 1200},
	}
	if err := WriteMasterManifest(path, ladder); err != nil {
		t.Fatalf("WriteMasterManifest: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	want := []string{
		"#EXTM3U",
		"#EXT-X-VERSION:3",
		"#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720",
		"720p.m3u8",
		"#EXT-X-STREAM-INF:BANDWIDTH=1200000,RESOLUTION=854x480",
		"480p.m3u8",
		"#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360",
		"360p.m3u8",
	}
	if len(lines) != len(want) {
		t.Fatalf("manifest has %d lines:\n%s", len(lines), data)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestPackageVideoSegmentNaming(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "hls")
	enc := &fakeSegmenter{segments: 1}
	packager := NewPackager(enc, testLogger())

	if _, err := packager.PackageVideo(context.Background(), "in.mp4", outDir); err != nil {
		t.Fatalf("PackageVideo: %v", err)
	}
	for _, call := range enc.calls {
		base := filepath.Base(call.SegmentPattern)
		if !strings.Contains(base, "_%03d.ts") {
			t.Fatalf("segment pattern = %q", base)
		}
		playlist := filepath.Base(call.PlaylistPath)
		if !strings.HasSuffix(playlist, ".m3u8") {
			t.Fatalf("playlist = %q", playlist)
		}
		if strings.TrimSuffix(playlist, ".m3u8") != strings.TrimSuffix(base, "_%03d.ts") {
			t.Fatalf("playlist %q and segments %q disagree on rendition name", playlist, base)
		}
	}
}
