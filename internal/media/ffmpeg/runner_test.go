package ffmpeg

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestBuildStillArgsSequence(t *testing.T) {
	args := BuildStillArgs("in.mp4", StillOptions{
		OutputDir: "/tmp/frames",
		Pattern:   "frame-%03d.png",
		Size:      "640x360",
		FPS:       0.5,
		MaxFrames: 5,
	})
	want := []string{
		"-y", "-i", "in.mp4",
		"-vf", "fps=0.5,scale=640:360",
		"-vsync", "vfr",
		"-frames:v", "5",
		filepath.Join("/tmp/frames", "frame-%03d.png"),
	}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("args mismatch\n got: %v\nwant: %v", args, want)
	}
}

func TestBuildStillArgsPoster(t *testing.T) {
	args := BuildStillArgs("in.mp4", StillOptions{
		OutputDir:   "/tmp/out",
		Pattern:     "thumbnail.jpg",
		Size:        "640x360",
		SeekSeconds: 15,
		Quality:     2,
	})
	joined := strings.Join(args, " ")
	for _, fragment := range []string{"-ss 15", "-frames:v 1", "-q:v 2", "scale=640:360"} {
		if !strings.Contains(joined, fragment) {
			t.Fatalf("args %q missing %q", joined, fragment)
		}
	}
}

func TestBuildSegmentArgs(t *testing.T) {
	args := BuildSegmentArgs("in.mp4", SegmentOptions{
		Width:          1280,
		Height:         720,
		BitrateKbps:    2500,
		SegmentSeconds: 6,
		PlaylistPath:   "/out/720p.m3u8",
		SegmentPattern: "/out/720p_%03d.ts",
	})
	joined := strings.Join(args, " ")
	for _, fragment := range []string{
		"-c:v libx264", "-c:a aac", "scale=1280:720",
		"-b:v 2500k", "-hls_time 6", "-hls_list_size 0",
		"-hls_segment_filename /out/720p_%03d.ts", "/out/720p.m3u8",
	} {
		if !strings.Contains(joined, fragment) {
			t.Fatalf("args %q missing %q", joined, fragment)
		}
	}
}

func TestExtractStillsCollectsProducedFrames(t *testing.T) {
	dir := t.TempDir()
	outDir := filepath.Join(dir, "frames")
	// Stub encoder ignores its arguments and emits three numbered frames.
	stub := writeScript(t, dir, "ffmpeg", `
mkdir -p `+outDir+`
for i in 001 002 003; do : > `+outDir+`/frame-$i.png; done
exit 0
`)
	runner := NewRunner(stub, "", testLogger())
	produced, err := runner.ExtractStills(context.Background(), "in.mp4", StillOptions{
		OutputDir: outDir,
		Pattern:   "frame-%03d.png",
		FPS:       1,
	})
	if err != nil {
		t.Fatalf("ExtractStills: %v", err)
	}
	if len(produced) != 3 {
		t.Fatalf("expected 3 frames, got %d (%v)", len(produced), produced)
	}
	for i, path := range produced {
		if filepath.Base(path) != []string{"frame-001.png", "frame-002.png", "frame-003.png"}[i] {
			t.Fatalf("unexpected order: %v", produced)
		}
	}
}

func TestExtractStillsSurfacesExitError(t *testing.T) {
	dir := t.TempDir()
	stub := writeScript(t, dir, "ffmpeg", `
echo "in.mp4: Invalid data found when processing input" >&2
exit 1
`)
	runner := NewRunner(stub, "", testLogger())
	_, err := runner.ExtractStills(context.Background(), "in.mp4", StillOptions{
		OutputDir: filepath.Join(dir, "frames"),
		Pattern:   "frame-%03d.png",
		FPS:       1,
	})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if !strings.Contains(exitErr.Error(), "Invalid data") {
		t.Fatalf("stderr detail missing from %q", exitErr.Error())
	}
}

func TestExtractStillsCancellationKillsForkedChildren(t *testing.T) {
	dir := t.TempDir()
	// The backgrounded child inherits the output pipes; cancellation must
	// not wait for it.
	stub := writeScript(t, dir, "ffmpeg", `
sleep 5 &
sleep 5
`)
	runner := NewRunner(stub, "", testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := runner.ExtractStills(ctx, "in.mp4", StillOptions{
		OutputDir: filepath.Join(dir, "frames"),
		Pattern:   "frame-%03d.png",
		FPS:       1,
	})
	if time.Since(start) > 2*time.Second {
		t.Fatal("cancellation did not bound the encoder invocation")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestParseProbe(t *testing.T) {
	payload := []byte(`{
  "format": {"format_name": "mov,mp4,m4a", "duration": "30.500000", "size": "1048576"},
  "streams": [
    {"codec_type": "audio"},
    {"codec_type": "video", "width": 1920, "height": 1080}
  ]
}`)
	info, err := ParseProbe(payload)
	if err != nil {
		t.Fatalf("ParseProbe: %v", err)
	}
	if info.DurationSeconds != 30.5 {
		t.Fatalf("duration = %f, want 30.5", info.DurationSeconds)
	}
	if info.SizeBytes != 1048576 {
		t.Fatalf("size = %d", info.SizeBytes)
	}
	if info.Width != 1920 || info.Height != 1080 {
		t.Fatalf("dimensions = %dx%d", info.Width, info.Height)
	}
}

func TestParseProbeRejectsGarbage(t *testing.T) {
	if _, err := ParseProbe([]byte("not json")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestProbeWithStubBinary(t *testing.T) {
	dir := t.TempDir()
	stub := writeScript(t, dir, "ffprobe", `
cat <<'EOF'
{"format": {"format_name": "matroska", "duration": "12.0", "size": "2048"}, "streams": []}
EOF
`)
	runner := NewRunner("", stub, testLogger())
	info, err := runner.Probe(context.Background(), "in.mkv")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.DurationSeconds != 12 {
		t.Fatalf("duration = %f", info.DurationSeconds)
	}
}
