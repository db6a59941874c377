package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"vodforge/internal/observability/logging"
)

// Runner invokes the ffmpeg and ffprobe binaries. The zero value is not
// usable; construct with NewRunner.
type Runner struct {
	ffmpegPath  string
	ffprobePath string
	logger      *slog.Logger
}

// NewRunner builds a Runner. Empty paths fall back to resolving "ffmpeg" and
// "ffprobe" on PATH.
func NewRunner(ffmpegPath, ffprobePath string, logger *slog.Logger) *Runner {
	if strings.TrimSpace(ffmpegPath) == "" {
		ffmpegPath = "ffmpeg"
	}
	if strings.TrimSpace(ffprobePath) == "" {
		ffprobePath = "ffprobe"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, logger: logger}
}

// ExitError reports a non-zero encoder exit along with captured diagnostic
// output.
type ExitError struct {
	Binary string
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	tail := stderrTail(e.Stderr)
	if tail == "" {
		return fmt.Sprintf("%s: %v", e.Binary, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Binary, e.Err, tail)
}

func (e *ExitError) Unwrap() error { return e.Err }

// stderrTail keeps the last few stderr lines so errors stay readable while
// preserving the part of the output ffmpeg puts its diagnosis in.
func stderrTail(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	if len(lines) > 4 {
		lines = lines[len(lines)-4:]
	}
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return strings.Join(lines, " | ")
}

// configureProcessGroup arranges for cancellation to kill the encoder's whole
// process group, and bounds how long Wait holds out for inherited pipes, so a
// forked helper cannot keep the invocation alive past its context.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second
}

func (r *Runner) run(ctx context.Context, binary string, args []string) error {
	cmd := exec.CommandContext(ctx, binary, args...)
	var stderr bytes.Buffer
	cmd.Stdout = logging.NewLineWriter(r.logger, "stdout")
	cmd.Stderr = &stderr
	configureProcessGroup(cmd)
	r.logger.Debug("spawning encoder", "binary", binary, "args", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", binary, ctxErr)
		}
		return &ExitError{Binary: filepath.Base(binary), Stderr: stderr.String(), Err: err}
	}
	return nil
}

// StillOptions describes a still-extraction invocation. Exactly one of FPS or
// SeekSeconds drives frame selection: FPS emits a sequence of stills at the
// given rate, SeekSeconds emits a single still at that offset.
type StillOptions struct {
	OutputDir   string
	Pattern     string
	Size        string
	FPS         float64
	MaxFrames   int
	SeekSeconds float64
	Quality     int
}

// BuildStillArgs constructs the ffmpeg argument list for a still extraction.
// Exported so argument construction stays testable without an encoder binary.
func BuildStillArgs(input string, opts StillOptions) []string {
	args := []string{"-y"}
	if opts.SeekSeconds > 0 {
		args = append(args, "-ss", trimFloat(opts.SeekSeconds))
	}
	args = append(args, "-i", input)

	filters := make([]string, 0, 2)
	if opts.FPS > 0 {
		filters = append(filters, fmt.Sprintf("fps=%s", trimFloat(opts.FPS)))
	}
	if size := strings.TrimSpace(opts.Size); size != "" {
		filters = append(filters, "scale="+strings.Replace(size, "x", ":", 1))
	}
	if len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}
	if opts.FPS > 0 {
		args = append(args, "-vsync", "vfr")
	} else {
		args = append(args, "-frames:v", "1")
	}
	if opts.MaxFrames > 0 && opts.FPS > 0 {
		args = append(args, "-frames:v", fmt.Sprintf("%d", opts.MaxFrames))
	}
	if opts.Quality > 0 {
		args = append(args, "-q:v", fmt.Sprintf("%d", opts.Quality))
	}
	args = append(args, filepath.Join(opts.OutputDir, opts.Pattern))
	return args
}

// ExtractStills runs one ffmpeg invocation that emits every requested still
// into opts.OutputDir and returns the produced paths in emission order. A
// clean exit that produced zero files returns an empty slice and no error;
// judging whether that is acceptable belongs to the caller.
func (r *Runner) ExtractStills(ctx context.Context, input string, opts StillOptions) ([]string, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("input path is required")
	}
	if strings.TrimSpace(opts.OutputDir) == "" || strings.TrimSpace(opts.Pattern) == "" {
		return nil, fmt.Errorf("output directory and filename pattern are required")
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare still directory: %w", err)
	}
	runErr := r.run(ctx, r.ffmpegPath, BuildStillArgs(input, opts))

	produced, listErr := listProduced(opts.OutputDir, opts.Pattern, opts.MaxFrames)
	if runErr != nil {
		return produced, runErr
	}
	if listErr != nil {
		return nil, listErr
	}
	return produced, nil
}

// ExtractPoster emits a single still at the given offset, used for
// thumbnails.
func (r *Runner) ExtractPoster(ctx context.Context, input string, atSeconds float64, size, outPath string) error {
	if strings.TrimSpace(input) == "" || strings.TrimSpace(outPath) == "" {
		return fmt.Errorf("input and output paths are required")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("prepare poster directory: %w", err)
	}
	opts := StillOptions{
		OutputDir:   filepath.Dir(outPath),
		Pattern:     filepath.Base(outPath),
		Size:        size,
		SeekSeconds: atSeconds,
		Quality:     2,
	}
	return r.run(ctx, r.ffmpegPath, BuildStillArgs(input, opts))
}

// listProduced returns files matching the pattern's literal prefix in
// lexical order, which matches ffmpeg's numbered emission order.
func listProduced(dir, pattern string, max int) ([]string, error) {
	prefix := pattern
	if idx := strings.IndexByte(pattern, '%'); idx >= 0 {
		prefix = pattern[:idx]
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list stills: %w", err)
	}
	var produced []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		produced = append(produced, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(produced)
	if max > 0 && len(produced) > max {
		produced = produced[:max]
	}
	return produced, nil
}

// SegmentOptions describes one HLS rendition encode.
type SegmentOptions struct {
	Width          int
	Height         int
	BitrateKbps    int
	SegmentSeconds int
	PlaylistPath   string
	SegmentPattern string
}

// BuildSegmentArgs constructs the ffmpeg argument list for a segment encode.
func BuildSegmentArgs(input string, opts SegmentOptions) []string {
	segmentSeconds := opts.SegmentSeconds
	if segmentSeconds <= 0 {
		segmentSeconds = 6
	}
	bitrate := fmt.Sprintf("%dk", opts.BitrateKbps)
	return []string{
		"-y",
		"-i", input,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-vf", fmt.Sprintf("scale=%d:%d", opts.Width, opts.Height),
		"-b:v", bitrate,
		"-maxrate", bitrate,
		"-bufsize", fmt.Sprintf("%dk", opts.BitrateKbps*2),
		"-preset", "veryfast",
		"-g", "48",
		"-sc_threshold", "0",
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", segmentSeconds),
		"-hls_list_size", "0",
		"-start_number", "0",
		"-hls_segment_filename", opts.SegmentPattern,
		opts.PlaylistPath,
	}
}

// SegmentEncode runs one rendition encode, producing the rendition playlist
// plus numbered segment files.
func (r *Runner) SegmentEncode(ctx context.Context, input string, opts SegmentOptions) error {
	if strings.TrimSpace(input) == "" {
		return fmt.Errorf("input path is required")
	}
	if strings.TrimSpace(opts.PlaylistPath) == "" || strings.TrimSpace(opts.SegmentPattern) == "" {
		return fmt.Errorf("playlist path and segment pattern are required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.PlaylistPath), 0o755); err != nil {
		return fmt.Errorf("prepare rendition directory: %w", err)
	}
	return r.run(ctx, r.ffmpegPath, BuildSegmentArgs(input, opts))
}

func trimFloat(v float64) string {
	s := fmt.Sprintf("%.4f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}
