package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ProbeInfo carries the subset of ffprobe output the pipeline needs.
type ProbeInfo struct {
	DurationSeconds float64
	SizeBytes       int64
	FormatName      string
	Width           int
	Height          int
}

// Probe runs a single ffprobe JSON call against path and returns the parsed
// result.
func (r *Runner) Probe(ctx context.Context, path string) (ProbeInfo, error) {
	cmd := exec.CommandContext(ctx, r.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	configureProcessGroup(cmd)
	out, err := cmd.Output()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ProbeInfo{}, fmt.Errorf("ffprobe %q: %w", path, ctxErr)
		}
		return ProbeInfo{}, &ExitError{Binary: "ffprobe", Stderr: stderr.String(), Err: err}
	}
	return ParseProbe(out)
}

// ParseProbe converts raw ffprobe JSON output into a ProbeInfo. Exported for
// testing without a real ffprobe binary.
func ParseProbe(data []byte) (ProbeInfo, error) {
	var raw probeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return ProbeInfo{}, fmt.Errorf("parse ffprobe JSON: %w", err)
	}
	info := ProbeInfo{FormatName: raw.Format.FormatName}
	if duration := strings.TrimSpace(raw.Format.Duration); duration != "" {
		if parsed, err := strconv.ParseFloat(duration, 64); err == nil {
			info.DurationSeconds = parsed
		}
	}
	if size := strings.TrimSpace(raw.Format.Size); size != "" {
		if parsed, err := strconv.ParseInt(size, 10, 64); err == nil {
			info.SizeBytes = parsed
		}
	}
	for _, stream := range raw.Streams {
		if stream.CodecType == "video" && stream.Width > 0 {
			info.Width = stream.Width
			info.Height = stream.Height
			break
		}
	}
	return info, nil
}

type probeOutput struct {
	Format  probeFormat   `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
}

type probeStream struct {
	CodecType string `json:"codec_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}
