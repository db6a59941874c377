// Package ffmpeg wraps subprocess invocations of the ffmpeg and ffprobe
// binaries: duration probing, still-frame extraction, and HLS segment
// encoding. It owns argument construction and exit/diagnostic capture; media
// semantics (sampling strategies, rendition ladders) live with the callers.
package ffmpeg
