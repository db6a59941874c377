// Package analyzer invokes an external object-detection command against a
// single still image and decodes its JSON verdict.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"vodforge/internal/models"
)

// ErrorKind classifies analyzer failures so callers can decide whether a
// frame is worth surfacing or just logging.
type ErrorKind string

const (
	KindTimeout ErrorKind = "timeout"
	KindProcess ErrorKind = "process"
	KindOutput  ErrorKind = "output"
)

// Error wraps an analyzer invocation failure with its classification.
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("analyzer %s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("analyzer %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

const (
	defaultTimeout = 30 * time.Second

	// Confidence assigned when the analyzer emits bare tag names instead of
	// scored detections.
	bareTagConfidence = 0.8
)

// Invoker runs the detection command once per image. The command receives the
// image path as its final argument and must print a JSON array of detections
// on stdout. An empty stdout means no detections.
type Invoker struct {
	Command string
	Args    []string
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewInvoker returns an Invoker with the default timeout applied.
func NewInvoker(command string, args []string, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{
		Command: command,
		Args:    args,
		Timeout: defaultTimeout,
		Logger:  logger,
	}
}

// Analyze invokes the detection command for one image and returns the decoded
// detections. The per-invocation timeout bounds the subprocess even when the
// caller's context is long-lived.
func (inv *Invoker) Analyze(ctx context.Context, imagePath string) ([]models.DetectedObject, error) {
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, inv.Args...), imagePath)
	cmd := exec.CommandContext(runCtx, inv.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Detectors commonly fork workers that inherit the output pipes; kill
	// the whole process group on expiry so Wait cannot block past the
	// timeout, and give up on the pipes shortly after regardless.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, &Error{
				Kind:   KindTimeout,
				Detail: fmt.Sprintf("no verdict after %s", timeout),
				Err:    runCtx.Err(),
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, &Error{Kind: KindProcess, Detail: detail, Err: err}
	}

	objects, err := decodeDetections(stdout.Bytes())
	if err != nil {
		return nil, &Error{Kind: KindOutput, Detail: err.Error(), Err: err}
	}
	inv.Logger.Debug("analyzer verdict",
		"image", imagePath,
		"detections", len(objects),
		"elapsed_ms", elapsed.Milliseconds())
	return objects, nil
}

// decodeDetections accepts either scored detection objects or bare tag name
// strings and normalizes both to DetectedObject values.
func decodeDetections(raw []byte) ([]models.DetectedObject, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return []models.DetectedObject{}, nil
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}
	objects := make([]models.DetectedObject, 0, len(entries))
	for _, entry := range entries {
		var obj models.DetectedObject
		if err := json.Unmarshal(entry, &obj); err == nil && obj.Name != "" {
			objects = append(objects, obj)
			continue
		}
		var name string
		if err := json.Unmarshal(entry, &name); err == nil && name != "" {
			objects = append(objects, models.DetectedObject{Name: name, Confidence: bareTagConfidence})
			continue
		}
		return nil, errors.New("decode verdict: entry is neither a detection nor a tag name")
	}
	return objects, nil
}
