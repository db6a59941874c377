package analyzer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func stubCommand(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "analyzer")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}

func TestAnalyzeDecodesScoredDetections(t *testing.T) {
	cmd := stubCommand(t, `echo '[{"name":"person","confidence":0.92},{"name":"dog","confidence":0.4}]'`)
	inv := NewInvoker(cmd, nil, testLogger())

	objects, err := inv.Analyze(context.Background(), "frame.png")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(objects) != 2 {
		t.Fatalf("expected 2 detections, got %d", len(objects))
	}
	if objects[0].Name != "person" || objects[0].Confidence != 0.92 {
		t.Fatalf("unexpected first detection: %+v", objects[0])
	}
}

func TestAnalyzeNormalizesBareTagNames(t *testing.T) {
	cmd := stubCommand(t, `echo '["person","car"]'`)
	inv := NewInvoker(cmd, nil, testLogger())

	objects, err := inv.Analyze(context.Background(), "frame.png")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(objects) != 2 {
		t.Fatalf("expected 2 detections, got %d", len(objects))
	}
	for _, obj := range objects {
		if obj.Confidence != bareTagConfidence {
			t.Fatalf("bare tag %q got confidence %f", obj.Name, obj.Confidence)
		}
	}
}

func TestAnalyzeBlankOutputMeansNoDetections(t *testing.T) {
	cmd := stubCommand(t, `echo ""`)
	inv := NewInvoker(cmd, nil, testLogger())

	objects, err := inv.Analyze(context.Background(), "frame.png")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(objects) != 0 {
		t.Fatalf("expected no detections, got %v", objects)
	}
}

func TestAnalyzePassesImagePathAsFinalArgument(t *testing.T) {
	dir := t.TempDir()
	recorded := filepath.Join(dir, "argv")
	cmd := stubCommand(t, `echo "$@" > `+recorded+`
echo '[]'`)
	inv := NewInvoker(cmd, []string{"--model", "default"}, testLogger())

	if _, err := inv.Analyze(context.Background(), "frame-007.png"); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	argv, err := os.ReadFile(recorded)
	if err != nil {
		t.Fatalf("read argv: %v", err)
	}
	if got := strings.TrimSpace(string(argv)); got != "--model default frame-007.png" {
		t.Fatalf("argv = %q", got)
	}
}

func TestAnalyzeClassifiesProcessFailure(t *testing.T) {
	cmd := stubCommand(t, `echo "model weights missing" >&2
exit 3`)
	inv := NewInvoker(cmd, nil, testLogger())

	_, err := inv.Analyze(context.Background(), "frame.png")
	var aerr *Error
	if !errors.As(err, &aerr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if aerr.Kind != KindProcess {
		t.Fatalf("kind = %s, want %s", aerr.Kind, KindProcess)
	}
	if !strings.Contains(aerr.Detail, "model weights missing") {
		t.Fatalf("detail %q missing stderr", aerr.Detail)
	}
}

func TestAnalyzeClassifiesMalformedOutput(t *testing.T) {
	cmd := stubCommand(t, `echo 'Traceback (most recent call last):'`)
	inv := NewInvoker(cmd, nil, testLogger())

	_, err := inv.Analyze(context.Background(), "frame.png")
	var aerr *Error
	if !errors.As(err, &aerr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if aerr.Kind != KindOutput {
		t.Fatalf("kind = %s, want %s", aerr.Kind, KindOutput)
	}
}

func TestAnalyzeTimesOutSlowCommand(t *testing.T) {
	cmd := stubCommand(t, `sleep 5
echo '[]'`)
	inv := NewInvoker(cmd, nil, testLogger())
	inv.Timeout = 100 * time.Millisecond

	start := time.Now()
	_, err := inv.Analyze(context.Background(), "frame.png")
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout did not bound the invocation")
	}
	var aerr *Error
	if !errors.As(err, &aerr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if aerr.Kind != KindTimeout {
		t.Fatalf("kind = %s, want %s", aerr.Kind, KindTimeout)
	}
}

func TestAnalyzeTimeoutKillsForkedWorkers(t *testing.T) {
	// The background child inherits the output pipes; the timeout must not
	// wait for it.
	cmd := stubCommand(t, `sleep 5 &
sleep 5
echo '[]'`)
	inv := NewInvoker(cmd, nil, testLogger())
	inv.Timeout = 100 * time.Millisecond

	start := time.Now()
	_, err := inv.Analyze(context.Background(), "frame.png")
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout did not bound the invocation")
	}
	var aerr *Error
	if !errors.As(err, &aerr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if aerr.Kind != KindTimeout {
		t.Fatalf("kind = %s, want %s", aerr.Kind, KindTimeout)
	}
}

func TestAnalyzeHonorsCallerCancellation(t *testing.T) {
	cmd := stubCommand(t, `sleep 5`)
	inv := NewInvoker(cmd, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := inv.Analyze(ctx, "frame.png")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
