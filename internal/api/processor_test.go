package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vodforge/internal/models"
	"vodforge/internal/storage"
)

type recordingRunner struct {
	mu        sync.Mutex
	processed []string
	err       error
	done      chan string
	gate      chan struct{}
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{done: make(chan string, 64)}
}

func (r *recordingRunner) Process(ctx context.Context, videoID string) error {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	r.processed = append(r.processed, videoID)
	err := r.err
	r.mu.Unlock()
	r.done <- videoID
	return err
}

func (r *recordingRunner) waitFor(t *testing.T, count int) []string {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		r.mu.Lock()
		if len(r.processed) >= count {
			processed := append([]string(nil), r.processed...)
			r.mu.Unlock()
			return processed
		}
		r.mu.Unlock()
		select {
		case <-r.done:
		case <-deadline:
			t.Fatalf("timed out waiting for %d processed videos", count)
		}
	}
}

func processorTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newProcessorStore(t *testing.T) *storage.Storage {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	return store
}

func registerVideo(t *testing.T, store *storage.Storage) models.VideoRecord {
	t.Helper()
	record, err := store.CreateVideo(storage.CreateVideoParams{
		Title:      "Launch Recap",
		SourcePath: "/uploads/recap.mp4",
	})
	if err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	return record
}

func TestProcessorRunsEnqueuedVideos(t *testing.T) {
	store := newProcessorStore(t)
	runner := newRecordingRunner()
	processor := NewProcessor(ProcessorConfig{Store: store, Runner: runner, Logger: processorTestLogger()})
	processor.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = processor.Shutdown(ctx)
	}()

	record := registerVideo(t, store)
	if err := processor.Enqueue(record.ID); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	processed := runner.waitFor(t, 1)
	if processed[0] != record.ID {
		t.Fatalf("processed = %v", processed)
	}
}

func TestProcessorRecoversPendingOnStart(t *testing.T) {
	store := newProcessorStore(t)
	pending := registerVideo(t, store)
	completed := registerVideo(t, store)
	status := models.ProcessingCompleted
	if _, err := store.UpdateVideo(completed.ID, storage.VideoUpdate{ProcessingStatus: &status}); err != nil {
		t.Fatalf("UpdateVideo: %v", err)
	}

	runner := newRecordingRunner()
	processor := NewProcessor(ProcessorConfig{Store: store, Runner: runner, Logger: processorTestLogger()})
	processor.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = processor.Shutdown(ctx)
	}()

	processed := runner.waitFor(t, 1)
	if processed[0] != pending.ID {
		t.Fatalf("processed = %v", processed)
	}
	// Terminal records must not be re-enqueued.
	time.Sleep(100 * time.Millisecond)
	runner.mu.Lock()
	total := len(runner.processed)
	runner.mu.Unlock()
	if total != 1 {
		t.Fatalf("processed %d videos, want 1", total)
	}
}

func TestProcessorRecoveryDoesNotDoubleSchedule(t *testing.T) {
	store := newProcessorStore(t)
	pending := registerVideo(t, store)

	runner := newRecordingRunner()
	runner.gate = make(chan struct{})
	processor := NewProcessor(ProcessorConfig{Store: store, Runner: runner, Logger: processorTestLogger()})
	processor.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = processor.Shutdown(ctx)
	}()

	// An upload notification for the same video lands while the recovery
	// scan is still scheduling it.
	if err := processor.Enqueue(pending.ID); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	close(runner.gate)

	processed := runner.waitFor(t, 1)
	if processed[0] != pending.ID {
		t.Fatalf("processed = %v", processed)
	}
	time.Sleep(100 * time.Millisecond)
	runner.mu.Lock()
	total := len(runner.processed)
	runner.mu.Unlock()
	if total != 1 {
		t.Fatalf("processed %d times, want 1", total)
	}
}

func TestProcessorAbsorbsRunnerFailure(t *testing.T) {
	store := newProcessorStore(t)
	runner := newRecordingRunner()
	runner.err = errors.New("pipeline exploded")
	processor := NewProcessor(ProcessorConfig{Store: store, Runner: runner, Logger: processorTestLogger()})
	processor.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = processor.Shutdown(ctx)
	}()

	first := registerVideo(t, store)
	second := registerVideo(t, store)
	if err := processor.Enqueue(first.ID); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := processor.Enqueue(second.ID); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	processed := runner.waitFor(t, 2)
	if len(processed) != 2 {
		t.Fatalf("processed = %v", processed)
	}
}

func TestProcessorEnqueueAfterShutdown(t *testing.T) {
	store := newProcessorStore(t)
	processor := NewProcessor(ProcessorConfig{Store: store, Runner: newRecordingRunner(), Logger: processorTestLogger()})
	processor.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := processor.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := processor.Enqueue("vid-1"); err == nil {
		t.Fatal("expected error after shutdown")
	}
}

func TestProcessorRejectsBlankID(t *testing.T) {
	processor := NewProcessor(ProcessorConfig{Runner: newRecordingRunner(), Logger: processorTestLogger()})
	if err := processor.Enqueue("  "); err == nil {
		t.Fatal("expected error for blank id")
	}
}
