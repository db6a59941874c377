package api

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"vodforge/internal/models"
	"vodforge/internal/storage"
)

// PipelineRunner executes the processing pipeline for one video.
type PipelineRunner interface {
	Process(ctx context.Context, videoID string) error
}

type ProcessorConfig struct {
	Store     storage.Repository
	Runner    PipelineRunner
	Workers   int
	QueueSize int
	Logger    *slog.Logger
}

// Processor drains uploaded videos through the pipeline with a fixed worker
// pool. Pending work left over from a previous run is re-enqueued on start.
type Processor struct {
	store   storage.Repository
	runner  PipelineRunner
	workers int
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	queue chan string
	wg    sync.WaitGroup

	mu      sync.Mutex
	queued  map[string]struct{}
	started bool
}

const (
	defaultProcessorWorkers   = 2
	defaultProcessorQueueSize = 64
)

func NewProcessor(cfg ProcessorConfig) *Processor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultProcessorWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultProcessorQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		store:   cfg.Store,
		runner:  cfg.Runner,
		workers: workers,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		queue:   make(chan string, queueSize),
		queued:  make(map[string]struct{}),
	}
}

func (p *Processor) Start() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	// Snapshot interrupted work before any fresh upload can be accepted;
	// the enqueue itself happens in the background.
	var pending []models.VideoRecord
	if p.store != nil {
		pending = p.store.ListVideosByStatus(models.ProcessingUploaded, models.ProcessingProcessing)
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	go p.recoverPending(pending)
}

func (p *Processor) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue schedules a video for processing. A video already queued or being
// processed is left alone, so the startup recovery scan and a fresh upload
// cannot double-schedule the same id. Returns an error only when the
// processor is shut down or the queue is full.
func (p *Processor) Enqueue(id string) error {
	if p == nil || strings.TrimSpace(id) == "" {
		return fmt.Errorf("video id is required")
	}
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("processor is shut down")
	default:
	}
	if !p.admit(id) {
		return nil
	}
	select {
	case p.queue <- id:
		return nil
	case <-p.ctx.Done():
		p.release(id)
		return fmt.Errorf("processor is shut down")
	default:
		p.release(id)
		return fmt.Errorf("processing queue is full")
	}
}

func (p *Processor) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case id := <-p.queue:
			if strings.TrimSpace(id) == "" {
				continue
			}
			p.processVideo(id)
			p.release(id)
		}
	}
}

// admit claims an id from enqueue until its run finishes.
func (p *Processor) admit(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.queued[id]; exists {
		return false
	}
	p.queued[id] = struct{}{}
	return true
}

func (p *Processor) release(id string) {
	p.mu.Lock()
	delete(p.queued, id)
	p.mu.Unlock()
}

// recoverPending re-enqueues videos that never reached a terminal state, so
// work interrupted by a restart is not lost. Enqueue skips ids that were
// scheduled in the meantime.
func (p *Processor) recoverPending(pending []models.VideoRecord) {
	for _, record := range pending {
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		if err := p.Enqueue(record.ID); err != nil {
			p.logger.Warn("could not recover pending video", "video_id", record.ID, "error", err)
			continue
		}
		p.logger.Info("recovered pending video", "video_id", record.ID, "status", record.ProcessingStatus)
	}
}

func (p *Processor) processVideo(id string) {
	if p.runner == nil {
		return
	}
	if err := p.runner.Process(p.ctx, id); err != nil {
		p.logger.Error("video processing failed", "video_id", id, "error", err)
		return
	}
	p.logger.Info("video processed", "video_id", id)
}
