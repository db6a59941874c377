// Package pipeline drives an uploaded video through thumbnailing, frame
// analysis, adaptive-bitrate packaging, publication, and persistence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"vodforge/internal/events"
	"vodforge/internal/media/frames"
	"vodforge/internal/media/hls"
	"vodforge/internal/models"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/storage"
)

const defaultRunTimeout = 30 * time.Minute

// Sampler extracts analysis stills from the source.
type Sampler interface {
	SampleVideo(ctx context.Context, source, workDir string) (frames.Result, error)
}

// Thumbnailer renders the poster image.
type Thumbnailer interface {
	Generate(ctx context.Context, source, workDir string) (string, error)
}

// TagAnalyzer folds sampled frames into a tag summary. It never fails the
// run; frames that cannot be analyzed contribute nothing.
type TagAnalyzer interface {
	Analyze(ctx context.Context, samples []frames.Sample) models.TagAnalysis
}

// Packager produces the rendition ladder and master manifest.
type Packager interface {
	PackageVideo(ctx context.Context, source, outDir string) (hls.Package, error)
}

// Publisher mirrors the finished package into object storage.
type Publisher interface {
	PublishDirectory(ctx context.Context, dir, keyPrefix string) ([]storage.ObjectReference, error)
}

// Store is the subset of the repository the pipeline mutates.
type Store interface {
	GetVideo(id string) (models.VideoRecord, bool)
	UpdateVideo(id string, update storage.VideoUpdate) (models.VideoRecord, error)
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Store       Store
	Sampler     Sampler
	Thumbnailer Thumbnailer
	Analyzer    TagAnalyzer
	Packager    Packager
	Publisher   Publisher
	Events      events.Publisher
	WorkRoot    string
	KeyPrefix   string
	RunTimeout  time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

// Orchestrator runs the processing pipeline for one video at a time per
// Process call. Stage transitions are persisted so observers can follow a
// run, and every exit path scrubs the work directory.
type Orchestrator struct {
	cfg Config
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("pipeline store is required")
	}
	if cfg.Sampler == nil || cfg.Thumbnailer == nil || cfg.Analyzer == nil {
		return nil, fmt.Errorf("pipeline analysis components are required")
	}
	if cfg.Packager == nil || cfg.Publisher == nil {
		return nil, fmt.Errorf("pipeline packaging components are required")
	}
	if cfg.Events == nil {
		cfg.Events = events.NoopPublisher{}
	}
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = os.TempDir()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "videos"
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	return &Orchestrator{cfg: cfg}, nil
}

// Process runs the full pipeline for one uploaded video. On success the
// record carries the manifest and thumbnail URLs and the source file is gone.
// On failure the record is marked failed and all intermediates are removed.
func (o *Orchestrator) Process(ctx context.Context, videoID string) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
	defer cancel()
	ctx = logging.ContextWithAssetID(ctx, videoID)
	logger := o.cfg.Logger.With("video_id", videoID)

	record, ok := o.cfg.Store.GetVideo(videoID)
	if !ok {
		return stageError(KindValidation, "lookup", storage.ErrNotFound)
	}
	if record.IsTerminal() {
		logger.Warn("video already in terminal state, skipping", "status", record.ProcessingStatus)
		return nil
	}
	if _, err := os.Stat(record.SourcePath); err != nil {
		failErr := stageError(KindValidation, "lookup", fmt.Errorf("source file: %w", err))
		o.fail(ctx, logger, record, "", failErr)
		return failErr
	}

	o.cfg.Metrics.RunStarted()
	start := time.Now()

	workDir := filepath.Join(o.cfg.WorkRoot, videoID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		failErr := stageError(KindExtraction, "workspace", err)
		o.fail(ctx, logger, record, workDir, failErr)
		o.cfg.Metrics.RunFailed()
		return failErr
	}

	if err := o.setStatus(record.ID, models.ProcessingProcessing); err != nil {
		failErr := stageError(KindPersistence, "status", err)
		o.fail(ctx, logger, record, workDir, failErr)
		o.cfg.Metrics.RunFailed()
		return failErr
	}
	logger.Info("processing started", "source", record.SourcePath, "size_bytes", record.SizeBytes)

	thumbnailPath, err := o.runThumbnail(ctx, logger, record, workDir)
	if err != nil {
		o.fail(ctx, logger, record, workDir, err)
		o.cfg.Metrics.RunFailed()
		return err
	}

	var analysis models.TagAnalysis
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		result, err := o.runAnalysis(groupCtx, logger, record, workDir)
		if err != nil {
			return err
		}
		analysis = result
		return nil
	})
	group.Go(func() error {
		return o.runPackaging(groupCtx, logger, record, workDir)
	})
	if err := group.Wait(); err != nil {
		o.fail(ctx, logger, record, workDir, err)
		o.cfg.Metrics.RunFailed()
		return err
	}

	manifestURL, thumbnailURL, err := o.runPublish(ctx, logger, record, workDir, thumbnailPath)
	if err != nil {
		o.fail(ctx, logger, record, workDir, err)
		o.cfg.Metrics.RunFailed()
		return err
	}

	if err := o.runPersist(ctx, logger, record, manifestURL, thumbnailURL, analysis); err != nil {
		// Remote objects already exist; surface the failure for
		// reconciliation instead of deleting what players may be fetching.
		o.fail(ctx, logger, record, workDir, err)
		o.cfg.Metrics.RunFailed()
		return err
	}

	o.cleanup(logger, record.SourcePath, workDir)
	o.cfg.Metrics.RunCompleted()
	logger.Info("processing completed",
		"manifest_url", manifestURL,
		"elapsed_s", time.Since(start).Seconds())

	o.announce(ctx, logger, events.Event{
		Type:        events.TypeVideoCompleted,
		VideoID:     record.ID,
		ManifestURL: manifestURL,
	})
	return nil
}

func (o *Orchestrator) runThumbnail(ctx context.Context, logger *slog.Logger, record models.VideoRecord, workDir string) (string, error) {
	start := time.Now()
	thumbnailPath, err := o.cfg.Thumbnailer.Generate(ctx, record.SourcePath, workDir)
	o.cfg.Metrics.ObserveStage("thumbnail", err, time.Since(start))
	if err != nil {
		return "", stageError(KindExtraction, "thumbnail", err)
	}
	logger.Debug("thumbnail ready", "path", thumbnailPath)
	return thumbnailPath, nil
}

func (o *Orchestrator) runAnalysis(ctx context.Context, logger *slog.Logger, record models.VideoRecord, workDir string) (models.TagAnalysis, error) {
	start := time.Now()
	result, err := o.cfg.Sampler.SampleVideo(ctx, record.SourcePath, workDir)
	o.cfg.Metrics.ObserveStage("sample", err, time.Since(start))
	if err != nil {
		return models.TagAnalysis{}, stageError(KindExtraction, "sample", err)
	}

	start = time.Now()
	analysis := o.cfg.Analyzer.Analyze(ctx, result.Samples)
	o.cfg.Metrics.ObserveStage("analyze", nil, time.Since(start))

	// Scratch frames are deleted individually by the analyzer; drop the
	// directory itself so it never reaches object storage.
	if result.ScratchDir != "" {
		if err := os.RemoveAll(result.ScratchDir); err != nil {
			logger.Warn("could not remove scratch dir", "dir", result.ScratchDir, "error", err)
		}
	}
	return analysis, nil
}

func (o *Orchestrator) runPackaging(ctx context.Context, logger *slog.Logger, record models.VideoRecord, workDir string) error {
	start := time.Now()
	pkg, err := o.cfg.Packager.PackageVideo(ctx, record.SourcePath, workDir)
	o.cfg.Metrics.ObserveStage("package", err, time.Since(start))
	if err != nil {
		return stageError(KindTranscode, "package", err)
	}
	logger.Debug("package ready", "renditions", len(pkg.Renditions), "segments", pkg.SegmentCount)
	return nil
}

func (o *Orchestrator) runPublish(ctx context.Context, logger *slog.Logger, record models.VideoRecord, workDir, thumbnailPath string) (manifestURL, thumbnailURL string, err error) {
	start := time.Now()
	keyPrefix := path.Join(o.cfg.KeyPrefix, record.ID)
	refs, err := o.cfg.Publisher.PublishDirectory(ctx, workDir, keyPrefix)
	o.cfg.Metrics.ObserveStage("publish", err, time.Since(start))
	if err != nil {
		return "", "", stageError(KindPublish, "publish", err)
	}
	o.cfg.Metrics.ObservePublishedFiles(len(refs))

	// Match by key, not URL: the no-op client publishes keys with empty
	// URLs so unconfigured object storage still completes runs.
	manifestFound := false
	thumbnailName := filepath.Base(thumbnailPath)
	for _, ref := range refs {
		switch path.Base(ref.Key) {
		case "master.m3u8":
			manifestFound = true
			manifestURL = ref.URL
		case thumbnailName:
			thumbnailURL = ref.URL
		}
	}
	if !manifestFound {
		return "", "", stageError(KindPublish, "publish", fmt.Errorf("master manifest missing from published set"))
	}
	logger.Debug("publish complete", "objects", len(refs), "prefix", keyPrefix)
	return manifestURL, thumbnailURL, nil
}

func (o *Orchestrator) runPersist(ctx context.Context, logger *slog.Logger, record models.VideoRecord, manifestURL, thumbnailURL string, analysis models.TagAnalysis) error {
	status := models.ProcessingCompleted
	completed := time.Now().UTC()
	start := time.Now()
	_, err := o.cfg.Store.UpdateVideo(record.ID, storage.VideoUpdate{
		ManifestURL:      &manifestURL,
		ThumbnailURL:     &thumbnailURL,
		TagAnalysis:      &analysis,
		ProcessingStatus: &status,
		CompletedAt:      &completed,
	})
	o.cfg.Metrics.ObserveStage("persist", err, time.Since(start))
	if err != nil {
		return stageError(KindPersistence, "persist", err)
	}
	logger.Debug("record persisted", "status", status)
	return nil
}

// fail marks the record failed and removes intermediates. Cleanup problems
// are logged, never returned, so the original failure is what callers see.
func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, record models.VideoRecord, workDir string, cause error) {
	logger.Error("processing failed", "error", cause)

	status := models.ProcessingFailed
	message := publicFailureMessage(cause)
	if _, err := o.cfg.Store.UpdateVideo(record.ID, storage.VideoUpdate{
		ProcessingStatus: &status,
		Error:            &message,
	}); err != nil {
		logger.Error("could not persist failure state", "error", err)
	}

	o.cleanup(logger, record.SourcePath, workDir)

	o.announce(ctx, logger, events.Event{
		Type:    events.TypeVideoFailed,
		VideoID: record.ID,
		Error:   message,
	})
}

func (o *Orchestrator) cleanup(logger *slog.Logger, sourcePath, workDir string) {
	if sourcePath != "" {
		if err := os.Remove(sourcePath); err != nil && !os.IsNotExist(err) {
			logger.Warn("could not remove source file", "path", sourcePath, "error", err)
		}
	}
	if workDir != "" {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Warn("could not remove work dir", "dir", workDir, "error", err)
		}
	}
}

func (o *Orchestrator) setStatus(videoID, status string) error {
	_, err := o.cfg.Store.UpdateVideo(videoID, storage.VideoUpdate{ProcessingStatus: &status})
	return err
}

func (o *Orchestrator) announce(ctx context.Context, logger *slog.Logger, event events.Event) {
	// Events ride on a detached context so a cancelled run can still report.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.cfg.Events.Publish(publishCtx, event); err != nil {
		logger.Warn("could not publish event", "type", event.Type, "error", err)
	}
}

// publicFailureMessage keeps stored error text free of local paths and
// subprocess noise.
func publicFailureMessage(err error) string {
	var pipelineErr *Error
	if errors.As(err, &pipelineErr) {
		return fmt.Sprintf("video processing failed during %s", pipelineErr.Stage)
	}
	return "video processing failed"
}
