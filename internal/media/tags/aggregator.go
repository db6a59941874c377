// Package tags fans frame stills out to the object analyzer and folds the
// per-frame verdicts into one tag summary for the video.
package tags

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"vodforge/internal/media/frames"
	"vodforge/internal/models"
	"vodforge/internal/observability/metrics"
)

const (
	defaultBatchSize     = 3
	defaultMinConfidence = 0.4
)

// Analyzer produces detections for one still image.
type Analyzer interface {
	Analyze(ctx context.Context, imagePath string) ([]models.DetectedObject, error)
}

// Aggregator runs analysis over sampled frames with bounded parallelism.
// Individual frame failures are absorbed so one bad still never sinks the
// whole video.
type Aggregator struct {
	Analyzer      Analyzer
	BatchSize     int
	MinConfidence float64
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
}

// NewAggregator returns an Aggregator with the default batch width and
// confidence floor.
func NewAggregator(analyzer Analyzer, logger *slog.Logger, recorder *metrics.Recorder) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Aggregator{
		Analyzer:      analyzer,
		BatchSize:     defaultBatchSize,
		MinConfidence: defaultMinConfidence,
		Logger:        logger,
		Metrics:       recorder,
	}
}

// Analyze invokes the analyzer for every sample, at most BatchSize at a time,
// and merges the verdicts in frame order. Each frame file is deleted once its
// verdict is in, whether analysis succeeded or not. The returned summary is
// always usable; frames that failed simply contribute nothing.
func (a *Aggregator) Analyze(ctx context.Context, samples []frames.Sample) models.TagAnalysis {
	width := int64(a.BatchSize)
	if width <= 0 {
		width = defaultBatchSize
	}
	sem := semaphore.NewWeighted(width)

	type verdict struct {
		objects []models.DetectedObject
		failed  bool
	}
	verdicts := make([]verdict, len(samples))

	var wg sync.WaitGroup
	for i, sample := range samples {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context gone. Remaining frames are cleaned up without
			// analysis and must not count as processed.
			for j := i; j < len(samples); j++ {
				verdicts[j] = verdict{failed: true}
			}
			a.removeFrame(samples[i:])
			break
		}
		wg.Add(1)
		go func(i int, sample frames.Sample) {
			defer wg.Done()
			defer sem.Release(1)
			defer a.removeFrame([]frames.Sample{sample})

			objects, err := a.Analyzer.Analyze(ctx, sample.Path)
			if err != nil {
				verdicts[i] = verdict{failed: true}
				a.Metrics.ObserveAnalyzerFrame("failed")
				a.Logger.Warn("frame analysis failed",
					"frame", sample.Path,
					"index", sample.Index,
					"error", err)
				return
			}
			verdicts[i] = verdict{objects: objects}
			a.Metrics.ObserveAnalyzerFrame("ok")
		}(i, sample)
	}
	wg.Wait()

	analysis := models.TagAnalysis{
		UniqueTags: []string{},
		TagCounts:  map[string]int{},
		Frames:     []models.FrameAnalysis{},
	}
	seen := map[string]bool{}
	for i, v := range verdicts {
		if v.failed {
			continue
		}
		kept := make([]models.DetectedObject, 0, len(v.objects))
		for _, obj := range v.objects {
			if obj.Confidence < a.MinConfidence {
				continue
			}
			kept = append(kept, obj)
			analysis.TagCounts[obj.Name]++
			analysis.Stats.TotalDetections++
			if !seen[obj.Name] {
				seen[obj.Name] = true
				analysis.UniqueTags = append(analysis.UniqueTags, obj.Name)
			}
		}
		analysis.Frames = append(analysis.Frames, models.FrameAnalysis{
			FrameIndex:       samples[i].Index,
			TimestampSeconds: samples[i].TimestampSeconds,
			Objects:          kept,
		})
		analysis.Stats.FramesProcessed++
	}
	sort.Slice(analysis.Frames, func(i, j int) bool {
		return analysis.Frames[i].FrameIndex < analysis.Frames[j].FrameIndex
	})

	a.Logger.Info("frame analysis complete",
		"frames_processed", analysis.Stats.FramesProcessed,
		"frames_total", len(samples),
		"unique_tags", len(analysis.UniqueTags),
		"detections", analysis.Stats.TotalDetections)
	return analysis
}

func (a *Aggregator) removeFrame(samples []frames.Sample) {
	for _, sample := range samples {
		if err := os.Remove(sample.Path); err != nil && !os.IsNotExist(err) {
			a.Logger.Warn("could not remove frame file", "frame", sample.Path, "error", err)
		}
	}
}
