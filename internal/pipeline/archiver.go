package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"vodforge/internal/events"
	"vodforge/internal/models"
	"vodforge/internal/storage"
)

// ArchiveStore is the subset of the repository the archiver needs.
type ArchiveStore interface {
	GetStream(id string) (models.Stream, bool)
	UpdateStream(id string, update storage.StreamUpdate) (models.Stream, error)
	CreateVideo(params storage.CreateVideoParams) (models.VideoRecord, error)
}

// Runner kicks off processing for a registered video. Satisfied by the API
// worker pool so archived recordings join the same queue as uploads.
type Runner interface {
	Enqueue(videoID string) error
}

// Archiver turns an ended stream's recording into a video record and hands it
// to the pipeline. Archival is best effort: a stream ends cleanly even when
// its recording cannot be archived.
type Archiver struct {
	Store  ArchiveStore
	Runner Runner
	Events events.Publisher
	Logger *slog.Logger
}

func NewArchiver(store ArchiveStore, runner Runner, publisher events.Publisher, logger *slog.Logger) *Archiver {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{Store: store, Runner: runner, Events: publisher, Logger: logger}
}

// ArchiveStream registers the stream's recording as a video and enqueues it
// for processing. Returns the created record's ID.
func (a *Archiver) ArchiveStream(ctx context.Context, streamID string) (string, error) {
	stream, ok := a.Store.GetStream(streamID)
	if !ok {
		return "", fmt.Errorf("archive stream %s: %w", streamID, storage.ErrNotFound)
	}
	if stream.State != models.StreamEnded {
		return "", fmt.Errorf("archive stream %s: stream is %s, not ended", streamID, stream.State)
	}
	if stream.ArchiveID != nil {
		a.Logger.Info("stream already archived", "stream_id", streamID, "video_id", *stream.ArchiveID)
		return *stream.ArchiveID, nil
	}
	if stream.RecordingPath == "" {
		return "", fmt.Errorf("archive stream %s: no recording available", streamID)
	}
	info, err := os.Stat(stream.RecordingPath)
	if err != nil {
		return "", fmt.Errorf("archive stream %s: recording file: %w", streamID, err)
	}

	title := stream.Title
	if stream.StartedAt != nil {
		title = fmt.Sprintf("%s (%s)", stream.Title, stream.StartedAt.Format("2006-01-02"))
	}
	record, err := a.Store.CreateVideo(storage.CreateVideoParams{
		OwnerID:          stream.OwnerID,
		Title:            title,
		Description:      stream.Description,
		Category:         stream.Category,
		OriginalFilename: fmt.Sprintf("%s.mp4", stream.ID),
		SourcePath:       stream.RecordingPath,
		SizeBytes:        info.Size(),
		MimeType:         "video/mp4",
		StreamID:         stream.ID,
	})
	if err != nil {
		return "", fmt.Errorf("archive stream %s: register recording: %w", streamID, err)
	}

	if _, err := a.Store.UpdateStream(stream.ID, storage.StreamUpdate{ArchiveID: &record.ID}); err != nil {
		a.Logger.Warn("could not link archive to stream", "stream_id", stream.ID, "error", err)
	}

	if a.Runner != nil {
		if err := a.Runner.Enqueue(record.ID); err != nil {
			a.Logger.Warn("could not enqueue archived recording", "video_id", record.ID, "error", err)
		}
	}

	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.Events.Publish(publishCtx, events.Event{
		Type:     events.TypeStreamArchived,
		VideoID:  record.ID,
		StreamID: stream.ID,
	}); err != nil {
		a.Logger.Warn("could not publish archive event", "stream_id", stream.ID, "error", err)
	}

	a.Logger.Info("stream archived", "stream_id", stream.ID, "video_id", record.ID)
	return record.ID, nil
}
