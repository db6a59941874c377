package models

import (
	"strings"
	"time"
)

// Processing states for a VideoRecord.
const (
	ProcessingUploaded   = "uploaded"
	ProcessingProcessing = "processing"
	ProcessingCompleted  = "completed"
	ProcessingFailed     = "failed"
)

// Stream lifecycle states.
const (
	StreamCreated = "created"
	StreamLive    = "live"
	StreamEnded   = "ended"
)

// DetectedObject is the canonical shape for one detection reported by the
// analyzer subprocess. Payloads that arrive as bare strings are normalised
// into this shape at the invoker boundary and never carried further as a
// union.
type DetectedObject struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// FrameAnalysis records the detections for a single sampled frame.
type FrameAnalysis struct {
	FrameIndex       int              `json:"frameIndex"`
	TimestampSeconds float64          `json:"timestampSeconds"`
	Objects          []DetectedObject `json:"objects"`
}

// AnalysisStats summarises a tag-analysis pass over one asset.
type AnalysisStats struct {
	FramesProcessed int `json:"framesProcessed"`
	TotalDetections int `json:"totalDetections"`
}

// TagAnalysis is the aggregated object-detection result across all sampled
// frames of one asset. UniqueTags preserves first-seen order; TagCounts maps
// tag name to occurrence count across frames.
type TagAnalysis struct {
	UniqueTags []string        `json:"uniqueTags"`
	TagCounts  map[string]int  `json:"tagCounts"`
	Frames     []FrameAnalysis `json:"frames,omitempty"`
	Stats      AnalysisStats   `json:"stats"`
}

// VideoRecord is the persisted metadata for one processed asset. ManifestURL
// and ThumbnailURL are only ever populated after every referenced artifact is
// durably published to object storage.
type VideoRecord struct {
	ID               string       `json:"id"`
	OwnerID          string       `json:"ownerId"`
	Title            string       `json:"title"`
	Description      string       `json:"description,omitempty"`
	Category         string       `json:"category,omitempty"`
	OriginalFilename string       `json:"originalFilename,omitempty"`
	SourcePath       string       `json:"sourcePath,omitempty"`
	SizeBytes        int64        `json:"sizeBytes"`
	MimeType         string       `json:"mimeType,omitempty"`
	ManifestURL      string       `json:"manifestUrl,omitempty"`
	ThumbnailURL     string       `json:"thumbnailUrl,omitempty"`
	TagAnalysis      *TagAnalysis `json:"tagAnalysis,omitempty"`
	ProcessingStatus string       `json:"processingStatus"`
	Error            string       `json:"error,omitempty"`
	StreamID         *string      `json:"streamId,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
	CompletedAt      *time.Time   `json:"completedAt,omitempty"`
}

// IsTerminal reports whether the record has reached a terminal processing
// state.
func (v VideoRecord) IsTerminal() bool {
	switch strings.ToLower(strings.TrimSpace(v.ProcessingStatus)) {
	case ProcessingCompleted, ProcessingFailed:
		return true
	}
	return false
}

// Stream is a live broadcast tracked by the stream registry. The plain stream
// key is only surfaced once at creation; the registry stores a derived hash.
type Stream struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"ownerId"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Category      string     `json:"category,omitempty"`
	StreamKeyHash string     `json:"streamKeyHash,omitempty"`
	State         string     `json:"state"`
	RecordingPath string     `json:"recordingPath,omitempty"`
	ArchiveID     *string    `json:"archiveId,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
}
