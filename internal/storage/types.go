package storage

import (
	"errors"
	"time"

	"vodforge/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrInvalidStreamKey is returned when a stream key fails authentication.
var ErrInvalidStreamKey = errors.New("invalid stream key")

const defaultObjectStorageRequestTimeout = 30 * time.Second

// ObjectStorageConfig configures the remote object store that published
// packages are uploaded to.
type ObjectStorageConfig struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	AccessKey      string
	SecretKey      string
	UseSSL         bool
	PublicEndpoint string
	RequestTimeout time.Duration
}

// CreateVideoParams captures the attributes set when registering an upload.
type CreateVideoParams struct {
	OwnerID          string
	Title            string
	Description      string
	Category         string
	OriginalFilename string
	SourcePath       string
	SizeBytes        int64
	MimeType         string
	StreamID         string
}

// VideoUpdate represents the fields the pipeline mutates as it progresses.
// Nil pointers leave the stored value untouched.
type VideoUpdate struct {
	Title            *string
	Description      *string
	Category         *string
	ManifestURL      *string
	ThumbnailURL     *string
	TagAnalysis      *models.TagAnalysis
	ProcessingStatus *string
	Error            *string
	CompletedAt      *time.Time
}

// CreateStreamParams captures the attributes set when registering a stream.
type CreateStreamParams struct {
	OwnerID     string
	Title       string
	Description string
	Category    string
}

// StreamUpdate represents the mutable stream fields.
type StreamUpdate struct {
	State         *string
	RecordingPath *string
	ArchiveID     *string
	StartedAt     *time.Time
	EndedAt       *time.Time
}
