package storage

import (
	"context"

	"vodforge/internal/models"
)

// Repository exposes the datastore operations required by API handlers and
// the processing pipeline.
type Repository interface {
	Ping(ctx context.Context) error

	CreateVideo(params CreateVideoParams) (models.VideoRecord, error)
	GetVideo(id string) (models.VideoRecord, bool)
	ListVideos(ownerID string) []models.VideoRecord
	UpdateVideo(id string, update VideoUpdate) (models.VideoRecord, error)
	ListVideosByStatus(statuses ...string) []models.VideoRecord
	DeleteVideo(id string) error

	CreateStream(params CreateStreamParams) (models.Stream, string, error)
	GetStream(id string) (models.Stream, bool)
	ListStreams(ownerID string) []models.Stream
	UpdateStream(id string, update StreamUpdate) (models.Stream, error)
	AuthenticateStreamKey(id, key string) (models.Stream, error)
	DeleteStream(id string) error

	Close() error
}

var _ Repository = (*Storage)(nil)
