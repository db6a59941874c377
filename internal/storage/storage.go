// Package storage persists video and stream records and publishes processed
// packages to remote object storage.
package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"vodforge/internal/models"
)

const (
	streamKeyHashSaltLength = 16
	streamKeyHashKeyLength  = 32
	streamKeyHashIterations = 120000
)

type dataset struct {
	Videos  map[string]models.VideoRecord `json:"videos"`
	Streams map[string]models.Stream      `json:"streams"`
}

func newDataset() dataset {
	return dataset{
		Videos:  make(map[string]models.VideoRecord),
		Streams: make(map[string]models.Stream),
	}
}

// Storage is the file-backed repository. Every mutation rewrites the store
// file atomically so a crash never leaves a torn dataset behind.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

func NewStorage(path string) (*Storage, error) {
	store := &Storage{filePath: path}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	if s.data.Videos == nil {
		s.data.Videos = make(map[string]models.VideoRecord)
	}
	if s.data.Streams == nil {
		s.data.Streams = make(map[string]models.Stream)
	}
	return nil
}

func (s *Storage) persist() error {
	if s.persistOverride != nil {
		if err := s.persistOverride(s.data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func (s *Storage) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Storage) Close() error { return nil }

func (s *Storage) CreateVideo(params CreateVideoParams) (models.VideoRecord, error) {
	if strings.TrimSpace(params.Title) == "" {
		return models.VideoRecord{}, errors.New("title is required")
	}
	if strings.TrimSpace(params.SourcePath) == "" {
		return models.VideoRecord{}, errors.New("source path is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := generateID()
	if err != nil {
		return models.VideoRecord{}, err
	}
	now := time.Now().UTC()
	record := models.VideoRecord{
		ID:               id,
		OwnerID:          strings.TrimSpace(params.OwnerID),
		Title:            strings.TrimSpace(params.Title),
		Description:      strings.TrimSpace(params.Description),
		Category:         strings.TrimSpace(params.Category),
		OriginalFilename: params.OriginalFilename,
		SourcePath:       params.SourcePath,
		SizeBytes:        params.SizeBytes,
		MimeType:         params.MimeType,
		ProcessingStatus: models.ProcessingUploaded,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if streamID := strings.TrimSpace(params.StreamID); streamID != "" {
		record.StreamID = &streamID
	}
	s.data.Videos[record.ID] = record
	if err := s.persist(); err != nil {
		delete(s.data.Videos, record.ID)
		return models.VideoRecord{}, err
	}
	return cloneVideo(record), nil
}

func (s *Storage) GetVideo(id string) (models.VideoRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.data.Videos[id]
	if !ok {
		return models.VideoRecord{}, false
	}
	return cloneVideo(record), true
}

func (s *Storage) ListVideos(ownerID string) []models.VideoRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]models.VideoRecord, 0, len(s.data.Videos))
	for _, record := range s.data.Videos {
		if ownerID != "" && record.OwnerID != ownerID {
			continue
		}
		records = append(records, cloneVideo(record))
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records
}

func (s *Storage) ListVideosByStatus(statuses ...string) []models.VideoRecord {
	wanted := make(map[string]bool, len(statuses))
	for _, status := range statuses {
		wanted[status] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var records []models.VideoRecord
	for _, record := range s.data.Videos {
		if wanted[record.ProcessingStatus] {
			records = append(records, cloneVideo(record))
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records
}

func (s *Storage) UpdateVideo(id string, update VideoUpdate) (models.VideoRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.data.Videos[id]
	if !ok {
		return models.VideoRecord{}, ErrNotFound
	}
	previous := record
	applyVideoUpdate(&record, update)
	record.UpdatedAt = time.Now().UTC()
	s.data.Videos[id] = record
	if err := s.persist(); err != nil {
		s.data.Videos[id] = previous
		return models.VideoRecord{}, err
	}
	return cloneVideo(record), nil
}

func (s *Storage) DeleteVideo(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.data.Videos[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.data.Videos, id)
	if err := s.persist(); err != nil {
		s.data.Videos[id] = record
		return err
	}
	return nil
}

// CreateStream registers a stream and returns the plaintext stream key. The
// key is only available at creation time; the store retains just the hash.
func (s *Storage) CreateStream(params CreateStreamParams) (models.Stream, string, error) {
	if strings.TrimSpace(params.Title) == "" {
		return models.Stream{}, "", errors.New("title is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := generateID()
	if err != nil {
		return models.Stream{}, "", err
	}
	key, err := generateStreamKey()
	if err != nil {
		return models.Stream{}, "", err
	}
	hash, err := hashStreamKey(key)
	if err != nil {
		return models.Stream{}, "", err
	}
	stream := models.Stream{
		ID:            id,
		OwnerID:       strings.TrimSpace(params.OwnerID),
		Title:         strings.TrimSpace(params.Title),
		Description:   strings.TrimSpace(params.Description),
		Category:      strings.TrimSpace(params.Category),
		StreamKeyHash: hash,
		State:         models.StreamCreated,
		CreatedAt:     time.Now().UTC(),
	}
	s.data.Streams[stream.ID] = stream
	if err := s.persist(); err != nil {
		delete(s.data.Streams, stream.ID)
		return models.Stream{}, "", err
	}
	return cloneStream(stream), key, nil
}

func (s *Storage) GetStream(id string) (models.Stream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.data.Streams[id]
	if !ok {
		return models.Stream{}, false
	}
	return cloneStream(stream), true
}

func (s *Storage) ListStreams(ownerID string) []models.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	streams := make([]models.Stream, 0, len(s.data.Streams))
	for _, stream := range s.data.Streams {
		if ownerID != "" && stream.OwnerID != ownerID {
			continue
		}
		streams = append(streams, cloneStream(stream))
	}
	sort.Slice(streams, func(i, j int) bool {
		if streams[i].CreatedAt.Equal(streams[j].CreatedAt) {
			return streams[i].ID < streams[j].ID
		}
		return streams[i].CreatedAt.After(streams[j].CreatedAt)
	})
	return streams
}

func (s *Storage) UpdateStream(id string, update StreamUpdate) (models.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.data.Streams[id]
	if !ok {
		return models.Stream{}, ErrNotFound
	}
	previous := stream
	applyStreamUpdate(&stream, update)
	s.data.Streams[id] = stream
	if err := s.persist(); err != nil {
		s.data.Streams[id] = previous
		return models.Stream{}, err
	}
	return cloneStream(stream), nil
}

func (s *Storage) AuthenticateStreamKey(id, key string) (models.Stream, error) {
	s.mu.RLock()
	stream, ok := s.data.Streams[id]
	s.mu.RUnlock()
	if !ok {
		return models.Stream{}, ErrNotFound
	}
	if err := verifyStreamKey(stream.StreamKeyHash, key); err != nil {
		return models.Stream{}, err
	}
	return cloneStream(stream), nil
}

func (s *Storage) DeleteStream(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.data.Streams[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.data.Streams, id)
	if err := s.persist(); err != nil {
		s.data.Streams[id] = stream
		return err
	}
	return nil
}

func applyVideoUpdate(record *models.VideoRecord, update VideoUpdate) {
	if update.Title != nil {
		record.Title = strings.TrimSpace(*update.Title)
	}
	if update.Description != nil {
		record.Description = strings.TrimSpace(*update.Description)
	}
	if update.Category != nil {
		record.Category = strings.TrimSpace(*update.Category)
	}
	if update.ManifestURL != nil {
		record.ManifestURL = *update.ManifestURL
	}
	if update.ThumbnailURL != nil {
		record.ThumbnailURL = *update.ThumbnailURL
	}
	if update.TagAnalysis != nil {
		analysis := cloneTagAnalysis(*update.TagAnalysis)
		record.TagAnalysis = &analysis
	}
	if update.ProcessingStatus != nil {
		record.ProcessingStatus = *update.ProcessingStatus
	}
	if update.Error != nil {
		record.Error = *update.Error
	}
	if update.CompletedAt != nil {
		completed := *update.CompletedAt
		record.CompletedAt = &completed
	}
}

func applyStreamUpdate(stream *models.Stream, update StreamUpdate) {
	if update.State != nil {
		stream.State = *update.State
	}
	if update.RecordingPath != nil {
		stream.RecordingPath = *update.RecordingPath
	}
	if update.ArchiveID != nil {
		archiveID := *update.ArchiveID
		stream.ArchiveID = &archiveID
	}
	if update.StartedAt != nil {
		started := *update.StartedAt
		stream.StartedAt = &started
	}
	if update.EndedAt != nil {
		ended := *update.EndedAt
		stream.EndedAt = &ended
	}
}

func cloneVideo(record models.VideoRecord) models.VideoRecord {
	cloned := record
	if record.StreamID != nil {
		streamID := *record.StreamID
		cloned.StreamID = &streamID
	}
	if record.CompletedAt != nil {
		completed := *record.CompletedAt
		cloned.CompletedAt = &completed
	}
	if record.TagAnalysis != nil {
		analysis := cloneTagAnalysis(*record.TagAnalysis)
		cloned.TagAnalysis = &analysis
	}
	return cloned
}

func cloneStream(stream models.Stream) models.Stream {
	cloned := stream
	if stream.ArchiveID != nil {
		archiveID := *stream.ArchiveID
		cloned.ArchiveID = &archiveID
	}
	if stream.StartedAt != nil {
		started := *stream.StartedAt
		cloned.StartedAt = &started
	}
	if stream.EndedAt != nil {
		ended := *stream.EndedAt
		cloned.EndedAt = &ended
	}
	return cloned
}

func cloneTagAnalysis(src models.TagAnalysis) models.TagAnalysis {
	cloned := src
	if src.UniqueTags != nil {
		cloned.UniqueTags = append([]string(nil), src.UniqueTags...)
	}
	if src.TagCounts != nil {
		cloned.TagCounts = make(map[string]int, len(src.TagCounts))
		for tag, count := range src.TagCounts {
			cloned.TagCounts[tag] = count
		}
	}
	if src.Frames != nil {
		cloned.Frames = make([]models.FrameAnalysis, len(src.Frames))
		for i, frame := range src.Frames {
			clonedFrame := frame
			if frame.Objects != nil {
				clonedFrame.Objects = append([]models.DetectedObject(nil), frame.Objects...)
			}
			cloned.Frames[i] = clonedFrame
		}
	}
	return cloned
}

func generateID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

func generateStreamKey() (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate stream key: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(bytes)), nil
}

func hashStreamKey(key string) (string, error) {
	salt := make([]byte, streamKeyHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(key), salt, streamKeyHashIterations, streamKeyHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", streamKeyHashIterations, encodedSalt, encodedKey), nil
}

func verifyStreamKey(encodedHash, candidate string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify stream key: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify stream key: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify stream key: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify stream key: decode salt: %w", err)
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify stream key: decode hash: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if len(derived) != len(storedKey) || subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return ErrInvalidStreamKey
	}
	return nil
}
