// Package api exposes the HTTP surface for uploads, videos, and the stream
// registry, and owns the background processing worker pool.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vodforge/internal/models"
	"vodforge/internal/storage"
)

const defaultMaxUploadBytes = 500 << 20

// allowedUploadTypes is the mime allow-list for the upload endpoint.
var allowedUploadTypes = map[string]bool{
	"video/mp4":        true,
	"video/quicktime":  true,
	"video/x-msvideo":  true,
	"video/x-matroska": true,
	"video/webm":       true,
}

// Enqueuer schedules a registered video for background processing.
type Enqueuer interface {
	Enqueue(id string) error
}

// StreamArchiver turns an ended stream's recording into a video record.
type StreamArchiver interface {
	ArchiveStream(ctx context.Context, streamID string) (string, error)
}

// Handler serves the JSON API. Mode controls how much failure detail leaks to
// clients; anything but "production" includes the underlying message.
type Handler struct {
	Store          storage.Repository
	Processor      Enqueuer
	Archiver       StreamArchiver
	Logger         *slog.Logger
	UploadDir      string
	MaxUploadBytes int64
	Mode           string
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) maxUploadBytes() int64 {
	if h.MaxUploadBytes > 0 {
		return h.MaxUploadBytes
	}
	return defaultMaxUploadBytes
}

func (h *Handler) clientError(err error) error {
	if strings.EqualFold(strings.TrimSpace(h.Mode), "production") {
		return errors.New("video processing failed")
	}
	return err
}

type videoResponse struct {
	ID               string              `json:"id"`
	OwnerID          string              `json:"ownerId,omitempty"`
	Title            string              `json:"title"`
	Description      string              `json:"description,omitempty"`
	Category         string              `json:"category,omitempty"`
	OriginalFilename string              `json:"originalFilename,omitempty"`
	SizeBytes        int64               `json:"sizeBytes"`
	MimeType         string              `json:"mimeType,omitempty"`
	ManifestURL      string              `json:"manifestUrl,omitempty"`
	ThumbnailURL     string              `json:"thumbnailUrl,omitempty"`
	TagAnalysis      *models.TagAnalysis `json:"tagAnalysis,omitempty"`
	ProcessingStatus string              `json:"processingStatus"`
	Error            string              `json:"error,omitempty"`
	StreamID         *string             `json:"streamId,omitempty"`
	CreatedAt        string              `json:"createdAt"`
	UpdatedAt        string              `json:"updatedAt"`
	CompletedAt      *string             `json:"completedAt,omitempty"`
}

func newVideoResponse(record models.VideoRecord) videoResponse {
	resp := videoResponse{
		ID:               record.ID,
		OwnerID:          record.OwnerID,
		Title:            record.Title,
		Description:      record.Description,
		Category:         record.Category,
		OriginalFilename: record.OriginalFilename,
		SizeBytes:        record.SizeBytes,
		MimeType:         record.MimeType,
		ManifestURL:      record.ManifestURL,
		ThumbnailURL:     record.ThumbnailURL,
		TagAnalysis:      record.TagAnalysis,
		ProcessingStatus: record.ProcessingStatus,
		Error:            record.Error,
		StreamID:         record.StreamID,
		CreatedAt:        record.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:        record.UpdatedAt.Format(time.RFC3339Nano),
	}
	if record.CompletedAt != nil {
		completed := record.CompletedAt.Format(time.RFC3339Nano)
		resp.CompletedAt = &completed
	}
	return resp
}

type streamResponse struct {
	ID          string  `json:"id"`
	OwnerID     string  `json:"ownerId,omitempty"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Category    string  `json:"category,omitempty"`
	State       string  `json:"state"`
	ArchiveID   *string `json:"archiveId,omitempty"`
	CreatedAt   string  `json:"createdAt"`
	StartedAt   *string `json:"startedAt,omitempty"`
	EndedAt     *string `json:"endedAt,omitempty"`
}

func newStreamResponse(stream models.Stream) streamResponse {
	resp := streamResponse{
		ID:          stream.ID,
		OwnerID:     stream.OwnerID,
		Title:       stream.Title,
		Description: stream.Description,
		Category:    stream.Category,
		State:       stream.State,
		ArchiveID:   stream.ArchiveID,
		CreatedAt:   stream.CreatedAt.Format(time.RFC3339Nano),
	}
	if stream.StartedAt != nil {
		started := stream.StartedAt.Format(time.RFC3339Nano)
		resp.StartedAt = &started
	}
	if stream.EndedAt != nil {
		ended := stream.EndedAt.Format(time.RFC3339Nano)
		resp.EndedAt = &ended
	}
	return resp
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Videos handles the collection routes: POST uploads a new video, GET lists.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createVideo(w, r)
	case http.MethodGet:
		ownerID := strings.TrimSpace(r.URL.Query().Get("ownerId"))
		if ownerID == "" {
			ownerID = strings.TrimSpace(r.Header.Get("X-User-Id"))
		}
		records := h.Store.ListVideos(ownerID)
		responses := make([]videoResponse, 0, len(records))
		for _, record := range records {
			responses = append(responses, newVideoResponse(record))
		}
		writeJSON(w, http.StatusOK, responses)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) createVideo(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes())
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", h.maxUploadBytes()))
		return
	}
	title := strings.TrimSpace(r.FormValue("title"))
	if title == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("title is required"))
		return
	}
	file, header, err := r.FormFile("video")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("video file is required"))
		return
	}
	defer file.Close()

	mediaType, _, _ := strings.Cut(header.Header.Get("Content-Type"), ";")
	contentType := strings.ToLower(strings.TrimSpace(mediaType))
	if !allowedUploadTypes[contentType] {
		writeError(w, http.StatusUnsupportedMediaType, fmt.Errorf("unsupported media type %q", contentType))
		return
	}

	sourcePath, size, err := h.saveUpload(file, header.Filename)
	if err != nil {
		h.logger().Error("could not save upload", "error", err)
		writeError(w, http.StatusInternalServerError, h.clientError(err))
		return
	}

	record, err := h.Store.CreateVideo(storage.CreateVideoParams{
		OwnerID:          strings.TrimSpace(r.Header.Get("X-User-Id")),
		Title:            title,
		Description:      strings.TrimSpace(r.FormValue("description")),
		Category:         strings.TrimSpace(r.FormValue("category")),
		OriginalFilename: filepath.Base(header.Filename),
		SourcePath:       sourcePath,
		SizeBytes:        size,
		MimeType:         contentType,
	})
	if err != nil {
		_ = os.Remove(sourcePath)
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if h.Processor != nil {
		if err := h.Processor.Enqueue(record.ID); err != nil {
			h.logger().Error("could not enqueue video", "video_id", record.ID, "error", err)
		}
	}

	h.logger().Info("video registered",
		"video_id", record.ID,
		"size_bytes", size,
		"mime_type", contentType)
	writeJSON(w, http.StatusAccepted, newVideoResponse(record))
}

// saveUpload streams the multipart file into the upload directory under a
// generated name, keeping the original extension for the probe step.
func (h *Handler) saveUpload(file io.Reader, originalName string) (string, int64, error) {
	uploadDir := h.UploadDir
	if uploadDir == "" {
		uploadDir = os.TempDir()
	}
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create upload dir: %w", err)
	}
	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		return "", 0, fmt.Errorf("generate upload name: %w", err)
	}
	name := fmt.Sprintf("upload-%d-%s%s",
		time.Now().UnixNano(),
		hex.EncodeToString(suffix),
		strings.ToLower(filepath.Ext(originalName)))
	path := filepath.Join(uploadDir, name)

	out, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("create upload file: %w", err)
	}
	size, err := io.Copy(out, file)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("write upload file: %w", err)
	}
	return path, size, nil
}

// VideoByID handles GET and DELETE for a single record.
func (h *Handler) VideoByID(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/videos/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("video not found"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		record, ok := h.Store.GetVideo(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", id))
			return
		}
		writeJSON(w, http.StatusOK, newVideoResponse(record))
	case http.MethodDelete:
		record, ok := h.Store.GetVideo(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", id))
			return
		}
		if err := h.Store.DeleteVideo(id); err != nil {
			writeError(w, http.StatusInternalServerError, h.clientError(err))
			return
		}
		if record.SourcePath != "" {
			if err := os.Remove(record.SourcePath); err != nil && !os.IsNotExist(err) {
				h.logger().Warn("could not remove source file", "path", record.SourcePath, "error", err)
			}
		}
		writeJSON(w, http.StatusNoContent, nil)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

type createStreamRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type endStreamRequest struct {
	RecordingPath string `json:"recordingPath"`
}

// Streams handles the collection routes: POST registers, GET lists.
func (h *Handler) Streams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createStreamRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		stream, key, err := h.Store.CreateStream(storage.CreateStreamParams{
			OwnerID:     strings.TrimSpace(r.Header.Get("X-User-Id")),
			Title:       req.Title,
			Description: req.Description,
			Category:    req.Category,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp := struct {
			streamResponse
			StreamKey string `json:"streamKey"`
		}{newStreamResponse(stream), key}
		writeJSON(w, http.StatusCreated, resp)
	case http.MethodGet:
		ownerID := strings.TrimSpace(r.Header.Get("X-User-Id"))
		streams := h.Store.ListStreams(ownerID)
		responses := make([]streamResponse, 0, len(streams))
		for _, stream := range streams {
			responses = append(responses, newStreamResponse(stream))
		}
		writeJSON(w, http.StatusOK, responses)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// StreamByID routes /api/v1/streams/{id}[/start|/end].
func (h *Handler) StreamByID(w http.ResponseWriter, r *http.Request) {
	remainder := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/streams/"), "/")
	parts := strings.SplitN(remainder, "/", 2)
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("stream not found"))
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		stream, ok := h.Store.GetStream(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("stream %s not found", id))
			return
		}
		writeJSON(w, http.StatusOK, newStreamResponse(stream))
	case "start":
		h.startStream(w, r, id)
	case "end":
		h.endStream(w, r, id)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown stream action %q", action))
	}
}

func (h *Handler) startStream(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	key := strings.TrimSpace(r.Header.Get("X-Stream-Key"))
	if _, err := h.Store.AuthenticateStreamKey(id, key); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("stream %s not found", id))
			return
		}
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid stream key"))
		return
	}
	state := models.StreamLive
	started := time.Now().UTC()
	stream, err := h.Store.UpdateStream(id, storage.StreamUpdate{State: &state, StartedAt: &started})
	if err != nil {
		writeError(w, http.StatusInternalServerError, h.clientError(err))
		return
	}
	h.logger().Info("stream started", "stream_id", id)
	writeJSON(w, http.StatusOK, newStreamResponse(stream))
}

func (h *Handler) endStream(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	key := strings.TrimSpace(r.Header.Get("X-Stream-Key"))
	if _, err := h.Store.AuthenticateStreamKey(id, key); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("stream %s not found", id))
			return
		}
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid stream key"))
		return
	}
	var req endStreamRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	state := models.StreamEnded
	ended := time.Now().UTC()
	update := storage.StreamUpdate{State: &state, EndedAt: &ended}
	if recording := strings.TrimSpace(req.RecordingPath); recording != "" {
		update.RecordingPath = &recording
	}
	stream, err := h.Store.UpdateStream(id, update)
	if err != nil {
		writeError(w, http.StatusInternalServerError, h.clientError(err))
		return
	}
	h.logger().Info("stream ended", "stream_id", id, "recording", stream.RecordingPath)

	// Archival is best effort: the stream ends cleanly even when the
	// recording cannot be processed.
	if h.Archiver != nil && stream.RecordingPath != "" {
		if videoID, err := h.Archiver.ArchiveStream(r.Context(), id); err != nil {
			h.logger().Warn("stream archival failed", "stream_id", id, "error", err)
		} else {
			refreshed, ok := h.Store.GetStream(id)
			if ok {
				stream = refreshed
			}
			h.logger().Info("stream recording archived", "stream_id", id, "video_id", videoID)
		}
	}
	writeJSON(w, http.StatusOK, newStreamResponse(stream))
}
