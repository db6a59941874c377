package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vodforge/internal/models"
)

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	AcquireTimeout  time.Duration
	ApplicationName string
	QueryTimeout    time.Duration
}

const defaultPostgresQueryTimeout = 10 * time.Second

type postgresRepository struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// schema exists.
func NewPostgresRepository(cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &postgresRepository{pool: pool, queryTimeout: cfg.QueryTimeout}
	if repo.queryTimeout <= 0 {
		repo.queryTimeout = defaultPostgresQueryTimeout
	}
	if err := repo.ensureSchema(); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) ensureSchema() error {
	ctx, cancel := r.queryContext()
	defer cancel()
	_, err := r.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS videos (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    original_filename TEXT NOT NULL DEFAULT '',
    source_path TEXT NOT NULL,
    size_bytes BIGINT NOT NULL DEFAULT 0,
    mime_type TEXT NOT NULL DEFAULT '',
    manifest_url TEXT NOT NULL DEFAULT '',
    thumbnail_url TEXT NOT NULL DEFAULT '',
    tag_analysis JSONB,
    processing_status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    stream_id TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS videos_status_idx ON videos (processing_status);
CREATE TABLE IF NOT EXISTS streams (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    stream_key_hash TEXT NOT NULL,
    state TEXT NOT NULL,
    recording_path TEXT NOT NULL DEFAULT '',
    archive_id TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    started_at TIMESTAMPTZ,
    ended_at TIMESTAMPTZ
);
`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (r *postgresRepository) queryContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.queryTimeout)
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const videoColumns = `id, owner_id, title, description, category, original_filename,
source_path, size_bytes, mime_type, manifest_url, thumbnail_url, tag_analysis,
processing_status, error, stream_id, created_at, updated_at, completed_at`

func (r *postgresRepository) CreateVideo(params CreateVideoParams) (models.VideoRecord, error) {
	if strings.TrimSpace(params.Title) == "" {
		return models.VideoRecord{}, errors.New("title is required")
	}
	if strings.TrimSpace(params.SourcePath) == "" {
		return models.VideoRecord{}, errors.New("source path is required")
	}
	id, err := generateID()
	if err != nil {
		return models.VideoRecord{}, err
	}
	now := time.Now().UTC()
	var streamID *string
	if trimmed := strings.TrimSpace(params.StreamID); trimmed != "" {
		streamID = &trimmed
	}

	ctx, cancel := r.queryContext()
	defer cancel()
	_, err = r.pool.Exec(ctx, `
INSERT INTO videos (id, owner_id, title, description, category, original_filename,
    source_path, size_bytes, mime_type, processing_status, stream_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
		id,
		strings.TrimSpace(params.OwnerID),
		strings.TrimSpace(params.Title),
		strings.TrimSpace(params.Description),
		strings.TrimSpace(params.Category),
		params.OriginalFilename,
		params.SourcePath,
		params.SizeBytes,
		params.MimeType,
		models.ProcessingUploaded,
		streamID,
		now,
	)
	if err != nil {
		return models.VideoRecord{}, fmt.Errorf("insert video: %w", err)
	}
	record, _, err := r.getVideo(id)
	return record, err
}

func (r *postgresRepository) GetVideo(id string) (models.VideoRecord, bool) {
	record, found, err := r.getVideo(id)
	if err != nil {
		return models.VideoRecord{}, false
	}
	return record, found
}

func (r *postgresRepository) getVideo(id string) (models.VideoRecord, bool, error) {
	ctx, cancel := r.queryContext()
	defer cancel()
	row := r.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id)
	record, err := scanVideo(row)
	if isNoRows(err) {
		return models.VideoRecord{}, false, nil
	}
	if err != nil {
		return models.VideoRecord{}, false, err
	}
	return record, true, nil
}

func (r *postgresRepository) ListVideos(ownerID string) []models.VideoRecord {
	ctx, cancel := r.queryContext()
	defer cancel()
	query := `SELECT ` + videoColumns + ` FROM videos ORDER BY created_at DESC, id`
	args := []any{}
	if ownerID != "" {
		query = `SELECT ` + videoColumns + ` FROM videos WHERE owner_id = $1 ORDER BY created_at DESC, id`
		args = append(args, ownerID)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()
	return collectVideos(rows)
}

func (r *postgresRepository) ListVideosByStatus(statuses ...string) []models.VideoRecord {
	if len(statuses) == 0 {
		return nil
	}
	ctx, cancel := r.queryContext()
	defer cancel()
	rows, err := r.pool.Query(ctx,
		`SELECT `+videoColumns+` FROM videos WHERE processing_status = ANY($1) ORDER BY created_at, id`,
		statuses)
	if err != nil {
		return nil
	}
	defer rows.Close()
	return collectVideos(rows)
}

func (r *postgresRepository) UpdateVideo(id string, update VideoUpdate) (models.VideoRecord, error) {
	set := []string{"updated_at = now()"}
	args := []any{id}
	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if update.Title != nil {
		add("title", strings.TrimSpace(*update.Title))
	}
	if update.Description != nil {
		add("description", strings.TrimSpace(*update.Description))
	}
	if update.Category != nil {
		add("category", strings.TrimSpace(*update.Category))
	}
	if update.ManifestURL != nil {
		add("manifest_url", *update.ManifestURL)
	}
	if update.ThumbnailURL != nil {
		add("thumbnail_url", *update.ThumbnailURL)
	}
	if update.TagAnalysis != nil {
		add("tag_analysis", *update.TagAnalysis)
	}
	if update.ProcessingStatus != nil {
		add("processing_status", *update.ProcessingStatus)
	}
	if update.Error != nil {
		add("error", *update.Error)
	}
	if update.CompletedAt != nil {
		add("completed_at", *update.CompletedAt)
	}

	ctx, cancel := r.queryContext()
	defer cancel()
	tag, err := r.pool.Exec(ctx,
		`UPDATE videos SET `+strings.Join(set, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return models.VideoRecord{}, fmt.Errorf("update video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.VideoRecord{}, ErrNotFound
	}
	record, found, err := r.getVideo(id)
	if err != nil {
		return models.VideoRecord{}, err
	}
	if !found {
		return models.VideoRecord{}, ErrNotFound
	}
	return record, nil
}

func (r *postgresRepository) DeleteVideo(id string) error {
	ctx, cancel := r.queryContext()
	defer cancel()
	tag, err := r.pool.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const streamColumns = `id, owner_id, title, description, category, stream_key_hash,
state, recording_path, archive_id, created_at, started_at, ended_at`

func (r *postgresRepository) CreateStream(params CreateStreamParams) (models.Stream, string, error) {
	if strings.TrimSpace(params.Title) == "" {
		return models.Stream{}, "", errors.New("title is required")
	}
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

	ctx, cancel := r.queryContext()
	defer cancel()
	_, err = r.pool.Exec(ctx, `
INSERT INTO streams (id, owner_id, title, description, category, stream_key_hash, state, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id,
		strings.TrimSpace(params.OwnerID),
		strings.TrimSpace(params.Title),
		strings.TrimSpace(params.Description),
		strings.TrimSpace(params.Category),
		hash,
		models.StreamCreated,
		time.Now().UTC(),
	)
	if err != nil {
		return models.Stream{}, "", fmt.Errorf("insert stream: %w", err)
	}
	stream, _, err := r.getStream(id)
	return stream, key, err
}

func (r *postgresRepository) GetStream(id string) (models.Stream, bool) {
	stream, found, err := r.getStream(id)
	if err != nil {
		return models.Stream{}, false
	}
	return stream, found
}

func (r *postgresRepository) getStream(id string) (models.Stream, bool, error) {
	ctx, cancel := r.queryContext()
	defer cancel()
	row := r.pool.QueryRow(ctx, `SELECT `+streamColumns+` FROM streams WHERE id = $1`, id)
	stream, err := scanStream(row)
	if isNoRows(err) {
		return models.Stream{}, false, nil
	}
	if err != nil {
		return models.Stream{}, false, err
	}
	return stream, true, nil
}

func (r *postgresRepository) ListStreams(ownerID string) []models.Stream {
	ctx, cancel := r.queryContext()
	defer cancel()
	query := `SELECT ` + streamColumns + ` FROM streams ORDER BY created_at DESC, id`
	args := []any{}
	if ownerID != "" {
		query = `SELECT ` + streamColumns + ` FROM streams WHERE owner_id = $1 ORDER BY created_at DESC, id`
		args = append(args, ownerID)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var streams []models.Stream
	for rows.Next() {
		stream, err := scanStream(rows)
		if err != nil {
			return streams
		}
		streams = append(streams, stream)
	}
	return streams
}

func (r *postgresRepository) UpdateStream(id string, update StreamUpdate) (models.Stream, error) {
	set := []string{}
	args := []any{id}
	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if update.State != nil {
		add("state", *update.State)
	}
	if update.RecordingPath != nil {
		add("recording_path", *update.RecordingPath)
	}
	if update.ArchiveID != nil {
		add("archive_id", *update.ArchiveID)
	}
	if update.StartedAt != nil {
		add("started_at", *update.StartedAt)
	}
	if update.EndedAt != nil {
		add("ended_at", *update.EndedAt)
	}
	if len(set) == 0 {
		stream, found, err := r.getStream(id)
		if err != nil {
			return models.Stream{}, err
		}
		if !found {
			return models.Stream{}, ErrNotFound
		}
		return stream, nil
	}

	ctx, cancel := r.queryContext()
	defer cancel()
	tag, err := r.pool.Exec(ctx,
		`UPDATE streams SET `+strings.Join(set, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return models.Stream{}, fmt.Errorf("update stream: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Stream{}, ErrNotFound
	}
	stream, found, err := r.getStream(id)
	if err != nil {
		return models.Stream{}, err
	}
	if !found {
		return models.Stream{}, ErrNotFound
	}
	return stream, nil
}

func (r *postgresRepository) AuthenticateStreamKey(id, key string) (models.Stream, error) {
	stream, found, err := r.getStream(id)
	if err != nil {
		return models.Stream{}, err
	}
	if !found {
		return models.Stream{}, ErrNotFound
	}
	if err := verifyStreamKey(stream.StreamKeyHash, key); err != nil {
		return models.Stream{}, err
	}
	return stream, nil
}

func (r *postgresRepository) DeleteStream(id string) error {
	ctx, cancel := r.queryContext()
	defer cancel()
	tag, err := r.pool.Exec(ctx, `DELETE FROM streams WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete stream: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(row rowScanner) (models.VideoRecord, error) {
	var record models.VideoRecord
	err := row.Scan(
		&record.ID,
		&record.OwnerID,
		&record.Title,
		&record.Description,
		&record.Category,
		&record.OriginalFilename,
		&record.SourcePath,
		&record.SizeBytes,
		&record.MimeType,
		&record.ManifestURL,
		&record.ThumbnailURL,
		&record.TagAnalysis,
		&record.ProcessingStatus,
		&record.Error,
		&record.StreamID,
		&record.CreatedAt,
		&record.UpdatedAt,
		&record.CompletedAt,
	)
	return record, err
}

func scanStream(row rowScanner) (models.Stream, error) {
	var stream models.Stream
	err := row.Scan(
		&stream.ID,
		&stream.OwnerID,
		&stream.Title,
		&stream.Description,
		&stream.Category,
		&stream.StreamKeyHash,
		&stream.State,
		&stream.RecordingPath,
		&stream.ArchiveID,
		&stream.CreatedAt,
		&stream.StartedAt,
		&stream.EndedAt,
	)
	return stream, err
}

func collectVideos(rows pgx.Rows) []models.VideoRecord {
	var records []models.VideoRecord
	for rows.Next() {
		record, err := scanVideo(rows)
		if err != nil {
			return records
		}
		records = append(records, record)
	}
	return records
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

var _ Repository = (*postgresRepository)(nil)
