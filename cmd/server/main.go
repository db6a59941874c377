// Command server starts the VodForge ingestion and transcoding API service.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"vodforge/internal/api"
	"vodforge/internal/events"
	"vodforge/internal/media/analyzer"
	"vodforge/internal/media/ffmpeg"
	"vodforge/internal/media/frames"
	"vodforge/internal/media/hls"
	"vodforge/internal/media/tags"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/pipeline"
	"vodforge/internal/server"
	"vodforge/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")

	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")

	uploadDir := flag.String("upload-dir", "", "directory where uploaded source files are stored")
	workDir := flag.String("work-dir", "", "scratch directory for pipeline runs")
	maxUploadBytes := flag.Int64("max-upload-bytes", 0, "maximum accepted upload size in bytes")
	workers := flag.Int("workers", 0, "number of pipeline worker goroutines")
	queueSize := flag.Int("queue-size", 0, "pending video queue capacity")
	runTimeout := flag.Duration("run-timeout", 0, "maximum duration for a single pipeline run")

	ffmpegPath := flag.String("ffmpeg-path", "", "path to the ffmpeg binary")
	ffprobePath := flag.String("ffprobe-path", "", "path to the ffprobe binary")
	segmentSeconds := flag.Int("segment-seconds", 0, "HLS segment duration in seconds")

	frameStrategy := flag.String("frame-strategy", "", "frame sampling strategy (fixed-count, fixed-fps, keyframes)")
	frameCount := flag.Int("frame-count", 0, "frames to sample with the fixed-count strategy")
	frameFPS := flag.Float64("frame-fps", 0, "sampling rate for the fixed-fps strategy")
	frameMax := flag.Int("frame-max", 0, "upper bound on sampled frames per video")
	frameSize := flag.String("frame-size", "", "sampled frame dimensions (e.g. 640x360)")

	analyzerCommand := flag.String("analyzer-command", "", "object detection command invoked per frame")
	analyzerArgs := flag.String("analyzer-args", "", "comma separated arguments passed before the frame path")
	analyzerTimeout := flag.Duration("analyzer-timeout", 0, "per-frame analyzer timeout")
	analysisBatch := flag.Int("analysis-batch", 0, "maximum concurrent analyzer invocations")
	minConfidence := flag.Float64("min-confidence", 0, "minimum detection confidence kept in the tag summary")

	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint (e.g. http://127.0.0.1:9000)")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	objectUseSSL := flag.Bool("object-use-ssl", false, "enable TLS for object storage requests")
	objectPrefix := flag.String("object-prefix", "", "object storage key prefix for published packages")
	objectPublicEndpoint := flag.String("object-public-endpoint", "", "public endpoint used for playback URLs")

	eventsRedisAddr := flag.String("events-redis-addr", "", "Redis address for pipeline event publication")
	eventsRedisAddrs := flag.String("events-redis-addrs", "", "comma separated Redis addresses for pipeline events")
	eventsRedisUsername := flag.String("events-redis-username", "", "Redis username for pipeline events")
	eventsRedisPassword := flag.String("events-redis-password", "", "Redis password for pipeline events")
	eventsRedisStream := flag.String("events-redis-stream", "", "Redis stream key for pipeline events")
	eventsRedisMasterName := flag.String("events-redis-sentinel-master", "", "Redis sentinel master name for pipeline events")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("VODFORGE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("VODFORGE_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("VODFORGE_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("VODFORGE_ADDR"))

	postgresDefaultDSN := strings.TrimSpace(firstNonEmpty(*postgresDSN, os.Getenv("VODFORGE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
	driver, err := resolveStorageDriver(*storageDriver, os.Getenv("VODFORGE_STORAGE_DRIVER"), postgresDefaultDSN)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}

	var store storage.Repository
	switch driver {
	case "json":
		dataFile := resolveDataPath(*dataPath, os.Getenv("VODFORGE_DATA"))
		store, err = storage.NewStorage(dataFile)
	case "postgres":
		if postgresDefaultDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		store, err = storage.NewPostgresRepository(storage.PostgresConfig{
			DSN:             postgresDefaultDSN,
			MaxConnections:  int32(resolveInt(*postgresMaxConns, "VODFORGE_POSTGRES_MAX_CONNS")),
			MinConnections:  int32(resolveInt(*postgresMinConns, "VODFORGE_POSTGRES_MIN_CONNS")),
			MaxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "VODFORGE_POSTGRES_MAX_CONN_LIFETIME", 0),
			MaxConnIdleTime: resolveDuration(*postgresMaxConnIdle, "VODFORGE_POSTGRES_MAX_CONN_IDLE", 0),
			AcquireTimeout:  resolveDuration(*postgresAcquireTimeout, "VODFORGE_POSTGRES_ACQUIRE_TIMEOUT", 0),
			ApplicationName: firstNonEmpty(*postgresAppName, os.Getenv("VODFORGE_POSTGRES_APP_NAME")),
		})
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	objectCfg := storage.ObjectStorageConfig{
		Endpoint:       firstNonEmpty(*objectEndpoint, os.Getenv("VODFORGE_OBJECT_ENDPOINT")),
		Region:         firstNonEmpty(*objectRegion, os.Getenv("VODFORGE_OBJECT_REGION")),
		AccessKey:      firstNonEmpty(*objectAccessKey, os.Getenv("VODFORGE_OBJECT_ACCESS_KEY")),
		SecretKey:      firstNonEmpty(*objectSecretKey, os.Getenv("VODFORGE_OBJECT_SECRET_KEY")),
		Bucket:         firstNonEmpty(*objectBucket, os.Getenv("VODFORGE_OBJECT_BUCKET")),
		UseSSL:         resolveBool(*objectUseSSL, "VODFORGE_OBJECT_USE_SSL"),
		PublicEndpoint: firstNonEmpty(*objectPublicEndpoint, os.Getenv("VODFORGE_OBJECT_PUBLIC_ENDPOINT")),
	}
	objectClient := storage.NewObjectStorage(objectCfg)
	if !objectClient.Enabled() {
		logger.Warn("object storage not configured, published packages stay local")
	}
	publisher := storage.NewPublisher(objectClient, logging.WithComponent(logger, "publisher"))

	encoder := ffmpeg.NewRunner(
		firstNonEmpty(*ffmpegPath, os.Getenv("VODFORGE_FFMPEG_PATH")),
		firstNonEmpty(*ffprobePath, os.Getenv("VODFORGE_FFPROBE_PATH")),
		logging.WithComponent(logger, "ffmpeg"),
	)

	sampler := frames.NewSampler(encoder, frames.Config{
		Strategy:  firstNonEmpty(*frameStrategy, os.Getenv("VODFORGE_FRAME_STRATEGY")),
		FPS:       resolveFloat(*frameFPS, "VODFORGE_FRAME_FPS"),
		Count:     resolveInt(*frameCount, "VODFORGE_FRAME_COUNT"),
		MaxFrames: resolveInt(*frameMax, "VODFORGE_FRAME_MAX"),
		Size:      firstNonEmpty(*frameSize, os.Getenv("VODFORGE_FRAME_SIZE")),
	}, logging.WithComponent(logger, "sampler"))
	thumbnailer := frames.NewThumbnailer(encoder, logging.WithComponent(logger, "thumbnailer"))

	invoker := analyzer.NewInvoker(
		firstNonEmpty(*analyzerCommand, os.Getenv("VODFORGE_ANALYZER_COMMAND")),
		splitAndTrim(firstNonEmpty(*analyzerArgs, os.Getenv("VODFORGE_ANALYZER_ARGS"))),
		logging.WithComponent(logger, "analyzer"),
	)
	if timeout := resolveDuration(*analyzerTimeout, "VODFORGE_ANALYZER_TIMEOUT", 0); timeout > 0 {
		invoker.Timeout = timeout
	}
	aggregator := tags.NewAggregator(invoker, logging.WithComponent(logger, "tags"), recorder)
	if batch := resolveInt(*analysisBatch, "VODFORGE_ANALYSIS_BATCH"); batch > 0 {
		aggregator.BatchSize = batch
	}
	if confidence := resolveFloat(*minConfidence, "VODFORGE_MIN_CONFIDENCE"); confidence > 0 {
		aggregator.MinConfidence = confidence
	}

	packager := hls.NewPackager(encoder, logging.WithComponent(logger, "hls"))
	if seconds := resolveInt(*segmentSeconds, "VODFORGE_SEGMENT_SECONDS"); seconds > 0 {
		packager.SegmentSeconds = seconds
	}

	var eventPublisher events.Publisher = events.NoopPublisher{}
	redisAddr := firstNonEmpty(*eventsRedisAddr, os.Getenv("VODFORGE_EVENTS_REDIS_ADDR"))
	redisAddrs := splitAndTrim(firstNonEmpty(*eventsRedisAddrs, os.Getenv("VODFORGE_EVENTS_REDIS_ADDRS")))
	if redisAddr != "" || len(redisAddrs) > 0 {
		eventPublisher, err = events.NewRedisPublisher(events.RedisPublisherConfig{
			Addr:       redisAddr,
			Addrs:      redisAddrs,
			Username:   firstNonEmpty(*eventsRedisUsername, os.Getenv("VODFORGE_EVENTS_REDIS_USERNAME")),
			Password:   firstNonEmpty(*eventsRedisPassword, os.Getenv("VODFORGE_EVENTS_REDIS_PASSWORD")),
			Stream:     firstNonEmpty(*eventsRedisStream, os.Getenv("VODFORGE_EVENTS_REDIS_STREAM")),
			MasterName: firstNonEmpty(*eventsRedisMasterName, os.Getenv("VODFORGE_EVENTS_REDIS_SENTINEL_MASTER")),
			Logger:     logging.WithComponent(logger, "events"),
		})
		if err != nil {
			logger.Error("failed to configure event publisher", "error", err)
			os.Exit(1)
		}
	}

	workRoot := firstNonEmpty(*workDir, os.Getenv("VODFORGE_WORK_DIR"))
	if workRoot == "" {
		workRoot = "data/work"
	}
	orchestrator, err := pipeline.New(pipeline.Config{
		Store:       store,
		Sampler:     sampler,
		Thumbnailer: thumbnailer,
		Analyzer:    aggregator,
		Packager:    packager,
		Publisher:   publisher,
		Events:      eventPublisher,
		WorkRoot:    workRoot,
		KeyPrefix:   strings.TrimSpace(firstNonEmpty(*objectPrefix, os.Getenv("VODFORGE_OBJECT_PREFIX"))),
		RunTimeout:  resolveDuration(*runTimeout, "VODFORGE_RUN_TIMEOUT", 0),
		Logger:      logging.WithComponent(logger, "pipeline"),
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to initialise pipeline", "error", err)
		os.Exit(1)
	}

	processor := api.NewProcessor(api.ProcessorConfig{
		Store:     store,
		Runner:    orchestrator,
		Workers:   resolveInt(*workers, "VODFORGE_WORKERS"),
		QueueSize: resolveInt(*queueSize, "VODFORGE_QUEUE_SIZE"),
		Logger:    logging.WithComponent(logger, "processor"),
	})
	archiver := pipeline.NewArchiver(store, processor, eventPublisher, logging.WithComponent(logger, "archiver"))

	handler := &api.Handler{
		Store:          store,
		Processor:      processor,
		Archiver:       archiver,
		Logger:         logging.WithComponent(logger, "api"),
		UploadDir:      firstNonEmpty(*uploadDir, os.Getenv("VODFORGE_UPLOAD_DIR")),
		MaxUploadBytes: resolveInt64(*maxUploadBytes, "VODFORGE_MAX_UPLOAD_BYTES"),
		Mode:           serverMode,
	}

	tlsCfg := server.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, os.Getenv("VODFORGE_TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("VODFORGE_TLS_KEY")),
	}
	srv, err := server.New(handler, server.Config{
		Addr:    listenAddr,
		TLS:     tlsCfg,
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	processor.Start()

	errs := make(chan error, 1)
	go func() {
		logger.Info("VodForge API listening", "addr", listenAddr, "mode", serverMode)
		if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
			logger.Info("TLS enabled", "cert_file", tlsCfg.CertFile)
		}
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	if err := processor.Shutdown(ctx); err != nil {
		logger.Warn("failed to stop processor", "error", err)
	}
	if err := eventPublisher.Close(); err != nil {
		logger.Warn("failed to close event publisher", "error", err)
	}
	if err := store.Close(); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}

	logger.Info("server stopped")
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "json", nil
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/store.json"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt64(flagValue int64, envKey string) int64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseInt(strings.TrimSpace(env), 10, 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
