// Command transcoder runs the transcode worker pool without the HTTP API.
// Several instances may subscribe to the same Redis stream; the consumer
// group hands each job to exactly one of them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"reelstream/internal/media"
	"reelstream/internal/observability/logging"
	"reelstream/internal/observability/metrics"
	"reelstream/internal/pipeline"
	"reelstream/internal/storage"
)

func main() {
	dataPathFlag := flag.String("data", "", "path to the JSON datastore file (env REELSTREAM_DATA_PATH)")
	storageDriverFlag := flag.String("storage-driver", "", "datastore driver: json or postgres (env REELSTREAM_STORAGE_DRIVER)")
	postgresDSNFlag := flag.String("postgres-dsn", "", "Postgres connection string (env REELSTREAM_POSTGRES_DSN)")
	mediaRootFlag := flag.String("media-root", "", "root directory for originals and renditions (env REELSTREAM_MEDIA_ROOT)")
	ladderFlag := flag.String("ladder", "", "comma separated rendition heights (env REELSTREAM_LADDER)")
	ffmpegFlag := flag.String("ffmpeg", "", "encoder binary (env REELSTREAM_FFMPEG)")
	encodeTimeoutFlag := flag.Duration("encode-timeout", 0, "per-invocation encoder timeout (env REELSTREAM_ENCODE_TIMEOUT)")
	segmentSecondsFlag := flag.Int("segment-seconds", 0, "HLS segment target duration in seconds (env REELSTREAM_SEGMENT_SECONDS)")
	workersFlag := flag.Int("workers", 0, "concurrent transcode jobs (env REELSTREAM_WORKERS)")
	queueSizeFlag := flag.Int("queue-size", 0, "pending transcode job buffer (env REELSTREAM_QUEUE_SIZE)")
	encodeConcurrencyFlag := flag.Int("encode-concurrency", 0, "parallel renditions per job (env REELSTREAM_ENCODE_CONCURRENCY)")
	jobTimeoutFlag := flag.Duration("job-timeout", 0, "whole-job deadline covering every rendition (env REELSTREAM_JOB_TIMEOUT)")
	flatRenditionsFlag := flag.Bool("flat-renditions", false, "also produce progressive MP4 downloads per resolution (env REELSTREAM_FLAT_RENDITIONS)")
	thumbnailAtFlag := flag.Float64("thumbnail-at", 0, "timestamp in seconds for the poster frame (env REELSTREAM_THUMBNAIL_AT)")
	redisAddrFlag := flag.String("redis-addr", "", "Redis address (env REELSTREAM_REDIS_ADDR)")
	redisAddrsFlag := flag.String("redis-addrs", "", "comma separated Redis addresses (env REELSTREAM_REDIS_ADDRS)")
	redisUsernameFlag := flag.String("redis-username", "", "Redis username (env REELSTREAM_REDIS_USERNAME)")
	redisPasswordFlag := flag.String("redis-password", "", "Redis password (env REELSTREAM_REDIS_PASSWORD)")
	redisStreamFlag := flag.String("redis-stream", "", "Redis stream carrying transcode jobs (env REELSTREAM_REDIS_STREAM)")
	redisGroupFlag := flag.String("redis-group", "", "Redis consumer group name (env REELSTREAM_REDIS_GROUP)")
	redisMasterFlag := flag.String("redis-master", "", "Redis sentinel master name (env REELSTREAM_REDIS_MASTER)")
	logLevelFlag := flag.String("log-level", "", "log level: debug, info, warn, error (env REELSTREAM_LOG_LEVEL)")
	logFormatFlag := flag.String("log-format", "", "log format: json or text (env REELSTREAM_LOG_FORMAT)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevelFlag, os.Getenv("REELSTREAM_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormatFlag, os.Getenv("REELSTREAM_LOG_FORMAT")),
	})

	mediaRoot := firstNonEmpty(*mediaRootFlag, os.Getenv("REELSTREAM_MEDIA_ROOT"), "media")
	ladder, err := resolveLadder(firstNonEmpty(*ladderFlag, os.Getenv("REELSTREAM_LADDER")))
	if err != nil {
		logger.Error("invalid rendition ladder", "error", err)
		os.Exit(1)
	}
	layout, err := media.NewLayout(mediaRoot, ladder)
	if err != nil {
		logger.Error("invalid media layout", "error", err)
		os.Exit(1)
	}

	store, closeStore, err := openStore(
		firstNonEmpty(*storageDriverFlag, os.Getenv("REELSTREAM_STORAGE_DRIVER"), "json"),
		firstNonEmpty(*dataPathFlag, os.Getenv("REELSTREAM_DATA_PATH"), "data/reelstream.json"),
		firstNonEmpty(*postgresDSNFlag, os.Getenv("REELSTREAM_POSTGRES_DSN")),
	)
	if err != nil {
		logger.Error("initialize datastore", "error", err)
		os.Exit(1)
	}

	encoder := media.NewEncoder(media.EncoderConfig{
		Binary:         firstNonEmpty(*ffmpegFlag, os.Getenv("REELSTREAM_FFMPEG")),
		Timeout:        resolveDuration(*encodeTimeoutFlag, "REELSTREAM_ENCODE_TIMEOUT", 0),
		SegmentSeconds: resolveInt(*segmentSecondsFlag, "REELSTREAM_SEGMENT_SECONDS", 0),
		Logger:         logging.WithComponent(logger, "encoder"),
	})

	addr := firstNonEmpty(*redisAddrFlag, os.Getenv("REELSTREAM_REDIS_ADDR"))
	addrs := splitAndTrim(firstNonEmpty(*redisAddrsFlag, os.Getenv("REELSTREAM_REDIS_ADDRS")))
	if addr == "" && len(addrs) == 0 {
		logger.Error("redis address required", "hint", "set --redis-addr or REELSTREAM_REDIS_ADDR")
		os.Exit(1)
	}
	queue, err := pipeline.NewRedisQueue(pipeline.RedisQueueConfig{
		Addr:       addr,
		Addrs:      addrs,
		Username:   firstNonEmpty(*redisUsernameFlag, os.Getenv("REELSTREAM_REDIS_USERNAME")),
		Password:   firstNonEmpty(*redisPasswordFlag, os.Getenv("REELSTREAM_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*redisStreamFlag, os.Getenv("REELSTREAM_REDIS_STREAM")),
		Group:      firstNonEmpty(*redisGroupFlag, os.Getenv("REELSTREAM_REDIS_GROUP")),
		MasterName: firstNonEmpty(*redisMasterFlag, os.Getenv("REELSTREAM_REDIS_MASTER")),
		Logger:     logging.WithComponent(logger, "queue"),
	})
	if err != nil {
		logger.Error("initialize job queue", "error", err)
		os.Exit(1)
	}

	// Replicas on the same stream serialize same-video jobs through the
	// queue's shared locker.
	var locker pipeline.JobLocker
	if provider, ok := queue.(interface{ JobLocker() pipeline.JobLocker }); ok {
		locker = provider.JobLocker()
	}

	processor := pipeline.NewProcessor(pipeline.ProcessorConfig{
		Store:              store,
		Encoder:            encoder,
		Layout:             layout,
		Workers:            resolveInt(*workersFlag, "REELSTREAM_WORKERS", 0),
		QueueSize:          resolveInt(*queueSizeFlag, "REELSTREAM_QUEUE_SIZE", 0),
		Timeout:            resolveDuration(*jobTimeoutFlag, "REELSTREAM_JOB_TIMEOUT", 0),
		EncodeConcurrency:  resolveInt(*encodeConcurrencyFlag, "REELSTREAM_ENCODE_CONCURRENCY", 0),
		FlatRenditions:     resolveBool(*flatRenditionsFlag, "REELSTREAM_FLAT_RENDITIONS"),
		ThumbnailAtSeconds: resolveFloat(*thumbnailAtFlag, "REELSTREAM_THUMBNAIL_AT", 0),
		Locker:             locker,
		Logger:             logging.WithComponent(logger, "pipeline"),
		Metrics:            metrics.Default(),
	})

	processor.Start()
	dispatcher := pipeline.NewDispatcher(queue, processor, logging.WithComponent(logger, "dispatcher"))
	dispatcher.Start()
	logger.Info("worker started", "media_root", mediaRoot)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	dispatcher.Close()
	if err := processor.Shutdown(shutdownCtx); err != nil {
		logger.Warn("processor shutdown incomplete", "error", err)
	}
	if closer, ok := queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("close job queue", "error", err)
		}
	}
	if closeStore != nil {
		if err := closeStore(shutdownCtx); err != nil {
			logger.Warn("close datastore", "error", err)
		}
	}
	logger.Info("worker stopped")
}

func openStore(driver, dataPath, dsn string) (storage.Repository, func(context.Context) error, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "json":
		store, err := storage.NewStorage(dataPath)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	case "postgres":
		if dsn == "" {
			return nil, nil, fmt.Errorf("postgres driver requires a DSN")
		}
		store, err := storage.NewPostgresRepository(dsn, storage.WithPostgresApplicationName("reelstream-transcoder"))
		if err != nil {
			return nil, nil, err
		}
		closer := func(ctx context.Context) error {
			if c, ok := store.(interface{ Close(context.Context) error }); ok {
				return c.Close(ctx)
			}
			return nil
		}
		return store, closer, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

func resolveLadder(raw string) ([]int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := splitAndTrim(raw)
	heights := make([]int, 0, len(parts))
	for _, part := range parts {
		height, err := strconv.Atoi(part)
		if err != nil || height <= 0 {
			return nil, fmt.Errorf("invalid rendition height %q", part)
		}
		heights = append(heights, height)
	}
	return heights, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

func resolveInt(flagValue int, envKey string, fallback int) int {
	if flagValue != 0 {
		return flagValue
	}
	if raw := os.Getenv(envKey); raw != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			return parsed
		}
	}
	return fallback
}

func resolveFloat(flagValue float64, envKey string, fallback float64) float64 {
	if flagValue != 0 {
		return flagValue
	}
	if raw := os.Getenv(envKey); raw != "" {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue != 0 {
		return flagValue
	}
	if raw := os.Getenv(envKey); raw != "" {
		if parsed, err := time.ParseDuration(strings.TrimSpace(raw)); err == nil {
			return parsed
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if raw := os.Getenv(envKey); raw != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
			return parsed
		}
	}
	return false
}
