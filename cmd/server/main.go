package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"reelstream/internal/api"
	"reelstream/internal/auth"
	"reelstream/internal/media"
	"reelstream/internal/observability/logging"
	"reelstream/internal/observability/metrics"
	"reelstream/internal/pipeline"
	"reelstream/internal/server"
	"reelstream/internal/storage"
)

func main() {
	addrFlag := flag.String("addr", "", "listen address, e.g. :8080 (env REELSTREAM_ADDR)")
	dataPathFlag := flag.String("data", "", "path to the JSON datastore file (env REELSTREAM_DATA_PATH)")
	storageDriverFlag := flag.String("storage-driver", "", "datastore driver: json or postgres (env REELSTREAM_STORAGE_DRIVER)")
	postgresDSNFlag := flag.String("postgres-dsn", "", "Postgres connection string for the postgres driver (env REELSTREAM_POSTGRES_DSN)")
	postgresMaxConnsFlag := flag.Int("postgres-max-conns", 0, "Postgres pool upper bound (env REELSTREAM_POSTGRES_MAX_CONNS)")
	postgresMinConnsFlag := flag.Int("postgres-min-conns", 0, "Postgres pool lower bound (env REELSTREAM_POSTGRES_MIN_CONNS)")
	postgresConnLifetimeFlag := flag.Duration("postgres-conn-lifetime", 0, "Postgres connection max lifetime (env REELSTREAM_POSTGRES_CONN_LIFETIME)")
	postgresConnIdleFlag := flag.Duration("postgres-conn-idle", 0, "Postgres connection max idle time (env REELSTREAM_POSTGRES_CONN_IDLE)")
	postgresHealthFlag := flag.Duration("postgres-health-interval", 0, "Postgres pool health check interval (env REELSTREAM_POSTGRES_HEALTH_INTERVAL)")
	sessionStoreFlag := flag.String("session-store", "", "session store driver: memory or postgres (env REELSTREAM_SESSION_STORE)")
	sessionPostgresDSNFlag := flag.String("session-postgres-dsn", "", "Postgres connection string for sessions (env REELSTREAM_SESSION_POSTGRES_DSN)")
	sessionTTLFlag := flag.Duration("session-ttl", 0, "session lifetime (env REELSTREAM_SESSION_TTL)")
	mediaRootFlag := flag.String("media-root", "", "root directory for originals and renditions (env REELSTREAM_MEDIA_ROOT)")
	ladderFlag := flag.String("ladder", "", "comma separated rendition heights, e.g. 480,720,1080 (env REELSTREAM_LADDER)")
	ffmpegFlag := flag.String("ffmpeg", "", "encoder binary (env REELSTREAM_FFMPEG)")
	encodeTimeoutFlag := flag.Duration("encode-timeout", 0, "per-invocation encoder timeout (env REELSTREAM_ENCODE_TIMEOUT)")
	segmentSecondsFlag := flag.Int("segment-seconds", 0, "HLS segment target duration in seconds (env REELSTREAM_SEGMENT_SECONDS)")
	workersFlag := flag.Int("workers", 0, "concurrent transcode jobs (env REELSTREAM_WORKERS)")
	queueSizeFlag := flag.Int("queue-size", 0, "pending transcode job buffer (env REELSTREAM_QUEUE_SIZE)")
	encodeConcurrencyFlag := flag.Int("encode-concurrency", 0, "parallel renditions per job (env REELSTREAM_ENCODE_CONCURRENCY)")
	jobTimeoutFlag := flag.Duration("job-timeout", 0, "whole-job deadline covering every rendition (env REELSTREAM_JOB_TIMEOUT)")
	flatRenditionsFlag := flag.Bool("flat-renditions", false, "also produce progressive MP4 downloads per resolution (env REELSTREAM_FLAT_RENDITIONS)")
	thumbnailAtFlag := flag.Float64("thumbnail-at", 0, "timestamp in seconds for the poster frame (env REELSTREAM_THUMBNAIL_AT)")
	maxUploadFlag := flag.Int64("max-upload-bytes", 0, "multipart upload body limit (env REELSTREAM_MAX_UPLOAD_BYTES)")
	queueDriverFlag := flag.String("queue-driver", "", "job queue driver: memory or redis (env REELSTREAM_QUEUE_DRIVER)")
	redisAddrFlag := flag.String("redis-addr", "", "Redis address for the redis queue driver (env REELSTREAM_REDIS_ADDR)")
	redisAddrsFlag := flag.String("redis-addrs", "", "comma separated Redis addresses for cluster or sentinel (env REELSTREAM_REDIS_ADDRS)")
	redisUsernameFlag := flag.String("redis-username", "", "Redis username (env REELSTREAM_REDIS_USERNAME)")
	redisPasswordFlag := flag.String("redis-password", "", "Redis password (env REELSTREAM_REDIS_PASSWORD)")
	redisStreamFlag := flag.String("redis-stream", "", "Redis stream carrying transcode jobs (env REELSTREAM_REDIS_STREAM)")
	redisGroupFlag := flag.String("redis-group", "", "Redis consumer group name (env REELSTREAM_REDIS_GROUP)")
	redisMasterFlag := flag.String("redis-master", "", "Redis sentinel master name (env REELSTREAM_REDIS_MASTER)")
	redisTLSCAFlag := flag.String("redis-tls-ca", "", "CA bundle for Redis TLS (env REELSTREAM_REDIS_TLS_CA)")
	redisTLSCertFlag := flag.String("redis-tls-cert", "", "client certificate for Redis TLS (env REELSTREAM_REDIS_TLS_CERT)")
	redisTLSKeyFlag := flag.String("redis-tls-key", "", "client key for Redis TLS (env REELSTREAM_REDIS_TLS_KEY)")
	redisTLSServerNameFlag := flag.String("redis-tls-server-name", "", "expected Redis server name (env REELSTREAM_REDIS_TLS_SERVER_NAME)")
	redisTLSInsecureFlag := flag.Bool("redis-tls-insecure", false, "skip Redis certificate verification (env REELSTREAM_REDIS_TLS_INSECURE)")
	logLevelFlag := flag.String("log-level", "", "log level: debug, info, warn, error (env REELSTREAM_LOG_LEVEL)")
	logFormatFlag := flag.String("log-format", "", "log format: json or text (env REELSTREAM_LOG_FORMAT)")
	globalRPSFlag := flag.Float64("rate-limit-rps", 0, "global request rate limit, 0 disables (env REELSTREAM_RATE_LIMIT_RPS)")
	globalBurstFlag := flag.Int("rate-limit-burst", 0, "global rate limit burst (env REELSTREAM_RATE_LIMIT_BURST)")
	loginLimitFlag := flag.Int("login-limit", 0, "login attempts per IP per window, 0 disables (env REELSTREAM_LOGIN_LIMIT)")
	loginWindowFlag := flag.Duration("login-window", 0, "login rate limit window (env REELSTREAM_LOGIN_WINDOW)")
	corsOriginsFlag := flag.String("cors-origins", "", "comma separated allowed browser origins (env REELSTREAM_CORS_ORIGINS)")
	adminEmailFlag := flag.String("admin-email", "", "seed an admin account with this email on startup (env REELSTREAM_ADMIN_EMAIL)")
	adminPasswordFlag := flag.String("admin-password", "", "password for the seeded admin account (env REELSTREAM_ADMIN_PASSWORD)")
	adminNameFlag := flag.String("admin-name", "", "display name for the seeded admin account (env REELSTREAM_ADMIN_NAME)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevelFlag, os.Getenv("REELSTREAM_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormatFlag, os.Getenv("REELSTREAM_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	addr := firstNonEmpty(*addrFlag, os.Getenv("REELSTREAM_ADDR"), ":8080")
	mediaRoot := firstNonEmpty(*mediaRootFlag, os.Getenv("REELSTREAM_MEDIA_ROOT"), "media")
	dataPath := firstNonEmpty(*dataPathFlag, os.Getenv("REELSTREAM_DATA_PATH"), "data/reelstream.json")

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

	store, closeStore, err := resolveStore(dataPath, storeFlags{
		driver:         firstNonEmpty(*storageDriverFlag, os.Getenv("REELSTREAM_STORAGE_DRIVER"), "json"),
		dsn:            firstNonEmpty(*postgresDSNFlag, os.Getenv("REELSTREAM_POSTGRES_DSN")),
		maxConns:       resolveInt(*postgresMaxConnsFlag, "REELSTREAM_POSTGRES_MAX_CONNS", 0),
		minConns:       resolveInt(*postgresMinConnsFlag, "REELSTREAM_POSTGRES_MIN_CONNS", 0),
		connLifetime:   resolveDuration(*postgresConnLifetimeFlag, "REELSTREAM_POSTGRES_CONN_LIFETIME", 0),
		connIdle:       resolveDuration(*postgresConnIdleFlag, "REELSTREAM_POSTGRES_CONN_IDLE", 0),
		healthInterval: resolveDuration(*postgresHealthFlag, "REELSTREAM_POSTGRES_HEALTH_INTERVAL", 0),
	})
	if err != nil {
		logger.Error("initialize datastore", "error", err)
		os.Exit(1)
	}

	sessionTTL := resolveDuration(*sessionTTLFlag, "REELSTREAM_SESSION_TTL", 24*time.Hour)
	sessions, closeSessions, err := resolveSessions(sessionTTL,
		firstNonEmpty(*sessionStoreFlag, os.Getenv("REELSTREAM_SESSION_STORE"), "memory"),
		firstNonEmpty(*sessionPostgresDSNFlag, os.Getenv("REELSTREAM_SESSION_POSTGRES_DSN"), *postgresDSNFlag, os.Getenv("REELSTREAM_POSTGRES_DSN")),
	)
	if err != nil {
		logger.Error("initialize session store", "error", err)
		os.Exit(1)
	}

	encoder := media.NewEncoder(media.EncoderConfig{
		Binary:         firstNonEmpty(*ffmpegFlag, os.Getenv("REELSTREAM_FFMPEG")),
		Timeout:        resolveDuration(*encodeTimeoutFlag, "REELSTREAM_ENCODE_TIMEOUT", 0),
		SegmentSeconds: resolveInt(*segmentSecondsFlag, "REELSTREAM_SEGMENT_SECONDS", 0),
		Logger:         logging.WithComponent(logger, "encoder"),
	})

	queue, err := resolveQueue(queueFlags{
		driver:        firstNonEmpty(*queueDriverFlag, os.Getenv("REELSTREAM_QUEUE_DRIVER"), "memory"),
		addr:          firstNonEmpty(*redisAddrFlag, os.Getenv("REELSTREAM_REDIS_ADDR")),
		addrs:         splitAndTrim(firstNonEmpty(*redisAddrsFlag, os.Getenv("REELSTREAM_REDIS_ADDRS"))),
		username:      firstNonEmpty(*redisUsernameFlag, os.Getenv("REELSTREAM_REDIS_USERNAME")),
		password:      firstNonEmpty(*redisPasswordFlag, os.Getenv("REELSTREAM_REDIS_PASSWORD")),
		stream:        firstNonEmpty(*redisStreamFlag, os.Getenv("REELSTREAM_REDIS_STREAM")),
		group:         firstNonEmpty(*redisGroupFlag, os.Getenv("REELSTREAM_REDIS_GROUP")),
		masterName:    firstNonEmpty(*redisMasterFlag, os.Getenv("REELSTREAM_REDIS_MASTER")),
		tlsCA:         firstNonEmpty(*redisTLSCAFlag, os.Getenv("REELSTREAM_REDIS_TLS_CA")),
		tlsCert:       firstNonEmpty(*redisTLSCertFlag, os.Getenv("REELSTREAM_REDIS_TLS_CERT")),
		tlsKey:        firstNonEmpty(*redisTLSKeyFlag, os.Getenv("REELSTREAM_REDIS_TLS_KEY")),
		tlsServerName: firstNonEmpty(*redisTLSServerNameFlag, os.Getenv("REELSTREAM_REDIS_TLS_SERVER_NAME")),
		tlsInsecure:   resolveBool(*redisTLSInsecureFlag, "REELSTREAM_REDIS_TLS_INSECURE"),
		logger:        logging.WithComponent(logger, "queue"),
	})
	if err != nil {
		logger.Error("initialize job queue", "error", err)
		os.Exit(1)
	}

	// The Redis queue hands out a shared locker so same-video jobs serialize
	// across every node on the stream.
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
		Metrics:            recorder,
	})

	processor.Start()
	dispatcher := pipeline.NewDispatcher(queue, processor, logging.WithComponent(logger, "dispatcher"))
	dispatcher.Start()

	seedAdmin(store, logger, seedParams{
		email:       firstNonEmpty(*adminEmailFlag, os.Getenv("REELSTREAM_ADMIN_EMAIL")),
		password:    firstNonEmpty(*adminPasswordFlag, os.Getenv("REELSTREAM_ADMIN_PASSWORD")),
		displayName: firstNonEmpty(*adminNameFlag, os.Getenv("REELSTREAM_ADMIN_NAME"), "Administrator"),
	})

	handler := api.NewHandler(store, sessions)
	handler.Jobs = pipeline.QueueTrigger{Queue: queue}
	handler.Resolver = media.NewResolver(layout)
	handler.Layout = layout
	handler.Metrics = recorder
	handler.Logger = logging.WithComponent(logger, "api")
	handler.MaxUploadBytes = resolveInt64(*maxUploadFlag, "REELSTREAM_MAX_UPLOAD_BYTES", 0)

	srv, err := server.New(handler, server.Config{
		Addr: addr,
		RateLimit: server.RateLimitConfig{
			GlobalRPS:   resolveFloat(*globalRPSFlag, "REELSTREAM_RATE_LIMIT_RPS", 0),
			GlobalBurst: resolveInt(*globalBurstFlag, "REELSTREAM_RATE_LIMIT_BURST", 0),
			LoginLimit:  resolveInt(*loginLimitFlag, "REELSTREAM_LOGIN_LIMIT", 10),
			LoginWindow: resolveDuration(*loginWindowFlag, "REELSTREAM_LOGIN_WINDOW", time.Minute),
		},
		CORS:    server.CORSConfig{AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOriginsFlag, os.Getenv("REELSTREAM_CORS_ORIGINS")))},
		Logger:  logging.WithComponent(logger, "http"),
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("configure server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopPurge := startSessionPurgeWorker(ctx, logging.WithComponent(logger, "sessions"), sessions, time.Hour)

	logger.Info("server starting", "addr", addr, "media_root", mediaRoot)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", "error", err)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopPurge()
	dispatcher.Close()
	if err := processor.Shutdown(shutdownCtx); err != nil {
		logger.Warn("processor shutdown incomplete", "error", err)
	}
	if closer, ok := queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("close job queue", "error", err)
		}
	}
	if closeSessions != nil {
		if err := closeSessions(shutdownCtx); err != nil {
			logger.Warn("close session store", "error", err)
		}
	}
	if closeStore != nil {
		if err := closeStore(shutdownCtx); err != nil {
			logger.Warn("close datastore", "error", err)
		}
	}
	logger.Info("server stopped")
}

type storeFlags struct {
	driver         string
	dsn            string
	maxConns       int
	minConns       int
	connLifetime   time.Duration
	connIdle       time.Duration
	healthInterval time.Duration
}

func resolveStore(dataPath string, cfg storeFlags) (storage.Repository, func(context.Context) error, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.driver)) {
	case "", "json":
		store, err := storage.NewStorage(dataPath)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	case "postgres":
		if cfg.dsn == "" {
			return nil, nil, fmt.Errorf("postgres driver requires a DSN")
		}
		opts := []storage.Option{storage.WithPostgresApplicationName("reelstream")}
		if cfg.maxConns > 0 || cfg.minConns > 0 {
			opts = append(opts, storage.WithPostgresPoolLimits(int32(cfg.maxConns), int32(cfg.minConns)))
		}
		if cfg.connLifetime > 0 || cfg.connIdle > 0 || cfg.healthInterval > 0 {
			opts = append(opts, storage.WithPostgresPoolDurations(cfg.connLifetime, cfg.connIdle, cfg.healthInterval))
		}
		store, err := storage.NewPostgresRepository(cfg.dsn, opts...)
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
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.driver)
	}
}

func resolveSessions(ttl time.Duration, driver, dsn string) (*auth.SessionManager, func(context.Context) error, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return auth.NewSessionManager(ttl, auth.WithStore(auth.NewMemorySessionStore())), nil, nil
	case "postgres":
		if dsn == "" {
			return nil, nil, fmt.Errorf("postgres session store requires a DSN")
		}
		store, err := auth.NewPostgresSessionStore(dsn)
		if err != nil {
			return nil, nil, err
		}
		return auth.NewSessionManager(ttl, auth.WithStore(store)), store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown session store %q", driver)
	}
}

type queueFlags struct {
	driver        string
	addr          string
	addrs         []string
	username      string
	password      string
	stream        string
	group         string
	masterName    string
	tlsCA         string
	tlsCert       string
	tlsKey        string
	tlsServerName string
	tlsInsecure   bool
	logger        *slog.Logger
}

func resolveQueue(cfg queueFlags) (pipeline.Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.driver)) {
	case "", "memory":
		return pipeline.NewMemoryQueue(0), nil
	case "redis":
		if cfg.addr == "" && len(cfg.addrs) == 0 {
			return nil, fmt.Errorf("redis queue requires an address")
		}
		return pipeline.NewRedisQueue(pipeline.RedisQueueConfig{
			Addr:       cfg.addr,
			Addrs:      cfg.addrs,
			Username:   cfg.username,
			Password:   cfg.password,
			Stream:     cfg.stream,
			Group:      cfg.group,
			MasterName: cfg.masterName,
			Logger:     cfg.logger,
			TLS: pipeline.RedisTLSConfig{
				CAFile:             cfg.tlsCA,
				CertFile:           cfg.tlsCert,
				KeyFile:            cfg.tlsKey,
				ServerName:         cfg.tlsServerName,
				InsecureSkipVerify: cfg.tlsInsecure,
			},
		})
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.driver)
	}
}

type seedParams struct {
	email       string
	password    string
	displayName string
}

// seedAdmin creates the bootstrap admin account when credentials are supplied.
// An existing account with the same email is left untouched.
func seedAdmin(store storage.Repository, logger *slog.Logger, params seedParams) {
	if params.email == "" || params.password == "" {
		return
	}
	_, err := store.CreateUser(storage.CreateUserParams{
		DisplayName: params.displayName,
		Email:       params.email,
		Password:    params.password,
		Roles:       []string{"admin"},
	})
	switch {
	case err == nil:
		logger.Info("seeded admin account", "email", params.email)
	case errors.Is(err, storage.ErrEmailTaken):
		logger.Info("admin account already present", "email", params.email)
	default:
		logger.Error("seed admin account", "email", params.email, "error", err)
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

func resolveInt64(flagValue int64, envKey string, fallback int64) int64 {
	if flagValue != 0 {
		return flagValue
	}
	if raw := os.Getenv(envKey); raw != "" {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil {
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
