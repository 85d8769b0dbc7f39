package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"reelstream/internal/models"
)

// PostgresConfig carries the connection settings for the Postgres-backed
// repository.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	ApplicationName     string
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// schema exists.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := PostgresConfig{DSN: dsn}
	for _, opt := range opts {
		if opt != nil {
			opt.applyPostgres(&cfg)
		}
	}
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
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
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
	repo := &postgresRepository{pool: pool}
	if err := repo.ensureSchema(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
    id            TEXT PRIMARY KEY,
    email         TEXT NOT NULL UNIQUE,
    display_name  TEXT NOT NULL DEFAULT '',
    password_hash TEXT NOT NULL,
    roles         JSONB NOT NULL DEFAULT '[]'::jsonb,
    created_at    TIMESTAMPTZ NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS videos (
    id             TEXT PRIMARY KEY,
    title          TEXT NOT NULL,
    description    TEXT NOT NULL DEFAULT '',
    category       TEXT NOT NULL DEFAULT '',
    source_path    TEXT NOT NULL,
    thumbnail_path TEXT NOT NULL DEFAULT '',
    renditions     JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at     TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS videos_created_at_idx ON videos (created_at DESC)`,
	}
	for _, stmt := range statements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool resources.
func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) CreateUser(params CreateUserParams) (models.User, error) {
	email := strings.ToLower(strings.TrimSpace(params.Email))
	if email == "" {
		return models.User{}, fmt.Errorf("email is required")
	}
	if strings.TrimSpace(params.Password) == "" {
		return models.User{}, fmt.Errorf("password is required")
	}
	id, err := generateID()
	if err != nil {
		return models.User{}, err
	}
	hash, err := hashPassword(params.Password)
	if err != nil {
		return models.User{}, err
	}
	roles := normalizeRoles(params.Roles)
	rolesJSON, err := json.Marshal(roles)
	if err != nil {
		return models.User{}, fmt.Errorf("encode roles: %w", err)
	}
	createdAt := time.Now().UTC()
	_, err = r.pool.Exec(context.Background(), `
INSERT INTO users (id, email, display_name, password_hash, roles, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, id, email, strings.TrimSpace(params.DisplayName), hash, rolesJSON, createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, ErrEmailTaken
		}
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return models.User{
		ID:          id,
		Email:       email,
		DisplayName: strings.TrimSpace(params.DisplayName),
		Roles:       roles,
		CreatedAt:   createdAt,
	}, nil
}

func (r *postgresRepository) AuthenticateUser(email, password string) (models.User, error) {
	row := r.pool.QueryRow(context.Background(), `
SELECT id, email, display_name, password_hash, roles, created_at
FROM users
WHERE email = $1
`, strings.ToLower(strings.TrimSpace(email)))
	user, hash, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, err
	}
	if err := verifyPassword(hash, password); err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (r *postgresRepository) GetUser(id string) (models.User, bool) {
	row := r.pool.QueryRow(context.Background(), `
SELECT id, email, display_name, password_hash, roles, created_at
FROM users
WHERE id = $1
`, id)
	user, _, err := scanUser(row)
	if err != nil {
		return models.User{}, false
	}
	return user, true
}

func scanUser(row pgx.Row) (models.User, string, error) {
	var (
		user      models.User
		hash      string
		rolesJSON []byte
	)
	if err := row.Scan(&user.ID, &user.Email, &user.DisplayName, &hash, &rolesJSON, &user.CreatedAt); err != nil {
		return models.User{}, "", err
	}
	if len(rolesJSON) > 0 {
		if err := json.Unmarshal(rolesJSON, &user.Roles); err != nil {
			return models.User{}, "", fmt.Errorf("decode roles: %w", err)
		}
	}
	return user, hash, nil
}

func (r *postgresRepository) CreateVideo(params CreateVideoParams) (models.Video, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return models.Video{}, fmt.Errorf("title is required")
	}
	sourcePath := strings.TrimSpace(params.SourcePath)
	if sourcePath == "" {
		return models.Video{}, fmt.Errorf("source path is required")
	}
	id, err := generateID()
	if err != nil {
		return models.Video{}, err
	}
	createdAt := time.Now().UTC()
	_, err = r.pool.Exec(context.Background(), `
INSERT INTO videos (id, title, description, category, source_path, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, id, title, strings.TrimSpace(params.Description), strings.TrimSpace(params.Category), sourcePath, createdAt)
	if err != nil {
		return models.Video{}, fmt.Errorf("insert video: %w", err)
	}
	return models.Video{
		ID:          id,
		Title:       title,
		Description: strings.TrimSpace(params.Description),
		Category:    strings.TrimSpace(params.Category),
		SourcePath:  sourcePath,
		CreatedAt:   createdAt,
	}, nil
}

func (r *postgresRepository) GetVideo(id string) (models.Video, bool) {
	row := r.pool.QueryRow(context.Background(), `
SELECT id, title, description, category, source_path, thumbnail_path, renditions, created_at
FROM videos
WHERE id = $1
`, id)
	video, err := scanVideo(row)
	if err != nil {
		return models.Video{}, false
	}
	return video, true
}

func (r *postgresRepository) ListVideos() []models.Video {
	rows, err := r.pool.Query(context.Background(), `
SELECT id, title, description, category, source_path, thumbnail_path, renditions, created_at
FROM videos
ORDER BY created_at DESC, id ASC
`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var videos []models.Video
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil
		}
		videos = append(videos, video)
	}
	if rows.Err() != nil {
		return nil
	}
	return videos
}

func scanVideo(row pgx.Row) (models.Video, error) {
	var (
		video          models.Video
		renditionsJSON []byte
	)
	if err := row.Scan(&video.ID, &video.Title, &video.Description, &video.Category,
		&video.SourcePath, &video.ThumbnailPath, &renditionsJSON, &video.CreatedAt); err != nil {
		return models.Video{}, err
	}
	if len(renditionsJSON) > 0 && string(renditionsJSON) != "{}" {
		if err := json.Unmarshal(renditionsJSON, &video.Renditions); err != nil {
			return models.Video{}, fmt.Errorf("decode renditions: %w", err)
		}
	}
	return video, nil
}

func (r *postgresRepository) SetRendition(videoID, token string, rendition models.Rendition) (models.Video, error) {
	if rendition.CreatedAt.IsZero() {
		rendition.CreatedAt = time.Now().UTC()
	}
	renditionJSON, err := json.Marshal(rendition)
	if err != nil {
		return models.Video{}, fmt.Errorf("encode rendition: %w", err)
	}
	tag, err := r.pool.Exec(context.Background(), `
UPDATE videos
SET renditions = jsonb_set(renditions, ARRAY[$2], $3::jsonb, true)
WHERE id = $1
`, videoID, token, renditionJSON)
	if err != nil {
		return models.Video{}, fmt.Errorf("update rendition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Video{}, ErrVideoNotFound
	}
	video, ok := r.GetVideo(videoID)
	if !ok {
		return models.Video{}, ErrVideoNotFound
	}
	return video, nil
}

func (r *postgresRepository) SetThumbnail(videoID, thumbnailPath string) (models.Video, error) {
	tag, err := r.pool.Exec(context.Background(), `
UPDATE videos
SET thumbnail_path = $2
WHERE id = $1
`, videoID, strings.TrimSpace(thumbnailPath))
	if err != nil {
		return models.Video{}, fmt.Errorf("update thumbnail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Video{}, ErrVideoNotFound
	}
	video, ok := r.GetVideo(videoID)
	if !ok {
		return models.Video{}, ErrVideoNotFound
	}
	return video, nil
}

func (r *postgresRepository) DeleteVideo(id string) error {
	tag, err := r.pool.Exec(context.Background(), `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVideoNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// 23505 is the Postgres unique_violation SQLSTATE.
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
