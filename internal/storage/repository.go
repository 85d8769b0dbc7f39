package storage

import (
	"context"
	"errors"

	"reelstream/internal/models"
)

// Sentinel errors shared by all repository implementations.
var (
	ErrVideoNotFound      = errors.New("video not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// CreateUserParams collects the fields required to register an account.
type CreateUserParams struct {
	Email       string
	DisplayName string
	Password    string
	Roles       []string
}

// CreateVideoParams collects the fields persisted when an upload is accepted.
// SourcePath must already point at the stored original file.
type CreateVideoParams struct {
	Title       string
	Description string
	Category    string
	SourcePath  string
}

// Repository exposes the datastore operations required by the API handlers
// and the transcoding pipeline. Rendition and thumbnail writes are the only
// mutations the pipeline performs; everything else belongs to the upload and
// auth boundaries.
type Repository interface {
	Ping(ctx context.Context) error

	CreateUser(params CreateUserParams) (models.User, error)
	AuthenticateUser(email, password string) (models.User, error)
	GetUser(id string) (models.User, bool)

	CreateVideo(params CreateVideoParams) (models.Video, error)
	GetVideo(id string) (models.Video, bool)
	ListVideos() []models.Video
	SetRendition(videoID, token string, rendition models.Rendition) (models.Video, error)
	SetThumbnail(videoID, thumbnailPath string) (models.Video, error)
	DeleteVideo(id string) error
}

var _ Repository = (*Storage)(nil)
