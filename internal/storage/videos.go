package storage

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"reelstream/internal/models"
)

// CreateVideo persists a new video record. The transcode pipeline is not
// involved here; the caller enqueues the job after this returns.
func (s *Storage) CreateVideo(params CreateVideoParams) (models.Video, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return models.Video{}, fmt.Errorf("title is required")
	}
	sourcePath := strings.TrimSpace(params.SourcePath)
	if sourcePath == "" {
		return models.Video{}, fmt.Errorf("source path is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := generateID()
	if err != nil {
		return models.Video{}, err
	}
	video := models.Video{
		ID:          id,
		Title:       title,
		Description: strings.TrimSpace(params.Description),
		Category:    strings.TrimSpace(params.Category),
		SourcePath:  sourcePath,
		CreatedAt:   time.Now().UTC(),
	}
	s.data.Videos[id] = video
	if err := s.persist(); err != nil {
		delete(s.data.Videos, id)
		return models.Video{}, err
	}
	return cloneVideo(video), nil
}

// GetVideo fetches a video record by ID.
func (s *Storage) GetVideo(id string) (models.Video, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, false
	}
	return cloneVideo(video), true
}

// ListVideos returns all videos ordered by creation time, newest first.
func (s *Storage) ListVideos() []models.Video {
	s.mu.RLock()
	defer s.mu.RUnlock()

	videos := make([]models.Video, 0, len(s.data.Videos))
	for _, video := range s.data.Videos {
		videos = append(videos, cloneVideo(video))
	}
	sort.Slice(videos, func(i, j int) bool {
		if !videos[i].CreatedAt.Equal(videos[j].CreatedAt) {
			return videos[i].CreatedAt.After(videos[j].CreatedAt)
		}
		return videos[i].ID < videos[j].ID
	})
	return videos
}

// SetRendition records the descriptor for one resolution, overwriting any
// previous entry for that token. The caller must have written the artifact to
// disk before invoking this (write-then-link ordering).
func (s *Storage) SetRendition(videoID, token string, rendition models.Rendition) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[videoID]
	if !ok {
		return models.Video{}, ErrVideoNotFound
	}
	previous := video.Renditions
	updated := make(map[string]models.Rendition, len(previous)+1)
	for k, v := range previous {
		updated[k] = v
	}
	if rendition.CreatedAt.IsZero() {
		rendition.CreatedAt = time.Now().UTC()
	}
	updated[token] = rendition
	video.Renditions = updated
	s.data.Videos[videoID] = video
	if err := s.persist(); err != nil {
		video.Renditions = previous
		s.data.Videos[videoID] = video
		return models.Video{}, err
	}
	return cloneVideo(video), nil
}

// SetThumbnail records the thumbnail path, overwriting any previous value.
func (s *Storage) SetThumbnail(videoID, thumbnailPath string) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[videoID]
	if !ok {
		return models.Video{}, ErrVideoNotFound
	}
	previous := video.ThumbnailPath
	video.ThumbnailPath = strings.TrimSpace(thumbnailPath)
	s.data.Videos[videoID] = video
	if err := s.persist(); err != nil {
		video.ThumbnailPath = previous
		s.data.Videos[videoID] = video
		return models.Video{}, err
	}
	return cloneVideo(video), nil
}

// DeleteVideo removes a video record. Artifacts on disk are left in place;
// cleanup is an operator concern.
func (s *Storage) DeleteVideo(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return ErrVideoNotFound
	}
	delete(s.data.Videos, id)
	if err := s.persist(); err != nil {
		s.data.Videos[id] = video
		return err
	}
	return nil
}

func cloneVideo(video models.Video) models.Video {
	if video.Renditions != nil {
		renditions := make(map[string]models.Rendition, len(video.Renditions))
		for token, rendition := range video.Renditions {
			renditions[token] = rendition
		}
		video.Renditions = renditions
	}
	return video
}
