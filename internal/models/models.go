package models

import (
	"strings"
	"time"
)

// RenditionKind distinguishes the two playable artifact shapes the pipeline
// produces for a resolution.
type RenditionKind string

const (
	// RenditionHLS is a segmented rendition addressed through its manifest.
	RenditionHLS RenditionKind = "hls"
	// RenditionFlat is a single progressive MP4 file.
	RenditionFlat RenditionKind = "flat"
)

// Rendition describes one playable version of a video at a specific
// resolution. Paths are stored relative to the media root so records stay
// valid when the root moves between hosts.
type Rendition struct {
	Kind         RenditionKind `json:"kind"`
	ManifestPath string        `json:"manifestPath,omitempty"`
	FilePath     string        `json:"filePath,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// Video is the unit the transcoding pipeline operates on. SourcePath is
// immutable once set; Renditions and ThumbnailPath are written exclusively by
// transcode jobs, one entry per finished resolution.
type Video struct {
	ID            string               `json:"id"`
	Title         string               `json:"title"`
	Description   string               `json:"description"`
	Category      string               `json:"category"`
	SourcePath    string               `json:"sourcePath"`
	ThumbnailPath string               `json:"thumbnailPath,omitempty"`
	Renditions    map[string]Rendition `json:"renditions,omitempty"`
	CreatedAt     time.Time            `json:"createdAt"`
}

// Rendition returns the stored descriptor for the resolution token when one
// has been recorded.
func (v Video) Rendition(token string) (Rendition, bool) {
	if v.Renditions == nil {
		return Rendition{}, false
	}
	rendition, ok := v.Renditions[token]
	return rendition, ok
}

// User is the minimal account record backing the authentication gate. The
// streaming surface only cares about pass/fail, but uploads and reprocess
// triggers additionally require the admin role.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"displayName"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	Roles        []string  `json:"roles,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HasRole reports whether the user carries the named role, ignoring case.
func (u User) HasRole(role string) bool {
	for _, existing := range u.Roles {
		if strings.EqualFold(existing, role) {
			return true
		}
	}
	return false
}
