package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"reelstream/internal/models"
)

// ErrArtifactNotFound is returned when a manifest or segment is absent on
// disk at request time. The HTTP layer presents it identically to an unknown
// video so existence information never leaks through status differences.
var ErrArtifactNotFound = fmt.Errorf("artifact not found")

// Resolver locates streamable artifacts for a video. The authoritative
// strategy is deterministic recomputation through the Layout from the
// source path's basename; the rendition descriptor stored on the video acts
// as a hint only, consulted when the computed location is empty (e.g. records
// migrated from an older directory convention).
type Resolver struct {
	layout Layout
}

// NewResolver constructs a Resolver over the provided layout.
func NewResolver(layout Layout) Resolver {
	return Resolver{layout: layout}
}

// Manifest returns the absolute path of the HLS manifest for the requested
// resolution token, validating that the file exists.
func (r Resolver) Manifest(video models.Video, token string) (string, error) {
	if _, err := r.layout.HeightFor(token); err != nil {
		return "", err
	}
	path := r.layout.ManifestPath(BaseName(video.SourcePath), token)
	if fileExists(path) {
		return path, nil
	}
	if hint, ok := r.manifestHint(video, token); ok && fileExists(hint) {
		return hint, nil
	}
	return "", fmt.Errorf("%w: manifest %s/%s", ErrArtifactNotFound, video.ID, token)
}

// Segment returns the absolute path of the named segment file inside the
// resolved manifest's directory. Only presence on disk is checked, not
// membership in the manifest.
func (r Resolver) Segment(video models.Video, token, segment string) (string, error) {
	if err := validateSegmentName(segment); err != nil {
		return "", err
	}
	manifest, err := r.Manifest(video, token)
	if err != nil {
		return "", err
	}
	path := filepath.Join(filepath.Dir(manifest), segment)
	if !fileExists(path) {
		return "", fmt.Errorf("%w: segment %s/%s/%s", ErrArtifactNotFound, video.ID, token, segment)
	}
	return path, nil
}

func (r Resolver) manifestHint(video models.Video, token string) (string, bool) {
	rendition, ok := video.Rendition(token)
	if !ok || rendition.ManifestPath == "" {
		return "", false
	}
	return r.layout.Abs(rendition.ManifestPath), true
}

func validateSegmentName(segment string) error {
	trimmed := strings.TrimSpace(segment)
	if trimmed == "" || trimmed != segment {
		return fmt.Errorf("%w: empty segment name", ErrArtifactNotFound)
	}
	if strings.ContainsAny(segment, `/\`) || segment == "." || segment == ".." {
		return fmt.Errorf("%w: invalid segment name", ErrArtifactNotFound)
	}
	if filepath.Base(segment) != segment {
		return fmt.Errorf("%w: invalid segment name", ErrArtifactNotFound)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
