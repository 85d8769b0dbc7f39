// Package media wraps the external encoder binary and owns the on-disk
// artifact layout shared by the write side (transcode jobs) and the read side
// (the streaming resolver).
package media

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ManifestName is the fixed playlist filename inside every HLS rendition
// directory.
const ManifestName = "index.m3u8"

// DefaultLadder lists the target resolution heights attempted for every
// video. Changing the ladder is a deploy-time decision.
var DefaultLadder = []int{480, 720, 1080}

// ErrUnknownResolution is returned for resolution tokens outside the ladder.
var ErrUnknownResolution = fmt.Errorf("unknown resolution")

// Layout deterministically maps (video source, resolution, artifact kind) to
// filesystem paths under a single media root. Two calls with identical inputs
// always yield identical paths, which lets the resolver reconstruct artifact
// locations without consulting stored metadata.
type Layout struct {
	root   string
	ladder []int
}

// NewLayout constructs a Layout rooted at the provided directory. An empty
// ladder falls back to DefaultLadder.
func NewLayout(root string, ladder []int) (Layout, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return Layout{}, fmt.Errorf("media root is required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return Layout{}, fmt.Errorf("resolve media root: %w", err)
	}
	if len(ladder) == 0 {
		ladder = DefaultLadder
	}
	heights := make([]int, len(ladder))
	copy(heights, ladder)
	return Layout{root: abs, ladder: heights}, nil
}

// Root returns the absolute media root directory.
func (l Layout) Root() string {
	return l.root
}

// Ladder returns the resolution heights in ladder order.
func (l Layout) Ladder() []int {
	heights := make([]int, len(l.ladder))
	copy(heights, l.ladder)
	return heights
}

// Tokens returns the resolution tokens ("480p", ...) in ladder order.
func (l Layout) Tokens() []string {
	tokens := make([]string, 0, len(l.ladder))
	for _, height := range l.ladder {
		tokens = append(tokens, Token(height))
	}
	return tokens
}

// Token renders the canonical resolution token for a ladder height.
func Token(height int) string {
	return fmt.Sprintf("%dp", height)
}

// HeightFor parses a resolution token back to its ladder height. Tokens
// outside the ladder yield ErrUnknownResolution.
func (l Layout) HeightFor(token string) (int, error) {
	for _, height := range l.ladder {
		if Token(height) == token {
			return height, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownResolution, token)
}

// BaseName derives the layout key from a source file path: the NFC-normalized
// basename without extension, restricted to a filesystem-safe alphabet.
// Uploaded filenames arrive in whatever form the client's OS produced, so the
// normalization keeps macOS (NFD) and Linux uploads of the same title in one
// directory.
func BaseName(sourcePath string) string {
	base := filepath.Base(strings.TrimSpace(sourcePath))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = norm.NFC.String(base)
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "video"
	}
	return b.String()
}

// HLSDir returns the directory holding the manifest and segments for one
// resolution of a video.
func (l Layout) HLSDir(base, token string) string {
	return filepath.Join(l.root, "videos", "hls", token, base)
}

// ManifestPath returns the absolute manifest path for one resolution.
func (l Layout) ManifestPath(base, token string) string {
	return filepath.Join(l.HLSDir(base, token), ManifestName)
}

// FlatPath returns the absolute path of the progressive MP4 rendition.
func (l Layout) FlatPath(base, token string) string {
	return filepath.Join(l.root, "videos", token, base+".mp4")
}

// ThumbnailPath returns the absolute path of the video's still image.
func (l Layout) ThumbnailPath(base string) string {
	return filepath.Join(l.root, "videos", "thumbnails", base+".jpg")
}

// OriginalPath returns where an uploaded source file is stored. The extension
// of the uploaded filename is preserved so the encoder can probe by suffix.
func (l Layout) OriginalPath(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	return filepath.Join(l.root, "videos", "original", BaseName(filename)+ext)
}

// Rel converts an absolute artifact path to the root-relative form stored on
// video records.
func (l Layout) Rel(path string) (string, error) {
	rel, err := filepath.Rel(l.root, path)
	if err != nil {
		return "", fmt.Errorf("relativize artifact path: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

// Abs resolves a stored root-relative artifact path back to disk.
func (l Layout) Abs(rel string) string {
	return filepath.Join(l.root, filepath.FromSlash(rel))
}
