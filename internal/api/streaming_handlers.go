package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"reelstream/internal/media"
	"reelstream/internal/models"
)

// serveManifest streams the HLS playlist for one resolution. Unknown videos,
// unknown resolution tokens, and manifests missing on disk all present as the
// same 404 so callers cannot probe which part was wrong.
func (h *Handler) serveManifest(w http.ResponseWriter, r *http.Request, video models.Video, token string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	path, err := h.Resolver.Manifest(video, token)
	if err != nil {
		h.writeResolveError(w, err, "video_id", video.ID, "resolution", token)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	// Manifests may grow while a reprocess runs, so clients must revalidate.
	w.Header().Set("Cache-Control", "no-cache")
	if h.serveFile(w, r, path) {
		h.recorder().ManifestServed()
	}
}

// serveSegment streams one transport segment. Segments are content-addressed
// by the encoder and never rewritten in place, so they cache indefinitely.
func (h *Handler) serveSegment(w http.ResponseWriter, r *http.Request, video models.Video, token, segment string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	path, err := h.Resolver.Segment(video, token, segment)
	if err != nil {
		h.writeResolveError(w, err, "video_id", video.ID, "resolution", token, "segment", segment)
		return
	}
	w.Header().Set("Content-Type", "video/MP2T")
	w.Header().Set("Cache-Control", "max-age=31536000, immutable")
	if h.serveFile(w, r, path) {
		h.recorder().SegmentServed()
	}
}

// serveThumbnail streams the poster frame for a video when one exists.
func (h *Handler) serveThumbnail(w http.ResponseWriter, r *http.Request, video models.Video) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if video.ThumbnailPath == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("video not found"))
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "max-age=3600")
	h.serveFile(w, r, h.Layout.Abs(video.ThumbnailPath))
}

func (h *Handler) writeResolveError(w http.ResponseWriter, err error, attrs ...any) {
	if errors.Is(err, media.ErrArtifactNotFound) || errors.Is(err, media.ErrUnknownResolution) {
		writeError(w, http.StatusNotFound, fmt.Errorf("video not found"))
		return
	}
	h.logger().Error("artifact resolution failed", append(attrs, "error", err)...)
	writeError(w, http.StatusInternalServerError, fmt.Errorf("internal error"))
}

// serveFile hands the artifact to http.ServeContent for Range support and
// bounded memory. Reports whether the artifact was delivered.
func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, path string) bool {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, fmt.Errorf("video not found"))
			return false
		}
		h.logger().Error("artifact open failed", "path", path, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("internal error"))
		return false
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		h.logger().Error("artifact stat failed", "path", path, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("internal error"))
		return false
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), file)
	return true
}
