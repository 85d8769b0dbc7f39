package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"reelstream/internal/media"
	"reelstream/internal/models"
)

// videoItemResponse is the catalog entry shape. Field names follow the wire
// contract consumed by existing players.
type videoItemResponse struct {
	ID           string `json:"id"`
	CreatedAt    string `json:"created_at"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	Category     string `json:"category,omitempty"`
}

func newVideoItemResponse(video models.Video) videoItemResponse {
	item := videoItemResponse{
		ID:          video.ID,
		CreatedAt:   video.CreatedAt.Format(time.RFC3339Nano),
		Title:       video.Title,
		Description: video.Description,
		Category:    video.Category,
	}
	if video.ThumbnailPath != "" {
		item.ThumbnailURL = fmt.Sprintf("/video/%s/thumbnail.jpg", video.ID)
	}
	return item
}

// Videos handles the catalog listing at the collection path.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if _, ok := h.requireAuthenticatedUser(w, r); !ok {
		return
	}
	videos := h.Store.ListVideos()
	response := make([]videoItemResponse, 0, len(videos))
	for _, video := range videos {
		response = append(response, newVideoItemResponse(video))
	}
	writeJSON(w, http.StatusOK, response)
}

// VideoByPath routes everything beneath the collection path:
// {id}/reprocess, {id}/thumbnail.jpg, {id}/{resolution}/index.m3u8 and
// {id}/{resolution}/{segment}.
func (h *Handler) VideoByPath(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/video/"), "/")
	if trimmed == "" {
		h.Videos(w, r)
		return
	}
	parts := strings.Split(trimmed, "/")

	if _, ok := h.requireAuthenticatedUser(w, r); !ok {
		return
	}
	video, exists := h.Store.GetVideo(parts[0])
	if !exists {
		writeError(w, http.StatusNotFound, fmt.Errorf("video not found"))
		return
	}

	switch len(parts) {
	case 2:
		switch parts[1] {
		case "reprocess":
			h.reprocessVideo(w, r, video)
		case "thumbnail.jpg":
			h.serveThumbnail(w, r, video)
		default:
			writeError(w, http.StatusNotFound, fmt.Errorf("video not found"))
		}
	case 3:
		token, name := parts[1], parts[2]
		if name == media.ManifestName {
			h.serveManifest(w, r, video, token)
			return
		}
		h.serveSegment(w, r, video, token, name)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("video not found"))
	}
}

// reprocessVideo re-enqueues the transcode job for an already stored video.
// Renditions are overwritten per resolution as the new job lands them.
func (h *Handler) reprocessVideo(w http.ResponseWriter, r *http.Request, video models.Video) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	actor, ok := h.requireRole(w, r, roleAdmin)
	if !ok {
		return
	}
	if h.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("transcode pipeline unavailable"))
		return
	}
	if err := h.Jobs.Trigger(r.Context(), video.ID, "reprocess"); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("enqueue transcode job: %w", err))
		return
	}
	h.logger().Info("reprocess requested", "video_id", video.ID, "user_id", actor.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "id": video.ID})
}
