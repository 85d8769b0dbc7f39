package api

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"reelstream/internal/storage"
)

const defaultMaxUploadBytes = 2 << 30 // 2 GiB

// Upload accepts a multipart source video, stores the original under the
// layout's originals directory, creates the catalog record, and enqueues the
// transcode job. Restricted to admins.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	actor, ok := h.requireRole(w, r, roleAdmin)
	if !ok {
		return
	}

	maxBytes := h.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse upload: %w", err))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	title := strings.TrimSpace(r.FormValue("title"))
	if title == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("title is required"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("video file is required"))
		return
	}
	defer file.Close()

	destination := h.Layout.OriginalPath(header.Filename)
	if err := h.saveOriginal(file, destination); err != nil {
		h.logger().Error("upload save failed", "filename", header.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("store upload"))
		return
	}
	sourcePath, err := h.Layout.Rel(destination)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("store upload"))
		return
	}

	video, err := h.Store.CreateVideo(storage.CreateVideoParams{
		Title:       title,
		Description: r.FormValue("description"),
		Category:    r.FormValue("category"),
		SourcePath:  sourcePath,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if h.Jobs != nil {
		if err := h.Jobs.Trigger(r.Context(), video.ID, "upload"); err != nil {
			// The record exists and recovery re-enqueues it on restart, so
			// the upload itself still succeeded.
			h.logger().Error("enqueue after upload failed", "video_id", video.ID, "error", err)
		}
	}

	h.logger().Info("video uploaded",
		"video_id", video.ID,
		"user_id", actor.ID,
		"filename", header.Filename,
		"size_bytes", header.Size)
	writeJSON(w, http.StatusCreated, newVideoItemResponse(video))
}

// saveOriginal writes the uploaded stream next to a temp file and renames it
// into place so a torn upload never shows up as a readable source.
func (h *Handler) saveOriginal(src io.Reader, destination string) error {
	dir := filepath.Dir(destination)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("prepare originals dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("create upload temp file: %w", err)
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()
	if _, err := io.Copy(tmp, src); err != nil {
		return fmt.Errorf("write upload: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close upload: %w", err)
	}
	if err := os.Rename(tmpName, destination); err != nil {
		return fmt.Errorf("finalize upload: %w", err)
	}
	success = true
	return nil
}
