package api

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

func multipartUpload(t *testing.T, fields map[string]string, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("write field %s: %v", key, err)
		}
	}
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(content); err != nil {
			t.Fatalf("write file part: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, writer.FormDataContentType()
}

func TestUploadStoresOriginalAndQueuesJob(t *testing.T) {
	fixture := newHandlerFixture(t)
	admin := fixture.createUser(t, "admin@example.com", "admin")

	body, contentType := multipartUpload(t, map[string]string{
		"title":       "Night Drive",
		"description": "city footage",
		"category":    "documentary",
	}, "Night Drive.MP4", []byte("mp4-bytes"))

	req := asUser(httptest.NewRequest(http.MethodPost, "/upload/video/", body), admin)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	fixture.handler.Upload(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var item videoItemResponse
	decodeBody(t, rec, &item)
	if item.Title != "Night Drive" || item.ID == "" {
		t.Fatalf("unexpected response: %+v", item)
	}

	video, ok := fixture.store.GetVideo(item.ID)
	if !ok {
		t.Fatal("video record missing after upload")
	}
	stored, err := os.ReadFile(fixture.layout.Abs(video.SourcePath))
	if err != nil {
		t.Fatalf("original not stored: %v", err)
	}
	if string(stored) != "mp4-bytes" {
		t.Fatalf("original content mismatch: %q", stored)
	}
	if video.SourcePath != "videos/original/Night-Drive.mp4" {
		t.Fatalf("unexpected source path: %q", video.SourcePath)
	}

	calls := fixture.jobs.recorded()
	if len(calls) != 1 || calls[0].VideoID != item.ID || calls[0].Reason != "upload" {
		t.Fatalf("unexpected trigger calls: %+v", calls)
	}
}

func TestUploadRequiresAdmin(t *testing.T) {
	fixture := newHandlerFixture(t)
	viewer := fixture.createUser(t, "viewer@example.com")

	body, contentType := multipartUpload(t, map[string]string{"title": "Clip"}, "clip.mp4", []byte("mp4"))
	req := asUser(httptest.NewRequest(http.MethodPost, "/upload/video/", body), viewer)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	fixture.handler.Upload(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestUploadRequiresTitle(t *testing.T) {
	fixture := newHandlerFixture(t)
	admin := fixture.createUser(t, "admin@example.com", "admin")

	body, contentType := multipartUpload(t, map[string]string{}, "clip.mp4", []byte("mp4"))
	req := asUser(httptest.NewRequest(http.MethodPost, "/upload/video/", body), admin)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	fixture.handler.Upload(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUploadRequiresFile(t *testing.T) {
	fixture := newHandlerFixture(t)
	admin := fixture.createUser(t, "admin@example.com", "admin")

	body, contentType := multipartUpload(t, map[string]string{"title": "Clip"}, "", nil)
	req := asUser(httptest.NewRequest(http.MethodPost, "/upload/video/", body), admin)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	fixture.handler.Upload(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUploadEnforcesBodyLimit(t *testing.T) {
	fixture := newHandlerFixture(t)
	fixture.handler.MaxUploadBytes = 64
	admin := fixture.createUser(t, "admin@example.com", "admin")

	body, contentType := multipartUpload(t, map[string]string{"title": "Clip"}, "clip.mp4",
		bytes.Repeat([]byte("x"), 4096))
	req := asUser(httptest.NewRequest(http.MethodPost, "/upload/video/", io.NopCloser(body)), admin)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	fixture.handler.Upload(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversize upload, got %d", rec.Code)
	}
}
