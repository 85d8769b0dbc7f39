package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"reelstream/internal/media"
	"reelstream/internal/models"
)

func (f *handlerFixture) streamRequest(t *testing.T, user models.User, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := asUser(httptest.NewRequest(http.MethodGet, path, nil), user)
	rec := httptest.NewRecorder()
	f.handler.VideoByPath(rec, req)
	return rec
}

func TestServeManifest(t *testing.T) {
	fixture := newHandlerFixture(t)
	viewer := fixture.createUser(t, "viewer@example.com")
	video := fixture.createVideo(t, "Clip", "clip.mp4")
	fixture.writeArtifact(t, fixture.layout.ManifestPath("clip", "720p"))

	rec := fixture.streamRequest(t, viewer, "/video/"+video.ID+"/720p/"+media.ManifestName)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/vnd.apple.mpegurl" {
		t.Fatalf("unexpected content type: %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("unexpected cache control: %q", cc)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected manifest body")
	}
}

func TestServeSegment(t *testing.T) {
	fixture := newHandlerFixture(t)
	viewer := fixture.createUser(t, "viewer@example.com")
	video := fixture.createVideo(t, "Clip", "clip.mp4")
	fixture.writeArtifact(t, fixture.layout.ManifestPath("clip", "720p"))
	fixture.writeArtifact(t, fixture.layout.HLSDir("clip", "720p")+"/000.ts")

	rec := fixture.streamRequest(t, viewer, "/video/"+video.ID+"/720p/000.ts")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/MP2T" {
		t.Fatalf("unexpected content type: %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "max-age=31536000, immutable" {
		t.Fatalf("unexpected cache control: %q", cc)
	}
}

func TestServeSegmentSupportsRangeRequests(t *testing.T) {
	fixture := newHandlerFixture(t)
	viewer := fixture.createUser(t, "viewer@example.com")
	video := fixture.createVideo(t, "Clip", "clip.mp4")
	fixture.writeArtifact(t, fixture.layout.ManifestPath("clip", "720p"))
	fixture.writeArtifact(t, fixture.layout.HLSDir("clip", "720p")+"/000.ts")

	req := asUser(httptest.NewRequest(http.MethodGet, "/video/"+video.ID+"/720p/000.ts", nil), viewer)
	req.Header.Set("Range", "bytes=0-3")
	rec := httptest.NewRecorder()
	fixture.handler.VideoByPath(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rec.Code)
	}
	if rec.Body.Len() != 4 {
		t.Fatalf("expected 4 bytes, got %d", rec.Body.Len())
	}
}

func TestStreamingNotFoundIsUniform(t *testing.T) {
	fixture := newHandlerFixture(t)
	viewer := fixture.createUser(t, "viewer@example.com")
	video := fixture.createVideo(t, "Clip", "clip.mp4")
	fixture.writeArtifact(t, fixture.layout.ManifestPath("clip", "720p"))

	paths := []string{
		"/video/no-such-video/720p/" + media.ManifestName,
		"/video/" + video.ID + "/999p/" + media.ManifestName,
		"/video/" + video.ID + "/480p/" + media.ManifestName,
		"/video/" + video.ID + "/720p/missing.ts",
	}
	var bodies []string
	for _, path := range paths {
		rec := fixture.streamRequest(t, viewer, path)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404 for %s, got %d", path, rec.Code)
		}
		bodies = append(bodies, rec.Body.String())
	}
	for i := 1; i < len(bodies); i++ {
		if bodies[i] != bodies[0] {
			t.Fatalf("404 bodies differ between cases: %q vs %q", bodies[0], bodies[i])
		}
	}
}

func TestServeThumbnail(t *testing.T) {
	fixture := newHandlerFixture(t)
	viewer := fixture.createUser(t, "viewer@example.com")
	video := fixture.createVideo(t, "Clip", "clip.mp4")

	rec := fixture.streamRequest(t, viewer, "/video/"+video.ID+"/thumbnail.jpg")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without thumbnail, got %d", rec.Code)
	}

	fixture.writeArtifact(t, "videos/thumbnails/clip.jpg")
	if _, err := fixture.store.SetThumbnail(video.ID, "videos/thumbnails/clip.jpg"); err != nil {
		t.Fatalf("SetThumbnail returned error: %v", err)
	}

	rec = fixture.streamRequest(t, viewer, "/video/"+video.ID+"/thumbnail.jpg")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("unexpected content type: %q", ct)
	}
}

func TestServeManifestMethodNotAllowed(t *testing.T) {
	fixture := newHandlerFixture(t)
	viewer := fixture.createUser(t, "viewer@example.com")
	video := fixture.createVideo(t, "Clip", "clip.mp4")
	fixture.writeArtifact(t, fixture.layout.ManifestPath("clip", "720p"))

	req := asUser(httptest.NewRequest(http.MethodPost, "/video/"+video.ID+"/720p/"+media.ManifestName, nil), viewer)
	rec := httptest.NewRecorder()
	fixture.handler.VideoByPath(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
