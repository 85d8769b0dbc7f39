package storage

import (
	"context"
	"path/filepath"
	"testing"

	"reelstream/internal/models"
)

func TestLoadSnapshotFromJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	if _, err := store.CreateUser(CreateUserParams{Email: "viewer@example.com", Password: "secret-pass"}); err != nil {
		t.Fatalf("CreateUser returned error: %v", err)
	}
	video, err := store.CreateVideo(CreateVideoParams{Title: "clip", SourcePath: "videos/original/clip.mp4"})
	if err != nil {
		t.Fatalf("CreateVideo returned error: %v", err)
	}
	if _, err := store.SetRendition(video.ID, "720p", models.Rendition{
		Kind:         models.RenditionHLS,
		ManifestPath: "videos/hls/720p/clip/index.m3u8",
	}); err != nil {
		t.Fatalf("SetRendition returned error: %v", err)
	}

	snapshot, err := LoadSnapshotFromJSON(path)
	if err != nil {
		t.Fatalf("LoadSnapshotFromJSON returned error: %v", err)
	}
	counts := snapshot.Counts()
	if counts.Users != 1 || counts.Videos != 1 || counts.Renditions != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	if snapshot.Users[0].PasswordHash == "" {
		t.Fatal("snapshot must carry password hashes for migration")
	}
	if snapshot.Videos[0].ID != video.ID {
		t.Fatalf("unexpected video in snapshot: %s", snapshot.Videos[0].ID)
	}
}

func TestLoadSnapshotOrdersByID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	store.mu.Lock()
	store.data.Videos["b"] = models.Video{ID: "b", Title: "b", SourcePath: "videos/original/b.mp4"}
	store.data.Videos["a"] = models.Video{ID: "a", Title: "a", SourcePath: "videos/original/a.mp4"}
	err = store.persist()
	store.mu.Unlock()
	if err != nil {
		t.Fatalf("persist returned error: %v", err)
	}

	snapshot, err := LoadSnapshotFromJSON(path)
	if err != nil {
		t.Fatalf("LoadSnapshotFromJSON returned error: %v", err)
	}
	if len(snapshot.Videos) != 2 || snapshot.Videos[0].ID != "a" || snapshot.Videos[1].ID != "b" {
		t.Fatalf("expected videos ordered by ID, got %v", snapshot.Videos)
	}
}

func TestImportSnapshotRequiresPostgres(t *testing.T) {
	store := newTestStorage(t)
	if err := ImportSnapshotToPostgres(context.Background(), store, Snapshot{}); err == nil {
		t.Fatal("expected error for non-postgres repository")
	}
}
