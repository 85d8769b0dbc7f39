package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"reelstream/internal/media"
	"reelstream/internal/models"
	"reelstream/internal/observability/metrics"
	"reelstream/internal/storage"
)

type fakeEncoder struct {
	mu          sync.Mutex
	failHeights map[int]bool
	failThumb   bool
	encodeCalls int
	thumbCalls  int
}

func (f *fakeEncoder) Encode(ctx context.Context, sourcePath, outputDir string, height int, mode media.Mode) (string, error) {
	f.mu.Lock()
	f.encodeCalls++
	fail := f.failHeights[height]
	f.mu.Unlock()
	if fail {
		return "", &media.EncodeError{Height: height, ExitCode: 1, Err: errors.New("encode failed")}
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", err
	}
	var output string
	if mode == media.ModeFlat {
		output = filepath.Join(outputDir, media.BaseName(sourcePath)+".mp4")
	} else {
		output = filepath.Join(outputDir, media.ManifestName)
	}
	if err := os.WriteFile(output, []byte("#EXTM3U\n"), 0o644); err != nil {
		return "", err
	}
	return output, nil
}

func (f *fakeEncoder) ExtractThumbnail(ctx context.Context, sourcePath, outputPath string, atSeconds float64) error {
	f.mu.Lock()
	f.thumbCalls++
	fail := f.failThumb
	f.mu.Unlock()
	if fail {
		return &media.ThumbnailError{Err: errors.New("thumbnail failed")}
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(outputPath, []byte("jpeg"), 0o644)
}

func (f *fakeEncoder) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.encodeCalls, f.thumbCalls
}

type processorFixture struct {
	store     *storage.Storage
	layout    media.Layout
	encoder   *fakeEncoder
	processor *Processor
}

func newProcessorFixture(t *testing.T, cfg ProcessorConfig) *processorFixture {
	t.Helper()
	root := t.TempDir()
	layout, err := media.NewLayout(root, nil)
	if err != nil {
		t.Fatalf("NewLayout returned error: %v", err)
	}
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	encoder := &fakeEncoder{failHeights: map[int]bool{}}

	cfg.Store = store
	cfg.Encoder = encoder
	cfg.Layout = layout
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Metrics = metrics.New()
	return &processorFixture{
		store:     store,
		layout:    layout,
		encoder:   encoder,
		processor: NewProcessor(cfg),
	}
}

func (f *processorFixture) createVideoWithSource(t *testing.T, name string) string {
	t.Helper()
	rel := "videos/original/" + name
	source := f.layout.Abs(rel)
	if err := os.MkdirAll(filepath.Dir(source), 0o755); err != nil {
		t.Fatalf("create source dir: %v", err)
	}
	if err := os.WriteFile(source, []byte("mp4"), 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}
	video, err := f.store.CreateVideo(storage.CreateVideoParams{Title: name, SourcePath: rel})
	if err != nil {
		t.Fatalf("CreateVideo returned error: %v", err)
	}
	return video.ID
}

func TestProcessVideoProducesLadderRenditions(t *testing.T) {
	fixture := newProcessorFixture(t, ProcessorConfig{})
	id := fixture.createVideoWithSource(t, "clip.mp4")

	fixture.processor.processVideo(id)

	video, ok := fixture.store.GetVideo(id)
	if !ok {
		t.Fatal("video missing after processing")
	}
	for _, token := range fixture.layout.Tokens() {
		rendition, ok := video.Rendition(token)
		if !ok {
			t.Fatalf("missing rendition for %s", token)
		}
		if !fileIsRegular(fixture.layout.Abs(rendition.ManifestPath)) {
			t.Fatalf("manifest missing on disk for %s", token)
		}
	}
	if video.ThumbnailPath == "" {
		t.Fatal("expected thumbnail path to be recorded")
	}
	if !fileIsRegular(fixture.layout.Abs(video.ThumbnailPath)) {
		t.Fatal("thumbnail missing on disk")
	}
}

func TestProcessVideoSkipsFailedResolution(t *testing.T) {
	fixture := newProcessorFixture(t, ProcessorConfig{})
	fixture.encoder.failHeights[720] = true
	id := fixture.createVideoWithSource(t, "clip.mp4")

	fixture.processor.processVideo(id)

	video, _ := fixture.store.GetVideo(id)
	if _, ok := video.Rendition("720p"); ok {
		t.Fatal("failed resolution must not be recorded")
	}
	if _, ok := video.Rendition("480p"); !ok {
		t.Fatal("480p should survive a 720p failure")
	}
	if _, ok := video.Rendition("1080p"); !ok {
		t.Fatal("1080p should survive a 720p failure")
	}
}

func TestProcessVideoWithAllEncodesFailing(t *testing.T) {
	fixture := newProcessorFixture(t, ProcessorConfig{})
	for _, height := range fixture.layout.Ladder() {
		fixture.encoder.failHeights[height] = true
	}
	id := fixture.createVideoWithSource(t, "clip.mp4")

	fixture.processor.processVideo(id)

	video, _ := fixture.store.GetVideo(id)
	if len(video.Renditions) != 0 {
		t.Fatalf("expected no renditions, got %+v", video.Renditions)
	}
	// Thumbnail extraction is independent of rendition failures.
	if video.ThumbnailPath == "" {
		t.Fatal("thumbnail should still be extracted")
	}
}

func TestProcessVideoThumbnailFailureIsNonFatal(t *testing.T) {
	fixture := newProcessorFixture(t, ProcessorConfig{})
	fixture.encoder.failThumb = true
	id := fixture.createVideoWithSource(t, "clip.mp4")

	fixture.processor.processVideo(id)

	video, _ := fixture.store.GetVideo(id)
	if len(video.Renditions) != len(fixture.layout.Ladder()) {
		t.Fatalf("renditions should land despite thumbnail failure, got %d", len(video.Renditions))
	}
	if video.ThumbnailPath != "" {
		t.Fatalf("unexpected thumbnail path: %q", video.ThumbnailPath)
	}
}

func TestProcessVideoSkipsMissingSource(t *testing.T) {
	fixture := newProcessorFixture(t, ProcessorConfig{})
	video, err := fixture.store.CreateVideo(storage.CreateVideoParams{
		Title:      "ghost",
		SourcePath: "videos/original/ghost.mp4",
	})
	if err != nil {
		t.Fatalf("CreateVideo returned error: %v", err)
	}

	fixture.processor.processVideo(video.ID)

	encodes, thumbs := fixture.encoder.calls()
	if encodes != 0 || thumbs != 0 {
		t.Fatalf("expected no encoder invocations, got %d/%d", encodes, thumbs)
	}
}

func TestProcessVideoSkipsUnknownVideo(t *testing.T) {
	fixture := newProcessorFixture(t, ProcessorConfig{})

	fixture.processor.processVideo("does-not-exist")

	encodes, _ := fixture.encoder.calls()
	if encodes != 0 {
		t.Fatalf("expected no encoder invocations, got %d", encodes)
	}
}

func TestProcessVideoFlatRenditions(t *testing.T) {
	fixture := newProcessorFixture(t, ProcessorConfig{FlatRenditions: true})
	id := fixture.createVideoWithSource(t, "clip.mp4")

	fixture.processor.processVideo(id)

	video, _ := fixture.store.GetVideo(id)
	for _, token := range fixture.layout.Tokens() {
		rendition, ok := video.Rendition(token)
		if !ok {
			t.Fatalf("missing rendition for %s", token)
		}
		if rendition.FilePath == "" {
			t.Fatalf("expected flat file path for %s", token)
		}
		if !fileIsRegular(fixture.layout.Abs(rendition.FilePath)) {
			t.Fatalf("flat file missing on disk for %s", token)
		}
	}
}

func TestDuplicateEnqueueIsParkedAndRerun(t *testing.T) {
	fixture := newProcessorFixture(t, ProcessorConfig{})
	p := fixture.processor

	if !p.beginWork("vid-1") {
		t.Fatal("first claim should succeed")
	}
	if p.beginWork("vid-1") {
		t.Fatal("duplicate claim should be parked")
	}
	p.finishWork("vid-1")

	select {
	case id := <-p.queue:
		if id != "vid-1" {
			t.Fatalf("unexpected requeued id: %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("parked job was not re-enqueued")
	}

	// The rerun consumed the parked marker; finishing again must not loop.
	if !p.beginWork("vid-1") {
		t.Fatal("claim after rerun should succeed")
	}
	p.finishWork("vid-1")
	select {
	case id := <-p.queue:
		t.Fatalf("unexpected extra enqueue: %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRecoverPendingEnqueuesUnprocessedVideos(t *testing.T) {
	fixture := newProcessorFixture(t, ProcessorConfig{})
	pending := fixture.createVideoWithSource(t, "pending.mp4")
	finished := fixture.createVideoWithSource(t, "finished.mp4")
	if _, err := fixture.store.SetRendition(finished, "720p", models.Rendition{
		Kind:         models.RenditionHLS,
		ManifestPath: "videos/hls/720p/finished/index.m3u8",
	}); err != nil {
		t.Fatalf("SetRendition returned error: %v", err)
	}

	fixture.processor.recoverPending()

	select {
	case id := <-fixture.processor.queue:
		if id != pending {
			t.Fatalf("expected pending video %s, got %s", pending, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending video was not re-enqueued")
	}
	select {
	case id := <-fixture.processor.queue:
		t.Fatalf("finished video should not be re-enqueued, got %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProcessorRunsJobsEndToEnd(t *testing.T) {
	fixture := newProcessorFixture(t, ProcessorConfig{Workers: 1})
	id := fixture.createVideoWithSource(t, "clip.mp4")

	fixture.processor.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := fixture.processor.Shutdown(ctx); err != nil {
			t.Fatalf("Shutdown returned error: %v", err)
		}
	}()

	fixture.processor.Enqueue(id)

	deadline := time.Now().Add(5 * time.Second)
	for {
		video, _ := fixture.store.GetVideo(id)
		if len(video.Renditions) == len(fixture.layout.Ladder()) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not complete, renditions: %+v", video.Renditions)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// overlapEncoder records how many encodes run at once on top of the fake's
// file writing behaviour.
type overlapEncoder struct {
	fakeEncoder

	overlapMu sync.Mutex
	active    int
	maxActive int
}

func (e *overlapEncoder) Encode(ctx context.Context, sourcePath, outputDir string, height int, mode media.Mode) (string, error) {
	e.overlapMu.Lock()
	e.active++
	if e.active > e.maxActive {
		e.maxActive = e.active
	}
	e.overlapMu.Unlock()
	time.Sleep(20 * time.Millisecond)
	output, err := e.fakeEncoder.Encode(ctx, sourcePath, outputDir, height, mode)
	e.overlapMu.Lock()
	e.active--
	e.overlapMu.Unlock()
	return output, err
}

func TestSameVideoJobsSerialiseAcrossNodes(t *testing.T) {
	layout, err := media.NewLayout(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewLayout returned error: %v", err)
	}
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	encoder := &overlapEncoder{fakeEncoder: fakeEncoder{failHeights: map[int]bool{}}}
	locker := NewMemoryLocker()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	newNode := func() *Processor {
		return NewProcessor(ProcessorConfig{
			Store:             store,
			Encoder:           encoder,
			Layout:            layout,
			Locker:            locker,
			EncodeConcurrency: 1,
			Logger:            logger,
			Metrics:           metrics.New(),
		})
	}
	nodeA, nodeB := newNode(), newNode()

	rel := "videos/original/clip.mp4"
	source := layout.Abs(rel)
	if err := os.MkdirAll(filepath.Dir(source), 0o755); err != nil {
		t.Fatalf("create source dir: %v", err)
	}
	if err := os.WriteFile(source, []byte("mp4"), 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}
	video, err := store.CreateVideo(storage.CreateVideoParams{Title: "clip", SourcePath: rel})
	if err != nil {
		t.Fatalf("CreateVideo returned error: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		nodeA.processVideo(video.ID)
	}()
	go func() {
		defer wg.Done()
		nodeB.processVideo(video.ID)
	}()
	wg.Wait()

	if encoder.maxActive > 1 {
		t.Fatalf("same-video encodes overlapped across nodes: max parallel = %d", encoder.maxActive)
	}
	stored, _ := store.GetVideo(video.ID)
	if len(stored.Renditions) != len(layout.Ladder()) {
		t.Fatalf("expected full ladder after both jobs, got %d renditions", len(stored.Renditions))
	}
}

func TestReprocessKeepsExistingRenditions(t *testing.T) {
	fixture := newProcessorFixture(t, ProcessorConfig{})
	id := fixture.createVideoWithSource(t, "clip.mp4")

	fixture.processor.processVideo(id)
	video, _ := fixture.store.GetVideo(id)
	if len(video.Renditions) != len(fixture.layout.Ladder()) {
		t.Fatalf("first run should land the full ladder, got %d", len(video.Renditions))
	}

	// A rerun with one resolution failing must never shrink the set.
	fixture.encoder.failHeights[720] = true
	fixture.processor.processVideo(id)

	video, _ = fixture.store.GetVideo(id)
	if len(video.Renditions) != len(fixture.layout.Ladder()) {
		t.Fatalf("rendition set shrank after rerun: %d of %d", len(video.Renditions), len(fixture.layout.Ladder()))
	}
	for _, token := range fixture.layout.Tokens() {
		rendition, ok := video.Rendition(token)
		if !ok {
			t.Fatalf("missing rendition for %s after rerun", token)
		}
		if !fileIsRegular(fixture.layout.Abs(rendition.ManifestPath)) {
			t.Fatalf("manifest missing on disk for %s after rerun", token)
		}
	}
}

func TestEncodeStatus(t *testing.T) {
	if got := encodeStatus(context.DeadlineExceeded); got != "timeout" {
		t.Fatalf("expected timeout, got %q", got)
	}
	if got := encodeStatus(errors.New("boom")); got != "fail" {
		t.Fatalf("expected fail, got %q", got)
	}
}

func fileIsRegular(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
