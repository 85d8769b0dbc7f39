package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"reelstream/internal/media"
	"reelstream/internal/models"
	"reelstream/internal/observability/metrics"
	"reelstream/internal/storage"
)

// ErrSourceMissing marks a job whose video record points at a source file
// that no longer exists on disk. The job is skipped, not retried.
var ErrSourceMissing = errors.New("transcode source missing")

// Encoder is the subset of the media encoder the processor needs. Tests swap
// in fakes to exercise the job lifecycle without an ffmpeg binary.
type Encoder interface {
	Encode(ctx context.Context, sourcePath, outputDir string, height int, mode media.Mode) (string, error)
	ExtractThumbnail(ctx context.Context, sourcePath, outputPath string, atSeconds float64) error
}

// ProcessorConfig wires the transcode worker pool.
type ProcessorConfig struct {
	Store   storage.Repository
	Encoder Encoder
	Layout  media.Layout
	// Workers is the number of concurrent jobs; each job additionally fans
	// out over the ladder bounded by EncodeConcurrency.
	Workers           int
	QueueSize         int
	Timeout           time.Duration
	EncodeConcurrency int
	// FlatRenditions additionally produces a progressive MP4 per resolution.
	FlatRenditions     bool
	ThumbnailAtSeconds float64
	// Locker serializes same-video jobs across every node consuming the
	// shared queue. Leave nil for single-process deployments.
	Locker  JobLocker
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

const (
	defaultWorkers            = 2
	defaultQueueSize          = 64
	defaultJobTimeout         = 30 * time.Minute
	defaultEncodeConcurrency  = 2
	defaultThumbnailAtSeconds = 1.0

	videoClaimPrefix  = "reelstream:claims:video:"
	recoveryClaimKey  = "reelstream:claims:recovery"
	recoveryClaimTTL  = 5 * time.Minute
	claimRetryBackoff = 250 * time.Millisecond
)

// Processor runs transcode jobs on a fixed worker pool. Jobs for the same
// video never run concurrently: a duplicate enqueue while the video is in
// flight is parked and re-run once, after the current job finishes.
type Processor struct {
	store              storage.Repository
	encoder            Encoder
	layout             media.Layout
	workers            int
	timeout            time.Duration
	encodeConcurrency  int
	flatRenditions     bool
	thumbnailAtSeconds float64
	locker             JobLocker
	logger             *slog.Logger
	metrics            *metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc

	queue chan string
	wg    sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	parked   map[string]struct{}
	started  bool
}

// NewProcessor constructs a Processor; Start must be called before jobs run.
func NewProcessor(cfg ProcessorConfig) *Processor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	encodeConcurrency := cfg.EncodeConcurrency
	if encodeConcurrency <= 0 {
		encodeConcurrency = defaultEncodeConcurrency
	}
	thumbnailAt := cfg.ThumbnailAtSeconds
	if thumbnailAt <= 0 {
		thumbnailAt = defaultThumbnailAtSeconds
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	locker := cfg.Locker
	if locker == nil {
		locker = NewMemoryLocker()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		store:              cfg.Store,
		encoder:            cfg.Encoder,
		layout:             cfg.Layout,
		workers:            workers,
		timeout:            timeout,
		encodeConcurrency:  encodeConcurrency,
		flatRenditions:     cfg.FlatRenditions,
		thumbnailAtSeconds: thumbnailAt,
		locker:             locker,
		logger:             logger,
		metrics:            recorder,
		ctx:                ctx,
		cancel:             cancel,
		queue:              make(chan string, queueSize),
		inFlight:           make(map[string]struct{}),
		parked:             make(map[string]struct{}),
	}
}

// Start launches the worker pool and requeues videos that were left without
// renditions by an earlier crash.
func (p *Processor) Start() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	go p.recoverPending()
}

// Shutdown stops accepting work and waits for running jobs to drain.
func (p *Processor) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue schedules a transcode job for the video. Safe to call from any
// goroutine; drops silently after shutdown has begun.
func (p *Processor) Enqueue(id string) {
	if p == nil || strings.TrimSpace(id) == "" {
		return
	}
	select {
	case <-p.ctx.Done():
		return
	default:
	}
	select {
	case p.queue <- id:
	case <-p.ctx.Done():
	}
}

func (p *Processor) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case id := <-p.queue:
			if strings.TrimSpace(id) == "" {
				continue
			}
			if !p.beginWork(id) {
				continue
			}
			p.processVideo(id)
			p.finishWork(id)
		}
	}
}

// beginWork claims the video for this worker. A duplicate while the video is
// already claimed is parked instead of dropped so a reprocess request issued
// mid-job still takes effect.
func (p *Processor) beginWork(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.inFlight[id]; exists {
		p.parked[id] = struct{}{}
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Processor) finishWork(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	_, rerun := p.parked[id]
	delete(p.parked, id)
	p.mu.Unlock()
	if rerun {
		p.Enqueue(id)
	}
}

// recoverPending re-enqueues videos that have a source but no renditions,
// which is the state a crash mid-job leaves behind. One node per recovery
// window performs the sweep; the claim lapses on its own so a node restarting
// later can sweep again.
func (p *Processor) recoverPending() {
	if p.store == nil {
		return
	}
	claimed, err := p.locker.TryLock(p.ctx, recoveryClaimKey, recoveryClaimTTL)
	if err != nil {
		p.logger.Warn("crash recovery claim unavailable", "error", err)
		return
	}
	if !claimed {
		p.logger.Info("crash recovery already claimed by another node")
		return
	}
	for _, video := range p.store.ListVideos() {
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		if len(video.Renditions) == 0 && strings.TrimSpace(video.SourcePath) != "" {
			p.Enqueue(video.ID)
		}
	}
}

func (p *Processor) processVideo(id string) {
	if p.store == nil || p.encoder == nil {
		return
	}
	video, ok := p.store.GetVideo(id)
	if !ok {
		p.logger.Warn("transcode job for unknown video", "video_id", id)
		p.metrics.JobSkipped()
		return
	}
	source := p.layout.Abs(video.SourcePath)
	if !isRegularFile(source) {
		p.logger.Error(ErrSourceMissing.Error(), "video_id", id, "source", video.SourcePath)
		p.metrics.JobSkipped()
		return
	}

	logger := p.logger.With("video_id", id)
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	release, claimed := p.claimVideo(ctx, logger, id)
	if !claimed {
		p.metrics.JobSkipped()
		logger.Warn("video claimed elsewhere, job abandoned")
		return
	}
	defer release()

	p.metrics.JobStarted()
	start := time.Now()
	logger.Info("transcode job started", "source", video.SourcePath)

	base := media.BaseName(video.SourcePath)
	succeeded := p.encodeLadder(ctx, logger, video, base, source)
	p.extractThumbnail(ctx, logger, video, base, source)

	if succeeded == 0 {
		p.metrics.JobFailed()
		logger.Error("transcode job produced no renditions", "duration_ms", time.Since(start).Milliseconds())
		return
	}
	p.metrics.JobCompleted()
	logger.Info("transcode job completed",
		"renditions", succeeded,
		"ladder", len(p.layout.Ladder()),
		"duration_ms", time.Since(start).Milliseconds())
}

// claimVideo takes the cross-node claim for the video. The claim outlives the
// job deadline so it cannot lapse mid-job; a worker whose video is held by
// another node waits until the holder releases or the job deadline passes.
func (p *Processor) claimVideo(ctx context.Context, logger *slog.Logger, id string) (func(), bool) {
	key := videoClaimPrefix + id
	ttl := p.timeout + time.Minute
	for {
		claimed, err := p.locker.TryLock(ctx, key, ttl)
		if err != nil {
			logger.Warn("video claim attempt failed", "error", err)
		}
		if claimed {
			release := func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := p.locker.Unlock(releaseCtx, key); err != nil {
					logger.Warn("video claim release failed", "error", err)
				}
			}
			return release, true
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(claimRetryBackoff):
		}
	}
}

// encodeLadder runs the ladder with bounded parallelism. A failed resolution
// is skipped without aborting the others; the job succeeds when at least one
// rendition lands.
func (p *Processor) encodeLadder(ctx context.Context, logger *slog.Logger, video models.Video, base, source string) int {
	var (
		mu        sync.Mutex
		succeeded int
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.encodeConcurrency)
	for _, height := range p.layout.Ladder() {
		height := height
		group.Go(func() error {
			if p.encodeResolution(groupCtx, logger, video, base, source, height) {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
			return nil
		})
	}
	group.Wait()
	return succeeded
}

// encodeResolution produces the artifacts for one ladder height and links
// them into the video record only after they exist on disk.
func (p *Processor) encodeResolution(ctx context.Context, logger *slog.Logger, video models.Video, base, source string, height int) bool {
	token := media.Token(height)
	rendition := models.Rendition{Kind: models.RenditionHLS}

	manifest, err := p.encoder.Encode(ctx, source, p.layout.HLSDir(base, token), height, media.ModeHLS)
	if err != nil {
		p.metrics.ObserveEncode(token, encodeStatus(err))
		logger.Error("rendition encode failed", "resolution", token, "error", err)
		return false
	}
	p.metrics.ObserveEncode(token, "ok")
	rendition.ManifestPath, err = p.layout.Rel(manifest)
	if err != nil {
		logger.Error("rendition path outside media root", "resolution", token, "error", err)
		return false
	}

	if p.flatRenditions {
		flat, err := p.encoder.Encode(ctx, source, filepath.Dir(p.layout.FlatPath(base, token)), height, media.ModeFlat)
		if err != nil {
			logger.Warn("flat rendition encode failed", "resolution", token, "error", err)
		} else if rel, relErr := p.layout.Rel(flat); relErr == nil {
			rendition.FilePath = rel
		}
	}

	if _, err := p.store.SetRendition(video.ID, token, rendition); err != nil {
		logger.Error("rendition record update failed", "resolution", token, "error", err)
		return false
	}
	logger.Info("rendition ready", "resolution", token, "manifest", rendition.ManifestPath)
	return true
}

// extractThumbnail captures the poster frame. Failure degrades the record but
// never fails the job.
func (p *Processor) extractThumbnail(ctx context.Context, logger *slog.Logger, video models.Video, base, source string) {
	output := p.layout.ThumbnailPath(base)
	if err := p.encoder.ExtractThumbnail(ctx, source, output, p.thumbnailAtSeconds); err != nil {
		logger.Warn("thumbnail extraction failed", "error", err)
		return
	}
	rel, err := p.layout.Rel(output)
	if err != nil {
		logger.Warn("thumbnail path outside media root", "error", err)
		return
	}
	if _, err := p.store.SetThumbnail(video.ID, rel); err != nil {
		logger.Warn("thumbnail record update failed", "error", err)
	}
}

func encodeStatus(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "timeout"
	}
	return "fail"
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Trigger publishes a transcode job and is the handle the API layer holds.
type Trigger interface {
	Trigger(ctx context.Context, videoID, reason string) error
}

// QueueTrigger publishes jobs onto a Queue so any subscribed node can pick
// them up.
type QueueTrigger struct {
	Queue Queue
}

func (t QueueTrigger) Trigger(ctx context.Context, videoID, reason string) error {
	if t.Queue == nil {
		return fmt.Errorf("job queue unavailable")
	}
	return t.Queue.Publish(ctx, Job{
		VideoID:    videoID,
		Reason:     strings.TrimSpace(reason),
		EnqueuedAt: time.Now().UTC(),
	})
}
