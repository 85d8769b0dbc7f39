package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Mode selects the rendition shape the encoder produces.
type Mode string

const (
	// ModeHLS produces a manifest plus fixed-duration transport segments.
	ModeHLS Mode = "hls"
	// ModeFlat produces a single progressive MP4 file.
	ModeFlat Mode = "flat"
)

const defaultSegmentSeconds = 10

// EncodeError reports a failed encoder invocation for one resolution. The
// caller decides whether to abort the job or skip just that resolution.
type EncodeError struct {
	Height   int
	ExitCode int
	Err      error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %dp failed (exit %d): %v", e.Height, e.ExitCode, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// EncoderConfig controls the external encoder invocation.
type EncoderConfig struct {
	// Binary is the encoder executable, "ffmpeg" when empty.
	Binary string
	// Timeout bounds a single invocation; the subprocess is killed when it
	// elapses so a wedged encode cannot starve the worker pool.
	Timeout time.Duration
	// SegmentSeconds is the HLS segment target duration.
	SegmentSeconds int
	Logger         *slog.Logger
}

// Encoder shells out to the external encoder binary to produce renditions and
// thumbnails. It performs no retries; each call is one subprocess invocation.
type Encoder struct {
	binary         string
	timeout        time.Duration
	segmentSeconds int
	logger         *slog.Logger
}

// NewEncoder constructs an Encoder from the provided configuration.
func NewEncoder(cfg EncoderConfig) *Encoder {
	binary := cfg.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	segmentSeconds := cfg.SegmentSeconds
	if segmentSeconds <= 0 {
		segmentSeconds = defaultSegmentSeconds
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Encoder{
		binary:         binary,
		timeout:        cfg.Timeout,
		segmentSeconds: segmentSeconds,
		logger:         logger,
	}
}

// Encode transcodes sourcePath into outputDir at the given target height.
// Width is derived by the encoder to preserve aspect ratio, rounded to an
// even pixel count. In HLS mode the manifest path is returned; in flat mode
// the MP4 path. The output directory is created when absent.
func (e *Encoder) Encode(ctx context.Context, sourcePath, outputDir string, height int, mode Mode) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("prepare output dir: %w", err)
	}

	var output string
	args := []string{
		"-y",
		"-i", sourcePath,
		"-vf", fmt.Sprintf("scale=-2:%d", height),
		"-c:v", "libx264",
		"-crf", "23",
		"-preset", "fast",
		"-c:a", "aac",
	}
	switch mode {
	case ModeFlat:
		output = filepath.Join(outputDir, BaseName(sourcePath)+".mp4")
		args = append(args, "-movflags", "+faststart", output)
	case ModeHLS:
		output = filepath.Join(outputDir, ManifestName)
		args = append(args,
			"-hls_time", fmt.Sprintf("%d", e.segmentSeconds),
			"-hls_list_size", "0",
			"-hls_segment_filename", filepath.Join(outputDir, "%03d.ts"),
			output,
		)
	default:
		return "", fmt.Errorf("unsupported encode mode %q", mode)
	}

	if err := e.run(ctx, args, "height", height); err != nil {
		return "", &EncodeError{Height: height, ExitCode: exitCode(err), Err: err}
	}
	return output, nil
}

func (e *Encoder) run(ctx context.Context, args []string, attrs ...any) error {
	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, e.binary, args...)
	cmd.Stdout = newLogWriter(e.logger, "stdout")
	cmd.Stderr = newLogWriter(e.logger, "stderr")

	start := time.Now()
	err := cmd.Run()
	logAttrs := append([]any{"binary", e.binary, "duration_ms", time.Since(start).Milliseconds()}, attrs...)
	if err != nil {
		if runCtx.Err() != nil {
			err = fmt.Errorf("encoder killed: %w", runCtx.Err())
		}
		e.logger.Error("encoder invocation failed", append(logAttrs, "error", err)...)
		return err
	}
	e.logger.Debug("encoder invocation completed", logAttrs...)
	return nil
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// logWriter forwards subprocess output line-wise to the structured logger so
// encoder diagnostics end up in the same stream as everything else.
type logWriter struct {
	logger *slog.Logger
	stream string
}

func newLogWriter(logger *slog.Logger, stream string) *logWriter {
	return &logWriter{logger: logger, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("encoder output", "stream", w.stream, "line", string(line))
	}
	return total, nil
}
