package media

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeStubEncoder(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub encoder: %v", err)
	}
	return path
}

// stubWritesOutput copies a marker into whatever file path appears as the
// final argument, mirroring how the real binary treats its trailing output.
const stubWritesOutput = "#!/bin/sh\nfor last in \"$@\"; do :; done\nprintf '#EXTM3U\\n' > \"$last\"\n"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEncodeHLSWritesManifest(t *testing.T) {
	enc := NewEncoder(EncoderConfig{
		Binary: writeStubEncoder(t, stubWritesOutput),
		Logger: discardLogger(),
	})
	outputDir := filepath.Join(t.TempDir(), "hls", "720p", "movie")

	path, err := enc.Encode(context.Background(), "/library/movie.mp4", outputDir, 720, ModeHLS)
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	if path != filepath.Join(outputDir, ManifestName) {
		t.Fatalf("unexpected manifest path: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if !strings.HasPrefix(string(data), "#EXTM3U") {
		t.Fatalf("unexpected manifest contents: %q", data)
	}
}

func TestEncodeFlatNamesOutputAfterSource(t *testing.T) {
	enc := NewEncoder(EncoderConfig{
		Binary: writeStubEncoder(t, stubWritesOutput),
		Logger: discardLogger(),
	})
	outputDir := filepath.Join(t.TempDir(), "720p")

	path, err := enc.Encode(context.Background(), "/library/My Movie.mp4", outputDir, 720, ModeFlat)
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	if path != filepath.Join(outputDir, "My-Movie.mp4") {
		t.Fatalf("unexpected output path: %s", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("output file missing: %v", err)
	}
}

func TestEncodeRejectsUnknownMode(t *testing.T) {
	enc := NewEncoder(EncoderConfig{
		Binary: writeStubEncoder(t, stubWritesOutput),
		Logger: discardLogger(),
	})
	if _, err := enc.Encode(context.Background(), "/library/movie.mp4", t.TempDir(), 720, Mode("dash")); err == nil {
		t.Fatal("expected error for unsupported mode")
	}
}

func TestEncodeReportsExitCode(t *testing.T) {
	enc := NewEncoder(EncoderConfig{
		Binary: writeStubEncoder(t, "#!/bin/sh\nexit 3\n"),
		Logger: discardLogger(),
	})

	_, err := enc.Encode(context.Background(), "/library/movie.mp4", t.TempDir(), 480, ModeHLS)
	var encodeErr *EncodeError
	if !errors.As(err, &encodeErr) {
		t.Fatalf("expected *EncodeError, got %v", err)
	}
	if encodeErr.Height != 480 || encodeErr.ExitCode != 3 {
		t.Fatalf("unexpected error details: height=%d exit=%d", encodeErr.Height, encodeErr.ExitCode)
	}
}

func TestEncodeKillsWedgedInvocation(t *testing.T) {
	enc := NewEncoder(EncoderConfig{
		Binary:  writeStubEncoder(t, "#!/bin/sh\nsleep 5\n"),
		Timeout: 50 * time.Millisecond,
		Logger:  discardLogger(),
	})

	start := time.Now()
	_, err := enc.Encode(context.Background(), "/library/movie.mp4", t.TempDir(), 480, ModeHLS)
	if err == nil {
		t.Fatal("expected error after timeout")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("invocation was not killed promptly, took %v", elapsed)
	}
}

func TestExtractThumbnailWritesFrame(t *testing.T) {
	enc := NewEncoder(EncoderConfig{
		Binary: writeStubEncoder(t, stubWritesOutput),
		Logger: discardLogger(),
	})
	output := filepath.Join(t.TempDir(), "thumbnails", "movie.jpg")

	if err := enc.ExtractThumbnail(context.Background(), "/library/movie.mp4", output, 1.0); err != nil {
		t.Fatalf("ExtractThumbnail returned error: %v", err)
	}
	if _, err := os.Stat(output); err != nil {
		t.Fatalf("thumbnail missing: %v", err)
	}
}

func TestExtractThumbnailWrapsFailures(t *testing.T) {
	enc := NewEncoder(EncoderConfig{
		Binary: writeStubEncoder(t, "#!/bin/sh\nexit 1\n"),
		Logger: discardLogger(),
	})

	err := enc.ExtractThumbnail(context.Background(), "/library/movie.mp4", filepath.Join(t.TempDir(), "movie.jpg"), -2)
	var thumbErr *ThumbnailError
	if !errors.As(err, &thumbErr) {
		t.Fatalf("expected *ThumbnailError, got %v", err)
	}
}
