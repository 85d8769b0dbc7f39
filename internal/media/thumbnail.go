package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// ThumbnailError reports a failed still-image extraction. It is non-fatal to
// the pipeline; a video without a thumbnail is a degraded but valid state.
type ThumbnailError struct {
	Err error
}

func (e *ThumbnailError) Error() string {
	return fmt.Sprintf("thumbnail extraction failed: %v", e.Err)
}

func (e *ThumbnailError) Unwrap() error {
	return e.Err
}

// ExtractThumbnail decodes the frame at atSeconds and writes it as a still
// image at outputPath. The containing directory is created when absent.
func (e *Encoder) ExtractThumbnail(ctx context.Context, sourcePath, outputPath string, atSeconds float64) error {
	if atSeconds < 0 {
		atSeconds = 0
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return &ThumbnailError{Err: fmt.Errorf("prepare thumbnail dir: %w", err)}
	}
	args := []string{
		"-y",
		"-ss", fmt.Sprintf("%g", atSeconds),
		"-i", sourcePath,
		"-frames:v", "1",
		outputPath,
	}
	if err := e.run(ctx, args, "output", outputPath); err != nil {
		return &ThumbnailError{Err: err}
	}
	return nil
}
