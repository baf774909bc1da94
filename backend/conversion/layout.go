package conversion

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Layout places job files under per-job directories:
// <upload_dir>/<job id>/<filename> and <output_dir>/<job id>/<stem>.<target>
type Layout struct {
	UploadDir string
	OutputDir string
}

// NewLayout creates a layout rooted at the given directories
func NewLayout(uploadDir, outputDir string) *Layout {
	return &Layout{UploadDir: uploadDir, OutputDir: outputDir}
}

// Ensure creates the root directories
func (l *Layout) Ensure() error {
	for _, dir := range []string{l.UploadDir, l.OutputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// InputPath returns where a job's uploaded file is stored
func (l *Layout) InputPath(jobID, filename string) string {
	return filepath.Join(l.UploadDir, jobID, filename)
}

// OutputPath returns where a job's converted file is written
func (l *Layout) OutputPath(jobID, filename, targetFormat string) string {
	return filepath.Join(l.OutputDir, jobID, OutputFilename(filename, targetFormat))
}

// RemoveJob deletes both of a job's directories
func (l *Layout) RemoveJob(jobID string) error {
	var firstErr error
	for _, dir := range []string{filepath.Join(l.UploadDir, jobID), filepath.Join(l.OutputDir, jobID)} {
		if err := os.RemoveAll(dir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OutputFilename swaps a filename's extension for the target format
func OutputFilename(filename, targetFormat string) string {
	base := filepath.Base(filename)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return stem + "." + targetFormat
}
