package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalUploader writes objects under a base directory. Used in local
// development when no bucket is configured.
type LocalUploader struct {
	baseDir string
}

func NewLocalUploader(baseDir string) (*LocalUploader, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media dir: %w", err)
	}
	return &LocalUploader{baseDir: baseDir}, nil
}

func (u *LocalUploader) Upload(_ context.Context, path, _ string, data []byte) (string, error) {
	full := filepath.Join(u.baseDir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("failed to create dir for %s: %w", path, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return "file://" + full, nil
}
