// Package images stores preview screenshots on the local filesystem.
package images

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store writes preview images under a single base directory.
type Store struct {
	baseDir string
}

// New creates a Store rooted at baseDir. The directory is created on the
// first Save, so construction never touches the filesystem.
func New(baseDir string) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	return &Store{baseDir: abs}, nil
}

// BaseDir returns the resolved image directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// Save writes one image and returns its full path. Names that would land
// outside the base directory are rejected.
func (s *Store) Save(name string, data []byte) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("image name is required")
	}
	fullPath := filepath.Join(s.baseDir, name)
	if !strings.HasPrefix(filepath.Clean(fullPath), s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("image name %q escapes the image directory", name)
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("create image directory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return fullPath, nil
}

// Missing reports whether a previously stored image has vanished from disk.
func Missing(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err != nil
}
