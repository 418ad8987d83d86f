package generation

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/book-expert/logger"
)

const (
	scratchPattern  = "float-*"
	filePermissions = 0o600
)

// Scratch is a per-request directory holding staged uploads.
type Scratch struct {
	dir string
	log *logger.Logger
}

// NewScratch creates a fresh directory under root (the OS temp dir when root is empty).
func NewScratch(root string, log *logger.Logger) (*Scratch, error) {
	dir, err := os.MkdirTemp(root, scratchPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	return &Scratch{dir: dir, log: log}, nil
}

// Dir returns the scratch directory path.
func (s *Scratch) Dir() string {
	return s.dir
}

// Stage copies src into the scratch directory under the base of name and
// returns the staged path. A name already taken gets a numeric prefix.
func (s *Scratch) Stage(name string, src io.Reader) (string, error) {
	path, err := s.freePath(SafeFileName(name))
	if err != nil {
		return "", err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePermissions)
	if err != nil {
		return "", fmt.Errorf("failed to create staged file '%s': %w", path, err)
	}

	_, copyErr := io.Copy(file, src)
	closeErr := file.Close()

	if copyErr != nil {
		return "", fmt.Errorf("failed to write staged file '%s': %w", path, copyErr)
	}

	if closeErr != nil {
		return "", fmt.Errorf("failed to close staged file '%s': %w", path, closeErr)
	}

	return path, nil
}

func (s *Scratch) freePath(base string) (string, error) {
	candidate := filepath.Join(s.dir, base)

	for attempt := 1; ; attempt++ {
		_, err := os.Stat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}

		if err != nil {
			return "", fmt.Errorf("failed to check staged path '%s': %w", candidate, err)
		}

		candidate = filepath.Join(s.dir, strconv.Itoa(attempt)+"-"+base)
	}
}

// Cleanup removes the directory and everything in it. Failures are logged only.
func (s *Scratch) Cleanup() {
	err := os.RemoveAll(s.dir)
	if err != nil {
		s.log.Warn("Failed to remove scratch directory '%s': %v", s.dir, err)
	}
}
