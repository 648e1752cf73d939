// Package filesystem is the on-disk collaborator of the download scheduler.
package filesystem

import (
	"errors"
	"io"
	"io/fs"
	"os"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// FileSystem is the subset of disk operations the scheduler and cleanup use.
type FileSystem interface {
	// Exists reports whether a regular file or directory is present at path.
	Exists(path string) (bool, error)
	// MkdirAll creates path and any missing parents; an existing directory is not an error.
	MkdirAll(path string) error
	// Create opens path for writing, truncating any previous content.
	Create(path string) (io.WriteCloser, error)
	// Remove deletes path; a missing file is not an error.
	Remove(path string) error
}

// OS implements FileSystem on the host filesystem.
type OS struct{}

func (OS) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	return false, err
}

func (OS) MkdirAll(path string) error {
	return os.MkdirAll(path, dirPerm)
}

func (OS) Create(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
}

func (OS) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return nil
}
