package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cuongbtq/dataport/internal/job"
)

// Local keeps files under a root directory, one subdirectory per organization
type Local struct {
	root string
}

// NewLocal creates the root directory if needed
func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Local{root: root}, nil
}

// Save writes r to a temporary file and renames it into place so readers never see a
// partial file
func (l *Local) Save(ctx context.Context, organizationID, key string, r io.Reader, contentType string) (job.FileRef, error) {
	full, err := l.path(organizationID, key)
	if err != nil {
		return job.FileRef{}, err
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return job.FileRef{}, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return job.FileRef{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	size, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return job.FileRef{}, fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return job.FileRef{}, fmt.Errorf("failed to close file: %w", err)
	}

	if err := os.Rename(tmp.Name(), full); err != nil {
		return job.FileRef{}, fmt.Errorf("failed to move file into place: %w", err)
	}

	return job.FileRef{
		Key:         key,
		Size:        size,
		ContentType: contentType,
	}, nil
}

func (l *Local) Open(ctx context.Context, organizationID, key string) (io.ReadCloser, error) {
	full, err := l.path(organizationID, key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, job.NewRetryableError(fmt.Errorf("failed to open file: %w", err))
	}
	return f, nil
}

// Delete removes the file; deleting a missing file is not an error
func (l *Local) Delete(ctx context.Context, organizationID, key string) error {
	full, err := l.path(organizationID, key)
	if err != nil {
		return err
	}

	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (l *Local) path(organizationID, key string) (string, error) {
	scoped, err := scopedKey(organizationID, key)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(scoped)), nil
}
