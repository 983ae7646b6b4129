// Package filestore keeps uploaded source files and generated export files, scoped per
// organization.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/cuongbtq/dataport/internal/job"
)

var (
	ErrNotFound   = errors.New("file not found")
	ErrInvalidKey = errors.New("invalid file key")
)

// Store saves and reads blobs. Keys are relative to the organization's prefix; a key that
// would escape it is rejected with ErrInvalidKey.
type Store interface {
	Save(ctx context.Context, organizationID, key string, r io.Reader, contentType string) (job.FileRef, error)
	Open(ctx context.Context, organizationID, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, organizationID, key string) error
}

// UploadKey is where the source file of an import job is kept
func UploadKey(jobID, ext string) string {
	return "uploads/" + jobID + ext
}

// ExportKey is where the generated file of an export job is kept
func ExportKey(jobID, ext string) string {
	return "exports/" + jobID + ext
}

// scopedKey joins organizationID and key into one object path
func scopedKey(organizationID, key string) (string, error) {
	if organizationID == "" || strings.ContainsAny(organizationID, `/\`) || organizationID == "." || organizationID == ".." {
		return "", fmt.Errorf("%w: organization %q", ErrInvalidKey, organizationID)
	}

	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	return organizationID + "/" + cleaned, nil
}
