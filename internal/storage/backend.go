// Package storage defines the Backend interface for image content storage
// and routes each user to a live backend instance built from their
// per-user configuration merged over the process defaults.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/wpic/wpic/internal/storage/blob"
)

// Outcomes and error kinds shared with the backend packages.
var (
	ErrNotFound    = blob.ErrNotFound
	ErrNoPublicURL = blob.ErrNoPublicURL
	ErrInvalidPath = blob.ErrInvalidPath
)

// StorageError and ConfigError are the typed failures backends return.
type (
	StorageError = blob.StorageError
	ConfigError  = blob.ConfigError
)

// IsRetryable reports whether err is a retryable backend failure.
func IsRetryable(err error) bool { return blob.IsRetryable(err) }

// Backend is the interface for content storage backends (local, WebDAV, S3).
// Paths are forward-slash separated and may not contain ".." segments.
// File records in the metadata store decide whether an object is servable;
// backends only hold bytes.
type Backend interface {
	// Save writes data at path, creating intermediate hierarchy as needed.
	// Overwrites replace content without exposing a partial write.
	Save(ctx context.Context, path string, data []byte) error

	// Read returns the object's bytes, or ErrNotFound if it is absent.
	Read(ctx context.Context, path string) ([]byte, error)

	// Delete removes the object. Deleting an absent path succeeds.
	Delete(ctx context.Context, path string) error

	// Exists reports whether an object is stored at path.
	Exists(ctx context.Context, path string) (bool, error)

	// Size returns the object's size, or ErrNotFound.
	Size(ctx context.Context, path string) (int64, error)

	// ReadStream opens the object for reading, or returns ErrNotFound.
	ReadStream(ctx context.Context, path string) (io.ReadCloser, error)

	// SaveStream writes the contents of r at path.
	SaveStream(ctx context.Context, path string, r io.Reader) error

	// PublicURL returns a direct, time-limited URL for the object, or
	// ErrNoPublicURL when the backend cannot provide one.
	PublicURL(ctx context.Context, path string, expiry time.Duration) (string, error)

	// Type returns the backend type identifier ("local", "webdav", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
