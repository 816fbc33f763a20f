package storage

import (
	"context"

	"github.com/wpic/wpic/internal/storage/local"
	s3backend "github.com/wpic/wpic/internal/storage/s3"
	"github.com/wpic/wpic/internal/storage/webdav"
)

// Factory constructs a Backend from a validated Config.
type Factory func(ctx context.Context, cfg Config) (Backend, error)

// NewBackend creates a Backend for cfg. Construction validates required
// fields first and fails closed; it performs no network I/O.
func NewBackend(ctx context.Context, cfg Config) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case TypeLocal:
		return local.New(*cfg.Local)
	case TypeWebDAV:
		return webdav.New(*cfg.WebDAV)
	default:
		return s3backend.New(ctx, *cfg.S3)
	}
}
