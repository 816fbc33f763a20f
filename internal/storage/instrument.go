package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/wpic/wpic/internal/logging"
	"github.com/wpic/wpic/internal/metrics"
)

// instrumented records metrics for every backend call and logs failures.
type instrumented struct {
	Backend
}

// Instrument wraps b so each operation is timed and counted.
func Instrument(b Backend) Backend {
	if _, ok := b.(*instrumented); ok {
		return b
	}
	return &instrumented{Backend: b}
}

func (i *instrumented) observe(op, path string, start time.Time, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoPublicURL):
		outcome = "not_found"
	default:
		outcome = "error"
		logging.Warn("storage operation failed",
			zap.String("backend", i.Type()),
			zap.String("op", op),
			zap.String("path", path),
			zap.Bool("retryable", IsRetryable(err)),
			zap.Error(err))
	}
	metrics.RecordStorageOperation(i.Type(), op, outcome, time.Since(start))
}

func (i *instrumented) Save(ctx context.Context, path string, data []byte) error {
	start := time.Now()
	err := i.Backend.Save(ctx, path, data)
	i.observe("save", path, start, err)
	return err
}

func (i *instrumented) Read(ctx context.Context, path string) ([]byte, error) {
	start := time.Now()
	data, err := i.Backend.Read(ctx, path)
	i.observe("read", path, start, err)
	return data, err
}

func (i *instrumented) Delete(ctx context.Context, path string) error {
	start := time.Now()
	err := i.Backend.Delete(ctx, path)
	i.observe("delete", path, start, err)
	return err
}

func (i *instrumented) Exists(ctx context.Context, path string) (bool, error) {
	start := time.Now()
	ok, err := i.Backend.Exists(ctx, path)
	i.observe("exists", path, start, err)
	return ok, err
}

func (i *instrumented) Size(ctx context.Context, path string) (int64, error) {
	start := time.Now()
	n, err := i.Backend.Size(ctx, path)
	i.observe("size", path, start, err)
	return n, err
}

func (i *instrumented) ReadStream(ctx context.Context, path string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := i.Backend.ReadStream(ctx, path)
	i.observe("read_stream", path, start, err)
	return rc, err
}

func (i *instrumented) SaveStream(ctx context.Context, path string, r io.Reader) error {
	start := time.Now()
	err := i.Backend.SaveStream(ctx, path, r)
	i.observe("save_stream", path, start, err)
	return err
}

func (i *instrumented) PublicURL(ctx context.Context, path string, expiry time.Duration) (string, error) {
	start := time.Now()
	u, err := i.Backend.PublicURL(ctx, path, expiry)
	i.observe("public_url", path, start, err)
	return u, err
}

// Unwrap returns the backend being instrumented.
func (i *instrumented) Unwrap() Backend {
	return i.Backend
}
