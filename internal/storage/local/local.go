// Package local provides a local filesystem storage backend.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/wpic/wpic/internal/storage/blob"
)

const backendName = "local"

// Config holds local filesystem backend settings.
type Config struct {
	BasePath string `json:"base_path"`
}

// Validate checks that every required field is present.
func (c Config) Validate() error {
	return blob.Require(backendName, map[string]string{"base_path": c.BasePath})
}

// Backend implements storage.Backend using the local filesystem.
// Every object lives under basePath; directories are created on demand.
type Backend struct {
	basePath string
}

// New creates a new local filesystem backend, creating the base
// directory if it does not exist.
func New(cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, &blob.ConfigError{Backend: backendName, Reason: fmt.Sprintf("resolve base_path: %v", err)}
	}

	info, err := os.Stat(base)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(base, 0o755); err != nil {
			return nil, &blob.ConfigError{Backend: backendName, Reason: fmt.Sprintf("create base_path %s: %v", base, err)}
		}
	case err != nil:
		return nil, &blob.ConfigError{Backend: backendName, Reason: fmt.Sprintf("stat base_path %s: %v", base, err)}
	case !info.IsDir():
		return nil, &blob.ConfigError{Backend: backendName, Reason: fmt.Sprintf("base_path %s is not a directory", base)}
	}

	return &Backend{basePath: base}, nil
}

// NewFromJSON creates a Backend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, &blob.ConfigError{Backend: backendName, Reason: fmt.Sprintf("parse config: %v", err)}
	}
	return New(cfg)
}

// BasePath returns the absolute directory objects are stored under.
func (b *Backend) BasePath() string { return b.basePath }

func (b *Backend) fullPath(op, key string) (string, error) {
	clean, err := blob.CleanPath(key)
	if err != nil {
		return "", b.fail(op, key, err)
	}
	return filepath.Join(b.basePath, filepath.FromSlash(clean)), nil
}

func (b *Backend) fail(op, key string, err error) error {
	return &blob.StorageError{Backend: backendName, Op: op, Path: key, Err: err}
}

// Save writes data atomically.
func (b *Backend) Save(ctx context.Context, key string, data []byte) error {
	return b.write(ctx, "save", key, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// SaveStream copies src to disk without buffering it in memory.
func (b *Backend) SaveStream(ctx context.Context, key string, src io.Reader) error {
	return b.write(ctx, "save_stream", key, func(w io.Writer) error {
		_, err := io.Copy(w, src)
		return err
	})
}

// write goes through a temp file in the target directory and a rename,
// so readers never observe a partially written object.
func (b *Backend) write(ctx context.Context, op, key string, fill func(io.Writer) error) error {
	if err := ctx.Err(); err != nil {
		return b.fail(op, key, err)
	}
	path, err := b.fullPath(op, key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return b.fail(op, key, fmt.Errorf("create dirs: %w", err))
	}

	tmp, err := os.CreateTemp(dir, ".wpic-*.tmp")
	if err != nil {
		return b.fail(op, key, fmt.Errorf("create temp: %w", err))
	}
	tmpName := tmp.Name()

	if err := fill(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return b.fail(op, key, fmt.Errorf("write: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return b.fail(op, key, fmt.Errorf("close temp: %w", err))
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return b.fail(op, key, fmt.Errorf("rename temp: %w", err))
	}
	return nil
}

// Read returns the object's bytes, or blob.ErrNotFound.
func (b *Backend) Read(ctx context.Context, key string) ([]byte, error) {
	rc, err := b.ReadStream(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, b.fail("read", key, err)
	}
	return data, nil
}

// ReadStream opens the file for streaming. The caller must close it.
func (b *Backend) ReadStream(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, b.fail("read", key, err)
	}
	path, err := b.fullPath("read", key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, blob.ErrNotFound
		}
		return nil, b.fail("read", key, err)
	}
	if info, err := f.Stat(); err == nil && info.IsDir() {
		f.Close()
		return nil, blob.ErrNotFound
	}
	return f, nil
}

// Delete removes the file. A missing file is not an error. Empty parent
// directories are pruned up to the base path on a best-effort basis.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return b.fail("delete", key, err)
	}
	path, err := b.fullPath("delete", key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return b.fail("delete", key, err)
	}
	b.pruneEmptyDirs(filepath.Dir(path))
	return nil
}

// pruneEmptyDirs walks upwards removing empty directories. Failures stop
// the walk silently; a non-empty directory makes os.Remove fail too.
func (b *Backend) pruneEmptyDirs(dir string) {
	for dir != b.basePath && len(dir) > len(b.basePath) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// Exists reports whether a regular file is stored at key.
func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.Size(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Size returns the file size in bytes, or blob.ErrNotFound.
func (b *Backend) Size(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, b.fail("size", key, err)
	}
	path, err := b.fullPath("size", key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, blob.ErrNotFound
		}
		return 0, b.fail("size", key, err)
	}
	if info.IsDir() {
		return 0, blob.ErrNotFound
	}
	return info.Size(), nil
}

// PublicURL is not available for local storage.
func (b *Backend) PublicURL(context.Context, string, time.Duration) (string, error) {
	return "", blob.ErrNoPublicURL
}

// Type returns "local".
func (b *Backend) Type() string { return backendName }

// Close is a no-op for local backends.
func (b *Backend) Close() error { return nil }
