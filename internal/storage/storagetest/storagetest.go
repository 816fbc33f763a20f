// Package storagetest provides a behavioural test suite every storage
// backend must pass.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wpic/wpic/internal/storage/blob"
)

// Backend is the method set exercised by the suite.
type Backend interface {
	Save(ctx context.Context, path string, data []byte) error
	Read(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	Size(ctx context.Context, path string) (int64, error)
	ReadStream(ctx context.Context, path string) (io.ReadCloser, error)
	SaveStream(ctx context.Context, path string, r io.Reader) error
}

// Run exercises the storage contract against a fresh backend.
func Run(t *testing.T, newBackend func(t *testing.T) Backend) {
	ctx := context.Background()

	t.Run("SaveThenRead", func(t *testing.T) {
		b := newBackend(t)
		for _, p := range []string{"a.jpg", "2024/01/02/nested.png", "deep/er/still/x.bin"} {
			data := []byte("content of " + p)
			require.NoError(t, b.Save(ctx, p, data))
			got, err := b.Read(ctx, p)
			require.NoError(t, err)
			assert.Equal(t, data, got, p)
		}
	})

	t.Run("OverwriteReplaces", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Save(ctx, "img/x.jpg", []byte("first version, longer")))
		require.NoError(t, b.Save(ctx, "img/x.jpg", []byte("second")))
		got, err := b.Read(ctx, "img/x.jpg")
		require.NoError(t, err)
		assert.Equal(t, "second", string(got))
	})

	t.Run("ReadMissingIsAbsent", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.Read(ctx, "never/existed.jpg")
		require.ErrorIs(t, err, blob.ErrNotFound)
		var se *blob.StorageError
		assert.False(t, errors.As(err, &se), "absence must not be a StorageError")
	})

	t.Run("DeleteThenReadIsAbsent", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Save(ctx, "d/e/f.jpg", []byte("x")))
		require.NoError(t, b.Delete(ctx, "d/e/f.jpg"))
		_, err := b.Read(ctx, "d/e/f.jpg")
		assert.ErrorIs(t, err, blob.ErrNotFound)
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Save(ctx, "twice.jpg", []byte("x")))
		require.NoError(t, b.Delete(ctx, "twice.jpg"))
		require.NoError(t, b.Delete(ctx, "twice.jpg"))
		require.NoError(t, b.Delete(ctx, "never/there.jpg"))
	})

	t.Run("ExistsAndSize", func(t *testing.T) {
		b := newBackend(t)
		ok, err := b.Exists(ctx, "sz/file.bin")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = b.Size(ctx, "sz/file.bin")
		assert.ErrorIs(t, err, blob.ErrNotFound)

		require.NoError(t, b.Save(ctx, "sz/file.bin", make([]byte, 1234)))
		ok, err = b.Exists(ctx, "sz/file.bin")
		require.NoError(t, err)
		assert.True(t, ok)

		n, err := b.Size(ctx, "sz/file.bin")
		require.NoError(t, err)
		assert.Equal(t, int64(1234), n)
	})

	t.Run("Streams", func(t *testing.T) {
		b := newBackend(t)
		payload := strings.Repeat("stream-", 4096)
		require.NoError(t, b.SaveStream(ctx, "s/stream.bin", strings.NewReader(payload)))

		rc, err := b.ReadStream(ctx, "s/stream.bin")
		require.NoError(t, err)
		var buf bytes.Buffer
		_, err = io.Copy(&buf, rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		assert.Equal(t, payload, buf.String())

		_, err = b.ReadStream(ctx, "s/missing.bin")
		assert.ErrorIs(t, err, blob.ErrNotFound)
	})

	t.Run("RejectsTraversal", func(t *testing.T) {
		b := newBackend(t)
		err := b.Save(ctx, "../escape.jpg", []byte("x"))
		require.Error(t, err)
		assert.ErrorIs(t, err, blob.ErrInvalidPath)
	})
}
